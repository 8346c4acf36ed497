package agent

import (
	"crypto/subtle"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/unicornultrafoundation/wgcore/internal/config"
	"github.com/unicornultrafoundation/wgcore/internal/noise"
)

// PeerInfo is the API view of a peer.
type PeerInfo struct {
	PublicKey           string    `json:"public_key"`
	Endpoint            string    `json:"endpoint,omitempty"`
	AllowedIPs          []string  `json:"allowed_ips,omitempty"`
	LastHandshake       time.Time `json:"last_handshake,omitempty"`
	PersistentKeepalive int       `json:"persistent_keepalive,omitempty"`
	RxBytes             uint64    `json:"rx_bytes"`
	TxBytes             uint64    `json:"tx_bytes"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Username string `json:"username" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// LoginResponse carries a fresh API token.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

// PeerRequest is the body for creating or updating a peer.
type PeerRequest struct {
	PublicKey           string   `json:"public_key" binding:"required"`
	PresharedKey        string   `json:"preshared_key,omitempty"`
	Endpoint            string   `json:"endpoint,omitempty"`
	AllowedIPs          []string `json:"allowed_ips,omitempty"`
	PersistentKeepalive int      `json:"persistent_keepalive,omitempty"`
}

func (a *Agent) peerInfos() []PeerInfo {
	statuses := a.core.ListPeers()
	out := make([]PeerInfo, 0, len(statuses))
	for _, st := range statuses {
		info := PeerInfo{
			PublicKey:           st.PublicKey.Hex(),
			LastHandshake:       st.LastHandshake,
			PersistentKeepalive: int(st.PersistentKeepalive / time.Second),
			RxBytes:             st.RxBytes,
			TxBytes:             st.TxBytes,
		}
		if st.Endpoint.IsValid() {
			info.Endpoint = st.Endpoint.String()
		}
		for _, prefix := range st.AllowedIPs {
			info.AllowedIPs = append(info.AllowedIPs, prefix.String())
		}
		out = append(out, info)
	}
	return out
}

// serveAPI runs the control API until the agent stops.
func (a *Agent) serveAPI() {
	defer a.wg.Done()

	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())

	r.POST("/api/v1/auth/login", a.handleLogin)

	api := r.Group("/api/v1")
	api.Use(AuthMiddleware(a.config.API.JWTSecret))
	{
		api.GET("/status", a.handleStatus)
		api.GET("/peers", a.handleListPeers)
		api.POST("/peers", a.handleAddPeer)
		api.PUT("/peers/:pubkey", a.handleUpdatePeer)
		api.DELETE("/peers/:pubkey", a.handleRemovePeer)
		api.GET("/events", a.events.HandleConnect)
	}

	srv := &http.Server{Addr: a.config.API.Listen, Handler: r}
	go func() {
		<-a.ctx.Done()
		srv.Close()
	}()

	a.log.Info("control API listening", "addr", a.config.API.Listen)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		a.log.Error("control API failed", "err", err)
	}
}

func (a *Agent) handleLogin(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.Username != a.config.API.Username || !a.checkAPIPassword(req.Password) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid credentials"})
		return
	}
	token, expiresAt, err := GenerateToken(req.Username, a.config.API.JWTSecret)
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "generate token failed"})
		return
	}
	c.JSON(http.StatusOK, LoginResponse{Token: token, ExpiresAt: expiresAt})
}

// checkAPIPassword accepts either a bcrypt hash or a literal password
// in the config; hashes are recommended.
func (a *Agent) checkAPIPassword(password string) bool {
	configured := a.config.API.Password
	if strings.HasPrefix(configured, "$2") {
		return CheckPassword(password, configured)
	}
	return subtle.ConstantTimeCompare([]byte(password), []byte(configured)) == 1
}

func (a *Agent) handleStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"public_key":  a.identity.PublicKeyHex(),
		"listen_port": a.config.ListenPort,
		"tun":         a.tunDev.Name(),
		"peers":       len(a.core.ListPeers()),
	})
}

func (a *Agent) handleListPeers(c *gin.Context) {
	c.JSON(http.StatusOK, a.peerInfos())
}

func (a *Agent) handleAddPeer(c *gin.Context) {
	var req PeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	ref := config.PeerRef{
		PublicKey:           req.PublicKey,
		PresharedKey:        req.PresharedKey,
		Endpoint:            req.Endpoint,
		AllowedIPs:          req.AllowedIPs,
		PersistentKeepalive: req.PersistentKeepalive,
	}
	if err := a.applyPeer(ref, true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	a.events.Broadcast(Event{Type: EventPeerAdded, PublicKey: req.PublicKey})
	c.JSON(http.StatusCreated, gin.H{"public_key": req.PublicKey})
}

func (a *Agent) handleUpdatePeer(c *gin.Context) {
	var req PeerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if req.PublicKey != c.Param("pubkey") {
		c.JSON(http.StatusBadRequest, gin.H{"error": "public key mismatch"})
		return
	}
	pub, err := noise.PublicKeyFromHex(req.PublicKey)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if a.core.Peer(pub) == nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "peer not found"})
		return
	}
	ref := config.PeerRef{
		PublicKey:           req.PublicKey,
		PresharedKey:        req.PresharedKey,
		Endpoint:            req.Endpoint,
		AllowedIPs:          req.AllowedIPs,
		PersistentKeepalive: req.PersistentKeepalive,
	}
	if err := a.applyPeer(ref, true); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"public_key": req.PublicKey})
}

func (a *Agent) handleRemovePeer(c *gin.Context) {
	pub, err := noise.PublicKeyFromHex(c.Param("pubkey"))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := a.removePeer(pub); err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": err.Error()})
		return
	}
	a.events.Broadcast(Event{Type: EventPeerRemoved, PublicKey: pub.Hex()})
	c.JSON(http.StatusOK, gin.H{"removed": pub.Hex()})
}

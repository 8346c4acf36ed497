package agent

import (
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/unicornultrafoundation/wgcore/internal/config"
)

// PeerRecord is the persisted configuration of one peer. Only
// configuration lives here; sessions are ephemeral and never touch the
// database.
type PeerRecord struct {
	PublicKey           string    `gorm:"primarykey" json:"public_key"`
	PresharedKey        string    `json:"-"`
	Endpoint            string    `json:"endpoint,omitempty"`
	AllowedIPs          string    `json:"allowed_ips,omitempty"` // comma-separated prefixes
	PersistentKeepalive int       `json:"persistent_keepalive,omitempty"`
	CreatedAt           time.Time `json:"created_at"`
	UpdatedAt           time.Time `json:"updated_at"`
}

func (r PeerRecord) toRef() config.PeerRef {
	ref := config.PeerRef{
		PublicKey:           r.PublicKey,
		PresharedKey:        r.PresharedKey,
		Endpoint:            r.Endpoint,
		PersistentKeepalive: r.PersistentKeepalive,
	}
	if r.AllowedIPs != "" {
		ref.AllowedIPs = strings.Split(r.AllowedIPs, ",")
	}
	return ref
}

func recordFromRef(ref config.PeerRef) PeerRecord {
	return PeerRecord{
		PublicKey:           ref.PublicKey,
		PresharedKey:        ref.PresharedKey,
		Endpoint:            ref.Endpoint,
		AllowedIPs:          strings.Join(ref.AllowedIPs, ","),
		PersistentKeepalive: ref.PersistentKeepalive,
	}
}

// Store persists peer configuration across restarts.
type Store struct {
	db *gorm.DB
}

// OpenStore opens the database and runs migrations. The DSN uses the
// form "sqlite:///path/to/db".
func OpenStore(dsn string) (*Store, error) {
	if !strings.HasPrefix(dsn, "sqlite://") {
		return nil, fmt.Errorf("unsupported database DSN: %s (only sqlite:// supported)", dsn)
	}
	dbPath := strings.TrimPrefix(dsn, "sqlite://")
	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Warn),
	})
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if err := db.AutoMigrate(&PeerRecord{}); err != nil {
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	return &Store{db: db}, nil
}

// SavePeer inserts or updates a peer record.
func (s *Store) SavePeer(rec PeerRecord) error {
	return s.db.Save(&rec).Error
}

// DeletePeer removes a peer record by public key.
func (s *Store) DeletePeer(publicKey string) error {
	return s.db.Delete(&PeerRecord{}, "public_key = ?", publicKey).Error
}

// ListPeers returns all persisted peer records.
func (s *Store) ListPeers() ([]PeerRecord, error) {
	var records []PeerRecord
	if err := s.db.Find(&records).Error; err != nil {
		return nil, err
	}
	return records, nil
}

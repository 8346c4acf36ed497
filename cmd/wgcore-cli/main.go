package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/unicornultrafoundation/wgcore/internal/agent"
	"github.com/unicornultrafoundation/wgcore/internal/identity"
)

var version = "dev"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	cmd := os.Args[1]
	os.Args = append(os.Args[:1], os.Args[2:]...)

	switch cmd {
	case "identity":
		cmdIdentity()
	case "login":
		cmdLogin()
	case "peers":
		cmdPeers()
	case "hash-password":
		cmdHashPassword()
	case "version":
		fmt.Printf("wgcore-cli %s\n", version)
	case "help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println(`Usage: wgcore-cli <command> [options]

Commands:
  identity       Show or generate node identity
  login          Obtain an API token from the agent
  peers          List/add/remove peers on the agent
  hash-password  Hash an API password for the config file
  version        Show version
  help           Show this help`)
}

// --- Identity command ---

func cmdIdentity() {
	fs := flag.NewFlagSet("identity", flag.ExitOnError)
	path := fs.String("identity", "/etc/wgcore/identity.key", "identity key path")
	generate := fs.Bool("generate", false, "generate new identity")
	fs.Parse(os.Args[1:])

	if *generate {
		id, err := identity.Generate()
		if err != nil {
			fatal(err)
		}
		fmt.Printf("Public Key: %s\n", id.PublicKeyHex())
		return
	}

	id, err := identity.LoadOrGenerate(*path)
	if err != nil {
		fatal(err)
	}
	fmt.Printf("Public Key: %s\n", id.PublicKeyHex())
}

// --- Login command ---

func cmdLogin() {
	fs := flag.NewFlagSet("login", flag.ExitOnError)
	api := fs.String("api", "http://127.0.0.1:9480", "agent API URL")
	username := fs.String("username", "admin", "API username")
	password := fs.String("password", "", "API password")
	fs.Parse(os.Args[1:])

	client := &apiClient{base: *api}
	var resp agent.LoginResponse
	err := client.post("/api/v1/auth/login", agent.LoginRequest{
		Username: *username,
		Password: *password,
	}, &resp)
	if err != nil {
		fatal(err)
	}
	fmt.Println(resp.Token)
}

// --- Peers command ---

func cmdPeers() {
	fs := flag.NewFlagSet("peers", flag.ExitOnError)
	api := fs.String("api", "http://127.0.0.1:9480", "agent API URL")
	token := fs.String("token", "", "API token")
	add := fs.String("add", "", "add peer by public key (hex)")
	endpoint := fs.String("endpoint", "", "peer endpoint host:port")
	allowedIPs := fs.String("allowed-ips", "", "comma-separated allowed prefixes")
	keepalive := fs.Int("keepalive", 0, "persistent keepalive seconds")
	remove := fs.String("remove", "", "remove peer by public key (hex)")
	fs.Parse(os.Args[1:])

	client := &apiClient{base: *api, token: *token}

	if *add != "" {
		req := agent.PeerRequest{
			PublicKey:           *add,
			Endpoint:            *endpoint,
			PersistentKeepalive: *keepalive,
		}
		if *allowedIPs != "" {
			req.AllowedIPs = strings.Split(*allowedIPs, ",")
		}
		if err := client.post("/api/v1/peers", req, nil); err != nil {
			fatal(err)
		}
		fmt.Printf("Added peer %s\n", *add)
		return
	}

	if *remove != "" {
		if err := client.delete("/api/v1/peers/" + *remove); err != nil {
			fatal(err)
		}
		fmt.Printf("Removed peer %s\n", *remove)
		return
	}

	var peers []agent.PeerInfo
	if err := client.get("/api/v1/peers", &peers); err != nil {
		fatal(err)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "PUBLIC KEY\tENDPOINT\tLAST HANDSHAKE\tRX\tTX")
	for _, p := range peers {
		lastHandshake := "-"
		if !p.LastHandshake.IsZero() {
			lastHandshake = p.LastHandshake.Format(time.RFC3339)
		}
		endpoint := p.Endpoint
		if endpoint == "" {
			endpoint = "-"
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\n",
			p.PublicKey[:16]+"...", endpoint, lastHandshake, p.RxBytes, p.TxBytes)
	}
	w.Flush()
}

// --- Hash password command ---

func cmdHashPassword() {
	fs := flag.NewFlagSet("hash-password", flag.ExitOnError)
	password := fs.String("password", "", "password to hash")
	fs.Parse(os.Args[1:])

	if *password == "" {
		fatal(fmt.Errorf("-password is required"))
	}
	hash, err := agent.HashPassword(*password)
	if err != nil {
		fatal(err)
	}
	fmt.Println(hash)
}

func fatal(err error) {
	fmt.Fprintf(os.Stderr, "error: %v\n", err)
	os.Exit(1)
}

// --- HTTP client helper ---

type apiClient struct {
	base  string
	token string
}

func (c *apiClient) do(method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 400 {
		respBody, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(respBody))
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *apiClient) get(path string, out interface{}) error {
	return c.do("GET", path, nil, out)
}

func (c *apiClient) post(path string, body, out interface{}) error {
	return c.do("POST", path, body, out)
}

func (c *apiClient) delete(path string) error {
	return c.do("DELETE", path, nil, nil)
}

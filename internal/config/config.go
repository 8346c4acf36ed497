package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// AgentConfig is the configuration for wgcore-agent.
type AgentConfig struct {
	IdentityPath string    `yaml:"identity_path"`
	ListenPort   int       `yaml:"listen_port"`
	TunName      string    `yaml:"tun_name"`
	TunAddress   string    `yaml:"tun_address"`
	TunMTU       int       `yaml:"tun_mtu"`
	Database     string    `yaml:"database"`
	API          APIConfig `yaml:"api"`
	STUNServers  []string  `yaml:"stun_servers"`
	Peers        []PeerRef `yaml:"peers"`
	LogLevel     string    `yaml:"log_level"`
}

// APIConfig configures the local control API.
type APIConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Listen    string `yaml:"listen"`
	JWTSecret string `yaml:"jwt_secret"`
	Username  string `yaml:"username"`
	Password  string `yaml:"password"`
}

// PeerRef declares one peer in the agent config. Peers from the
// database and peers from the config file are merged at startup.
type PeerRef struct {
	PublicKey           string   `yaml:"public_key"`
	PresharedKey        string   `yaml:"preshared_key,omitempty"`
	Endpoint            string   `yaml:"endpoint,omitempty"`
	AllowedIPs          []string `yaml:"allowed_ips"`
	PersistentKeepalive int      `yaml:"persistent_keepalive,omitempty"`
}

// DefaultAgentConfig returns a config with sensible defaults.
func DefaultAgentConfig() *AgentConfig {
	return &AgentConfig{
		IdentityPath: "/etc/wgcore/identity.key",
		ListenPort:   51820,
		TunName:      "wg0",
		TunMTU:       1420,
		Database:     "sqlite:///var/lib/wgcore/peers.db",
		API: APIConfig{
			Enabled:   true,
			Listen:    "127.0.0.1:9480",
			JWTSecret: "change-me-in-production",
			Username:  "admin",
			Password:  "admin",
		},
		STUNServers: []string{
			"stun.l.google.com:19302",
		},
		LogLevel: "info",
	}
}

// LoadAgentConfig loads agent config from a YAML file.
func LoadAgentConfig(path string) (*AgentConfig, error) {
	cfg := DefaultAgentConfig()
	if err := loadYAML(path, cfg); err != nil {
		return nil, fmt.Errorf("load agent config: %w", err)
	}
	return cfg, nil
}

func loadYAML(path string, out interface{}) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, out)
}

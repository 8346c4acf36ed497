package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadAgentConfigOverridesDefaults(t *testing.T) {
	raw := `
listen_port: 7777
tun_name: wgtest
log_level: debug
peers:
  - public_key: aabb
    endpoint: 198.51.100.1:51820
    allowed_ips: ["10.9.0.0/24"]
    persistent_keepalive: 25
`
	path := filepath.Join(t.TempDir(), "agent.yaml")
	if err := os.WriteFile(path, []byte(raw), 0644); err != nil {
		t.Fatal(err)
	}

	cfg, err := LoadAgentConfig(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.ListenPort != 7777 || cfg.TunName != "wgtest" || cfg.LogLevel != "debug" {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	// untouched fields keep their defaults
	if cfg.TunMTU != DefaultAgentConfig().TunMTU {
		t.Fatalf("default MTU lost: %d", cfg.TunMTU)
	}
	if len(cfg.Peers) != 1 || cfg.Peers[0].PersistentKeepalive != 25 {
		t.Fatalf("peers not parsed: %+v", cfg.Peers)
	}
}

func TestLoadAgentConfigMissingFile(t *testing.T) {
	if _, err := LoadAgentConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("expected an error for a missing file")
	}
}

package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/unicornultrafoundation/wgcore/internal/agent"
	"github.com/unicornultrafoundation/wgcore/internal/config"
)

var version = "dev"

func main() {
	var (
		configPath   = flag.String("config", "/etc/wgcore/agent.yaml", "path to config file")
		identityPath = flag.String("identity", "", "override identity key path")
		listenPort   = flag.Int("port", 0, "override UDP listen port")
		tunName      = flag.String("tun", "", "override TUN device name")
		logLevel     = flag.String("log-level", "", "log level: debug, info, warn, error")
		showVersion  = flag.Bool("version", false, "show version and exit")
		showIdentity = flag.Bool("show-identity", false, "show identity and exit")
	)
	flag.Parse()

	if *showVersion {
		fmt.Printf("wgcore-agent %s\n", version)
		os.Exit(0)
	}

	cfg, err := config.LoadAgentConfig(*configPath)
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "load config: %v\n", err)
			os.Exit(1)
		}
		cfg = config.DefaultAgentConfig()
	}

	// CLI overrides
	if *identityPath != "" {
		cfg.IdentityPath = *identityPath
	}
	if *listenPort != 0 {
		cfg.ListenPort = *listenPort
	}
	if *tunName != "" {
		cfg.TunName = *tunName
	}
	if *logLevel != "" {
		cfg.LogLevel = *logLevel
	}

	var level slog.Level
	switch strings.ToLower(cfg.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	log := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	a, err := agent.New(cfg, log)
	if err != nil {
		log.Error("create agent failed", "err", err)
		os.Exit(1)
	}

	if *showIdentity {
		fmt.Printf("Public Key: %s\n", a.Identity().PublicKeyHex())
		os.Exit(0)
	}

	if err := a.Start(); err != nil {
		log.Error("start agent failed", "err", err)
		os.Exit(1)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	log.Info("received signal, shutting down", "signal", sig)

	a.Stop()
}

// Command complianceagentd is the long-running endpoint compliance agent
// process: it loads configuration, wires every subsystem through
// internal/daemon, and serves the local command surface over internal/ipc
// until told to stop.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/compliance/registry"
	"github.com/amzn/acme-compliance-agent/internal/config"
	"github.com/amzn/acme-compliance-agent/internal/daemon"
	"github.com/amzn/acme-compliance-agent/internal/ipc"
	"github.com/amzn/acme-compliance-agent/internal/logging"
)

func main() {
	configPath := flag.String("config", "", "Path to configuration file (JSON or YAML)")
	baseDir := flag.String("base-dir", "", "Override the agent's base data directory")
	ipcAddr := flag.String("ipc-addr", "", "Override the loopback IPC listen address")
	flag.Parse()

	log.SetFlags(0)

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if strings.TrimSpace(*baseDir) != "" {
		cfg.Paths.BaseDir = *baseDir
	}
	if strings.TrimSpace(*ipcAddr) != "" {
		cfg.IPC.ListenAddr = *ipcAddr
	}

	logger := logging.NewFromEnv("complianceagentd")

	// Concrete compliance modules (OS-level patch/posture checks) are out
	// of scope for this repository (spec "Explicit non-goals"); this map
	// is the registration point a real deployment populates with its own
	// registry.Factory implementations.
	mods := daemon.ModuleFactories{
		Factories: map[string]registry.Factory{},
		Layouts:   map[string]module.StateLayout{},
	}

	d, err := daemon.New(cfg, mods, logger)
	if err != nil {
		log.Fatalf("initialize daemon: %v", err)
	}

	ctx := context.Background()
	if err := d.Start(ctx); err != nil {
		log.Fatalf("start daemon: %v", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)

	shutdownRequested := make(chan struct{})
	server := ipc.NewServer(cfg.IPC.ListenAddr, ipc.NewHandler(d, func() { close(shutdownRequested) }, logger.With("ipc")), logger.With("ipc"))
	server.Start()
	logger.WithField("addr", cfg.IPC.ListenAddr).Info("ipc server listening")

	select {
	case sig := <-sigCh:
		logger.WithField("signal", sig.String()).Info("received shutdown signal")
	case <-shutdownRequested:
		logger.Info("shutdown requested over ipc")
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Stop(shutdownCtx); err != nil {
		logger.WithError(err).Warn("ipc server did not shut down cleanly")
	}
	d.Stop()
}

func loadConfig(path string) (*config.Config, error) {
	if strings.TrimSpace(path) == "" {
		return config.New(), nil
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return config.LoadFile(path)
	case ".json":
		return config.LoadConfig(path)
	default:
		if cfg, err := config.LoadFile(path); err == nil {
			return cfg, nil
		}
		return config.LoadConfig(path)
	}
}

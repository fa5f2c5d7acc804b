// Package main runs the storage and sync core as a standalone process.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/omarels/haaq/backend/internal/config"
	backupscheduler "github.com/omarels/haaq/backend/internal/export/scheduler"
	"github.com/omarels/haaq/backend/internal/logging"
	"github.com/omarels/haaq/backend/internal/services"
)

// Version is set at build time
var Version = "0.1.0"

func main() {
	configPath := flag.String("config", "", "path to haaq.yaml (default: ./haaq.yaml or ~/.haaq/haaq.yaml)")
	showVersion := flag.Bool("version", false, "print version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("Haaq Core v%s\n", Version)
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, *configPath); err != nil {
		logging.Error("Core exited with error", err)
		os.Exit(1)
	}
}

// run starts the core and blocks until ctx is cancelled.
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	logging.InitFile(cfg.LogFileConfig(), logging.ParseLevel(cfg.Log.Level))

	store, closeStore, err := cfg.OpenStore()
	if err != nil {
		return fmt.Errorf("failed to open storage: %w", err)
	}
	defer func() {
		if err := closeStore(); err != nil {
			logging.Error("Failed to close storage", err)
		}
	}()

	remote, err := cfg.Remote(ctx)
	if err != nil {
		return fmt.Errorf("failed to configure sync provider: %w", err)
	}

	manager := services.NewManager(store, remote, cfg.ManagerConfig(), nil)
	if err := manager.Start(ctx); err != nil {
		return err
	}
	defer manager.Stop()

	backupCfg := cfg.Backup
	backups := backupscheduler.NewScheduler(manager.Backup(), &backupCfg, nil)
	if err := backups.Start(ctx); err != nil {
		return fmt.Errorf("failed to start backup scheduler: %w", err)
	}
	defer backups.Stop()

	logging.Info("Haaq core running", map[string]interface{}{
		"version":  Version,
		"backend":  cfg.Storage.Backend,
		"provider": cfg.Sync.Provider,
		"usage":    manager.UsageInfo().String(),
	})

	<-ctx.Done()
	logging.Info("Shutting down", nil)
	return nil
}

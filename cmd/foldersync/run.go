package main

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/gofrs/flock"
	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/config"
	"github.com/steveyegge/foldersync/internal/dashboard"
	"github.com/steveyegge/foldersync/internal/history"
	"github.com/steveyegge/foldersync/internal/logging"
	"github.com/steveyegge/foldersync/internal/registry"
	"github.com/steveyegge/foldersync/internal/vcs"
)

var runCmd = &cobra.Command{
	Use:     "run",
	GroupID: "sync",
	Short:   "Run the sync daemon in the foreground",
	Long: `Run the sync daemon for every configured folder until interrupted.

Each folder is watched for changes, which are committed and pushed once
the folder has been quiet for two seconds. Remote changes are pulled when
an announcement arrives from the relay, or by polling every 5 minutes
without a relay connection (15 minutes with one).

The daemon serves its status on dashboard.addr:
  /status            folder states as JSON
  /ws                live engine events (WebSocket)
  /retry/{folder}    POST to retry a failed folder
  /metrics           Prometheus metrics

Only one daemon may run per user.`,
	RunE: runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, logCloser, err := logging.New(cfg.Log, os.Stderr)
	if err != nil {
		return err
	}
	defer logCloser.Close()

	lock, err := acquireLock(config.Dir())
	if err != nil {
		return err
	}
	defer lock.Unlock()

	ctx := cmd.Context()

	db, err := history.Open(cfg.History.Path)
	if err != nil {
		return fmt.Errorf("failed to open history: %w", err)
	}
	defer db.Close()

	if cfg.History.Retention > 0 {
		pruned, err := db.Prune(ctx, time.Now().Add(-cfg.History.Retention))
		if err != nil {
			logger.Warn("failed to prune history", "error", err)
		} else if pruned > 0 {
			logger.Info("pruned history", "rows", pruned)
		}
	}

	if len(cfg.Folders) == 0 {
		logger.Warn("no folders configured", "config", cfg.File)
	}

	reg := registry.New(cfg, registry.Deps{Logger: logger, History: db})
	// engines are stopped by reg.Stop, not by the signal
	if err := reg.Start(context.WithoutCancel(ctx)); err != nil {
		logger.Warn("some folders could not be started", "error", err)
	}
	defer func() {
		if err := reg.Stop(); err != nil {
			logger.Error("failed to stop folders", "error", err)
		}
	}()

	for _, e := range reg.Engines() {
		if err := vcs.CheckVersion(e.Backend()); err != nil {
			logger.Warn("unsupported backend version", "folder", e.Name(), "error", err)
		}
	}

	if cfg.Dashboard.Addr != "" {
		server := dashboard.NewServer(dashboard.Config{Addr: cfg.Dashboard.Addr, Logger: logger}, reg)
		if err := server.Start(); err != nil {
			return err
		}
		defer func() {
			if err := server.Stop(); err != nil {
				logger.Error("failed to stop dashboard", "error", err)
			}
		}()

		handler := dashboard.NewHandler(server, logger)
		unsubscribe := reg.Subscribe(handler.Observe)
		defer unsubscribe()
	}

	logger.Info("foldersync running", "version", Version, "folders", len(reg.Engines()))
	<-ctx.Done()
	logger.Info("shutting down, waiting for running syncs")
	return nil
}

// acquireLock takes the per-user daemon lock in dir.
func acquireLock(dir string) (*flock.Flock, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}
	lock := flock.New(filepath.Join(dir, "foldersync.lock"))
	locked, err := lock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("failed to lock %s: %w", lock.Path(), err)
	}
	if !locked {
		return nil, fmt.Errorf("another foldersync daemon is running (lock %s)", lock.Path())
	}
	return lock, nil
}

// Command foldersync keeps folders in sync through a shared git or
// Mercurial remote.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/config"
	"github.com/steveyegge/foldersync/internal/logging"

	// backends register themselves with the vcs registry
	_ "github.com/steveyegge/foldersync/internal/vcs/git"
	_ "github.com/steveyegge/foldersync/internal/vcs/hg"
)

// Version is set at build time with -ldflags "-X main.Version=..."
var Version = "dev"

var (
	configFile string
	logLevel   string
	noColor    bool
)

var rootCmd = &cobra.Command{
	Use:   "foldersync",
	Short: "Keep folders in sync through a git or Mercurial remote",
	Long: `foldersync watches local folders and commits, pushes and pulls their
contents through a version control remote, so every machine sharing the
remote sees the same files.

Start the daemon with "foldersync run". The other commands talk to the
running daemon or edit the configuration.`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		setupStyles(noColor)
	},
}

func init() {
	rootCmd.AddGroup(
		&cobra.Group{ID: "sync", Title: "Sync:"},
		&cobra.Group{ID: "folders", Title: "Folders:"},
		&cobra.Group{ID: "advanced", Title: "Advanced:"},
	)

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "", "config file (default: search ., "+config.Dir()+", ~/.foldersync)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "override log.level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&noColor, "no-color", false, "disable colored output")
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	cancel()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// loadConfig reads the configuration selected by --config.
func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(configFile)
	if errors.Is(err, config.ErrConfigNotFound) {
		return nil, fmt.Errorf("%w (create one with \"foldersync folder add\" or pass --config)", err)
	}
	if err != nil {
		return nil, err
	}
	if logLevel != "" {
		cfg.Log.Level = logLevel
	}
	return cfg, nil
}

// configPath returns the file folder add/remove should edit.
func configPath() string {
	if configFile != "" {
		return configFile
	}
	if cfg, err := config.Load(""); err == nil && cfg.File != "" {
		return cfg.File
	}
	return config.DefaultFile()
}

// cliLogger is used by commands other than run, which log to stderr only.
func cliLogger() *slog.Logger {
	level, err := logging.ParseLevel(logLevel)
	if err != nil || logLevel == "" {
		level = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

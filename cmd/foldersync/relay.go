package main

import (
	"os"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/announce"
	"github.com/steveyegge/foldersync/internal/logging"
)

var relayListen string

var relayCmd = &cobra.Command{
	Use:     "relay",
	GroupID: "advanced",
	Short:   "Run an announcement relay",
	Long: `Run a relay that forwards change announcements between clients.

Clients subscribe to folder identifiers and are told when another client
pushed to a folder, so they can pull immediately instead of waiting for
the next poll. Point announcements.url at the relay:

  foldersync relay --listen :9999
  # config.yaml on every client
  announcements:
    url: tcp://relay.example.com:9999`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		level := logLevel
		if level == "" {
			level = "info"
		}
		logger, closer, err := logging.New(logging.Config{Level: level}, os.Stderr)
		if err != nil {
			return err
		}
		defer closer.Close()

		server := announce.NewServer(logger)
		if err := server.Start(relayListen); err != nil {
			return err
		}
		logger.Info("relay listening", "endpoint", server.Endpoint())

		<-cmd.Context().Done()
		return server.Stop()
	},
}

func init() {
	relayCmd.Flags().StringVarP(&relayListen, "listen", "l", ":9999", "address to listen on")
	rootCmd.AddCommand(relayCmd)
}

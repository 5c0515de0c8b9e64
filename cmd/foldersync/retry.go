package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/dashboard"
)

var retryCmd = &cobra.Command{
	Use:     "retry <folder>",
	GroupID: "sync",
	Short:   "Retry a folder that stopped syncing after an error",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		endpoint := "http://" + resolveAddr() + "/retry/" + url.PathEscape(args[0])
		req, err := http.NewRequestWithContext(cmd.Context(), http.MethodPost, endpoint, nil)
		if err != nil {
			return err
		}
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			return fmt.Errorf("daemon not reachable (is \"foldersync run\" running?): %w", err)
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK:
			var result dashboard.RetryResult
			if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", okStyle.Render("Retrying"), result.Folder)
			return nil
		case http.StatusConflict:
			fmt.Fprintf(cmd.OutOrStdout(), "%s has no error to retry, or is syncing right now\n", args[0])
			return nil
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
			return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
		}
	},
}

func init() {
	rootCmd.AddCommand(retryCmd)
}

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/coder/websocket"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/config"
	"github.com/steveyegge/foldersync/internal/dashboard"
	"github.com/steveyegge/foldersync/internal/engine"
)

var (
	daemonAddr string
	statusJSON bool
	watchMode  bool
)

var statusCmd = &cobra.Command{
	Use:     "status",
	GroupID: "sync",
	Short:   "Show the sync status of every folder",
	Long: `Show the status of every folder served by the running daemon.

With --watch the table is redrawn on every status change and remote
changes, conflicts and pushes are printed as they happen.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		addr := resolveAddr()
		if watchMode {
			return watchStatus(cmd.Context(), cmd.OutOrStdout(), addr)
		}

		var data dashboard.StatusData
		if err := getJSON(cmd.Context(), "http://"+addr+"/status", &data); err != nil {
			return err
		}
		if statusJSON {
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(data)
		}
		renderStatus(cmd.OutOrStdout(), data, time.Now())
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&daemonAddr, "addr", "", "daemon dashboard address (default: dashboard.addr from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "print raw JSON")
	statusCmd.Flags().BoolVarP(&watchMode, "watch", "w", false, "follow status changes")
	rootCmd.AddCommand(statusCmd)
}

// resolveAddr returns --addr, else dashboard.addr from the config, else
// the default.
func resolveAddr() string {
	if daemonAddr != "" {
		return daemonAddr
	}
	if cfg, err := config.Load(configFile); err == nil && cfg.Dashboard.Addr != "" {
		return cfg.Dashboard.Addr
	}
	return config.DefaultDashboardAddr
}

func getJSON(ctx context.Context, url string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable (is \"foldersync run\" running?): %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s: %s", resp.Status, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func renderStatus(w io.Writer, data dashboard.StatusData, now time.Time) {
	if len(data.Folders) == 0 && len(data.Failures) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No folders are being synced."))
		return
	}

	rows := make([][]string, 0, len(data.Folders))
	for _, st := range data.Folders {
		lastSync := "never"
		if !st.LastSync.IsZero() {
			lastSync = humanize.RelTime(st.LastSync, now, "ago", "from now")
		}
		lastChange := ""
		if cs := st.LastChangeSet; cs != nil {
			lastChange = fmt.Sprintf("%s: %s", cs.Author.Name, cs.Message)
		}
		row := []string{st.Name, statusLabel(st), lastSync, lastChange}
		if st.Status.IsSyncing() && st.Progress > 0 {
			row[1] += fmt.Sprintf(" %.0f%%", st.Progress)
			if st.Speed != "" {
				row[1] += " " + st.Speed
			}
		}
		rows = append(rows, row)
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("FOLDER", "STATUS", "LAST SYNC", "LAST CHANGE").
		Rows(rows...)
	fmt.Fprintln(w, t.String())

	if len(data.Failures) > 0 {
		names := make([]string, 0, len(data.Failures))
		for name := range data.Failures {
			names = append(names, name)
		}
		sort.Strings(names)

		fmt.Fprintln(w, titleStyle.Render("Not running:"))
		for _, name := range names {
			fmt.Fprintf(w, "  %s  %s\n", name, errStyle.Render(data.Failures[name]))
		}
	}
}

// describeEvent returns a one-line description of ev, or "" for events
// that only matter to the status table.
func describeEvent(ev engine.Event) string {
	stamp := dimStyle.Render(ev.Time.Format("15:04:05"))
	switch ev.Type {
	case engine.EventNewChangeSet:
		if cs := ev.ChangeSet; cs != nil {
			return fmt.Sprintf("%s %s: %s changed %s", stamp, ev.Folder, cs.Author.Name, cs.Message)
		}
		return fmt.Sprintf("%s %s: new changes", stamp, ev.Folder)
	case engine.EventConflictResolved:
		return fmt.Sprintf("%s %s: %s", stamp, ev.Folder,
			warnStyle.Render(fmt.Sprintf("%d conflicting files kept as copies", len(ev.Renamed))))
	case engine.EventPushingFinished:
		return fmt.Sprintf("%s %s: %s", stamp, ev.Folder, okStyle.Render("changes pushed"))
	}
	return ""
}

func watchStatus(ctx context.Context, w io.Writer, addr string) error {
	conn, _, err := websocket.Dial(ctx, "ws://"+addr+"/ws", nil)
	if err != nil {
		return fmt.Errorf("daemon not reachable (is \"foldersync run\" running?): %w", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil || websocket.CloseStatus(err) == websocket.StatusGoingAway {
				return nil
			}
			return err
		}

		var msg dashboard.Message
		if err := json.Unmarshal(data, &msg); err != nil {
			fmt.Fprintln(os.Stderr, "bad message:", err)
			continue
		}

		switch msg.Type {
		case dashboard.MessageTypeStatus:
			var status dashboard.StatusData
			if err := json.Unmarshal(msg.Data, &status); err == nil {
				renderStatus(w, status, time.Now())
			}
		case dashboard.MessageTypeEvent:
			var ev engine.Event
			if err := json.Unmarshal(msg.Data, &ev); err == nil {
				if line := describeEvent(ev); line != "" {
					fmt.Fprintln(w, line)
				}
			}
		}
	}
}

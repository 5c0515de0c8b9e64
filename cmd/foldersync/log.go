package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/olebedev/when"
	"github.com/olebedev/when/rules/common"
	"github.com/olebedev/when/rules/en"
	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/history"
	"github.com/steveyegge/foldersync/internal/vcs"
)

var (
	logSince string
	logLimit int
)

var logCmd = &cobra.Command{
	Use:     "log [folder]",
	GroupID: "sync",
	Short:   "List recent change sets from the sync history",
	Long: `List change sets recorded by the daemon, newest first.

--since accepts a date or natural language:
  foldersync log --since yesterday
  foldersync log docs --since "last monday"
  foldersync log --since 2024-05-01`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		q := history.Query{Limit: logLimit}
		if len(args) == 1 {
			q.Folder = args[0]
		}
		if logSince != "" {
			q.Since, err = parseSince(logSince, time.Now())
			if err != nil {
				return err
			}
		}

		db, err := history.Open(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to open history: %w", err)
		}
		defer db.Close()

		entries, err := db.ChangeSets(cmd.Context(), q)
		if err != nil {
			return err
		}
		renderLog(cmd.OutOrStdout(), entries, time.Now())
		return nil
	},
}

func init() {
	logCmd.Flags().StringVarP(&logSince, "since", "s", "", "only show changes after this time")
	logCmd.Flags().IntVarP(&logLimit, "limit", "n", 50, "maximum number of change sets")
	rootCmd.AddCommand(logCmd)
}

var sinceParser = func() *when.Parser {
	w := when.New(nil)
	w.Add(en.All...)
	w.Add(common.All...)
	return w
}()

// parseSince parses an absolute date or a natural language expression
// relative to now.
func parseSince(s string, now time.Time) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{time.RFC3339, "2006-01-02 15:04", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, s, now.Location()); err == nil {
			return t, nil
		}
	}

	r, err := sinceParser.Parse(s, now)
	if err != nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q: %w", s, err)
	}
	if r == nil {
		return time.Time{}, fmt.Errorf("cannot parse --since %q", s)
	}
	return r.Time, nil
}

func renderLog(w io.Writer, entries []history.Entry, now time.Time) {
	if len(entries) == 0 {
		fmt.Fprintln(w, dimStyle.Render("No changes recorded."))
		return
	}

	for _, e := range entries {
		fmt.Fprintf(w, "%s %s %s  %s\n",
			dimStyle.Render(shortRevision(e.Revision)),
			titleStyle.Render(e.Folder),
			e.Author.Name,
			dimStyle.Render(humanize.RelTime(e.Timestamp, now, "ago", "from now")))
		if e.Message != "" {
			fmt.Fprintf(w, "    %s\n", e.Message)
		}
		for _, ch := range e.Changes {
			fmt.Fprintf(w, "    %s\n", describeChange(ch))
		}
	}
}

func describeChange(ch vcs.Change) string {
	switch ch.Kind {
	case vcs.ChangeAdded:
		return okStyle.Render("+ " + ch.Path)
	case vcs.ChangeDeleted:
		return errStyle.Render("- " + ch.Path)
	case vcs.ChangeMoved:
		return warnStyle.Render("> " + ch.OldPath + " → " + ch.Path)
	default:
		return "/ " + ch.Path
	}
}

func shortRevision(rev string) string {
	if len(rev) > 10 {
		return rev[:10]
	}
	return rev
}

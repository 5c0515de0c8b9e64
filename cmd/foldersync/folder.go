package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/config"
	"github.com/steveyegge/foldersync/internal/vcs"
)

var folderCmd = &cobra.Command{
	Use:     "folder",
	GroupID: "folders",
	Short:   "Add, remove and list synced folders",
	Long: `Add, remove and list the folders in the configuration file.

Changes take effect the next time the daemon starts.`,
}

var (
	addRemote  string
	addBackend string
	addExclude []string
	addRelay   string
	removeYes  bool
)

var folderAddCmd = &cobra.Command{
	Use:   "add [path] [name]",
	Short: "Add a folder, cloning it from --remote if needed",
	Long: `Add a folder to the configuration.

If path is already a git or Mercurial working tree it is used as is.
Otherwise --remote is cloned into path. The name defaults to the last
path element. Without arguments on a terminal the values are asked for.

Examples:
  foldersync folder add ~/Shared/docs --remote ssh://git@example.com/docs.git
  foldersync folder add ~/Photos photos --backend hg --remote https://hg.example.com/photos
  foldersync folder add ~/Notes --exclude "*.tmp" --exclude "drafts/"`,
	Args: cobra.MaximumNArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		f := config.Folder{
			Remote:           addRemote,
			Backend:          addBackend,
			Exclude:          addExclude,
			AnnouncementsURL: addRelay,
		}
		if len(args) > 0 {
			f.Path = args[0]
		}
		if len(args) > 1 {
			f.Name = args[1]
		}

		if f.Path == "" {
			if !isInteractive() {
				return errors.New("path is required")
			}
			if err := promptFolder(&f); err != nil {
				return err
			}
		}

		if err := completeFolder(&f); err != nil {
			return err
		}

		var user config.User
		if cfg, err := config.Load(configFile); err == nil {
			user = cfg.User
		}
		if err := prepareWorkingTree(cmd.Context(), &f, user); err != nil {
			return err
		}

		path := configPath()
		if err := config.AddFolder(path, f); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s (%s) to %s\n", okStyle.Render("Added"), f.Name, f.Path, path)
		fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("Restart the daemon to start syncing it."))
		return nil
	},
}

var folderRemoveCmd = &cobra.Command{
	Use:   "remove <name>",
	Short: "Stop syncing a folder; its files are kept",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		name := args[0]
		if !removeYes && isInteractive() {
			confirmed := false
			err := huh.NewConfirm().
				Title(fmt.Sprintf("Stop syncing %q?", name)).
				Description("The files and their history stay on disk.").
				Value(&confirmed).
				Run()
			if err != nil {
				return err
			}
			if !confirmed {
				return nil
			}
		}

		path := configPath()
		if err := config.RemoveFolder(path, name); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s from %s\n", okStyle.Render("Removed"), name, path)
		return nil
	},
}

var folderListCmd = &cobra.Command{
	Use:   "list",
	Short: "List configured folders",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if len(cfg.Folders) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), dimStyle.Render("No folders configured."))
			return nil
		}

		rows := make([][]string, 0, len(cfg.Folders))
		for _, f := range cfg.Folders {
			backend := f.Backend
			if backend == "" {
				backend = "auto"
			}
			rows = append(rows, []string{f.Name, f.Path, backend, f.Remote, cfg.AnnouncementEndpoint(f)})
		}
		t := table.New().
			Border(lipgloss.NormalBorder()).
			Headers("NAME", "PATH", "BACKEND", "REMOTE", "RELAY").
			Rows(rows...)
		fmt.Fprintln(cmd.OutOrStdout(), t.String())
		return nil
	},
}

func init() {
	folderAddCmd.Flags().StringVarP(&addRemote, "remote", "r", "", "remote URL to clone from")
	folderAddCmd.Flags().StringVarP(&addBackend, "backend", "b", "", "git or hg (default: detect, git when cloning)")
	folderAddCmd.Flags().StringArrayVarP(&addExclude, "exclude", "x", nil, "glob pattern to exclude (repeatable)")
	folderAddCmd.Flags().StringVar(&addRelay, "relay", "", "announcement relay for this folder (tcp://host:port)")
	folderRemoveCmd.Flags().BoolVarP(&removeYes, "yes", "y", false, "do not ask for confirmation")

	folderCmd.AddCommand(folderAddCmd, folderRemoveCmd, folderListCmd)
	rootCmd.AddCommand(folderCmd)
}

func promptFolder(f *config.Folder) error {
	notEmpty := func(s string) error {
		if strings.TrimSpace(s) == "" {
			return errors.New("required")
		}
		return nil
	}

	return huh.NewForm(
		huh.NewGroup(
			huh.NewInput().
				Title("Folder path").
				Value(&f.Path).
				Validate(notEmpty),
			huh.NewInput().
				Title("Name").
				Description("Leave empty to use the last path element").
				Value(&f.Name),
			huh.NewInput().
				Title("Remote URL").
				Description("Leave empty if the folder already is a working tree").
				Value(&f.Remote),
			huh.NewSelect[string]().
				Title("Backend").
				Options(
					huh.NewOption("Detect (git when cloning)", ""),
					huh.NewOption("git", string(vcs.TypeGit)),
					huh.NewOption("Mercurial", string(vcs.TypeHg)),
				).
				Value(&f.Backend),
		),
	).Run()
}

// completeFolder makes the path absolute and fills in a default name.
func completeFolder(f *config.Folder) error {
	path, err := filepath.Abs(config.ExpandHome(strings.TrimSpace(f.Path)))
	if err != nil {
		return err
	}
	f.Path = path
	if f.Name == "" {
		f.Name = filepath.Base(path)
	}
	return f.Validate()
}

// prepareWorkingTree checks that f.Path is a working tree, cloning
// f.Remote into it when it is not.
func prepareWorkingTree(ctx context.Context, f *config.Folder, user config.User) error {
	if res, err := vcs.Detect(f.Path); err == nil {
		if f.Backend != "" && vcs.Type(f.Backend) != res.Type {
			return fmt.Errorf("%s is a %s working tree, not %s", f.Path, res.Type, f.Backend)
		}
		f.Backend = string(res.Type)
		return nil
	}

	if f.Remote == "" {
		return fmt.Errorf("%s is not a git or Mercurial working tree; pass --remote to clone one", f.Path)
	}
	if f.Backend == "" {
		f.Backend = string(vcs.TypeGit)
	}
	if err := os.MkdirAll(filepath.Dir(f.Path), 0755); err != nil {
		return err
	}

	fmt.Fprintf(os.Stderr, "Cloning %s into %s...\n", f.Remote, f.Path)
	_, err := vcs.Clone(ctx, vcs.Type(f.Backend), f.Remote, f.Path, vcs.Options{
		UserName:  user.Name,
		UserEmail: user.Email,
		Logger:    cliLogger(),
	})
	if err != nil {
		return fmt.Errorf("clone failed: %w", err)
	}
	return nil
}

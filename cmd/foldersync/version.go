package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/steveyegge/foldersync/internal/vcs"
)

var versionCmd = &cobra.Command{
	Use:     "version",
	GroupID: "advanced",
	Short:   "Print the version and check the installed VCS binaries",
	Args:    cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		out := cmd.OutOrStdout()
		fmt.Fprintf(out, "foldersync %s\n", Version)

		for _, t := range vcs.RegisteredTypes() {
			banner, err := vcs.CheckInstalled(cmd.Context(), t)
			switch {
			case banner == "" && err != nil:
				fmt.Fprintf(out, "  %-4s %s\n", t, dimStyle.Render("not installed"))
			case err != nil:
				fmt.Fprintf(out, "  %-4s %s %s\n", t, banner, warnStyle.Render("("+err.Error()+")"))
			default:
				fmt.Fprintf(out, "  %-4s %s\n", t, banner)
			}
		}
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

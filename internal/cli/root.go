// Package cli implements Influo's command-line surface: run, validate, and
// version subcommands, built with spf13/cobra.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags.
var Version = "dev"

var rootCmd = &cobra.Command{
	Use:   "influo",
	Short: "Polls Git repositories and runs pipelines against new commits",
	Long: `Influo is a long-running agent that polls a set of remote Git repositories
and, on every new commit observed on a configured branch, runs a
user-defined pipeline of shell commands against a freshly updated working
copy of that branch.`,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the version number",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Printf("influo %s\n", Version)
	},
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

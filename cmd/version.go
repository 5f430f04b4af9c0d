package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
)

// Version is stamped by the build; "dev" for local builds.
var Version = "dev"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the searchrelay version.",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "searchrelay %s\n", Version)
	},
}

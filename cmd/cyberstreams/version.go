package main

import (
	"fmt"
	"runtime"
	"strings"

	"github.com/spf13/cobra"
)

// version is overridden at build time with -ldflags "-X main.version=...".
var version = "1.0.0"

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print the cyberstreams version",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "cyberstreams v%s\n", version)
		fmt.Fprintln(cmd.OutOrStdout(), "Built with Go", strings.TrimPrefix(runtime.Version(), "go"))
	},
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

package cmd

import (
	"fmt"
	"io"

	"github.com/arcward/ambassador/ambassador"
	"github.com/spf13/cobra"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version and build information",
	Args:  cobra.NoArgs,
	Run: func(cmd *cobra.Command, _ []string) {
		printVersion(cmd.OutOrStdout())
	},
}

func printVersion(w io.Writer) {
	fmt.Fprintf(
		w,
		"ambassador %s (commit %s, built %s)\n",
		ambassador.Version,
		ambassador.CommitSHA,
		ambassador.BuildTime,
	)
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

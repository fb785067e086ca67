// Command monotable is a small operator tool for monotable schema files:
// it validates entity declarations offline and answers key-layout
// questions (bucket assignment, encoded keys) without touching a table.
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "monotable",
	Short:         "Schema tooling for monotable deployments",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func main() {
	rootCmd.AddCommand(validateCmd, bucketCmd)
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

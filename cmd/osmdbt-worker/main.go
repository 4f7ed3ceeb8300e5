// Command osmdbt-worker is the single entry point for the scheduled
// replication-diff publisher. It has no subcommands: behavior is controlled
// entirely by configuration (one-shot vs cron mode).
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:   "osmdbt-worker",
		Short: "Publish OpenStreetMap replication diffs to an object store",
		Long:  "osmdbt-worker drives one replication job per invocation: cut logs, build a diff, publish to an object store, and catch up the replication slot.",
		RunE:  run,
	}

	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "path to config file")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

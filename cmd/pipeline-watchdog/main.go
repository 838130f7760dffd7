// cmd/pipeline-watchdog/main.go
//
// Entry point for the pipeline watchdog. It follows a workflow engine's
// execution trace, decides when each participant's pipeline is finished and
// commits the participant's results to git.
//
// Commands:
//   init     create .watchdog/ with a default config
//   run      watch the trace until interrupted
//   inspect  one-shot report of what the detector would decide right now

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:           "pipeline-watchdog",
	Short:         "Detect finished participant pipelines and sync their results",
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	rootCmd.PersistentFlags().String("project", "", "project directory (default: current directory)")
	rootCmd.PersistentFlags().String("config", "", "config file (default: <project>/.watchdog/config.yaml)")
	rootCmd.AddCommand(initCmd, runCmd, inspectCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func projectDir(cmd *cobra.Command) (string, error) {
	dir, err := cmd.Flags().GetString("project")
	if err != nil {
		return "", err
	}
	if dir != "" {
		return dir, nil
	}
	return os.Getwd()
}

package main

import (
	"fmt"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init [dir]",
	Short: "Create .watchdog/ with a default config.yaml",
	Args:  cobra.MaximumNArgs(1),
	RunE:  runInit,
}

func runInit(cmd *cobra.Command, args []string) error {
	dir, err := projectDir(cmd)
	if err != nil {
		return err
	}
	if len(args) == 1 {
		dir = args[0]
	}
	if err := config.InitDir(dir); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "initialized %s\n", filepath.Join(dir, config.WatchdogDir))
	fmt.Fprintln(cmd.OutOrStdout(), "set terminal_processes in config.yaml before running")
	return nil
}

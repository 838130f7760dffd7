package main

import (
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/config"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/detector"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/trace"
)

// addDetectionFlags registers the flags shared by run and inspect.
func addDetectionFlags(cmd *cobra.Command) {
	f := cmd.Flags()
	f.String("trace", "", "execution trace to follow")
	f.String("output", "", "results root holding <id>/ directories")
	f.String("terminal", "", "comma-separated terminal processes")
	f.String("id-pattern", "", "regular expression extracting the participant id")
	f.Duration("inactivity", 0, "quiet time before a participant may be finalized as PARTIAL")
	f.Duration("stall-after", 0, "quiet time after which RUNNING processes stop blocking (0 disables)")
	f.Int("min-processes", 0, "minimum observed processes for an inactivity decision")
}

// loadConfig reads config and applies command-line overrides on top of the
// file and environment.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	dir, err := projectDir(cmd)
	if err != nil {
		return nil, err
	}
	path, err := cmd.Flags().GetString("config")
	if err != nil {
		return nil, err
	}
	cfg, err := config.Load(dir, path)
	if err != nil {
		return nil, err
	}
	f := cmd.Flags()
	pc := &cfg.Project
	if f.Changed("trace") {
		pc.Trace.Path, _ = f.GetString("trace")
	}
	if f.Changed("output") {
		pc.OutputRoot, _ = f.GetString("output")
	}
	if f.Changed("terminal") {
		raw, _ := f.GetString("terminal")
		pc.TerminalProcesses = config.ParseTerminalSet(raw)
	}
	if f.Changed("id-pattern") {
		pc.Trace.IDPattern, _ = f.GetString("id-pattern")
	}
	if f.Changed("inactivity") {
		pc.Detection.InactivityThreshold, _ = f.GetDuration("inactivity")
	}
	if f.Changed("stall-after") {
		d, _ := f.GetDuration("stall-after")
		pc.Detection.StallAfter = &d
	}
	if f.Changed("min-processes") {
		pc.Detection.MinProcesses, _ = f.GetInt("min-processes")
	}
	if f.Lookup("interval") != nil && f.Changed("interval") {
		pc.Detection.PollInterval, _ = f.GetDuration("interval")
	}
	if f.Lookup("dry-run") != nil && f.Changed("dry-run") {
		pc.Sync.DryRun, _ = f.GetBool("dry-run")
	}
	if f.Lookup("no-sync") != nil && f.Changed("no-sync") {
		noSync, _ := f.GetBool("no-sync")
		pc.Sync.Enabled = !noSync
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func buildPolicy(cfg *config.Config) (detector.Policy, error) {
	d := cfg.Project.Detection
	return detector.NewPolicy(cfg.Project.TerminalProcesses, d.MinProcesses, d.InactivityThreshold, cfg.StallAfter())
}

func buildIDMatcher(cfg *config.Config) (trace.IDMatcher, error) {
	ids, err := trace.NewIDMatcher(cfg.Project.Trace.IDPattern)
	if err != nil {
		return trace.IDMatcher{}, fmt.Errorf("id pattern %q: %w", cfg.Project.Trace.IDPattern, err)
	}
	return ids, nil
}

func newRunID(now time.Time) string {
	return fmt.Sprintf("run-%s-%s", now.UTC().Format("20060102-150405"), uuid.New().String()[:8])
}

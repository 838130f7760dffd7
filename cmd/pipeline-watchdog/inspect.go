package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/detector"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/finalize"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/state"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/trace"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Report what the detector would decide for every participant right now",
	Long: `Reads the whole trace once and prints each participant with the verdict the
detector would give at this instant. Nothing is finalized, logged or pushed.
Records are treated as observed when the trace file was last modified.`,
	RunE: runInspect,
}

func init() {
	addDetectionFlags(inspectCmd)
	inspectCmd.Flags().Bool("json", false, "print JSON instead of a table")
}

type inspectRow struct {
	ID        string           `json:"id"`
	Processes int              `json:"processes"`
	Verdict   detector.Verdict `json:"verdict"`
	Finalized bool             `json:"finalized"`
}

type inspectReport struct {
	TracePath string       `json:"trace_path"`
	TraceSize int64        `json:"trace_size"`
	Modified  time.Time    `json:"modified"`
	Skipped   int          `json:"skipped_lines"`
	Rows      []inspectRow `json:"participants"`
}

func runInspect(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return err
	}
	policy, err := buildPolicy(cfg)
	if err != nil {
		return err
	}
	info, err := os.Stat(cfg.TracePath())
	if err != nil {
		return fmt.Errorf("inspect: %w", err)
	}
	ids, err := buildIDMatcher(cfg)
	if err != nil {
		return err
	}
	tailer := trace.NewTailer(cfg.TracePath())
	reader := trace.NewReader(tailer, cfg.Project.Trace.Separator, ids)

	var finalized map[string]bool
	if path := cfg.StatePath(); path != "" {
		snap, err := finalize.NewStore(path, "").Load()
		if err != nil {
			return err
		}
		finalized = make(map[string]bool, len(snap.Finalized))
		for _, id := range snap.Finalized {
			finalized[id] = true
		}
	}

	report := inspectReport{
		TracePath: cfg.TracePath(),
		TraceSize: info.Size(),
		Modified:  info.ModTime(),
	}
	now := time.Now()
	tbl := state.NewTable()
	for {
		before := tailer.Offset()
		for _, rec := range reader.Next() {
			tbl.Apply(rec, info.ModTime())
		}
		if tailer.Offset() == before {
			break
		}
	}
	report.Skipped = reader.Skipped()
	for _, snap := range tbl.Snapshots() {
		report.Rows = append(report.Rows, inspectRow{
			ID:        snap.ID,
			Processes: snap.Total(),
			Verdict:   policy.Evaluate(snap, now),
			Finalized: finalized[snap.ID],
		})
	}

	if asJSON, _ := cmd.Flags().GetBool("json"); asJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(report)
	}
	renderInspect(cmd.OutOrStdout(), report, len(policy.Terminal))
	return nil
}

var (
	inspectTitle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("#7D56F4"))
	inspectMuted   = lipgloss.NewStyle().Foreground(lipgloss.Color("#626262"))
	inspectSuccess = lipgloss.NewStyle().Foreground(lipgloss.Color("#04B575"))
	inspectPartial = lipgloss.NewStyle().Foreground(lipgloss.Color("#FFB454"))
)

func renderInspect(w io.Writer, report inspectReport, terminalTotal int) {
	fmt.Fprintln(w, inspectTitle.Render("PIPELINE WATCHDOG · inspect"))
	fmt.Fprintln(w, inspectMuted.Render(fmt.Sprintf("%s · %s · modified %s · %s skipped line(s)",
		report.TracePath,
		humanize.Bytes(uint64(report.TraceSize)),
		humanize.Time(report.Modified),
		humanize.Comma(int64(report.Skipped)))))
	if len(report.Rows) == 0 {
		fmt.Fprintln(w, "no participants in trace")
		return
	}
	t := table.New().
		Border(lipgloss.RoundedBorder()).
		BorderStyle(inspectMuted).
		Headers("ID", "VERDICT", "RULE", "TERMINAL", "PROCS", "BLOCKING", "FAILED", "IDLE")
	for _, row := range report.Rows {
		t.Row(
			row.ID,
			verdictLabel(row),
			dash(string(row.Verdict.Rule)),
			fmt.Sprintf("%d/%d", len(row.Verdict.Completed), terminalTotal),
			fmt.Sprintf("%d", row.Processes),
			dash(strings.Join(row.Verdict.Blocking, ", ")),
			dash(strings.Join(row.Verdict.Failed, ", ")),
			row.Verdict.Idle.Truncate(time.Second).String(),
		)
	}
	fmt.Fprintln(w, t.Render())
}

func verdictLabel(row inspectRow) string {
	label := "waiting"
	switch row.Verdict.Outcome {
	case detector.OutcomeSuccess:
		label = inspectSuccess.Render(string(row.Verdict.Outcome))
	case detector.OutcomePartial:
		label = inspectPartial.Render(string(row.Verdict.Outcome))
	}
	if row.Finalized {
		label += inspectMuted.Render(" (finalized)")
	}
	return label
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

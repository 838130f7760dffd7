package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/dustin/go-humanize"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/watchdog"
)

func boardColumns(width int) []table.Column {
	cols := []table.Column{
		{Title: "Participant", Width: 12},
		{Title: "State", Width: 10},
		{Title: "Outcome", Width: 8},
		{Title: "Terminal", Width: 8},
		{Title: "Procs", Width: 5},
		{Title: "Blocking", Width: 18},
		{Title: "Failed", Width: 18},
		{Title: "Last activity", Width: 14},
	}
	used := 0
	for _, c := range cols {
		used += c.Width + 2
	}
	if extra := width - used; extra > 0 {
		cols[5].Width += extra / 2
		cols[6].Width += extra - extra/2
	}
	return cols
}

func boardRows(status watchdog.Status) []table.Row {
	rows := make([]table.Row, 0, len(status.Participants))
	for _, p := range status.Participants {
		rows = append(rows, table.Row{
			p.ID,
			stateLabel(p),
			string(p.Outcome),
			fmt.Sprintf("%d/%d", len(p.Completed), p.Terminal),
			fmt.Sprintf("%d", p.Processes),
			joinOrDash(p.Blocking),
			joinOrDash(p.Failed),
			activityLabel(p.LastActivity, status.Now),
		})
	}
	return rows
}

func stateLabel(p watchdog.ParticipantStatus) string {
	if p.State != watchdog.StateFinalized {
		return p.State
	}
	switch {
	case p.SyncError != "":
		return "sync failed"
	case p.Synced:
		return "synced"
	default:
		return p.State
	}
}

func activityLabel(at, now time.Time) string {
	if at.IsZero() {
		return "-"
	}
	if now.IsZero() {
		now = time.Now()
	}
	return humanize.RelTime(at, now, "ago", "from now")
}

func summaryLine(status watchdog.Status) string {
	open := 0
	for _, p := range status.Participants {
		if p.State == watchdog.StateRunning {
			open++
		}
	}
	parts := []string{
		fmt.Sprintf("run %s", orDash(status.RunID)),
		fmt.Sprintf("%s tracked", humanize.Comma(int64(len(status.Participants)))),
		fmt.Sprintf("%d open", open),
		fmt.Sprintf("%d finalized", status.Finalized),
	}
	if status.LateRecords > 0 {
		parts = append(parts, fmt.Sprintf("%d late records", status.LateRecords))
	}
	if !status.StartedAt.IsZero() {
		parts = append(parts, "started "+activityLabel(status.StartedAt, status.Now))
	}
	return strings.Join(parts, " · ")
}

func joinOrDash(items []string) string {
	if len(items) == 0 {
		return "-"
	}
	return strings.Join(items, ",")
}

func orDash(value string) string {
	if strings.TrimSpace(value) == "" {
		return "-"
	}
	return value
}

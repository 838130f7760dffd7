// internal/tui/app.go
//
// Live status board for a running watchdog. It uses bubbletea, which follows
// The Elm Architecture:
//
// 1. Model: the last snapshot of the watchdog plus widget state
// 2. Update: refresh ticks and key presses produce a new model
// 3. View: render the model to a string
//
// The board never mutates the watchdog; it only reads snapshots.

package tui

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/table"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/watchdog"
)

const (
	boardRefreshInterval = time.Second
	logTailLines         = 8
)

// Source is what the board reads from. *watchdog.Monitor satisfies it.
type Source interface {
	Snapshot() watchdog.Status
	LogTail(id string, maxLines int) []string
}

// AppOption customizes App construction for tests.
type AppOption func(*App)

// WithRefreshInterval overrides the snapshot refresh period.
func WithRefreshInterval(d time.Duration) AppOption {
	return func(a *App) {
		if d > 0 {
			a.refresh = d
		}
	}
}

type statusRefreshMsg struct {
	status watchdog.Status
	logs   []string
}

// App is the bubbletea model of the board.
type App struct {
	source  Source
	refresh time.Duration

	table   table.Model
	spinner spinner.Model
	status  watchdog.Status
	logs    []string
	width   int
	height  int
}

// NewApp builds a board reading from source.
func NewApp(source Source, opts ...AppOption) *App {
	t := table.New(
		table.WithColumns(boardColumns(100)),
		table.WithFocused(true),
		table.WithHeight(10),
	)
	styles := table.DefaultStyles()
	styles.Header = styles.Header.
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		BorderBottom(true).
		Bold(true)
	styles.Selected = styles.Selected.
		Foreground(lipgloss.Color("#FFFFFF")).
		Background(lipgloss.Color("#5B8DEF")).
		Bold(false)
	t.SetStyles(styles)

	a := &App{
		source:  source,
		refresh: boardRefreshInterval,
		table:   t,
		spinner: spinner.New(spinner.WithSpinner(spinner.Dot)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(a)
		}
	}
	return a
}

// Init starts the refresh loop and the spinner.
func (a *App) Init() tea.Cmd {
	return tea.Batch(a.fetchStatusSnapshot(), a.spinner.Tick)
}

// Update is called when a message is received.
func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		a.table.SetColumns(boardColumns(msg.Width - 4))
		a.table.SetHeight(max(5, msg.Height-logTailLines-12))
		return a, nil

	case statusRefreshMsg:
		a.status = msg.status
		a.table.SetRows(boardRows(msg.status))
		a.logs = msg.logs
		return a, a.scheduleStatusRefresh()

	case spinner.TickMsg:
		var cmd tea.Cmd
		a.spinner, cmd = a.spinner.Update(msg)
		return a, cmd

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c", "q":
			return a, tea.Quit
		case "r":
			return a, a.fetchStatusSnapshot()
		}
	}

	var cmd tea.Cmd
	a.table, cmd = a.table.Update(msg)
	return a, cmd
}

// View renders the board.
func (a *App) View() string {
	header := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#FF6B6B")).
		Render(fmt.Sprintf("%s PIPELINE WATCHDOG", a.spinner.View()))
	summary := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(summaryLine(a.status))
	board := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(a.table.View())
	sections := []string{header, summary, board}
	if logPanel := a.renderLogPanel(); logPanel != "" {
		sections = append(sections, logPanel)
	}
	footer := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#888888")).
		Render("↑/↓ select · r refresh · q quit")
	sections = append(sections, footer)
	return strings.Join(sections, "\n")
}

func (a *App) renderLogPanel() string {
	if len(a.logs) == 0 {
		return ""
	}
	head := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#5B8DEF")).
		Render(fmt.Sprintf("LOG · %s", a.selectedID()))
	body := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA")).
		Render(strings.Join(a.logs, "\n"))
	return lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("#444444")).
		Padding(0, 1).
		Render(fmt.Sprintf("%s\n%s", head, body))
}

func (a *App) selectedID() string {
	row := a.table.SelectedRow()
	if len(row) == 0 {
		return ""
	}
	return row[0]
}

func (a *App) fetchStatusSnapshot() tea.Cmd {
	selected := a.selectedID()
	return func() tea.Msg {
		msg := statusRefreshMsg{status: a.source.Snapshot()}
		if selected == "" && len(msg.status.Participants) > 0 {
			selected = msg.status.Participants[0].ID
		}
		if selected != "" {
			msg.logs = a.source.LogTail(selected, logTailLines)
		}
		return msg
	}
}

func (a *App) scheduleStatusRefresh() tea.Cmd {
	return tea.Tick(a.refresh, func(time.Time) tea.Msg {
		return a.fetchStatusSnapshot()()
	})
}

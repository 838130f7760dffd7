// Package watchdog runs the monitoring loop: it feeds trace records into the
// state table, asks the detector about every open participant and hands each
// finalized participant to the log writer and the synchronizer exactly once.
package watchdog

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/detector"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/finalize"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/gitsync"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/logbook"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/state"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/trace"
)

// DefaultPollInterval is the time between cycles.
const DefaultPollInterval = 5 * time.Second

// Logger records operator-facing messages. It matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// RecordSource yields newly parsed trace records on every call.
type RecordSource interface {
	Next() []trace.Record
}

// Syncer pushes a finalized participant's results.
type Syncer interface {
	Sync(ctx context.Context, req gitsync.Request) gitsync.Report
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithClock overrides the time source used for activity and decisions.
func WithClock(clock func() time.Time) Option {
	return func(m *Monitor) {
		if clock != nil {
			m.clock = clock
		}
	}
}

// WithLogger sets the operator logger.
func WithLogger(logger Logger) Option {
	return func(m *Monitor) {
		if logger != nil {
			m.logger = logger
		}
	}
}

// WithSyncer enables result synchronization after finalization.
func WithSyncer(s Syncer) Option {
	return func(m *Monitor) {
		m.syncer = s
	}
}

// WithGuard replaces the in-memory finalization guard, typically with one
// backed by a state file.
func WithGuard(g *finalize.Guard) Option {
	return func(m *Monitor) {
		if g != nil {
			m.guard = g
		}
	}
}

// WithPollInterval sets the time between cycles in Run.
func WithPollInterval(d time.Duration) Option {
	return func(m *Monitor) {
		if d > 0 {
			m.interval = d
		}
	}
}

// WithRunID labels this watchdog run in status output.
func WithRunID(id string) Option {
	return func(m *Monitor) {
		m.runID = strings.TrimSpace(id)
	}
}

// WithTracePath is reported in status output.
func WithTracePath(path string) Option {
	return func(m *Monitor) {
		m.tracePath = path
	}
}

// Monitor owns every piece of shared state of one watchdog run.
type Monitor struct {
	source    RecordSource
	table     *state.Table
	policy    detector.Policy
	guard     *finalize.Guard
	shelf     *logbook.Shelf
	syncer    Syncer
	logger    Logger
	clock     func() time.Time
	interval  time.Duration
	runID     string
	tracePath string
	started   time.Time

	cycleMu sync.Mutex

	queueMu sync.Mutex
	queue   []trace.Record

	mu      sync.RWMutex
	decided map[string]detector.Record
	synced  map[string]gitsync.Report
	cycles  int
	late    int

	wg sync.WaitGroup
}

// New wires a monitor. source may be nil when records only arrive via Ingest.
func New(source RecordSource, policy detector.Policy, shelf *logbook.Shelf, opts ...Option) (*Monitor, error) {
	if shelf == nil {
		return nil, fmt.Errorf("watchdog: log shelf is required")
	}
	if len(policy.Terminal) == 0 {
		return nil, fmt.Errorf("watchdog: policy has no terminal processes")
	}
	m := &Monitor{
		source:   source,
		table:    state.NewTable(),
		policy:   policy,
		shelf:    shelf,
		logger:   nopLogger{},
		clock:    time.Now,
		interval: DefaultPollInterval,
		decided:  map[string]detector.Record{},
		synced:   map[string]gitsync.Report{},
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	if m.guard == nil {
		guard, err := finalize.NewGuard(finalize.WithLogger(m.logger), finalize.WithClock(m.clock))
		if err != nil {
			return nil, err
		}
		m.guard = guard
	}
	m.started = m.clock()
	return m, nil
}

// RunID returns the label of this run.
func (m *Monitor) RunID() string {
	return m.runID
}

// Ingest queues a record for the next cycle. Safe for concurrent use.
func (m *Monitor) Ingest(rec trace.Record) {
	if strings.TrimSpace(rec.EntityID) == "" || strings.TrimSpace(rec.Process) == "" {
		return
	}
	m.queueMu.Lock()
	m.queue = append(m.queue, rec)
	m.queueMu.Unlock()
}

// Run cycles until ctx is cancelled, then waits for in-flight finalizations.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Printf("watchdog: run %s started (interval %s, terminal %s)",
		m.runID, m.interval, strings.Join(m.policy.Terminal, ", "))
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	m.Cycle(ctx)
	for {
		select {
		case <-ctx.Done():
			m.logger.Printf("watchdog: stopping, waiting for in-flight finalizations")
			m.Wait()
			m.logger.Printf("watchdog: run %s stopped", m.runID)
			return nil
		case <-ticker.C:
			m.Cycle(ctx)
		}
	}
}

// Wait blocks until every started finalization has finished.
func (m *Monitor) Wait() {
	m.wg.Wait()
}

// CycleReport summarizes one pass of the loop.
type CycleReport struct {
	Records   int
	Late      int
	Tracked   int
	Finalized []detector.Record
}

// Cycle applies pending records, evaluates every open participant and starts
// finalization for each terminal verdict. Cycles never overlap.
func (m *Monitor) Cycle(ctx context.Context) CycleReport {
	m.cycleMu.Lock()
	defer m.cycleMu.Unlock()

	var records []trace.Record
	if m.source != nil {
		records = m.source.Next()
	}
	m.queueMu.Lock()
	records = append(records, m.queue...)
	m.queue = nil
	m.queueMu.Unlock()

	report := CycleReport{Records: len(records)}
	for _, rec := range records {
		if m.apply(rec) {
			report.Late++
		}
	}

	now := m.clock()
	for _, snap := range m.table.Snapshots() {
		if m.guard.Has(snap.ID) {
			continue
		}
		verdict := m.policy.Evaluate(snap, now)
		if !verdict.Terminal() {
			continue
		}
		if !m.guard.Admit(snap.ID) {
			continue
		}
		rec := m.policy.Finalize(snap.ID, verdict, now)
		m.mu.Lock()
		m.decided[snap.ID] = rec
		m.mu.Unlock()
		report.Finalized = append(report.Finalized, rec)
		m.logger.Printf("watchdog: %s finalized %s by %s rule", snap.ID, rec.Summary(), rec.Rule)
		m.wg.Add(1)
		go m.finalize(context.WithoutCancel(ctx), rec)
	}

	report.Tracked = m.table.Len()
	m.mu.Lock()
	m.cycles++
	m.late += report.Late
	m.mu.Unlock()
	return report
}

// apply records one observation and reports whether it arrived after the
// participant was finalized by this run.
func (m *Monitor) apply(rec trace.Record) bool {
	now := m.clock()
	change := m.table.Apply(rec, now)
	if change.Stale {
		m.logger.Printf("watchdog: %s ignored %s %s from %s, task %s already %s",
			rec.EntityID, rec.Process, rec.Status, sourceName(rec.Source), rec.TaskID, change.Current)
		return false
	}
	if m.guard.Has(rec.EntityID) {
		m.mu.RLock()
		_, ours := m.decided[rec.EntityID]
		m.mu.RUnlock()
		if ours {
			m.logger.Printf("watchdog: %s late record %s %s after finalization", rec.EntityID, rec.Process, rec.Status)
			m.entityLog(rec.EntityID, logbook.LevelWarn,
				fmt.Sprintf("late record after finalization: %s %s", rec.Process, rec.Status))
			return true
		}
		return false
	}
	if change.NewEntity {
		m.logger.Printf("watchdog: tracking %s", rec.EntityID)
		m.entityLog(rec.EntityID, logbook.LevelInfo, "participant first seen in trace")
	}
	if change.Changed() {
		line := fmt.Sprintf("%s: %s", rec.Process, rec.Status)
		if change.Previous != "" {
			line = fmt.Sprintf("%s: %s -> %s", rec.Process, change.Previous, change.Current)
		}
		level := logbook.LevelInfo
		if rec.Status.Failed() {
			level = logbook.LevelWarn
		}
		m.entityLog(rec.EntityID, level, line)
	}
	return false
}

func (m *Monitor) finalize(ctx context.Context, rec detector.Record) {
	defer m.wg.Done()
	level := logbook.LevelInfo
	if rec.Outcome != detector.OutcomeSuccess {
		level = logbook.LevelWarn
	}
	m.entityLog(rec.EntityID, level, FinalizationBlock(rec))
	if m.syncer == nil {
		return
	}
	id := rec.EntityID
	req := gitsync.NewRequest(rec, filepath.Join(m.shelf.Root(), id), func(level logbook.Level, line string) {
		m.entityLog(id, level, line)
	})
	report := m.syncer.Sync(ctx, req)
	m.mu.Lock()
	m.synced[rec.EntityID] = report
	m.mu.Unlock()
	switch {
	case report.Err != nil:
		m.logger.Printf("watchdog: %s sync failed: %v", rec.EntityID, report.Err)
	case report.NoChanges:
		m.logger.Printf("watchdog: %s sync: nothing to commit", rec.EntityID)
	case report.DryRun:
		m.logger.Printf("watchdog: %s sync: dry run complete", rec.EntityID)
	default:
		m.logger.Printf("watchdog: %s sync: pushed after %d attempt(s)", rec.EntityID, report.PushAttempts)
	}
}

func (m *Monitor) entityLog(id string, level logbook.Level, message string) {
	if err := m.shelf.Append(id, level, message); err != nil {
		m.logger.Printf("watchdog: %s log write failed: %v", id, err)
	}
}

// FinalizationBlock renders the entry written to a participant's log when it
// is finalized.
func FinalizationBlock(rec detector.Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "pipeline finalized: %s (rule: %s)\n", rec.Outcome, rec.Rule)
	fmt.Fprintf(&b, "  completed: %s (%d/%d terminal)\n",
		listOrNone(rec.Completed), len(rec.Completed), rec.TerminalTotal)
	fmt.Fprintf(&b, "  failed: %s\n", listOrNone(rec.Failed))
	if len(rec.Stalled) > 0 {
		fmt.Fprintf(&b, "  stalled: %s\n", listOrNone(rec.Stalled))
	}
	fmt.Fprintf(&b, "  processes observed: %d", rec.TotalObserved)
	return b.String()
}

func sourceName(source string) string {
	if source == "" {
		return "trace"
	}
	return source
}

func listOrNone(items []string) string {
	if len(items) == 0 {
		return "none"
	}
	return strings.Join(items, ", ")
}

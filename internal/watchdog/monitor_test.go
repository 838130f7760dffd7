package watchdog

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/detector"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/finalize"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/gitsync"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/logbook"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/trace"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type sliceSource struct {
	mu      sync.Mutex
	pending []trace.Record
}

func (s *sliceSource) push(recs ...trace.Record) {
	s.mu.Lock()
	s.pending = append(s.pending, recs...)
	s.mu.Unlock()
}

func (s *sliceSource) Next() []trace.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.pending
	s.pending = nil
	return out
}

type fakeSyncer struct {
	mu       sync.Mutex
	requests []gitsync.Request
	release  chan struct{}
}

func (f *fakeSyncer) Sync(_ context.Context, req gitsync.Request) gitsync.Report {
	if f.release != nil {
		<-f.release
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	return gitsync.Report{EntityID: req.EntityID, Pushed: true, PushAttempts: 1}
}

func (f *fakeSyncer) calls() []gitsync.Request {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]gitsync.Request(nil), f.requests...)
}

func rec(id, process string, status trace.Status) trace.Record {
	return trace.Record{EntityID: id, Process: process, Status: status}
}

type fixture struct {
	clock  *fakeClock
	source *sliceSource
	syncer *fakeSyncer
	root   string
	mon    *Monitor
}

func newFixture(t *testing.T, opts ...Option) *fixture {
	t.Helper()
	policy, err := detector.NewPolicy([]string{"A", "B", "C"}, 5, 15*time.Second, 30*time.Second)
	if err != nil {
		t.Fatalf("policy: %v", err)
	}
	f := &fixture{
		clock:  newFakeClock(),
		source: &sliceSource{},
		syncer: &fakeSyncer{},
		root:   t.TempDir(),
	}
	shelf := logbook.NewShelf(f.root).WithClock(f.clock.Now)
	base := []Option{WithClock(f.clock.Now), WithSyncer(f.syncer), WithRunID("test-run")}
	f.mon, err = New(f.source, policy, shelf, append(base, opts...)...)
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	return f
}

func (f *fixture) entityLog(t *testing.T, id string) string {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(f.root, id, id+"_pipeline.log"))
	if err != nil {
		t.Fatalf("read %s log: %v", id, err)
	}
	return string(data)
}

func TestAllTerminalFinalizesOnceAndSyncsOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.push(
		rec("EV_001", "A", trace.StatusRunning),
		rec("EV_001", "A", trace.StatusCompleted),
		rec("EV_001", "B", trace.StatusCompleted),
	)
	if report := f.mon.Cycle(ctx); len(report.Finalized) != 0 {
		t.Fatalf("finalized too early: %+v", report.Finalized)
	}
	f.source.push(rec("EV_001", "C", trace.StatusCached))
	report := f.mon.Cycle(ctx)
	if len(report.Finalized) != 1 || report.Finalized[0].Outcome != detector.OutcomeSuccess {
		t.Fatalf("expected one SUCCESS finalization, got %+v", report.Finalized)
	}
	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.mon.Cycle(ctx)
	}
	f.source.push(rec("EV_001", "A", trace.StatusCompleted))
	if late := f.mon.Cycle(ctx); late.Late != 1 || len(late.Finalized) != 0 {
		t.Fatalf("late record should be logged but not re-evaluated: %+v", late)
	}
	f.mon.Wait()

	calls := f.syncer.calls()
	if len(calls) != 1 {
		t.Fatalf("expected exactly one sync, got %d", len(calls))
	}
	want := gitsync.Request{
		EntityID:      "EV_001",
		Outcome:       detector.OutcomeSuccess,
		Completed:     []string{"A", "B", "C"},
		Failed:        []string{},
		TerminalTotal: 3,
		ResultsPath:   filepath.Join(f.root, "EV_001"),
	}
	if calls[0].Log == nil {
		t.Fatalf("sync request carries no participant step log")
	}
	if diff := cmp.Diff(want, calls[0], cmpopts.EquateEmpty(), cmpopts.IgnoreFields(gitsync.Request{}, "Log")); diff != "" {
		t.Fatalf("sync request (-want +got):\n%s", diff)
	}
	log := f.entityLog(t, "EV_001")
	for _, fragment := range []string{
		"participant first seen in trace",
		"A: RUNNING -> COMPLETED",
		"C: CACHED",
		"pipeline finalized: SUCCESS (rule: all-terminal)",
		"completed: A, B, C (3/3 terminal)",
		"late record after finalization: A COMPLETED",
	} {
		if !strings.Contains(log, fragment) {
			t.Fatalf("entity log missing %q:\n%s", fragment, log)
		}
	}
	if strings.Count(log, "pipeline finalized") != 1 {
		t.Fatalf("finalization block written more than once:\n%s", log)
	}
}

func TestQuietParticipantWithStalledTerminalIsPartial(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.source.push(
		rec("EV_002", "prep", trace.StatusCompleted),
		rec("EV_002", "filter", trace.StatusCompleted),
		rec("EV_002", "A", trace.StatusCompleted),
		rec("EV_002", "B", trace.StatusCompleted),
		rec("EV_002", "C", trace.StatusRunning),
	)
	f.mon.Cycle(ctx)
	f.clock.Advance(20 * time.Second)
	if report := f.mon.Cycle(ctx); len(report.Finalized) != 0 {
		t.Fatalf("running process should block at 20s")
	}
	f.clock.Advance(10 * time.Second)
	report := f.mon.Cycle(ctx)
	if len(report.Finalized) != 1 {
		t.Fatalf("expected finalization after 30s of silence")
	}
	got := report.Finalized[0]
	if got.Outcome != detector.OutcomePartial {
		t.Fatalf("outcome = %s, want PARTIAL", got.Outcome)
	}
	if diff := cmp.Diff([]string{"A", "B"}, got.Completed); diff != "" {
		t.Fatalf("completed (-want +got):\n%s", diff)
	}
	if len(got.Failed) != 0 {
		t.Fatalf("failed = %v, want none", got.Failed)
	}
	f.mon.Wait()
	log := f.entityLog(t, "EV_002")
	for _, fragment := range []string{"WARN  pipeline finalized: PARTIAL (rule: quiescent)", "failed: none", "stalled: C"} {
		if !strings.Contains(log, fragment) {
			t.Fatalf("entity log missing %q:\n%s", fragment, log)
		}
	}
}

func TestConcurrentCyclesFinalizeEachParticipantOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	ids := []string{"EV_010", "EV_011", "EV_012", "EV_013"}
	for _, id := range ids {
		for _, p := range []string{"A", "B", "C"} {
			f.mon.Ingest(rec(id, p, trace.StatusCompleted))
		}
	}
	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			f.mon.Cycle(ctx)
		}()
	}
	wg.Wait()
	f.mon.Wait()
	counts := map[string]int{}
	for _, req := range f.syncer.calls() {
		counts[req.EntityID]++
	}
	for _, id := range ids {
		if counts[id] != 1 {
			t.Fatalf("%s synced %d times, want 1", id, counts[id])
		}
	}
}

func TestRestoredParticipantsAreNotFinalizedAgain(t *testing.T) {
	statePath := filepath.Join(t.TempDir(), "finalized.json")
	if err := finalize.NewStore(statePath, "previous").Save([]string{"EV_020"}, time.Now()); err != nil {
		t.Fatalf("seed state: %v", err)
	}
	guard, err := finalize.NewGuard(finalize.WithStore(finalize.NewStore(statePath, "test-run")))
	if err != nil {
		t.Fatalf("guard: %v", err)
	}
	f := newFixture(t, WithGuard(guard))
	for _, p := range []string{"A", "B", "C"} {
		f.source.push(rec("EV_020", p, trace.StatusCompleted), rec("EV_021", p, trace.StatusCompleted))
	}
	report := f.mon.Cycle(context.Background())
	f.mon.Wait()
	if len(report.Finalized) != 1 || report.Finalized[0].EntityID != "EV_021" {
		t.Fatalf("only EV_021 should finalize, got %+v", report.Finalized)
	}
	if report.Late != 0 {
		t.Fatalf("records of restored participants are not late: %+v", report)
	}
	status := f.mon.Snapshot()
	states := map[string]string{}
	for _, p := range status.Participants {
		states[p.ID] = p.State
	}
	if diff := cmp.Diff(map[string]string{"EV_020": StateRestored, "EV_021": StateFinalized}, states); diff != "" {
		t.Fatalf("states (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"EV_020", "EV_021"}, guard.IDs()); diff != "" {
		t.Fatalf("guard ids (-want +got):\n%s", diff)
	}
}

func TestRunWaitsForInFlightSync(t *testing.T) {
	release := make(chan struct{})
	f := newFixture(t, WithPollInterval(time.Millisecond))
	f.syncer.release = release
	for _, p := range []string{"A", "B", "C"} {
		f.mon.Ingest(rec("EV_030", p, trace.StatusCompleted))
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- f.mon.Run(ctx) }()

	deadline := time.After(2 * time.Second)
	for {
		if _, ok := f.mon.Decision("EV_030"); ok {
			break
		}
		select {
		case <-deadline:
			t.Fatalf("EV_030 never finalized")
		case <-time.After(time.Millisecond):
		}
	}
	cancel()
	select {
	case <-done:
		t.Fatalf("Run returned while a sync was still in flight")
	case <-time.After(20 * time.Millisecond):
	}
	close(release)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("run: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("Run did not return after sync finished")
	}
	if len(f.syncer.calls()) != 1 {
		t.Fatalf("expected one sync")
	}
}

func TestSnapshotReportsOpenParticipants(t *testing.T) {
	f := newFixture(t)
	f.source.push(
		rec("EV_040", "A", trace.StatusCompleted),
		rec("EV_040", "B", trace.StatusRunning),
		rec("EV_040", "x", trace.StatusFailed),
	)
	f.mon.Cycle(context.Background())
	f.clock.Advance(5 * time.Second)
	status := f.mon.Snapshot()
	if status.RunID != "test-run" || status.Cycles != 1 || len(status.Participants) != 1 {
		t.Fatalf("unexpected status: %+v", status)
	}
	p := status.Participants[0]
	if p.State != StateRunning || p.Processes != 3 || p.Terminal != 3 || p.Idle != 5*time.Second {
		t.Fatalf("unexpected participant: %+v", p)
	}
	if diff := cmp.Diff([]string{"B"}, p.Blocking); diff != "" {
		t.Fatalf("blocking (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]string{"x"}, p.Failed); diff != "" {
		t.Fatalf("failed (-want +got):\n%s", diff)
	}
}

func TestFinalizationBlock(t *testing.T) {
	block := FinalizationBlock(detector.Record{
		EntityID:      "EV_050",
		Outcome:       detector.OutcomePartial,
		Rule:          detector.RuleQuiescent,
		Completed:     []string{"A"},
		Failed:        []string{"B", "prep"},
		TotalObserved: 6,
		TerminalTotal: 3,
	})
	want := "pipeline finalized: PARTIAL (rule: quiescent)\n" +
		"  completed: A (1/3 terminal)\n" +
		"  failed: B, prep\n" +
		"  processes observed: 6"
	if block != want {
		t.Fatalf("block = %q, want %q", block, want)
	}
}

func TestNewRejectsIncompleteWiring(t *testing.T) {
	policy, _ := detector.NewPolicy([]string{"A"}, 0, 0, 0)
	if _, err := New(nil, policy, nil); err == nil {
		t.Fatalf("expected error without a log shelf")
	}
	if _, err := New(nil, detector.Policy{}, logbook.NewShelf(t.TempDir())); err == nil {
		t.Fatalf("expected error without terminal processes")
	}
}

func TestCycleReadsTraceFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "trace.txt")
	content := strings.Join([]string{
		"task_id\thash\tname\tstatus\texit\tsubmit",
		"1\tab/01\tA (EV_060)\tCOMPLETED\t0\t2026-10-19 09:00:00.000",
		"2\tab/02\tB (EV_060)\tCOMPLETED\t0\t2026-10-19 09:00:01.000",
		"    echo continuation",
		"3\tab/03\tC (EV_060)\tCOMPLETED\t0\t2026-10-19 09:00:02.000",
		"",
	}, "\n")
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write trace: %v", err)
	}
	ids, err := trace.NewIDMatcher("")
	if err != nil {
		t.Fatalf("ids: %v", err)
	}
	policy, _ := detector.NewPolicy([]string{"A", "B", "C"}, 5, 15*time.Second, 0)
	mon, err := New(trace.NewReader(trace.NewTailer(path), "", ids), policy, logbook.NewShelf(filepath.Join(dir, "results")))
	if err != nil {
		t.Fatalf("new monitor: %v", err)
	}
	report := mon.Cycle(context.Background())
	mon.Wait()
	if report.Records != 3 || len(report.Finalized) != 1 {
		t.Fatalf("unexpected cycle: %+v", report)
	}
	if _, err := os.Stat(filepath.Join(dir, "results", "EV_060", "EV_060_pipeline.log")); err != nil {
		t.Fatalf("participant log missing: %v", err)
	}
}

// pushRejectingRunner reports a dirty tree and rejects the first push.
type pushRejectingRunner struct {
	mu     sync.Mutex
	pushes int
}

func (r *pushRejectingRunner) Run(_ context.Context, _ string, args ...string) gitsync.Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	res := gitsync.Result{Args: append([]string(nil), args...)}
	switch args[0] {
	case "status":
		res.Stdout = " M EV_001/EV_001_pipeline.log\n"
	case "push":
		r.pushes++
		if r.pushes == 1 {
			res.ExitCode = 1
			res.Stderr = "! [rejected] main -> main (fetch first)"
		}
	}
	return res
}

func finalizeEV001(t *testing.T, f *fixture) {
	t.Helper()
	f.source.push(
		rec("EV_001", "A", trace.StatusCompleted),
		rec("EV_001", "B", trace.StatusCompleted),
		rec("EV_001", "C", trace.StatusCompleted),
	)
	if report := f.mon.Cycle(context.Background()); len(report.Finalized) != 1 {
		t.Fatalf("expected EV_001 to finalize, got %+v", report.Finalized)
	}
	f.mon.Wait()
}

func TestParticipantLogRecordsSyncSteps(t *testing.T) {
	runner := &pushRejectingRunner{}
	syncer := gitsync.New(gitsync.WithRunner(runner), gitsync.WithCrossProcessLock(false))
	f := newFixture(t, WithSyncer(syncer))
	if err := os.MkdirAll(filepath.Join(f.root, ".git"), 0o755); err != nil {
		t.Fatalf("mkdir .git: %v", err)
	}
	finalizeEV001(t, f)

	var pushes []string
	log := f.entityLog(t, "EV_001")
	for _, line := range strings.Split(log, "\n") {
		if strings.Contains(line, "git push") {
			pushes = append(pushes, line)
		}
	}
	if len(pushes) != 2 || !strings.HasSuffix(pushes[0], "git push -> exit 1") || !strings.HasSuffix(pushes[1], "git push -> exit 0") {
		t.Fatalf("expected a rejected and a retried push in the participant log, got %q\n%s", pushes, log)
	}
	for _, fragment := range []string{
		"INFO  git status --porcelain -> exit 0",
		"stderr: ! [rejected] main -> main (fetch first)",
		"WARN  push rejected, retrying once after pull",
	} {
		if !strings.Contains(log, fragment) {
			t.Fatalf("participant log missing %q:\n%s", fragment, log)
		}
	}
	if strings.Index(log, "pipeline finalized") > strings.Index(log, "git status") {
		t.Fatalf("finalization block must precede the sync steps:\n%s", log)
	}
}

func TestParticipantLogRecordsMissingRepository(t *testing.T) {
	if _, err := gitsync.FindRepoRoot(os.TempDir()); err == nil {
		t.Skip("temp dir is inside a git repository")
	}
	f := newFixture(t, WithSyncer(gitsync.New()))
	finalizeEV001(t, f)
	log := f.entityLog(t, "EV_001")
	if !strings.Contains(log, "ERROR cannot locate results repository") {
		t.Fatalf("no repository-location error in participant log:\n%s", log)
	}
}

func TestIngestedRecordCannotReopenTraceCompletedTask(t *testing.T) {
	f := newFixture(t)
	f.source.push(trace.Record{TaskID: "4", EntityID: "EV_002", Process: "A", Status: trace.StatusCompleted})
	f.mon.Ingest(trace.Record{TaskID: "4", EntityID: "EV_002", Process: "A", Status: trace.StatusRunning, Source: "weblog"})
	f.mon.Cycle(context.Background())

	snap, ok := f.mon.table.Snapshot("EV_002")
	if !ok {
		t.Fatalf("EV_002 not tracked")
	}
	if snap.Processes["A"] != trace.StatusCompleted {
		t.Fatalf("late weblog record reopened A: %s", snap.Processes["A"])
	}
	if log := f.entityLog(t, "EV_002"); strings.Contains(log, "COMPLETED -> RUNNING") {
		t.Fatalf("stale transition logged:\n%s", log)
	}
}

// Package gitsync commits and pushes a participant's results once it is
// finalized. All synchronization in one process is serialized by a mutex and,
// optionally, across processes by a lock file inside the repository's .git
// directory.
package gitsync

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/danjacques/gofslock/fslock"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/detector"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/logbook"
)

const (
	// LockFileName lives inside the repository's .git directory.
	LockFileName = "pipeline-watchdog.lock"

	defaultLockRetry = 500 * time.Millisecond
)

// Logger matches logging.Logger.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Request describes one finalized participant to synchronize.
type Request struct {
	EntityID      string
	Outcome       detector.Outcome
	Completed     []string
	Failed        []string
	TerminalTotal int
	// ResultsPath is where the search for the enclosing repository starts.
	ResultsPath string
	// Log, when set, receives every step for the participant's own log.
	Log StepLog
}

// StepLog records one sync step for a participant.
type StepLog func(level logbook.Level, line string)

// NewRequest builds a request from a finalization record.
func NewRequest(rec detector.Record, resultsPath string, log StepLog) Request {
	return Request{
		EntityID:      rec.EntityID,
		Outcome:       rec.Outcome,
		Completed:     append([]string(nil), rec.Completed...),
		Failed:        append([]string(nil), rec.Failed...),
		TerminalTotal: rec.TerminalTotal,
		ResultsPath:   resultsPath,
		Log:           log,
	}
}

// CommitMessage renders the commit subject for req.
func CommitMessage(req Request) string {
	msg := fmt.Sprintf("Auto sync %s: %s (%d/%d terminal processes)",
		req.EntityID, req.Outcome, len(req.Completed), req.TerminalTotal)
	if len(req.Failed) > 0 {
		msg += "; failed: " + strings.Join(req.Failed, ", ")
	}
	return msg
}

// Report summarizes what one Sync call did.
type Report struct {
	EntityID  string
	RepoRoot  string
	Steps     []Result
	NoChanges bool
	Committed bool
	Pushed    bool
	// PushAttempts counts push invocations, including the single retry.
	PushAttempts int
	DryRun       bool
	Err          error
}

// Option configures a Synchronizer.
type Option func(*Synchronizer)

// WithRunner replaces the git runner.
func WithRunner(r Runner) Option {
	return func(s *Synchronizer) {
		if r != nil {
			s.runner = r
		}
	}
}

// WithLogger sets the operator logger.
func WithLogger(l Logger) Option {
	return func(s *Synchronizer) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithUpstream pins pull and push to remote/branch. An empty branch uses the
// current branch's tracking configuration.
func WithUpstream(remote, branch string) Option {
	return func(s *Synchronizer) {
		s.remote = strings.TrimSpace(remote)
		s.branch = strings.TrimSpace(branch)
	}
}

// WithDryRun logs mutating commands instead of running them.
func WithDryRun(enabled bool) Option {
	return func(s *Synchronizer) {
		s.dryRun = enabled
	}
}

// WithCommandTimeout bounds each git command. Zero means no timeout.
func WithCommandTimeout(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.timeout = d
		}
	}
}

// WithCrossProcessLock toggles the lock file under .git.
func WithCrossProcessLock(enabled bool) Option {
	return func(s *Synchronizer) {
		s.crossProcess = enabled
	}
}

// WithLockRetry sets the sleep between attempts on a held lock file.
func WithLockRetry(d time.Duration) Option {
	return func(s *Synchronizer) {
		if d > 0 {
			s.lockRetry = d
		}
	}
}

// Synchronizer runs the pull, commit, push sequence. It is safe for concurrent
// use; calls are serialized.
type Synchronizer struct {
	mu           sync.Mutex
	runner       Runner
	logger       Logger
	remote       string
	branch       string
	dryRun       bool
	timeout      time.Duration
	crossProcess bool
	lockRetry    time.Duration
}

// New builds a Synchronizer. The cross-process lock is on by default.
func New(opts ...Option) *Synchronizer {
	s := &Synchronizer{
		runner:       ExecRunner{},
		logger:       nopLogger{},
		crossProcess: true,
		lockRetry:    defaultLockRetry,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Sync commits and pushes the results for req. It never panics and never
// leaves the lock held; failures are reported in the returned Report.
func (s *Synchronizer) Sync(ctx context.Context, req Request) Report {
	s.mu.Lock()
	defer s.mu.Unlock()

	report := Report{EntityID: req.EntityID, DryRun: s.dryRun}
	root, err := FindRepoRoot(req.ResultsPath)
	if err != nil {
		s.note(req, logbook.LevelError, "cannot locate results repository: %v", err)
		report.Err = err
		return report
	}
	report.RepoRoot = root

	gitDir := filepath.Join(root, ".git")
	if info, statErr := os.Stat(gitDir); !s.crossProcess || statErr != nil || !info.IsDir() {
		s.syncLocked(ctx, root, req, &report)
		return report
	}
	lockPath := filepath.Join(gitDir, LockFileName)
	err = fslock.WithBlocking(lockPath, s.blocker(ctx, req), func() error {
		s.syncLocked(ctx, root, req, &report)
		return nil
	})
	if err != nil {
		report.Err = fmt.Errorf("gitsync: lock %s: %w", lockPath, err)
		s.note(req, logbook.LevelError, "%v", report.Err)
	}
	return report
}

func (s *Synchronizer) blocker(ctx context.Context, req Request) fslock.Blocker {
	return func() error {
		s.note(req, logbook.LevelInfo, "repository lock held by another process, retrying in %s", s.lockRetry)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(s.lockRetry):
			return nil
		}
	}
}

func (s *Synchronizer) syncLocked(ctx context.Context, root string, req Request, report *Report) {
	id := req.EntityID
	status := s.run(ctx, root, req, report, false, "status", "--porcelain")
	if !status.OK() {
		report.Err = fmt.Errorf("gitsync: %s: git status failed", id)
		return
	}
	if strings.TrimSpace(status.Stdout) == "" {
		s.note(req, logbook.LevelInfo, "no changes to sync")
		report.NoChanges = true
		return
	}

	s.pullRebase(ctx, root, req, report)

	if add := s.run(ctx, root, req, report, true, "add", "."); !add.OK() {
		report.Err = fmt.Errorf("gitsync: %s: git add failed", id)
		return
	}
	if commit := s.run(ctx, root, req, report, true, "commit", "-m", CommitMessage(req)); !commit.OK() {
		report.Err = fmt.Errorf("gitsync: %s: git commit failed", id)
		return
	}
	report.Committed = !s.dryRun

	report.PushAttempts++
	if push := s.run(ctx, root, req, report, true, s.upstreamArgs("push")...); push.OK() {
		report.Pushed = !s.dryRun
		return
	}
	s.note(req, logbook.LevelWarn, "push rejected, retrying once after pull")
	s.pullRebase(ctx, root, req, report)
	report.PushAttempts++
	if push := s.run(ctx, root, req, report, true, s.upstreamArgs("push")...); !push.OK() {
		report.Err = fmt.Errorf("gitsync: %s: git push failed after retry", id)
		return
	}
	report.Pushed = !s.dryRun
}

// pullRebase integrates remote changes and aborts a failed rebase so the
// working tree is usable for the commit that follows.
func (s *Synchronizer) pullRebase(ctx context.Context, root string, req Request, report *Report) {
	args := append([]string{"pull", "--rebase", "--autostash"}, s.upstreamArgs()...)
	if pull := s.run(ctx, root, req, report, true, args...); pull.OK() {
		return
	}
	s.run(ctx, root, req, report, true, "rebase", "--abort")
}

func (s *Synchronizer) upstreamArgs(prefix ...string) []string {
	args := append([]string(nil), prefix...)
	if s.branch == "" {
		return args
	}
	remote := s.remote
	if remote == "" {
		remote = "origin"
	}
	return append(args, remote, s.branch)
}

func (s *Synchronizer) run(ctx context.Context, dir string, req Request, report *Report, mutates bool, args ...string) Result {
	if mutates && s.dryRun {
		res := Result{Args: append([]string(nil), args...), Skipped: true}
		s.note(req, logbook.LevelInfo, "[dry-run] would run %s", res.Command())
		report.Steps = append(report.Steps, res)
		return res
	}
	runCtx := ctx
	if s.timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}
	res := s.runner.Run(runCtx, dir, args...)
	if res.Args == nil {
		res.Args = append([]string(nil), args...)
	}
	report.Steps = append(report.Steps, res)
	switch {
	case res.Err != nil:
		if errors.Is(res.Err, context.DeadlineExceeded) {
			s.note(req, logbook.LevelError, "%s timed out after %s", res.Command(), s.timeout)
		} else {
			s.note(req, logbook.LevelError, "%s failed to run: %v", res.Command(), res.Err)
		}
	case res.ExitCode != 0:
		s.note(req, logbook.LevelWarn, "%s -> exit %d\nstdout: %s\nstderr: %s", res.Command(), res.ExitCode,
			strings.TrimSpace(res.Stdout), strings.TrimSpace(res.Stderr))
	default:
		s.note(req, logbook.LevelInfo, "%s -> exit 0", res.Command())
	}
	return res
}

// note writes one step to the operator log and to the participant's log.
func (s *Synchronizer) note(req Request, level logbook.Level, format string, args ...any) {
	line := fmt.Sprintf(format, args...)
	s.logger.Printf("gitsync: %s: %s", req.EntityID, line)
	if req.Log != nil {
		req.Log(level, line)
	}
}

// Package detector decides when a participant's pipeline has reached a
// terminal state. The execution engine never says "this participant is done",
// so the decision is inferred from the participant's state table entry:
//
//   - Rule A: every terminal process is COMPLETED or CACHED. Finalize now.
//   - Rule B: nothing is pending, enough processes were seen and the
//     participant has been quiet for longer than the inactivity threshold.
//     Finalize with whatever completed and failed.
//
// Rule B is a heuristic. It can fire too early when a slow branch has not been
// submitted yet, and too late when the pipeline finished long before the
// threshold expires.
package detector

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/state"
)

const (
	DefaultInactivity   = 15 * time.Second
	DefaultMinProcesses = 5
)

// Outcome labels a finalization.
type Outcome string

const (
	OutcomeNone    Outcome = ""
	OutcomeSuccess Outcome = "SUCCESS"
	OutcomePartial Outcome = "PARTIAL"
)

// Rule names the branch of the policy that produced a verdict.
type Rule string

const (
	RuleNone        Rule = ""
	RuleAllTerminal Rule = "all-terminal"
	RuleQuiescent   Rule = "quiescent"
)

// Policy holds the tunables of the completion decision.
type Policy struct {
	// Terminal lists the branch endpoints of a participant pipeline.
	Terminal []string
	// MinProcesses is the smallest plausible pipeline size for Rule B.
	MinProcesses int
	// Inactivity must be exceeded before Rule B may fire.
	Inactivity time.Duration
	// StallAfter, when positive, stops counting a silent RUNNING/SUBMITTED/
	// PENDING process as blocking once the participant has been quiet this long.
	StallAfter time.Duration
}

// NewPolicy normalizes the terminal set and fills defaults.
func NewPolicy(terminal []string, minProcesses int, inactivity, stallAfter time.Duration) (Policy, error) {
	p := Policy{
		Terminal:     normalizeTerminal(terminal),
		MinProcesses: minProcesses,
		Inactivity:   inactivity,
		StallAfter:   stallAfter,
	}
	if len(p.Terminal) == 0 {
		return Policy{}, fmt.Errorf("detector: terminal process set is empty")
	}
	if p.MinProcesses <= 0 {
		p.MinProcesses = DefaultMinProcesses
	}
	if p.Inactivity <= 0 {
		p.Inactivity = DefaultInactivity
	}
	if p.StallAfter < 0 {
		p.StallAfter = 0
	}
	return p, nil
}

func normalizeTerminal(values []string) []string {
	seen := map[string]struct{}{}
	var out []string
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if _, dup := seen[v]; dup {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

// Verdict is the result of evaluating one participant at one instant.
// Completed holds terminal processes at COMPLETED or CACHED in terminal-set
// order. Failed holds every FAILED or ABORTED process, sorted. Stalled holds
// in-flight processes no longer counted as Blocking because of StallAfter.
type Verdict struct {
	Outcome   Outcome       `json:"outcome,omitempty"`
	Rule      Rule          `json:"rule,omitempty"`
	Blocking  []string      `json:"blocking,omitempty"`
	Stalled   []string      `json:"stalled,omitempty"`
	Completed []string      `json:"completed"`
	Failed    []string      `json:"failed"`
	Total     int           `json:"total"`
	Idle      time.Duration `json:"idle_ns"`
}

// Terminal reports whether the verdict finalizes the participant.
func (v Verdict) Terminal() bool {
	return v.Outcome != OutcomeNone
}

// Evaluate applies the completion rules to s as of now.
func (p Policy) Evaluate(s state.EntityState, now time.Time) Verdict {
	v := Verdict{Total: s.Total()}
	if !s.LastActivity.IsZero() {
		v.Idle = now.Sub(s.LastActivity)
	}
	for _, name := range p.Terminal {
		if status, ok := s.Processes[name]; ok && status.Succeeded() {
			v.Completed = append(v.Completed, name)
		}
	}
	v.Failed = s.Failed()
	sort.Strings(v.Failed)
	inFlight := s.Blocking()
	if p.StallAfter > 0 && v.Idle >= p.StallAfter {
		v.Stalled = inFlight
	} else {
		v.Blocking = inFlight
	}

	switch {
	case len(p.Terminal) > 0 && len(v.Completed) == len(p.Terminal):
		v.Rule = RuleAllTerminal
		v.Outcome = OutcomeSuccess
		if len(v.Failed) > 0 {
			v.Outcome = OutcomePartial
		}
	case len(v.Blocking) == 0 && v.Total >= p.MinProcesses && v.Idle > p.Inactivity:
		v.Rule = RuleQuiescent
		v.Outcome = OutcomePartial
	}
	return v
}

// Record is the immutable summary written when a participant is finalized.
type Record struct {
	EntityID      string    `json:"entity_id"`
	Outcome       Outcome   `json:"outcome"`
	Rule          Rule      `json:"rule"`
	Completed     []string  `json:"completed"`
	Failed        []string  `json:"failed"`
	Stalled       []string  `json:"stalled,omitempty"`
	TotalObserved int       `json:"total_observed"`
	TerminalTotal int       `json:"terminal_total"`
	DecidedAt     time.Time `json:"decided_at"`
}

// Finalize freezes a terminal verdict into a Record.
func (p Policy) Finalize(id string, v Verdict, at time.Time) Record {
	return Record{
		EntityID:      id,
		Outcome:       v.Outcome,
		Rule:          v.Rule,
		Completed:     append([]string(nil), v.Completed...),
		Failed:        append([]string(nil), v.Failed...),
		Stalled:       append([]string(nil), v.Stalled...),
		TotalObserved: v.Total,
		TerminalTotal: len(p.Terminal),
		DecidedAt:     at,
	}
}

// Summary renders the record as "SUCCESS 3/3" style text.
func (r Record) Summary() string {
	return fmt.Sprintf("%s %d/%d", r.Outcome, len(r.Completed), r.TerminalTotal)
}

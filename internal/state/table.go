// Package state holds the participant state table: the one structure shared
// between the trace consumer and the completion detector.
package state

import (
	"sort"
	"sync"
	"time"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/trace"
)

// EntityState is a point-in-time copy of everything known about one
// participant.
type EntityState struct {
	ID           string                  `json:"id"`
	Processes    map[string]trace.Status `json:"processes"`
	Order        []string                `json:"order"`
	FirstSeen    time.Time               `json:"first_seen"`
	LastActivity time.Time               `json:"last_activity"`
	Records      int                     `json:"records"`
}

// Total returns the number of distinct processes observed.
func (s EntityState) Total() int {
	return len(s.Processes)
}

// Blocking lists processes that may still produce work, in first-seen order.
func (s EntityState) Blocking() []string {
	return s.filter(trace.Status.Blocking)
}

// Succeeded lists processes at COMPLETED or CACHED, in first-seen order.
func (s EntityState) Succeeded() []string {
	return s.filter(trace.Status.Succeeded)
}

// Failed lists processes at FAILED or ABORTED, in first-seen order.
func (s EntityState) Failed() []string {
	return s.filter(trace.Status.Failed)
}

func (s EntityState) filter(keep func(trace.Status) bool) []string {
	var out []string
	for _, name := range s.Order {
		if keep(s.Processes[name]) {
			out = append(out, name)
		}
	}
	return out
}

// Change describes the effect of one record on the table.
type Change struct {
	EntityID  string
	Process   string
	Previous  trace.Status
	Current   trace.Status
	NewEntity bool
	// Stale is set when the record was dropped because another channel had
	// already reported the same task as finished.
	Stale bool
}

// Changed reports whether the process status differs from before.
func (c Change) Changed() bool {
	return c.Previous != c.Current
}

type entity struct {
	processes    map[string]trace.Status
	origins      map[string]origin
	order        []string
	firstSeen    time.Time
	lastActivity time.Time
	records      int
}

// origin remembers where a process's current status came from.
type origin struct {
	source string
	taskID string
}

// stale reports whether rec would move a finished task back to in-flight
// purely because a second channel delivered it late. Within one channel the
// latest record always wins; a different task id is a new attempt.
func (o origin) stale(current trace.Status, rec trace.Record) bool {
	if !rec.Status.Blocking() || !(current.Succeeded() || current.Failed()) {
		return false
	}
	if o.source == rec.Source {
		return false
	}
	return o.taskID == "" || rec.TaskID == "" || o.taskID == rec.TaskID
}

// Table maps participant ids to their per-process status. Records must be
// applied in log order; the latest record for a process wins.
type Table struct {
	mu       sync.RWMutex
	entities map[string]*entity
}

// NewTable returns an empty table.
func NewTable() *Table {
	return &Table{entities: map[string]*entity{}}
}

// Apply records rec as observed at time at. Records from one source are
// applied in log order; across sources a finished task never regresses.
func (t *Table) Apply(rec trace.Record, at time.Time) Change {
	t.mu.Lock()
	defer t.mu.Unlock()
	change := Change{EntityID: rec.EntityID, Process: rec.Process, Current: rec.Status}
	e, ok := t.entities[rec.EntityID]
	if !ok {
		e = &entity{processes: map[string]trace.Status{}, origins: map[string]origin{}, firstSeen: at}
		t.entities[rec.EntityID] = e
		change.NewEntity = true
	}
	prev, seen := e.processes[rec.Process]
	if seen {
		change.Previous = prev
		if e.origins[rec.Process].stale(prev, rec) {
			change.Current = prev
			change.Stale = true
			return change
		}
	} else {
		e.order = append(e.order, rec.Process)
	}
	e.processes[rec.Process] = rec.Status
	e.origins[rec.Process] = origin{source: rec.Source, taskID: rec.TaskID}
	e.lastActivity = at
	e.records++
	return change
}

// Snapshot returns a copy of the state for id.
func (t *Table) Snapshot(id string) (EntityState, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entities[id]
	if !ok {
		return EntityState{}, false
	}
	return e.snapshot(id), true
}

// Snapshots returns copies of every entity sorted by id.
func (t *Table) Snapshots() []EntityState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]EntityState, 0, len(t.entities))
	for id, e := range t.entities {
		out = append(out, e.snapshot(id))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Len returns the number of tracked entities.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entities)
}

func (e *entity) snapshot(id string) EntityState {
	processes := make(map[string]trace.Status, len(e.processes))
	for name, status := range e.processes {
		processes[name] = status
	}
	order := make([]string, len(e.order))
	copy(order, e.order)
	return EntityState{
		ID:           id,
		Processes:    processes,
		Order:        order,
		FirstSeen:    e.firstSeen,
		LastActivity: e.lastActivity,
		Records:      e.records,
	}
}

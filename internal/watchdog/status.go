package watchdog

import (
	"time"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/detector"
)

// Participant states reported by Snapshot.
const (
	StateRunning   = "running"
	StateFinalized = "finalized"
	StateRestored  = "restored"
)

// ParticipantStatus is the read-only view of one participant.
type ParticipantStatus struct {
	ID           string           `json:"id"`
	State        string           `json:"state"`
	Processes    int              `json:"processes"`
	Blocking     []string         `json:"blocking,omitempty"`
	Completed    []string         `json:"completed,omitempty"`
	Failed       []string         `json:"failed,omitempty"`
	Terminal     int              `json:"terminal"`
	LastActivity time.Time        `json:"last_activity"`
	Idle         time.Duration    `json:"idle_ns"`
	Outcome      detector.Outcome `json:"outcome,omitempty"`
	Rule         detector.Rule    `json:"rule,omitempty"`
	Synced       bool             `json:"synced"`
	SyncError    string           `json:"sync_error,omitempty"`
}

// Status is the read-only view of the whole run.
type Status struct {
	RunID        string              `json:"run_id"`
	TracePath    string              `json:"trace_path,omitempty"`
	StartedAt    time.Time           `json:"started_at"`
	Now          time.Time           `json:"now"`
	Cycles       int                 `json:"cycles"`
	LateRecords  int                 `json:"late_records"`
	Finalized    int                 `json:"finalized"`
	Participants []ParticipantStatus `json:"participants"`
}

// Snapshot reports the current state of every tracked participant, sorted by
// id. Open participants show the verdict inputs as of now.
func (m *Monitor) Snapshot() Status {
	now := m.clock()
	m.mu.RLock()
	defer m.mu.RUnlock()
	status := Status{
		RunID:       m.runID,
		TracePath:   m.tracePath,
		StartedAt:   m.started,
		Now:         now,
		Cycles:      m.cycles,
		LateRecords: m.late,
		Finalized:   len(m.decided),
	}
	for _, snap := range m.table.Snapshots() {
		verdict := m.policy.Evaluate(snap, now)
		ps := ParticipantStatus{
			ID:           snap.ID,
			State:        StateRunning,
			Processes:    snap.Total(),
			Blocking:     verdict.Blocking,
			Completed:    verdict.Completed,
			Failed:       verdict.Failed,
			Terminal:     len(m.policy.Terminal),
			LastActivity: snap.LastActivity,
			Idle:         verdict.Idle,
		}
		if rec, ok := m.decided[snap.ID]; ok {
			ps.State = StateFinalized
			ps.Blocking = nil
			ps.Completed = rec.Completed
			ps.Failed = rec.Failed
			ps.Outcome = rec.Outcome
			ps.Rule = rec.Rule
			if report, ok := m.synced[snap.ID]; ok {
				ps.Synced = report.Err == nil
				if report.Err != nil {
					ps.SyncError = report.Err.Error()
				}
			}
		} else if m.guard.Has(snap.ID) {
			ps.State = StateRestored
			ps.Blocking = nil
		}
		status.Participants = append(status.Participants, ps)
	}
	return status
}

// Decision returns the finalization record for id, if this run produced one.
func (m *Monitor) Decision(id string) (detector.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.decided[id]
	return rec, ok
}

// LogTail returns the last lines of a participant's log.
func (m *Monitor) LogTail(id string, maxLines int) []string {
	return m.shelf.Tail(id, maxLines)
}

package eventbridge

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/trace"
	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/watchdog"
)

// ProtocolVersion identifies the bridge contract version exposed via /health.
const ProtocolVersion = "1.0.0"

// Weblog event names that carry a task trace.
const (
	EventProcessSubmitted = "process_submitted"
	EventProcessStarted   = "process_started"
	EventProcessCompleted = "process_completed"
)

// SourceWeblog tags records that arrived through the bridge.
const SourceWeblog = "weblog"

const defaultDedupeWindow = 1024

// TaskTrace is the per-task block of a workflow engine weblog event.
type TaskTrace struct {
	TaskID  json.Number `json:"task_id"`
	Hash    string      `json:"hash,omitempty"`
	Name    string      `json:"name"`
	Process string      `json:"process,omitempty"`
	Tag     string      `json:"tag,omitempty"`
	Status  string      `json:"status"`
}

// Event is one weblog notification as posted by the workflow engine.
type Event struct {
	RunName    string     `json:"runName"`
	RunID      string     `json:"runId"`
	Event      string     `json:"event"`
	UTCTime    string     `json:"utcTime,omitempty"`
	Trace      *TaskTrace `json:"trace,omitempty"`
	ServerTime time.Time  `json:"-"`
}

// Normalize trims identifiers before validation.
func (e *Event) Normalize() {
	if e == nil {
		return
	}
	e.RunName = strings.TrimSpace(e.RunName)
	e.RunID = strings.TrimSpace(e.RunID)
	e.Event = strings.ToLower(strings.TrimSpace(e.Event))
	if e.Trace != nil {
		e.Trace.Name = strings.TrimSpace(e.Trace.Name)
		e.Trace.Process = strings.TrimSpace(e.Trace.Process)
		e.Trace.Tag = strings.TrimSpace(e.Trace.Tag)
		e.Trace.Status = strings.TrimSpace(e.Trace.Status)
	}
}

// StampServerTime records when the bridge received the event (UTC).
func (e *Event) StampServerTime(now time.Time) {
	if e == nil {
		return
	}
	if now.IsZero() {
		now = time.Now().UTC()
	}
	e.ServerTime = now.UTC()
}

// IsTask reports whether the event describes a task transition.
func (e Event) IsTask() bool {
	return strings.HasPrefix(e.Event, "process_")
}

// Validate enforces baseline schema requirements for incoming events.
func (e Event) Validate() error {
	if e.Event == "" {
		return errors.New("event is required")
	}
	if !e.IsTask() {
		return nil
	}
	if e.Trace == nil {
		return fmt.Errorf("%s requires a trace block", e.Event)
	}
	if e.Trace.Name == "" {
		return errors.New("trace.name is required")
	}
	if e.Trace.Status == "" {
		return errors.New("trace.status is required")
	}
	return nil
}

// Record converts a task event into a trace record. The participant id is
// searched in the tag first, then in the task name.
func (e Event) Record(ids trace.IDMatcher) (trace.Record, bool) {
	if !e.IsTask() || e.Trace == nil {
		return trace.Record{}, false
	}
	status, ok := trace.ParseStatus(e.Trace.Status)
	if !ok {
		return trace.Record{}, false
	}
	id, ok := ids.Find(e.Trace.Tag)
	if !ok {
		id, ok = ids.Find(e.Trace.Name)
	}
	if !ok {
		return trace.Record{}, false
	}
	process := e.Trace.Process
	if process == "" {
		process = trace.ProcessFromLabel(e.Trace.Name)
	}
	if process == "" {
		return trace.Record{}, false
	}
	return trace.Record{
		TaskID:       e.Trace.TaskID.String(),
		EntityID:     id,
		Label:        e.Trace.Name,
		Process:      process,
		Status:       status,
		RawTimestamp: e.UTCTime,
		Source:       SourceWeblog,
	}, true
}

func (e Event) dedupeKey() string {
	if e.Trace == nil {
		return ""
	}
	return strings.Join([]string{e.RunID, e.Trace.TaskID.String(), e.Trace.Name, e.Trace.Status, e.Event}, "|")
}

// EventProcessor consumes validated events.
type EventProcessor interface {
	HandleEvent(Event) error
}

// EventProcessorFunc adapts a function into an EventProcessor.
type EventProcessorFunc func(Event) error

// HandleEvent executes f(e).
func (f EventProcessorFunc) HandleEvent(e Event) error {
	if f == nil {
		return nil
	}
	return f(e)
}

// RecordSink accepts records for the next monitoring cycle.
type RecordSink interface {
	Ingest(trace.Record)
}

// StatusSource exposes the watchdog state served on /participants.
type StatusSource interface {
	Snapshot() watchdog.Status
}

// Ingestor turns task events into records for a sink. Engines retry weblog
// deliveries, so recently seen events are dropped.
type Ingestor struct {
	ids    trace.IDMatcher
	sink   RecordSink
	logger Logger

	mu          sync.Mutex
	recent      map[string]struct{}
	recentOrder []string
	window      int
	accepted    int
	ignored     int
}

// NewIngestor builds an ingestor that resolves participant ids with ids.
func NewIngestor(ids trace.IDMatcher, sink RecordSink, logger Logger) *Ingestor {
	if logger == nil {
		logger = nopLogger{}
	}
	return &Ingestor{
		ids:    ids,
		sink:   sink,
		logger: logger,
		recent: map[string]struct{}{},
		window: defaultDedupeWindow,
	}
}

// HandleEvent satisfies EventProcessor.
func (in *Ingestor) HandleEvent(evt Event) error {
	if in.sink == nil {
		return errors.New("no record sink configured")
	}
	rec, ok := evt.Record(in.ids)
	if !ok {
		in.mu.Lock()
		in.ignored++
		in.mu.Unlock()
		return nil
	}
	if in.isDuplicate(evt.dedupeKey()) {
		return nil
	}
	in.sink.Ingest(rec)
	in.mu.Lock()
	in.accepted++
	in.mu.Unlock()
	return nil
}

// Counts returns how many events became records and how many were ignored.
func (in *Ingestor) Counts() (accepted, ignored int) {
	in.mu.Lock()
	defer in.mu.Unlock()
	return in.accepted, in.ignored
}

func (in *Ingestor) isDuplicate(key string) bool {
	if key == "" {
		return false
	}
	in.mu.Lock()
	defer in.mu.Unlock()
	if _, ok := in.recent[key]; ok {
		return true
	}
	in.recent[key] = struct{}{}
	in.recentOrder = append(in.recentOrder, key)
	if len(in.recentOrder) > in.window {
		oldest := in.recentOrder[0]
		in.recentOrder = in.recentOrder[1:]
		delete(in.recent, oldest)
	}
	return false
}

// Logger records bridge status information. It matches logging.Logger's signature.
type Logger interface {
	Printf(format string, args ...any)
}

type healthResponse struct {
	Status        string `json:"status"`
	Version       string `json:"version"`
	RunID         string `json:"run_id,omitempty"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}

type eventResponse struct {
	Status     string    `json:"status"`
	ServerTime time.Time `json:"server_time"`
}

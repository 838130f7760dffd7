// internal/trace/record.go
//
// Types shared by the tailer, the parser and everything downstream of them.
// A Record is one structural row of the execution trace, already attributed
// to a participant.

package trace

import (
	"regexp"
	"strings"
)

// Status is the lifecycle state the execution engine reports for a task.
type Status string

const (
	StatusPending   Status = "PENDING"
	StatusSubmitted Status = "SUBMITTED"
	StatusRunning   Status = "RUNNING"
	StatusCompleted Status = "COMPLETED"
	StatusCached    Status = "CACHED"
	StatusFailed    Status = "FAILED"
	StatusAborted   Status = "ABORTED"
)

// DefaultIDPattern matches participant ids such as AB_003 or EV_12.
const DefaultIDPattern = `[A-Za-z]+_[0-9]+`

var defaultIDRegexp = regexp.MustCompile(DefaultIDPattern)

// ParseStatus normalizes a raw status column. Unknown values report false.
func ParseStatus(raw string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(raw)))
	switch status {
	case StatusPending, StatusSubmitted, StatusRunning,
		StatusCompleted, StatusCached, StatusFailed, StatusAborted:
		return status, true
	}
	return "", false
}

// Blocking reports whether the task may still produce work.
func (s Status) Blocking() bool {
	return s == StatusPending || s == StatusSubmitted || s == StatusRunning
}

// Succeeded reports whether the task finished with usable output.
func (s Status) Succeeded() bool {
	return s == StatusCompleted || s == StatusCached
}

// Failed reports whether the task ended without output.
func (s Status) Failed() bool {
	return s == StatusFailed || s == StatusAborted
}

// Record is a parsed trace row attributed to one participant.
type Record struct {
	TaskID       string `json:"task_id"`
	EntityID     string `json:"entity_id"`
	Label        string `json:"label"`
	Process      string `json:"process"`
	Status       Status `json:"status"`
	RawTimestamp string `json:"raw_timestamp,omitempty"`
	// Source names the channel the record came from. Empty is the trace file.
	Source string `json:"source,omitempty"`
}

// IDMatcher extracts participant ids from free-form task labels.
type IDMatcher struct {
	re *regexp.Regexp
}

// NewIDMatcher compiles pattern; an empty pattern selects DefaultIDPattern.
func NewIDMatcher(pattern string) (IDMatcher, error) {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return IDMatcher{re: defaultIDRegexp}, nil
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return IDMatcher{}, err
	}
	return IDMatcher{re: re}, nil
}

// Find returns the first id embedded in label.
func (m IDMatcher) Find(label string) (string, bool) {
	re := m.re
	if re == nil {
		re = defaultIDRegexp
	}
	id := re.FindString(label)
	return id, id != ""
}

// ProcessFromLabel derives the stage name from a task label of the form
// "hrv_analyzer (EV_003)". Labels without a tag are returned trimmed.
func ProcessFromLabel(label string) string {
	label = strings.TrimSpace(label)
	if idx := strings.Index(label, " ("); idx > 0 {
		return strings.TrimSpace(label[:idx])
	}
	return label
}

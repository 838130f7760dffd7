package trace

import (
	"fmt"
	"strings"
)

// DefaultSeparator is the column separator used by Nextflow trace files.
const DefaultSeparator = "\t"

var (
	labelColumns     = []string{"name", "tag", "label"}
	timestampColumns = []string{"timestamp", "submit", "start"}
)

// Header maps trace column names to their positions. Column order is not
// stable across engine versions, so every lookup goes through the name.
type Header struct {
	sep       string
	ids       IDMatcher
	columns   map[string]int
	label     int
	process   int
	status    int
	timestamp int
	width     int
}

// ParseHeader resolves the columns of a trace header row. A header must name a
// status column and a label column (name, tag or label).
func ParseHeader(line, sep string, ids IDMatcher) (Header, error) {
	if sep == "" {
		sep = DefaultSeparator
	}
	line = strings.TrimRight(line, "\r\n")
	if strings.TrimSpace(line) == "" {
		return Header{}, fmt.Errorf("trace: empty header")
	}
	h := Header{
		sep:       sep,
		ids:       ids,
		columns:   map[string]int{},
		label:     -1,
		process:   -1,
		status:    -1,
		timestamp: -1,
	}
	for idx, raw := range strings.Split(line, sep) {
		name := strings.ToLower(strings.TrimSpace(raw))
		if name == "" {
			continue
		}
		if _, dup := h.columns[name]; !dup {
			h.columns[name] = idx
		}
		if idx+1 > h.width {
			h.width = idx + 1
		}
	}
	h.status = h.lookup("status")
	h.process = h.lookup("process")
	for _, name := range labelColumns {
		if h.label = h.lookup(name); h.label >= 0 {
			break
		}
	}
	for _, name := range timestampColumns {
		if h.timestamp = h.lookup(name); h.timestamp >= 0 {
			break
		}
	}
	if h.status < 0 {
		return Header{}, fmt.Errorf("trace: header has no status column")
	}
	if h.label < 0 {
		return Header{}, fmt.Errorf("trace: header has no name/tag/label column")
	}
	return h, nil
}

func (h Header) lookup(name string) int {
	if idx, ok := h.columns[name]; ok {
		return idx
	}
	return -1
}

// Columns returns the resolved column names in positional order.
func (h Header) Columns() []string {
	out := make([]string, h.width)
	for name, idx := range h.columns {
		out[idx] = name
	}
	return out
}

// Structural reports whether line is a task row: a numeric task id followed by
// the separator. Continuation lines of multi-line script bodies fail this test.
func (h Header) Structural(line string) bool {
	sep := h.sep
	if sep == "" {
		sep = DefaultSeparator
	}
	idx := strings.Index(line, sep)
	if idx <= 0 {
		return false
	}
	for _, r := range line[:idx] {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// Parse converts one trace row into a Record. Rows that are not structural,
// are missing columns, carry an unknown status or have no participant id in
// their label are rejected.
func (h Header) Parse(line string) (Record, bool) {
	line = strings.TrimRight(line, "\r\n")
	if h.columns == nil || !h.Structural(line) {
		return Record{}, false
	}
	fields := strings.Split(line, h.sep)
	if h.status >= len(fields) || h.label >= len(fields) {
		return Record{}, false
	}
	status, ok := ParseStatus(fields[h.status])
	if !ok {
		return Record{}, false
	}
	label := strings.TrimSpace(fields[h.label])
	id, ok := h.ids.Find(label)
	if !ok {
		return Record{}, false
	}
	process := ""
	if h.process >= 0 && h.process < len(fields) {
		process = strings.TrimSpace(fields[h.process])
	}
	if process == "" {
		process = ProcessFromLabel(label)
	}
	if process == "" {
		return Record{}, false
	}
	rec := Record{
		TaskID:   strings.TrimSpace(fields[0]),
		EntityID: id,
		Label:    label,
		Process:  process,
		Status:   status,
	}
	if h.timestamp >= 0 && h.timestamp < len(fields) {
		rec.RawTimestamp = strings.TrimSpace(fields[h.timestamp])
	}
	return rec, true
}

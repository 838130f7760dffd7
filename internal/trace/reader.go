package trace

import (
	"strings"
	"sync"
)

// Reader turns the raw lines of a Tailer into Records. The header is resolved
// from the first non-blank line of the file and re-resolved whenever the file
// is truncated underneath the tailer.
type Reader struct {
	tailer *Tailer
	sep    string
	ids    IDMatcher

	mu         sync.Mutex
	header     Header
	haveHeader bool
	resets     int
	skipped    int
}

// NewReader wraps tailer. sep defaults to DefaultSeparator.
func NewReader(tailer *Tailer, sep string, ids IDMatcher) *Reader {
	if sep == "" {
		sep = DefaultSeparator
	}
	return &Reader{tailer: tailer, sep: sep, ids: ids}
}

// Next returns the records appended since the previous call, in log order.
func (r *Reader) Next() []Record {
	lines := r.tailer.Poll()
	r.mu.Lock()
	defer r.mu.Unlock()
	if resets := r.tailer.Resets(); resets != r.resets {
		r.resets = resets
		r.haveHeader = false
		r.header = Header{}
	}
	var out []Record
	for _, line := range lines {
		if !r.haveHeader {
			if strings.TrimSpace(line) == "" {
				continue
			}
			header, err := ParseHeader(line, r.sep, r.ids)
			if err != nil {
				r.skipped++
				continue
			}
			r.header = header
			r.haveHeader = true
			continue
		}
		rec, ok := r.header.Parse(line)
		if !ok {
			r.skipped++
			continue
		}
		out = append(out, rec)
	}
	return out
}

// Header returns the resolved header, if one has been read.
func (r *Reader) Header() (Header, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.header, r.haveHeader
}

// Skipped counts lines that were not turned into records.
func (r *Reader) Skipped() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.skipped
}

// Path returns the trace file being read.
func (r *Reader) Path() string {
	return r.tailer.Path()
}

package trace

import (
	"bytes"
	"io"
	"os"
	"strings"
	"sync"
)

// DefaultMaxChunk bounds how much of a backlog a single poll consumes.
const DefaultMaxChunk int64 = 4 << 20

// Tailer returns lines appended to a file since the previous poll. The file
// is written concurrently by other processes, so every read failure is treated
// as transient and simply retried on the next poll.
type Tailer struct {
	path     string
	maxChunk int64

	mu     sync.Mutex
	offset int64
	resets int
}

// TailerOption customizes a Tailer.
type TailerOption func(*Tailer)

// WithMaxChunk overrides DefaultMaxChunk.
func WithMaxChunk(n int64) TailerOption {
	return func(t *Tailer) {
		if n > 0 {
			t.maxChunk = n
		}
	}
}

// NewTailer prepares a tailer for path starting at offset zero.
func NewTailer(path string, opts ...TailerOption) *Tailer {
	t := &Tailer{path: path, maxChunk: DefaultMaxChunk}
	for _, opt := range opts {
		if opt != nil {
			opt(t)
		}
	}
	return t
}

// Path returns the tailed file.
func (t *Tailer) Path() string {
	return t.path
}

// Offset returns the byte position of the first unconsumed line.
func (t *Tailer) Offset() int64 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.offset
}

// Resets counts how many times the file was found shorter than the offset.
func (t *Tailer) Resets() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resets
}

// Poll returns complete lines appended since the last call. A trailing line
// without a newline is still being written and is left for the next poll.
func (t *Tailer) Poll() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.Open(t.path)
	if err != nil {
		return nil
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return nil
	}
	if info.Size() < t.offset {
		t.offset = 0
		t.resets++
	}
	if info.Size() == t.offset {
		return nil
	}
	size := info.Size() - t.offset
	if size > t.maxChunk {
		size = t.maxChunk
	}
	buf := make([]byte, size)
	n, err := f.ReadAt(buf, t.offset)
	if err != nil && err != io.EOF {
		return nil
	}
	buf = buf[:n]
	end := bytes.LastIndexByte(buf, '\n')
	if end < 0 {
		if int64(n) == t.maxChunk {
			// A single line larger than a chunk is never a task row; skip it.
			t.offset += int64(n)
		}
		return nil
	}
	chunk := buf[:end+1]
	t.offset += int64(len(chunk))
	lines := strings.Split(string(chunk[:len(chunk)-1]), "\n")
	for i, line := range lines {
		lines[i] = strings.TrimSuffix(line, "\r")
	}
	return lines
}

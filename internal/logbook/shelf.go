package logbook

import (
	"fmt"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Shelf hands out one Logbook per participant, located at
// <root>/<id>/<id>_pipeline.log.
type Shelf struct {
	root  string
	clock func() time.Time
	mu    sync.Mutex
	books map[string]*Logbook
}

// NewShelf returns a shelf rooted at the results directory.
func NewShelf(root string) *Shelf {
	return &Shelf{root: root, clock: time.Now, books: map[string]*Logbook{}}
}

// WithClock overrides the timestamp source of every book on the shelf.
func (s *Shelf) WithClock(clock func() time.Time) *Shelf {
	if clock != nil {
		s.clock = clock
	}
	return s
}

// Root returns the output root.
func (s *Shelf) Root() string {
	return s.root
}

// PathFor returns the log path of id without creating anything.
func (s *Shelf) PathFor(id string) string {
	return filepath.Join(s.root, id, id+"_pipeline.log")
}

// Book returns the logbook for id, creating its directory on first use.
func (s *Shelf) Book(id string) (*Logbook, error) {
	id = strings.TrimSpace(id)
	if id == "" || strings.ContainsAny(id, `/\`) || id == "." || id == ".." {
		return nil, fmt.Errorf("logbook: invalid participant id %q", id)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if book, ok := s.books[id]; ok {
		return book, nil
	}
	book, err := New(s.PathFor(id))
	if err != nil {
		return nil, err
	}
	book.clock = s.clock
	s.books[id] = book
	return book, nil
}

// Append writes message to id's log.
func (s *Shelf) Append(id string, level Level, message string) error {
	book, err := s.Book(id)
	if err != nil {
		return err
	}
	return book.Append(level, message)
}

// Tail returns the last lines of id's log, or nil when it was never written.
func (s *Shelf) Tail(id string, maxLines int) []string {
	s.mu.Lock()
	book := s.books[id]
	s.mu.Unlock()
	if book == nil {
		book = &Logbook{path: s.PathFor(id), clock: s.clock}
	}
	lines, _ := book.Tail(maxLines)
	return lines
}

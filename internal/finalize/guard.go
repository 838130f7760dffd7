// Package finalize guarantees that every participant is finalized at most once
// per watchdog lifetime, and optionally across restarts.
package finalize

import (
	"sort"
	"sync"
	"time"
)

// Logger is the minimal logging surface the guard needs.
type Logger interface {
	Printf(format string, args ...any)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

// Option configures a Guard.
type Option func(*Guard)

// WithStore persists every admission to store.
func WithStore(store *Store) Option {
	return func(g *Guard) {
		g.store = store
	}
}

// WithLogger reports persistence failures to logger.
func WithLogger(logger Logger) Option {
	return func(g *Guard) {
		if logger != nil {
			g.logger = logger
		}
	}
}

// WithClock overrides the time source used for admission timestamps.
func WithClock(clock func() time.Time) Option {
	return func(g *Guard) {
		if clock != nil {
			g.clock = clock
		}
	}
}

// Guard is a concurrent set of finalized participant ids.
type Guard struct {
	mu     sync.Mutex
	done   map[string]time.Time
	store  *Store
	logger Logger
	clock  func() time.Time
}

// NewGuard builds a guard. When a store is configured, ids it already holds are
// treated as finalized.
func NewGuard(opts ...Option) (*Guard, error) {
	g := &Guard{
		done:   map[string]time.Time{},
		logger: nopLogger{},
		clock:  time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(g)
		}
	}
	if g.store != nil {
		snapshot, err := g.store.Load()
		if err != nil {
			return nil, err
		}
		for _, id := range snapshot.Finalized {
			g.done[id] = snapshot.LastUpdated
		}
	}
	return g, nil
}

// Admit returns true for exactly one caller per id. The check and the insert
// happen under one lock.
func (g *Guard) Admit(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.done[id]; ok {
		return false
	}
	now := g.clock()
	g.done[id] = now
	if g.store != nil {
		if err := g.store.Save(g.idsLocked(), now); err != nil {
			g.logger.Printf("finalize: persist %s: %v", id, err)
		}
	}
	return true
}

// Has reports whether id was already admitted.
func (g *Guard) Has(id string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.done[id]
	return ok
}

// IDs returns every admitted id, sorted.
func (g *Guard) IDs() []string {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.idsLocked()
}

// Len returns the number of admitted ids.
func (g *Guard) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.done)
}

func (g *Guard) idsLocked() []string {
	ids := make([]string, 0, len(g.done))
	for id := range g.done {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

package eventbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/CGutt-hub/PsyAnalysisToolbox/internal/config"
)

const (
	readTimeout  = 15 * time.Second
	writeTimeout = 15 * time.Second
	idleTimeout  = 60 * time.Second
)

// Server accepts weblog events on POST /events, reports liveness on
// GET /health and serves the watchdog snapshot on GET /participants.
type Server struct {
	cfg       config.BridgeConfig
	processor EventProcessor
	source    StatusSource
	runID     string
	logger    Logger
	clock     func() time.Time

	mu       sync.Mutex
	srv      *http.Server
	listener net.Listener
	started  time.Time
}

// Option customizes server construction.
type Option func(*Server)

// WithProcessor sets the consumer of accepted events.
func WithProcessor(p EventProcessor) Option {
	return func(s *Server) {
		if p != nil {
			s.processor = p
		}
	}
}

// WithStatusSource serves source on /participants.
func WithStatusSource(source StatusSource) Option {
	return func(s *Server) {
		s.source = source
	}
}

// WithRunID labels /health responses with the watchdog run.
func WithRunID(id string) Option {
	return func(s *Server) {
		s.runID = id
	}
}

// WithLogger overrides the default no-op logger.
func WithLogger(l Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithClock allows tests to control timestamps.
func WithClock(clock func() time.Time) Option {
	return func(s *Server) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// NewServer prepares a bridge bound to cfg's address. Enabled is the caller's
// concern; a constructed server always starts.
func NewServer(cfg config.BridgeConfig, opts ...Option) *Server {
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = config.DefaultBridgeMaxBody
	}
	s := &Server{
		cfg:       cfg,
		processor: EventProcessorFunc(nil),
		logger:    nopLogger{},
		clock:     time.Now,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Start binds the listener and serves in the background. Requests inherit ctx.
func (s *Server) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener != nil {
		return fmt.Errorf("eventbridge: already started on %s", s.listener.Addr())
	}
	listener, err := net.Listen("tcp", s.cfg.Address())
	if err != nil {
		return fmt.Errorf("eventbridge: listen %s: %w", s.cfg.Address(), err)
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/health", only(s.handleHealth, http.MethodGet, http.MethodHead))
	mux.HandleFunc("/participants", only(s.handleParticipants, http.MethodGet, http.MethodHead))
	mux.HandleFunc("/events", only(s.handleEvents, http.MethodPost))
	srv := &http.Server{
		Handler:      mux,
		ReadTimeout:  readTimeout,
		WriteTimeout: writeTimeout,
		IdleTimeout:  idleTimeout,
		BaseContext:  func(net.Listener) context.Context { return ctx },
	}
	s.listener, s.srv, s.started = listener, srv, s.clock()
	go func() {
		if err := srv.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Printf("eventbridge: serve: %v", err)
		}
	}()
	s.logger.Printf("eventbridge: listening on http://%s", listener.Addr())
	return nil
}

// Shutdown drains in-flight requests. Calling it on a stopped server is a no-op.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv == nil {
		return nil
	}
	err := s.srv.Shutdown(ctx)
	s.srv, s.listener = nil, nil
	return err
}

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// only rejects methods outside allowed with 405.
func only(h http.HandlerFunc, allowed ...string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		for _, m := range allowed {
			if r.Method == m {
				h(w, r)
				return
			}
		}
		w.Header().Set("Allow", strings.Join(allowed, ", "))
		writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	s.mu.Lock()
	started := s.started
	s.mu.Unlock()
	writeJSON(w, http.StatusOK, healthResponse{
		Status:        "ok",
		Version:       ProtocolVersion,
		RunID:         s.runID,
		UptimeSeconds: int64(s.clock().Sub(started).Seconds()),
	})
}

func (s *Server) handleParticipants(w http.ResponseWriter, _ *http.Request) {
	if s.source == nil {
		writeError(w, http.StatusServiceUnavailable, "no watchdog attached")
		return
	}
	writeJSON(w, http.StatusOK, s.source.Snapshot())
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	var evt Event
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, s.cfg.MaxBodyBytes))
	if err := dec.Decode(&evt); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "payload exceeds limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	evt.Normalize()
	if err := evt.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	evt.StampServerTime(s.clock().UTC())
	if !evt.IsTask() {
		s.logger.Printf("eventbridge: %s event for run %s", evt.Event, evt.RunName)
	}
	if err := s.processor.HandleEvent(evt); err != nil {
		s.logger.Printf("eventbridge: %s: %v", evt.Event, err)
		writeError(w, http.StatusInternalServerError, "event processing failed")
		return
	}
	writeJSON(w, http.StatusAccepted, eventResponse{Status: "accepted", ServerTime: evt.ServerTime})
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

type nopLogger struct{}

func (nopLogger) Printf(string, ...any) {}

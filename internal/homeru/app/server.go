package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/bdobrica/Homeru/common/version"
	"github.com/bdobrica/Homeru/internal/homeru/ledger"
)

// Server exposes /health, /status, the dashboard data endpoints and any
// additionally registered handlers (the check-in feed, the Feishu callback).
type Server struct {
	addr      string
	status    StatusSource
	checkIns  CheckInSource
	startedAt time.Time
	logger    *slog.Logger
	server    *http.Server
	mux       *http.ServeMux
}

// StatusSource reports live runtime figures for /status.
type StatusSource interface {
	ConfigHash() string
	InFlight() int64
	Outcomes() map[string]int64
	FeedClients() int
	Turns(ctx context.Context) (map[string]int, error)
}

// CheckInSource serves the dashboard data.
type CheckInSource interface {
	Records(ctx context.Context) ([]ledger.Record, error)
	Stats(ctx context.Context, room string) map[string]int
}

type healthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version"`
	Commit  string `json:"commit"`
}

type statusResponse struct {
	Status      string           `json:"status"`
	Version     string           `json:"version"`
	Commit      string           `json:"commit"`
	BuildTime   string           `json:"build_time"`
	StartedAt   time.Time        `json:"started_at"`
	UptimeSecs  float64          `json:"uptime_seconds"`
	ConfigHash  string           `json:"config_hash"`
	InFlight    int64            `json:"in_flight"`
	Outcomes    map[string]int64 `json:"outcomes"`
	Turns       map[string]int   `json:"turns,omitempty"`
	FeedClients int              `json:"feed_clients"`
}

type statsResponse struct {
	Room    string         `json:"room,omitempty"`
	Total   int            `json:"total"`
	Entries []ledger.Entry `json:"entries"`
}

// NewServer creates the HTTP server. It does not listen until Run.
func NewServer(addr string, status StatusSource, checkIns CheckInSource, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	mux := http.NewServeMux()
	s := &Server{
		addr:      addr,
		status:    status,
		checkIns:  checkIns,
		startedAt: time.Now(),
		logger:    logger,
		mux:       mux,
	}
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.HandleFunc("GET /data/checkins.json", s.handleCheckIns)
	mux.HandleFunc("GET /api/stats", s.handleStats)
	return s
}

// ServeHTTP implements http.Handler so the server can be tested with
// httptest.NewRecorder.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.mux.ServeHTTP(w, r)
}

// Handle registers an extra handler. Call it before Run.
func (s *Server) Handle(pattern string, handler http.Handler) {
	s.mux.Handle(pattern, handler)
}

// Run listens on the configured address and serves until ctx is cancelled.
func (s *Server) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("http server: listen %s: %w", s.addr, err)
	}

	s.server = &http.Server{
		Handler:     s,
		ReadTimeout: 10 * time.Second,
		// No WriteTimeout: the check-in feed holds connections open.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("http server listening", "addr", ln.Addr().String())
		errCh <- s.server.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "err", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, healthResponse{
		Status:  "ok",
		Version: version.Version,
		Commit:  version.GitCommit,
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{
		Status:     "ok",
		Version:    version.Version,
		Commit:     version.GitCommit,
		BuildTime:  version.BuildTime,
		StartedAt:  s.startedAt,
		UptimeSecs: time.Since(s.startedAt).Seconds(),
	}
	if s.status != nil {
		resp.ConfigHash = s.status.ConfigHash()
		resp.InFlight = s.status.InFlight()
		resp.Outcomes = s.status.Outcomes()
		resp.FeedClients = s.status.FeedClients()
		if turns, err := s.status.Turns(r.Context()); err == nil {
			resp.Turns = turns
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// handleCheckIns returns every record as a JSON array, the shape the
// original dashboard reads.
func (s *Server) handleCheckIns(w http.ResponseWriter, r *http.Request) {
	records, err := s.checkIns.Records(r.Context())
	if err != nil {
		s.logger.Warn("dashboard: read check-ins failed", "err", err)
		records = nil
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	room := r.URL.Query().Get("room")
	resp := statsResponse{Room: room, Entries: ledger.Rank(s.checkIns.Stats(r.Context(), room))}
	for _, e := range resp.Entries {
		resp.Total += e.Count
	}
	if resp.Entries == nil {
		resp.Entries = []ledger.Entry{}
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJSON serialises v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("http: failed to encode JSON response", "err", err)
	}
}

// Package ingest receives alerts from the outside world: an HTTP API
// for detectors that push, and a file tailer for upstream processes
// that only write log files. Both paths persist through the alert
// store before anything downstream sees the alert.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/argosec/defender/internal/alert"
	"github.com/argosec/defender/internal/alertstore"
	"github.com/argosec/defender/internal/filter"
	"github.com/argosec/defender/internal/ledger"
	"github.com/argosec/defender/internal/metrics"
	"github.com/argosec/defender/internal/planner"
)

// maxAlertBody caps a single POST /alerts payload.
const maxAlertBody = 64 << 10

// AlertSink is where accepted alerts go. Satisfied by *alertstore.Store.
type AlertSink interface {
	Persist(env alertstore.Envelope) (int64, error)
	LastAppendAge() time.Duration
}

// Planner generates remediation plans; only the debug endpoint uses it
// directly.
type Planner interface {
	GenerateFor(ctx context.Context, a alert.Alert) ([]planner.Plan, error)
}

// ExecutionLister exposes the execution ledger for introspection.
type ExecutionLister interface {
	List(ctx context.Context, limit int) ([]ledger.Record, error)
}

// Classifier assigns the attack class facet before fingerprinting, so
// the debug endpoint reports the same fingerprint the pipeline derives.
type Classifier interface {
	Classify(a *alert.Alert) filter.Decision
}

// Config wires the server's collaborators. Planner and Executions are
// optional; their endpoints return 404 when absent.
type Config struct {
	RunID      string
	Sink       AlertSink
	Planner    Planner
	Executions ExecutionLister
	Classifier Classifier

	// Notify is called after each successful persist so the pipeline
	// can pick the alert up without polling the store.
	Notify func(env alertstore.Envelope, offset int64)
}

// Server is the ingest HTTP API.
type Server struct {
	cfg  Config
	http *http.Server
}

// NewServer builds the server; call Start to begin listening.
func NewServer(cfg Config) *Server {
	if cfg.Classifier == nil {
		cfg.Classifier = filter.New(filter.Config{})
	}
	s := &Server{cfg: cfg}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /alerts", s.handlePostAlert)
	mux.HandleFunc("GET /health", s.handleHealth)
	if cfg.Planner != nil {
		mux.HandleFunc("POST /plan", s.handlePlanDebug)
	}
	if cfg.Executions != nil {
		mux.HandleFunc("GET /executions", s.handleExecutions)
	}

	s.http = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 120 * time.Second,
	}
	return s
}

// Handler exposes the routing for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving on the given port. Returns once the listener is
// bound; serve errors other than graceful shutdown are logged.
func (s *Server) Start(port int) error {
	ln, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("ingest listen on port %d: %w", port, err)
	}
	log.Info().Int("port", port).Msg("ingest API listening")

	go func() {
		if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ingest API server stopped")
		}
	}()
	return nil
}

// Shutdown stops accepting connections and drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type postAlertRequest struct {
	Raw   string `json:"raw"`
	RunID string `json:"run_id,omitempty"`
}

func (s *Server) handlePostAlert(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAlertBody)

	var req postAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, "alert exceeds 64 KiB limit")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Raw == "" {
		writeError(w, http.StatusBadRequest, "raw is required")
		return
	}

	runID := req.RunID
	if runID == "" {
		runID = s.cfg.RunID
	}

	env := alertstore.Envelope{Raw: req.Raw, RunID: runID, TS: time.Now()}
	offset, err := s.cfg.Sink.Persist(env)
	if err != nil {
		log.Error().Err(err).Msg("alert persist failed")
		writeError(w, http.StatusServiceUnavailable, "alert store unavailable")
		return
	}

	metrics.RecordAlertReceived("http")
	if s.cfg.Notify != nil {
		s.cfg.Notify(env, offset)
	}

	writeJSON(w, http.StatusOK, map[string]any{"accepted": true, "offset": offset})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":             "ok",
		"last_append_age_ms": s.cfg.Sink.LastAppendAge().Milliseconds(),
	})
}

// handlePlanDebug runs the planner against a raw alert without
// executing anything. Operator tooling only.
func (s *Server) handlePlanDebug(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxAlertBody)

	var req postAlertRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Raw == "" {
		writeError(w, http.StatusBadRequest, "raw is required")
		return
	}

	a := alert.New(req.Raw, s.cfg.RunID)
	decision := s.cfg.Classifier.Classify(&a)

	plans, err := s.cfg.Planner.GenerateFor(r.Context(), a)
	if err != nil {
		writeError(w, http.StatusBadGateway, err.Error())
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"fingerprint": alert.Fingerprint(a),
		"decision":    decision.String(),
		"plans":       plans,
	})
}

func (s *Server) handleExecutions(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	records, err := s.cfg.Executions.List(r.Context(), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "ledger query failed")
		return
	}
	if records == nil {
		records = []ledger.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"executions": records})
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		log.Debug().Err(err).Msg("response write failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

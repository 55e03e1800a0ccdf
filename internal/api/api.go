// Package api exposes the provisioning service over HTTP. Two serving
// modes exist: passthrough drives the session manager directly against
// a compute provider, ledger delegates jobs to an upstream API and
// tracks them in the in-memory store.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/terrpan/wgvm/internal/auth"
	"github.com/terrpan/wgvm/internal/health"
	"github.com/terrpan/wgvm/internal/ledger"
	"github.com/terrpan/wgvm/internal/provider"
	"github.com/terrpan/wgvm/internal/session"
)

// Serving modes.
const (
	ModePassthrough = "passthrough"
	ModeLedger      = "ledger"
)

// SessionService is the slice of the session manager the handlers use.
type SessionService interface {
	GetOrCreate(ctx context.Context, location string) (*session.StartResult, error)
	Status(ctx context.Context, operationID string) (*session.Operation, error)
	Teardown(ctx context.Context, operationID string) (*provider.TeardownReport, error)
}

// Config holds the collaborators of the HTTP server.
type Config struct {
	Mode            string
	Session         SessionService // passthrough mode
	Store           *ledger.Store  // ledger mode
	Worker          *ledger.Worker // ledger mode
	Auth            *auth.Validator
	Logger          *slog.Logger
	DefaultLocation string
	ProviderName    string // reported by /healthz
}

// Server routes provisioning requests to the configured backend.
type Server struct {
	mode            string
	session         SessionService
	store           *ledger.Store
	worker          *ledger.Worker
	auth            *auth.Validator
	logger          *slog.Logger
	defaultLocation string
	mux             *http.ServeMux
}

// New creates a Server and registers its routes.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Mode == "" {
		cfg.Mode = ModePassthrough
	}

	s := &Server{
		mode:            cfg.Mode,
		session:         cfg.Session,
		store:           cfg.Store,
		worker:          cfg.Worker,
		auth:            cfg.Auth,
		logger:          cfg.Logger,
		defaultLocation: cfg.DefaultLocation,
		mux:             http.NewServeMux(),
	}

	s.mux.HandleFunc("POST /api/start_job", s.handleStartJob)
	s.mux.HandleFunc("GET /api/job_status", s.handleJobStatus)
	s.mux.HandleFunc("POST /api/teardown", s.handleTeardown)
	s.mux.HandleFunc("GET /healthz", health.Handler(cfg.ProviderName, cfg.Mode))
	s.mux.Handle("GET /metrics", promhttp.Handler())

	return s
}

// ServeHTTP implements http.Handler with CORS applied to every route.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	setCORS(w)
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	s.mux.ServeHTTP(w, r)
}

// startRequest is the optional JSON body of /api/start_job.
type startRequest struct {
	Location string `json:"location"`
}

// startResponse is the 202 body of /api/start_job.
type startResponse struct {
	OperationID    string `json:"operationId"`
	Status         string `json:"status"`
	StatusQueryURL string `json:"statusQueryUrl"`
	IsExisting     bool   `json:"isExisting"`
	PublicAddress  string `json:"publicAddress,omitempty"`
	ClientConfig   string `json:"clientConfig,omitempty"`
}

func (s *Server) handleStartJob(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	location, err := s.requestedLocation(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "malformed request body")
		return
	}

	switch s.mode {
	case ModeLedger:
		job := s.store.Create()
		s.worker.Submit(job.ID, location)
		s.accepted(w, r, startResponse{
			OperationID:    job.ID,
			Status:         "accepted",
			StatusQueryURL: statusURL(job.ID),
		})

	default:
		res, err := s.session.GetOrCreate(r.Context(), location)
		if err != nil {
			s.logger.Error("start_job failed", slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "could not start provisioning")
			return
		}
		s.accepted(w, r, startResponse{
			OperationID:    res.OperationID,
			Status:         "accepted",
			StatusQueryURL: statusURL(res.OperationID),
			IsExisting:     res.IsExisting,
			PublicAddress:  res.PublicAddress,
			ClientConfig:   res.ClientConfig,
		})
	}
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	// Polled aggressively by clients; never let intermediaries cache a
	// stale state.
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	switch s.mode {
	case ModeLedger:
		job, ok := s.store.Get(id)
		if !ok {
			writeError(w, http.StatusNotFound, "unknown operation id")
			return
		}
		writeJSON(w, http.StatusOK, job)

	default:
		op, err := s.session.Status(r.Context(), id)
		if err != nil {
			s.logger.Error("job_status failed",
				slog.String("operationID", id),
				slog.String("error", err.Error()))
			writeError(w, http.StatusInternalServerError, "could not query operation status")
			return
		}
		writeJSON(w, http.StatusOK, op)
	}
}

func (s *Server) handleTeardown(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(w, r) {
		return
	}

	id := r.URL.Query().Get("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing id parameter")
		return
	}

	report, err := s.session.Teardown(r.Context(), id)
	if err != nil {
		s.logger.Error("teardown failed",
			slog.String("operationID", id),
			slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "teardown failed")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"status":  report.Status(),
		"deleted": report.Deleted,
		"failed":  report.Failed,
	})
}

// ---------------------------------------------------------------------------
// helpers
// ---------------------------------------------------------------------------

// requestedLocation resolves the target location for a start request.
// The JSON body wins over the location query parameter; an absent or
// empty body is fine, an unparseable one is a client error. With
// neither set the configured default applies.
func (s *Server) requestedLocation(r *http.Request) (string, error) {
	location := r.URL.Query().Get("location")

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading request body: %w", err)
	}
	if len(bytes.TrimSpace(body)) > 0 {
		var req startRequest
		if err := json.Unmarshal(body, &req); err != nil {
			return "", fmt.Errorf("decoding request body: %w", err)
		}
		if req.Location != "" {
			location = req.Location
		}
	}

	if location == "" {
		location = s.defaultLocation
	}
	return location, nil
}

func (s *Server) authorize(w http.ResponseWriter, r *http.Request) bool {
	p, err := s.auth.Validate(r)
	if err != nil {
		s.logger.Warn("request rejected", slog.String("error", err.Error()))
		writeError(w, http.StatusForbidden, "not authorized")
		return false
	}
	if p.Email != "" {
		s.logger.Debug("request authorized", slog.String("email", p.Email))
	}
	return true
}

func (s *Server) accepted(w http.ResponseWriter, r *http.Request, resp startResponse) {
	w.Header().Set("Location", resp.StatusQueryURL)
	writeJSON(w, http.StatusAccepted, resp)

	s.logger.Info("start_job accepted",
		slog.String("operationID", resp.OperationID),
		slog.Bool("isExisting", resp.IsExisting),
		slog.String("remote", r.RemoteAddr),
	)
}

func statusURL(id string) string {
	return "/api/job_status?id=" + id
}

func setCORS(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Access-Control-Allow-Origin", "*")
	h.Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, "+auth.HeaderPrincipal)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

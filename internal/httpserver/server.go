package httpserver

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ILLUVRSE/experiment-engine/internal/archive"
	"github.com/ILLUVRSE/experiment-engine/internal/assignment"
	"github.com/ILLUVRSE/experiment-engine/internal/errdefs"
	"github.com/ILLUVRSE/experiment-engine/internal/events"
	"github.com/ILLUVRSE/experiment-engine/internal/experiments"
	"github.com/ILLUVRSE/experiment-engine/internal/models"
	"github.com/ILLUVRSE/experiment-engine/internal/results"
	"github.com/ILLUVRSE/experiment-engine/internal/store"
)

const (
	maxExperimentBody = 64 * 1024
	maxEventsBody     = 8 << 20
)

// ReportArchiver stores results snapshots.
type ReportArchiver interface {
	ArchiveReport(ctx context.Context, experimentID int64, report any) (archive.Receipt, error)
}

// Authenticator wraps handlers that require a caller identity.
type Authenticator interface {
	Middleware(next http.Handler) http.Handler
}

type Config struct {
	RequestTimeout time.Duration
	Auth           Authenticator
	// Archiver is optional; the archive route is only mounted when set.
	Archiver ReportArchiver
}

type Services struct {
	Experiments *experiments.Service
	Assignments *assignment.Coordinator
	Events      *events.Service
	Results     *results.Service
}

type Server struct {
	cfg Config
	db  store.Store
	svc Services
}

func New(cfg Config, db store.Store, svc Services) *Server {
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 30 * time.Second
	}
	return &Server{cfg: cfg, db: db, svc: svc}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(s.cfg.RequestTimeout))

	r.Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Group(func(r chi.Router) {
		if s.cfg.Auth != nil {
			r.Use(s.cfg.Auth.Middleware)
		}
		r.Post("/events", s.handleRecordEvents)
		r.Route("/experiments", func(r chi.Router) {
			r.Post("/", s.handleCreateExperiment)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetExperiment)
				r.Patch("/status", s.handleUpdateStatus)
				r.Get("/assignment/{userID}", s.handleAssignment)
				r.Get("/results", s.handleResults)
				if s.cfg.Archiver != nil {
					r.Post("/results/archive", s.handleArchiveResults)
				}
			})
		})
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := s.db.Ping(ctx); err != nil {
		status["status"] = "unhealthy"
		status["db"] = "down"
		status["error"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	status["db"] = "up"
	respondJSON(w, http.StatusOK, status)
}

func experimentID(r *http.Request) (int64, error) {
	id, err := results.ParseID("experiment_id", chi.URLParam(r, "id"))
	if err != nil {
		return 0, err
	}
	if id == nil {
		return 0, errdefs.InvalidInput("experiment_id is required")
	}
	return *id, nil
}

func (s *Server) handleCreateExperiment(w http.ResponseWriter, r *http.Request) {
	var req experiments.CreateInput
	if err := decodeJSON(w, r, &req, maxExperimentBody); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	exp, err := s.svc.Experiments.Create(r.Context(), req)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, exp)
}

func (s *Server) handleGetExperiment(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	exp, err := s.svc.Experiments.Get(r.Context(), id)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

type updateStatusRequest struct {
	Status models.ExperimentStatus `json:"status"`
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	var req updateStatusRequest
	if err := decodeJSON(w, r, &req, maxExperimentBody); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	exp, err := s.svc.Experiments.UpdateStatus(r.Context(), id, req.Status)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, exp)
}

type assignmentResponse struct {
	ExperimentID int64     `json:"experiment_id"`
	UserID       string    `json:"user_id"`
	VariantID    int64     `json:"variant_id"`
	VariantName  string    `json:"variant_name"`
	AssignedAt   time.Time `json:"assigned_at"`
}

func (s *Server) handleAssignment(w http.ResponseWriter, r *http.Request) {
	id, err := experimentID(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	a, err := s.svc.Assignments.GetOrCreate(r.Context(), id, chi.URLParam(r, "userID"))
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, assignmentResponse{
		ExperimentID: a.ExperimentID,
		UserID:       a.UserID,
		VariantID:    a.VariantID,
		VariantName:  a.VariantName,
		AssignedAt:   a.AssignedAt,
	})
}

// handleRecordEvents accepts a single event object or an array of them.
func (s *Server) handleRecordEvents(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxEventsBody)
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var batch []events.Input
		if err := json.Unmarshal(trimmed, &batch); err != nil {
			respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
			return
		}
		stored, err := s.svc.Events.RecordBatch(r.Context(), batch)
		if err != nil {
			respondServiceError(w, r, err)
			return
		}
		respondJSON(w, http.StatusCreated, stored)
		return
	}
	var in events.Input
	if err := json.Unmarshal(trimmed, &in); err != nil {
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
		return
	}
	ev, err := s.svc.Events.Record(r.Context(), in)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, ev)
}

func parseFilters(r *http.Request) (results.Filters, error) {
	q := r.URL.Query()
	var (
		f   results.Filters
		err error
	)
	if f.Start, err = results.ParseTime("start_date", q.Get("start_date")); err != nil {
		return f, err
	}
	if f.End, err = results.ParseTime("end_date", q.Get("end_date")); err != nil {
		return f, err
	}
	if f.VariantID, err = results.ParseID("variant_id", q.Get("variant_id")); err != nil {
		return f, err
	}
	if f.GroupBy, err = results.ParseGranularity(q.Get("group_by")); err != nil {
		return f, err
	}
	f.EventType = q.Get("event_type")
	f.PrimaryEventType = q.Get("primary_event_type")
	return f, nil
}

func (s *Server) report(r *http.Request) (int64, results.Report, error) {
	id, err := experimentID(r)
	if err != nil {
		return 0, results.Report{}, err
	}
	f, err := parseFilters(r)
	if err != nil {
		return 0, results.Report{}, err
	}
	rep, err := s.svc.Results.GetExperimentResults(r.Context(), id, f)
	return id, rep, err
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	_, rep, err := s.report(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, rep)
}

func (s *Server) handleArchiveResults(w http.ResponseWriter, r *http.Request) {
	id, rep, err := s.report(r)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	receipt, err := s.cfg.Archiver.ArchiveReport(r.Context(), id, rep)
	if err != nil {
		respondServiceError(w, r, err)
		return
	}
	respondJSON(w, http.StatusCreated, receipt)
}

const (
	codeBadRequest = "EXPERIMENT_ENGINE_BAD_REQUEST"
	codeNotFound   = "EXPERIMENT_ENGINE_NOT_FOUND"
	codeInternal   = "EXPERIMENT_ENGINE_INTERNAL"
)

func respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, errdefs.ErrNotFound):
		respondError(w, http.StatusNotFound, codeNotFound, err.Error())
	case errors.Is(err, errdefs.ErrInvalidState), errors.Is(err, errdefs.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, codeBadRequest, err.Error())
	default:
		log.Printf("[httpserver] %s %s: %v", r.Method, r.URL.Path, err)
		respondError(w, http.StatusInternalServerError, codeInternal, "internal error")
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}, limit int64) error {
	if limit <= 0 {
		limit = 1 << 20
	}
	r.Body = http.MaxBytesReader(w, r.Body, limit)
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(v)
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, code, msg string) {
	respondJSON(w, status, map[string]string{
		"error": msg,
		"code":  code,
	})
}

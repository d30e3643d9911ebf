package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"financial-document-analyzer/internal/config"
	"financial-document-analyzer/internal/models"
	"financial-document-analyzer/internal/ratelimit"
	"financial-document-analyzer/internal/telemetry"
)

// DefaultQuery is used when a submission carries no query text.
const DefaultQuery = "Provide a comprehensive analysis."

// JobStore is what the API needs from the job store.
type JobStore interface {
	Create(ctx context.Context, id string) (models.Job, error)
	Get(ctx context.Context, id string) (models.Job, error)
	Discard(ctx context.Context, id string) error
}

// Queue accepts descriptors for asynchronous execution.
type Queue interface {
	Enqueue(ctx context.Context, d models.Descriptor) error
}

// Inputs persists uploads until a worker cleans them up.
type Inputs interface {
	Put(ctx context.Context, data []byte) (string, error)
	Delete(ctx context.Context, handle string) error
}

// Limiter decides whether a tenant may submit another job.
type Limiter interface {
	Allow(ctx context.Context, key string) (ratelimit.Decision, error)
}

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg     config.Config
	store   JobStore
	queue   Queue
	inputs  Inputs
	limiter Limiter
	logger  *slog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting.
func New(cfg config.Config, st JobStore, q Queue, in Inputs, limiter Limiter, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		inputs:  in,
		limiter: limiter,
		logger:  logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/", s.handleRoot)
	r.Post("/analyze", s.handleAnalyze)
	r.Get("/results/{job_id}", s.handleResults)
	return r
}

// Submit persists the upload, records the job and enqueues it. If the enqueue
// fails the job record and the upload are rolled back, so no queued job is left
// without a descriptor.
func (s *Server) Submit(ctx context.Context, data []byte, query string) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: uploaded file is empty", models.ErrValidation)
	}
	query = strings.TrimSpace(query)
	if query == "" {
		query = DefaultQuery
	}

	handle, err := s.inputs.Put(ctx, data)
	if err != nil {
		if !errors.Is(err, models.ErrStorage) {
			err = fmt.Errorf("%w: %v", models.ErrStorage, err)
		}
		return "", err
	}

	// Rollback must finish even if the client goes away.
	bg := context.WithoutCancel(ctx)
	id := uuid.NewString()
	if _, err := s.store.Create(ctx, id); err != nil {
		s.dropInput(bg, handle)
		return "", fmt.Errorf("create job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, models.Descriptor{JobID: id, Query: query, Input: handle}); err != nil {
		if derr := s.store.Discard(bg, id); derr != nil {
			s.logger.Error("api.submit.rollback_failed", "job_id", id, "error", derr)
		}
		s.dropInput(bg, handle)
		if !errors.Is(err, models.ErrQueue) {
			err = fmt.Errorf("%w: %v", models.ErrQueue, err)
		}
		return "", err
	}

	telemetry.SubmittedCounter.Inc()
	s.logger.Info("api.submit.queued", "job_id", id, "input", handle, "bytes", len(data))
	return id, nil
}

// Status returns the current job record.
func (s *Server) Status(ctx context.Context, id string) (models.Job, error) {
	return s.store.Get(ctx, id)
}

func (s *Server) dropInput(ctx context.Context, handle string) {
	if err := s.inputs.Delete(ctx, handle); err != nil {
		s.logger.Error("api.submit.input_cleanup_failed", "input", handle, "error", err)
	}
}

type rootResponse struct {
	Message string `json:"message"`
}

type analyzeResponse struct {
	Status  string `json:"status"`
	Message string `json:"message"`
	JobID   string `json:"job_id"`
}

type resultResponse struct {
	JobID     string        `json:"job_id"`
	Status    models.Status `json:"status"`
	CreatedAt time.Time     `json:"created_at"`
	Result    *string       `json:"result"`
}

type errorResponse struct {
	Detail string `json:"detail"`
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, rootResponse{Message: "Financial Document Analyzer API is operational."})
}

func (s *Server) handleAnalyze(w http.ResponseWriter, r *http.Request) {
	if !s.allow(w, r) {
		return
	}

	if s.cfg.MaxUploadBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)
	}
	data, query, err := readUpload(r)
	if err != nil {
		s.fail(w, "read_upload", err)
		return
	}

	id, err := s.Submit(r.Context(), data, query)
	if err != nil {
		s.fail(w, "submit", err)
		return
	}
	writeJSON(w, http.StatusOK, analyzeResponse{
		Status:  "success",
		Message: "Analysis job has been queued.",
		JobID:   id,
	})
}

func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "job_id")
	job, err := s.Status(r.Context(), id)
	if err != nil {
		if errors.Is(err, models.ErrNotFound) {
			writeJSON(w, http.StatusNotFound, errorResponse{Detail: "Job not found."})
			return
		}
		s.logger.Error("api.results.failed", "job_id", id, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "Error reading job: " + err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, resultResponse{
		JobID:     job.ID,
		Status:    job.Status,
		CreatedAt: job.CreatedAt,
		Result:    job.Result,
	})
}

// allow applies the per-tenant token bucket. It writes the response and returns
// false when the request must not proceed.
func (s *Server) allow(w http.ResponseWriter, r *http.Request) bool {
	if s.limiter == nil {
		return true
	}
	tenant := tenantFromRequest(r)
	d, err := s.limiter.Allow(r.Context(), tenant)
	if err != nil {
		s.logger.Error("api.ratelimit.failed", "tenant", tenant, "error", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse{Detail: "rate limit error"})
		return false
	}
	w.Header().Set("X-RateLimit-Remaining", strconv.FormatInt(d.Remaining, 10))
	if !d.Allowed {
		telemetry.RateLimitRejects.Inc()
		w.Header().Set("Retry-After", strconv.Itoa(retryAfterSeconds(d.RetryAfter)))
		writeJSON(w, http.StatusTooManyRequests, errorResponse{Detail: "Too many requests, slow down."})
		return false
	}
	return true
}

// retryAfterSeconds rounds a wait up to the whole seconds Retry-After carries.
func retryAfterSeconds(wait time.Duration) int {
	secs := int(math.Ceil(wait.Seconds()))
	if secs < 1 {
		return 1
	}
	return secs
}

func (s *Server) fail(w http.ResponseWriter, stage string, err error) {
	code := statusFor(err)
	reason := "internal"
	switch {
	case errors.Is(err, models.ErrValidation):
		reason = "validation"
	case errors.Is(err, models.ErrStorage):
		reason = "storage"
	case errors.Is(err, models.ErrQueue):
		reason = "queue"
	}
	telemetry.SubmitFailures.WithLabelValues(reason).Inc()

	if code >= 500 {
		s.logger.Error("api.analyze.failed", "stage", stage, "reason", reason, "error", err)
		writeJSON(w, code, errorResponse{Detail: "Error processing request: " + err.Error()})
		return
	}
	s.logger.Info("api.analyze.rejected", "stage", stage, "reason", reason, "error", err)
	writeJSON(w, code, errorResponse{Detail: err.Error()})
}

// readUpload pulls the file bytes and query out of a multipart form.
func readUpload(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return nil, "", fmt.Errorf("%w: upload exceeds %d bytes", models.ErrValidation, tooLarge.Limit)
		}
		return nil, "", fmt.Errorf("%w: expected multipart form data: %v", models.ErrValidation, err)
	}
	file, _, err := r.FormFile("file")
	if err != nil {
		return nil, "", fmt.Errorf("%w: a file is required", models.ErrValidation)
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", fmt.Errorf("%w: read upload: %v", models.ErrValidation, err)
	}
	return data, r.FormValue("query"), nil
}

// statusFor maps error kinds to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	default:
		return http.StatusInternalServerError
	}
}

func tenantFromRequest(r *http.Request) string {
	if v := r.Header.Get("X-Tenant-ID"); v != "" {
		return v
	}
	return "default"
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

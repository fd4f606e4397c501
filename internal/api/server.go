package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"formaos-export/internal/models"
	"formaos-export/internal/store"
	"formaos-export/internal/telemetry"
	"formaos-export/internal/throttle"
	"formaos-export/internal/token"
)

// JobStore is the read/create surface the API needs. Job state is only ever
// mutated by workers; these endpoints stay read-only with respect to status.
type JobStore interface {
	CreateJob(ctx context.Context, p store.CreateJobParams) (models.ExportJob, error)
	GetJob(ctx context.Context, id, tenantID string) (models.ExportJob, error)
	ListJobs(ctx context.Context, tenantID string, limit int) ([]models.ExportJob, error)
}

// Signaler emits the optional worker wake signal after submission.
type Signaler interface {
	Signal(ctx context.Context, jobID string) error
}

// Throttle guards submissions per tenant. Release undoes a reservation when
// the job never makes it into the store.
type Throttle interface {
	Allow(ctx context.Context, tenantID string) (throttle.Decision, error)
	Release(ctx context.Context, tenantID string) error
}

// ArtifactURLs resolves a stored locator into a short-lived download URL.
type ArtifactURLs interface {
	DownloadURL(ctx context.Context, locator string, ttl time.Duration) (string, error)
}

// Options carry the request-independent knobs.
type Options struct {
	MaxAttempts   int
	TokenTTL      time.Duration
	PublicBaseURL string
	// ArtifactDir, when set, is served under /artifacts/ (local dev store).
	ArtifactDir string
}

// Server wires the HTTP surface: submission, status polling, and the
// anonymous download gateway.
type Server struct {
	store     JobStore
	signals   Signaler
	limiter   Throttle
	artifacts ArtifactURLs
	tokens    *token.Issuer
	opts      Options
	logger    *slog.Logger
}

// New constructs the API server. signals and limiter may be nil.
func New(st JobStore, signals Signaler, limiter Throttle, artifacts ArtifactURLs, tokens *token.Issuer, opts Options, logger *slog.Logger) *Server {
	return &Server{
		store:     st,
		signals:   signals,
		limiter:   limiter,
		artifacts: artifacts,
		tokens:    tokens,
		opts:      opts,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/exports", s.handleCreate)
	r.Get("/exports", s.handleList)
	r.Get("/exports/{id}", s.handleStatus)
	r.Get("/exports/{id}/download", s.handleDownload)

	if s.opts.ArtifactDir != "" {
		fs := http.StripPrefix("/artifacts/", http.FileServer(http.Dir(s.opts.ArtifactDir)))
		r.Get("/artifacts/*", fs.ServeHTTP)
	}
	return r
}

type createRequest struct {
	JobType     string `json:"jobType"`
	Format      string `json:"format"`
	RequestedBy string `json:"requestedBy"`
}

type createResponse struct {
	JobID  string `json:"jobId"`
	Status string `json:"status"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}

	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !models.ValidJobType(req.JobType) {
		writeError(w, http.StatusBadRequest, "unknown jobType")
		return
	}
	if !models.ValidFormat(req.Format) {
		writeError(w, http.StatusBadRequest, "unknown format")
		return
	}
	if strings.TrimSpace(req.RequestedBy) == "" {
		writeError(w, http.StatusBadRequest, "requestedBy is required")
		return
	}

	if s.limiter != nil {
		decision, err := s.limiter.Allow(r.Context(), tenant)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "throttle check failed")
			return
		}
		if !decision.Allowed {
			telemetry.ThrottleRejects.Inc()
			writeError(w, http.StatusTooManyRequests, decision.Reason)
			return
		}
	}

	job, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		TenantID:    tenant,
		RequestedBy: req.RequestedBy,
		JobType:     req.JobType,
		Format:      req.Format,
		MaxAttempts: s.opts.MaxAttempts,
	})
	if err != nil {
		s.logger.Error("create export job", slog.Any("error", err))
		if s.limiter != nil {
			if relErr := s.limiter.Release(r.Context(), tenant); relErr != nil {
				s.logger.Warn("release throttle slot", slog.String("tenant_id", tenant), slog.Any("error", relErr))
			}
		}
		writeError(w, http.StatusInternalServerError, "failed to create export job")
		return
	}

	// The wake signal is best effort; workers poll the store regardless.
	if s.signals != nil {
		if err := s.signals.Signal(r.Context(), job.ID); err != nil {
			s.logger.Warn("signal worker", slog.String("job_id", job.ID), slog.Any("error", err))
		}
	}
	telemetry.ExportsCreated.Inc()

	writeJSON(w, http.StatusAccepted, createResponse{JobID: job.ID, Status: job.Status})
}

type statusResponse struct {
	Status       string  `json:"status"`
	Progress     int     `json:"progress"`
	ErrorMessage *string `json:"errorMessage,omitempty"`
	DownloadURL  *string `json:"downloadUrl,omitempty"`
	ExpiresAt    *string `json:"expiresAt,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id, tenant)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	if err != nil {
		s.logger.Error("get export job", slog.String("job_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load export job")
		return
	}

	resp := statusResponse{Status: job.Status, Progress: job.Progress}
	if job.Status == models.StatusFailed {
		resp.ErrorMessage = job.LastError
	}
	if job.Status == models.StatusCompleted && job.ArtifactExpiresAt != nil && !job.ArtifactExpired(time.Now()) {
		if tok, err := s.tokens.Issue(job.ID, job.TenantID); err == nil {
			u := s.opts.PublicBaseURL + "/exports/" + job.ID + "/download?token=" + tok
			resp.DownloadURL = &u
			exp := job.ArtifactExpiresAt.UTC().Format(time.RFC3339)
			resp.ExpiresAt = &exp
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	tenant := tenantFromRequest(r)
	if tenant == "" {
		writeError(w, http.StatusBadRequest, "X-Tenant-ID header is required")
		return
	}
	jobs, err := s.store.ListJobs(r.Context(), tenant, 50)
	if err != nil {
		s.logger.Error("list export jobs", slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to list export jobs")
		return
	}
	if jobs == nil {
		jobs = []models.ExportJob{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": jobs})
}

// handleDownload is the anonymous trust boundary: the signed token alone
// authorizes access, and job state plus artifact expiry are re-checked at
// request time.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	payload, err := s.tokens.Validate(r.URL.Query().Get("token"))
	if err != nil {
		writeError(w, http.StatusUnauthorized, "invalid or missing token")
		return
	}

	id := chi.URLParam(r, "id")
	if payload.JobID != id {
		writeError(w, http.StatusForbidden, "token does not match this export")
		return
	}

	job, err := s.store.GetJob(r.Context(), payload.JobID, payload.TenantID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "export job not found")
		return
	}
	if err != nil {
		s.logger.Error("get export job", slog.String("job_id", id), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "failed to load export job")
		return
	}

	switch job.Status {
	case models.StatusPending, models.StatusProcessing:
		writeJSON(w, http.StatusAccepted, statusResponse{Status: job.Status, Progress: job.Progress})
		return
	case models.StatusFailed:
		msg := "export failed; no artifact is available"
		if job.LastError != nil && *job.LastError != "" {
			msg = *job.LastError
		}
		writeError(w, http.StatusGone, msg)
		return
	}

	if job.ArtifactExpired(time.Now()) {
		writeError(w, http.StatusGone, "export artifact has expired")
		return
	}
	if job.ArtifactLocator == nil {
		s.logger.Error("completed job missing artifact locator", slog.String("job_id", job.ID))
		writeError(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}

	ttl := s.opts.TokenTTL
	if job.ArtifactExpiresAt != nil {
		if remaining := time.Until(*job.ArtifactExpiresAt); remaining < ttl {
			ttl = remaining
		}
	}
	url, err := s.artifacts.DownloadURL(r.Context(), *job.ArtifactLocator, ttl)
	if err != nil {
		s.logger.Error("resolve artifact url", slog.String("job_id", job.ID), slog.Any("error", err))
		writeError(w, http.StatusInternalServerError, "artifact unavailable")
		return
	}

	telemetry.Downloads.Inc()
	http.Redirect(w, r, url, http.StatusFound)
}

func tenantFromRequest(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Tenant-ID"))
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// Package api exposes the job management HTTP surface: job submission,
// status and finding reads, and the operator dead-letter endpoints.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/ahrav/datasentry/internal/app/aggregation"
	"github.com/ahrav/datasentry/internal/app/orchestration"
	"github.com/ahrav/datasentry/internal/domain/scanning"
	"github.com/ahrav/datasentry/pkg/common/logger"
)

const (
	defaultFindingsLimit = 100
	maxFindingsLimit     = 1000
)

// Server wires the HTTP handlers to the application services.
type Server struct {
	orchestrator *orchestration.Orchestrator
	status       *aggregation.StatusService
	findings     scanning.FindingRepository
	queue        scanning.WorkQueue

	logger *logger.Logger
}

// NewServer assembles the HTTP surface.
func NewServer(
	orchestrator *orchestration.Orchestrator,
	status *aggregation.StatusService,
	findings scanning.FindingRepository,
	queue scanning.WorkQueue,
	log *logger.Logger,
) *Server {
	return &Server{
		orchestrator: orchestrator,
		status:       status,
		findings:     findings,
		queue:        queue,
		logger:       log.With("component", "api"),
	}
}

// Router builds the route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/readyz", s.handleReady)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleCreateJob)
		r.Get("/jobs/{jobID}", s.handleGetJob)
		r.Get("/jobs/{jobID}/findings", s.handleListFindings)
		r.Get("/deadletters", s.handleListDeadLetters)
		r.Post("/deadletters/{id}/requeue", s.handleRequeueDeadLetter)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	// Queue depth doubles as a database liveness probe.
	if _, err := s.queue.Depth(r.Context()); err != nil {
		s.writeError(w, r, http.StatusServiceUnavailable, "database unavailable")
		return
	}
	w.WriteHeader(http.StatusOK)
}

type createJobRequest struct {
	Collection string `json:"collection"`
	Prefix     string `json:"prefix,omitempty"`
}

type jobResponse struct {
	JobID      string `json:"job_id"`
	Collection string `json:"collection"`
	Prefix     string `json:"prefix,omitempty"`
	Status     string `json:"status"`
	CreatedAt  string `json:"created_at"`
}

func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req createJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Collection == "" {
		s.writeError(w, r, http.StatusBadRequest, "collection is required")
		return
	}

	job, err := s.orchestrator.CreateJob(r.Context(), req.Collection, req.Prefix)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to create job")
		return
	}

	// Listing runs in the background; the caller polls status.
	go func() {
		ctx := context.Background()
		if err := s.orchestrator.Run(ctx, job); err != nil {
			s.logger.Error(ctx, "job listing run failed", "err", err, "job_id", job.JobID())
		}
	}()

	s.writeJSON(w, http.StatusAccepted, jobResponse{
		JobID:      job.JobID().String(),
		Collection: job.Collection(),
		Prefix:     job.Prefix(),
		Status:     string(job.Status()),
		CreatedAt:  job.CreatedAt().Format(time.RFC3339),
	})
}

type statusResponse struct {
	JobID           string             `json:"job_id"`
	Status          string             `json:"status"`
	Counts          statusCounts       `json:"counts"`
	ProgressPercent float64            `json:"progress_percent"`
	Freshness       *freshnessResponse `json:"freshness,omitempty"`
}

type statusCounts struct {
	Total        int64 `json:"total"`
	Queued       int64 `json:"queued"`
	Processing   int64 `json:"processing"`
	Succeeded    int64 `json:"succeeded"`
	Failed       int64 `json:"failed"`
	FindingCount int64 `json:"finding_count"`
}

type freshnessResponse struct {
	RefreshedAt       string `json:"refreshed_at"`
	RefreshDurationMS int64  `json:"refresh_duration_ms"`
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}
	preferCache := r.URL.Query().Get("live") != "true"

	view, err := s.status.GetStatus(r.Context(), jobID, preferCache)
	if err != nil {
		if errors.Is(err, scanning.ErrJobNotFound) {
			s.writeError(w, r, http.StatusNotFound, "job not found")
			return
		}
		s.writeError(w, r, http.StatusInternalServerError, "failed to read job status")
		return
	}

	resp := statusResponse{
		JobID:  view.JobID.String(),
		Status: string(view.Status),
		Counts: statusCounts{
			Total:        view.Counts.Total,
			Queued:       view.Counts.Queued,
			Processing:   view.Counts.Processing,
			Succeeded:    view.Counts.Succeeded,
			Failed:       view.Counts.Failed,
			FindingCount: view.Counts.FindingCount,
		},
		ProgressPercent: view.ProgressPercent,
	}
	if view.Freshness != nil {
		resp.Freshness = &freshnessResponse{
			RefreshedAt:       view.Freshness.RefreshedAt.Format(time.RFC3339),
			RefreshDurationMS: view.Freshness.RefreshDuration.Milliseconds(),
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type findingResponse struct {
	ID             int64  `json:"id"`
	ObjectKey      string `json:"object_key"`
	Fingerprint    string `json:"fingerprint"`
	DetectorType   string `json:"detector_type"`
	MaskedValue    string `json:"masked_value"`
	ContextSnippet string `json:"context_snippet"`
	ByteOffset     int64  `json:"byte_offset"`
	CreatedAt      string `json:"created_at"`
}

type findingsPageResponse struct {
	Findings   []findingResponse `json:"findings"`
	NextCursor string            `json:"next_cursor,omitempty"`
}

func (s *Server) handleListFindings(w http.ResponseWriter, r *http.Request) {
	jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid job id")
		return
	}

	cursor := scanning.FindingCursor{}
	if raw := r.URL.Query().Get("cursor"); raw != "" {
		after, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid cursor")
			return
		}
		cursor.AfterID = after
	}

	limit := defaultFindingsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxFindingsLimit)
	}

	page, err := s.findings.ListFindings(r.Context(), jobID, cursor, limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to list findings")
		return
	}

	resp := findingsPageResponse{Findings: make([]findingResponse, 0, len(page.Findings))}
	for _, f := range page.Findings {
		resp.Findings = append(resp.Findings, findingResponse{
			ID:             f.ID,
			ObjectKey:      f.ObjectKey,
			Fingerprint:    f.Fingerprint,
			DetectorType:   string(f.DetectorType),
			MaskedValue:    f.MaskedValue,
			ContextSnippet: f.ContextSnippet,
			ByteOffset:     f.ByteOffset,
			CreatedAt:      f.CreatedAt.Format(time.RFC3339),
		})
	}
	if page.Next != nil {
		resp.NextCursor = strconv.FormatInt(page.Next.AfterID, 10)
	}
	s.writeJSON(w, http.StatusOK, resp)
}

type deadLetterResponse struct {
	ID             int64                `json:"id"`
	GroupKey       string               `json:"group_key"`
	Message        scanning.ItemMessage `json:"message"`
	Attempts       int                  `json:"attempts"`
	FirstEnqueued  string               `json:"first_enqueued"`
	DeadLetteredAt string               `json:"dead_lettered_at"`
	Reason         string               `json:"reason"`
}

func (s *Server) handleListDeadLetters(w http.ResponseWriter, r *http.Request) {
	var afterID int64
	if raw := r.URL.Query().Get("after"); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "invalid after cursor")
			return
		}
		afterID = n
	}
	limit := defaultFindingsLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			s.writeError(w, r, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = min(n, maxFindingsLimit)
	}

	letters, err := s.queue.ListDeadLetters(r.Context(), afterID, limit)
	if err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to list dead letters")
		return
	}

	resp := make([]deadLetterResponse, 0, len(letters))
	for _, dl := range letters {
		resp = append(resp, deadLetterResponse{
			ID:             dl.ID,
			GroupKey:       dl.GroupKey,
			Message:        dl.Message,
			Attempts:       dl.Attempts,
			FirstEnqueued:  dl.FirstEnqueued.Format(time.RFC3339),
			DeadLetteredAt: dl.DeadLetteredAt.Format(time.RFC3339),
			Reason:         dl.Reason,
		})
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleRequeueDeadLetter(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, r, http.StatusBadRequest, "invalid dead letter id")
		return
	}
	if err := s.queue.RequeueDeadLetter(r.Context(), id); err != nil {
		s.writeError(w, r, http.StatusInternalServerError, "failed to requeue dead letter")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error(context.Background(), "failed to encode response", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, msg string) {
	if status >= http.StatusInternalServerError {
		s.logger.Error(r.Context(), "request failed", "path", r.URL.Path, "status", status, "msg", msg)
	}
	s.writeJSON(w, status, map[string]string{"error": msg})
}

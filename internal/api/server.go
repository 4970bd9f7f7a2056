// Package api exposes the queue, cache and cron worker to the dashboard.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/cache"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/cron"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/domain"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/queue"
	"github.com/yunusdemirbag/dolphinmanager-sub003/internal/storage"
)

type Server struct {
	manager     *queue.Manager
	worker      *cron.Worker
	cache       *cache.TieredCache
	cacheMaxAge time.Duration
	log         *zap.Logger
}

func New(manager *queue.Manager, worker *cron.Worker, c *cache.TieredCache, cacheMaxAge time.Duration, log *zap.Logger) *Server {
	return &Server{manager: manager, worker: worker, cache: c, cacheMaxAge: cacheMaxAge, log: log.Named("http")}
}

func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/healthz", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleJobStatus)
		r.Delete("/jobs/{id}", s.handleCancel)
		r.Get("/owners/{ownerID}/jobs", s.handleOwnerJobs)

		r.Put("/media/{key}", s.handleMediaPut)
		r.Get("/media/{key}/status", s.handleMediaStatus)
		r.Delete("/media/{key}", s.handleMediaDelete)
		r.Delete("/media", s.handleMediaClear)

		r.Post("/internal/upload-worker", s.handleUploadWorker)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

type enqueueRequest struct {
	OwnerID string          `json:"owner_id"`
	Kind    domain.Kind     `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if req.OwnerID == "" || len(req.Payload) == 0 {
		writeError(w, http.StatusBadRequest, "owner_id and payload required")
		return
	}
	if req.Kind == "" {
		req.Kind = domain.KindCreateListing
	}
	id, err := s.manager.AddJob(r.Context(), req.OwnerID, req.Kind, req.Payload)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": id})
}

func (s *Server) handleJobStatus(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.JobStatus(r.Context(), chi.URLParam(r, "id"))
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	ok, err := s.manager.Cancel(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, "job not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

func (s *Server) handleOwnerJobs(w http.ResponseWriter, r *http.Request) {
	sum, jobs, err := s.manager.OwnerJobs(r.Context(), chi.URLParam(r, "ownerID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	buckets := map[domain.Status][]domain.Job{}
	for _, j := range jobs {
		buckets[j.Status] = append(buckets[j.Status], j)
	}
	writeJSON(w, http.StatusOK, map[string]any{"summary": sum, "jobs": buckets})
}

// handleMediaPut caches a media blob under a key the dashboard later
// references from a listing payload.
func (s *Server) handleMediaPut(w http.ResponseWriter, r *http.Request) {
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 32<<20))
	if err != nil {
		writeError(w, http.StatusRequestEntityTooLarge, "media too large")
		return
	}
	if len(data) == 0 {
		writeError(w, http.StatusBadRequest, "empty body")
		return
	}
	key := chi.URLParam(r, "key")
	if err := s.cache.Save(r.Context(), key, data); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.cache.Status(r.Context(), key))
}

func (s *Server) handleMediaStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.cache.Status(r.Context(), chi.URLParam(r, "key")))
}

func (s *Server) handleMediaDelete(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Clear(r.Context(), chi.URLParam(r, "key"))
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMediaClear(w http.ResponseWriter, r *http.Request) {
	_ = s.cache.Clear(r.Context())
	w.WriteHeader(http.StatusNoContent)
}

// handleUploadWorker is the scheduler-invoked entry point. Re-invocation
// while a previous pass runs is a no-op. The pass is detached from the
// request context: a scheduler disconnect must not abort a claimed batch.
func (s *Server) handleUploadWorker(w http.ResponseWriter, r *http.Request) {
	n, err := s.worker.Run(context.WithoutCancel(r.Context()))
	if err != nil {
		s.log.Error("upload worker pass failed", zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"processed": n})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

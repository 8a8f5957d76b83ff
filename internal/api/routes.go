package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/frameagent/frameagent/internal/artifacts"
	"github.com/frameagent/frameagent/internal/jobs"
	"github.com/frameagent/frameagent/internal/logging"
)

const jobListLimit = 50

func NewRouter(cfg ServerConfig) *chi.Mux {
	r := chi.NewRouter()

	r.Use(RequestIDMiddleware())
	r.Use(RecoveryMiddleware(cfg.Logger))
	r.Use(LoggingMiddleware(cfg.Logger))

	r.Get("/health", healthHandler(cfg))
	r.Post("/process_video", processVideoHandler(cfg))
	r.Get("/jobs", listJobsHandler(cfg))
	r.Get("/jobs/{id}", getJobHandler(cfg))
	if cfg.Artifacts != nil {
		r.Get("/jobs/{id}/frames", listFramesHandler(cfg))
		r.Get("/jobs/{id}/frames/{name}", frameHandler(cfg))
	}
	if cfg.MetricsHandler != nil {
		r.Method(http.MethodGet, "/metrics", cfg.MetricsHandler)
	}

	return r
}

func healthHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		resp := HealthResponse{
			Status:  "ok",
			Version: cfg.Version,
			UptimeS: int64(time.Since(cfg.StartTime).Seconds()),
		}
		if cfg.Submitter != nil {
			resp.ActiveJobs = cfg.Submitter.Active()
		}
		if cfg.Jobs != nil {
			if counts, err := cfg.Jobs.CountJobsByState(r.Context()); err == nil {
				resp.Jobs = make(map[string]int, len(counts))
				for state, n := range counts {
					resp.Jobs[string(state)] = n
				}
			}
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

// processVideoHandler validates the request, starts a background job and
// answers before any pipeline work happens.
func processVideoHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProcessVideoRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, http.StatusBadRequest, "invalid request body", "BAD_REQUEST")
			return
		}
		if req.VideoPath == "" || req.RecordID == "" {
			WriteError(w, http.StatusBadRequest, MsgMissingFields, "BAD_REQUEST")
			return
		}

		prompt := cfg.DefaultPrompt
		if req.CustomPrompt != nil {
			prompt = *req.CustomPrompt
		}

		task, err := cfg.Submitter.Submit(r.Context(), jobs.Request{
			VideoPath: req.VideoPath,
			RecordID:  req.RecordID,
			Prompt:    prompt,
		})
		if errors.Is(err, jobs.ErrInvalidRequest) {
			WriteError(w, http.StatusBadRequest, MsgMissingFields, "BAD_REQUEST")
			return
		}
		if err != nil {
			requestID, _ := r.Context().Value(RequestIDKey).(string)
			logging.WithRequestID(cfg.Logger, requestID).Error("failed to submit job",
				"record_id", req.RecordID, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to start processing", "INTERNAL_ERROR")
			return
		}

		WriteJSON(w, http.StatusOK, ProcessVideoResponse{
			Status: MsgProcessingStarted,
			JobID:  task.JobID,
		})
	}
}

func listJobsHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		list, err := cfg.Jobs.ListJobs(r.Context(), jobListLimit)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list jobs", "INTERNAL_ERROR")
			return
		}

		resp := JobsResponse{Jobs: make([]JobResponse, 0, len(list))}
		for _, j := range list {
			resp.Jobs = append(resp.Jobs, JobToResponse(j))
		}
		WriteJSON(w, http.StatusOK, resp)
	}
}

func getJobHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if id == "" {
			WriteError(w, http.StatusBadRequest, "job id required", "BAD_REQUEST")
			return
		}

		job, err := cfg.Jobs.GetJob(r.Context(), id)
		if err != nil {
			WriteError(w, http.StatusInternalServerError, err.Error(), "INTERNAL_ERROR")
			return
		}
		if job == nil {
			WriteError(w, http.StatusNotFound, "job not found", "NOT_FOUND")
			return
		}

		WriteJSON(w, http.StatusOK, JobToResponse(job))
	}
}

func listFramesHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		list, err := cfg.Artifacts.ListFrames(id)
		if errors.Is(err, artifacts.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "no frames kept for job", "NOT_FOUND")
			return
		}
		if err != nil {
			WriteError(w, http.StatusInternalServerError, "failed to list frames", "INTERNAL_ERROR")
			return
		}
		WriteJSON(w, http.StatusOK, FramesResponse{JobID: id, Frames: list})
	}
}

func frameHandler(cfg ServerConfig) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		name := chi.URLParam(r, "name")

		err := cfg.Artifacts.ServeFrame(w, r, id, name)
		if errors.Is(err, artifacts.ErrNotFound) {
			WriteError(w, http.StatusNotFound, "frame not found", "NOT_FOUND")
			return
		}
		if err != nil {
			requestID, _ := r.Context().Value(RequestIDKey).(string)
			logging.WithRequestID(cfg.Logger, requestID).Error("failed to serve frame",
				"job_id", id, "name", name, "error", err)
			WriteError(w, http.StatusInternalServerError, "failed to serve frame", "INTERNAL_ERROR")
		}
	}
}

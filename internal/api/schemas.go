package api

import (
	"time"

	"github.com/frameagent/frameagent/internal/artifacts"
	"github.com/frameagent/frameagent/internal/jobs"
)

const (
	MsgMissingFields     = "Missing video_path or record_id"
	MsgProcessingStarted = "processing started"
)

type ProcessVideoRequest struct {
	VideoPath    string  `json:"video_path"`
	RecordID     string  `json:"record_id"`
	CustomPrompt *string `json:"custom_prompt,omitempty"`
}

type ProcessVideoResponse struct {
	Status string `json:"status"`
	JobID  string `json:"job_id"`
}

type HealthResponse struct {
	Status     string         `json:"status"`
	Version    string         `json:"version"`
	UptimeS    int64          `json:"uptime_s"`
	ActiveJobs int64          `json:"active_jobs"`
	Jobs       map[string]int `json:"jobs,omitempty"`
}

type JobResponse struct {
	ID             string `json:"id"`
	RecordID       string `json:"record_id"`
	VideoPath      string `json:"video_path"`
	State          string `json:"state"`
	FailedStage    string `json:"failed_stage,omitempty"`
	Error          string `json:"error,omitempty"`
	FramesSampled  int    `json:"frames_sampled"`
	AssetsUploaded int    `json:"assets_uploaded"`
	Analysis       string `json:"analysis,omitempty"`
	DispatchStatus int    `json:"dispatch_status,omitempty"`
	CreatedAt      string `json:"created_at"`
	UpdatedAt      string `json:"updated_at"`
	CompletedAt    string `json:"completed_at,omitempty"`
}

type JobsResponse struct {
	Jobs []JobResponse `json:"jobs"`
}

type FramesResponse struct {
	JobID  string                `json:"job_id"`
	Frames []artifacts.FrameInfo `json:"frames"`
}

type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func JobToResponse(j *jobs.Job) JobResponse {
	resp := JobResponse{
		ID:             j.ID,
		RecordID:       j.RecordID,
		VideoPath:      j.VideoPath,
		State:          string(j.State),
		FailedStage:    string(j.FailedStage),
		Error:          j.Error,
		FramesSampled:  j.FramesSampled,
		AssetsUploaded: j.AssetsUploaded,
		Analysis:       j.Analysis,
		DispatchStatus: j.DispatchStatus,
		CreatedAt:      j.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      j.UpdatedAt.Format(time.RFC3339),
	}
	if j.CompletedAt != nil {
		resp.CompletedAt = j.CompletedAt.Format(time.RFC3339)
	}
	return resp
}

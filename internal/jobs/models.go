// Package jobs runs each accepted analysis request as a detached background
// task and keeps a ledger of every job's progress.
package jobs

import (
	"errors"
	"fmt"
	"time"
)

// State is a step in a job's lifecycle. Jobs move forward through the
// stages in order and end in Completed or Failed.
type State string

const (
	StateReceived    State = "received"
	StateSampling    State = "sampling"
	StateUploading   State = "uploading"
	StateAnalyzing   State = "analyzing"
	StateDispatching State = "dispatching"
	StateCompleted   State = "completed"
	StateFailed      State = "failed"
)

var stageOrder = map[State]int{
	StateReceived:    0,
	StateSampling:    1,
	StateUploading:   2,
	StateAnalyzing:   3,
	StateDispatching: 4,
	StateCompleted:   5,
}

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// CanTransition reports whether a job in s may enter next. Failed is
// reachable from every non-terminal state; otherwise only the following
// stage is.
func (s State) CanTransition(next State) bool {
	if s.Terminal() {
		return false
	}
	if next == StateFailed {
		return true
	}
	cur, ok1 := stageOrder[s]
	nxt, ok2 := stageOrder[next]
	return ok1 && ok2 && nxt == cur+1
}

var (
	ErrInvalidRequest    = errors.New("missing video_path or record_id")
	ErrInvalidTransition = errors.New("invalid job state transition")
)

// Request is what a caller submits.
type Request struct {
	VideoPath string
	RecordID  string
	Prompt    string
}

// Validate checks the required fields.
func (r Request) Validate() error {
	if r.VideoPath == "" || r.RecordID == "" {
		return ErrInvalidRequest
	}
	return nil
}

type Job struct {
	ID             string     `json:"id"`
	RecordID       string     `json:"record_id"`
	VideoPath      string     `json:"video_path"`
	Prompt         string     `json:"prompt,omitempty"`
	State          State      `json:"state"`
	FailedStage    State      `json:"failed_stage,omitempty"`
	Error          string     `json:"error,omitempty"`
	FramesSampled  int        `json:"frames_sampled"`
	AssetsUploaded int        `json:"assets_uploaded"`
	Analysis       string     `json:"analysis,omitempty"`
	DispatchStatus int        `json:"dispatch_status,omitempty"`
	CreatedAt      time.Time  `json:"created_at"`
	UpdatedAt      time.Time  `json:"updated_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty"`
}

// StageError ties a pipeline failure to the stage it happened in.
type StageError struct {
	Stage State
	Err   error
}

func (e *StageError) Error() string {
	return fmt.Sprintf("%s: %v", e.Stage, e.Err)
}

func (e *StageError) Unwrap() error {
	return e.Err
}

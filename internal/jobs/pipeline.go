package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/frameagent/frameagent/internal/analysis"
	"github.com/frameagent/frameagent/internal/artifacts"
	"github.com/frameagent/frameagent/internal/frames"
	"github.com/frameagent/frameagent/internal/logging"
	"github.com/frameagent/frameagent/internal/metrics"
	"github.com/frameagent/frameagent/internal/source"
	"github.com/frameagent/frameagent/internal/tracing"
	"github.com/frameagent/frameagent/internal/webhook"
)

const tracerName = "github.com/frameagent/frameagent/internal/jobs"

type Resolver interface {
	Resolve(ctx context.Context, ref, workDir string) (*source.Resolved, error)
}

type Sampler interface {
	Sample(ctx context.Context, videoPath, outDir string) ([]frames.Frame, error)
}

type Uploader interface {
	Upload(ctx context.Context, set []frames.Frame) ([]analysis.Asset, error)
}

type Requester interface {
	Request(ctx context.Context, prompt string, assets []analysis.Asset) (string, error)
}

type Dispatcher interface {
	Dispatch(ctx context.Context, recordID, analysis string) (int, error)
}

// PipelineConfig wires the stage collaborators.
type PipelineConfig struct {
	Resolver      Resolver
	Sampler       Sampler
	Uploader      Uploader
	Requester     Requester
	Dispatcher    Dispatcher
	Repo          Repository
	WorkDir       string // per-job scratch space is WorkDir/<job id>
	KeepArtifacts bool
	Logger        *slog.Logger
}

// Pipeline drives one job through sampling, uploading, analysis and dispatch.
type Pipeline struct {
	cfg    PipelineConfig
	tracer trace.Tracer
	logger *slog.Logger
}

func NewPipeline(cfg PipelineConfig) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		tracer: tracing.Tracer(tracerName),
		logger: logging.WithComponent(logging.OrDiscard(cfg.Logger), "pipeline"),
	}
}

// Run executes every stage in order. It returns a *StageError for the first
// stage that fails; the job is then recorded as failed and nothing later runs.
func (p *Pipeline) Run(ctx context.Context, job *Job) error {
	if job.State.Terminal() {
		return fmt.Errorf("%w: job %s is already %s", ErrInvalidTransition, job.ID, job.State)
	}
	logger := logging.WithJob(p.logger, job.ID, job.RecordID)

	ctx, span := p.tracer.Start(ctx, "job", trace.WithAttributes(
		attribute.String("job.id", job.ID),
		attribute.String("record.id", job.RecordID),
	))
	defer span.End()

	workDir := filepath.Join(p.cfg.WorkDir, job.ID)
	if !p.cfg.KeepArtifacts {
		defer func() {
			if err := os.RemoveAll(workDir); err != nil {
				logger.Warn("failed to remove work dir", "error", err)
			}
		}()
	}

	var (
		set        []frames.Frame
		assets     []analysis.Asset
		text       string
		dispatched int
	)

	err := p.stage(ctx, job, logger, StateSampling, func(ctx context.Context) error {
		resolved, err := p.cfg.Resolver.Resolve(ctx, job.VideoPath, workDir)
		if err != nil {
			return err
		}
		set, err = p.cfg.Sampler.Sample(ctx, resolved.Path, filepath.Join(workDir, artifacts.FrameDir))
		if err != nil {
			return err
		}
		metrics.FramesSampledTotal.Add(float64(len(set)))
		p.updateCounts(ctx, job, logger, len(set), 0)
		if len(set) == 0 {
			logger.Warn("video yielded no frames")
		}
		return nil
	})
	if err == nil {
		err = p.stage(ctx, job, logger, StateUploading, func(ctx context.Context) error {
			var err error
			assets, err = p.cfg.Uploader.Upload(ctx, set)
			if err != nil {
				return err
			}
			p.updateCounts(ctx, job, logger, len(set), len(assets))
			return nil
		})
	}
	if err == nil {
		err = p.stage(ctx, job, logger, StateAnalyzing, func(ctx context.Context) error {
			var err error
			text, err = p.cfg.Requester.Request(ctx, job.Prompt, assets)
			return err
		})
	}
	if err == nil {
		err = p.stage(ctx, job, logger, StateDispatching, func(ctx context.Context) error {
			var err error
			dispatched, err = p.cfg.Dispatcher.Dispatch(ctx, job.RecordID, text)
			recordDispatch(err)
			return err
		})
	}

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		p.fail(ctx, job, logger, err, dispatched)
		return err
	}

	job.Analysis = text
	job.DispatchStatus = dispatched
	p.enter(job, logger, StateCompleted)
	if err := p.cfg.Repo.CompleteJob(ctx, job.ID, text, dispatched); err != nil {
		logger.Error("failed to record job completion", "error", err)
	}
	logger.Info("job completed", "frames", len(set), "dispatch_status", dispatched)
	return nil
}

// stage moves the job into state, runs fn inside a span and times it.
func (p *Pipeline) stage(ctx context.Context, job *Job, logger *slog.Logger, state State, fn func(context.Context) error) error {
	if !job.State.CanTransition(state) {
		return &StageError{Stage: state, Err: fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, job.State, state)}
	}
	p.enter(job, logger, state)
	if err := p.cfg.Repo.UpdateJobState(ctx, job.ID, state); err != nil {
		logger.Warn("failed to record job state", "state", state, "error", err)
	}

	ctx, span := p.tracer.Start(ctx, string(state))
	defer span.End()

	start := time.Now()
	err := fn(ctx)
	elapsed := time.Since(start)
	metrics.StageDuration.WithLabelValues(string(state)).Observe(elapsed.Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return &StageError{Stage: state, Err: err}
	}
	logger.Debug("stage finished", "stage", state, "duration_ms", elapsed.Milliseconds())
	return nil
}

func (p *Pipeline) enter(job *Job, logger *slog.Logger, state State) {
	job.State = state
	job.UpdatedAt = time.Now().UTC()
	metrics.JobsTotal.WithLabelValues(string(state)).Inc()
	logger.Info("job state changed", "stage", state)
}

func (p *Pipeline) fail(ctx context.Context, job *Job, logger *slog.Logger, err error, dispatchStatus int) {
	stage := job.State
	var stageErr *StageError
	if errors.As(err, &stageErr) {
		stage = stageErr.Stage
	}

	job.FailedStage = stage
	job.Error = err.Error()
	job.DispatchStatus = dispatchStatus
	job.State = StateFailed
	job.UpdatedAt = time.Now().UTC()
	metrics.JobsTotal.WithLabelValues(string(StateFailed)).Inc()

	logger.Error("job failed", "stage", stage, "error", err)
	if rerr := p.cfg.Repo.FailJob(ctx, job.ID, stage, job.Error, dispatchStatus); rerr != nil {
		logger.Error("failed to record job failure", "error", rerr)
	}
}

func (p *Pipeline) updateCounts(ctx context.Context, job *Job, logger *slog.Logger, framesSampled, assetsUploaded int) {
	job.FramesSampled = framesSampled
	job.AssetsUploaded = assetsUploaded
	if err := p.cfg.Repo.UpdateJobCounts(ctx, job.ID, framesSampled, assetsUploaded); err != nil {
		logger.Warn("failed to record job counts", "error", err)
	}
}

func recordDispatch(err error) {
	var dispatchErr *webhook.DispatchError
	switch {
	case err == nil:
		metrics.DispatchTotal.WithLabelValues("ok").Inc()
	case errors.As(err, &dispatchErr):
		metrics.DispatchTotal.WithLabelValues("rejected").Inc()
	default:
		metrics.DispatchTotal.WithLabelValues("error").Inc()
	}
}

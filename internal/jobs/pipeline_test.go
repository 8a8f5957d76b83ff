package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"image"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/frameagent/frameagent/internal/analysis"
	"github.com/frameagent/frameagent/internal/artifacts"
	"github.com/frameagent/frameagent/internal/frames"
	"github.com/frameagent/frameagent/internal/source"
	"github.com/frameagent/frameagent/internal/webhook"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

// countingDecoder yields a fixed number of blank frames for any path.
type countingDecoder struct {
	total   int
	openErr error
	opened  []string
}

func (d *countingDecoder) Open(_ context.Context, path string) (frames.FrameReader, error) {
	d.opened = append(d.opened, path)
	if d.openErr != nil {
		return nil, d.openErr
	}
	return &countingReader{left: d.total}, nil
}

type countingReader struct {
	left int
}

func (r *countingReader) Next() (image.Image, error) {
	if r.left == 0 {
		return nil, io.EOF
	}
	r.left--
	return image.NewGray(image.Rect(0, 0, 2, 2)), nil
}

func (r *countingReader) Close() error { return nil }

// fakeGemini records uploads and generation calls.
type fakeGemini struct {
	mu      sync.Mutex
	uploads []string
	calls   [][]analysis.Part
	failOn  string
	genErr  error
	reply   string
}

func (g *fakeGemini) Upload(_ context.Context, name string, r io.Reader, mimeType string) (analysis.Asset, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if name == g.failOn {
		return analysis.Asset{}, errors.New("upload rejected")
	}
	g.uploads = append(g.uploads, name)
	return analysis.Asset{Name: "files/" + name, URI: "https://gen.example/" + name, MIMEType: mimeType}, nil
}

func (g *fakeGemini) Generate(_ context.Context, parts []analysis.Part) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls = append(g.calls, parts)
	if g.genErr != nil {
		return "", g.genErr
	}
	return g.reply, nil
}

type hookRecorder struct {
	status  int
	calls   atomic.Int32
	mu      sync.Mutex
	records []webhook.Record
}

func (h *hookRecorder) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	h.calls.Add(1)
	var rec webhook.Record
	json.NewDecoder(r.Body).Decode(&rec)
	h.mu.Lock()
	h.records = append(h.records, rec)
	h.mu.Unlock()
	w.WriteHeader(h.status)
}

type pipelineFixture struct {
	pipeline *Pipeline
	repo     *SQLiteRepository
	decoder  *countingDecoder
	gemini   *fakeGemini
	hook     *hookRecorder
	workDir  string
}

func newPipelineFixture(t *testing.T, totalFrames, stride, hookStatus int, keep bool) *pipelineFixture {
	t.Helper()
	_, repo := setupTestDB(t)

	f := &pipelineFixture{
		repo:    repo,
		decoder: &countingDecoder{total: totalFrames},
		gemini:  &fakeGemini{reply: "Keep your head still."},
		hook:    &hookRecorder{status: hookStatus},
		workDir: filepath.Join(t.TempDir(), "work"),
	}
	server := httptest.NewServer(f.hook)
	t.Cleanup(server.Close)

	sampler, err := frames.NewSampler(f.decoder, frames.SamplerConfig{Stride: stride, Logger: testLogger()})
	if err != nil {
		t.Fatalf("NewSampler() error = %v", err)
	}

	f.pipeline = NewPipeline(PipelineConfig{
		Resolver:      source.NewResolver(0, testLogger()),
		Sampler:       sampler,
		Uploader:      analysis.NewUploader(f.gemini, testLogger()),
		Requester:     analysis.NewRequester(f.gemini, "[END]", testLogger()),
		Dispatcher:    webhook.NewDispatcher(server.URL, 0, testLogger()),
		Repo:          repo,
		WorkDir:       f.workDir,
		KeepArtifacts: keep,
		Logger:        testLogger(),
	})
	return f
}

func (f *pipelineFixture) newJob(t *testing.T, videoPath string) *Job {
	t.Helper()
	job := &Job{ID: "job-" + t.Name(), RecordID: "recSWING", VideoPath: videoPath, Prompt: "Analyze this golf swing", State: StateReceived}
	if err := f.repo.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("CreateJob() error = %v", err)
	}
	return job
}

func TestPipeline_TwentyFiveFramesStrideTen(t *testing.T) {
	f := newPipelineFixture(t, 25, 10, http.StatusOK, false)
	job := f.newJob(t, "/videos/swing.mp4")

	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if job.State != StateCompleted {
		t.Errorf("State = %s, want completed", job.State)
	}

	wantUploads := []string{"frame_000000.jpg", "frame_000010.jpg", "frame_000020.jpg"}
	if len(f.gemini.uploads) != len(wantUploads) {
		t.Fatalf("uploads = %v, want %v", f.gemini.uploads, wantUploads)
	}
	for i, name := range wantUploads {
		if f.gemini.uploads[i] != name {
			t.Errorf("upload %d = %s, want %s", i, f.gemini.uploads[i], name)
		}
	}

	if len(f.gemini.calls) != 1 {
		t.Fatalf("generation calls = %d, want 1", len(f.gemini.calls))
	}
	parts := f.gemini.calls[0]
	if len(parts) != 5 {
		t.Fatalf("parts = %d, want prompt + 3 refs + end marker", len(parts))
	}
	if parts[0].Text != "Analyze this golf swing" || parts[4].Text != "[END]" {
		t.Errorf("text parts = %q ... %q", parts[0].Text, parts[4].Text)
	}
	for i, name := range wantUploads {
		if parts[i+1].Asset == nil || parts[i+1].Asset.URI != "https://gen.example/"+name {
			t.Errorf("part %d = %+v, want asset for %s", i+1, parts[i+1], name)
		}
	}

	if f.hook.calls.Load() != 1 {
		t.Fatalf("webhook calls = %d, want 1", f.hook.calls.Load())
	}
	if rec := f.hook.records[0]; rec.RecordID != "recSWING" || rec.Analysis != "Keep your head still." {
		t.Errorf("dispatched = %+v", rec)
	}

	stored, _ := f.repo.GetJob(context.Background(), job.ID)
	if stored.State != StateCompleted || stored.FramesSampled != 3 || stored.AssetsUploaded != 3 {
		t.Errorf("stored job = %+v", stored)
	}
	if stored.DispatchStatus != http.StatusOK {
		t.Errorf("DispatchStatus = %d, want 200", stored.DispatchStatus)
	}

	if _, err := os.Stat(filepath.Join(f.workDir, job.ID)); !os.IsNotExist(err) {
		t.Error("work dir not removed after job")
	}
}

func TestPipeline_DownloadFailureStopsBeforeUpload(t *testing.T) {
	f := newPipelineFixture(t, 25, 10, http.StatusOK, false)
	videoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	}))
	defer videoServer.Close()

	job := f.newJob(t, videoServer.URL+"/swing.mp4")
	err := f.pipeline.Run(context.Background(), job)

	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StateSampling {
		t.Fatalf("err = %v, want StageError at sampling", err)
	}
	var fetchErr *source.FetchError
	if !errors.As(err, &fetchErr) {
		t.Errorf("err = %v, want wrapped *source.FetchError", err)
	}
	if len(f.decoder.opened) != 0 {
		t.Errorf("decoder opened %v after failed download", f.decoder.opened)
	}
	if len(f.gemini.uploads) != 0 || len(f.gemini.calls) != 0 {
		t.Errorf("remote calls made after failed download: %d uploads, %d generations", len(f.gemini.uploads), len(f.gemini.calls))
	}
	if f.hook.calls.Load() != 0 {
		t.Errorf("webhook called %d times, want 0", f.hook.calls.Load())
	}

	stored, _ := f.repo.GetJob(context.Background(), job.ID)
	if stored.State != StateFailed || stored.FailedStage != StateSampling {
		t.Errorf("stored job = %s at %s, want failed at sampling", stored.State, stored.FailedStage)
	}
}

func TestPipeline_DownloadsRemoteVideo(t *testing.T) {
	f := newPipelineFixture(t, 3, 1, http.StatusOK, false)
	videoServer := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("video-bytes"))
	}))
	defer videoServer.Close()

	job := f.newJob(t, videoServer.URL+"/swing.mp4")
	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	want := filepath.Join(f.workDir, job.ID, "source.mp4")
	if len(f.decoder.opened) != 1 || f.decoder.opened[0] != want {
		t.Errorf("decoder opened %v, want %s", f.decoder.opened, want)
	}
}

func TestPipeline_UploadFailureSkipsAnalysisAndDispatch(t *testing.T) {
	f := newPipelineFixture(t, 25, 10, http.StatusOK, false)
	f.gemini.failOn = "frame_000010.jpg"
	job := f.newJob(t, "/videos/swing.mp4")

	err := f.pipeline.Run(context.Background(), job)
	var uploadErr *analysis.UploadError
	if !errors.As(err, &uploadErr) || uploadErr.FrameIndex != 10 {
		t.Fatalf("err = %v, want UploadError for frame 10", err)
	}
	if len(f.gemini.calls) != 0 {
		t.Errorf("generation called after upload failure")
	}
	if f.hook.calls.Load() != 0 {
		t.Errorf("webhook called after upload failure")
	}
	if job.State != StateFailed || job.FailedStage != StateUploading {
		t.Errorf("job = %s at %s, want failed at uploading", job.State, job.FailedStage)
	}
}

func TestPipeline_GenerationFailureSkipsDispatch(t *testing.T) {
	tests := []struct {
		name    string
		genErr  error
		reply   string
		wantErr error
	}{
		{"remote error", errors.New("quota exceeded"), "", nil},
		{"empty response", nil, "  \n", analysis.ErrEmptyResponse},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newPipelineFixture(t, 25, 10, http.StatusOK, false)
			f.gemini.genErr = tt.genErr
			f.gemini.reply = tt.reply
			job := f.newJob(t, "/videos/swing.mp4")

			err := f.pipeline.Run(context.Background(), job)
			var reqErr *analysis.RequestError
			if !errors.As(err, &reqErr) {
				t.Fatalf("err = %v, want *analysis.RequestError", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("err = %v, want wrapped %v", err, tt.wantErr)
			}
			if len(f.gemini.uploads) != 3 || len(f.gemini.calls) != 1 {
				t.Errorf("uploads = %d, generations = %d, want 3 and 1", len(f.gemini.uploads), len(f.gemini.calls))
			}
			if f.hook.calls.Load() != 0 {
				t.Errorf("webhook called %d times after analysis failure, want 0", f.hook.calls.Load())
			}

			stored, _ := f.repo.GetJob(context.Background(), job.ID)
			if stored.State != StateFailed || stored.FailedStage != StateAnalyzing {
				t.Errorf("stored job = %s at %s, want failed at analyzing", stored.State, stored.FailedStage)
			}
			if stored.Analysis != "" || stored.DispatchStatus != 0 {
				t.Errorf("stored analysis = %q, dispatch = %d, want none", stored.Analysis, stored.DispatchStatus)
			}
		})
	}
}

func TestPipeline_ZeroFrames(t *testing.T) {
	f := newPipelineFixture(t, 0, 10, http.StatusOK, false)
	job := f.newJob(t, "/videos/empty.mp4")

	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}
	if len(f.gemini.uploads) != 0 {
		t.Errorf("uploads = %v, want none", f.gemini.uploads)
	}
	if len(f.gemini.calls) != 1 {
		t.Fatalf("generation calls = %d, want 1", len(f.gemini.calls))
	}
	if parts := f.gemini.calls[0]; len(parts) != 2 || parts[0].Asset != nil || parts[1].Text != "[END]" {
		t.Errorf("parts = %+v, want prompt and end marker only", parts)
	}
	if f.hook.calls.Load() != 1 {
		t.Errorf("webhook calls = %d, want 1", f.hook.calls.Load())
	}

	stored, _ := f.repo.GetJob(context.Background(), job.ID)
	if stored.State != StateCompleted || stored.FramesSampled != 0 || stored.AssetsUploaded != 0 {
		t.Errorf("stored job = %+v", stored)
	}
}

func TestPipeline_OpenFailure(t *testing.T) {
	f := newPipelineFixture(t, 25, 10, http.StatusOK, false)
	f.decoder.openErr = errors.New("moov atom not found")
	job := f.newJob(t, "/videos/corrupt.mp4")

	err := f.pipeline.Run(context.Background(), job)
	var stageErr *StageError
	if !errors.As(err, &stageErr) || stageErr.Stage != StateSampling {
		t.Fatalf("err = %v, want StageError at sampling", err)
	}
	if !errors.Is(err, frames.ErrOpen) {
		t.Errorf("err = %v, want wrapped frames.ErrOpen", err)
	}
	if len(f.gemini.uploads) != 0 || len(f.gemini.calls) != 0 || f.hook.calls.Load() != 0 {
		t.Error("remote calls made after open failure")
	}

	stored, _ := f.repo.GetJob(context.Background(), job.ID)
	if stored.State != StateFailed || stored.FailedStage != StateSampling {
		t.Errorf("stored job = %s at %s, want failed at sampling", stored.State, stored.FailedStage)
	}
	if stored.Error == "" {
		t.Error("stored job has no error text")
	}
}

func TestPipeline_WebhookRejection(t *testing.T) {
	f := newPipelineFixture(t, 5, 10, http.StatusInternalServerError, false)
	job := f.newJob(t, "/videos/swing.mp4")

	err := f.pipeline.Run(context.Background(), job)
	var dispatchErr *webhook.DispatchError
	if !errors.As(err, &dispatchErr) {
		t.Fatalf("err = %v, want *webhook.DispatchError", err)
	}
	if f.hook.calls.Load() != 1 {
		t.Errorf("webhook calls = %d, want exactly 1", f.hook.calls.Load())
	}

	stored, _ := f.repo.GetJob(context.Background(), job.ID)
	if stored.State != StateFailed || stored.FailedStage != StateDispatching {
		t.Errorf("stored job = %s at %s", stored.State, stored.FailedStage)
	}
	if stored.DispatchStatus != http.StatusInternalServerError {
		t.Errorf("DispatchStatus = %d, want 500", stored.DispatchStatus)
	}
}

func TestPipeline_KeepArtifacts(t *testing.T) {
	f := newPipelineFixture(t, 25, 10, http.StatusOK, true)
	job := f.newJob(t, "/videos/swing.mp4")

	if err := f.pipeline.Run(context.Background(), job); err != nil {
		t.Fatalf("Run() error = %v", err)
	}

	listed, err := frames.List(filepath.Join(f.workDir, job.ID, artifacts.FrameDir))
	if err != nil {
		t.Fatalf("List() error = %v", err)
	}
	if len(listed) != 3 {
		t.Errorf("kept %d frames, want 3", len(listed))
	}
}

func TestPipeline_RejectsReentry(t *testing.T) {
	f := newPipelineFixture(t, 5, 1, http.StatusOK, false)
	job := f.newJob(t, "/videos/swing.mp4")
	job.State = StateCompleted

	err := f.pipeline.Run(context.Background(), job)
	if !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("err = %v, want ErrInvalidTransition", err)
	}
	if len(f.decoder.opened) != 0 || f.hook.calls.Load() != 0 {
		t.Error("stages ran for a finished job")
	}
}

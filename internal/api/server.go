package api

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/frameagent/frameagent/internal/artifacts"
	"github.com/frameagent/frameagent/internal/jobs"
)

// Submitter starts background jobs.
type Submitter interface {
	Submit(ctx context.Context, req jobs.Request) (*jobs.Task, error)
	Active() int64
}

// JobStore is the read side of the job ledger.
type JobStore interface {
	GetJob(ctx context.Context, id string) (*jobs.Job, error)
	ListJobs(ctx context.Context, limit int) ([]*jobs.Job, error)
	CountJobsByState(ctx context.Context) (map[jobs.State]int, error)
}

// ArtifactStore serves frames kept on disk after a job finishes.
type ArtifactStore interface {
	ListFrames(jobID string) ([]artifacts.FrameInfo, error)
	ServeFrame(w http.ResponseWriter, r *http.Request, jobID, name string) error
}

type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
}

type ServerConfig struct {
	BindAddr       string
	Port           int
	Submitter      Submitter
	Jobs           JobStore
	DefaultPrompt  string
	Artifacts      ArtifactStore // nil disables the frame routes
	MetricsHandler http.Handler  // nil disables /metrics
	Logger         *slog.Logger
	StartTime      time.Time
	Version        string
}

func NewServer(cfg ServerConfig) *Server {
	router := NewRouter(cfg)

	addr := net.JoinHostPort(cfg.BindAddr, strconv.Itoa(cfg.Port))
	if cfg.BindAddr == "" {
		addr = fmt.Sprintf(":%d", cfg.Port)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      router,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 30 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		logger: cfg.Logger,
	}
}

func (s *Server) Start() error {
	s.logger.Info("starting HTTP server", "addr", s.httpServer.Addr)
	err := s.httpServer.ListenAndServe()
	if err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) Addr() string {
	return s.httpServer.Addr
}

// Package config provides configuration management for the frame analysis agent.
// Configuration is loaded from environment variables with sensible defaults.
// Credentials for the generation service and the notification webhook are
// required; New fails when either is missing.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

const (
	// Default values
	DefaultPort      = 10000
	DefaultLogLevel  = "info"
	DefaultDataDir   = ".frameagent"
	DefaultModel     = "gemini-1.5-flash"
	DefaultStride    = 10
	DefaultEndMarker = "[END]\n\nHere is the golf swing video"

	// Environment variable names
	EnvPort            = "PORT"
	EnvLogLevel        = "LOG_LEVEL"
	EnvDataDir         = "DATA_DIR"
	EnvGeminiAPIKey    = "GEMINI_API_KEY"
	EnvWebhookURL      = "WEBHOOK_URL"
	EnvAirtableWebhook = "AIRTABLE_WEBHOOK"
	EnvStride          = "SAMPLER_STRIDE"
	EnvJPEGQuality     = "SAMPLER_JPEG_QUALITY"
	EnvEndMarker       = "ANALYSIS_END_MARKER"
	EnvMaxConcurrent   = "MAX_CONCURRENT_JOBS"

	// Database filename
	DBFilename = "frameagent.db"
)

var (
	ErrMissingAPIKey  = errors.New(EnvGeminiAPIKey + " is required")
	ErrMissingWebhook = errors.New(EnvWebhookURL + " (or " + EnvAirtableWebhook + ") is required")
)

// Config defines the application configuration interface
type Config interface {
	Port() int
	BindAddr() string
	LogLevel() string
	LogFormat() string
	DataDir() string
	DBPath() string
	WorkDir() string
	GeminiAPIKey() string
	GeminiModel() string
	WebhookURL() string
	SamplerStride() int
	JPEGQuality() int
	EndMarker() string
	DefaultPrompt() string
	MaxConcurrentJobs() int
	HTTPTimeout() time.Duration
	FFmpegPath() string
	FFprobePath() string
	KeepArtifacts() bool
	OTLPEndpoint() string
}

type settings struct {
	Port      int    `env:"PORT" envDefault:"10000"`
	BindAddr  string `env:"BIND_ADDR" envDefault:"0.0.0.0"`
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	DataDir   string `env:"DATA_DIR"`

	GeminiAPIKey    string `env:"GEMINI_API_KEY"`
	GeminiModel     string `env:"GEMINI_MODEL" envDefault:"gemini-1.5-flash"`
	WebhookURL      string `env:"WEBHOOK_URL"`
	AirtableWebhook string `env:"AIRTABLE_WEBHOOK"`

	Stride        int    `env:"SAMPLER_STRIDE" envDefault:"10"`
	JPEGQuality   int    `env:"SAMPLER_JPEG_QUALITY" envDefault:"90"`
	EndMarker     string `env:"ANALYSIS_END_MARKER"`
	DefaultPrompt string `env:"DEFAULT_PROMPT"`

	MaxConcurrentJobs int           `env:"MAX_CONCURRENT_JOBS" envDefault:"0"`
	HTTPTimeout       time.Duration `env:"HTTP_TIMEOUT" envDefault:"0s"`
	FFmpegPath        string        `env:"FFMPEG_PATH"`
	FFprobePath       string        `env:"FFPROBE_PATH"`
	KeepArtifacts     bool          `env:"KEEP_ARTIFACTS" envDefault:"false"`
	OTLPEndpoint      string        `env:"OTEL_EXPORTER_OTLP_ENDPOINT"`
}

// EnvConfig reads configuration from environment variables
type EnvConfig struct {
	s settings
}

// LoadDotEnv loads KEY=VALUE pairs from the given files into the process
// environment without overriding variables that are already set. Missing files
// are ignored.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// New creates a new EnvConfig with defaults and environment variable overrides
func New() (*EnvConfig, error) {
	var s settings
	if err := env.Parse(&s); err != nil {
		return nil, fmt.Errorf("parse environment: %w", err)
	}

	if s.Port < 1 || s.Port > 65535 {
		return nil, fmt.Errorf("invalid %s: port must be between 1 and 65535", EnvPort)
	}
	if s.Stride < 1 {
		return nil, fmt.Errorf("invalid %s: stride must be at least 1", EnvStride)
	}
	if s.JPEGQuality < 1 || s.JPEGQuality > 100 {
		return nil, fmt.Errorf("invalid %s: quality must be between 1 and 100", EnvJPEGQuality)
	}
	if s.MaxConcurrentJobs < 0 {
		return nil, fmt.Errorf("invalid %s: must not be negative", EnvMaxConcurrent)
	}

	if s.WebhookURL == "" {
		s.WebhookURL = s.AirtableWebhook
	}
	if s.GeminiAPIKey == "" {
		return nil, ErrMissingAPIKey
	}
	if s.WebhookURL == "" {
		return nil, ErrMissingWebhook
	}

	if s.DataDir == "" {
		s.DataDir = defaultDataDir()
	}

	// An explicitly empty marker is allowed, so only fall back when unset.
	if _, ok := os.LookupEnv(EnvEndMarker); !ok {
		s.EndMarker = DefaultEndMarker
	}

	return &EnvConfig{s: s}, nil
}

// Port returns the HTTP server port
func (c *EnvConfig) Port() int {
	return c.s.Port
}

// BindAddr returns the interface the HTTP server listens on
func (c *EnvConfig) BindAddr() string {
	return c.s.BindAddr
}

// LogLevel returns the log level (debug, info, warn, error)
func (c *EnvConfig) LogLevel() string {
	return c.s.LogLevel
}

// LogFormat returns "json" or "text"
func (c *EnvConfig) LogFormat() string {
	return c.s.LogFormat
}

// DataDir returns the data directory path
func (c *EnvConfig) DataDir() string {
	return c.s.DataDir
}

// DBPath returns the full path to the SQLite job ledger
func (c *EnvConfig) DBPath() string {
	return filepath.Join(c.s.DataDir, DBFilename)
}

// WorkDir returns the parent directory for per-job scratch space
func (c *EnvConfig) WorkDir() string {
	return filepath.Join(c.s.DataDir, "work")
}

func (c *EnvConfig) GeminiAPIKey() string {
	return c.s.GeminiAPIKey
}

func (c *EnvConfig) GeminiModel() string {
	return c.s.GeminiModel
}

func (c *EnvConfig) WebhookURL() string {
	return c.s.WebhookURL
}

// SamplerStride returns the raw-frame interval between retained frames
func (c *EnvConfig) SamplerStride() int {
	return c.s.Stride
}

func (c *EnvConfig) JPEGQuality() int {
	return c.s.JPEGQuality
}

// EndMarker returns the text appended after the frame references
func (c *EnvConfig) EndMarker() string {
	return c.s.EndMarker
}

// DefaultPrompt is used when a request carries no custom prompt
func (c *EnvConfig) DefaultPrompt() string {
	return c.s.DefaultPrompt
}

// MaxConcurrentJobs returns the in-flight job bound; 0 means unbounded
func (c *EnvConfig) MaxConcurrentJobs() int {
	return c.s.MaxConcurrentJobs
}

// HTTPTimeout returns the client timeout for downloads and webhooks; 0 means none
func (c *EnvConfig) HTTPTimeout() time.Duration {
	return c.s.HTTPTimeout
}

func (c *EnvConfig) FFmpegPath() string {
	return c.s.FFmpegPath
}

func (c *EnvConfig) FFprobePath() string {
	return c.s.FFprobePath
}

// KeepArtifacts reports whether per-job work directories survive the job
func (c *EnvConfig) KeepArtifacts() bool {
	return c.s.KeepArtifacts
}

func (c *EnvConfig) OTLPEndpoint() string {
	return c.s.OTLPEndpoint
}

// defaultDataDir returns the default data directory path
func defaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		// Fallback to current directory if home is not available
		return DefaultDataDir
	}
	return filepath.Join(home, DefaultDataDir)
}

// Version information (set at build time via ldflags)
var (
	Version   = "0.1.0"
	BuildTime = "unknown"
	GitCommit = "unknown"
)

// Package source turns a caller's video reference into a local file.
// Local paths are used in place; http and https URLs are downloaded.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/frameagent/frameagent/internal/logging"
)

const defaultDownloadName = "source.mp4"

// Resolved is a video reference made available on the local filesystem.
type Resolved struct {
	Origin     string // reference as supplied by the caller
	Path       string // local file to decode
	Downloaded bool   // Path lives in the work directory and is owned by the job
}

// FetchError reports a failed download of a remote video.
type FetchError struct {
	URL        string
	StatusCode int // 0 when no response was received
	Err        error
}

// Error omits everything but scheme and host of the URL; the message ends up
// in logs and the job ledger.
func (e *FetchError) Error() string {
	where := logging.SanitizeURL(e.URL)
	if e.StatusCode != 0 {
		return fmt.Sprintf("fetch %s: HTTP %d", where, e.StatusCode)
	}
	cause := e.Err
	var urlErr *url.Error
	if errors.As(cause, &urlErr) {
		cause = urlErr.Err
	}
	return fmt.Sprintf("fetch %s: %v", where, cause)
}

func (e *FetchError) Unwrap() error {
	return e.Err
}

// Resolver resolves video references.
type Resolver struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// NewResolver creates a resolver. A zero timeout means downloads are not
// time-limited.
func NewResolver(timeout time.Duration, logger *slog.Logger) *Resolver {
	return &Resolver{
		httpClient: &http.Client{Timeout: timeout},
		logger:     logging.WithComponent(logging.OrDiscard(logger), "source"),
	}
}

// IsRemote reports whether ref is an http or https URL.
func IsRemote(ref string) bool {
	u, err := url.Parse(ref)
	if err != nil {
		return false
	}
	scheme := strings.ToLower(u.Scheme)
	return (scheme == "http" || scheme == "https") && u.Host != ""
}

// Resolve returns a local file for ref. Remote references are fetched with a
// single GET into workDir; any non-2xx response is a *FetchError. Local
// references are returned unchanged and checked only by the decoder.
func (r *Resolver) Resolve(ctx context.Context, ref, workDir string) (*Resolved, error) {
	if !IsRemote(ref) {
		return &Resolved{Origin: ref, Path: ref}, nil
	}

	if err := os.MkdirAll(workDir, 0755); err != nil {
		return nil, fmt.Errorf("create work dir: %w", err)
	}
	dest := filepath.Join(workDir, downloadName(ref))

	start := time.Now()
	n, err := r.download(ctx, ref, dest)
	if err != nil {
		os.Remove(dest)
		return nil, err
	}

	r.logger.Info("video downloaded",
		"host", logging.SanitizeURL(ref),
		"bytes", n,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return &Resolved{Origin: ref, Path: dest, Downloaded: true}, nil
}

func (r *Resolver) download(ctx context.Context, ref, dest string) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return 0, &FetchError{URL: ref, Err: err}
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return 0, &FetchError{URL: ref, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return 0, &FetchError{URL: ref, StatusCode: resp.StatusCode}
	}

	f, err := os.Create(dest)
	if err != nil {
		return 0, fmt.Errorf("create download file: %w", err)
	}
	n, err := io.Copy(f, resp.Body)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return n, &FetchError{URL: ref, Err: err}
	}
	return n, nil
}

// downloadName keeps the URL's file extension so the decoder can use it as a
// container hint.
func downloadName(ref string) string {
	u, err := url.Parse(ref)
	if err != nil {
		return defaultDownloadName
	}
	ext := strings.ToLower(path.Ext(u.Path))
	if ext == "" || len(ext) > 6 {
		return defaultDownloadName
	}
	return "source" + ext
}

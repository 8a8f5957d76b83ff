// Package artifacts exposes the frames a job left on disk when work
// directories are kept after completion.
package artifacts

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/frameagent/frameagent/internal/frames"
	"github.com/frameagent/frameagent/internal/logging"
)

// ErrNotFound is returned for unknown jobs, removed work directories and
// names that are not frame artifacts.
var ErrNotFound = errors.New("artifact not found")

// FrameDir is the subdirectory of a job work directory holding its frames.
const FrameDir = "frames"

type FrameInfo struct {
	Name  string `json:"name"`
	Index int    `json:"index"`
	Size  int64  `json:"size"`
}

// Store reads frame artifacts below the shared work directory.
type Store struct {
	root   string
	logger *slog.Logger
}

func NewStore(workDir string, logger *slog.Logger) *Store {
	return &Store{
		root:   workDir,
		logger: logging.WithComponent(logging.OrDiscard(logger), "artifacts"),
	}
}

// frameDir maps a job id to its frame directory. Only UUID job ids are
// accepted so the id can never escape the work directory.
func (s *Store) frameDir(jobID string) (string, error) {
	if _, err := uuid.Parse(jobID); err != nil {
		return "", ErrNotFound
	}
	return filepath.Join(s.root, jobID, FrameDir), nil
}

// ListFrames returns the frames kept for a job in temporal order.
func (s *Store) ListFrames(jobID string) ([]FrameInfo, error) {
	dir, err := s.frameDir(jobID)
	if err != nil {
		return nil, err
	}
	entries, err := frames.Entries(dir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	out := make([]FrameInfo, 0, len(entries))
	for _, e := range entries {
		out = append(out, FrameInfo{Name: e.Name, Index: e.Index, Size: e.Size})
	}
	return out, nil
}

// ServeFrame writes one frame JPEG to w, honoring a single byte range.
func (s *Store) ServeFrame(w http.ResponseWriter, r *http.Request, jobID, name string) error {
	dir, err := s.frameDir(jobID)
	if err != nil {
		return err
	}
	if !frames.IsName(name) {
		return ErrNotFound
	}

	file, err := os.Open(filepath.Join(dir, name))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to open frame: %w", err)
	}
	defer file.Close()

	stat, err := file.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat frame: %w", err)
	}
	size := stat.Size()

	w.Header().Set("Accept-Ranges", "bytes")
	w.Header().Set("Content-Type", "image/jpeg")

	br, err := ParseRange(r.Header.Get("Range"), size)
	switch {
	case errors.Is(err, ErrUnsatisfiable):
		w.Header().Set("Content-Range", fmt.Sprintf("bytes */%d", size))
		w.WriteHeader(http.StatusRequestedRangeNotSatisfiable)
		return nil
	case err != nil:
		// Malformed ranges fall back to the whole file.
		br = nil
	}

	if br == nil {
		w.Header().Set("Content-Length", strconv.FormatInt(size, 10))
		w.WriteHeader(http.StatusOK)
		if _, err := io.Copy(w, file); err != nil {
			s.logger.Debug("frame copy interrupted", "job_id", jobID, "name", name, "error", err)
		}
		return nil
	}

	if _, err := file.Seek(br.Start, io.SeekStart); err != nil {
		return fmt.Errorf("failed to seek: %w", err)
	}
	w.Header().Set("Content-Length", strconv.FormatInt(br.Length(), 10))
	w.Header().Set("Content-Range", br.ContentRange(size))
	w.WriteHeader(http.StatusPartialContent)
	if _, err := io.CopyN(w, file, br.Length()); err != nil {
		s.logger.Debug("frame copy interrupted", "job_id", jobID, "name", name, "error", err)
	}
	return nil
}

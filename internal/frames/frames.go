// Package frames selects still images from a decoded video stream at a fixed
// stride and names them with zero-padded stream positions.
package frames

import (
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
)

var (
	// ErrOpen is returned when a video source cannot be opened for decoding.
	ErrOpen = errors.New("cannot open video source")
	// ErrInvalidStride is returned for a stride below 1.
	ErrInvalidStride = errors.New("stride must be at least 1")
)

// FrameReader yields decoded frames in stream order. Next returns io.EOF once
// the stream is exhausted.
type FrameReader interface {
	Next() (image.Image, error)
	Close() error
}

// Decoder opens a video file for sequential frame decoding.
type Decoder interface {
	Open(ctx context.Context, path string) (FrameReader, error)
}

// Frame is one sampled still image.
type Frame struct {
	// Index is the zero-based position in the raw decoded stream.
	Index int
	// Path is set when the frame was written to disk.
	Path string
	// Data holds the JPEG-encoded image.
	Data []byte
}

// Name returns the artifact filename for the frame.
func (f Frame) Name() string {
	return Name(f.Index)
}

// Name returns the zero-padded artifact filename for a stream position.
// Names sort temporally below position 1,000,000; use Entries for ordering.
func Name(index int) string {
	return fmt.Sprintf("frame_%06d.jpg", index)
}

var namePattern = regexp.MustCompile(`^frame_(\d+)\.jpg$`)

// IsName reports whether name is a frame artifact filename.
func IsName(name string) bool {
	return namePattern.MatchString(name)
}

// Entry describes a frame artifact on disk without loading it.
type Entry struct {
	Index int
	Name  string
	Path  string
	Size  int64
}

// Entries returns the frame artifacts in dir ordered by stream position.
// Files not matching the frame naming pattern are ignored. Ordering uses the
// parsed position, so positions past the zero-padded width still list in
// temporal order.
func Entries(dir string) ([]Entry, error) {
	dirents, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("list frames: %w", err)
	}

	out := make([]Entry, 0, len(dirents))
	for _, e := range dirents {
		if e.IsDir() {
			continue
		}
		m := namePattern.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		idx, err := strconv.Atoi(m[1])
		if err != nil {
			return nil, fmt.Errorf("parse frame name %s: %w", e.Name(), err)
		}
		info, err := e.Info()
		if err != nil {
			return nil, fmt.Errorf("stat frame %s: %w", e.Name(), err)
		}
		out = append(out, Entry{
			Index: idx,
			Name:  e.Name(),
			Path:  filepath.Join(dir, e.Name()),
			Size:  info.Size(),
		})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Index != out[j].Index {
			return out[i].Index < out[j].Index
		}
		return out[i].Name < out[j].Name
	})
	return out, nil
}

// List returns the frames materialized in dir in temporal order, with their
// data read from disk.
func List(dir string) ([]Frame, error) {
	entries, err := Entries(dir)
	if err != nil {
		return nil, err
	}

	out := make([]Frame, 0, len(entries))
	for _, e := range entries {
		data, err := os.ReadFile(e.Path)
		if err != nil {
			return nil, fmt.Errorf("read frame %s: %w", e.Name, err)
		}
		out = append(out, Frame{Index: e.Index, Path: e.Path, Data: data})
	}
	return out, nil
}

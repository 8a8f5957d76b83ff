package frames

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image/jpeg"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/frameagent/frameagent/internal/logging"
)

const DefaultQuality = 90

// SamplerConfig holds the sampler's settings.
type SamplerConfig struct {
	Stride  int // keep every Stride-th frame starting at 0
	Quality int // JPEG quality 1-100; 0 means DefaultQuality
	Logger  *slog.Logger
}

// Sampler picks every Nth frame of a decoded stream.
type Sampler struct {
	decoder Decoder
	stride  int
	quality int
	logger  *slog.Logger
}

func NewSampler(decoder Decoder, cfg SamplerConfig) (*Sampler, error) {
	if cfg.Stride < 1 {
		return nil, fmt.Errorf("%w: got %d", ErrInvalidStride, cfg.Stride)
	}
	quality := cfg.Quality
	if quality == 0 {
		quality = DefaultQuality
	}
	if quality < 1 || quality > 100 {
		return nil, fmt.Errorf("jpeg quality must be between 1 and 100, got %d", quality)
	}
	return &Sampler{
		decoder: decoder,
		stride:  cfg.Stride,
		quality: quality,
		logger:  logging.WithComponent(logging.OrDiscard(cfg.Logger), "sampler"),
	}, nil
}

func (s *Sampler) Stride() int {
	return s.stride
}

// Sample decodes videoPath and returns the frames at positions 0, N, 2N, ...
// When outDir is non-empty each frame is also written there as a JPEG file.
// A video with no decodable frames yields an empty slice and no error.
func (s *Sampler) Sample(ctx context.Context, videoPath, outDir string) ([]Frame, error) {
	if outDir != "" {
		if err := os.MkdirAll(outDir, 0755); err != nil {
			return nil, fmt.Errorf("create frame dir: %w", err)
		}
	}

	reader, err := s.decoder.Open(ctx, videoPath)
	if err != nil {
		if errors.Is(err, ErrOpen) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", ErrOpen, err)
	}
	defer reader.Close()

	start := time.Now()
	var out []Frame
	position := 0
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		img, err := reader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode frame %d: %w", position, err)
		}

		if position%s.stride == 0 {
			var buf bytes.Buffer
			if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: s.quality}); err != nil {
				return nil, fmt.Errorf("encode frame %d: %w", position, err)
			}
			f := Frame{Index: position, Data: buf.Bytes()}
			if outDir != "" {
				f.Path = filepath.Join(outDir, f.Name())
				if err := os.WriteFile(f.Path, f.Data, 0644); err != nil {
					return nil, fmt.Errorf("write frame %d: %w", position, err)
				}
			}
			out = append(out, f)
		}
		position++
	}

	s.logger.Debug("sampling complete",
		"decoded", position,
		"sampled", len(out),
		"stride", s.stride,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	if out == nil {
		out = []Frame{}
	}
	return out, nil
}

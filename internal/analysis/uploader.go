package analysis

import (
	"bytes"
	"context"
	"log/slog"
	"time"

	"github.com/frameagent/frameagent/internal/frames"
	"github.com/frameagent/frameagent/internal/logging"
)

// Uploader registers frames with the generation service one at a time.
type Uploader struct {
	svc    Service
	logger *slog.Logger
}

func NewUploader(svc Service, logger *slog.Logger) *Uploader {
	return &Uploader{
		svc:    svc,
		logger: logging.WithComponent(logging.OrDiscard(logger), "uploader"),
	}
}

// Upload sends each frame in order and returns the assets in the same order.
// The first failure aborts the sequence and no assets are returned.
func (u *Uploader) Upload(ctx context.Context, set []frames.Frame) ([]Asset, error) {
	start := time.Now()
	assets := make([]Asset, 0, len(set))
	for _, f := range set {
		if err := ctx.Err(); err != nil {
			return nil, &UploadError{FrameIndex: f.Index, Err: err}
		}

		asset, err := u.svc.Upload(ctx, f.Name(), bytes.NewReader(f.Data), JPEGMimeType)
		if err != nil {
			u.logger.Warn("frame upload failed", "frame", f.Index, "error", err)
			return nil, &UploadError{FrameIndex: f.Index, Err: err}
		}
		asset.FrameIndex = f.Index
		if asset.MIMEType == "" {
			asset.MIMEType = JPEGMimeType
		}
		assets = append(assets, asset)
	}

	u.logger.Debug("frames uploaded",
		"count", len(assets),
		"duration_ms", time.Since(start).Milliseconds(),
	)
	return assets, nil
}

package analysis

import (
	"context"
	"log/slog"
	"strings"

	"github.com/frameagent/frameagent/internal/logging"
)

// Requester issues the single generation call for a job.
type Requester struct {
	svc       Service
	endMarker string
	logger    *slog.Logger
}

func NewRequester(svc Service, endMarker string, logger *slog.Logger) *Requester {
	return &Requester{
		svc:       svc,
		endMarker: endMarker,
		logger:    logging.WithComponent(logging.OrDiscard(logger), "requester"),
	}
}

// Parts builds the request body: prompt, assets in order, end marker. Empty
// text parts are left out.
func (r *Requester) Parts(prompt string, assets []Asset) []Part {
	parts := make([]Part, 0, len(assets)+2)
	if prompt != "" {
		parts = append(parts, Part{Text: prompt})
	}
	for i := range assets {
		parts = append(parts, Part{Asset: &assets[i]})
	}
	if r.endMarker != "" {
		parts = append(parts, Part{Text: r.endMarker})
	}
	return parts
}

// Request returns the generated text or a *RequestError.
func (r *Requester) Request(ctx context.Context, prompt string, assets []Asset) (string, error) {
	parts := r.Parts(prompt, assets)

	text, err := r.svc.Generate(ctx, parts)
	if err != nil {
		return "", &RequestError{Err: err}
	}
	if strings.TrimSpace(text) == "" {
		return "", &RequestError{Err: ErrEmptyResponse}
	}

	r.logger.Debug("analysis received", "parts", len(parts), "chars", len(text))
	return text, nil
}

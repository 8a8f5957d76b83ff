// Package analysis registers sampled frames with a multimodal generation
// service and asks it for a single analysis of the whole sequence.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"io"
)

const JPEGMimeType = "image/jpeg"

// ErrEmptyResponse is wrapped by RequestError when generation returns no text.
var ErrEmptyResponse = errors.New("generation returned no text")

// Asset is the service-side reference for one uploaded frame.
type Asset struct {
	Name       string // service resource name
	URI        string
	MIMEType   string
	FrameIndex int // stream position of the source frame
}

// Part is one element of a generation request: either text or an asset.
type Part struct {
	Text  string
	Asset *Asset
}

// Service is the remote generation collaborator.
type Service interface {
	Upload(ctx context.Context, displayName string, r io.Reader, mimeType string) (Asset, error)
	Generate(ctx context.Context, parts []Part) (string, error)
}

// UploadError reports the frame whose upload failed.
type UploadError struct {
	FrameIndex int
	Err        error
}

func (e *UploadError) Error() string {
	return fmt.Sprintf("upload frame %d: %v", e.FrameIndex, e.Err)
}

func (e *UploadError) Unwrap() error {
	return e.Err
}

// RequestError reports a failed generation call.
type RequestError struct {
	Err error
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("analysis request failed: %v", e.Err)
}

func (e *RequestError) Unwrap() error {
	return e.Err
}

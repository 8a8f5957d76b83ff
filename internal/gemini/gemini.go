// Package gemini implements analysis.Service on the Gemini API.
package gemini

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"google.golang.org/api/option"

	"github.com/frameagent/frameagent/internal/analysis"
	"github.com/frameagent/frameagent/internal/logging"
)

// Client uploads files to and generates content with one Gemini model.
type Client struct {
	client *genai.Client
	model  *genai.GenerativeModel
	name   string
	logger *slog.Logger
}

// New creates a client for modelName authenticated with apiKey.
func New(ctx context.Context, apiKey, modelName string, logger *slog.Logger) (*Client, error) {
	client, err := genai.NewClient(ctx, option.WithAPIKey(apiKey))
	if err != nil {
		return nil, fmt.Errorf("create gemini client: %w", err)
	}

	logger = logging.WithComponent(logging.OrDiscard(logger), "gemini")
	logger.Info("gemini client ready", "model", modelName, "api_key", logging.SanitizeToken(apiKey))

	return &Client{
		client: client,
		model:  client.GenerativeModel(modelName),
		name:   modelName,
		logger: logger,
	}, nil
}

func (c *Client) Close() error {
	return c.client.Close()
}

// Upload registers r as a file and returns its reference.
func (c *Client) Upload(ctx context.Context, displayName string, r io.Reader, mimeType string) (analysis.Asset, error) {
	f, err := c.client.UploadFile(ctx, "", r, &genai.UploadFileOptions{
		DisplayName: displayName,
		MIMEType:    mimeType,
	})
	if err != nil {
		return analysis.Asset{}, fmt.Errorf("upload %s: %w", displayName, err)
	}

	c.logger.Debug("file uploaded", "display_name", displayName, "name", f.Name)

	mt := f.MIMEType
	if mt == "" {
		mt = mimeType
	}
	return analysis.Asset{Name: f.Name, URI: f.URI, MIMEType: mt}, nil
}

// Generate sends parts to the model and concatenates the text of every
// candidate.
func (c *Client) Generate(ctx context.Context, parts []analysis.Part) (string, error) {
	resp, err := c.model.GenerateContent(ctx, toGenaiParts(parts)...)
	if err != nil {
		return "", fmt.Errorf("generate content with %s: %w", c.name, err)
	}
	return responseText(resp), nil
}

func toGenaiParts(parts []analysis.Part) []genai.Part {
	out := make([]genai.Part, 0, len(parts))
	for _, p := range parts {
		if p.Asset != nil {
			out = append(out, genai.FileData{MIMEType: p.Asset.MIMEType, URI: p.Asset.URI})
			continue
		}
		out = append(out, genai.Text(p.Text))
	}
	return out
}

func responseText(resp *genai.GenerateContentResponse) string {
	if resp == nil {
		return ""
	}
	var b strings.Builder
	for _, cand := range resp.Candidates {
		if cand == nil || cand.Content == nil {
			continue
		}
		for _, part := range cand.Content.Parts {
			if text, ok := part.(genai.Text); ok {
				b.WriteString(string(text))
			}
		}
	}
	return b.String()
}

var _ analysis.Service = (*Client)(nil)

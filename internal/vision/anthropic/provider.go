package anthropic

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/vision/transport"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const apiVersion = "2023-06-01"

// Provider implements models.VisionModel using the Anthropic messages API.
type Provider struct {
	cfg    config.AnthropicConfig
	client *http.Client
}

func NewProvider(cfg config.AnthropicConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "anthropic" }

func (p *Provider) Generate(ctx context.Context, req models.VisionRequest) (string, error) {
	body := map[string]any{
		"model":      p.cfg.Model,
		"max_tokens": 512,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "image", "source": map[string]string{
					"type":       "base64",
					"media_type": req.MimeType,
					"data":       transport.Base64(req.Image),
				}},
				{"type": "text", "text": req.Prompt},
			},
		}},
	}
	headers := map[string]string{
		"x-api-key":         p.cfg.APIKey,
		"anthropic-version": apiVersion,
	}

	var out struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/v1/messages"
	if err := transport.PostJSON(ctx, p.client, url, headers, body, &out); err != nil {
		return "", err
	}

	var sb strings.Builder
	for _, c := range out.Content {
		if c.Type == "text" {
			sb.WriteString(c.Text)
		}
	}
	text := strings.TrimSpace(sb.String())
	if text == "" {
		return "", transport.ErrInvalidResponse
	}
	return text, nil
}

var _ models.VisionModel = (*Provider)(nil)

package openai

import (
	"context"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/vision/transport"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// Provider implements models.VisionModel using the chat completions API.
// Any OpenAI-compatible server works; vllm reuses it.
type Provider struct {
	name    string
	baseURL string
	apiKey  string
	model   string
	client  *http.Client
}

func NewProvider(cfg config.OpenAIConfig) *Provider {
	return NewCompatible("openai", cfg.BaseURL, cfg.APIKey, cfg.Model)
}

// NewCompatible targets any server exposing /v1/chat/completions.
func NewCompatible(name, baseURL, apiKey, model string) *Provider {
	return &Provider{
		name:    name,
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		model:   model,
		client:  &http.Client{},
	}
}

func (p *Provider) Name() string { return p.name }

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (p *Provider) Generate(ctx context.Context, req models.VisionRequest) (string, error) {
	body := map[string]any{
		"model":      p.model,
		"max_tokens": 512,
		"messages": []map[string]any{{
			"role": "user",
			"content": []map[string]any{
				{"type": "image_url", "image_url": map[string]string{"url": transport.DataURL(req.MimeType, req.Image)}},
				{"type": "text", "text": req.Prompt},
			},
		}},
	}

	var headers map[string]string
	if p.apiKey != "" {
		headers = map[string]string{"Authorization": "Bearer " + p.apiKey}
	}

	var out chatResponse
	if err := transport.PostJSON(ctx, p.client, p.baseURL+"/v1/chat/completions", headers, body, &out); err != nil {
		return "", err
	}
	if len(out.Choices) == 0 || strings.TrimSpace(out.Choices[0].Message.Content) == "" {
		return "", transport.ErrInvalidResponse
	}
	return strings.TrimSpace(out.Choices[0].Message.Content), nil
}

var _ models.VisionModel = (*Provider)(nil)

package ollama

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/vision/transport"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// Provider implements models.VisionModel using Ollama's generate API.
type Provider struct {
	cfg    config.OllamaConfig
	client *http.Client
}

func NewProvider(cfg config.OllamaConfig) *Provider {
	return &Provider{cfg: cfg, client: &http.Client{}}
}

func (p *Provider) Name() string { return "ollama" }

func (p *Provider) Generate(ctx context.Context, req models.VisionRequest) (string, error) {
	body := map[string]any{
		"model":  p.cfg.Model,
		"prompt": req.Prompt,
		"images": []string{transport.Base64(req.Image)},
		"stream": false,
	}
	var out struct {
		Response string `json:"response"`
	}
	url := strings.TrimRight(p.cfg.BaseURL, "/") + "/api/generate"
	if err := transport.PostJSON(ctx, p.client, url, nil, body, &out); err != nil {
		return "", err
	}
	text := strings.TrimSpace(out.Response)
	if text == "" {
		return "", fmt.Errorf("%w: empty response", transport.ErrInvalidResponse)
	}
	return text, nil
}

var _ models.VisionModel = (*Provider)(nil)

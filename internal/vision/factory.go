package vision

import (
	"context"
	"fmt"
	"net/http"

	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/vision/anthropic"
	"github.com/kiranshivaraju/docpipe/internal/vision/ollama"
	"github.com/kiranshivaraju/docpipe/internal/vision/openai"
	"github.com/kiranshivaraju/docpipe/internal/vision/transport"
	"github.com/kiranshivaraju/docpipe/internal/vision/vllm"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// NewModel constructs the configured vision backend. Called once at worker startup.
func NewModel(cfg config.VisionConfig) (models.VisionModel, error) {
	switch cfg.Provider {
	case "ollama":
		return ollama.NewProvider(cfg.Ollama), nil
	case "vllm":
		return vllm.NewProvider(cfg.VLLM), nil
	case "openai":
		return openai.NewProvider(cfg.OpenAI), nil
	case "anthropic":
		return anthropic.NewProvider(cfg.Anthropic), nil
	default:
		return nil, fmt.Errorf("unknown vision provider %q: must be one of ollama, vllm, openai, anthropic", cfg.Provider)
	}
}

// Probe checks that the configured provider's endpoint answers.
func Probe(ctx context.Context, cfg config.VisionConfig) error {
	var base string
	switch cfg.Provider {
	case "ollama":
		base = cfg.Ollama.BaseURL
	case "vllm":
		base = cfg.VLLM.BaseURL
	case "openai":
		base = cfg.OpenAI.BaseURL
	case "anthropic":
		base = cfg.Anthropic.BaseURL
	default:
		return fmt.Errorf("unknown vision provider %q", cfg.Provider)
	}
	return transport.Reachable(ctx, http.DefaultClient, base)
}

package vllm

import (
	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/internal/vision/openai"
)

// NewProvider talks to vLLM's OpenAI-compatible server.
func NewProvider(cfg config.VLLMConfig) *openai.Provider {
	return openai.NewCompatible("vllm", cfg.BaseURL, "", cfg.Model)
}

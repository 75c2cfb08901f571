package models

import "context"

// VisionDescriber turns an image into a one-line summary and a detailed paragraph.
// Callers depend on this interface, never on a concrete provider.
type VisionDescriber interface {
	// Describe generates a description for the encoded image.
	Describe(ctx context.Context, image []byte, mimeType string) (Description, error)
	// Name returns the provider identifier (e.g., "ollama", "openai").
	Name() string
}

// Description is the raw output of a VisionDescriber.
type Description struct {
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
}

// ImageDescription locates a described image inside its source document.
// Page and Index are 1-based.
type ImageDescription struct {
	Summary string `json:"summary"`
	Detail  string `json:"detail"`
	Page    int    `json:"page"`
	Index   int    `json:"index"`
}

// VisionModel is a provider backend that answers a text prompt about one image.
type VisionModel interface {
	Generate(ctx context.Context, req VisionRequest) (string, error)
	Name() string
}

// VisionRequest is one prompt plus one encoded image.
type VisionRequest struct {
	Prompt   string
	Image    []byte
	MimeType string
}

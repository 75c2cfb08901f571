// Package vision describes images with a vision-language model and pulls
// embedded images out of PDFs.
package vision

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// DefaultPrompt asks for a one-sentence summary line followed by one paragraph.
const DefaultPrompt = "First state in one sentence what this image shows, with no prefix. " +
	"Then, on a new line, describe the content of the image in detail as a single paragraph " +
	"with no bullet points and no prefix."

// Describer implements models.VisionDescriber on top of a VisionModel.
type Describer struct {
	model   models.VisionModel
	prompt  string
	maxDim  int
	timeout time.Duration
}

// NewDescriber wraps model. Images larger than maxDim on either side are
// downscaled first; maxDim <= 0 disables that. timeout <= 0 means none.
func NewDescriber(model models.VisionModel, maxDim int, timeout time.Duration) *Describer {
	return &Describer{model: model, prompt: DefaultPrompt, maxDim: maxDim, timeout: timeout}
}

func (d *Describer) Name() string { return d.model.Name() }

func (d *Describer) Describe(ctx context.Context, image []byte, mimeType string) (models.Description, error) {
	data, mimeType, err := Downscale(image, mimeType, d.maxDim)
	if err != nil {
		return models.Description{}, err
	}

	if d.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.timeout)
		defer cancel()
	}

	start := time.Now()
	text, err := d.model.Generate(ctx, models.VisionRequest{Prompt: d.prompt, Image: data, MimeType: mimeType})
	if err != nil {
		return models.Description{}, err
	}
	slog.Debug("image described", "provider", d.model.Name(), "duration_ms", time.Since(start).Milliseconds())
	return ParseDescription(text), nil
}

var detailPrefixes = []string{"Detail:", "Details:", "详细描述：", "详细描述:", "1.", "2.", "- "}

// ParseDescription splits model output into the first line (summary) and the
// rest flattened into one paragraph (detail). Output with a single line uses
// it for both.
func ParseDescription(text string) models.Description {
	text = strings.TrimSpace(text)
	summary, detail, found := strings.Cut(text, "\n")
	summary = strings.TrimSpace(summary)
	detail = strings.TrimSpace(detail)
	if !found || detail == "" {
		detail = summary
	}

	for _, p := range detailPrefixes {
		if strings.HasPrefix(detail, p) {
			detail = strings.TrimSpace(strings.TrimPrefix(detail, p))
		}
	}
	// List markers are only dropped at the start of a line.
	lines := strings.Split(detail, "\n")
	for i, line := range lines {
		lines[i] = strings.TrimPrefix(strings.TrimSpace(line), "- ")
	}
	detail = strings.Join(strings.Fields(strings.Join(lines, " ")), " ")

	return models.Description{Summary: summary, Detail: detail}
}

var _ models.VisionDescriber = (*Describer)(nil)

package pipeline

import (
	"context"
	"fmt"
	"log/slog"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docpipe/internal/artifact"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const descriptionsFileName = "image_descriptions.md"

// DescribeImages runs an image-description job.
func (o *Orchestrator) DescribeImages(ctx context.Context, job models.Job, workDir string) models.TaskResult {
	prep, err := o.prepare(ctx, job.InputPath, workDir)
	if err != nil {
		return models.Failed(job.RequestID, err.Error())
	}

	img, err := o.describe(ctx, job.RequestID, prep, workDir)
	if err != nil {
		return models.Failed(job.RequestID, err.Error())
	}

	res := models.TaskResult{
		Status:           models.ResultStatusSuccess,
		RequestID:        job.RequestID,
		Message:          img.Message,
		ImageDescription: img,
		Device:           "vision:" + o.deps.Describer.Name(),
	}
	if err := o.attachPDF(ctx, job.RequestID, prep, &res); err != nil {
		return models.Failed(job.RequestID, err.Error())
	}
	return res
}

// describe describes the single image or every embedded PDF image of prep.
// Within a PDF, images that fail are skipped unless all of them fail.
func (o *Orchestrator) describe(ctx context.Context, requestID uuid.UUID, prep prepared, workDir string) (*models.ImageDescriptionResult, error) {
	if o.deps.Describer == nil {
		return nil, ErrVisionDisabled
	}

	var descs []models.ImageDescription
	switch prep.fileType() {
	case artifact.TypeImage:
		data, err := os.ReadFile(prep.path)
		if err != nil {
			return nil, fmt.Errorf("reading image: %w", err)
		}
		d, err := o.deps.Describer.Describe(ctx, data, imageMimeType(prep.path))
		if err != nil {
			return nil, fmt.Errorf("describing image: %w", err)
		}
		descs = append(descs, models.ImageDescription{Summary: d.Summary, Detail: d.Detail, Page: 1, Index: 1})

	case artifact.TypePDF:
		if o.deps.Images == nil {
			return nil, fmt.Errorf("%w: no pdf image extractor", ErrVisionDisabled)
		}
		images, err := o.deps.Images.Extract(ctx, prep.path, workDir)
		if err != nil {
			return nil, fmt.Errorf("extracting pdf images: %w", err)
		}

		var lastErr error
		for _, im := range images {
			d, err := o.deps.Describer.Describe(ctx, im.Data, im.MimeType)
			if err != nil {
				if ctx.Err() != nil {
					return nil, ctx.Err()
				}
				lastErr = err
				slog.Warn("describing pdf image failed",
					"request_id", requestID,
					"page", im.Page,
					"index", im.Index,
					"error", err,
				)
				continue
			}
			descs = append(descs, models.ImageDescription{
				Summary: d.Summary,
				Detail:  d.Detail,
				Page:    im.Page,
				Index:   im.Index,
			})
		}
		if len(images) > 0 && len(descs) == 0 {
			return nil, fmt.Errorf("describing %d pdf images failed: %w", len(images), lastErr)
		}

	default:
		return nil, fmt.Errorf("%w: cannot describe %s input", artifact.ErrUnsupportedType, prep.fileType())
	}

	if len(descs) == 0 {
		slog.Warn("no images found in input", "request_id", requestID, "input", prep.path)
		return &models.ImageDescriptionResult{
			Status:       models.ResultStatusSuccess,
			Descriptions: []models.ImageDescription{},
			Message:      "no images found in the input file",
		}, nil
	}

	path := filepath.Join(workDir, descriptionsFileName)
	if err := os.WriteFile(path, []byte(RenderDescriptions(descs)), 0o644); err != nil {
		return nil, fmt.Errorf("writing descriptions: %w", err)
	}
	url, err := o.deps.Storage.Upload(ctx, requestID, path, PrefixImageDescriptions)
	if err != nil {
		return nil, fmt.Errorf("uploading descriptions: %w", err)
	}

	return &models.ImageDescriptionResult{
		Status:          models.ResultStatusSuccess,
		ImageCount:      len(descs),
		Descriptions:    descs,
		DescriptionsURL: url,
	}, nil
}

func imageMimeType(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	if ext == ".jpg" {
		return "image/jpeg"
	}
	return mime.TypeByExtension(ext)
}

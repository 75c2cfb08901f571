package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const (
	combinedJSONName = "combined_result.json"
	combinedMDName   = "combined_result.md"

	textDownloadTimeout = 10 * time.Second
)

// Combined runs text extraction and image description on one input and
// merges them. A failure of either step fails the whole job.
func (o *Orchestrator) Combined(ctx context.Context, job models.Job, workDir string) models.TaskResult {
	prep, err := o.prepare(ctx, job.InputPath, workDir)
	if err != nil {
		return models.Failed(job.RequestID, err.Error())
	}

	ext, err := o.extract(ctx, job, prep.path, workDir)
	if err != nil {
		return models.Failed(job.RequestID, fmt.Sprintf("text extraction failed: %v", err))
	}

	img, err := o.describe(ctx, job.RequestID, prep, workDir)
	if err != nil {
		return models.Failed(job.RequestID, fmt.Sprintf("image description failed: %v", err))
	}

	merged, err := o.merge(ctx, job.RequestID, ext, img, workDir)
	if err != nil {
		return models.Failed(job.RequestID, fmt.Sprintf("merging results failed: %v", err))
	}

	res := models.TaskResult{
		Status:           models.ResultStatusSuccess,
		RequestID:        job.RequestID,
		TextExtraction:   ext,
		ImageDescription: img,
		CombinedResults:  merged,
		Device:           ext.Device,
	}
	if err := o.attachPDF(ctx, job.RequestID, prep, &res); err != nil {
		return models.Failed(job.RequestID, err.Error())
	}
	return res
}

// combinedDocument is the layout of combined_result.json.
type combinedDocument struct {
	TextExtraction   *models.ExtractionResult       `json:"text_extraction"`
	ImageDescription *models.ImageDescriptionResult `json:"image_description"`
}

// merge uploads combined_result.json and, when the extraction produced
// result.md, a markdown document of the text followed by the descriptions.
func (o *Orchestrator) merge(ctx context.Context, requestID uuid.UUID, ext *models.ExtractionResult, img *models.ImageDescriptionResult, workDir string) (*models.CombinedOutput, error) {
	doc, err := json.MarshalIndent(combinedDocument{TextExtraction: ext, ImageDescription: img}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encoding combined result: %w", err)
	}
	jsonPath := filepath.Join(workDir, combinedJSONName)
	if err := os.WriteFile(jsonPath, doc, 0o644); err != nil {
		return nil, fmt.Errorf("writing combined result: %w", err)
	}
	jsonURL, err := o.deps.Storage.Upload(ctx, requestID, jsonPath, PrefixCombined)
	if err != nil {
		return nil, fmt.Errorf("uploading combined result: %w", err)
	}
	out := &models.CombinedOutput{CombinedResultURL: jsonURL}

	textURL, ok := ext.CoreFiles["result.md"]
	if !ok {
		return out, nil
	}

	text := o.downloadText(ctx, requestID, textURL)
	mdPath := filepath.Join(workDir, combinedMDName)
	if err := os.WriteFile(mdPath, []byte(RenderCombined(text, img.Descriptions)), 0o644); err != nil {
		return nil, fmt.Errorf("writing combined markdown: %w", err)
	}
	mdURL, err := o.deps.Storage.Upload(ctx, requestID, mdPath, PrefixCombined)
	if err != nil {
		return nil, fmt.Errorf("uploading combined markdown: %w", err)
	}
	out.CombinedMDURL = mdURL
	return out, nil
}

// downloadText fetches the extracted markdown. A failed download leaves a
// warning in its place instead of failing the merge.
func (o *Orchestrator) downloadText(ctx context.Context, requestID uuid.UUID, url string) string {
	ctx, cancel := context.WithTimeout(ctx, textDownloadTimeout)
	defer cancel()

	data, err := o.deps.Storage.Download(ctx, url)
	if err != nil {
		slog.Error("downloading extracted markdown failed", "request_id", requestID, "error", err)
		return fmt.Sprintf("[warning: the document text could not be loaded: %v]", err)
	}
	return string(data)
}

package pipeline

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/docpipe/internal/artifact"
	"github.com/kiranshivaraju/docpipe/internal/executor"
	"github.com/kiranshivaraju/docpipe/internal/remote"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// ExtractText runs a text-extraction job.
func (o *Orchestrator) ExtractText(ctx context.Context, job models.Job, workDir string) models.TaskResult {
	prep, err := o.prepare(ctx, job.InputPath, workDir)
	if err != nil {
		return models.Failed(job.RequestID, err.Error())
	}

	ext, err := o.extract(ctx, job, prep.path, workDir)
	if err != nil {
		return models.Failed(job.RequestID, err.Error())
	}

	res := models.TaskResult{
		Status:    models.ResultStatusSuccess,
		RequestID: job.RequestID,
		CoreFiles: ext.CoreFiles,
		Device:    ext.Device,
	}
	if err := o.attachPDF(ctx, job.RequestID, prep, &res); err != nil {
		return models.Failed(job.RequestID, err.Error())
	}
	return res
}

// extract runs inputPath remotely or on a local accelerator and returns the
// normalized core files.
func (o *Orchestrator) extract(ctx context.Context, job models.Job, inputPath, workDir string) (*models.ExtractionResult, error) {
	if job.UseRemote {
		return o.extractRemote(ctx, job, inputPath)
	}
	return o.extractLocal(ctx, job, inputPath, workDir)
}

func (o *Orchestrator) extractRemote(ctx context.Context, job models.Job, inputPath string) (*models.ExtractionResult, error) {
	if o.deps.Dispatcher == nil {
		return nil, ErrRemoteDisabled
	}

	res, err := o.deps.Dispatcher.Dispatch(ctx, remote.Request{
		RequestID: job.RequestID,
		InputPath: inputPath,
		Params:    job.ExtractParams,
	})
	if err != nil {
		return nil, fmt.Errorf("remote processing failed: %w", err)
	}
	slog.Info("remote extraction finished", "request_id", job.RequestID, "device", res.Device)

	return &models.ExtractionResult{
		Status:    models.ResultStatusSuccess,
		CoreFiles: artifact.NormalizeCoreFiles(res.Response.Results.CoreFiles),
		Device:    res.Device,
	}, nil
}

func (o *Orchestrator) extractLocal(ctx context.Context, job models.Job, inputPath, workDir string) (*models.ExtractionResult, error) {
	if o.deps.Scheduler == nil || o.deps.Executor == nil {
		return nil, ErrLocalDisabled
	}

	ratio := job.ExtractParams.MinMemoryRatio
	if ratio <= 0 {
		ratio = o.opts.MinMemoryRatio
	}

	var run *executor.Result
	err := o.deps.Scheduler.WithDevice(ctx, ratio, func(deviceID int) error {
		var err error
		run, err = o.deps.Executor.Run(ctx, deviceID, inputPath, workDir, job.ExtractParams)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("local processing failed: %w", err)
	}
	slog.Info("local extraction finished", "request_id", job.RequestID, "device_id", run.DeviceID)

	// Uploading happens after the device is released.
	coreFiles, err := artifact.CollectCoreFiles(ctx, o.deps.Storage, job.RequestID, run.OutputDir, PrefixOutput)
	if err != nil {
		return nil, fmt.Errorf("collecting core files: %w", err)
	}

	return &models.ExtractionResult{
		Status:    models.ResultStatusSuccess,
		CoreFiles: coreFiles,
		Device:    fmt.Sprintf("gpu:%d", run.DeviceID),
	}, nil
}

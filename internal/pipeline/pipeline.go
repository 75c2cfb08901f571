// Package pipeline turns a dequeued job into its terminal result: office
// preprocessing, local or remote extraction, image description and the
// combined merge. Every failure inside a job is reported as an error result,
// never returned to the caller.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docpipe/internal/artifact"
	"github.com/kiranshivaraju/docpipe/internal/executor"
	"github.com/kiranshivaraju/docpipe/internal/gpu"
	"github.com/kiranshivaraju/docpipe/internal/remote"
	"github.com/kiranshivaraju/docpipe/internal/store"
	"github.com/kiranshivaraju/docpipe/internal/vision"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

var (
	// ErrLocalDisabled wraps gpu.ErrNoDevice: a worker without a scheduler has no local device.
	ErrLocalDisabled  = fmt.Errorf("local extraction is not configured: %w", gpu.ErrNoDevice)
	ErrRemoteDisabled = errors.New("remote extraction is not configured")
	ErrVisionDisabled = errors.New("image description is not configured")
)

// Object prefixes under which job artifacts are uploaded.
const (
	PrefixOutput            = "output"
	PrefixPDF               = "pdf_output"
	PrefixImageDescriptions = "image_descriptions"
	PrefixCombined          = "combined_output"
)

const DefaultStatusTTL = 24 * time.Hour

// LocalScheduler admits a job onto a local accelerator for the duration of fn.
type LocalScheduler interface {
	WithDevice(ctx context.Context, ratio float64, fn func(deviceID int) error) error
}

type LocalExecutor interface {
	Run(ctx context.Context, deviceID int, inputPath, workDir string, p models.ExtractParams) (*executor.Result, error)
}

type RemoteDispatcher interface {
	Dispatch(ctx context.Context, req remote.Request) (*remote.Result, error)
}

type OfficeConverter interface {
	Convert(ctx context.Context, inputPath, outputDir string) (string, error)
}

type ImageExtractor interface {
	Extract(ctx context.Context, pdfPath, workDir string) ([]vision.PageImage, error)
}

// ObjectStore uploads job artifacts and reads back presigned URLs.
type ObjectStore interface {
	artifact.Uploader
	Download(ctx context.Context, rawURL string) ([]byte, error)
}

// Ledger is the part of store.Store the orchestrator writes to.
type Ledger interface {
	CreateJob(ctx context.Context, job *models.JobRecord) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
}

type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Deps are the collaborators of an Orchestrator. A nil Scheduler, Dispatcher
// or Describer disables that path; jobs needing it fail with an error result.
// Ledger and Cache are optional.
type Deps struct {
	Scheduler  LocalScheduler
	Executor   LocalExecutor
	Dispatcher RemoteDispatcher
	Converter  OfficeConverter
	Storage    ObjectStore
	Describer  models.VisionDescriber
	Images     ImageExtractor
	Ledger     Ledger
	Cache      StatusCache
}

type Options struct {
	// OutputBaseDir holds one <date>/<request id> work directory per job.
	OutputBaseDir string
	// UploadDir is where the intake API stores uploads as <request id>/<file>.
	// A job's upload directory is removed once the job is terminal.
	UploadDir string
	// MinMemoryRatio applies to jobs that do not set their own.
	MinMemoryRatio float64
	StatusTTL      time.Duration
	Now            func() time.Time
}

// Orchestrator runs jobs. It is safe for concurrent use.
type Orchestrator struct {
	deps Deps
	opts Options
}

func New(deps Deps, opts Options) *Orchestrator {
	if opts.OutputBaseDir == "" {
		opts.OutputBaseDir = os.TempDir()
	}
	if opts.StatusTTL <= 0 {
		opts.StatusTTL = DefaultStatusTTL
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Orchestrator{deps: deps, opts: opts}
}

// WorkDir is where the job's intermediate files live until it finishes.
func (o *Orchestrator) WorkDir(requestID uuid.UUID) string {
	day := o.opts.Now().UTC().Format("2006-01-02")
	return filepath.Join(o.opts.OutputBaseDir, day, requestID.String())
}

// Process runs job to completion and records the outcome in the ledger. A
// panic inside a handler becomes an error result.
func (o *Orchestrator) Process(ctx context.Context, job models.Job) (result models.TaskResult) {
	start := time.Now()
	o.markRunning(ctx, job)

	workDir := o.WorkDir(job.RequestID)
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic while processing job",
				"request_id", job.RequestID,
				"kind", job.Kind,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			result = models.Failed(job.RequestID, fmt.Sprintf("internal error: %v", r))
		}
		if err := os.RemoveAll(workDir); err != nil {
			slog.Warn("removing work dir failed", "request_id", job.RequestID, "dir", workDir, "error", err)
		}
		o.removeUpload(job)
		o.finish(ctx, result)

		logArgs := []any{
			"request_id", job.RequestID,
			"kind", job.Kind,
			"status", result.Status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if result.Status == models.ResultStatusSuccess {
			slog.Info("job finished", logArgs...)
		} else {
			slog.Error("job failed", append(logArgs, "error", result.Error)...)
		}
	}()

	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return models.Failed(job.RequestID, fmt.Sprintf("creating work dir: %v", err))
	}

	switch job.Kind {
	case models.JobKindExtract:
		return o.ExtractText(ctx, job, workDir)
	case models.JobKindImage:
		return o.DescribeImages(ctx, job, workDir)
	case models.JobKindCombined:
		return o.Combined(ctx, job, workDir)
	}
	return models.Failed(job.RequestID, fmt.Sprintf("unknown job kind %q", job.Kind))
}

// removeUpload deletes the job's upload directory. Inputs that do not sit in
// UploadDir/<request id> belong to another producer and are left alone.
func (o *Orchestrator) removeUpload(job models.Job) {
	if o.opts.UploadDir == "" || job.InputPath == "" {
		return
	}
	dir := filepath.Join(o.opts.UploadDir, job.RequestID.String())
	if filepath.Dir(filepath.Clean(job.InputPath)) != dir {
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		slog.Warn("removing upload dir failed", "request_id", job.RequestID, "dir", dir, "error", err)
	}
}

// markRunning moves the ledger row to running. Jobs enqueued by a producer
// that bypassed the intake API get their row created here.
func (o *Orchestrator) markRunning(ctx context.Context, job models.Job) {
	ctx = context.WithoutCancel(ctx)
	if o.deps.Cache != nil {
		_ = o.deps.Cache.SetJobStatus(ctx, job.RequestID, models.JobStatusRunning, o.opts.StatusTTL)
	}
	if o.deps.Ledger == nil {
		return
	}

	err := o.deps.Ledger.UpdateJobStatus(ctx, job.RequestID, models.JobStatusRunning)
	if errors.Is(err, store.ErrNotFound) {
		now := time.Now().UTC()
		err = o.deps.Ledger.CreateJob(ctx, &models.JobRecord{
			ID:        job.RequestID,
			Kind:      job.Kind,
			Status:    models.JobStatusPending,
			InputName: filepath.Base(job.InputPath),
			UseRemote: job.UseRemote,
			CreatedAt: now,
			UpdatedAt: now,
		})
		if err == nil {
			err = o.deps.Ledger.UpdateJobStatus(ctx, job.RequestID, models.JobStatusRunning)
		}
	}
	if err != nil {
		slog.Warn("recording job start failed", "request_id", job.RequestID, "error", err)
	}
}

func (o *Orchestrator) finish(ctx context.Context, result models.TaskResult) {
	ctx = context.WithoutCancel(ctx)

	status := models.JobStatusCompleted
	var opts []store.JobUpdateOption
	if result.Status != models.ResultStatusSuccess {
		status = models.JobStatusFailed
		opts = append(opts, store.WithErrorMessage(result.Error))
	}
	if result.Device != "" {
		opts = append(opts, store.WithDevice(result.Device))
	}
	if payload, err := json.Marshal(result); err == nil {
		opts = append(opts, store.WithResult(payload))
	}

	if o.deps.Ledger != nil {
		if err := o.deps.Ledger.UpdateJobStatus(ctx, result.RequestID, status, opts...); err != nil {
			slog.Warn("recording job result failed", "request_id", result.RequestID, "status", status, "error", err)
		}
	}
	if o.deps.Cache != nil {
		_ = o.deps.Cache.SetJobStatus(ctx, result.RequestID, status, o.opts.StatusTTL)
	}
}

// prepared is an input after type checking and office conversion.
type prepared struct {
	path      string
	original  artifact.FileType
	converted bool
}

// fileType is the type of path, which is a PDF after conversion.
func (p prepared) fileType() artifact.FileType {
	if p.converted {
		return artifact.TypePDF
	}
	return p.original
}

func (o *Orchestrator) prepare(ctx context.Context, inputPath, workDir string) (prepared, error) {
	fileType, err := artifact.Classify(inputPath)
	if err != nil {
		return prepared{}, err
	}
	if _, err := os.Stat(inputPath); err != nil {
		return prepared{}, fmt.Errorf("reading input: %w", err)
	}
	if fileType != artifact.TypeOffice {
		return prepared{path: inputPath, original: fileType}, nil
	}

	if o.deps.Converter == nil {
		return prepared{}, errors.New("office conversion is not configured")
	}
	pdfPath, err := o.deps.Converter.Convert(ctx, inputPath, workDir)
	if err != nil {
		return prepared{}, fmt.Errorf("converting office document: %w", err)
	}
	return prepared{path: pdfPath, original: fileType, converted: true}, nil
}

// attachPDF uploads the converted PDF of an office input and links it in res.
func (o *Orchestrator) attachPDF(ctx context.Context, requestID uuid.UUID, prep prepared, res *models.TaskResult) error {
	if !prep.converted {
		return nil
	}
	url, err := o.deps.Storage.Upload(ctx, requestID, prep.path, PrefixPDF)
	if err != nil {
		return fmt.Errorf("uploading converted pdf: %w", err)
	}
	res.PDFURL = url
	res.ConvertedFromOffice = true
	return nil
}

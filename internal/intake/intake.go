// Package intake accepts uploaded documents, records and enqueues them as jobs,
// and answers result polls.
package intake

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/docpipe/internal/artifact"
	"github.com/kiranshivaraju/docpipe/internal/queue"
	"github.com/kiranshivaraju/docpipe/internal/store"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const (
	DefaultPollTimeout = 60 * time.Second
	MaxPollTimeout     = 300 * time.Second
	DefaultStatusTTL   = 24 * time.Hour
)

var (
	ErrEmptyUpload      = errors.New("uploaded file is empty")
	ErrQueueUnavailable = errors.New("job queue unavailable")
)

// JobStore is the part of the ledger intake writes and reads.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.JobRecord) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...store.JobUpdateOption) error
}

// StatusCache is the fast-path job status written for pollers.
type StatusCache interface {
	SetJobStatus(ctx context.Context, jobID uuid.UUID, status string, ttl time.Duration) error
}

// Submission is one uploaded document plus its job options.
type Submission struct {
	Kind      models.JobKind
	FileName  string
	File      io.Reader
	Params    models.ExtractParams
	UseRemote bool
}

// Service is the intake side of the pipeline.
type Service struct {
	jobs      JobStore
	queue     queue.Queue
	cache     StatusCache
	uploadDir string
	statusTTL time.Duration
	now       func() time.Time
}

// New returns a Service saving uploads under uploadDir. cache may be nil.
func New(jobs JobStore, q queue.Queue, cache StatusCache, uploadDir string) *Service {
	return &Service{
		jobs:      jobs,
		queue:     q,
		cache:     cache,
		uploadDir: uploadDir,
		statusTTL: DefaultStatusTTL,
		now:       time.Now,
	}
}

// Submit validates the file type, saves the upload, records a pending job and
// enqueues it on the channel for its kind.
func (s *Service) Submit(ctx context.Context, sub Submission) (*models.JobRecord, error) {
	ch, err := queue.ChannelFor(sub.Kind)
	if err != nil {
		return nil, err
	}
	name := filepath.Base(strings.ReplaceAll(sub.FileName, `\`, "/"))
	if _, err := artifact.Classify(name); err != nil {
		return nil, err
	}

	id := uuid.New()
	path, err := s.save(id, name, sub.File)
	if err != nil {
		return nil, err
	}

	now := s.now().UTC()
	record := &models.JobRecord{
		ID:        id,
		Kind:      sub.Kind,
		Status:    models.JobStatusPending,
		InputName: name,
		UseRemote: sub.UseRemote,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := s.jobs.CreateJob(ctx, record); err != nil {
		_ = os.RemoveAll(filepath.Dir(path))
		return nil, fmt.Errorf("create job: %w", err)
	}

	payload, err := json.Marshal(models.Job{
		RequestID:     id,
		Kind:          sub.Kind,
		InputPath:     path,
		ExtractParams: sub.Params,
		UseRemote:     sub.UseRemote,
	})
	if err != nil {
		return nil, fmt.Errorf("encode job: %w", err)
	}

	if err := s.queue.Enqueue(ctx, ch.Queue, payload); err != nil {
		msg := fmt.Sprintf("enqueue failed: %v", err)
		if uerr := s.jobs.UpdateJobStatus(context.WithoutCancel(ctx), id, models.JobStatusFailed,
			store.WithErrorMessage(msg)); uerr != nil {
			slog.Warn("marking job failed", "request_id", id, "error", uerr)
		}
		_ = os.RemoveAll(filepath.Dir(path))
		return nil, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}

	if s.cache != nil {
		if err := s.cache.SetJobStatus(ctx, id, models.JobStatusPending, s.statusTTL); err != nil {
			slog.Warn("caching job status", "request_id", id, "error", err)
		}
	}

	slog.Info("job submitted", "request_id", id, "kind", sub.Kind, "file", name, "use_remote", sub.UseRemote)
	return record, nil
}

// save writes the upload to <uploadDir>/<id>/<name>.
func (s *Service) save(id uuid.UUID, name string, r io.Reader) (string, error) {
	dir := filepath.Join(s.uploadDir, id.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create upload dir: %w", err)
	}
	path := filepath.Join(dir, name)

	f, err := os.Create(path)
	if err != nil {
		return "", fmt.Errorf("create upload file: %w", err)
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err == nil && n == 0 {
		err = ErrEmptyUpload
	}
	if err != nil {
		_ = os.RemoveAll(dir)
		if errors.Is(err, ErrEmptyUpload) {
			return "", err
		}
		return "", fmt.Errorf("save upload: %w", err)
	}
	return path, nil
}

// ClampPollTimeout applies the default and the upper bound to a requested wait.
func ClampPollTimeout(d time.Duration) time.Duration {
	if d <= 0 {
		return DefaultPollTimeout
	}
	if d > MaxPollTimeout {
		return MaxPollTimeout
	}
	return d
}

// Poll waits up to timeout for the result of id on kind's channel. A result
// is popped at most once; later polls are answered from the ledger. Until a
// terminal result exists the answer is pending.
func (s *Service) Poll(ctx context.Context, kind models.JobKind, id uuid.UUID, timeout time.Duration) (models.TaskResult, error) {
	ch, err := queue.ChannelFor(kind)
	if err != nil {
		return models.TaskResult{}, err
	}

	payload, err := s.queue.PopResult(ctx, ch.ResultKey(id), ClampPollTimeout(timeout))
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("%w: %v", ErrQueueUnavailable, err)
	}
	if payload != nil {
		var result models.TaskResult
		if err := json.Unmarshal(payload, &result); err != nil {
			return models.TaskResult{}, fmt.Errorf("decode result: %w", err)
		}
		return result, nil
	}

	return s.fromLedger(ctx, kind, id)
}

func (s *Service) fromLedger(ctx context.Context, kind models.JobKind, id uuid.UUID) (models.TaskResult, error) {
	rec, err := s.jobs.GetJob(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return models.Pending(id), nil
	}
	if err != nil {
		return models.TaskResult{}, fmt.Errorf("get job: %w", err)
	}
	if rec.Kind != kind {
		return models.Pending(id), nil
	}

	switch rec.Status {
	case models.JobStatusCompleted, models.JobStatusFailed:
		if len(rec.Result) > 0 {
			var result models.TaskResult
			if err := json.Unmarshal(rec.Result, &result); err == nil {
				return result, nil
			}
			slog.Warn("stored result is not decodable", "request_id", id)
		}
		if rec.Status == models.JobStatusFailed {
			msg := "job failed"
			if rec.ErrorMessage != nil {
				msg = *rec.ErrorMessage
			}
			return models.Failed(id, msg), nil
		}
	}
	return models.Pending(id), nil
}

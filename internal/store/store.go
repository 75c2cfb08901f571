package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetAPIKeyByPrefix(ctx context.Context, prefix string) ([]*models.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id uuid.UUID) error
	CreateAPIKey(ctx context.Context, key *models.APIKey) error
	ListAPIKeys(ctx context.Context) ([]*models.APIKey, error)
	RevokeAPIKey(ctx context.Context, id uuid.UUID) error

	CreateJob(ctx context.Context, job *models.JobRecord) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
	ListJobs(ctx context.Context, filter JobFilter) ([]*models.JobRecord, int, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status string, opts ...JobUpdateOption) error
}

type JobFilter struct {
	Kind   models.JobKind
	Status string
	Page   int
	Limit  int
}

// JobUpdate carries the optional columns of a status change.
type JobUpdate struct {
	ErrorMessage *string
	Device       *string
	Result       []byte
}

type JobUpdateOption func(*JobUpdate)

// ApplyJobUpdateOptions folds opts into a JobUpdate.
func ApplyJobUpdateOptions(opts ...JobUpdateOption) JobUpdate {
	var u JobUpdate
	for _, opt := range opts {
		opt(&u)
	}
	return u
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.ErrorMessage = &msg
	}
}

// WithDevice records where the job ran: "gpu:<id>" or a remote device name.
func WithDevice(device string) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Device = &device
	}
}

// WithResult stores the final TaskResult JSON.
func WithResult(result []byte) JobUpdateOption {
	return func(p *JobUpdate) {
		p.Result = result
	}
}

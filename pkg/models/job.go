package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	JobStatusPending   = "pending"
	JobStatusRunning   = "running"
	JobStatusCompleted = "completed"
	JobStatusFailed    = "failed"
)

// JobKind selects which consumer variant processes a job.
type JobKind string

const (
	JobKindExtract  JobKind = "extract"
	JobKindImage    JobKind = "image"
	JobKindCombined JobKind = "combined"
)

// ExtractParams are the extraction options forwarded to the local executable
// or to a remote device. Nil page bounds leave the range open.
type ExtractParams struct {
	Method         string  `json:"method"`
	Backend        string  `json:"backend"`
	Lang           string  `json:"lang"`
	Formula        bool    `json:"formula"`
	Table          bool    `json:"table"`
	StartPage      *int    `json:"start_page,omitempty"`
	EndPage        *int    `json:"end_page,omitempty"`
	SglangURL      string  `json:"sglang_url,omitempty"`
	Source         string  `json:"source"`
	ReturnAllFiles bool    `json:"return_all_files"`
	MinMemoryRatio float64 `json:"min_memory_ratio,omitempty"`
}

// DefaultExtractParams mirrors the defaults of the intake form.
func DefaultExtractParams() ExtractParams {
	return ExtractParams{
		Method:  "auto",
		Backend: "auto",
		Lang:    "zh",
		Formula: true,
		Table:   true,
		Source:  "user_upload",
	}
}

// Job is a unit of work travelling over the queue. It is consumed exactly once.
type Job struct {
	RequestID     uuid.UUID     `json:"request_id"`
	Kind          JobKind       `json:"kind"`
	InputPath     string        `json:"input_path"`
	ExtractParams ExtractParams `json:"extract_params"`
	UseRemote     bool          `json:"use_remote"`
}

// JobRecord is the persisted ledger row for a job. The client polls the result
// channel first and falls back to this record once the result was consumed.
type JobRecord struct {
	ID           uuid.UUID  `db:"id"            json:"id"`
	Kind         JobKind    `db:"kind"          json:"kind"`
	Status       string     `db:"status"        json:"status"`
	InputName    string     `db:"input_name"    json:"input_name"`
	UseRemote    bool       `db:"use_remote"    json:"use_remote"`
	Device       *string    `db:"device"        json:"device,omitempty"`
	ErrorMessage *string    `db:"error_message" json:"error_message,omitempty"`
	Result       []byte     `db:"result"        json:"-"`
	StartedAt    *time.Time `db:"started_at"    json:"started_at,omitempty"`
	CompletedAt  *time.Time `db:"completed_at"  json:"completed_at,omitempty"`
	CreatedAt    time.Time  `db:"created_at"    json:"created_at"`
	UpdatedAt    time.Time  `db:"updated_at"    json:"updated_at"`
}

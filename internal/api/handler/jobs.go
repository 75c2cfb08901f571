package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/docpipe/internal/api/response"
	"github.com/kiranshivaraju/docpipe/internal/artifact"
	"github.com/kiranshivaraju/docpipe/internal/intake"
	"github.com/kiranshivaraju/docpipe/internal/store"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// multipartMemory is how much of a form is buffered in memory before spilling to disk.
const multipartMemory = 32 << 20

// queueRetryAfter is the Retry-After hint sent when Redis is unreachable.
const queueRetryAfter = 5 * time.Second

// Submitter accepts an uploaded document as a job.
type Submitter interface {
	Submit(ctx context.Context, sub intake.Submission) (*models.JobRecord, error)
}

// Poller answers result polls.
type Poller interface {
	Poll(ctx context.Context, kind models.JobKind, id uuid.UUID, timeout time.Duration) (models.TaskResult, error)
}

// JobReader reads the job ledger.
type JobReader interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobRecord, error)
	ListJobs(ctx context.Context, filter store.JobFilter) ([]*models.JobRecord, int, error)
}

type submitResponse struct {
	Status    string    `json:"status"`
	RequestID uuid.UUID `json:"request_id"`
}

// NewSubmitHandler returns an http.HandlerFunc accepting a multipart upload
// for kind. The form carries "file" plus the extraction options.
func NewSubmitHandler(kind models.JobKind, svc Submitter, maxUploadBytes int64) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if maxUploadBytes > 0 {
			r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
		}
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooLarge *http.MaxBytesError
			if errors.As(err, &tooLarge) {
				response.Error(w, http.StatusRequestEntityTooLarge, "FILE_TOO_LARGE",
					"Upload exceeds the size limit", map[string]int64{"max_bytes": tooLarge.Limit})
				return
			}
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Expected a multipart form", nil)
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "file is required", nil)
			return
		}
		defer file.Close()

		params, err := parseExtractParams(r)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}
		useRemote, err := formBool(r, "use_remote", false)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
			return
		}

		rec, err := svc.Submit(r.Context(), intake.Submission{
			Kind:      kind,
			FileName:  header.Filename,
			File:      file,
			Params:    params,
			UseRemote: useRemote,
		})
		if err != nil {
			switch {
			case errors.Is(err, artifact.ErrUnsupportedType):
				response.Error(w, http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE_TYPE",
					"File type is not supported", map[string][]string{"supported": artifact.SupportedExtensions()})
			case errors.Is(err, intake.ErrEmptyUpload):
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "Uploaded file is empty", nil)
			case errors.Is(err, intake.ErrQueueUnavailable):
				slog.Error("enqueue failed", "kind", kind, "error", err)
				response.Unavailable(w, queueRetryAfter, "QUEUE_UNAVAILABLE",
					"The job queue is not available")
			default:
				slog.Error("submit failed", "kind", kind, "error", err)
				response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
					"An unexpected error occurred", nil)
			}
			return
		}

		response.Accepted(w, submitResponse{Status: models.ResultStatusPending, RequestID: rec.ID})
	}
}

// parseExtractParams reads the extraction options, defaulting every absent field.
func parseExtractParams(r *http.Request) (models.ExtractParams, error) {
	p := models.DefaultExtractParams()
	var err error

	p.Method = formString(r, "method", p.Method)
	p.Backend = formString(r, "backend", p.Backend)
	p.Lang = formString(r, "lang", p.Lang)
	p.SglangURL = formString(r, "sglang_url", p.SglangURL)
	p.Source = formString(r, "source", p.Source)

	if p.Formula, err = formBool(r, "formula", p.Formula); err != nil {
		return p, err
	}
	if p.Table, err = formBool(r, "table", p.Table); err != nil {
		return p, err
	}
	if p.ReturnAllFiles, err = formBool(r, "return_all_files", p.ReturnAllFiles); err != nil {
		return p, err
	}
	if p.StartPage, err = formPage(r, "start_page"); err != nil {
		return p, err
	}
	if p.EndPage, err = formPage(r, "end_page"); err != nil {
		return p, err
	}
	if p.StartPage != nil && p.EndPage != nil && *p.EndPage < *p.StartPage {
		return p, errors.New("end_page must not be before start_page")
	}
	if p.MinMemoryRatio, err = formRatio(r, "min_memory_ratio"); err != nil {
		return p, err
	}
	return p, nil
}

func formString(r *http.Request, key, def string) string {
	if v := strings.TrimSpace(r.FormValue(key)); v != "" {
		return v
	}
	return def
}

func formBool(r *http.Request, key string, def bool) (bool, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return def, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def, errors.New(key + " must be a boolean")
	}
	return b, nil
}

func formPage(r *http.Request, key string) (*int, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return nil, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return nil, errors.New(key + " must be a non-negative integer")
	}
	return &n, nil
}

// formRatio parses an optional fraction in (0, 1]. Zero means unset.
func formRatio(r *http.Request, key string) (float64, error) {
	v := strings.TrimSpace(r.FormValue(key))
	if v == "" {
		return 0, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f <= 0 || f > 1 {
		return 0, errors.New(key + " must be a number in (0, 1]")
	}
	return f, nil
}

// NewPollHandler returns an http.HandlerFunc that waits for the result of a
// kind job. Query: request_id (required), timeout in seconds.
func NewPollHandler(kind models.JobKind, svc Poller) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		id, err := uuid.Parse(q.Get("request_id"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST_ID", "request_id must be a UUID", nil)
			return
		}

		var timeout time.Duration
		if v := q.Get("timeout"); v != "" {
			secs, err := strconv.Atoi(v)
			if err != nil || secs < 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "timeout must be a non-negative number of seconds", nil)
				return
			}
			timeout = time.Duration(secs) * time.Second
		}

		result, err := svc.Poll(r.Context(), kind, id, intake.ClampPollTimeout(timeout))
		if err != nil {
			if errors.Is(err, intake.ErrQueueUnavailable) {
				response.Unavailable(w, queueRetryAfter, "QUEUE_UNAVAILABLE",
					"The result queue is not available")
				return
			}
			slog.Error("poll failed", "request_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR",
				"An unexpected error occurred", nil)
			return
		}

		response.JSON(w, result)
	}
}

type jobResponse struct {
	*models.JobRecord
	Result *models.TaskResult `json:"result,omitempty"`
}

// NewGetJobHandler returns the ledger row for {jobID} with its stored result.
func NewGetJobHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_JOB_ID", "Invalid job ID", nil)
			return
		}

		job, err := jobs.GetJob(r.Context(), id)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
				return
			}
			slog.Error("get job failed", "request_id", id, "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to read job", nil)
			return
		}

		out := jobResponse{JobRecord: job}
		if len(job.Result) > 0 {
			var result models.TaskResult
			if err := json.Unmarshal(job.Result, &result); err == nil {
				out.Result = &result
			}
		}
		response.JSON(w, out)
	}
}

var validJobStatuses = map[string]bool{
	models.JobStatusPending:   true,
	models.JobStatusRunning:   true,
	models.JobStatusCompleted: true,
	models.JobStatusFailed:    true,
}

// NewListJobsHandler lists ledger rows. Query: kind, status, page, limit (max 100).
func NewListJobsHandler(jobs JobReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		filter := store.JobFilter{
			Kind:   models.JobKind(q.Get("kind")),
			Status: q.Get("status"),
			Page:   1,
			Limit:  20,
		}

		if filter.Kind != "" {
			switch filter.Kind {
			case models.JobKindExtract, models.JobKindImage, models.JobKindCombined:
			default:
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "kind must be extract, image or combined", nil)
				return
			}
		}
		if filter.Status != "" && !validJobStatuses[filter.Status] {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "unknown status", nil)
			return
		}
		if v := q.Get("page"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "page must be a positive integer", nil)
				return
			}
			filter.Page = n
		}
		if v := q.Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n < 1 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			filter.Limit = min(n, 100)
		}

		list, total, err := jobs.ListJobs(r.Context(), filter)
		if err != nil {
			slog.Error("list jobs failed", "error", err)
			response.Error(w, http.StatusInternalServerError, "INTERNAL_ERROR", "Failed to list jobs", nil)
			return
		}
		if list == nil {
			list = []*models.JobRecord{}
		}

		response.Collection(w, list, response.Paginate(filter.Page, filter.Limit, total))
	}
}

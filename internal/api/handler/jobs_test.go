package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/docpipe/internal/artifact"
	"github.com/kiranshivaraju/docpipe/internal/intake"
	"github.com/kiranshivaraju/docpipe/internal/store"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// --- mock Submitter / Poller ---

type mockSubmitter struct {
	got  intake.Submission
	body string
	err  error
	id   uuid.UUID
}

func (m *mockSubmitter) Submit(_ context.Context, sub intake.Submission) (*models.JobRecord, error) {
	m.got = sub
	if sub.File != nil {
		b, _ := io.ReadAll(sub.File)
		m.body = string(b)
	}
	if m.err != nil {
		return nil, m.err
	}
	m.id = uuid.New()
	return &models.JobRecord{ID: m.id, Kind: sub.Kind, Status: models.JobStatusPending}, nil
}

type mockPoller struct {
	kind    models.JobKind
	id      uuid.UUID
	timeout time.Duration
	result  models.TaskResult
	err     error
}

func (m *mockPoller) Poll(_ context.Context, kind models.JobKind, id uuid.UUID, timeout time.Duration) (models.TaskResult, error) {
	m.kind, m.id, m.timeout = kind, id, timeout
	if m.err != nil {
		return models.TaskResult{}, m.err
	}
	if m.result.Status == "" {
		return models.Pending(id), nil
	}
	return m.result, nil
}

// --- mock JobReader ---

type mockJobs struct {
	jobs   map[uuid.UUID]*models.JobRecord
	filter store.JobFilter
	total  int
	err    error
}

func (m *mockJobs) GetJob(_ context.Context, id uuid.UUID) (*models.JobRecord, error) {
	if m.err != nil {
		return nil, m.err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (m *mockJobs) ListJobs(_ context.Context, f store.JobFilter) ([]*models.JobRecord, int, error) {
	m.filter = f
	if m.err != nil {
		return nil, 0, m.err
	}
	var out []*models.JobRecord
	for _, j := range m.jobs {
		out = append(out, j)
	}
	return out, m.total, nil
}

// --- helpers ---

func multipartRequest(t *testing.T, path, fileName, content string, fields map[string]string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mpw := multipart.NewWriter(&buf)
	if fileName != "" {
		fw, err := mpw.CreateFormFile("file", fileName)
		require.NoError(t, err)
		_, err = fw.Write([]byte(content))
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mpw.WriteField(k, v))
	}
	require.NoError(t, mpw.Close())

	r := httptest.NewRequest(http.MethodPost, path, &buf)
	r.Header.Set("Content-Type", mpw.FormDataContentType())
	return r
}

func decodeData(t *testing.T, rec *httptest.ResponseRecorder, v any) {
	t.Helper()
	env := struct {
		Data any `json:"data"`
	}{Data: v}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
}

func errorCode(t *testing.T, rec *httptest.ResponseRecorder) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	return env.Error.Code
}

// --- submit ---

func TestSubmit_202_Defaults(t *testing.T) {
	svc := &mockSubmitter{}
	h := NewSubmitHandler(models.JobKindExtract, svc, 1<<20)

	rec := httptest.NewRecorder()
	h(rec, multipartRequest(t, "/api/v1/extract-text", "doc.pdf", "%PDF", nil))

	require.Equal(t, http.StatusAccepted, rec.Code)
	var out submitResponse
	decodeData(t, rec, &out)
	assert.Equal(t, models.ResultStatusPending, out.Status)
	assert.Equal(t, svc.id, out.RequestID)

	assert.Equal(t, models.JobKindExtract, svc.got.Kind)
	assert.Equal(t, "doc.pdf", svc.got.FileName)
	assert.Equal(t, "%PDF", svc.body)
	assert.Equal(t, models.DefaultExtractParams(), svc.got.Params)
	assert.False(t, svc.got.UseRemote)
}

func TestSubmit_ParsesFormOptions(t *testing.T) {
	svc := &mockSubmitter{}
	h := NewSubmitHandler(models.JobKindCombined, svc, 1<<20)

	rec := httptest.NewRecorder()
	h(rec, multipartRequest(t, "/api/v1/combined", "deck.pptx", "x", map[string]string{
		"method":           "ocr",
		"backend":          "pipeline",
		"lang":             "en",
		"formula":          "false",
		"table":            "false",
		"start_page":       "2",
		"end_page":         "5",
		"sglang_url":       "http://sglang:30000",
		"source":           "batch",
		"return_all_files": "true",
		"use_remote":       "true",
		"min_memory_ratio": "0.5",
	}))

	require.Equal(t, http.StatusAccepted, rec.Code)
	p := svc.got.Params
	assert.Equal(t, "ocr", p.Method)
	assert.Equal(t, "pipeline", p.Backend)
	assert.Equal(t, "en", p.Lang)
	assert.False(t, p.Formula)
	assert.False(t, p.Table)
	require.NotNil(t, p.StartPage)
	require.NotNil(t, p.EndPage)
	assert.Equal(t, 2, *p.StartPage)
	assert.Equal(t, 5, *p.EndPage)
	assert.Equal(t, "http://sglang:30000", p.SglangURL)
	assert.Equal(t, "batch", p.Source)
	assert.True(t, p.ReturnAllFiles)
	assert.Equal(t, 0.5, p.MinMemoryRatio)
	assert.True(t, svc.got.UseRemote)
	assert.Equal(t, models.JobKindCombined, svc.got.Kind)
}

func TestSubmit_400_Validation(t *testing.T) {
	tests := []struct {
		name   string
		fields map[string]string
	}{
		{"bad bool", map[string]string{"formula": "maybe"}},
		{"bad page", map[string]string{"start_page": "one"}},
		{"negative page", map[string]string{"end_page": "-1"}},
		{"reversed range", map[string]string{"start_page": "5", "end_page": "2"}},
		{"bad use_remote", map[string]string{"use_remote": "yes please"}},
		{"ratio not a number", map[string]string{"min_memory_ratio": "half"}},
		{"ratio zero", map[string]string{"min_memory_ratio": "0"}},
		{"ratio above one", map[string]string{"min_memory_ratio": "1.5"}},
		{"ratio negative", map[string]string{"min_memory_ratio": "-0.2"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockSubmitter{}
			rec := httptest.NewRecorder()
			NewSubmitHandler(models.JobKindExtract, svc, 1<<20)(rec,
				multipartRequest(t, "/api/v1/extract-text", "a.pdf", "x", tt.fields))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, "INVALID_REQUEST", errorCode(t, rec))
			assert.Empty(t, svc.got.FileName)
		})
	}
}

func TestSubmit_400_MissingFile(t *testing.T) {
	rec := httptest.NewRecorder()
	NewSubmitHandler(models.JobKindExtract, &mockSubmitter{}, 1<<20)(rec,
		multipartRequest(t, "/api/v1/extract-text", "", "", map[string]string{"lang": "en"}))

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_400_NotMultipart(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/api/v1/extract-text", strings.NewReader(`{"file":"x"}`))
	r.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	NewSubmitHandler(models.JobKindExtract, &mockSubmitter{}, 1<<20)(rec, r)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSubmit_413_TooLarge(t *testing.T) {
	rec := httptest.NewRecorder()
	NewSubmitHandler(models.JobKindExtract, &mockSubmitter{}, 64)(rec,
		multipartRequest(t, "/api/v1/extract-text", "a.pdf", strings.Repeat("x", 4096), nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
	assert.Equal(t, "FILE_TOO_LARGE", errorCode(t, rec))
}

func TestSubmit_ServiceErrors(t *testing.T) {
	tests := []struct {
		err    error
		status int
		code   string
	}{
		{fmt.Errorf("%w: \".txt\"", artifact.ErrUnsupportedType), http.StatusUnsupportedMediaType, "UNSUPPORTED_FILE_TYPE"},
		{intake.ErrEmptyUpload, http.StatusBadRequest, "INVALID_REQUEST"},
		{fmt.Errorf("%w: refused", intake.ErrQueueUnavailable), http.StatusServiceUnavailable, "QUEUE_UNAVAILABLE"},
		{errors.New("disk full"), http.StatusInternalServerError, "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.code, func(t *testing.T) {
			rec := httptest.NewRecorder()
			NewSubmitHandler(models.JobKindImage, &mockSubmitter{err: tt.err}, 1<<20)(rec,
				multipartRequest(t, "/api/v1/image-description", "a.txt", "x", nil))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, tt.code, errorCode(t, rec))
		})
	}
}

// --- poll ---

func TestPoll_200_Result(t *testing.T) {
	id := uuid.New()
	p := &mockPoller{result: models.TaskResult{Status: models.ResultStatusSuccess, RequestID: id, Device: "gpu:1"}}

	rec := httptest.NewRecorder()
	NewPollHandler(models.JobKindExtract, p)(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/extract-result?request_id="+id.String()+"&timeout=5", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out models.TaskResult
	decodeData(t, rec, &out)
	assert.Equal(t, models.ResultStatusSuccess, out.Status)
	assert.Equal(t, "gpu:1", out.Device)
	assert.Equal(t, models.JobKindExtract, p.kind)
	assert.Equal(t, id, p.id)
	assert.Equal(t, 5*time.Second, p.timeout)
}

func TestPoll_TimeoutDefaultsAndCap(t *testing.T) {
	id := uuid.New().String()

	p := &mockPoller{}
	NewPollHandler(models.JobKindImage, p)(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/v1/image-result?request_id="+id, nil))
	assert.Equal(t, intake.DefaultPollTimeout, p.timeout)

	NewPollHandler(models.JobKindImage, p)(httptest.NewRecorder(),
		httptest.NewRequest(http.MethodGet, "/api/v1/image-result?request_id="+id+"&timeout=9999", nil))
	assert.Equal(t, intake.MaxPollTimeout, p.timeout)
}

func TestPoll_Pending(t *testing.T) {
	id := uuid.New()
	rec := httptest.NewRecorder()
	NewPollHandler(models.JobKindCombined, &mockPoller{})(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/combined-result?request_id="+id.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out models.TaskResult
	decodeData(t, rec, &out)
	assert.Equal(t, models.ResultStatusPending, out.Status)
	assert.Equal(t, id, out.RequestID)
}

func TestPoll_400(t *testing.T) {
	for _, q := range []string{"", "?request_id=nope", "?request_id=" + uuid.New().String() + "&timeout=soon"} {
		rec := httptest.NewRecorder()
		NewPollHandler(models.JobKindExtract, &mockPoller{})(rec,
			httptest.NewRequest(http.MethodGet, "/api/v1/extract-result"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestPoll_503_QueueDown(t *testing.T) {
	rec := httptest.NewRecorder()
	NewPollHandler(models.JobKindExtract, &mockPoller{err: fmt.Errorf("%w: down", intake.ErrQueueUnavailable)})(rec,
		httptest.NewRequest(http.MethodGet, "/api/v1/extract-result?request_id="+uuid.New().String(), nil))

	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "5", rec.Header().Get("Retry-After"))
}

// --- jobs ---

func jobsRouter(jobs JobReader) http.Handler {
	r := chi.NewRouter()
	r.Get("/api/v1/jobs", NewListJobsHandler(jobs))
	r.Get("/api/v1/jobs/{jobID}", NewGetJobHandler(jobs))
	return r
}

func TestGetJob_200_WithResult(t *testing.T) {
	id := uuid.New()
	result, _ := json.Marshal(models.TaskResult{Status: models.ResultStatusSuccess, RequestID: id, Device: "node-a"})
	device := "node-a"
	jobs := &mockJobs{jobs: map[uuid.UUID]*models.JobRecord{
		id: {ID: id, Kind: models.JobKindExtract, Status: models.JobStatusCompleted, Device: &device, Result: result},
	}}

	rec := httptest.NewRecorder()
	jobsRouter(jobs).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+id.String(), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	var out map[string]any
	decodeData(t, rec, &out)
	assert.Equal(t, id.String(), out["id"])
	assert.Equal(t, "completed", out["status"])
	assert.Equal(t, "node-a", out["device"])
	res := out["result"].(map[string]any)
	assert.Equal(t, "success", res["status"])
}

func TestGetJob_404_And_400(t *testing.T) {
	jobs := &mockJobs{jobs: map[uuid.UUID]*models.JobRecord{}}

	rec := httptest.NewRecorder()
	jobsRouter(jobs).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/"+uuid.New().String(), nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "JOB_NOT_FOUND", errorCode(t, rec))

	rec = httptest.NewRecorder()
	jobsRouter(jobs).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs/xyz", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestListJobs_FilterAndMeta(t *testing.T) {
	id := uuid.New()
	jobs := &mockJobs{
		jobs:  map[uuid.UUID]*models.JobRecord{id: {ID: id, Kind: models.JobKindImage, Status: models.JobStatusFailed}},
		total: 45,
	}

	rec := httptest.NewRecorder()
	jobsRouter(jobs).ServeHTTP(rec, httptest.NewRequest(http.MethodGet,
		"/api/v1/jobs?kind=image&status=failed&page=2&limit=500", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, models.JobKindImage, jobs.filter.Kind)
	assert.Equal(t, models.JobStatusFailed, jobs.filter.Status)
	assert.Equal(t, 2, jobs.filter.Page)
	assert.Equal(t, 100, jobs.filter.Limit)

	var env struct {
		Data []map[string]any `json:"data"`
		Meta map[string]any   `json:"meta"`
	}
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&env))
	assert.Len(t, env.Data, 1)
	assert.Equal(t, float64(45), env.Meta["total"])
	assert.Equal(t, false, env.Meta["has_next"])
}

func TestListJobs_EmptyIsArray(t *testing.T) {
	rec := httptest.NewRecorder()
	jobsRouter(&mockJobs{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"data":[]`)
}

func TestListJobs_400(t *testing.T) {
	for _, q := range []string{"?kind=audio", "?status=lost", "?page=0", "?limit=x"} {
		rec := httptest.NewRecorder()
		jobsRouter(&mockJobs{}).ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/jobs"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

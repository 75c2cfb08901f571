package storage_test

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/kiranshivaraju/docpipe/internal/storage"
)

func TestObjectName(t *testing.T) {
	id := uuid.MustParse("6f1c1d2e-8a2b-4b7e-9c3d-1e2f3a4b5c6d")
	day := time.Date(2025, 7, 28, 23, 0, 0, 0, time.UTC)

	got := storage.ObjectName(day, id, "output/doc/auto", "/tmp/x/doc.md")
	assert.Equal(t, "2025-07-28/6f1c1d2e-8a2b-4b7e-9c3d-1e2f3a4b5c6d/output/doc/auto/doc.md", got)
}

func setupMinIO(t *testing.T) *storage.MinIO {
	t.Helper()
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "minio/minio:latest",
		ExposedPorts: []string{"9000/tcp"},
		Cmd:          []string{"server", "/data"},
		Env: map[string]string{
			"MINIO_ROOT_USER":     "minioadmin",
			"MINIO_ROOT_PASSWORD": "minioadmin",
		},
		WaitingFor: wait.ForHTTP("/minio/health/live").WithPort("9000/tcp").WithStartupTimeout(60 * time.Second),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "9000")
	require.NoError(t, err)

	m, err := storage.New(storage.Config{
		Endpoint:  host + ":" + port.Port(),
		AccessKey: "minioadmin",
		SecretKey: "minioadmin",
		Bucket:    "docpipe-test",
	})
	require.NoError(t, err)
	require.NoError(t, m.EnsureBucket(ctx))
	return m
}

func TestUploadAndDownload(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	m := setupMinIO(t)
	ctx := context.Background()

	local := filepath.Join(t.TempDir(), "result.md")
	require.NoError(t, os.WriteFile(local, []byte("# Title"), 0o644))

	u, err := m.Upload(ctx, uuid.New(), local, "output")
	require.NoError(t, err)
	assert.Contains(t, u, "/docpipe-test/")
	assert.Contains(t, u, "X-Amz-Expires=604800")

	body, err := m.Download(ctx, u)
	require.NoError(t, err)
	assert.Equal(t, "# Title", string(body))
}

func TestEnsureBucket_Idempotent(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	m := setupMinIO(t)
	assert.NoError(t, m.EnsureBucket(context.Background()))
	assert.NoError(t, m.Ping(context.Background()))
}

func TestDownload_Non200(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.NotFound(w, r)
	}))
	defer srv.Close()

	m, err := storage.New(storage.Config{Endpoint: "localhost:9000", Bucket: "b"})
	require.NoError(t, err)

	_, err = m.Download(context.Background(), srv.URL+"/missing")
	assert.ErrorContains(t, err, "status 404")
}

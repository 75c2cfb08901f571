// Package storage uploads job artifacts to MinIO and hands out presigned URLs.
package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"net/url"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
)

// PresignExpiry is how long returned URLs stay valid.
const PresignExpiry = 7 * 24 * time.Hour

// Config holds the MinIO connection settings.
type Config struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	Bucket    string
	Secure    bool
}

// MinIO implements artifact uploads against one bucket.
type MinIO struct {
	client *minio.Client
	bucket string
	now    func() time.Time
	http   *http.Client
}

// New connects to MinIO. It does not touch the network; call EnsureBucket at startup.
func New(cfg Config) (*MinIO, error) {
	client, err := minio.New(cfg.Endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.Secure,
	})
	if err != nil {
		return nil, fmt.Errorf("creating minio client: %w", err)
	}
	return &MinIO{
		client: client,
		bucket: cfg.Bucket,
		now:    time.Now,
		http:   &http.Client{Timeout: 60 * time.Second},
	}, nil
}

// EnsureBucket creates the bucket if it does not exist.
func (m *MinIO) EnsureBucket(ctx context.Context) error {
	exists, err := m.client.BucketExists(ctx, m.bucket)
	if err != nil {
		return fmt.Errorf("checking bucket %s: %w", m.bucket, err)
	}
	if exists {
		return nil
	}
	if err := m.client.MakeBucket(ctx, m.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("creating bucket %s: %w", m.bucket, err)
	}
	slog.Info("minio bucket created", "bucket", m.bucket)
	return nil
}

// Ping checks that the bucket is reachable.
func (m *MinIO) Ping(ctx context.Context) error {
	_, err := m.client.BucketExists(ctx, m.bucket)
	return err
}

// ObjectName is {YYYY-MM-DD}/{request_id}/{prefix}/{base name}.
func ObjectName(day time.Time, requestID uuid.UUID, prefix, localPath string) string {
	return path.Join(day.Format("2006-01-02"), requestID.String(), prefix, filepath.Base(localPath))
}

// Upload stores localPath and returns a presigned GET URL valid for PresignExpiry.
func (m *MinIO) Upload(ctx context.Context, requestID uuid.UUID, localPath, prefix string) (string, error) {
	object := ObjectName(m.now(), requestID, prefix, localPath)

	opts := minio.PutObjectOptions{ContentType: contentType(localPath)}
	if _, err := m.client.FPutObject(ctx, m.bucket, object, localPath, opts); err != nil {
		return "", fmt.Errorf("uploading %s: %w", object, err)
	}

	u, err := m.client.PresignedGetObject(ctx, m.bucket, object, PresignExpiry, url.Values{})
	if err != nil {
		return "", fmt.Errorf("presigning %s: %w", object, err)
	}
	slog.Debug("artifact uploaded", "request_id", requestID, "object", object)
	return u.String(), nil
}

// Download fetches a previously issued presigned URL.
func (m *MinIO) Download(ctx context.Context, rawURL string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	resp, err := m.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("downloading artifact: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("downloading artifact: status %d", resp.StatusCode)
	}
	return io.ReadAll(resp.Body)
}

func contentType(p string) string {
	ext := strings.ToLower(filepath.Ext(p))
	switch ext {
	case ".md":
		return "text/markdown; charset=utf-8"
	case ".json":
		return "application/json"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}

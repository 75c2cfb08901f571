package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/docpipe/internal/config"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

func TestRun_FailsOnMissingConfig(t *testing.T) {
	for _, key := range []string{"DATABASE_URL", "REDIS_URL", "MINIO_ENDPOINT"} {
		t.Setenv(key, "")
	}

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "load config")
}

func TestRun_FailsOnInvalidDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "not-a-valid-url")
	t.Setenv("REDIS_URL", "redis://localhost:6379")
	t.Setenv("MINIO_ENDPOINT", "localhost:9000")
	t.Setenv("VISION_PROVIDER", "ollama")

	err := run()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connect database")
}

func TestConsumerKinds(t *testing.T) {
	assert.ElementsMatch(t, []models.JobKind{
		models.JobKindExtract, models.JobKindImage, models.JobKindCombined,
	}, consumerKinds)
}

func TestNewConverter_MissingBinaryStillBuilds(t *testing.T) {
	c := newConverter(config.OfficeConfig{Binary: "/nonexistent/soffice"})
	require.NotNil(t, c)
	assert.Error(t, c.Available())
}

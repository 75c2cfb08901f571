package executor_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/docpipe/internal/executor"
	"github.com/kiranshivaraju/docpipe/pkg/models"
)

// fakeBinary writes a shell script standing in for the extractor.
func fakeBinary(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "fake-extract")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

func TestArgs_Defaults(t *testing.T) {
	args := executor.Args("/in/a.pdf", "/out", models.DefaultExtractParams())
	assert.Equal(t, []string{
		"-p", "/in/a.pdf",
		"-o", "/out",
		"-m", "auto",
		"-b", "auto",
		"-l", "zh",
		"--formula", "true",
		"--table", "true",
		"--device", "cuda:0",
		"--source", "user_upload",
	}, args)
}

func TestArgs_PageRangeAndSglang(t *testing.T) {
	p := models.DefaultExtractParams()
	start, end := 1, 5
	p.StartPage, p.EndPage = &start, &end
	p.Backend = "vlm-sglang-client"
	p.SglangURL = "http://sglang:30000"

	args := strings.Join(executor.Args("a.pdf", "out", p), " ")
	assert.Contains(t, args, "-s 1")
	assert.Contains(t, args, "-e 5")
	assert.Contains(t, args, "-u http://sglang:30000")
}

func TestArgs_SglangURLIgnoredForOtherBackends(t *testing.T) {
	p := models.DefaultExtractParams()
	p.SglangURL = "http://sglang:30000"
	assert.NotContains(t, executor.Args("a.pdf", "out", p), "-u")
}

func TestRun_PinsDeviceAndCapturesLog(t *testing.T) {
	bin := fakeBinary(t, `echo "visible=$CUDA_VISIBLE_DEVICES alloc=$PYTORCH_CUDA_ALLOC_CONF"
echo "args=$*" >&2
touch "$4/a_middle.json"`)
	work := t.TempDir()

	res, err := executor.New(bin).Run(context.Background(), 3, "/in/a.pdf", work, models.DefaultExtractParams())
	require.NoError(t, err)
	assert.Equal(t, 3, res.DeviceID)
	assert.Equal(t, filepath.Join(work, "output"), res.OutputDir)
	assert.FileExists(t, filepath.Join(res.OutputDir, "a_middle.json"))

	log, err := os.ReadFile(res.LogPath)
	require.NoError(t, err)
	assert.Contains(t, string(log), "visible=3 alloc=expandable_segments:True")
	assert.Contains(t, string(log), "args=-p /in/a.pdf")
}

func TestRun_NonzeroExitCarriesLog(t *testing.T) {
	bin := fakeBinary(t, `echo "CUDA out of memory" >&2
exit 2`)

	_, err := executor.New(bin).Run(context.Background(), 0, "a.pdf", t.TempDir(), models.DefaultExtractParams())
	require.ErrorIs(t, err, executor.ErrExecution)

	var exitErr *executor.ExitError
	require.ErrorAs(t, err, &exitErr)
	assert.Equal(t, 2, exitErr.Code)
	assert.Contains(t, exitErr.Log, "CUDA out of memory")
	assert.Contains(t, err.Error(), "CUDA out of memory")
}

func TestRun_MissingBinary(t *testing.T) {
	e := executor.New(filepath.Join(t.TempDir(), "nope"))
	_, err := e.Run(context.Background(), 0, "a.pdf", t.TempDir(), models.DefaultExtractParams())
	assert.ErrorIs(t, err, executor.ErrExecution)
	assert.ErrorIs(t, e.Available(), executor.ErrExecution)
}

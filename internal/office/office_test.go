package office_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/docpipe/internal/clock"
	"github.com/kiranshivaraju/docpipe/internal/office"
)

// fakeSoffice writes a script that receives
// --headless --convert-to pdf --outdir DIR INPUT.
func fakeSoffice(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "soffice")
	require.NoError(t, os.WriteFile(path, []byte("#!/bin/sh\n"+body+"\n"), 0o755))
	return path
}

// $5 is the output directory and $6 the input document.
const writesPDF = `name=$(basename "$6"); echo pdf > "$5/${name%.*}.pdf"`

func TestConvert_Success(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "slides.pptx")
	require.NoError(t, os.WriteFile(input, []byte("x"), 0o644))

	c := office.New(office.Options{Binary: fakeSoffice(t, writesPDF), Sleeper: &clock.Fake{}})
	pdf, err := c.Convert(context.Background(), input, dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "slides.pdf"), pdf)
	assert.FileExists(t, pdf)
}

func TestConvert_ArgumentOrder(t *testing.T) {
	dir := t.TempDir()
	input := filepath.Join(dir, "report.docx")
	argsFile := filepath.Join(dir, "args")
	script := `printf '%s\n' "$@" > "` + argsFile + `"
` + writesPDF

	c := office.New(office.Options{Binary: fakeSoffice(t, script), Sleeper: &clock.Fake{}})
	_, err := c.Convert(context.Background(), input, dir)
	require.NoError(t, err)

	b, err := os.ReadFile(argsFile)
	require.NoError(t, err)
	assert.Equal(t, "--headless\n--convert-to\npdf\n--outdir\n"+dir+"\n"+input+"\n", string(b))
}

func TestConvert_RetriesThenFails(t *testing.T) {
	dir := t.TempDir()
	fake := &clock.Fake{}
	c := office.New(office.Options{Binary: fakeSoffice(t, "echo broken >&2; exit 1"), Sleeper: fake})

	_, err := c.Convert(context.Background(), filepath.Join(dir, "a.docx"), dir)
	require.ErrorIs(t, err, office.ErrConversion)
	assert.Contains(t, err.Error(), "broken")
	assert.Equal(t, []time.Duration{5 * time.Second, 5 * time.Second}, fake.Sleeps())
}

func TestConvert_ExitZeroWithoutOutputFails(t *testing.T) {
	dir := t.TempDir()
	c := office.New(office.Options{Binary: fakeSoffice(t, "exit 0"), Attempts: 1})

	_, err := c.Convert(context.Background(), filepath.Join(dir, "a.docx"), dir)
	assert.ErrorIs(t, err, office.ErrConversion)
}

func TestConvert_SucceedsOnSecondAttempt(t *testing.T) {
	dir := t.TempDir()
	marker := filepath.Join(dir, "tried")
	script := `if [ ! -f "` + marker + `" ]; then touch "` + marker + `"; exit 1; fi
` + writesPDF

	fake := &clock.Fake{}
	c := office.New(office.Options{Binary: fakeSoffice(t, script), Sleeper: fake})
	pdf, err := c.Convert(context.Background(), filepath.Join(dir, "sheet.xlsx"), dir)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "sheet.pdf"), pdf)
	assert.Len(t, fake.Sleeps(), 1)
}

func TestConvert_Timeout(t *testing.T) {
	dir := t.TempDir()
	c := office.New(office.Options{
		Binary:   fakeSoffice(t, "exec sleep 5"),
		Timeout:  50 * time.Millisecond,
		Attempts: 1,
	})

	_, err := c.Convert(context.Background(), filepath.Join(dir, "a.doc"), dir)
	require.ErrorIs(t, err, office.ErrConversion)
	assert.Contains(t, err.Error(), "timed out")
}

func TestConvert_NotInstalled(t *testing.T) {
	old := office.SearchPaths
	office.SearchPaths = nil
	defer func() { office.SearchPaths = old }()

	c := office.New(office.Options{})
	_, err := c.Convert(context.Background(), "a.docx", t.TempDir())
	assert.ErrorIs(t, err, office.ErrNotInstalled)
	assert.ErrorIs(t, c.Available(), office.ErrNotInstalled)
}

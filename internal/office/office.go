// Package office converts office documents to PDF with a headless LibreOffice.
package office

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/kiranshivaraju/docpipe/internal/clock"
)

const (
	DefaultTimeout  = 300 * time.Second
	DefaultAttempts = 3
	DefaultDelay    = 5 * time.Second
)

var (
	// ErrNotInstalled means no LibreOffice binary was configured or found.
	ErrNotInstalled = errors.New("libreoffice not found")
	// ErrConversion means every conversion attempt failed.
	ErrConversion = errors.New("office to pdf conversion failed")
)

// SearchPaths are probed in order when no binary is configured.
var SearchPaths = []string{
	"/usr/bin/libreoffice",
	"/usr/local/bin/libreoffice",
	"/usr/bin/soffice",
	"/usr/local/bin/soffice",
	"/Applications/LibreOffice.app/Contents/MacOS/soffice",
}

// Options tunes the converter. Zero values take the defaults.
type Options struct {
	Binary   string
	Timeout  time.Duration
	Attempts int
	Delay    time.Duration
	Sleeper  clock.Sleeper
}

// Converter runs soffice --headless --convert-to pdf.
type Converter struct {
	binary   string
	timeout  time.Duration
	attempts int
	delay    time.Duration
	sleeper  clock.Sleeper
}

func New(opts Options) *Converter {
	if opts.Binary == "" {
		opts.Binary = Find()
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Attempts <= 0 {
		opts.Attempts = DefaultAttempts
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Sleeper == nil {
		opts.Sleeper = clock.Real{}
	}
	return &Converter{
		binary:   opts.Binary,
		timeout:  opts.Timeout,
		attempts: opts.Attempts,
		delay:    opts.Delay,
		sleeper:  opts.Sleeper,
	}
}

// Find returns the first existing path in SearchPaths, or "" when none exists.
func Find() string {
	for _, p := range SearchPaths {
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}
	return ""
}

// Available reports whether a binary is configured.
func (c *Converter) Available() error {
	if c.binary == "" {
		return ErrNotInstalled
	}
	if _, err := exec.LookPath(c.binary); err != nil {
		return fmt.Errorf("%w: %v", ErrNotInstalled, err)
	}
	return nil
}

// Convert writes <outputDir>/<input base>.pdf and returns its path.
func (c *Converter) Convert(ctx context.Context, inputPath, outputDir string) (string, error) {
	if c.binary == "" {
		return "", ErrNotInstalled
	}

	base := strings.TrimSuffix(filepath.Base(inputPath), filepath.Ext(inputPath))
	pdfPath := filepath.Join(outputDir, base+".pdf")

	var lastErr error
	for attempt := 1; attempt <= c.attempts; attempt++ {
		lastErr = c.run(ctx, inputPath, outputDir, pdfPath)
		if lastErr == nil {
			slog.Info("office document converted", "input", inputPath, "pdf", pdfPath, "attempt", attempt)
			return pdfPath, nil
		}
		slog.Warn("office conversion attempt failed",
			"input", inputPath,
			"attempt", attempt,
			"max_attempts", c.attempts,
			"error", lastErr,
		)
		if attempt == c.attempts {
			break
		}
		if err := c.sleeper.Sleep(ctx, c.delay); err != nil {
			return "", err
		}
	}
	return "", fmt.Errorf("%w after %d attempts: %v", ErrConversion, c.attempts, lastErr)
}

func (c *Converter) run(ctx context.Context, inputPath, outputDir, pdfPath string) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, c.binary, "--headless", "--convert-to", "pdf", "--outdir", outputDir, inputPath)
	cmd.WaitDelay = 10 * time.Second
	out, err := cmd.CombinedOutput()
	if ctx.Err() == context.DeadlineExceeded {
		return fmt.Errorf("timed out after %s", c.timeout)
	}
	if err != nil {
		return fmt.Errorf("%v: %s", err, strings.TrimSpace(string(out)))
	}
	if _, err := os.Stat(pdfPath); err != nil {
		return fmt.Errorf("expected output %s missing", pdfPath)
	}
	return nil
}

// Package executor runs the extraction executable on a single pinned GPU.
package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const (
	DefaultBinary = "mineru"
	LogFileName   = "process.log"
	OutputDirName = "output"

	sglangClientBackend = "vlm-sglang-client"
	maxLogInError       = 16 * 1024
)

// ErrExecution is matched by every failure to run the executable.
var ErrExecution = errors.New("local extraction failed")

// ExitError is a nonzero exit. Log holds the tail of the captured output.
type ExitError struct {
	Code int
	Log  string
}

func (e *ExitError) Error() string {
	return fmt.Sprintf("extractor exited with code %d\nlog:\n%s", e.Code, e.Log)
}

func (e *ExitError) Unwrap() error { return ErrExecution }

// Result points at what a successful run produced.
type Result struct {
	OutputDir string
	LogPath   string
	DeviceID  int
}

// Executor launches the extraction binary.
type Executor struct {
	binary string
}

// New returns an Executor for binary, resolved through PATH when not absolute.
func New(binary string) *Executor {
	if binary == "" {
		binary = DefaultBinary
	}
	return &Executor{binary: binary}
}

// Available reports whether the binary can be found.
func (e *Executor) Available() error {
	if _, err := exec.LookPath(e.binary); err != nil {
		return fmt.Errorf("%w: %v", ErrExecution, err)
	}
	return nil
}

// Args builds the command line for one job.
func Args(inputPath, outputDir string, p models.ExtractParams) []string {
	args := []string{
		"-p", inputPath,
		"-o", outputDir,
		"-m", p.Method,
		"-b", p.Backend,
		"-l", p.Lang,
		"--formula", strconv.FormatBool(p.Formula),
		"--table", strconv.FormatBool(p.Table),
		// The process only sees its pinned device, so it is always index 0.
		"--device", "cuda:0",
		"--source", p.Source,
	}
	if p.StartPage != nil {
		args = append(args, "-s", strconv.Itoa(*p.StartPage))
	}
	if p.EndPage != nil {
		args = append(args, "-e", strconv.Itoa(*p.EndPage))
	}
	if p.Backend == sglangClientBackend && p.SglangURL != "" {
		args = append(args, "-u", p.SglangURL)
	}
	return args
}

// Env is the process environment with the device visibility override applied.
func Env(deviceID int) []string {
	return append(os.Environ(),
		"CUDA_VISIBLE_DEVICES="+strconv.Itoa(deviceID),
		"PYTORCH_CUDA_ALLOC_CONF=expandable_segments:True",
		"CUDA_LAUNCH_BLOCKING=1",
	)
}

// Run executes one extraction into workDir/output with stdout and stderr
// captured in workDir/process.log.
func (e *Executor) Run(ctx context.Context, deviceID int, inputPath, workDir string, p models.ExtractParams) (*Result, error) {
	outputDir := filepath.Join(workDir, OutputDirName)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating output dir: %w", err)
	}

	logPath := filepath.Join(workDir, LogFileName)
	logFile, err := os.Create(logPath)
	if err != nil {
		return nil, fmt.Errorf("creating log file: %w", err)
	}
	defer logFile.Close()

	args := Args(inputPath, outputDir, p)
	cmd := exec.CommandContext(ctx, e.binary, args...)
	cmd.Env = Env(deviceID)
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	slog.Info("running local extraction",
		"device_id", deviceID,
		"command", e.binary+" "+strings.Join(args, " "),
	)

	err = cmd.Run()
	if err == nil {
		slog.Info("local extraction finished", "device_id", deviceID, "output_dir", outputDir)
		return &Result{OutputDir: outputDir, LogPath: logPath, DeviceID: deviceID}, nil
	}

	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, &ExitError{Code: exitErr.ExitCode(), Log: readTail(logPath, maxLogInError)}
	}
	return nil, fmt.Errorf("%w: %v", ErrExecution, err)
}

func readTail(path string, n int) string {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Sprintf("(log unavailable: %v)", err)
	}
	if len(b) > n {
		b = b[len(b)-n:]
	}
	return string(b)
}

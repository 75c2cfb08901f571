package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/docpipe/pkg/models"
)

const (
	DefaultExtractPath    = "/extract"
	DefaultHealthTimeout  = 5 * time.Second
	DefaultConnectTimeout = 10 * time.Second
	DefaultReadTimeout    = 3600 * time.Second

	maxErrorBody = 2048
)

// ClientConfig configures the HTTP client for remote devices.
type ClientConfig struct {
	ExtractPath    string
	HealthTimeout  time.Duration
	ConnectTimeout time.Duration
	ReadTimeout    time.Duration
}

// ExtractRequest is the job payload sent to a device.
type ExtractRequest struct {
	FileName string
	Content  []byte
	Params   models.ExtractParams
}

// ExtractResponse is the body returned by a device's extraction endpoint.
type ExtractResponse struct {
	Status  string         `json:"status"`
	Message string         `json:"message,omitempty"`
	Results ExtractResults `json:"results"`
}

type ExtractResults struct {
	CoreFiles map[string]string `json:"core_files"`
}

// Client implements HealthChecker and Extractor over HTTP.
type Client struct {
	extractPath string
	health      *http.Client
	extract     *http.Client
}

// NewClient creates a remote device client. Zero config values take the defaults.
func NewClient(cfg ClientConfig) *Client {
	if cfg.ExtractPath == "" {
		cfg.ExtractPath = DefaultExtractPath
	}
	if cfg.HealthTimeout <= 0 {
		cfg.HealthTimeout = DefaultHealthTimeout
	}
	if cfg.ConnectTimeout <= 0 {
		cfg.ConnectTimeout = DefaultConnectTimeout
	}
	if cfg.ReadTimeout <= 0 {
		cfg.ReadTimeout = DefaultReadTimeout
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	transport.DialContext = (&net.Dialer{Timeout: cfg.ConnectTimeout}).DialContext

	return &Client{
		extractPath: cfg.ExtractPath,
		health:      &http.Client{Timeout: cfg.HealthTimeout},
		extract: &http.Client{
			Transport: transport,
			Timeout:   cfg.ConnectTimeout + cfg.ReadTimeout,
		},
	}
}

func baseURL(d models.RemoteDevice) string {
	return fmt.Sprintf("http://%s:%d", d.IP, d.Port)
}

// Health returns nil when GET /health answers 200.
func (c *Client) Health(ctx context.Context, d models.RemoteDevice) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL(d)+"/health", nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := c.health.Do(req)
	if err != nil {
		return classifyError(err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health check returned status %d", resp.StatusCode)
	}
	return nil
}

// Extract uploads the file with its parameters and decodes the result.
func (c *Client) Extract(ctx context.Context, d models.RemoteDevice, in ExtractRequest) (*ExtractResponse, error) {
	body, contentType, err := encodeForm(d, in)
	if err != nil {
		return nil, fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL(d)+c.extractPath, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)

	resp, err := c.extract.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, classifyError(err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, &ApplicationError{Device: d.Name, StatusCode: resp.StatusCode, Message: truncate(raw)}
	}

	var out ExtractResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, &ApplicationError{Device: d.Name, StatusCode: resp.StatusCode,
			Message: fmt.Sprintf("invalid response body: %v", err)}
	}
	if out.Status != models.ResultStatusSuccess {
		msg := out.Message
		if msg == "" {
			msg = "unknown error"
		}
		return nil, &ApplicationError{Device: d.Name, Message: msg}
	}
	return &out, nil
}

func encodeForm(d models.RemoteDevice, in ExtractRequest) (*bytes.Buffer, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	part, err := w.CreateFormFile("file", in.FileName)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(in.Content); err != nil {
		return nil, "", err
	}

	p := in.Params
	fields := [][2]string{
		{"method", p.Method},
		{"backend", p.Backend},
		{"lang", p.Lang},
		{"formula", strconv.FormatBool(p.Formula)},
		{"table", strconv.FormatBool(p.Table)},
		{"device", d.DeviceType},
		{"source", p.Source},
		{"return_all_files", strconv.FormatBool(p.ReturnAllFiles)},
	}
	if p.StartPage != nil {
		fields = append(fields, [2]string{"start_page", strconv.Itoa(*p.StartPage)})
	}
	if p.EndPage != nil {
		fields = append(fields, [2]string{"end_page", strconv.Itoa(*p.EndPage)})
	}
	if p.SglangURL != "" {
		fields = append(fields, [2]string{"sglang_url", p.SglangURL})
	}
	for _, f := range fields {
		if err := w.WriteField(f[0], f[1]); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

// classifyError maps client.Do failures to ErrTransport. Cancellation of the
// caller's context is passed through so it is not retried.
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransport, err)
}

func truncate(b []byte) string {
	if len(b) > maxErrorBody {
		b = b[:maxErrorBody]
	}
	return string(b)
}

var (
	_ HealthChecker = (*Client)(nil)
	_ Extractor     = (*Client)(nil)
)

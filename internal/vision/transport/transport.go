// Package transport is the JSON-over-HTTP plumbing shared by vision providers.
package transport

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
)

var (
	ErrProviderUnavailable = errors.New("vision provider unavailable")
	ErrInferenceTimeout    = errors.New("vision inference timeout")
	ErrInvalidResponse     = errors.New("vision provider returned invalid response")
)

const maxErrorBody = 1024

// PostJSON sends body as JSON and decodes a 2xx response into out.
func PostJSON(ctx context.Context, client *http.Client, url string, headers map[string]string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return classifyError(ctx, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classifyError(ctx, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(raw))
		if len(msg) > maxErrorBody {
			msg = msg[:maxErrorBody]
		}
		if resp.StatusCode >= 500 {
			return fmt.Errorf("%w: status %d: %s", ErrProviderUnavailable, resp.StatusCode, msg)
		}
		return fmt.Errorf("%w: status %d: %s", ErrInvalidResponse, resp.StatusCode, msg)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return nil
}

// Base64 encodes image bytes for JSON payloads.
func Base64(b []byte) string {
	return base64.StdEncoding.EncodeToString(b)
}

// DataURL is the data: URL form used by OpenAI-compatible chat APIs.
func DataURL(mimeType string, b []byte) string {
	return "data:" + mimeType + ";base64," + Base64(b)
}

func classifyError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrInferenceTimeout, err)
	}
	return fmt.Errorf("%w: %v", ErrProviderUnavailable, err)
}

// Reachable reports whether anything answers at url. Any HTTP status counts.
func Reachable(ctx context.Context, client *http.Client, url string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return fmt.Errorf("building request: %w", err)
	}
	resp, err := client.Do(req)
	if err != nil {
		return classifyError(ctx, err)
	}
	resp.Body.Close()
	return nil
}

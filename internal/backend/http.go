// ABOUTME: Shared HTTP plumbing for backend adapters
// ABOUTME: JSON requests, remote error decoding and endpoint construction

package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/2389/coursechat-gateway/internal/config"
	"github.com/2389/coursechat-gateway/internal/tenant"
)

// ErrNotConfigured is returned when the effective configuration lacks what an adapter needs.
var ErrNotConfigured = errors.New("backend not configured")

const maxErrorBody = 64 << 10

func newHTTPClient(timeout time.Duration) *http.Client {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &http.Client{Timeout: timeout}
}

// completionBase returns the resource base URL with a trailing slash.
func completionBase(b config.BackendsConfig, eff *tenant.Effective) (string, error) {
	if b.Endpoint != "" {
		return strings.TrimRight(b.Endpoint, "/") + "/", nil
	}
	if eff.OpenAIResource == "" {
		return "", fmt.Errorf("%w: no openai resource", ErrNotConfigured)
	}
	return "https://" + eff.OpenAIResource + ".openai.azure.com/", nil
}

// doJSON sends body as JSON and returns the response when the status is 2xx.
// Other statuses are decoded into an *APIError and the body is closed.
func doJSON(ctx context.Context, client *http.Client, backendName, method, url string, headers map[string]string, body any) (*http.Response, error) {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("encoding %s request: %w", backendName, err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return nil, fmt.Errorf("building %s request: %w", backendName, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s request: %w", backendName, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		return nil, decodeAPIError(backendName, resp)
	}
	return resp, nil
}

// decodeAPIError reads {"error":{"message":...}} or {"error":"..."} from a failed response.
func decodeAPIError(backendName string, resp *http.Response) *APIError {
	apiErr := &APIError{Backend: backendName, Status: resp.StatusCode}

	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	var envelope struct {
		Error json.RawMessage `json:"error"`
	}
	if json.Unmarshal(data, &envelope) == nil && len(envelope.Error) > 0 {
		apiErr.Message = errorMessage(envelope.Error)
	}
	return apiErr
}

// errorMessage flattens a backend error value, which is either a string or
// an object with a message field.
func errorMessage(raw json.RawMessage) string {
	if len(raw) == 0 || string(raw) == "null" {
		return ""
	}
	var s string
	if json.Unmarshal(raw, &s) == nil {
		return s
	}
	var obj struct {
		Message string `json:"message"`
		Code    string `json:"code"`
	}
	if json.Unmarshal(raw, &obj) == nil && obj.Message != "" {
		return obj.Message
	}
	return string(raw)
}

// splitFields splits a pipe-delimited column list. Empty input yields an
// empty, non-nil slice so it encodes as [].
func splitFields(s string) []string {
	out := []string{}
	for _, part := range strings.Split(s, "|") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// HTTPRunner calls a remote reply engine over its JSON API.
type HTTPRunner struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// RunnerOption customizes the HTTP runner.
type RunnerOption func(*HTTPRunner)

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) RunnerOption {
	return func(r *HTTPRunner) {
		r.apiKey = key
	}
}

// NewHTTPRunner creates a runner against the engine at baseURL.
func NewHTTPRunner(baseURL string, httpClient *http.Client, opts ...RunnerOption) *HTTPRunner {
	if baseURL == "" {
		panic("agent: base URL required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	r := &HTTPRunner{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

type runRequest struct {
	Input   string         `json:"input"`
	Context map[string]any `json:"context,omitempty"`
}

type runResponse struct {
	Reply string `json:"reply"`
}

func (r *HTTPRunner) Run(ctx context.Context, input string, contextBag map[string]any) (string, error) {
	body, err := json.Marshal(runRequest{Input: input, Context: contextBag})
	if err != nil {
		return "", fmt.Errorf("agent: encode run request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.baseURL+"/run", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("agent: build run request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if r.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+r.apiKey)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("agent: run request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("agent: engine returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded runResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("agent: decode run response: %w", err)
	}
	return decoded.Reply, nil
}

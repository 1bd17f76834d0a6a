package media

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// HTTPTranscriber sends local audio files to a remote transcription service.
type HTTPTranscriber struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// TranscriberOption customizes the HTTP transcriber.
type TranscriberOption func(*HTTPTranscriber)

// WithAPIKey sends the key as a bearer token on every request.
func WithAPIKey(key string) TranscriberOption {
	return func(t *HTTPTranscriber) {
		t.apiKey = key
	}
}

func NewHTTPTranscriber(baseURL string, httpClient *http.Client, opts ...TranscriberOption) *HTTPTranscriber {
	if baseURL == "" {
		panic("media: transcription base URL required")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 120 * time.Second}
	}
	t := &HTTPTranscriber{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: httpClient,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

type transcribeResponse struct {
	Text string `json:"text"`
}

func (t *HTTPTranscriber) Transcribe(ctx context.Context, localPath string) (string, error) {
	file, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("media: open audio file: %w", err)
	}
	defer file.Close()

	var buf bytes.Buffer
	writer := multipart.NewWriter(&buf)
	part, err := writer.CreateFormFile("file", filepath.Base(localPath))
	if err != nil {
		return "", fmt.Errorf("media: build multipart body: %w", err)
	}
	if _, err := io.Copy(part, file); err != nil {
		return "", fmt.Errorf("media: read audio file: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("media: finalize multipart body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.baseURL+"/transcribe", &buf)
	if err != nil {
		return "", fmt.Errorf("media: build transcribe request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("media: transcribe request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("media: transcription service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(snippet)))
	}

	var decoded transcribeResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return "", fmt.Errorf("media: decode transcribe response: %w", err)
	}
	return decoded.Text, nil
}

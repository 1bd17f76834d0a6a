// Package media handles transient media handling for the transcription
// pipeline: fetching channel-hosted files to local disk and the transcriber
// boundary.
package media

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

// Transcriber converts a local audio file to text. An empty string with a
// nil error means the audio carried no recognizable speech.
type Transcriber interface {
	Transcribe(ctx context.Context, localPath string) (string, error)
}

// Fetcher downloads channel media to temp files.
type Fetcher struct {
	httpClient *http.Client
}

// NewFetcher creates a Fetcher; a nil client gets a sane default timeout.
func NewFetcher(httpClient *http.Client) *Fetcher {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Fetcher{httpClient: httpClient}
}

// DownloadToTemp fetches url into a temp file and returns its path plus a
// cleanup func. Cleanup is safe to call exactly once and must run regardless
// of what happens downstream.
func (f *Fetcher) DownloadToTemp(ctx context.Context, url string) (string, func(), error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", nil, fmt.Errorf("media: build download request: %w", err)
	}

	resp, err := f.httpClient.Do(req)
	if err != nil {
		return "", nil, fmt.Errorf("media: download failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", nil, fmt.Errorf("media: download returned %d", resp.StatusCode)
	}

	tmp, err := os.CreateTemp("", "media-*")
	if err != nil {
		return "", nil, fmt.Errorf("media: create temp file: %w", err)
	}

	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("media: write temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", nil, fmt.Errorf("media: close temp file: %w", err)
	}

	path := tmp.Name()
	cleanup := func() {
		os.Remove(path)
	}
	return path, cleanup, nil
}

package agent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestHTTPRunnerRun(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/run" || r.Method != http.MethodPost {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		var req runRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		if req.Input != "oi" {
			t.Errorf("expected input oi, got %q", req.Input)
		}
		if req.Context["conversation_id"] != "conv-1" {
			t.Errorf("context bag lost: %v", req.Context)
		}
		json.NewEncoder(w).Encode(runResponse{Reply: "olá!"})
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.URL, srv.Client())
	reply, err := runner.Run(context.Background(), "oi", map[string]any{"conversation_id": "conv-1"})
	if err != nil {
		t.Fatalf("run: %v", err)
	}
	if reply != "olá!" {
		t.Fatalf("expected reply, got %q", reply)
	}
}

func TestHTTPRunnerEngineError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	runner := NewHTTPRunner(srv.URL, srv.Client())
	_, err := runner.Run(context.Background(), "oi", nil)
	if err == nil {
		t.Fatal("expected error")
	}
	if !strings.Contains(err.Error(), "503") {
		t.Fatalf("expected status in error, got %v", err)
	}
}

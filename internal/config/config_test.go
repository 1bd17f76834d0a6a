package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("PORT", "")
	t.Setenv("ENV", "")
	t.Setenv("LOG_LEVEL", "")
	t.Setenv("CONVERSATION_CLOSURE_KEYWORDS", "")
	cfg := Load()
	if cfg.Port != "8080" {
		t.Fatalf("expected default port, got %s", cfg.Port)
	}
	if cfg.Env != "development" {
		t.Fatalf("expected default env, got %s", cfg.Env)
	}
	if cfg.IsProduction() {
		t.Fatal("development should not report production")
	}
	if cfg.PendingExpiration != 30*time.Minute {
		t.Fatalf("expected default pending expiration, got %s", cfg.PendingExpiration)
	}
	if cfg.MinConversationDuration != 60*time.Second {
		t.Fatalf("expected default min duration, got %s", cfg.MinConversationDuration)
	}
	if len(cfg.ClosureKeywords) == 0 {
		t.Fatal("expected built-in closure keywords")
	}
	if !cfg.BackgroundTasksEnabled {
		t.Fatal("expected background tasks enabled by default")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "postgres://user@host/db")
	t.Setenv("CONVERSATION_IDLE_TIMEOUT", "45m")
	t.Setenv("CONVERSATION_CLOSURE_KEYWORDS", "tchau, valeu ,bye")
	t.Setenv("WORKER_COUNT", "8")
	t.Setenv("BACKGROUND_TASKS_ENABLED", "false")

	cfg := Load()
	if cfg.Port != "9090" {
		t.Fatalf("expected overridden port, got %s", cfg.Port)
	}
	if !cfg.IsProduction() {
		t.Fatal("expected production env")
	}
	if cfg.IdleTimeout != 45*time.Minute {
		t.Fatalf("expected overridden idle timeout, got %s", cfg.IdleTimeout)
	}
	if len(cfg.ClosureKeywords) != 3 || cfg.ClosureKeywords[1] != "valeu" {
		t.Fatalf("expected trimmed keyword list, got %v", cfg.ClosureKeywords)
	}
	if cfg.WorkerCount != 8 {
		t.Fatalf("expected 8 workers, got %d", cfg.WorkerCount)
	}
	if cfg.BackgroundTasksEnabled {
		t.Fatal("expected background tasks disabled")
	}
}

package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("BOARD_STORE", "")
	t.Setenv("BOARD_COMMIT_TIMEOUT", "")
	cfg := Load()
	if cfg.BoardStore != "postgres" {
		t.Fatalf("expected postgres store by default, got %q", cfg.BoardStore)
	}
	if cfg.CommitTimeout != 10*time.Second {
		t.Fatalf("unexpected commit timeout %s", cfg.CommitTimeout)
	}
	if cfg.MoveRetries != 2 {
		t.Fatalf("unexpected move retries %d", cfg.MoveRetries)
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("BOARD_STORE", "MEMORY")
	t.Setenv("BOARD_COMMIT_TIMEOUT", "3s")
	t.Setenv("BOARD_MOVE_RETRIES", "5")
	t.Setenv("OTEL_STDOUT", "true")
	cfg := Load()
	if cfg.BoardStore != "memory" {
		t.Fatalf("expected memory store, got %q", cfg.BoardStore)
	}
	if cfg.CommitTimeout != 3*time.Second {
		t.Fatalf("unexpected commit timeout %s", cfg.CommitTimeout)
	}
	if cfg.MoveRetries != 5 {
		t.Fatalf("unexpected move retries %d", cfg.MoveRetries)
	}
	if !cfg.OTelStdout {
		t.Fatal("expected OTEL_STDOUT to enable the stdout exporter")
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("BOARD_COMMIT_TIMEOUT", "soon")
	t.Setenv("BOARD_MOVE_RETRIES", "many")
	cfg := Load()
	if cfg.CommitTimeout != 10*time.Second {
		t.Fatalf("expected fallback timeout, got %s", cfg.CommitTimeout)
	}
	if cfg.MoveRetries != 2 {
		t.Fatalf("expected fallback retries, got %d", cfg.MoveRetries)
	}
}

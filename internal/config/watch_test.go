package config

import (
	"context"
	"os"
	"testing"
	"time"
)

func TestWatchReloadsOnChange(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "log_level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	if err := Watch(ctx, path, nil, func(cfg Config) { changes <- cfg }); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("log_level: debug\n"), 0o644); err != nil {
		t.Fatalf("rewrite config failed: %v", err)
	}
	select {
	case cfg := <-changes:
		if cfg.LogLevel != "debug" {
			t.Fatalf("expected reloaded level debug, got %q", cfg.LogLevel)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("config change was not observed")
	}
}

func TestWatchSkipsInvalidChange(t *testing.T) {
	clearEnv(t)
	path := writeConfig(t, "log_level: info\n")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	changes := make(chan Config, 4)
	if err := Watch(ctx, path, nil, func(cfg Config) { changes <- cfg }); err != nil {
		t.Fatalf("watch failed: %v", err)
	}
	if err := os.WriteFile(path, []byte("log_level: loud\n"), 0o644); err != nil {
		t.Fatalf("rewrite config failed: %v", err)
	}
	select {
	case cfg := <-changes:
		t.Fatalf("expected invalid config to be skipped, got %+v", cfg)
	case <-time.After(600 * time.Millisecond):
	}
}

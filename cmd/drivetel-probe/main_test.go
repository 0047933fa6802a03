package main

import (
	"bytes"
	"context"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/agentworkforce/drivetel/internal/ingest"
	"github.com/agentworkforce/drivetel/internal/probe"
	"github.com/agentworkforce/drivetel/internal/telemetry"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, name := range []string{
		"DRIVETEL_PROBE_URL", "DRIVETEL_PROBE_COUNT", "DRIVETEL_PROBE_INTERVAL",
		"DRIVETEL_PROBE_INTERVAL_JITTER", "DRIVETEL_PROBE_SESSION", "LOG_LEVEL",
	} {
		t.Setenv(name, "")
	}
}

func TestParseOptionsDefaults(t *testing.T) {
	clearEnv(t)
	opts, level, err := parseOptions(nil, io.Discard)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opts.URL != probe.DefaultURL || opts.Count != probe.DefaultCount || opts.Interval != probe.DefaultInterval {
		t.Fatalf("unexpected defaults %+v", opts)
	}
	if level != "info" {
		t.Fatalf("expected info level, got %q", level)
	}
}

func TestParseOptionsEnvAndFlags(t *testing.T) {
	clearEnv(t)
	t.Setenv("DRIVETEL_PROBE_COUNT", "9")
	t.Setenv("DRIVETEL_PROBE_INTERVAL", "bogus")
	t.Setenv("DRIVETEL_PROBE_SESSION", "env-session")

	opts, _, err := parseOptions([]string{"-n", "3", "--interval-jitter", "0.5", "--url", "ws://example/ws"}, io.Discard)
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if opts.Count != 3 {
		t.Fatalf("expected flag count 3, got %d", opts.Count)
	}
	if opts.Interval != probe.DefaultInterval {
		t.Fatalf("expected invalid env interval to fall back, got %s", opts.Interval)
	}
	if opts.SessionID != "env-session" || opts.Jitter != 0.5 || opts.URL != "ws://example/ws" {
		t.Fatalf("unexpected options %+v", opts)
	}
}

func TestParseOptionsRejectsBadInput(t *testing.T) {
	clearEnv(t)
	for _, args := range [][]string{{"--count", "-1"}, {"extra"}, {"--no-such-flag"}} {
		if _, _, err := parseOptions(args, io.Discard); err == nil {
			t.Fatalf("expected %v to be rejected", args)
		}
	}
}

func TestRunPrintsSummary(t *testing.T) {
	clearEnv(t)
	repo := telemetry.NewInMemoryRepository()
	processor, err := telemetry.NewProcessor(repo, telemetry.ProcessorOptions{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := processor.Start(context.Background()); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	server := ingest.NewServer(processor, ingest.ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Close(ctx)
		_ = processor.Stop(ctx, true)
	}()

	var stdout, stderr bytes.Buffer
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	code := run(context.Background(), []string{"--url", url, "-n", "2", "--interval", "1ms", "--session", "cli-s1", "--log-level", "error"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("expected exit 0, got %d (stderr=%s)", code, stderr.String())
	}
	if !strings.Contains(stdout.String(), "session cli-s1: 2 measurements sent, 2 acked") {
		t.Fatalf("unexpected summary %q", stdout.String())
	}
}

func TestRunReportsUnreachableServer(t *testing.T) {
	clearEnv(t)
	ts := httptest.NewServer(nil)
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	ts.Close()

	var stdout, stderr bytes.Buffer
	code := run(context.Background(), []string{"--url", url, "--max-reconnects", "0", "--log-level", "error"}, &stdout, &stderr)
	if code != 1 {
		t.Fatalf("expected exit 1, got %d", code)
	}
	if !strings.Contains(stderr.String(), "reconnect attempts exhausted") {
		t.Fatalf("expected reconnect error on stderr, got %q", stderr.String())
	}
}

func TestRunRejectsInvalidLogLevel(t *testing.T) {
	clearEnv(t)
	var stdout, stderr bytes.Buffer
	if code := run(context.Background(), []string{"--log-level", "chatty"}, &stdout, &stderr); code != 2 {
		t.Fatalf("expected exit 2, got %d", code)
	}
}

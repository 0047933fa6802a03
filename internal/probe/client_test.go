package probe

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"regexp"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"nhooyr.io/websocket"

	"github.com/agentworkforce/drivetel/internal/ingest"
	"github.com/agentworkforce/drivetel/internal/telemetry"
)

type pipeline struct {
	repo      *telemetry.InMemoryRepository
	processor *telemetry.Processor
	server    *ingest.Server
}

func newPipeline(t *testing.T) *pipeline {
	t.Helper()
	repo := telemetry.NewInMemoryRepository()
	processor, err := telemetry.NewProcessor(repo, telemetry.ProcessorOptions{})
	if err != nil {
		t.Fatalf("new processor: %v", err)
	}
	if err := processor.Start(context.Background()); err != nil {
		t.Fatalf("start processor: %v", err)
	}
	server := ingest.NewServer(processor, ingest.ServerConfig{})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = server.Close(ctx)
		_ = processor.Stop(ctx, true)
	})
	return &pipeline{repo: repo, processor: processor, server: server}
}

// stop drains the pipeline so every frame the probe sent has been applied.
func (p *pipeline) stop(t *testing.T) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.server.Close(ctx); err != nil {
		t.Fatalf("close server: %v", err)
	}
	if err := p.processor.Stop(ctx, true); err != nil {
		t.Fatalf("stop processor: %v", err)
	}
}

func wsURL(ts *httptest.Server) string {
	return "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
}

func TestRunRecordsSessionEndToEnd(t *testing.T) {
	p := newPipeline(t)
	ts := httptest.NewServer(p.server)
	defer ts.Close()

	report, err := Run(context.Background(), Options{
		URL:       wsURL(ts),
		Count:     3,
		Interval:  time.Millisecond,
		SessionID: "probe-s1",
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Sent != 3 || report.Acked != 3 || len(report.RTTs) != 3 {
		t.Fatalf("unexpected report %+v", report)
	}
	if report.Reconnects != 0 || report.Downtime != 0 {
		t.Fatalf("expected no reconnects, got %d (%s)", report.Reconnects, report.Downtime)
	}
	p.stop(t)

	if got := p.repo.MeasurementCount(); got != 3 {
		t.Fatalf("expected 3 stored measurements, got %d", got)
	}
	stats, ok, err := p.repo.SessionStats(context.Background(), "probe-s1")
	if err != nil || !ok {
		t.Fatalf("expected session stats, got ok=%v err=%v", ok, err)
	}
	if stats.ReconnectCount != 0 || stats.StartedAtMs == nil || stats.EndedAtMs == nil {
		t.Fatalf("unexpected session stats %+v", stats)
	}
	if *stats.EndedAtMs < *stats.StartedAtMs {
		t.Fatalf("expected ended >= started, got %+v", stats)
	}
}

func TestRunFlushesRTTForEveryMeasurement(t *testing.T) {
	p := newPipeline(t)
	ts := httptest.NewServer(p.server)
	defer ts.Close()

	report, err := Run(context.Background(), Options{URL: wsURL(ts), Count: 4, Interval: time.Millisecond, MaxRTTUpdates: 1})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	p.stop(t)

	if len(report.AckedIDs) != 4 {
		t.Fatalf("expected 4 acked ids, got %v", report.AckedIDs)
	}
	// The last measurement only gets its rtt from the closing flush.
	for _, id := range report.AckedIDs {
		m, ok, err := p.repo.Measurement(context.Background(), id)
		if err != nil || !ok {
			t.Fatalf("expected measurement %s stored, got ok=%v err=%v", id, ok, err)
		}
		if m.RTTMs == nil || *m.RTTMs <= 0 {
			t.Fatalf("expected rtt for %s, got %v", id, m.RTTMs)
		}
	}
}

func TestRunReconnectsAfterDroppedConnection(t *testing.T) {
	p := newPipeline(t)
	var connections atomic.Int32
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if connections.Add(1) > 1 {
			p.server.ServeHTTP(w, r)
			return
		}
		// The first connection swallows one frame and hangs up without an ack.
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			return
		}
		_, _, _ = conn.Read(r.Context())
		_ = conn.Close(websocket.StatusGoingAway, "restarting")
	}))
	defer ts.Close()

	report, err := Run(context.Background(), Options{
		URL:       wsURL(ts),
		Count:     2,
		Interval:  time.Millisecond,
		SessionID: "probe-s2",
	})
	if err != nil {
		t.Fatalf("run failed: %v", err)
	}
	if report.Reconnects != 1 {
		t.Fatalf("expected one reconnect, got %d", report.Reconnects)
	}
	if report.Sent != 3 || report.Acked != 2 {
		t.Fatalf("expected 3 sends and 2 acks, got %+v", report)
	}
	p.stop(t)

	if got := p.repo.MeasurementCount(); got != 2 {
		t.Fatalf("expected 2 stored measurements, got %d", got)
	}
	stats, ok, _ := p.repo.SessionStats(context.Background(), "probe-s2")
	if !ok || stats.ReconnectCount != 1 {
		t.Fatalf("expected reconnect count 1, got %+v ok=%v", stats, ok)
	}
}

func TestRunFailsWhenServerUnreachable(t *testing.T) {
	ts := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(ts)
	ts.Close()

	_, err := Run(context.Background(), Options{URL: url, Count: 1, MaxReconnects: 1, AckTimeout: 200 * time.Millisecond})
	if !errors.Is(err, ErrReconnectsExhausted) {
		t.Fatalf("expected ErrReconnectsExhausted, got %v", err)
	}
}

func TestRunHonorsContextCancellation(t *testing.T) {
	p := newPipeline(t)
	ts := httptest.NewServer(p.server)
	defer ts.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Run(ctx, Options{URL: wsURL(ts), Count: 1}); err == nil {
		t.Fatalf("expected error for cancelled context")
	}
}

func TestOutboxWindowAndLimit(t *testing.T) {
	c := &client{opts: normalizeOptions(Options{MaxRTTUpdates: 2, OutboxLimit: 3})}
	for _, id := range []string{"a", "b", "c", "d"} {
		c.remember(rttResult{ID: id, RTTMs: 1})
	}
	if len(c.outbox) != 3 || c.outbox[0].ID != "b" {
		t.Fatalf("expected outbox trimmed to b..d, got %+v", c.outbox)
	}
	tail := c.outboxTail()
	if len(tail) != 2 || tail[0].ID != "c" || tail[1].ID != "d" {
		t.Fatalf("expected tail c,d, got %+v", tail)
	}
	tail[0].ID = "mutated"
	if c.outbox[1].ID != "c" {
		t.Fatalf("expected tail to be a copy")
	}
}

func TestRetryDelayBackoff(t *testing.T) {
	c := &client{baseDelay: 100 * time.Millisecond, maxDelay: 2 * time.Second}
	cases := map[int]time.Duration{
		1: 100 * time.Millisecond,
		2: 200 * time.Millisecond,
		3: 400 * time.Millisecond,
		5: 1600 * time.Millisecond,
		6: 2 * time.Second,
		9: 2 * time.Second,
	}
	for attempt, want := range cases {
		if got := c.retryDelay(attempt); got != want {
			t.Fatalf("retryDelay(%d): expected %s, got %s", attempt, want, got)
		}
	}
}

func TestJitteredInterval(t *testing.T) {
	base := time.Second
	if got := jitteredIntervalWithSample(base, 0, 0.9); got != base {
		t.Fatalf("expected no jitter, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 0); got != 800*time.Millisecond {
		t.Fatalf("expected lower bound 800ms, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 0.2, 1); got != 1200*time.Millisecond {
		t.Fatalf("expected upper bound 1200ms, got %s", got)
	}
	if got := jitteredIntervalWithSample(base, 5, 0); got != time.Millisecond {
		t.Fatalf("expected clamp to 1ms floor, got %s", got)
	}
	if got := jitteredIntervalWithSample(0, 0.5, 0.5); got != 0 {
		t.Fatalf("expected zero base to stay zero, got %s", got)
	}
}

func TestMeasurementIDFormat(t *testing.T) {
	now := time.UnixMilli(1700000000123)
	id := measurementID(now)
	if !regexp.MustCompile(`^1700000000123-[0-9a-f]{8}$`).MatchString(id) {
		t.Fatalf("unexpected measurement id %q", id)
	}
	if measurementID(now) == id {
		t.Fatalf("expected random suffix to differ")
	}
}

func TestReportSummary(t *testing.T) {
	report := Report{
		SessionID:  "s1",
		Sent:       1200,
		Acked:      1199,
		Reconnects: 2,
		RTTs:       []time.Duration{10 * time.Millisecond, 30 * time.Millisecond},
		StartedAt:  time.Now(),
	}
	if report.MeanRTT() != 20*time.Millisecond || report.MaxRTT() != 30*time.Millisecond {
		t.Fatalf("unexpected rtt stats mean=%s max=%s", report.MeanRTT(), report.MaxRTT())
	}
	summary := report.Summary()
	for _, want := range []string{"session s1", "1,200 measurements sent", "1,199 acked", "2 reconnects"} {
		if !strings.Contains(summary, want) {
			t.Fatalf("expected %q in summary %q", want, summary)
		}
	}
}

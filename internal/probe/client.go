// Package probe drives a telemetry session against the ingest endpoint the
// way a field device does: measurements carry a trailing window of RTT
// results for earlier measurements, and the session ends with a final RTT
// flush and a summary frame.
package probe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/drivetel/internal/logging"
	"github.com/agentworkforce/drivetel/internal/telemetry"
)

const (
	DefaultURL           = "ws://127.0.0.1:8000/ws"
	DefaultCount         = 5
	DefaultInterval      = 400 * time.Millisecond
	DefaultMaxRTTUpdates = 20
	DefaultOutboxLimit   = 100
	DefaultAckTimeout    = 5 * time.Second
	DefaultMaxReconnects = 10
)

var ErrReconnectsExhausted = errors.New("reconnect attempts exhausted")

type Options struct {
	URL       string
	Count     int
	Interval  time.Duration
	Jitter    float64
	SessionID string
	// MaxRTTUpdates bounds the RTT window attached to each measurement.
	MaxRTTUpdates int
	// OutboxLimit bounds the RTT results kept for resending.
	OutboxLimit   int
	AckTimeout    time.Duration
	MaxReconnects int
	Logger        *slog.Logger
}

type Report struct {
	SessionID string
	Sent      int
	Acked     int
	// AckedIDs lists acknowledged measurement ids in send order.
	AckedIDs   []string
	Reconnects int
	Downtime   time.Duration
	RTTs       []time.Duration
	StartedAt  time.Time
	EndedAt    time.Time
}

func (r Report) MeanRTT() time.Duration {
	if len(r.RTTs) == 0 {
		return 0
	}
	var total time.Duration
	for _, rtt := range r.RTTs {
		total += rtt
	}
	return total / time.Duration(len(r.RTTs))
}

func (r Report) MaxRTT() time.Duration {
	var out time.Duration
	for _, rtt := range r.RTTs {
		if rtt > out {
			out = rtt
		}
	}
	return out
}

func (r Report) Summary() string {
	return fmt.Sprintf("session %s: %s measurements sent, %s acked, rtt mean %s max %s, %d reconnects, downtime %s, started %s",
		r.SessionID,
		humanize.Comma(int64(r.Sent)),
		humanize.Comma(int64(r.Acked)),
		r.MeanRTT().Round(10*time.Microsecond),
		r.MaxRTT().Round(10*time.Microsecond),
		r.Reconnects,
		r.Downtime.Round(time.Millisecond),
		humanize.Time(r.StartedAt),
	)
}

type rttResult struct {
	ID    string  `json:"id"`
	RTTMs float64 `json:"rtt_ms"`
}

type measurementFrame struct {
	Type       string         `json:"type"`
	ID         string         `json:"id"`
	SessionID  string         `json:"session_id"`
	Timestamp  int64          `json:"timestamp"`
	Radio      radioFields    `json:"radio"`
	Position   positionFields `json:"position"`
	RTTUpdates []rttResult    `json:"rtt_updates"`
}

type radioFields struct {
	Level       int    `json:"level"`
	Qual        int    `json:"qual"`
	SNR         int    `json:"snr"`
	CellID      int64  `json:"cell_id"`
	NetworkTech string `json:"network_tech"`
}

type positionFields struct {
	Lat      float64 `json:"lat"`
	Lon      float64 `json:"lon"`
	SpeedKmh float64 `json:"speed_kmh"`
}

type rttFlushFrame struct {
	Type  string      `json:"type"`
	Items []rttResult `json:"items"`
}

type sessionFrame struct {
	Type            string `json:"type"`
	SessionID       string `json:"session_id"`
	StartedAtMs     int64  `json:"started_at_ms"`
	EndedAtMs       int64  `json:"ended_at_ms"`
	ReconnectCount  int    `json:"reconnect_count"`
	TotalDowntimeMs int64  `json:"total_downtime_ms"`
}

type ackFrame struct {
	Type string          `json:"type"`
	ID   json.RawMessage `json:"id"`
}

type client struct {
	opts      Options
	logger    *slog.Logger
	rng       *rand.Rand
	conn      *websocket.Conn
	outbox    []rttResult
	report    Report
	baseDelay time.Duration
	maxDelay  time.Duration
}

// Run performs one session and returns what happened. The report is valid
// even when an error is returned.
func Run(ctx context.Context, opts Options) (Report, error) {
	opts = normalizeOptions(opts)
	c := &client{
		opts:      opts,
		logger:    opts.Logger,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
		baseDelay: 100 * time.Millisecond,
		maxDelay:  2 * time.Second,
	}
	c.report.SessionID = opts.SessionID
	c.report.StartedAt = time.Now()
	defer func() {
		c.report.EndedAt = time.Now()
	}()

	if err := c.connect(ctx, false); err != nil {
		return c.report, err
	}
	defer func() {
		if c.conn != nil {
			_ = c.conn.Close(websocket.StatusNormalClosure, "session finished")
		}
	}()

	for i := 0; i < opts.Count; i++ {
		if i > 0 {
			delay := jitteredIntervalWithSample(opts.Interval, opts.Jitter, c.rng.Float64())
			if err := waitWithContext(ctx, delay); err != nil {
				return c.report, err
			}
		}
		if err := c.sendMeasurement(ctx); err != nil {
			return c.report, err
		}
	}
	if err := c.finish(ctx); err != nil {
		return c.report, err
	}
	return c.report, nil
}

func normalizeOptions(opts Options) Options {
	if strings.TrimSpace(opts.URL) == "" {
		opts.URL = DefaultURL
	}
	if opts.Count < 0 {
		opts.Count = 0
	}
	if opts.Interval < 0 {
		opts.Interval = 0
	}
	opts.Jitter = clampJitterRatio(opts.Jitter)
	if strings.TrimSpace(opts.SessionID) == "" {
		opts.SessionID = uuid.NewString()
	}
	if opts.MaxRTTUpdates <= 0 {
		opts.MaxRTTUpdates = DefaultMaxRTTUpdates
	}
	if opts.OutboxLimit <= 0 {
		opts.OutboxLimit = DefaultOutboxLimit
	}
	if opts.AckTimeout <= 0 {
		opts.AckTimeout = DefaultAckTimeout
	}
	if opts.MaxReconnects < 0 {
		opts.MaxReconnects = 0
	}
	if opts.Logger == nil {
		opts.Logger = logging.Discard()
	}
	return opts
}

// sendMeasurement sends one measurement and waits for its ack, reconnecting
// and resending when the connection fails on the way.
func (c *client) sendMeasurement(ctx context.Context) error {
	id := measurementID(time.Now())
	for {
		frame := measurementFrame{
			Type:       string(telemetry.KindMeasurement),
			ID:         id,
			SessionID:  c.opts.SessionID,
			Timestamp:  time.Now().UnixMilli(),
			Radio:      radioFields{Level: -90, Qual: -10, SNR: 20, CellID: 123456, NetworkTech: "NR"},
			Position:   positionFields{Lat: 48.456, Lon: 17.065, SpeedKmh: 95.2},
			RTTUpdates: c.outboxTail(),
		}
		payload, err := json.Marshal(frame)
		if err != nil {
			return fmt.Errorf("encode measurement: %w", err)
		}
		start := time.Now()
		err = c.write(ctx, payload)
		if err == nil {
			c.report.Sent++
			err = c.awaitAck(ctx, id)
		}
		if err == nil {
			rtt := time.Since(start)
			c.report.Acked++
			c.report.AckedIDs = append(c.report.AckedIDs, id)
			c.report.RTTs = append(c.report.RTTs, rtt)
			c.remember(rttResult{ID: id, RTTMs: float64(rtt.Microseconds()) / 1000})
			c.logger.Debug("measurement acked", "id", id, "rtt", rtt.String())
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connection lost, reconnecting", "id", id, "error", err)
		if err := c.connect(ctx, true); err != nil {
			return err
		}
	}
}

func (c *client) awaitAck(ctx context.Context, id string) error {
	ackCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	for {
		_, data, err := c.conn.Read(ackCtx)
		if err != nil {
			return fmt.Errorf("read ack: %w", err)
		}
		var ack ackFrame
		if err := json.Unmarshal(data, &ack); err != nil {
			c.logger.Debug("ignoring undecodable frame", "error", err)
			continue
		}
		if !strings.EqualFold(strings.TrimSpace(ack.Type), telemetry.AckType) {
			continue
		}
		if ackID(ack.ID) == id {
			return nil
		}
	}
}

// finish flushes every buffered RTT result and reports the session totals.
// Neither frame is acknowledged by the server.
func (c *client) finish(ctx context.Context) error {
	if len(c.outbox) > 0 {
		flush, err := json.Marshal(rttFlushFrame{Type: string(telemetry.KindRTTUpdates), Items: c.outbox})
		if err != nil {
			return fmt.Errorf("encode rtt flush: %w", err)
		}
		if err := c.writeOrReconnect(ctx, flush); err != nil {
			return err
		}
	}
	ended := time.Now()
	summary, err := json.Marshal(sessionFrame{
		Type:            string(telemetry.KindSessionSummary),
		SessionID:       c.opts.SessionID,
		StartedAtMs:     c.report.StartedAt.UnixMilli(),
		EndedAtMs:       ended.UnixMilli(),
		ReconnectCount:  c.report.Reconnects,
		TotalDowntimeMs: c.report.Downtime.Milliseconds(),
	})
	if err != nil {
		return fmt.Errorf("encode session summary: %w", err)
	}
	return c.writeOrReconnect(ctx, summary)
}

func (c *client) writeOrReconnect(ctx context.Context, payload []byte) error {
	for {
		err := c.write(ctx, payload)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		c.logger.Warn("connection lost, reconnecting", "error", err)
		if err := c.connect(ctx, true); err != nil {
			return err
		}
	}
}

func (c *client) write(ctx context.Context, payload []byte) error {
	writeCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
	defer cancel()
	return c.conn.Write(writeCtx, websocket.MessageText, payload)
}

// connect dials with exponential backoff. A reconnect is counted once the new
// connection is up, and the time spent getting there is added to downtime.
func (c *client) connect(ctx context.Context, reconnect bool) error {
	if c.conn != nil {
		_ = c.conn.Close(websocket.StatusGoingAway, "reconnecting")
		c.conn = nil
	}
	lost := time.Now()
	var lastErr error
	for attempt := 0; attempt <= c.opts.MaxReconnects; attempt++ {
		if attempt > 0 {
			if err := waitWithContext(ctx, c.retryDelay(attempt)); err != nil {
				return err
			}
		}
		dialCtx, cancel := context.WithTimeout(ctx, c.opts.AckTimeout)
		conn, _, err := websocket.Dial(dialCtx, c.opts.URL, nil)
		cancel()
		if err == nil {
			c.conn = conn
			if reconnect {
				c.report.Reconnects++
				c.report.Downtime += time.Since(lost)
				c.logger.Info("reconnected", "attempts", attempt+1, "downtime", time.Since(lost).String())
			}
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lastErr = err
		c.logger.Debug("dial failed", "url", c.opts.URL, "attempt", attempt+1, "error", err)
	}
	return fmt.Errorf("%w: %s: %v", ErrReconnectsExhausted, c.opts.URL, lastErr)
}

func (c *client) outboxTail() []rttResult {
	start := len(c.outbox) - c.opts.MaxRTTUpdates
	if start < 0 {
		start = 0
	}
	out := make([]rttResult, len(c.outbox)-start)
	copy(out, c.outbox[start:])
	return out
}

func (c *client) remember(result rttResult) {
	c.outbox = append(c.outbox, result)
	if excess := len(c.outbox) - c.opts.OutboxLimit; excess > 0 {
		c.outbox = append([]rttResult(nil), c.outbox[excess:]...)
	}
}

func (c *client) retryDelay(attempt int) time.Duration {
	maxDelay := c.maxDelay
	if maxDelay <= 0 {
		maxDelay = 2 * time.Second
	}
	delay := c.baseDelay
	if delay <= 0 {
		delay = 100 * time.Millisecond
	}
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= maxDelay {
			return maxDelay
		}
	}
	if delay > maxDelay {
		return maxDelay
	}
	return delay
}

// measurementID is "<unix ms>-<8 hex>".
func measurementID(now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("%d-%s", now.UnixMilli(), suffix)
}

func ackID(raw json.RawMessage) string {
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return text
	}
	return strings.TrimSpace(string(raw))
}

func waitWithContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredIntervalWithSample(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	if sample < 0 {
		sample = 0
	} else if sample > 1 {
		sample = 1
	}
	factor := 1 + ((sample*2)-1)*jitterRatio
	if factor < 0 {
		factor = 0
	}
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
}

package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"nhooyr.io/websocket"

	"github.com/agentworkforce/drivetel/internal/logging"
	"github.com/agentworkforce/drivetel/internal/telemetry"
)

const (
	DefaultMaxFrameBytes = 1 << 20
	DefaultWriteTimeout  = 5 * time.Second
)

// Enqueuer accepts decoded envelopes. Enqueue may block for backpressure and
// returns telemetry.ErrQueueClosed once the pipeline is shutting down.
type Enqueuer interface {
	Enqueue(ctx context.Context, env telemetry.Envelope) error
}

type ServerConfig struct {
	MaxFrameBytes  int64
	WriteTimeout   time.Duration
	OriginPatterns []string
	Logger         *slog.Logger
	Metrics        *telemetry.Metrics
}

type Server struct {
	sink    Enqueuer
	cfg     ServerConfig
	logger  *slog.Logger
	metrics *telemetry.Metrics

	baseCtx context.Context
	cancel  context.CancelFunc
	mu      sync.Mutex
	closed  bool
	wg      sync.WaitGroup
}

func NewServer(sink Enqueuer, cfg ServerConfig) *Server {
	if cfg.MaxFrameBytes <= 0 {
		cfg.MaxFrameBytes = DefaultMaxFrameBytes
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultWriteTimeout
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	baseCtx, cancel := context.WithCancel(context.Background())
	return &Server{
		sink:    sink,
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		baseCtx: baseCtx,
		cancel:  cancel,
	}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health" && r.Method == http.MethodGet:
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == "/metrics" && r.Method == http.MethodGet && s.metrics != nil:
		s.metrics.Handler().ServeHTTP(w, r)
	case r.URL.Path == "/ws":
		s.handleWebSocket(w, r)
	default:
		writeError(w, http.StatusNotFound, "not_found", "route not found")
	}
}

// Close cancels every open connection and waits for their handlers to return
// or for ctx to end. New upgrades are refused afterwards.
func (s *Server) Close(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		writeError(w, http.StatusServiceUnavailable, "shutting_down", "server is shutting down")
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()
	defer s.wg.Done()

	logger := s.logger.With("conn_id", uuid.NewString(), "remote", r.RemoteAddr)
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: s.cfg.OriginPatterns,
	})
	if err != nil {
		logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	conn.SetReadLimit(s.cfg.MaxFrameBytes)

	// Reads stay on the request context: cancelling a pending Read makes the
	// library fail the connection with a policy violation. Shutdown instead
	// cancels enqueues and closes the socket with going away.
	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	stop := context.AfterFunc(s.baseCtx, func() {
		cancel()
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
	})
	defer stop()

	s.metrics.ConnectionOpened()
	defer s.metrics.ConnectionClosed()
	logger.Info("client connected", "read_limit", humanize.IBytes(uint64(s.cfg.MaxFrameBytes)))
	s.serveConn(r.Context(), ctx, conn, logger)
}

// serveConn reads frames one at a time: decode, ack, then enqueue before the
// next read, so a full queue slows the client down instead of dropping data.
func (s *Server) serveConn(readCtx, ctx context.Context, conn *websocket.Conn, logger *slog.Logger) {
	frames := 0
	defer func() {
		logger.Info("client disconnected", "frames", frames)
	}()
	for {
		_, data, err := conn.Read(readCtx)
		if err != nil {
			switch {
			case websocket.CloseStatus(err) != -1:
				logger.Debug("connection closed", "status", websocket.CloseStatus(err))
			case ctx.Err() != nil:
				logger.Debug("connection closed for shutdown")
			default:
				logger.Info("connection dropped", "error", err)
				_ = conn.Close(websocket.StatusInternalError, "read failed")
			}
			return
		}
		frames++

		env, err := telemetry.DecodeEnvelope(data)
		if err != nil {
			s.metrics.FrameReceived("malformed")
			logger.Warn("dropping malformed frame", "error", err, "size", humanize.IBytes(uint64(len(data))))
			continue
		}
		s.metrics.FrameReceived("ok")

		ack, ok, err := env.Ack()
		if err != nil {
			logger.Error("encode ack failed", "id", env.ID, "error", err)
		} else if ok {
			writeCtx, cancelWrite := context.WithTimeout(ctx, s.cfg.WriteTimeout)
			err := conn.Write(writeCtx, websocket.MessageText, ack)
			cancelWrite()
			if err != nil {
				logger.Info("ack write failed, closing connection", "id", env.ID, "error", err)
				return
			}
			s.metrics.AckSent()
		}

		if err := s.sink.Enqueue(ctx, env); err != nil {
			if errors.Is(err, telemetry.ErrQueueClosed) || ctx.Err() != nil {
				logger.Info("pipeline closed, dropping connection", "kind", env.Kind, "id", env.ID)
				_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
				return
			}
			logger.Error("enqueue failed", "kind", env.Kind, "id", env.ID, "error", err)
			_ = conn.Close(websocket.StatusInternalError, "enqueue failed")
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]any{
		"code":    code,
		"message": message,
	})
}

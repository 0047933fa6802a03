package telemetry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/agentworkforce/drivetel/internal/logging"
)

const (
	DefaultOperationTimeout = 5 * time.Second

	OpInsertMeasurement = "insert_measurement"
	OpPatchRTT          = "patch_rtt"
	OpUpsertSession     = "upsert_session"

	DiscardMissingID        = "missing_id"
	DiscardMissingSessionID = "missing_session_id"
	DiscardMissingPayload   = "missing_payload"
	DiscardUnknownKind      = "unknown_kind"
	DiscardPanic            = "panic"
)

type ProcessorOptions struct {
	// Queue defaults to an in-memory queue of QueueCapacity.
	Queue            WorkQueue
	QueueCapacity    int
	Workers          int
	OperationTimeout time.Duration
	Logger           *slog.Logger
	Metrics          *Metrics
}

// Result describes what a worker did with one envelope. It never stops the
// worker; failures are reported here and in the log.
type Result struct {
	Kind      Kind
	ID        string
	Discarded string
	Skipped   int
	Ops       []OpResult
}

type OpResult struct {
	Op      string
	Key     string
	Applied bool
	Err     error
}

func (r Result) Failed() bool {
	if r.Discarded == DiscardPanic {
		return true
	}
	for _, op := range r.Ops {
		if op.Err != nil {
			return true
		}
	}
	return false
}

type Processor struct {
	repo             Repository
	queue            WorkQueue
	workers          int
	operationTimeout time.Duration
	logger           *slog.Logger
	metrics          *Metrics

	mu           sync.Mutex
	started      bool
	stopping     bool
	workerCtx    context.Context
	workerCancel context.CancelFunc
	wg           sync.WaitGroup
	stopOnce     sync.Once
	stopErr      error
}

func NewProcessor(repo Repository, opts ProcessorOptions) (*Processor, error) {
	if repo == nil {
		return nil, fmt.Errorf("%w: nil repository", ErrInvalidInput)
	}
	queue := opts.Queue
	if queue == nil {
		queue = NewInMemoryWorkQueue(opts.QueueCapacity)
	}
	workers := opts.Workers
	if workers <= 0 {
		workers = 1
	}
	operationTimeout := opts.OperationTimeout
	if operationTimeout <= 0 {
		operationTimeout = DefaultOperationTimeout
	}
	logger := opts.Logger
	if logger == nil {
		logger = logging.Discard()
	}
	workerCtx, workerCancel := context.WithCancel(context.Background())
	return &Processor{
		repo:             repo,
		queue:            queue,
		workers:          workers,
		operationTimeout: operationTimeout,
		logger:           logger,
		metrics:          opts.Metrics,
		workerCtx:        workerCtx,
		workerCancel:     workerCancel,
	}, nil
}

func (p *Processor) Queue() WorkQueue {
	if p == nil {
		return nil
	}
	return p.queue
}

// Start opens the repository and launches the workers. Calling it again after
// a successful start is a no-op.
func (p *Processor) Start(ctx context.Context) error {
	if p == nil {
		return ErrInvalidInput
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.stopping {
		return ErrStopped
	}
	if p.started {
		return nil
	}
	if err := p.repo.Start(ctx); err != nil {
		return fmt.Errorf("start repository: %w", err)
	}
	p.metrics.ObserveQueue(p.queue)
	p.wg.Add(p.workers)
	for i := 0; i < p.workers; i++ {
		go func(worker int) {
			defer p.wg.Done()
			p.work(worker)
		}(i)
	}
	p.started = true
	p.logger.Info("processor started",
		"workers", p.workers,
		"queue_capacity", p.queue.Capacity(),
		"operation_timeout", p.operationTimeout.String(),
	)
	return nil
}

// Enqueue blocks while the queue is full. It returns ErrQueueClosed once Stop
// has begun.
func (p *Processor) Enqueue(ctx context.Context, env Envelope) error {
	if p == nil {
		return ErrInvalidInput
	}
	return p.queue.Enqueue(ctx, env)
}

// Stop closes the queue to producers, waits for the backlog when drain is set
// (bounded by ctx), then cancels the workers and closes the repository.
func (p *Processor) Stop(ctx context.Context, drain bool) error {
	if p == nil {
		return nil
	}
	p.stopOnce.Do(func() {
		p.mu.Lock()
		p.stopping = true
		started := p.started
		p.mu.Unlock()

		var errs []error
		if err := p.queue.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close queue: %w", err))
		}
		if drain && started {
			depth := p.queue.Depth()
			p.logger.Info("draining work queue", "depth", depth)
			if err := p.queue.WaitDrained(ctx); err != nil {
				p.logger.Warn("work queue not drained before deadline", "remaining", p.queue.Depth(), "error", err)
				errs = append(errs, fmt.Errorf("drain queue: %w", err))
			}
		}
		p.workerCancel()
		p.wg.Wait()
		if err := p.repo.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close repository: %w", err))
		}
		p.stopErr = errors.Join(errs...)
		p.logger.Info("processor stopped", "drained", drain && started)
	})
	return p.stopErr
}

func (p *Processor) work(worker int) {
	logger := p.logger.With("worker", worker)
	for {
		env, err := p.queue.Dequeue(p.workerCtx)
		if err != nil {
			return
		}
		res := p.processSafely(p.workerCtx, env)
		p.queue.Done()
		if res.Failed() {
			logger.Debug("envelope processed with failures", "kind", res.Kind, "id", res.ID)
		}
	}
}

func (p *Processor) processSafely(ctx context.Context, env Envelope) (res Result) {
	defer func() {
		if r := recover(); r != nil {
			p.logger.Error("panic while processing envelope", "kind", env.Kind, "id", env.ID, "panic", r)
			p.metrics.EnvelopeDiscarded(env.Kind, DiscardPanic)
			res = Result{Kind: env.Kind, ID: env.ID, Discarded: DiscardPanic}
		}
	}()
	return p.Process(ctx, env)
}

// Process applies one envelope to the repository. Each repository call gets
// its own operation timeout derived from ctx.
func (p *Processor) Process(ctx context.Context, env Envelope) Result {
	res := Result{Kind: env.Kind, ID: env.ID}
	switch env.Kind {
	case KindMeasurement:
		p.processMeasurement(ctx, env, &res)
	case KindRTTUpdates:
		if env.RTTFlush == nil {
			res.Discarded = DiscardMissingPayload
			break
		}
		p.applyRTTItems(ctx, env.RTTFlush.Items, &res)
	case KindSessionSummary:
		p.processSession(ctx, env, &res)
	default:
		p.logger.Info("ignoring frame of unknown type", "type", env.RawKind, "id", env.ID)
		res.Discarded = DiscardUnknownKind
	}
	if res.Discarded != "" {
		p.metrics.EnvelopeDiscarded(res.Kind, res.Discarded)
	} else {
		p.metrics.EnvelopeProcessed(res.Kind)
	}
	return res
}

func (p *Processor) processMeasurement(ctx context.Context, env Envelope, res *Result) {
	if env.Measurement == nil {
		res.Discarded = DiscardMissingPayload
		return
	}
	m := env.Measurement.Measurement
	if m.ID == "" {
		p.logger.Warn("discarding measurement without id")
		res.Discarded = DiscardMissingID
		return
	}
	op := OpResult{Op: OpInsertMeasurement, Key: m.ID}
	op.Applied, op.Err = withTimeout(ctx, p.operationTimeout, func(ctx context.Context) (bool, error) {
		return p.repo.InsertMeasurementIfAbsent(ctx, m)
	})
	p.recordOp(op)
	res.Ops = append(res.Ops, op)

	// Embedded patches target earlier measurements, so they run whatever the
	// insert above did.
	p.applyRTTItems(ctx, env.Measurement.RTTUpdates, res)
}

func (p *Processor) applyRTTItems(ctx context.Context, items []RTTItem, res *Result) {
	for _, item := range items {
		patch, ok := item.Patch()
		if !ok {
			p.logger.Warn("skipping incomplete rtt update", "measurement_id", item.MeasurementID)
			res.Skipped++
			continue
		}
		op := OpResult{Op: OpPatchRTT, Key: patch.MeasurementID}
		op.Applied, op.Err = withTimeout(ctx, p.operationTimeout, func(ctx context.Context) (bool, error) {
			return p.repo.PatchRTTIfUnset(ctx, patch.MeasurementID, patch.RTTMs)
		})
		p.recordOp(op)
		res.Ops = append(res.Ops, op)
	}
}

func (p *Processor) processSession(ctx context.Context, env Envelope, res *Result) {
	if env.Session == nil {
		res.Discarded = DiscardMissingPayload
		return
	}
	stats := env.Session.Stats
	if stats.SessionID == "" {
		p.logger.Warn("discarding session summary without session_id")
		res.Discarded = DiscardMissingSessionID
		return
	}
	op := OpResult{Op: OpUpsertSession, Key: stats.SessionID}
	op.Applied, op.Err = withTimeout(ctx, p.operationTimeout, func(ctx context.Context) (bool, error) {
		if err := p.repo.UpsertSessionStats(ctx, stats); err != nil {
			return false, err
		}
		return true, nil
	})
	p.recordOp(op)
	res.Ops = append(res.Ops, op)
}

func (p *Processor) recordOp(op OpResult) {
	switch {
	case op.Err != nil:
		p.logger.Error("repository operation failed", "op", op.Op, "key", op.Key, "error", op.Err)
		p.metrics.RepositoryOp(op.Op, "error")
	case op.Applied:
		p.logger.Debug("repository operation applied", "op", op.Op, "key", op.Key)
		p.metrics.RepositoryOp(op.Op, "applied")
	default:
		p.logger.Debug("repository operation was a no-op", "op", op.Op, "key", op.Key)
		p.metrics.RepositoryOp(op.Op, "noop")
	}
}

func withTimeout(ctx context.Context, timeout time.Duration, fn func(context.Context) (bool, error)) (bool, error) {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	return fn(ctx)
}

package retryq

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/whatsthattune/clipworks/internal/clock"
	"github.com/whatsthattune/clipworks/internal/clock/system"
	"github.com/whatsthattune/clipworks/internal/metrics"
	"github.com/whatsthattune/clipworks/internal/store"
)

// Config controls retry and replay behavior.
//   - MaxAttempts: inline attempts per operation (default 3).
//   - BaseDelay/Multiplier/MaxDelay: exponential backoff between attempts
//     (defaults 1s, 2, 10s).
//   - QueueCap: replay queue size bound enforced by Cleanup (default 1000).
//   - MaxAge: queued operations older than this are discarded (default 24h).
//   - DrainInterval: background replay cadence (default 30s).
type Config struct {
	MaxAttempts   int
	BaseDelay     time.Duration
	Multiplier    float64
	MaxDelay      time.Duration
	QueueCap      int
	MaxAge        time.Duration
	DrainInterval time.Duration
	Clock         clock.Clock
	Logger        *zap.Logger
}

const (
	defaultMaxAttempts   = 3
	defaultBaseDelay     = time.Second
	defaultMultiplier    = 2.0
	defaultMaxDelay      = 10 * time.Second
	defaultQueueCap      = 1000
	defaultMaxAge        = 24 * time.Hour
	defaultDrainInterval = 30 * time.Second
)

// QueuedOperation wraps an Operation with retry bookkeeping for background
// replay.
type QueuedOperation struct {
	Op            store.Operation
	OwnerID       string
	CorrelationID string
	EnqueuedAt    time.Time
	Attempts      int
	MaxAttempts   int
}

// Queue retries persistence operations with backoff and keeps a bounded
// in-process queue of operations that exhausted their inline attempts.
// It is safe for concurrent use.
type Queue struct {
	cfg      Config
	applier  store.Applier
	classify Classifier
	clk      clock.Clock
	logger   *zap.Logger

	mu      sync.Mutex
	pending []QueuedOperation

	schedMu     sync.Mutex
	schedCancel context.CancelFunc
	schedDone   chan struct{}
}

// New constructs a Queue around the given applier. A nil classifier falls
// back to DefaultClassifier.
func New(cfg Config, applier store.Applier, classify Classifier) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = defaultBaseDelay
	}
	if cfg.Multiplier <= 1 {
		cfg.Multiplier = defaultMultiplier
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = defaultMaxDelay
	}
	if cfg.QueueCap <= 0 {
		cfg.QueueCap = defaultQueueCap
	}
	if cfg.MaxAge <= 0 {
		cfg.MaxAge = defaultMaxAge
	}
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = defaultDrainInterval
	}
	if cfg.Clock == nil {
		cfg.Clock = system.New()
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if classify == nil {
		classify = DefaultClassifier
	}
	return &Queue{
		cfg:      cfg,
		applier:  applier,
		classify: classify,
		clk:      cfg.Clock,
		logger:   cfg.Logger,
	}
}

// Apply attempts the operation up to MaxAttempts times with exponential
// backoff between attempts. Errors the classifier rejects abort
// immediately. On success after a failed attempt a recovery is logged; on
// exhaustion the last error is returned to the caller, who decides whether
// to hand the operation to EnqueueFailed.
func (q *Queue) Apply(ctx context.Context, op store.Operation, ownerID string) error {
	var lastErr error
	for attempt := 1; attempt <= q.cfg.MaxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("apply %s: %w", op.Describe(), err)
		}
		err := q.applier.Apply(ctx, op)
		if err == nil {
			metrics.ObserveAttempt(op.Describe(), "success")
			if attempt > 1 {
				metrics.ObserveRecovery()
				q.logger.Info("operation recovered",
					zap.String("operation", op.Describe()),
					zap.String("owner_id", ownerID),
					zap.Int("attempt", attempt),
				)
			}
			return nil
		}
		lastErr = err
		if !q.classify(err) {
			metrics.ObserveAttempt(op.Describe(), "permanent")
			return fmt.Errorf("apply %s: %w", op.Describe(), err)
		}
		metrics.ObserveAttempt(op.Describe(), "retryable")
		q.logger.Warn("operation attempt failed",
			zap.String("operation", op.Describe()),
			zap.String("owner_id", ownerID),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt < q.cfg.MaxAttempts {
			if err := q.wait(ctx, q.backoff(attempt)); err != nil {
				return fmt.Errorf("apply %s: %w", op.Describe(), err)
			}
		}
	}
	return fmt.Errorf("apply %s after %d attempts: %w", op.Describe(), q.cfg.MaxAttempts, lastErr)
}

func (q *Queue) backoff(attempt int) time.Duration {
	delay := float64(q.cfg.BaseDelay) * math.Pow(q.cfg.Multiplier, float64(attempt-1))
	if delay > float64(q.cfg.MaxDelay) {
		delay = float64(q.cfg.MaxDelay)
	}
	return time.Duration(delay)
}

func (q *Queue) wait(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// EnqueueFailed appends an operation for background replay. Callers invoke
// it after Apply exhausted its inline attempts with a retryable error;
// permanent failures must never be queued.
func (q *Queue) EnqueueFailed(op store.Operation, ownerID, correlationID string) {
	entry := QueuedOperation{
		Op:            op,
		OwnerID:       ownerID,
		CorrelationID: correlationID,
		EnqueuedAt:    q.clk.Now(),
		Attempts:      0,
		MaxAttempts:   q.cfg.MaxAttempts,
	}
	q.mu.Lock()
	q.pending = append(q.pending, entry)
	depth := len(q.pending)
	q.mu.Unlock()
	metrics.SetQueueDepth(depth)
	q.logger.Info("operation queued for background replay",
		zap.String("operation", op.Describe()),
		zap.String("owner_id", ownerID),
		zap.String("correlation_id", correlationID),
		zap.Int("queue_depth", depth),
	)
}

// Drain snapshots and clears the queue, then replays each entry through
// Apply. Entries still failing with a retryable error and under their
// attempt budget are re-enqueued; the rest are dropped with a terminal
// observation. Operations enqueued while a drain is running land in the
// next tick, never in the current one.
func (q *Queue) Drain(ctx context.Context) {
	q.mu.Lock()
	snapshot := q.pending
	q.pending = nil
	q.mu.Unlock()
	if len(snapshot) == 0 {
		return
	}
	q.logger.Debug("draining replay queue", zap.Int("entries", len(snapshot)))

	for _, entry := range snapshot {
		if ctx.Err() != nil {
			// Shutdown mid-drain: put the remainder back untouched.
			q.requeue(entry)
			continue
		}
		err := q.Apply(ctx, entry.Op, entry.OwnerID)
		if err == nil {
			metrics.ObserveQueuedOutcome("replayed")
			continue
		}
		entry.Attempts++
		switch {
		case !q.classify(err):
			metrics.ObserveQueuedOutcome("dropped")
			q.logger.Error("queued operation failed permanently",
				zap.String("operation", entry.Op.Describe()),
				zap.String("owner_id", entry.OwnerID),
				zap.String("correlation_id", entry.CorrelationID),
				zap.Error(err),
			)
		case entry.Attempts >= entry.MaxAttempts:
			metrics.ObserveQueuedOutcome("dropped")
			q.logger.Error("queued operation dropped after max replay attempts",
				zap.String("operation", entry.Op.Describe()),
				zap.String("owner_id", entry.OwnerID),
				zap.String("correlation_id", entry.CorrelationID),
				zap.Int("attempts", entry.Attempts),
				zap.Error(err),
			)
		default:
			q.requeue(entry)
		}
	}
	metrics.SetQueueDepth(q.Len())
}

func (q *Queue) requeue(entry QueuedOperation) {
	q.mu.Lock()
	q.pending = append(q.pending, entry)
	q.mu.Unlock()
}

// Cleanup discards entries older than MaxAge and, if the queue still
// exceeds QueueCap, evicts the oldest entries beyond the cap. After a
// Cleanup pass the queue never exceeds its capacity bound.
func (q *Queue) Cleanup() {
	now := q.clk.Now()
	q.mu.Lock()
	kept := q.pending[:0]
	expired := 0
	for _, entry := range q.pending {
		if now.Sub(entry.EnqueuedAt) > q.cfg.MaxAge {
			expired++
			continue
		}
		kept = append(kept, entry)
	}
	evicted := 0
	if over := len(kept) - q.cfg.QueueCap; over > 0 {
		evicted = over
		kept = append([]QueuedOperation(nil), kept[over:]...)
	}
	q.pending = kept
	depth := len(q.pending)
	q.mu.Unlock()

	for i := 0; i < expired; i++ {
		metrics.ObserveQueuedOutcome("expired")
	}
	for i := 0; i < evicted; i++ {
		metrics.ObserveQueuedOutcome("evicted")
	}
	metrics.SetQueueDepth(depth)
	if expired > 0 || evicted > 0 {
		q.logger.Warn("replay queue cleanup discarded operations",
			zap.Int("expired", expired),
			zap.Int("evicted", evicted),
			zap.Int("remaining", depth),
		)
	}
}

// Len returns the current replay queue size.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.pending)
}

// Pending returns a copy of the queued operations, oldest first.
func (q *Queue) Pending() []QueuedOperation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]QueuedOperation(nil), q.pending...)
}

// StartBackgroundRetry launches the periodic drain/cleanup scheduler.
// Start is idempotent: a second call replaces any running scheduler. Drain
// and Cleanup run sequentially on a single goroutine, so ticks never
// overlap regardless of interval.
func (q *Queue) StartBackgroundRetry(interval time.Duration) {
	if interval <= 0 {
		interval = q.cfg.DrainInterval
	}
	q.schedMu.Lock()
	defer q.schedMu.Unlock()
	q.stopLocked()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	q.schedCancel = cancel
	q.schedDone = done
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				q.Drain(ctx)
				q.Cleanup()
			}
		}
	}()
	q.logger.Info("background retry scheduler started", zap.Duration("interval", interval))
}

// StopBackgroundRetry halts the scheduler and waits for an in-flight tick
// to finish. Safe to call without a running scheduler.
func (q *Queue) StopBackgroundRetry() {
	q.schedMu.Lock()
	defer q.schedMu.Unlock()
	q.stopLocked()
}

func (q *Queue) stopLocked() {
	if q.schedCancel == nil {
		return
	}
	q.schedCancel()
	<-q.schedDone
	q.schedCancel = nil
	q.schedDone = nil
}

// Close stops the scheduler. Queued operations are abandoned; the queue is
// explicitly not durable across process restarts.
func (q *Queue) Close() {
	q.StopBackgroundRetry()
}

package natkeeper

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// NotifyQueue decouples port notifications from the renewal loop.
//
// ApplyPort only records the latest port. Run delivers it to the wrapped
// Notifier, retrying failures with a doubling delay; a newer port replaces
// one that has not been delivered yet.
type NotifyQueue struct {
	target       Notifier
	clock        clock.Clock
	logger       *slog.Logger
	metrics      *Metrics
	initialDelay time.Duration
	maxDelay     time.Duration
	pending      chan uint16
}

// NotifyQueueOption configures a NotifyQueue.
type NotifyQueueOption func(*NotifyQueue)

// WithQueueClock sets the clock used for retry delays.
func WithQueueClock(c clock.Clock) NotifyQueueOption {
	return func(q *NotifyQueue) { q.clock = c }
}

// WithQueueLogger sets the logger.
func WithQueueLogger(l *slog.Logger) NotifyQueueOption {
	return func(q *NotifyQueue) { q.logger = l }
}

// WithQueueMetrics counts delivery failures.
func WithQueueMetrics(m *Metrics) NotifyQueueOption {
	return func(q *NotifyQueue) { q.metrics = m }
}

// WithRetryDelays sets the first and the largest retry delay.
func WithRetryDelays(initial, maxDelay time.Duration) NotifyQueueOption {
	return func(q *NotifyQueue) {
		q.initialDelay = initial
		q.maxDelay = maxDelay
	}
}

// NewNotifyQueue wraps target.
func NewNotifyQueue(target Notifier, opts ...NotifyQueueOption) *NotifyQueue {
	q := &NotifyQueue{
		target:       target,
		clock:        clock.New(),
		logger:       slog.Default(),
		initialDelay: notifyRetryInitialDelay,
		maxDelay:     notifyRetryMaxDelay,
		pending:      make(chan uint16, 1),
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// ApplyPort queues port for delivery and never fails.
func (q *NotifyQueue) ApplyPort(_ context.Context, port uint16) error {
	for {
		select {
		case q.pending <- port:
			return nil
		default:
		}
		// Drop the stale port so the newest one wins.
		select {
		case old := <-q.pending:
			q.logger.Debug("superseding undelivered port", "oldPort", old, "newPort", port)
		default:
		}
	}
}

// Run delivers queued ports until ctx is done.
func (q *NotifyQueue) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case port := <-q.pending:
			q.deliver(ctx, port)
		}
	}
}

func (q *NotifyQueue) deliver(ctx context.Context, port uint16) {
	delay := q.initialDelay
	for {
		err := q.target.ApplyPort(ctx, port)
		if err == nil {
			q.logger.Info("downstream port updated", "port", port)
			return
		}
		if ctx.Err() != nil {
			return
		}

		q.metrics.notifierFailed()
		q.logger.Warn("downstream port update failed, will retry",
			"port", port,
			"retryIn", delay,
			"error", err)

		t := q.clock.Timer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case newer := <-q.pending:
			t.Stop()
			port = newer
			delay = q.initialDelay
			continue
		case <-t.C:
		}

		delay *= 2
		if delay > q.maxDelay {
			delay = q.maxDelay
		}
	}
}

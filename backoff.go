package natkeeper

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Sleeper blocks for d or until ctx is done.
type Sleeper interface {
	Sleep(ctx context.Context, d time.Duration) error
}

// ClockSleeper implements Sleeper on a clock.Clock.
type ClockSleeper struct {
	clock clock.Clock
}

// NewClockSleeper returns a Sleeper backed by c. A nil clock means the wall clock.
func NewClockSleeper(c clock.Clock) *ClockSleeper {
	if c == nil {
		c = clock.New()
	}
	return &ClockSleeper{clock: c}
}

// Sleep waits for d. It returns ctx.Err() if ctx is done first.
func (s *ClockSleeper) Sleep(ctx context.Context, d time.Duration) error {
	t := s.clock.Timer(d)
	defer t.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Exchange is one request/response protocol exchange driven by Backoff.
type Exchange struct {
	// Name labels log lines and metrics.
	Name string
	Send func() error
	Read func() (Response, error)
	// Accept inspects a decoded response. It returns true to finish,
	// false to retry on the next timeout, or an error to abort.
	Accept func(Response) (bool, error)
}

// Backoff repeats an Exchange with a doubling timeout until it is accepted
// or the timeout passes its ceiling.
type Backoff struct {
	sleeper Sleeper
	logger  *slog.Logger
	metrics *Metrics
	initial time.Duration
	ceiling time.Duration
}

// BackoffOption configures a Backoff.
type BackoffOption func(*Backoff)

// WithBackoffLogger sets the logger used for attempt progress.
func WithBackoffLogger(l *slog.Logger) BackoffOption {
	return func(b *Backoff) { b.logger = l }
}

// WithBackoffMetrics records attempts and try-again signals.
func WithBackoffMetrics(m *Metrics) BackoffOption {
	return func(b *Backoff) { b.metrics = m }
}

// NewBackoff creates a driver starting at 250ms and giving up once the
// timeout would exceed 64s.
func NewBackoff(sleeper Sleeper, opts ...BackoffOption) *Backoff {
	b := &Backoff{
		sleeper: sleeper,
		logger:  slog.Default(),
		initial: initialTimeout,
		ceiling: maxTimeout,
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Do runs ex. Each iteration sends, waits for the current timeout, then reads.
// ErrTryAgain and rejected responses double the timeout; any other read or
// send error aborts with a *TransportError.
func (b *Backoff) Do(ctx context.Context, ex Exchange) (Response, error) {
	for timeout := b.initial; timeout <= b.ceiling; timeout *= 2 {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		if err := ex.Send(); err != nil && !errors.Is(err, ErrTryAgain) {
			return nil, &TransportError{Op: "send " + ex.Name, Err: err}
		}
		b.metrics.requestSent(ex.Name)
		b.logger.Debug("request sent",
			"exchange", ex.Name,
			"timeout", timeout)

		if err := b.sleeper.Sleep(ctx, timeout); err != nil {
			return nil, err
		}

		resp, err := ex.Read()
		if errors.Is(err, ErrTryAgain) {
			b.metrics.tryAgain(ex.Name)
			b.logger.Debug("no response yet",
				"exchange", ex.Name,
				"timeout", timeout)
			continue
		}
		if err != nil {
			return nil, &TransportError{Op: "read " + ex.Name, Err: err}
		}

		done, err := ex.Accept(resp)
		if err != nil {
			return nil, err
		}
		if done {
			return resp, nil
		}
	}

	return nil, ErrTimeout
}

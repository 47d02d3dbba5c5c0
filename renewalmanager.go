package natkeeper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/multierr"
)

var errEpochRegressed = errors.New("gateway epoch went backwards")

// RenewalManager holds one port mapping and renews it at half its lifetime.
type RenewalManager struct {
	mapper         Mapper
	notifier       Notifier
	releaser       Releaser
	sleeper        Sleeper
	logger         *slog.Logger
	metrics        *Metrics
	releaseTimeout time.Duration

	mu      sync.Mutex
	current *PortMapping
}

// RenewalOption configures a RenewalManager.
type RenewalOption func(*RenewalManager)

// WithRenewalLogger sets the logger.
func WithRenewalLogger(l *slog.Logger) RenewalOption {
	return func(r *RenewalManager) { r.logger = l }
}

// WithRenewalMetrics records renewals and port changes.
func WithRenewalMetrics(m *Metrics) RenewalOption {
	return func(r *RenewalManager) { r.metrics = m }
}

// WithSleeper sets the Sleeper used between renewals.
func WithSleeper(s Sleeper) RenewalOption {
	return func(r *RenewalManager) { r.sleeper = s }
}

// WithReleaser releases the held mapping when Run returns.
func WithReleaser(rel Releaser) RenewalOption {
	return func(r *RenewalManager) { r.releaser = rel }
}

// NewRenewalManager creates a renewal manager that reports port changes to notifier.
func NewRenewalManager(mapper Mapper, notifier Notifier, opts ...RenewalOption) *RenewalManager {
	r := &RenewalManager{
		mapper:         mapper,
		notifier:       notifier,
		sleeper:        NewClockSleeper(nil),
		logger:         slog.Default(),
		releaseTimeout: 5 * time.Second,
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Current returns a copy of the held mapping, or nil before the first grant.
func (r *RenewalManager) Current() *PortMapping {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.current == nil {
		return nil
	}
	m := *r.current
	return &m
}

// Run acquires a mapping, notifies its external port, then renews it forever.
// It returns when ctx is done, when the fallback fresh acquisition fails, or
// when the notifier fails. A failed release is combined into the returned error.
func (r *RenewalManager) Run(ctx context.Context) (err error) {
	m, err := r.mapper.RequestMapping(ctx, 0, 0, false)
	if err != nil {
		return fmt.Errorf("initial mapping: %w", err)
	}
	r.hold(m)
	defer func() {
		err = multierr.Append(err, r.release())
	}()

	if err := r.notify(ctx, m.ExternalPort); err != nil {
		return err
	}

	for {
		wait := m.Lifetime / 2
		r.logger.Debug("waiting to renew mapping",
			"external", m.ExternalPort,
			"wait", wait,
			"renewAfter", m.RenewAfter())
		if err := r.sleeper.Sleep(ctx, wait); err != nil {
			return err
		}

		next, err := r.renew(ctx, m)
		if err != nil {
			return err
		}

		if next.ExternalPort != m.ExternalPort {
			r.metrics.portChanged()
			r.logger.Info("external port changed",
				"oldPort", m.ExternalPort,
				"newPort", next.ExternalPort)
			if err := r.notify(ctx, next.ExternalPort); err != nil {
				return err
			}
		}

		r.hold(next)
		m = next
	}
}

// renew re-requests prev's ports, falling back to a fresh mapping if that
// fails or the gateway epoch regressed.
func (r *RenewalManager) renew(ctx context.Context, prev *PortMapping) (*PortMapping, error) {
	next, err := r.mapper.RequestMapping(ctx, prev.InternalPort, prev.ExternalPort, true)
	if err == nil && next.Epoch < prev.Epoch {
		r.metrics.epochReset()
		err = fmt.Errorf("%w: %d < %d", errEpochRegressed, next.Epoch, prev.Epoch)
	}
	if err == nil {
		r.logger.Info("mapping renewed",
			"internal", next.InternalPort,
			"external", next.ExternalPort,
			"lifetime", next.Lifetime)
		return next, nil
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return nil, ctxErr
	}

	r.metrics.renewalFailed()
	r.logger.Warn("renewal failed, requesting any available mapping",
		"internal", prev.InternalPort,
		"external", prev.ExternalPort,
		"error", err)

	next, err = r.mapper.RequestMapping(ctx, 0, 0, false)
	if err != nil {
		return nil, fmt.Errorf("every renewal method failed: %w", err)
	}
	return next, nil
}

func (r *RenewalManager) notify(ctx context.Context, port uint16) error {
	if err := r.notifier.ApplyPort(ctx, port); err != nil {
		r.metrics.notifierFailed()
		return fmt.Errorf("%w: port %d: %w", ErrNotifierFailed, port, err)
	}
	return nil
}

func (r *RenewalManager) hold(m *PortMapping) {
	r.mu.Lock()
	r.current = m
	r.mu.Unlock()

	r.metrics.holding(m)
}

// release removes the held mapping from the gateway, if a Releaser is set.
func (r *RenewalManager) release() error {
	if r.releaser == nil {
		return nil
	}
	m := r.Current()
	if m == nil {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.releaseTimeout)
	defer cancel()

	if err := r.releaser.Release(ctx, m); err != nil {
		r.logger.Warn("failed to release mapping during shutdown",
			"internal", m.InternalPort,
			"external", m.ExternalPort,
			"error", err)
		return fmt.Errorf("release mapping %d->%d: %w", m.ExternalPort, m.InternalPort, err)
	}
	r.logger.Info("mapping released",
		"internal", m.InternalPort,
		"external", m.ExternalPort)
	return nil
}

// Command natkeeper keeps a NAT-PMP TCP port mapping alive and pushes the
// external port to a downstream consumer whenever it changes.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/fx"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	natkeeper "github.com/go-i2p/go-natpmp-keeper"
)

func main() {
	cfg, err := natkeeper.LoadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "natkeeper: %v\n", err)
		os.Exit(2)
	}

	fx.New(
		fx.NopLogger,
		fx.Supply(cfg),
		fx.Provide(
			newLogger,
			newRegistry,
			newMetrics,
			newSession,
			newClient,
			newNotifyQueue,
			newRenewalManager,
		),
		fx.Invoke(registerLifecycle),
	).Run()
}

func newLogger(cfg natkeeper.Config) *slog.Logger {
	logger := cfg.NewLogger()
	slog.SetDefault(logger)
	return logger
}

func newRegistry() *prometheus.Registry {
	return prometheus.NewRegistry()
}

func newMetrics(reg *prometheus.Registry) *natkeeper.Metrics {
	return natkeeper.NewMetrics(reg)
}

func newSession(cfg natkeeper.Config, logger *slog.Logger) (*natkeeper.PMPSession, error) {
	gw, err := natkeeper.ResolveGateway(cfg.Gateway)
	if err != nil {
		return nil, err
	}
	logger.Info("using NAT-PMP gateway", "gateway", gw)
	return natkeeper.NewPMPSession(gw, cfg.CallTimeout, logger), nil
}

func newClient(cfg natkeeper.Config, session *natkeeper.PMPSession, logger *slog.Logger, metrics *natkeeper.Metrics) *natkeeper.Client {
	backoff := natkeeper.NewBackoff(natkeeper.NewClockSleeper(nil),
		natkeeper.WithBackoffLogger(logger),
		natkeeper.WithBackoffMetrics(metrics))
	return natkeeper.NewClient(session, backoff,
		natkeeper.WithClientLogger(logger),
		natkeeper.WithClientMetrics(metrics),
		natkeeper.WithUnexpectedLimit(cfg.UnexpectedLimit))
}

func newNotifyQueue(cfg natkeeper.Config, logger *slog.Logger, metrics *natkeeper.Metrics) (*natkeeper.NotifyQueue, error) {
	target, err := cfg.NewNotifier()
	if err != nil {
		return nil, err
	}
	return natkeeper.NewNotifyQueue(target,
		natkeeper.WithQueueLogger(logger.With("component", "notifier")),
		natkeeper.WithQueueMetrics(metrics)), nil
}

func newRenewalManager(cfg natkeeper.Config, client *natkeeper.Client, queue *natkeeper.NotifyQueue,
	session *natkeeper.PMPSession, logger *slog.Logger, metrics *natkeeper.Metrics,
) *natkeeper.RenewalManager {
	opts := []natkeeper.RenewalOption{
		natkeeper.WithRenewalLogger(logger),
		natkeeper.WithRenewalMetrics(metrics),
	}
	if cfg.ReleaseOnExit {
		opts = append(opts, natkeeper.WithReleaser(session))
	}
	return natkeeper.NewRenewalManager(client, queue, opts...)
}

type runParams struct {
	fx.In

	Lifecycle  fx.Lifecycle
	Shutdowner fx.Shutdowner
	Config     natkeeper.Config
	Logger     *slog.Logger
	Registry   *prometheus.Registry
	Session    *natkeeper.PMPSession
	Client     *natkeeper.Client
	Queue      *natkeeper.NotifyQueue
	Manager    *natkeeper.RenewalManager
}

func registerLifecycle(p runParams) {
	var (
		cancel context.CancelFunc
		done   = make(chan error, 1)
	)

	p.Lifecycle.Append(fx.Hook{
		OnStart: func(context.Context) error {
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			g, gctx := errgroup.WithContext(ctx)

			g.Go(func() error { return p.Queue.Run(gctx) })
			g.Go(func() error {
				if _, err := p.Client.QueryGateway(gctx); err != nil {
					return fmt.Errorf("querying public IP failed: %w", err)
				}
				return p.Manager.Run(gctx)
			})
			if p.Config.MetricsAddr != "" {
				g.Go(func() error { return natkeeper.ServeMetrics(gctx, p.Config.MetricsAddr, p.Registry) })
			}

			go func() {
				err := g.Wait()
				done <- err
				if err != nil && !errors.Is(err, context.Canceled) {
					p.Logger.Error("fatal error, shutting down", "error", err)
					p.Shutdowner.Shutdown(fx.ExitCode(1))
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			cancel()
			var runErr error
			select {
			case err := <-done:
				for _, e := range multierr.Errors(err) {
					if !errors.Is(e, context.Canceled) {
						runErr = multierr.Append(runErr, e)
					}
				}
			case <-ctx.Done():
				runErr = fmt.Errorf("waiting for renewal loop: %w", ctx.Err())
			}
			return multierr.Combine(runErr, p.Session.Close())
		},
	})
}

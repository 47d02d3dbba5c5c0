package natkeeper

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "natkeeper"

// Metrics holds the keeper's Prometheus collectors.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	requests         *prometheus.CounterVec
	tryAgains        *prometheus.CounterVec
	granted          *prometheus.CounterVec
	renewalFailures  prometheus.Counter
	portChanges      prometheus.Counter
	notifierFailures prometheus.Counter
	epochResets      prometheus.Counter
	externalPort     prometheus.Gauge
	lifetime         prometheus.Gauge
	epoch            prometheus.Gauge
}

// NewMetrics registers the collectors with reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "requests_sent_total",
			Help:      "NAT-PMP requests sent, by exchange.",
		}, []string{"exchange"}),
		tryAgains: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "try_again_total",
			Help:      "Reads that found no response yet, by exchange.",
		}, []string{"exchange"}),
		granted: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "mappings_granted_total",
			Help:      "Port mappings granted, by mode (fresh or renew).",
		}, []string{"mode"}),
		renewalFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "renewal_failures_total",
			Help:      "Renewals that fell back to fresh acquisition.",
		}),
		portChanges: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "port_changes_total",
			Help:      "External port changes detected.",
		}),
		notifierFailures: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "notifier_failures_total",
			Help:      "Failed downstream notifications.",
		}),
		epochResets: f.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_epoch_resets_total",
			Help:      "Gateway epoch regressions detected.",
		}),
		externalPort: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "external_port",
			Help:      "External port of the held mapping.",
		}),
		lifetime: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "mapping_lifetime_seconds",
			Help:      "Lifetime granted for the latest mapping.",
		}),
		epoch: f.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "gateway_epoch_seconds",
			Help:      "Latest seconds-since-start-of-epoch reported by the gateway.",
		}),
	}
}

func (m *Metrics) requestSent(exchange string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(exchange).Inc()
}

func (m *Metrics) tryAgain(exchange string) {
	if m == nil {
		return
	}
	m.tryAgains.WithLabelValues(exchange).Inc()
}

func (m *Metrics) mappingGranted(mode string, r *MappingResponse) {
	if m == nil {
		return
	}
	m.granted.WithLabelValues(mode).Inc()
	m.lifetime.Set(r.Lifetime.Seconds())
	m.epoch.Set(float64(r.Epoch))
}

func (m *Metrics) observeEpoch(epoch uint32) {
	if m == nil {
		return
	}
	m.epoch.Set(float64(epoch))
}

func (m *Metrics) holding(pm *PortMapping) {
	if m == nil {
		return
	}
	m.externalPort.Set(float64(pm.ExternalPort))
}

func (m *Metrics) renewalFailed() {
	if m == nil {
		return
	}
	m.renewalFailures.Inc()
}

func (m *Metrics) portChanged() {
	if m == nil {
		return
	}
	m.portChanges.Inc()
}

func (m *Metrics) notifierFailed() {
	if m == nil {
		return
	}
	m.notifierFailures.Inc()
}

func (m *Metrics) epochReset() {
	if m == nil {
		return
	}
	m.epochResets.Inc()
}

// ServeMetrics serves g on addr at /metrics until ctx is done.
func ServeMetrics(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(g, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return err
		}
		if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	}
}

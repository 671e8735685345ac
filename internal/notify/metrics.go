package notify

import (
	"context"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/timmoreton/castle/pkg/versionmgr"
)

const (
	metricsNamespace = "castle"
	metricsSubsystem = "versions"
)

// MetricsNotifier exports version lifecycle counts and the live version
// gauge to Prometheus. RegisterCollectors exposes the collectors on a
// prometheus.Registerer; the lifecycle methods update them whether or not
// they have been registered.
type MetricsNotifier struct {
	createdTotal   prometheus.Counter
	destroyedTotal prometheus.Counter
	live           prometheus.Gauge
}

var _ versionmgr.Notifier = (*MetricsNotifier)(nil)

// NewMetricsNotifier builds an unregistered MetricsNotifier.
func NewMetricsNotifier() *MetricsNotifier {
	return &MetricsNotifier{
		createdTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "created_total",
			Help:      "Total number of versions successfully created.",
		}),
		destroyedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "destroyed_total",
			Help:      "Total number of versions destroyed via delete_subtree.",
		}),
		live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: metricsSubsystem,
			Name:      "live",
			Help:      "Current number of live versions, including the root.",
		}),
	}
}

// RegisterCollectors adds the collectors to reg. Call once during startup.
func (m *MetricsNotifier) RegisterCollectors(reg prometheus.Registerer) error {
	for _, c := range []prometheus.Collector{m.createdTotal, m.destroyedTotal, m.live} {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

// Register implements versionmgr.Notifier: a version entered the live set.
func (m *MetricsNotifier) Register(ctx context.Context, id versionmgr.VersionID) error {
	m.live.Inc()
	return nil
}

// Deregister implements versionmgr.Notifier: a version left the live set.
func (m *MetricsNotifier) Deregister(ctx context.Context, id versionmgr.VersionID) error {
	m.live.Dec()
	return nil
}

func (m *MetricsNotifier) Created(ctx context.Context, id versionmgr.VersionID) {
	m.createdTotal.Inc()
}

func (m *MetricsNotifier) Destroyed(ctx context.Context, id versionmgr.VersionID) {
	m.destroyedTotal.Inc()
}

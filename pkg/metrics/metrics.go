// Package metrics exposes Prometheus instrumentation for the AAA
// engine: authentication outcomes and latency, accounting traffic,
// CoA deliveries, pool utilization and worker health.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/codelaboratoryltd/radiusd/pkg/pool"
	"github.com/codelaboratoryltd/radiusd/pkg/worker"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	authRequests   *prometheus.CounterVec
	authLatency    prometheus.Histogram
	acctEvents     *prometheus.CounterVec
	coaDeliveries  *prometheus.CounterVec
	ipConflicts    *prometheus.CounterVec
	poolTotal      *prometheus.GaugeVec
	poolInUse      *prometheus.GaugeVec
	workerDepth     prometheus.Gauge
	workerSubmitted prometheus.Gauge
	workerDrops     prometheus.Gauge
	workerFailures  prometheus.Gauge

	// References for collection
	poolMgr   *pool.Manager
	workers   *worker.Pool
	poolNames []string
	logger    *zap.Logger
}

// New creates a new Metrics instance. poolMgr and workers may be nil
// when the corresponding subsystem is disabled.
func New(poolMgr *pool.Manager, workers *worker.Pool, poolNames []string, logger *zap.Logger) *Metrics {
	return &Metrics{
		poolMgr:   poolMgr,
		workers:   workers,
		poolNames: poolNames,
		logger:    logger,

		authRequests: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_auth_requests_total",
				Help: "Total authentication requests by method and result",
			},
			[]string{"method", "result"},
		),

		authLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "radiusd_auth_latency_seconds",
				Help:    "Authentication decision latency",
				Buckets: []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
			},
		),

		acctEvents: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_acct_events_total",
				Help: "Total accounting events by status type",
			},
			[]string{"type"},
		),

		coaDeliveries: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_coa_deliveries_total",
				Help: "Total CoA disconnect attempts by outcome",
			},
			[]string{"outcome"},
		),

		ipConflicts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "radiusd_ip_conflicts_total",
				Help: "Duplicate-IP conflicts by resolution",
			},
			[]string{"resolution"},
		),

		poolTotal: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radiusd_pool_addresses_total",
				Help: "Addresses managed per pool",
			},
			[]string{"pool"},
		),

		poolInUse: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "radiusd_pool_addresses_in_use",
				Help: "Addresses currently assigned per pool",
			},
			[]string{"pool"},
		),

		workerDepth: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radiusd_worker_queue_depth",
				Help: "Background tasks currently waiting in the queue",
			},
		),

		workerSubmitted: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radiusd_worker_tasks_submitted",
				Help: "Background tasks submitted since start",
			},
		),

		workerDrops: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radiusd_worker_tasks_dropped",
				Help: "Background tasks dropped because the queue was full",
			},
		),

		workerFailures: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "radiusd_worker_task_failures",
				Help: "Background tasks that returned an error or panicked",
			},
		),
	}
}

// Register registers all metrics with Prometheus
func (m *Metrics) Register() error {
	collectors := []prometheus.Collector{
		m.authRequests,
		m.authLatency,
		m.acctEvents,
		m.coaDeliveries,
		m.ipConflicts,
		m.poolTotal,
		m.poolInUse,
		m.workerDepth,
		m.workerSubmitted,
		m.workerDrops,
		m.workerFailures,
	}

	for _, c := range collectors {
		if err := prometheus.Register(c); err != nil {
			// Ignore already registered errors
			if _, ok := err.(prometheus.AlreadyRegisteredError); !ok {
				return err
			}
		}
	}

	return nil
}

// --- Metric update methods ---

// RecordAuth records one authentication decision. method is "pap" or
// "mschapv2"; result is "accept" or "reject".
func (m *Metrics) RecordAuth(method, result string, latency time.Duration) {
	m.authRequests.WithLabelValues(method, result).Inc()
	m.authLatency.Observe(latency.Seconds())
}

// RecordAcct records one accounting event ("start", "stop", "interim").
func (m *Metrics) RecordAcct(eventType string) {
	m.acctEvents.WithLabelValues(eventType).Inc()
}

// RecordCoA records a disconnect attempt ("delivered" or "no_reply").
func (m *Metrics) RecordCoA(outcome string) {
	m.coaDeliveries.WithLabelValues(outcome).Inc()
}

// RecordConflict records a duplicate-IP resolution
// ("old_disconnected", "new_disconnected" or "reassigned").
func (m *Metrics) RecordConflict(resolution string) {
	m.ipConflicts.WithLabelValues(resolution).Inc()
}

// Collect refreshes gauge metrics from the pool manager and workers.
func (m *Metrics) Collect(ctx context.Context) {
	if m.poolMgr != nil {
		for _, name := range m.poolNames {
			st, err := m.poolMgr.PoolStats(ctx, name)
			if err != nil {
				m.logger.Debug("Pool stats unavailable", zap.String("pool", name), zap.Error(err))
				continue
			}
			m.poolTotal.WithLabelValues(name).Set(float64(st.Total))
			m.poolInUse.WithLabelValues(name).Set(float64(st.InUse))
		}
	}
	if m.workers != nil {
		st := m.workers.Stats()
		m.workerDepth.Set(float64(st.QueueDepth))
		m.workerSubmitted.Set(float64(st.Submitted))
		m.workerDrops.Set(float64(st.Dropped))
		m.workerFailures.Set(float64(st.Failed))
	}
}

// Handler returns the Prometheus HTTP handler
func (m *Metrics) Handler() http.Handler {
	return promhttp.Handler()
}

// StartCollector refreshes gauges on an interval until ctx is done.
func (m *Metrics) StartCollector(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Collect(ctx)
		}
	}
}

// Package metrics exports transfer, connection and worker pool metrics to
// Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"gitlab.com/tozd/go/errors"

	"github.com/franksops/filehub/adapter"
	"github.com/franksops/filehub/connection"
	"github.com/franksops/filehub/engine"
)

const namespace = "filehub"

// Observer records adapter and connection events. A nil Observer records
// nothing.
type Observer struct {
	transferDuration   *prometheus.HistogramVec
	transferBytes      *prometheus.CounterVec
	transferFiles      *prometheus.CounterVec
	connectionAttempts *prometheus.CounterVec

	poolWorkers *prometheus.GaugeVec
	poolQueued  *prometheus.GaugeVec
	poolActive  *prometheus.GaugeVec

	connectionsIdle  *prometheus.GaugeVec
	connectionsInUse *prometheus.GaugeVec
}

var (
	_ adapter.Observer    = (*Observer)(nil)
	_ connection.Observer = (*Observer)(nil)
)

// NewObserver registers the filehub collectors with reg, reusing collectors
// that are already registered. A nil reg means the default registerer.
func NewObserver(reg prometheus.Registerer) (*Observer, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	o := &Observer{}
	var errs []error
	o.transferDuration = register(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "transfer_duration_seconds",
		Help:      "Time spent on one file by an adapter stage.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"stage", "status"}), &errs)
	o.transferBytes = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_bytes_total",
		Help:      "Bytes read by senders and delivered by receivers.",
	}, []string{"stage"}), &errs)
	o.transferFiles = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "transfer_files_total",
		Help:      "Files handled per stage and final status.",
	}, []string{"stage", "status"}), &errs)
	o.connectionAttempts = register(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "connection_attempts_total",
		Help:      "Remote connection attempts by result.",
	}, []string{"result"}), &errs)

	o.poolWorkers = register(reg, poolGauge("pool_workers", "Workers running in a pool."), &errs)
	o.poolQueued = register(reg, poolGauge("pool_queued_jobs", "Jobs waiting in a pool queue."), &errs)
	o.poolActive = register(reg, poolGauge("pool_active_jobs", "Jobs being executed by a pool."), &errs)

	o.connectionsIdle = register(reg, endpointGauge("connections_idle", "Idle pooled connections per endpoint."), &errs)
	o.connectionsInUse = register(reg, endpointGauge("connections_in_use", "Borrowed connections per endpoint."), &errs)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return o, nil
}

func poolGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, []string{"pool"})
}

func endpointGauge(name, help string) *prometheus.GaugeVec {
	return prometheus.NewGaugeVec(prometheus.GaugeOpts{Namespace: namespace, Name: name, Help: help}, []string{"endpoint"})
}

// register registers c, or returns the collector of the same type that is
// already registered under the same descriptor.
func register[T prometheus.Collector](reg prometheus.Registerer, c T, errs *[]error) T {
	err := reg.Register(c)
	if err == nil {
		return c
	}
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	*errs = append(*errs, errors.Errorf("registering collector: %w", err))
	return c
}

// TransferStarted implements adapter.Observer.
func (o *Observer) TransferStarted(stage, file string) {}

// TransferFinished implements adapter.Observer.
func (o *Observer) TransferFinished(stage string, outcome adapter.FileOutcome, elapsed time.Duration) {
	if o == nil {
		return
	}
	status := string(outcome.Status)
	o.transferDuration.WithLabelValues(stage, status).Observe(elapsed.Seconds())
	o.transferFiles.WithLabelValues(stage, status).Inc()
	if outcome.Status.Succeeded() {
		o.transferBytes.WithLabelValues(stage).Add(float64(outcome.Size))
	}
}

// RecordConnectAttempt implements connection.Observer.
func (o *Observer) RecordConnectAttempt(endpoint string, err error) {
	if o == nil {
		return
	}
	result := "success"
	if err != nil {
		result = "failure"
	}
	o.connectionAttempts.WithLabelValues(result).Inc()
}

// ObservePools records a snapshot of worker pool statistics.
func (o *Observer) ObservePools(stats ...engine.PoolStats) {
	if o == nil {
		return
	}
	for _, s := range stats {
		o.poolWorkers.WithLabelValues(s.Name).Set(float64(s.Workers))
		o.poolQueued.WithLabelValues(s.Name).Set(float64(s.Queued))
		o.poolActive.WithLabelValues(s.Name).Set(float64(s.Active))
	}
}

// ObserveConnections records a snapshot of connection pool statistics.
func (o *Observer) ObserveConnections(stats map[string]connection.PoolStats) {
	if o == nil {
		return
	}
	for endpoint, s := range stats {
		o.connectionsIdle.WithLabelValues(endpoint).Set(float64(s.Idle))
		o.connectionsInUse.WithLabelValues(endpoint).Set(float64(s.InUse))
	}
}

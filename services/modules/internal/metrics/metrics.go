// Package metrics holds the Prometheus collectors of the modules service.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "redb_modules"

// Metrics is safe to use as a nil pointer; every method is then a no-op.
type Metrics struct {
	provisions    *prometheus.CounterVec
	provisionDurs *prometheus.HistogramVec
	drops         *prometheus.CounterVec
	cleanups      *prometheus.CounterVec
	orphans       prometheus.Gauge
	brokerPermits *prometheus.CounterVec
	brokerDenials *prometheus.CounterVec
	requests      *prometheus.CounterVec
}

// New creates the collectors and registers them with reg when it is non-nil.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		provisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "provision_total",
			Help:      "Number of provisioning attempts by outcome",
		}, []string{"outcome"}),
		provisionDurs: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "provision_duration_seconds",
			Help:      "Duration of provisioning attempts",
			Buckets:   prometheus.DefBuckets,
		}, []string{"outcome"}),
		drops: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "provisioner",
			Name:      "drop_total",
			Help:      "Number of module drops by outcome",
		}, []string{"outcome"}),
		cleanups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "cleanup_actions_total",
			Help:      "Number of orphan cleanup actions by action and whether they were executed",
		}, []string{"action", "executed"}),
		orphans: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "orphans",
			Help:      "Number of orphan records found by the last scan",
		}),
		brokerPermits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "permits_total",
			Help:      "Number of permitted cross-module accesses",
		}, []string{"source", "operation"}),
		brokerDenials: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "denials_total",
			Help:      "Number of denied cross-module accesses",
		}, []string{"source", "operation"}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "api",
			Name:      "requests_total",
			Help:      "Number of API requests by route and status code",
		}, []string{"route", "code"}),
	}
	if reg != nil {
		reg.MustRegister(m.PrometheusCollectors()...)
	}
	return m
}

// PrometheusCollectors returns all collectors.
func (m *Metrics) PrometheusCollectors() []prometheus.Collector {
	return []prometheus.Collector{
		m.provisions, m.provisionDurs, m.drops, m.cleanups,
		m.orphans, m.brokerPermits, m.brokerDenials, m.requests,
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "success"
}

func (m *Metrics) ObserveProvision(start time.Time, err error) {
	if m == nil {
		return
	}
	o := outcome(err)
	m.provisions.WithLabelValues(o).Inc()
	m.provisionDurs.WithLabelValues(o).Observe(time.Since(start).Seconds())
}

func (m *Metrics) ObserveDrop(err error) {
	if m == nil {
		return
	}
	m.drops.WithLabelValues(outcome(err)).Inc()
}

func (m *Metrics) ObserveCleanup(action string, executed bool) {
	if m == nil {
		return
	}
	e := "false"
	if executed {
		e = "true"
	}
	m.cleanups.WithLabelValues(action, e).Inc()
}

func (m *Metrics) SetOrphans(n int) {
	if m == nil {
		return
	}
	m.orphans.Set(float64(n))
}

func (m *Metrics) ObservePermit(source, operation string) {
	if m == nil {
		return
	}
	m.brokerPermits.WithLabelValues(source, operation).Inc()
}

func (m *Metrics) ObserveDenial(source, operation string) {
	if m == nil {
		return
	}
	m.brokerDenials.WithLabelValues(source, operation).Inc()
}

func (m *Metrics) ObserveRequest(route string, code int) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, statusLabel(code)).Inc()
}

func statusLabel(code int) string {
	switch {
	case code >= 500:
		return "5xx"
	case code >= 400:
		return "4xx"
	case code >= 300:
		return "3xx"
	default:
		return "2xx"
	}
}

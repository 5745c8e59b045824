package session

import (
	"github.com/prometheus/client_golang/prometheus"
)

const metricsNamespace = "duplexrpc"

// Outcome labels used by the request and call counters.
const (
	OutcomeOK       = "ok"
	OutcomeError    = "error"
	OutcomeLost     = "lost"
	OutcomeCanceled = "canceled"
)

// Collector is a prometheus.Collector that collects metrics about
// sessions and the calls flowing through them.
type Collector struct {
	sessionsActive prometheus.Gauge
	sessionsTotal  *prometheus.CounterVec
	requestsTotal  *prometheus.CounterVec
	callsTotal     *prometheus.CounterVec
}

// NewMetricsCollector returns a new Collector.
func NewMetricsCollector() *Collector {
	return &Collector{
		sessionsActive: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_active",
				Help:      "The number of live sessions.",
			},
		),
		sessionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "sessions_total",
				Help:      "The number of sessions created.",
			}, []string{"transport"},
		),
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "requests_total",
				Help:      "The number of inbound requests dispatched.",
			}, []string{"outcome"},
		),
		callsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: metricsNamespace,
				Name:      "calls_total",
				Help:      "The number of outbound calls issued to peers.",
			}, []string{"outcome"},
		),
	}
}

// Describe is part of the prometheus.Collector interface.
func (c *Collector) Describe(ch chan<- *prometheus.Desc) {
	c.sessionsActive.Describe(ch)
	c.sessionsTotal.Describe(ch)
	c.requestsTotal.Describe(ch)
	c.callsTotal.Describe(ch)
}

// Collect is part of the prometheus.Collector interface.
func (c *Collector) Collect(ch chan<- prometheus.Metric) {
	c.sessionsActive.Collect(ch)
	c.sessionsTotal.Collect(ch)
	c.requestsTotal.Collect(ch)
	c.callsTotal.Collect(ch)
}

// The helpers below accept a nil receiver so that metrics stay optional.

func (c *Collector) sessionOpened(transport string) {
	if c == nil {
		return
	}
	c.sessionsActive.Inc()
	c.sessionsTotal.WithLabelValues(transport).Inc()
}

func (c *Collector) sessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Dec()
}

func (c *Collector) request(outcome string) {
	if c == nil {
		return
	}
	c.requestsTotal.WithLabelValues(outcome).Inc()
}

func (c *Collector) call(outcome string) {
	if c == nil {
		return
	}
	c.callsTotal.WithLabelValues(outcome).Inc()
}

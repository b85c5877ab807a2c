package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tomyedwab/workerhost/types"
)

// PrometheusCollector implements Collector using Prometheus metrics
type PrometheusCollector struct {
	domainsCreated  prometheus.Counter
	createFailures  *prometheus.CounterVec
	evictions       prometheus.Counter
	activeDomains   prometheus.Gauge
	shutdownSeconds *prometheus.HistogramVec
	pingsDropped    prometheus.Counter
	handlers        *prometheus.GaugeVec
	handlerStarts   *prometheus.CounterVec

	registry *prometheus.Registry
}

// NewPrometheusCollector creates a collector registered on its own registry
func NewPrometheusCollector(namespace string) *PrometheusCollector {
	if namespace == "" {
		namespace = "workerhost"
	}

	pc := &PrometheusCollector{
		registry: prometheus.NewRegistry(),
	}

	pc.domainsCreated = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "domains_created_total",
		Help:      "Total number of isolated domains created",
	})

	// Failures are labelled by application; creation failures are rare so
	// the cardinality stays small.
	pc.createFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "domain_create_failures_total",
			Help:      "Total number of failed domain creations",
		},
		[]string{"application"},
	)

	pc.evictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "domain_evictions_total",
		Help:      "Total number of domains evicted under capacity pressure",
	})

	pc.activeDomains = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "domains_active",
		Help:      "Domains created and not yet fully torn down",
	})

	pc.shutdownSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "shutdown_all_duration_seconds",
			Help:      "Time spent waiting for domains during bulk shutdown",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"drained"},
	)

	pc.pingsDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "pings_dropped_total",
		Help:      "Pings refused because another ping was pending",
	})

	pc.handlers = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "protocol_handlers",
			Help:      "Live protocol handlers by scope",
		},
		[]string{"protocol", "scope"},
	)

	pc.handlerStarts = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "protocol_handler_starts_total",
			Help:      "Total number of protocol handler instantiations",
		},
		[]string{"protocol", "scope"},
	)

	pc.registry.MustRegister(
		pc.domainsCreated,
		pc.createFailures,
		pc.evictions,
		pc.activeDomains,
		pc.shutdownSeconds,
		pc.pingsDropped,
		pc.handlers,
		pc.handlerStarts,
	)

	return pc
}

// Registry returns the registry the metrics are registered on
func (pc *PrometheusCollector) Registry() *prometheus.Registry {
	return pc.registry
}

// DomainCreated implements Collector
func (pc *PrometheusCollector) DomainCreated(types.ApplicationID) {
	pc.domainsCreated.Inc()
}

// DomainCreateFailed implements Collector
func (pc *PrometheusCollector) DomainCreateFailed(appID types.ApplicationID) {
	pc.createFailures.WithLabelValues(string(appID)).Inc()
}

// DomainEvicted implements Collector
func (pc *PrometheusCollector) DomainEvicted(types.ApplicationID) {
	pc.evictions.Inc()
}

// ActiveDomains implements Collector
func (pc *PrometheusCollector) ActiveDomains(n int64) {
	pc.activeDomains.Set(float64(n))
}

// ShutdownAllDuration implements Collector
func (pc *PrometheusCollector) ShutdownAllDuration(d time.Duration, drained bool) {
	label := "false"
	if drained {
		label = "true"
	}
	pc.shutdownSeconds.WithLabelValues(label).Observe(d.Seconds())
}

// PingDropped implements Collector
func (pc *PrometheusCollector) PingDropped() {
	pc.pingsDropped.Inc()
}

// HandlerStarted implements Collector
func (pc *PrometheusCollector) HandlerStarted(protocolID string, scope types.Scope) {
	pc.handlers.WithLabelValues(protocolID, scope.String()).Inc()
	pc.handlerStarts.WithLabelValues(protocolID, scope.String()).Inc()
}

// HandlerStopped implements Collector
func (pc *PrometheusCollector) HandlerStopped(protocolID string, scope types.Scope) {
	pc.handlers.WithLabelValues(protocolID, scope.String()).Dec()
}

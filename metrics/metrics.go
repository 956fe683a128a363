// Package metrics exposes the state store's Prometheus metrics. Only the
// metrics specified here are returned: the GoCollector and ProcessCollector
// metrics are omitted by using our own registry.
package metrics

import (
	"context"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/harborscale/go-harborscale-state/logger"
)

type Logger = logger.Logger

type Metrics struct {
	serviceName string
	port        string
	registry    *prometheus.Registry
	log         Logger
	server      *http.Server

	durableWriteFailures *prometheus.CounterVec
	healthTransitions    *prometheus.CounterVec
	backendTransitions   *prometheus.CounterVec
	admissionDecisions   *prometheus.CounterVec
	restoreRecords       *prometheus.CounterVec
	reaperPurges         prometheus.Counter
}

// DurableWriteFailuresMetric counts dual-writes whose durable half failed.
// The cache write succeeded; this is durability lag, not data loss on the
// read path, but it is the number an operator watches.
func DurableWriteFailuresMetric() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_durable_write_failures_total",
			Help: "Total number of best-effort durable mirror writes that failed, by store.",
		},
		[]string{"store"},
	)
}

// HealthTransitionsMetric counts cache connector health transitions.
func HealthTransitionsMetric() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_cache_health_transitions_total",
			Help: "Total number of cache connector health transitions, by from and to state.",
		},
		[]string{"from", "to"},
	)
}

// BackendTransitionsMetric counts supervisor backend switches.
func BackendTransitionsMetric() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_backend_transitions_total",
			Help: "Total number of cache/local-fallback backend transitions, by from and to backend.",
		},
		[]string{"from", "to"},
	)
}

// AdmissionDecisionsMetric counts allow/deny/banned outcomes per preset.
func AdmissionDecisionsMetric() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_admission_decisions_total",
			Help: "Total number of admission decisions, by preset and outcome.",
		},
		[]string{"preset", "outcome"},
	)
}

// RestoreRecordsMetric counts records rehydrated into the cache.
func RestoreRecordsMetric() *prometheus.CounterVec {
	return prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "state_restore_records_total",
			Help: "Total number of durable records replayed into the cache, by store.",
		},
		[]string{"store"},
	)
}

// ReaperPurgesMetric counts durable records purged by the expiry reaper.
func ReaperPurgesMetric() prometheus.Counter {
	return prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "state_reaper_purged_records_total",
			Help: "Total number of expired durable records purged by the reaper.",
		},
	)
}

func New(log Logger, serviceName string, port string) *Metrics {
	m := &Metrics{
		serviceName:          serviceName,
		port:                 port,
		registry:             prometheus.NewRegistry(),
		log:                  log,
		durableWriteFailures: DurableWriteFailuresMetric(),
		healthTransitions:    HealthTransitionsMetric(),
		backendTransitions:   BackendTransitionsMetric(),
		admissionDecisions:   AdmissionDecisionsMetric(),
		restoreRecords:       RestoreRecordsMetric(),
		reaperPurges:         ReaperPurgesMetric(),
	}
	m.Register(
		m.durableWriteFailures,
		m.healthTransitions,
		m.backendTransitions,
		m.admissionDecisions,
		m.restoreRecords,
		m.reaperPurges,
	)
	return m
}

func (m *Metrics) Register(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		m.registry.MustRegister(c)
	}
}

// All observers are nil-safe so metrics stay optional in composition.

func (m *Metrics) ObserveDurableWriteFailure(store string) {
	if m == nil {
		return
	}
	m.durableWriteFailures.WithLabelValues(store).Inc()
}

func (m *Metrics) ObserveHealthTransition(from, to string) {
	if m == nil {
		return
	}
	m.healthTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveBackendTransition(from, to string) {
	if m == nil {
		return
	}
	m.backendTransitions.WithLabelValues(from, to).Inc()
}

func (m *Metrics) ObserveAdmissionDecision(preset, outcome string) {
	if m == nil {
		return
	}
	m.admissionDecisions.WithLabelValues(preset, outcome).Inc()
}

func (m *Metrics) ObserveRestoredRecords(store string, count int) {
	if m == nil {
		return
	}
	m.restoreRecords.WithLabelValues(store).Add(float64(count))
}

func (m *Metrics) ObserveReaperPurge(purged int64) {
	if m == nil {
		return
	}
	m.reaperPurges.Add(float64(purged))
}

// Handler serves the registry in the standard exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Listen starts the metrics endpoint. Blocks until the server stops.
func (m *Metrics) Listen() error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", m.Handler())
	m.server = &http.Server{
		Addr:              ":" + m.port,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	m.log.Infof("%s metrics listening on :%s", m.serviceName, m.port)
	return m.server.ListenAndServe()
}

func (m *Metrics) Shutdown(ctx context.Context) error {
	if m.server == nil {
		return nil
	}
	return m.server.Shutdown(ctx)
}

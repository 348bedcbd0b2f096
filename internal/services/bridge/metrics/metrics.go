// Package metrics exposes broker, dispatcher and task queue activity as
// Prometheus collectors on a dedicated registry.
package metrics

import (
	"context"
	"net/http"

	apperrors "github.com/louisbranch/browserbridge/internal/platform/errors"
	"github.com/louisbranch/browserbridge/internal/services/bridge/broker"
	"github.com/louisbranch/browserbridge/internal/services/bridge/dispatch"
	"github.com/louisbranch/browserbridge/internal/services/bridge/protocol"
	"github.com/louisbranch/browserbridge/internal/services/bridge/taskqueue"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "browserbridge"

// Metrics holds the bridge collectors.
type Metrics struct {
	registry *prometheus.Registry

	connections      *prometheus.GaugeVec
	exchanges        *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	frames           *prometheus.CounterVec
	tasks            *prometheus.CounterVec
	taskDuration     *prometheus.HistogramVec
}

// New creates and registers the bridge collectors.
func New() (*Metrics, error) {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "connections",
			Help:      "Live connections by role",
		}, []string{"role"}),
		exchanges: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "exchanges_total",
			Help:      "Finished exchanges by command and outcome",
		}, []string{"command", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "broker",
			Name:      "exchange_duration_seconds",
			Help:      "Time from send to completion of an exchange",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"command"}),
		frames: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "dispatch",
			Name:      "frames_total",
			Help:      "Inbound frames by role and classification",
		}, []string{"role", "kind", "reason"}),
		tasks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "taskqueue",
			Name:      "tasks_total",
			Help:      "Finished tasks by command and result code",
		}, []string{"command", "code"}),
		taskDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "taskqueue",
			Name:      "task_duration_seconds",
			Help:      "Handler run time per task",
			Buckets:   prometheus.DefBuckets,
		}, []string{"command"}),
	}

	for _, c := range []prometheus.Collector{
		m.connections,
		m.exchanges,
		m.exchangeDuration,
		m.frames,
		m.tasks,
		m.taskDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	} {
		if err := m.registry.Register(c); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{EnableOpenMetrics: true})
}

// ConnectionsChanged implements broker.Observer.
func (m *Metrics) ConnectionsChanged(role broker.Role, count int) {
	m.connections.WithLabelValues(string(role)).Set(float64(count))
}

// ExchangeFinished implements broker.Observer.
func (m *Metrics) ExchangeFinished(summary broker.ExchangeSummary) {
	command := summary.Command
	if command == "" {
		command = "unknown"
	}
	m.exchanges.WithLabelValues(command, string(summary.Outcome)).Inc()
	if summary.Outcome != broker.OutcomeNoTarget {
		m.exchangeDuration.WithLabelValues(command).Observe(summary.Duration.Seconds())
	}
}

// FrameDispatched implements dispatch.Observer.
func (m *Metrics) FrameDispatched(role broker.Role, kind protocol.Kind, reason string) {
	m.frames.WithLabelValues(string(role), kind.String(), reason).Inc()
}

// Report implements taskqueue.Reporter.
func (m *Metrics) Report(_ context.Context, outcome taskqueue.Outcome) {
	code := "OK"
	if outcome.Err != nil {
		code = string(apperrors.CodeOf(outcome.Err))
	}
	m.tasks.WithLabelValues(outcome.Task.Command, code).Inc()
	m.taskDuration.WithLabelValues(outcome.Task.Command).Observe(outcome.Duration.Seconds())
}

var (
	_ broker.Observer    = (*Metrics)(nil)
	_ dispatch.Observer  = (*Metrics)(nil)
	_ taskqueue.Reporter = (*Metrics)(nil)
)

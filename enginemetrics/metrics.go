// Package enginemetrics adapts github.com/prometheus/client_golang to
// engine.Metrics. Like enginezap, this is a default wiring the core never
// imports itself.
package enginemetrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/hexinfra/connline/engine"
)

// Metrics is a Prometheus-backed engine.Metrics. Build one per
// prometheus.Registerer (use a fresh *prometheus.Registry in tests to
// avoid the default registry's duplicate-collector panics across test
// cases).
type Metrics struct {
	connectionsAccepted prometheus.Counter
	connectionsRejected *prometheus.CounterVec
	connectionsOpened   prometheus.Counter
	connectionsClosed   prometheus.Counter
	timeoutsReaped      prometheus.Counter
	timeoutsDeferred    prometheus.Counter
	responsesTotal      *prometheus.CounterVec
	handlerErrorsTotal  prometheus.Counter
}

// New registers the engine's metric set against reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		connectionsAccepted: f.NewCounter(prometheus.CounterOpts{
			Name: "connline_connections_accepted_total",
			Help: "Connections admitted by the AdmissionPolicy",
		}),
		connectionsRejected: f.NewCounterVec(prometheus.CounterOpts{
			Name: "connline_connections_rejected_total",
			Help: "Connections rejected by the AdmissionPolicy, by bounded reason code (global_cap, per_ip_cap)",
		}, []string{"code"}),
		connectionsOpened: f.NewCounter(prometheus.CounterOpts{
			Name: "connline_connections_opened_total",
			Help: "Connections that ran Start (counted before any TLS handshake)",
		}),
		connectionsClosed: f.NewCounter(prometheus.CounterOpts{
			Name: "connline_connections_closed_total",
			Help: "Connections that ran Close",
		}),
		timeoutsReaped: f.NewCounter(prometheus.CounterOpts{
			Name: "connline_timeouts_reaped_total",
			Help: "Idle connections closed by the timeout watcher",
		}),
		timeoutsDeferred: f.NewCounter(prometheus.CounterOpts{
			Name: "connline_timeouts_deferred_total",
			Help: "Timeout extractions deferred because the connection was actively responding",
		}),
		responsesTotal: f.NewCounterVec(prometheus.CounterOpts{
			Name: "connline_responses_total",
			Help: "Responses written, by status code",
		}, []string{"status"}),
		handlerErrorsTotal: f.NewCounter(prometheus.CounterOpts{
			Name: "connline_handler_errors_total",
			Help: "RequestHandler invocations that returned or panicked with an error",
		}),
	}
}

var _ engine.Metrics = (*Metrics)(nil)

func (m *Metrics) ConnectionAccepted() { m.connectionsAccepted.Inc() }

// ConnectionRejected labels by code, a fixed-cardinality reason code
// (engine.RejectionGlobalCap, engine.RejectionPerIPCap) — never the
// IP-bearing log message, which would blow up this CounterVec's series
// count.
func (m *Metrics) ConnectionRejected(code string) {
	m.connectionsRejected.WithLabelValues(code).Inc()
}
func (m *Metrics) ConnectionOpened() { m.connectionsOpened.Inc() }
func (m *Metrics) ConnectionClosed() { m.connectionsClosed.Inc() }
func (m *Metrics) TimeoutReaped()    { m.timeoutsReaped.Inc() }
func (m *Metrics) TimeoutDeferred()  { m.timeoutsDeferred.Inc() }
func (m *Metrics) ResponseWritten(status int) {
	m.responsesTotal.WithLabelValues(strconv.Itoa(status)).Inc()
}
func (m *Metrics) HandlerError() { m.handlerErrorsTotal.Inc() }

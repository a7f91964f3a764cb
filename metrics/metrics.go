// Package metrics exposes server instrumentation in Prometheus format.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "respkv"

// Registry holds all server metrics on a private Prometheus registry.
type Registry struct {
	registry *prometheus.Registry

	Commands          *prometheus.CounterVec
	CommandErrors     *prometheus.CounterVec
	ConnectionsActive prometheus.Gauge
	ConnectionsTotal  prometheus.Counter
	KeysExpired       prometheus.Counter
	Replicas          prometheus.Gauge
	PropagationDrops  prometheus.Counter
	RateLimited       prometheus.Counter
}

// NewRegistry creates and registers all metrics. Process and Go runtime
// collectors are included.
func NewRegistry() *Registry {
	r := &Registry{
		registry: prometheus.NewRegistry(),
		Commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "commands_total",
			Help:      "Commands processed, by command name.",
		}, []string{"command"}),
		CommandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "command_errors_total",
			Help:      "Requests answered with an error reply, by reason.",
		}, []string{"reason"}),
		ConnectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections_active",
			Help:      "Client connections currently open.",
		}),
		ConnectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "connections_total",
			Help:      "Client connections accepted.",
		}),
		KeysExpired: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "keys_expired_total",
			Help:      "Keys removed on access because their TTL elapsed.",
		}),
		Replicas: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "replicas_connected",
			Help:      "Replicas attached after a full resynchronization.",
		}),
		PropagationDrops: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "propagation_drops_total",
			Help:      "Writes not delivered to a replica because its queue was full.",
		}),
		RateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-connection rate limit.",
		}),
	}
	r.registry.MustRegister(
		r.Commands,
		r.CommandErrors,
		r.ConnectionsActive,
		r.ConnectionsTotal,
		r.KeysExpired,
		r.Replicas,
		r.PropagationDrops,
		r.RateLimited,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return r
}

// Handler returns an HTTP handler for the /metrics endpoint.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Server returns an HTTP server exposing /metrics on addr. The caller starts
// and shuts it down.
func (r *Registry) Server(addr string) *http.Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", r.Handler())
	return &http.Server{Addr: addr, Handler: mux}
}

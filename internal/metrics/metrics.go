// Package metrics registers the Prometheus collectors the control plane
// exposes on the admin surface: store mutations and version, active xDS
// streams, pushes and NACKs, and admin request counts/latency.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns every collector. It structurally satisfies xds.Metrics so
// the discovery server can report without importing this package.
type Registry struct {
	reg *prometheus.Registry

	storeVersion  prometheus.Gauge
	mutations     *prometheus.CounterVec
	activeStreams prometheus.Gauge
	pushes        *prometheus.CounterVec
	nacks         *prometheus.CounterVec
	httpRequests  *prometheus.CounterVec
	httpLatency   *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		storeVersion: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_store_version",
			Help: "Current global version of the resource store.",
		}),
		mutations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_mutations_total",
			Help: "Successful store mutations by resource kind and operation.",
		}, []string{"resource", "op"}),
		activeStreams: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "controlplane_active_streams",
			Help: "Connected xDS streams.",
		}),
		pushes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_pushes_total",
			Help: "DiscoveryResponses sent by type URL.",
		}, []string{"type_url"}),
		nacks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_nacks_total",
			Help: "NACKs received by type URL.",
		}, []string{"type_url"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "controlplane_http_requests_total",
			Help: "Admin API requests by route, method, and status.",
		}, []string{"route", "method", "status"}),
		httpLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "controlplane_http_request_duration_seconds",
			Help:    "Admin API request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route", "method"}),
	}
	r.reg.MustRegister(
		r.storeVersion, r.mutations,
		r.activeStreams, r.pushes, r.nacks,
		r.httpRequests, r.httpLatency,
	)
	return r
}

// Handler serves the Prometheus text exposition for GET /metrics.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

func (r *Registry) SetStoreVersion(v uint64) { r.storeVersion.Set(float64(v)) }

func (r *Registry) MutationApplied(resource, op string) {
	r.mutations.WithLabelValues(resource, op).Inc()
}

func (r *Registry) StreamOpened() { r.activeStreams.Inc() }
func (r *Registry) StreamClosed() { r.activeStreams.Dec() }

func (r *Registry) PushSent(typeURL string) { r.pushes.WithLabelValues(typeURL).Inc() }

func (r *Registry) NackReceived(typeURL string) { r.nacks.WithLabelValues(typeURL).Inc() }

// ObserveHTTP records one admin request. route is the mux route template
// ("/clusters/{name}"), not the raw path, to bound cardinality.
func (r *Registry) ObserveHTTP(route, method string, status int, duration time.Duration) {
	r.httpRequests.WithLabelValues(route, method, strconv.Itoa(status)).Inc()
	r.httpLatency.WithLabelValues(route, method).Observe(duration.Seconds())
}

// Package metric manages prometheus metrics for the openfilter runtime. It
// wraps a private prometheus registry so pipelines never collide with the
// global default registry, and exposes the HTTP handler the orchestrator
// serves when a metrics address is configured.
package metric

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry owns the process-local prometheus registry
type Registry struct {
	registry *prometheus.Registry
}

// NewRegistry creates a registry pre-loaded with Go runtime and process
// collectors.
func NewRegistry() *Registry {
	r := prometheus.NewRegistry()
	r.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return &Registry{registry: r}
}

// Registerer returns the interface components register their collectors with
func (r *Registry) Registerer() prometheus.Registerer {
	return r.registry
}

// Handler returns the promhttp handler for the /metrics endpoint
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.registry, promhttp.HandlerOpts{})
}

// Package router applies an endpoint's topic mapping to a received batch and
// merges the routed batches of several source endpoints into the one batch a
// stage processes per cycle.
package router

import (
	"log/slog"

	"github.com/abhijit10m/openfilter/connspec"
	"github.com/abhijit10m/openfilter/frame"
)

// Router routes wire batches for one stage's source endpoints
type Router struct {
	logger *slog.Logger
}

// New creates a router. A nil logger falls back to slog.Default.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger.With("component", "router")}
}

// Route applies the endpoint's topic mapping to a batch keyed by wire topic
// and returns the batch keyed by local topic. Explicit mappings form a closed
// set: unmapped wire topics are dropped with a log line, never an error. Open
// endpoints pass unmapped topics through unchanged.
func (r *Router) Route(byWire frame.Batch, ep connspec.Endpoint) frame.Batch {
	rename := make(map[string]string, len(ep.Mapping))
	for _, m := range ep.Mapping {
		rename[m.Wire] = m.Local
	}

	out := make(frame.Batch, len(byWire))
	for wire, f := range byWire {
		local, mapped := rename[wire]
		switch {
		case mapped:
			out[local] = f.Retopic(local)
		case ep.Closed:
			r.logger.Debug("dropping wire topic outside endpoint's mapped set",
				"endpoint", ep.Name(), "wire_topic", wire)
		default:
			out[wire] = f
		}
	}
	return out
}

// Merge combines the routed batches of several sources into one cycle batch.
// Batches appear in source declaration order; when two sources produce the
// same local topic in one cycle the later source wins. Collisions are
// surfaced at warn level, never resolved silently.
func (r *Router) Merge(batches ...frame.Batch) frame.Batch {
	out := make(frame.Batch)
	for i, batch := range batches {
		for topic, f := range batch {
			if _, exists := out[topic]; exists {
				r.logger.Warn("local topic collision during merge; later source overwrites",
					"topic", topic, "winning_source_index", i)
			}
			out[topic] = f
		}
	}
	return out
}

package health

import (
	"encoding/json"
	"net/http"
)

// Handler serves the aggregated pipeline status as JSON. Healthy and
// degraded pipelines answer 200 so in-flight shutdowns don't flap load
// balancer checks; an unhealthy pipeline answers 503.
func Handler(m *Monitor, pipelineName string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		status := m.Pipeline(pipelineName)

		code := http.StatusOK
		if status.IsUnhealthy() {
			code = http.StatusServiceUnavailable
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_ = json.NewEncoder(w).Encode(status)
	})
}

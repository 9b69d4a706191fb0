package filter

import (
	"github.com/prometheus/client_golang/prometheus"
)

// runnerMetrics tracks the stage's run loop
type runnerMetrics struct {
	iterations     prometheus.Counter
	processSeconds prometheus.Histogram
	stateGauge     prometheus.Gauge
}

func newRunnerMetrics(reg prometheus.Registerer, stageID string) *runnerMetrics {
	if reg == nil {
		return nil
	}
	labels := prometheus.Labels{"stage": stageID}
	m := &runnerMetrics{
		iterations: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "openfilter_stage_iterations_total",
			Help:        "Completed receive/process/send cycles",
			ConstLabels: labels,
		}),
		processSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "openfilter_stage_process_seconds",
			Help:        "Time spent in the filter's Process call",
			Buckets:     prometheus.ExponentialBuckets(0.0001, 4, 10),
			ConstLabels: labels,
		}),
		stateGauge: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "openfilter_stage_state",
			Help:        "Current lifecycle state as its enum value",
			ConstLabels: labels,
		}),
	}
	reg.MustRegister(m.iterations, m.processSeconds, m.stateGauge)
	return m
}

func (m *runnerMetrics) recordCycle(seconds float64) {
	if m == nil {
		return
	}
	m.iterations.Inc()
	m.processSeconds.Observe(seconds)
}

func (m *runnerMetrics) recordState(s State) {
	if m == nil {
		return
	}
	m.stateGauge.Set(float64(s))
}

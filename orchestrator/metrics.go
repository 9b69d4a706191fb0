package orchestrator

import (
	"github.com/prometheus/client_golang/prometheus"
)

// orchestratorMetrics tracks the stage process population. Nil-safe: a nil
// receiver makes every method a no-op so the orchestrator runs without a
// registry wired.
type orchestratorMetrics struct {
	stagesRunning prometheus.Gauge
	stageExits    *prometheus.CounterVec
}

func newOrchestratorMetrics(reg prometheus.Registerer) *orchestratorMetrics {
	if reg == nil {
		return nil
	}
	m := &orchestratorMetrics{
		stagesRunning: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "openfilter_stages_running",
			Help: "Stage processes currently alive",
		}),
		stageExits: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openfilter_stage_exits_total",
			Help: "Stage process exits by outcome",
		}, []string{"outcome"}),
	}
	reg.MustRegister(m.stagesRunning, m.stageExits)
	return m
}

func (m *orchestratorMetrics) stageStarted() {
	if m == nil {
		return
	}
	m.stagesRunning.Inc()
}

func (m *orchestratorMetrics) stageExited(clean bool) {
	if m == nil {
		return
	}
	m.stagesRunning.Dec()
	outcome := "clean"
	if !clean {
		outcome = "crash"
	}
	m.stageExits.WithLabelValues(outcome).Inc()
}

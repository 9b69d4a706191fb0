package transport

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the per-process transport metrics, labeled by channel
type Metrics struct {
	envelopesSent   *prometheus.CounterVec
	sendRetries     *prometheus.CounterVec
	pendingWait     *prometheus.HistogramVec
	clientsGauge    *prometheus.GaugeVec
	envelopesPulled *prometheus.CounterVec
}

// NewMetrics creates transport metrics and registers them. A nil registerer
// yields a no-op Metrics so the transport works without observability wiring.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		envelopesSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openfilter_channel_envelopes_sent_total",
			Help: "Envelopes that reached the SENT state, per channel",
		}, []string{"channel"}),
		sendRetries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openfilter_channel_send_retries_total",
			Help: "Socket write retries during send, per channel",
		}, []string{"channel"}),
		pendingWait: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "openfilter_channel_pending_wait_seconds",
			Help:    "Time an envelope spent PENDING before all clients requested it",
			Buckets: prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"channel"}),
		clientsGauge: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "openfilter_channel_clients",
			Help: "Currently registered consumers, per channel",
		}, []string{"channel"}),
		envelopesPulled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "openfilter_receiver_envelopes_total",
			Help: "Envelopes received and decoded, per source endpoint",
		}, []string{"endpoint"}),
	}
	reg.MustRegister(m.envelopesSent, m.sendRetries, m.pendingWait, m.clientsGauge, m.envelopesPulled)
	return m
}

func (m *Metrics) recordSent(channel string, wait float64) {
	if m == nil {
		return
	}
	m.envelopesSent.WithLabelValues(channel).Inc()
	m.pendingWait.WithLabelValues(channel).Observe(wait)
}

func (m *Metrics) recordRetry(channel string) {
	if m == nil {
		return
	}
	m.sendRetries.WithLabelValues(channel).Inc()
}

func (m *Metrics) setClients(channel string, n int) {
	if m == nil {
		return
	}
	m.clientsGauge.WithLabelValues(channel).Set(float64(n))
}

func (m *Metrics) recordReceived(endpoint string) {
	if m == nil {
		return
	}
	m.envelopesPulled.WithLabelValues(endpoint).Inc()
}

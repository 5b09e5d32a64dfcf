package webhook

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for webhook deliveries.
type Metrics struct {
	EventsTotal *prometheus.CounterVec
}

// NewMetrics registers and returns webhook metrics on the given registerer.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		EventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "herald_webhook_events_total",
			Help: "GitHub webhook deliveries by event type and result.",
		}, []string{"event", "result"}),
	}
	reg.MustRegister(m.EventsTotal)
	return m
}

// OnEvent returns a callback for Options.OnEvent.
func (m *Metrics) OnEvent() func(event, result string) {
	return func(event, result string) {
		if event == "" {
			event = "unknown"
		}
		m.EventsTotal.WithLabelValues(event, result).Inc()
	}
}

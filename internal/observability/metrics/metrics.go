package metrics

import "github.com/prometheus/client_golang/prometheus"

// RoutingMetrics exposes counters/histograms for the message routing flows.
// All methods are nil-safe so callers can run without metrics wired.
type RoutingMetrics struct {
	inboundTotal    *prometheus.CounterVec
	outboundTotal   *prometheus.CounterVec
	transitionTotal *prometheus.CounterVec
	taskTotal       *prometheus.CounterVec
	sweepTotal      *prometheus.CounterVec
	webhookLatency  *prometheus.HistogramVec
}

func NewRoutingMetrics(reg prometheus.Registerer) *RoutingMetrics {
	m := &RoutingMetrics{
		inboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrouter",
			Subsystem: "webhook",
			Name:      "inbound_total",
			Help:      "Total inbound channel webhooks",
		}, []string{"channel", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrouter",
			Subsystem: "webhook",
			Name:      "outbound_total",
			Help:      "Total outbound channel sends",
		}, []string{"channel", "status"}),
		transitionTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrouter",
			Subsystem: "conversation",
			Name:      "transitions_total",
			Help:      "Total conversation status transitions",
		}, []string{"from", "to"}),
		taskTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrouter",
			Subsystem: "taskqueue",
			Name:      "dispatched_total",
			Help:      "Total background tasks dispatched",
		}, []string{"task"}),
		sweepTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chatrouter",
			Subsystem: "conversation",
			Name:      "sweep_closed_total",
			Help:      "Conversations closed by background sweeps",
		}, []string{"kind"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chatrouter",
			Subsystem: "webhook",
			Name:      "latency_seconds",
			Help:      "Latency of inbound webhook processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.inboundTotal, m.outboundTotal, m.transitionTotal,
		m.taskTotal, m.sweepTotal, m.webhookLatency)
	return m
}

func (m *RoutingMetrics) ObserveInbound(channel, status string) {
	if m == nil {
		return
	}
	m.inboundTotal.WithLabelValues(channel, status).Inc()
}

func (m *RoutingMetrics) ObserveOutbound(channel, status string) {
	if m == nil {
		return
	}
	m.outboundTotal.WithLabelValues(channel, status).Inc()
}

func (m *RoutingMetrics) ObserveTransition(from, to string) {
	if m == nil {
		return
	}
	m.transitionTotal.WithLabelValues(from, to).Inc()
}

func (m *RoutingMetrics) ObserveTaskDispatched(task string) {
	if m == nil {
		return
	}
	m.taskTotal.WithLabelValues(task).Inc()
}

func (m *RoutingMetrics) ObserveSweep(kind string, closed int) {
	if m == nil || closed <= 0 {
		return
	}
	m.sweepTotal.WithLabelValues(kind).Add(float64(closed))
}

func (m *RoutingMetrics) ObserveWebhookLatency(channel string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(channel).Observe(seconds)
}

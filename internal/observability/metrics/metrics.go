package metrics

import "github.com/prometheus/client_golang/prometheus"

// GatewayMetrics exposes counters and gauges for the SMS pipeline. A nil
// receiver is a no-op so wiring metrics stays optional in tests.
type GatewayMetrics struct {
	sendsTotal       *prometheus.CounterVec
	messagesTotal    *prometheus.CounterVec
	quotaRejections  prometheus.Counter
	connectedDevices prometheus.GaugeFunc
	dispatchLatency  prometheus.Histogram
	webhookTotal     *prometheus.CounterVec
}

// ConnectedCounter reports current live device sessions.
type ConnectedCounter interface {
	ConnectedCount() int
}

func NewGatewayMetrics(reg prometheus.Registerer, hub ConnectedCounter) *GatewayMetrics {
	m := &GatewayMetrics{
		sendsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smsgateway",
			Subsystem: "sms",
			Name:      "sends_total",
			Help:      "Total send requests",
		}, []string{"status"}),
		messagesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smsgateway",
			Subsystem: "sms",
			Name:      "messages_total",
			Help:      "Messages by terminal status",
		}, []string{"status"}),
		quotaRejections: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "smsgateway",
			Subsystem: "quota",
			Name:      "rejections_total",
			Help:      "Sends rejected by quota",
		}),
		dispatchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "smsgateway",
			Subsystem: "notify",
			Name:      "dispatch_latency_seconds",
			Help:      "Latency of notification dispatch",
			Buckets:   prometheus.DefBuckets,
		}),
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "smsgateway",
			Subsystem: "webhook",
			Name:      "deliveries_total",
			Help:      "Webhook delivery attempts",
		}, []string{"status"}),
	}
	if hub != nil {
		m.connectedDevices = prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "smsgateway",
			Subsystem: "hub",
			Name:      "connected_devices",
			Help:      "Currently connected device sessions",
		}, func() float64 { return float64(hub.ConnectedCount()) })
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.sendsTotal, m.messagesTotal, m.quotaRejections,
		m.dispatchLatency, m.webhookTotal)
	if m.connectedDevices != nil {
		reg.MustRegister(m.connectedDevices)
	}
	return m
}

func (m *GatewayMetrics) ObserveSend(status string) {
	if m == nil {
		return
	}
	m.sendsTotal.WithLabelValues(status).Inc()
}

func (m *GatewayMetrics) ObserveMessage(status string) {
	if m == nil {
		return
	}
	m.messagesTotal.WithLabelValues(status).Inc()
}

func (m *GatewayMetrics) ObserveQuotaRejection() {
	if m == nil {
		return
	}
	m.quotaRejections.Inc()
}

func (m *GatewayMetrics) ObserveDispatchLatency(seconds float64) {
	if m == nil {
		return
	}
	m.dispatchLatency.Observe(seconds)
}

func (m *GatewayMetrics) ObserveWebhookDelivery(status string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(status).Inc()
}

package metrics

import "github.com/prometheus/client_golang/prometheus"

// PipelineMetrics counts what the order pipeline does with each input.
type PipelineMetrics struct {
	webhooks     *prometheus.CounterVec
	dispatches   *prometheus.CounterVec
	recoveries   *prometheus.CounterVec
	autoGifts    *prometheus.CounterVec
	balance      prometheus.Gauge
	pendingValue prometheus.Gauge
}

// NewPipelineMetrics registers the pipeline metrics on the provided registerer.
func NewPipelineMetrics(reg prometheus.Registerer) *PipelineMetrics {
	if reg == nil {
		return &PipelineMetrics{}
	}
	m := &PipelineMetrics{
		webhooks: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "webhook_events_total",
			Help: "Inbound webhook events by source, type and result.",
		}, []string{"source", "type", "result"}),
		dispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_dispatch_total",
			Help: "Vendor dispatch attempts by result.",
		}, []string{"result"}),
		recoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "order_recovery_total",
			Help: "Stuck-order recovery attempts by action and outcome.",
		}, []string{"action", "outcome"}),
		autoGifts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auto_gift_executions_total",
			Help: "Auto-gift occurrences by result.",
		}, []string{"result"}),
		balance: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "vendor_balance_cents",
			Help: "Last observed vendor account balance.",
		}),
		pendingValue: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "pending_dispatch_value_cents",
			Help: "Value of paid orders not yet submitted to the vendor.",
		}),
	}
	reg.MustRegister(m.webhooks, m.dispatches, m.recoveries, m.autoGifts, m.balance, m.pendingValue)
	return m
}

func (m *PipelineMetrics) IncWebhook(source, eventType, result string) {
	if m == nil || m.webhooks == nil {
		return
	}
	m.webhooks.WithLabelValues(normalizeLabel(source), normalizeLabel(eventType), normalizeLabel(result)).Inc()
}

func (m *PipelineMetrics) IncDispatch(result string) {
	if m == nil || m.dispatches == nil {
		return
	}
	m.dispatches.WithLabelValues(normalizeLabel(result)).Inc()
}

func (m *PipelineMetrics) IncRecovery(action, outcome string) {
	if m == nil || m.recoveries == nil {
		return
	}
	m.recoveries.WithLabelValues(normalizeLabel(action), normalizeLabel(outcome)).Inc()
}

func (m *PipelineMetrics) IncAutoGift(result string) {
	if m == nil || m.autoGifts == nil {
		return
	}
	m.autoGifts.WithLabelValues(normalizeLabel(result)).Inc()
}

// SetFunding publishes the latest balance snapshot.
func (m *PipelineMetrics) SetFunding(balanceCents, pendingCents int64) {
	if m == nil || m.balance == nil {
		return
	}
	m.balance.Set(float64(balanceCents))
	m.pendingValue.Set(float64(pendingCents))
}

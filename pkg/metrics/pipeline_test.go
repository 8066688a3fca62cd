package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPipelineMetricsCountsByLabel(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewPipelineMetrics(reg)
	m.IncDispatch("submitted")
	m.IncDispatch("submitted")
	m.IncDispatch("awaiting_funds")
	m.IncRecovery("dispatch", "")
	m.SetFunding(50000, 60000)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("gather metrics: %v", err)
	}
	if got, err := fetchCounterValue(mfs, "order_dispatch_total", "result", "submitted"); err != nil || got != 2 {
		t.Fatalf("expected submitted=2, got %f (%v)", got, err)
	}
	if got, err := fetchCounterValue(mfs, "order_recovery_total", "outcome", "unknown"); err != nil || got != 1 {
		t.Fatalf("expected empty outcome normalised, got %f (%v)", got, err)
	}
	gauge := findMetricFamily(mfs, "vendor_balance_cents")
	if gauge == nil || gauge.GetMetric()[0].GetGauge().GetValue() != 50000 {
		t.Fatalf("expected balance gauge 50000")
	}
}

func TestPipelineMetricsNilSafe(t *testing.T) {
	var m *PipelineMetrics
	m.IncWebhook("stripe", "payment_intent.succeeded", "ok")
	m.SetFunding(1, 2)
	NewPipelineMetrics(nil).IncAutoGift("created")
}

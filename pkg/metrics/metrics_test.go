package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	dto "github.com/prometheus/client_model/go"
)

func TestNewRegistersAllCollectors(t *testing.T) {
	m := New()

	m.CacheHits.WithLabelValues("stage1", "hot").Inc()
	m.CacheMisses.WithLabelValues("stage2").Inc()
	m.CacheWrites.WithLabelValues("stage1").Inc()
	m.BreakerTransitions.WithLabelValues("stage1", "open").Inc()
	m.LimiterWaitSeconds.WithLabelValues("stage1").Observe(0.05)
	m.QueueDepth.WithLabelValues("b1", "pending").Set(3)
	m.TasksCompleted.WithLabelValues("b1").Inc()
	m.TasksQuarantined.WithLabelValues("b1", "rate_limited").Inc()
	m.LLMCallSeconds.WithLabelValues("stage1", "anthropic").Observe(1.2)
	m.LLMTokensUsed.WithLabelValues("stage1", "anthropic").Add(150)

	if got := testutil.ToFloat64(m.CacheHits.WithLabelValues("stage1", "hot")); got != 1 {
		t.Errorf("CacheHits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.CacheMisses.WithLabelValues("stage2")); got != 1 {
		t.Errorf("CacheMisses = %v, want 1", got)
	}
	if got := testutil.ToFloat64(m.QueueDepth.WithLabelValues("b1", "pending")); got != 3 {
		t.Errorf("QueueDepth = %v, want 3", got)
	}
	if got := testutil.ToFloat64(m.LLMTokensUsed.WithLabelValues("stage1", "anthropic")); got != 150 {
		t.Errorf("LLMTokensUsed = %v, want 150", got)
	}

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather() error: %v", err)
	}
	if len(families) != 10 {
		t.Errorf("registered families = %d, want 10", len(families))
	}
}

func TestLLMCallSecondsRecordsHistogramSamples(t *testing.T) {
	m := New()
	m.LLMCallSeconds.WithLabelValues("stage1", "anthropic").Observe(0.5)
	m.LLMCallSeconds.WithLabelValues("stage1", "anthropic").Observe(1.5)

	metric := &dto.Metric{}
	observer := m.LLMCallSeconds.WithLabelValues("stage1", "anthropic")
	if err := observer.(prometheus.Metric).Write(metric); err != nil {
		t.Fatalf("Write() error: %v", err)
	}

	if got := metric.GetHistogram().GetSampleCount(); got != 2 {
		t.Errorf("sample count = %d, want 2", got)
	}
}

func TestNewReturnsIndependentRegistries(t *testing.T) {
	a := New()
	b := New()

	a.CacheHits.WithLabelValues("stage1", "hot").Inc()

	if got := testutil.ToFloat64(a.CacheHits.WithLabelValues("stage1", "hot")); got != 1 {
		t.Errorf("a.CacheHits = %v, want 1", got)
	}
	if got := testutil.ToFloat64(b.CacheHits.WithLabelValues("stage1", "hot")); got != 0 {
		t.Errorf("b.CacheHits = %v, want 0 (independent registry)", got)
	}
}

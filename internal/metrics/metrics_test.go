package metrics

import (
	"strings"
	"testing"
	"time"
)

func TestNewMetrics(t *testing.T) {
	m := NewMetrics()
	if m == nil {
		t.Fatal("NewMetrics returned nil")
	}
	if m.startTime.IsZero() {
		t.Error("Start time not set")
	}
}

func TestSetPipelineGauges(t *testing.T) {
	m := NewMetrics()
	m.SetPipelineGauges(5, 2, 3)

	if m.PipelineQueueDepth != 5 {
		t.Errorf("Expected PipelineQueueDepth 5, got %d", m.PipelineQueueDepth)
	}
	if m.PipelineRunning != 2 {
		t.Errorf("Expected PipelineRunning 2, got %d", m.PipelineRunning)
	}
	if m.BindingQueueDepth != 3 {
		t.Errorf("Expected BindingQueueDepth 3, got %d", m.BindingQueueDepth)
	}
}

func TestSetRegistryGauges(t *testing.T) {
	m := NewMetrics()
	m.SetRegistryGauges(4, 7, 2)

	if m.TotalLights != 4 || m.TotalSensors != 7 || m.TotalRules != 2 {
		t.Errorf("unexpected registry gauges: %+v", m)
	}
}

func TestIncrementRuleTriggers(t *testing.T) {
	m := NewMetrics()
	m.IncrementRuleTriggers()
	m.IncrementRuleTriggers()

	if m.RuleTriggers != 2 {
		t.Errorf("Expected RuleTriggers 2, got %d", m.RuleTriggers)
	}
}

func TestIncrementRuleEvalErrors(t *testing.T) {
	m := NewMetrics()
	m.IncrementRuleEvalErrors()

	if m.RuleEvalErrors != 1 {
		t.Errorf("Expected RuleEvalErrors 1, got %d", m.RuleEvalErrors)
	}
}

func TestRecordResponseTime(t *testing.T) {
	m := NewMetrics()

	m.RecordResponseTime(100 * time.Millisecond)
	if m.AvgResponseTime == 0 {
		t.Error("Expected AvgResponseTime to be set")
	}

	first := m.AvgResponseTime
	m.RecordResponseTime(200 * time.Millisecond)
	if m.AvgResponseTime == first {
		t.Error("Expected AvgResponseTime to change")
	}
}

func TestUpdateSystemMetrics(t *testing.T) {
	m := NewMetrics()
	time.Sleep(10 * time.Millisecond)

	m.UpdateSystemMetrics()

	if m.MemoryUsed == 0 {
		t.Error("Expected MemoryUsed to be greater than 0")
	}
	if m.GoroutineCount == 0 {
		t.Error("Expected GoroutineCount to be greater than 0")
	}
}

func TestGetMetrics(t *testing.T) {
	m := NewMetrics()
	m.SetPipelineGauges(1, 0, 0)
	m.IncrementRuleTriggers()

	snapshot := m.GetMetrics()
	if snapshot == nil {
		t.Fatal("GetMetrics returned nil")
	}

	pipeline, ok := snapshot["pipeline"].(map[string]interface{})
	if !ok {
		t.Fatal("pipeline not found in metrics")
	}
	if pipeline["queue_depth"] != int64(1) {
		t.Errorf("Expected pipeline.queue_depth 1, got %v", pipeline["queue_depth"])
	}

	rules, ok := snapshot["rules"].(map[string]interface{})
	if !ok {
		t.Fatal("rules not found in metrics")
	}
	if rules["triggers_total"] != int64(1) {
		t.Errorf("Expected rules.triggers_total 1, got %v", rules["triggers_total"])
	}
}

func TestPrometheusFormat(t *testing.T) {
	m := NewMetrics()
	m.SetPipelineGauges(2, 1, 0)
	m.IncrementRuleTriggers()

	out := m.PrometheusFormat()

	if out == "" {
		t.Error("PrometheusFormat returned empty string")
	}
	if !strings.Contains(out, "meshgate_pipeline_queue_depth") {
		t.Error("Expected meshgate_pipeline_queue_depth in Prometheus output")
	}
	if !strings.Contains(out, "meshgate_rule_triggers_total") {
		t.Error("Expected meshgate_rule_triggers_total in Prometheus output")
	}
}

func BenchmarkSetPipelineGauges(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.SetPipelineGauges(i, i, i)
	}
}

func BenchmarkRecordResponseTime(b *testing.B) {
	m := NewMetrics()
	for i := 0; i < b.N; i++ {
		m.RecordResponseTime(100 * time.Millisecond)
	}
}

func BenchmarkGetMetrics(b *testing.B) {
	m := NewMetrics()
	m.SetPipelineGauges(1, 1, 1)

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		m.GetMetrics()
	}
}

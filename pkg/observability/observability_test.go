package observability

import (
	"context"
	"testing"
	"time"
)

func TestMetricsRecording(t *testing.T) {
	cfg := &MetricsConfig{Enabled: true}
	cfg.SetDefaults()
	metrics, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordAgentCall("planner", "default", 100*time.Millisecond)
	metrics.RecordAgentCall("planner", "default", 200*time.Millisecond)
}

func TestToolMetricsRecording(t *testing.T) {
	cfg := &MetricsConfig{Enabled: true}
	cfg.SetDefaults()
	metrics, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordToolCall("search", 50*time.Millisecond)
	metrics.RecordToolCall("write_file", 100*time.Millisecond)
}

func TestLLMMetricsRecording(t *testing.T) {
	cfg := &MetricsConfig{Enabled: true}
	cfg.SetDefaults()
	metrics, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	metrics.RecordLLMCall("gpt-4o", "openai", 500*time.Millisecond)
	metrics.RecordLLMCall("claude-sonnet", "anthropic", 600*time.Millisecond)
}

func TestNoopGlobalMetricsIsSafe(t *testing.T) {
	ctx := context.Background()
	var m GlobalMetrics = noopGlobalMetrics{}

	m.RecordAgentCall(ctx, 100*time.Millisecond, 150, nil)
	m.RecordToolExecution(ctx, "test", 50*time.Millisecond, nil)
	m.RecordLLMCall(ctx, "test-model", 300*time.Millisecond, 10, 5, nil)
}

func TestGlobalMetricsDefaultsToNoop(t *testing.T) {
	metricsMu.Lock()
	globalMetrics = nil
	metricsMu.Unlock()

	if _, ok := GetGlobalMetrics().(noopGlobalMetrics); !ok {
		t.Errorf("expected GetGlobalMetrics to default to noopGlobalMetrics, got %T", GetGlobalMetrics())
	}
}

func TestGlobalMetricsRoundTrip(t *testing.T) {
	ctx := context.Background()

	cfg := &MetricsConfig{Enabled: true}
	cfg.SetDefaults()
	metrics, err := NewMetrics(cfg)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	SetGlobalMetrics(NewGlobalMetricsAdapter(metrics))
	defer SetGlobalMetrics(nil)

	retrieved := GetGlobalMetrics()
	if retrieved == nil {
		t.Fatal("expected non-nil metrics after SetGlobalMetrics")
	}

	retrieved.RecordAgentCall(ctx, 100*time.Millisecond, 50, nil)
}

func TestTracerStdoutExporter(t *testing.T) {
	ctx := context.Background()

	cfg := &TracingConfig{}
	cfg.SetDefaults()
	cfg.Enabled = true
	cfg.Exporter = "stdout"

	tracer, err := NewTracer(ctx, cfg, WithDebugExporter(NewDebugExporter()))
	if err != nil {
		t.Fatalf("NewTracer: %v", err)
	}
	defer func() {
		if err := tracer.Shutdown(ctx); err != nil {
			t.Errorf("Shutdown: %v", err)
		}
	}()

	_, span := tracer.Start(ctx, SpanAgentCall)
	span.End()

	if tracer.DebugExporter() == nil {
		t.Fatal("expected DebugExporter to be set")
	}
}

func TestTracerRejectsUnbundledExporters(t *testing.T) {
	ctx := context.Background()

	for _, name := range []string{"otlp", "jaeger", "zipkin", "bogus"} {
		cfg := &TracingConfig{}
		cfg.SetDefaults()
		cfg.Enabled = true
		cfg.Exporter = name

		if _, err := NewTracer(ctx, cfg); err == nil {
			t.Errorf("NewTracer(%q) = nil error, want error", name)
		}
	}
}

func TestStringTruncation(t *testing.T) {
	tests := []struct {
		input    string
		maxLen   int
		expected string
	}{
		{"hello", 10, "hello"},
		{"hello world", 5, "hello..."},
		{"", 5, ""},
		{"test", 4, "test"},
		{"toolongstring", 4, "tool..."},
	}

	for _, tt := range tests {
		result := truncateString(tt.input, tt.maxLen)
		if result != tt.expected {
			t.Errorf("truncateString(%q, %d) = %q, want %q", tt.input, tt.maxLen, result, tt.expected)
		}
	}
}

func BenchmarkMetricsRecording(b *testing.B) {
	cfg := &MetricsConfig{Enabled: true}
	cfg.SetDefaults()
	metrics, err := NewMetrics(cfg)
	if err != nil {
		b.Fatalf("NewMetrics: %v", err)
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		metrics.RecordAgentCall("planner", "default", 100*time.Millisecond)
	}
}

func truncateString(s string, maxLen int) string {
	if len(s) > maxLen {
		return s[:maxLen] + "..."
	}
	return s
}

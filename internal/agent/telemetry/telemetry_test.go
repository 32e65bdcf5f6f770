package telemetry

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
)

func testTelemetry() *Telemetry {
	return NewTelemetry(config.TelemetryConfig{
		Enabled:      true,
		MetricsPort:  9091,
		CostTracking: true,
	})
}

func TestGetMetricsSnapshotsRequests(t *testing.T) {
	tele := testTelemetry()
	ctx := context.Background()

	tele.RecordRequestEvent(ctx, RequestEvent{
		ID: "r1", Success: true, ProcessingTime: 2 * time.Second,
		Cost: 0.01, TokensUsed: 300,
	})
	tele.RecordRequestEvent(ctx, RequestEvent{
		ID: "r2", Success: false, Error: "upstream timeout",
		ProcessingTime: 4 * time.Second,
	})

	m := tele.GetMetrics()
	if m.TotalRequests != 2 || m.SuccessfulRequests != 1 || m.FailedRequests != 1 {
		t.Fatalf("request counters = %d/%d/%d, want 2/1/1",
			m.TotalRequests, m.SuccessfulRequests, m.FailedRequests)
	}
	if m.AverageProcessingTime != 3*time.Second {
		t.Errorf("average processing time = %v, want 3s", m.AverageProcessingTime)
	}

	// the snapshot must be detached from live state
	m.AgentExecutions["ghost"] = 99
	if _, ok := tele.GetMetrics().AgentExecutions["ghost"]; ok {
		t.Error("mutating a snapshot leaked into live metrics")
	}
}

func TestGetMetricsTracksAgents(t *testing.T) {
	tele := testTelemetry()
	ctx := context.Background()

	tele.RecordAgentEvent(ctx, AgentEvent{
		AgentType: "causality", Success: true, Duration: time.Second,
		ModelUsed: "primary", TokensUsed: 150, Cost: 0.002,
	})
	tele.RecordAgentEvent(ctx, AgentEvent{
		AgentType: "causality", Success: false, Duration: 3 * time.Second,
	})
	tele.RecordRetrievalEvent(ctx, RetrievalEvent{Hits: 12, ConstrainedEmpty: true})

	m := tele.GetMetrics()
	if m.AgentExecutions["causality"] != 2 {
		t.Errorf("causality runs = %d, want 2", m.AgentExecutions["causality"])
	}
	if m.AgentSuccessRates["causality"] != 0.5 {
		t.Errorf("causality success rate = %v, want 0.5", m.AgentSuccessRates["causality"])
	}
	if m.AgentAverageTimes["causality"] != 2*time.Second {
		t.Errorf("causality avg time = %v, want 2s", m.AgentAverageTimes["causality"])
	}
	if m.LLMTokensUsed["primary"] != 150 {
		t.Errorf("primary tokens = %d, want 150", m.LLMTokensUsed["primary"])
	}
	if m.RetrievalRuns != 1 || m.ConstrainedEmpty != 1 {
		t.Errorf("retrieval counters = %d/%d, want 1/1", m.RetrievalRuns, m.ConstrainedEmpty)
	}
}

func TestGetCostSummaryAggregates(t *testing.T) {
	tele := testTelemetry()
	ctx := context.Background()

	tele.RecordAgentEvent(ctx, AgentEvent{
		AgentType: "basic_rag", Success: true, ModelUsed: "primary",
		Cost: 0.01, TokensUsed: 400,
	})
	tele.RecordAgentEvent(ctx, AgentEvent{
		AgentType: "basic_rag", Success: true, ModelUsed: "backup",
		Cost: 0.02, TokensUsed: 600,
	})

	c := tele.GetCostSummary()
	if c.TotalCost != 0.03 {
		t.Errorf("total cost = %v, want 0.03", c.TotalCost)
	}
	if c.TotalTokens != 1000 {
		t.Errorf("total tokens = %d, want 1000", c.TotalTokens)
	}
	if c.OperationCosts["agent:basic_rag"] != 0.03 {
		t.Errorf("operation cost = %v, want 0.03", c.OperationCosts["agent:basic_rag"])
	}
	if c.ModelCosts["backup"] != 0.02 {
		t.Errorf("backup model cost = %v, want 0.02", c.ModelCosts["backup"])
	}
}

func TestRecordingDisabledIsNoop(t *testing.T) {
	tele := NewTelemetry(config.TelemetryConfig{Enabled: false})
	ctx := context.Background()

	tele.RecordRequestEvent(ctx, RequestEvent{ID: "r1", Success: true})
	tele.RecordAgentEvent(ctx, AgentEvent{AgentType: "temporal", Success: true})

	m := tele.GetMetrics()
	if m.TotalRequests != 0 || len(m.AgentExecutions) != 0 {
		t.Errorf("disabled telemetry recorded events: %+v", m)
	}
}

func TestPerformanceReportIncludesAgents(t *testing.T) {
	tele := testTelemetry()
	ctx := context.Background()

	tele.RecordRequestEvent(ctx, RequestEvent{
		ID: "r1", Success: true, ProcessingTime: time.Second,
		Cost: 0.05, TokensUsed: 1200,
	})
	tele.RecordAgentEvent(ctx, AgentEvent{
		AgentType: "emotion", Success: true, Duration: 500 * time.Millisecond,
		ModelUsed: "primary", TokensUsed: 200,
	})

	report := tele.GetPerformanceReport()
	for _, want := range []string{"1 total", "$0.0500", "emotion", "100% success"} {
		if !strings.Contains(report, want) {
			t.Errorf("report missing %q:\n%s", want, report)
		}
	}
}

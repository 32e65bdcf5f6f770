package telemetry

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
)

// Telemetry provides monitoring and LLM cost tracking for the answering
// pipeline.
type Telemetry struct {
	config      config.TelemetryConfig
	logger      *log.Logger
	metrics     *Metrics
	costTracker *CostTracker
}

// Metrics holds performance counters for requests and specialist agents.
type Metrics struct {
	mu sync.RWMutex

	// Request metrics
	TotalRequests         int64
	SuccessfulRequests    int64
	FailedRequests        int64
	AverageProcessingTime time.Duration

	// Specialist metrics
	AgentExecutions   map[string]int64
	AgentSuccessRates map[string]float64
	AgentAverageTimes map[string]time.Duration
	AgentSkips        map[string]int64

	// LLM metrics
	LLMRequests   map[string]int64
	LLMTokensUsed map[string]int64

	// Retrieval metrics
	RetrievalRuns    int64
	ConstrainedEmpty int64
}

// CostTracker tracks LLM spend across models and operations.
type CostTracker struct {
	mu sync.RWMutex

	OperationCosts map[string]float64 // operation -> cost
	ModelCosts     map[string]float64 // model -> cost

	TotalCost   float64
	TotalTokens int64
}

// RequestEvent records one answered (or failed) question end to end.
type RequestEvent struct {
	ID             string
	Question       string
	Mode           string
	StartTime      time.Time
	EndTime        time.Time
	ProcessingTime time.Duration
	Success        bool
	Error          string
	Cost           float64
	TokensUsed     int64
	AgentsUsed     []string
}

// AgentEvent records one specialist execution.
type AgentEvent struct {
	ID         string
	AgentType  string
	Duration   time.Duration
	Success    bool
	Skipped    bool
	Error      string
	Cost       float64
	TokensUsed int64
	ModelUsed  string
}

// RetrievalEvent records one retrieval pass.
type RetrievalEvent struct {
	Subqueries       int
	Hits             int
	ConstrainedEmpty bool
	Duration         time.Duration
}

// Prometheus collectors exported on /metrics.
var (
	requestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cosine_requests_total",
		Help: "Answer requests by outcome.",
	}, []string{"outcome"})

	requestDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cosine_request_duration_seconds",
		Help:    "End-to-end answer latency.",
		Buckets: prometheus.ExponentialBuckets(0.25, 2, 10),
	})

	agentRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cosine_agent_runs_total",
		Help: "Specialist executions by agent type and outcome.",
	}, []string{"agent", "outcome"})

	llmTokens = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cosine_llm_tokens_total",
		Help: "LLM tokens consumed by model.",
	}, []string{"model"})

	llmCost = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "cosine_llm_cost_dollars_total",
		Help: "Estimated LLM spend by model.",
	}, []string{"model"})

	retrievalHits = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "cosine_retrieval_hits",
		Help:    "Evidence items returned per retrieval pass.",
		Buckets: prometheus.LinearBuckets(0, 5, 10),
	})
)

// NewTelemetry creates a new telemetry instance.
func NewTelemetry(cfg config.TelemetryConfig) *Telemetry {
	return &Telemetry{
		config: cfg,
		logger: log.New(log.Writer(), "[TELEMETRY] ", log.LstdFlags),
		metrics: &Metrics{
			AgentExecutions:   make(map[string]int64),
			AgentSuccessRates: make(map[string]float64),
			AgentAverageTimes: make(map[string]time.Duration),
			AgentSkips:        make(map[string]int64),
			LLMRequests:       make(map[string]int64),
			LLMTokensUsed:     make(map[string]int64),
		},
		costTracker: &CostTracker{
			OperationCosts: make(map[string]float64),
			ModelCosts:     make(map[string]float64),
		},
	}
}

// RecordRequestEvent records a complete request.
func (t *Telemetry) RecordRequestEvent(ctx context.Context, event RequestEvent) {
	if !t.config.Enabled {
		return
	}

	m := t.metrics
	m.mu.Lock()
	m.TotalRequests++
	if event.Success {
		m.SuccessfulRequests++
	} else {
		m.FailedRequests++
	}
	// running average over all requests
	n := m.TotalRequests
	m.AverageProcessingTime = time.Duration((int64(m.AverageProcessingTime)*(n-1) + int64(event.ProcessingTime)) / n)
	m.mu.Unlock()

	outcome := "success"
	if !event.Success {
		outcome = "failure"
	}
	requestsTotal.WithLabelValues(outcome).Inc()
	requestDuration.Observe(event.ProcessingTime.Seconds())

	if t.config.CostTracking {
		t.recordCost("request", "", event.Cost, event.TokensUsed)
	}

	if !event.Success && event.Error != "" {
		t.logger.Printf("request %s failed after %v: %s", event.ID, event.ProcessingTime, event.Error)
	}
}

// RecordAgentEvent records a specialist execution.
func (t *Telemetry) RecordAgentEvent(ctx context.Context, event AgentEvent) {
	if !t.config.Enabled {
		return
	}

	m := t.metrics
	m.mu.Lock()
	m.AgentExecutions[event.AgentType]++
	runs := m.AgentExecutions[event.AgentType]
	prevRate := m.AgentSuccessRates[event.AgentType]
	success := 0.0
	if event.Success {
		success = 1.0
	}
	m.AgentSuccessRates[event.AgentType] = (prevRate*float64(runs-1) + success) / float64(runs)
	prevAvg := m.AgentAverageTimes[event.AgentType]
	m.AgentAverageTimes[event.AgentType] = time.Duration((int64(prevAvg)*(runs-1) + int64(event.Duration)) / runs)
	if event.Skipped {
		m.AgentSkips[event.AgentType]++
	}
	if event.ModelUsed != "" {
		m.LLMRequests[event.ModelUsed]++
		m.LLMTokensUsed[event.ModelUsed] += event.TokensUsed
	}
	m.mu.Unlock()

	outcome := "success"
	switch {
	case event.Skipped:
		outcome = "skipped"
	case !event.Success:
		outcome = "failure"
	}
	agentRuns.WithLabelValues(event.AgentType, outcome).Inc()
	if event.ModelUsed != "" {
		llmTokens.WithLabelValues(event.ModelUsed).Add(float64(event.TokensUsed))
		llmCost.WithLabelValues(event.ModelUsed).Add(event.Cost)
	}

	if t.config.CostTracking {
		t.recordCost("agent:"+event.AgentType, event.ModelUsed, event.Cost, event.TokensUsed)
	}
}

// RecordRetrievalEvent records a retrieval pass.
func (t *Telemetry) RecordRetrievalEvent(ctx context.Context, event RetrievalEvent) {
	if !t.config.Enabled {
		return
	}

	m := t.metrics
	m.mu.Lock()
	m.RetrievalRuns++
	if event.ConstrainedEmpty {
		m.ConstrainedEmpty++
	}
	m.mu.Unlock()

	retrievalHits.Observe(float64(event.Hits))
}

func (t *Telemetry) recordCost(operation, model string, cost float64, tokens int64) {
	c := t.costTracker
	c.mu.Lock()
	defer c.mu.Unlock()
	c.OperationCosts[operation] += cost
	if model != "" {
		c.ModelCosts[model] += cost
	}
	c.TotalCost += cost
	c.TotalTokens += tokens
}

// MetricsSnapshot is a point-in-time copy of the performance counters, safe
// to share and serialize.
type MetricsSnapshot struct {
	TotalRequests         int64                    `json:"total_requests"`
	SuccessfulRequests    int64                    `json:"successful_requests"`
	FailedRequests        int64                    `json:"failed_requests"`
	AverageProcessingTime time.Duration            `json:"average_processing_time"`
	AgentExecutions       map[string]int64         `json:"agent_executions"`
	AgentSuccessRates     map[string]float64       `json:"agent_success_rates"`
	AgentAverageTimes     map[string]time.Duration `json:"agent_average_times"`
	AgentSkips            map[string]int64         `json:"agent_skips"`
	LLMRequests           map[string]int64         `json:"llm_requests"`
	LLMTokensUsed         map[string]int64         `json:"llm_tokens_used"`
	RetrievalRuns         int64                    `json:"retrieval_runs"`
	ConstrainedEmpty      int64                    `json:"constrained_empty"`
}

// GetMetrics returns a snapshot of current metrics.
func (t *Telemetry) GetMetrics() MetricsSnapshot {
	m := t.metrics
	m.mu.RLock()
	defer m.mu.RUnlock()

	snapshot := MetricsSnapshot{
		TotalRequests:         m.TotalRequests,
		SuccessfulRequests:    m.SuccessfulRequests,
		FailedRequests:        m.FailedRequests,
		AverageProcessingTime: m.AverageProcessingTime,
		RetrievalRuns:         m.RetrievalRuns,
		ConstrainedEmpty:      m.ConstrainedEmpty,
		AgentExecutions:       make(map[string]int64),
		AgentSuccessRates:     make(map[string]float64),
		AgentAverageTimes:     make(map[string]time.Duration),
		AgentSkips:            make(map[string]int64),
		LLMRequests:           make(map[string]int64),
		LLMTokensUsed:         make(map[string]int64),
	}
	for k, v := range m.AgentExecutions {
		snapshot.AgentExecutions[k] = v
	}
	for k, v := range m.AgentSuccessRates {
		snapshot.AgentSuccessRates[k] = v
	}
	for k, v := range m.AgentAverageTimes {
		snapshot.AgentAverageTimes[k] = v
	}
	for k, v := range m.AgentSkips {
		snapshot.AgentSkips[k] = v
	}
	for k, v := range m.LLMRequests {
		snapshot.LLMRequests[k] = v
	}
	for k, v := range m.LLMTokensUsed {
		snapshot.LLMTokensUsed[k] = v
	}
	return snapshot
}

// CostSummary summarizes tracked LLM spend.
type CostSummary struct {
	TotalCost      float64            `json:"total_cost"`
	TotalTokens    int64              `json:"total_tokens"`
	OperationCosts map[string]float64 `json:"operation_costs"`
	ModelCosts     map[string]float64 `json:"model_costs"`
}

// GetCostSummary returns a snapshot of tracked costs.
func (t *Telemetry) GetCostSummary() CostSummary {
	c := t.costTracker
	c.mu.RLock()
	defer c.mu.RUnlock()

	summary := CostSummary{
		TotalCost:      c.TotalCost,
		TotalTokens:    c.TotalTokens,
		OperationCosts: make(map[string]float64),
		ModelCosts:     make(map[string]float64),
	}
	for k, v := range c.OperationCosts {
		summary.OperationCosts[k] = v
	}
	for k, v := range c.ModelCosts {
		summary.ModelCosts[k] = v
	}
	return summary
}

// GetPerformanceReport renders a human-readable summary for the CLI.
func (t *Telemetry) GetPerformanceReport() string {
	m := t.GetMetrics()
	c := t.GetCostSummary()

	report := fmt.Sprintf(`Performance Report
==================
Requests: %d total, %d ok, %d failed
Average processing time: %v
Retrieval passes: %d (%d constrained-empty)
Total LLM cost: $%.4f (%d tokens)
`,
		m.TotalRequests, m.SuccessfulRequests, m.FailedRequests,
		m.AverageProcessingTime,
		m.RetrievalRuns, m.ConstrainedEmpty,
		c.TotalCost, c.TotalTokens)

	for agent, runs := range m.AgentExecutions {
		report += fmt.Sprintf("  %s: %d runs, %.0f%% success, avg %v\n",
			agent, runs, m.AgentSuccessRates[agent]*100, m.AgentAverageTimes[agent])
	}
	return report
}

// Shutdown flushes any pending telemetry.
func (t *Telemetry) Shutdown() {
	if t.config.Enabled && t.config.CostTracking {
		c := t.GetCostSummary()
		t.logger.Printf("final cost summary: $%.4f across %d tokens", c.TotalCost, c.TotalTokens)
	}
}

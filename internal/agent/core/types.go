package core

import (
	"context"
	"time"

	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/planner"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/retrieval"
)

// Mode selects how a question is answered.
type Mode string

const (
	ModeFactual         Mode = "factual"
	ModeAlternateEnding Mode = "alternate_ending"
)

// Question represents one incoming request.
type Question struct {
	ID      string         `json:"id"`
	Text    string         `json:"text"`
	Mode    Mode           `json:"mode"`
	Options RequestOptions `json:"options"`
	Asked   time.Time      `json:"asked"`
}

// RequestOptions carries per-request feature toggles from the API layer.
type RequestOptions struct {
	// SeasonMax overrides the default season ceiling for alternate-ending
	// requests. 0 means use the default (season 7).
	SeasonMax int `json:"season_max,omitempty"`
	// Rerank enables or disables the LLM re-ranking pass. Nil means use the
	// configured default.
	Rerank *bool `json:"rerank,omitempty"`
	// Score requests NSS scoring of the final answer.
	Score bool `json:"score,omitempty"`
}

// AgentType identifies one specialist reasoning role.
type AgentType string

const (
	AgentTemporal        AgentType = "temporal"
	AgentNarrative       AgentType = "narrative"
	AgentCausality       AgentType = "causality"
	AgentEmotion         AgentType = "emotion"
	AgentBasicRAG        AgentType = "basic_rag"
	AgentAlternateEnding AgentType = "alternate_ending"
)

// mergeOrder is the fixed priority used when concatenating specialist
// sections into the final answer.
var mergeOrder = []AgentType{
	AgentTemporal,
	AgentNarrative,
	AgentCausality,
	AgentEmotion,
	AgentBasicRAG,
	AgentAlternateEnding,
}

// Claim is one supported statement produced by a specialist. Every claim must
// cite at least one evidence item from the set the specialist was given;
// uncited claims are dropped at parse time and counted in the result.
type Claim struct {
	Text      string   `json:"text"`
	Citations []string `json:"citations"` // passage ids
}

// AgentResult is the typed output of one specialist invocation.
type AgentResult struct {
	AgentType      AgentType              `json:"agent_type"`
	Section        string                 `json:"section"` // rendered answer section
	Claims         []Claim                `json:"claims,omitempty"`
	Cited          []string               `json:"cited"` // union of citation passage ids
	Data           map[string]interface{} `json:"data,omitempty"`
	DroppedClaims  int                    `json:"dropped_claims,omitempty"`
	ModelUsed      string                 `json:"model_used,omitempty"`
	TokensUsed     int64                  `json:"tokens_used,omitempty"`
	Cost           float64                `json:"cost,omitempty"`
	ProcessingTime time.Duration          `json:"processing_time"`
}

// RequestState is the per-request pipeline state machine.
type RequestState string

const (
	StatePlanning    RequestState = "PLANNING"
	StateRetrieving  RequestState = "RETRIEVING"
	StateDispatching RequestState = "DISPATCHING"
	StateMerging     RequestState = "MERGING"
	StateDone        RequestState = "DONE"
	StateFailed      RequestState = "FAILED"
)

// SkippedAgent records a specialist whose node failed and was excluded from
// the merge, for partial-result provenance in the answer metadata.
type SkippedAgent struct {
	AgentType AgentType `json:"agent_type"`
	Reason    string    `json:"reason"`
}

// FinalAnswer is the merged output of the orchestration graph.
type FinalAnswer struct {
	ID             string                   `json:"id"`
	Question       Question                 `json:"question"`
	Plan           planner.QueryPlan        `json:"plan"`
	Text           string                   `json:"text"`
	Evidence       []retrieval.EvidenceItem `json:"evidence"` // union of cited items
	Results        []AgentResult            `json:"results"`  // per-agent breakdown, merge order
	Skipped        []SkippedAgent           `json:"skipped,omitempty"`
	State          RequestState             `json:"state"`
	ProcessingTime time.Duration            `json:"processing_time"`
	TokensUsed     int64                    `json:"tokens_used"`
	CostEstimate   float64                  `json:"cost_estimate"`
	CreatedAt      time.Time                `json:"created_at"`
}

// SpecialistAgent is the common capability every specialist implements.
type SpecialistAgent interface {
	// Type returns the specialist's agent type.
	Type() AgentType

	// Applies reports whether this specialist should run for the given plan.
	Applies(plan planner.QueryPlan, mode Mode) bool

	// Run produces the specialist's typed partial result from the plan and
	// its evidence. Run must only cite passage ids present in evidence.
	Run(ctx context.Context, plan planner.QueryPlan, evidence retrieval.EvidenceSet) (AgentResult, error)
}

// ModelInfo contains information about an LLM model
type ModelInfo struct {
	Name            string  `json:"name"`
	Provider        string  `json:"provider"`
	MaxTokens       int     `json:"max_tokens"`
	CostPer1KInput  float64 `json:"cost_per_1k_input"`
	CostPer1KOutput float64 `json:"cost_per_1k_output"`
}

// LLMProvider is the injectable language-model capability. Implementations
// must wrap failures with one of ErrTransient, ErrInvalidOutput or ErrRefusal
// so callers can apply the right recovery policy.
type LLMProvider interface {
	// Generate generates text using the LLM
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)

	// GenerateWithTokens generates text and returns token usage
	GenerateWithTokens(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, int64, int64, error)

	// Embed generates vector embeddings for the provided inputs.
	Embed(ctx context.Context, model string, input []string) ([][]float32, error)

	// GetAvailableModels returns available models
	GetAvailableModels() []string

	// GetModelInfo returns information about a specific model
	GetModelInfo(model string) (ModelInfo, error)

	// CalculateCost calculates the cost for a given number of tokens
	CalculateCost(inputTokens, outputTokens int64, model string) float64
}

package core

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"sync"
	"testing"

	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/corpus"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/planner"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/retrieval"
)

// stubProvider scripts LLM behavior per call. respond decides the output for
// each (model, prompt) pair; calls records every invocation.
type stubProvider struct {
	mu      sync.Mutex
	respond func(model, prompt string) (string, error)
	calls   []string // models, in invocation order
}

func (s *stubProvider) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	out, _, _, err := s.GenerateWithTokens(ctx, prompt, model, options)
	return out, err
}

func (s *stubProvider) GenerateWithTokens(ctx context.Context, prompt, model string, options map[string]interface{}) (string, int64, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, model)
	s.mu.Unlock()
	out, err := s.respond(model, prompt)
	if err != nil {
		return "", 0, 0, err
	}
	return out, 120, 40, nil
}

func (s *stubProvider) Embed(ctx context.Context, model string, input []string) ([][]float32, error) {
	vecs := make([][]float32, len(input))
	for i := range input {
		vecs[i] = []float32{1, 0, 0}
	}
	return vecs, nil
}

func (s *stubProvider) GetAvailableModels() []string { return []string{"primary", "backup"} }

func (s *stubProvider) GetModelInfo(model string) (ModelInfo, error) {
	return ModelInfo{Name: model, Provider: "stub"}, nil
}

func (s *stubProvider) CalculateCost(inputTokens, outputTokens int64, model string) float64 {
	return float64(inputTokens+outputTokens) * 0.00001
}

func (s *stubProvider) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls)
}

func testEvidence() retrieval.EvidenceSet {
	return retrieval.EvidenceSet{Items: []retrieval.EvidenceItem{
		{Passage: corpus.Passage{ID: "p1", Season: 3, Episode: 9, Speaker: "Catelyn Stark", Text: "The Red Wedding."}, FusedScore: 0.9},
		{Passage: corpus.Passage{ID: "p2", Season: 6, Episode: 2, Speaker: "Melisandre", Text: "Jon Snow opens his eyes."}, FusedScore: 0.7},
	}}
}

func testBase(llm LLMProvider) specialistBase {
	return specialistBase{
		llm:           llm,
		model:         "primary",
		fallback:      "backup",
		evidenceLines: 12,
		logger:        log.New(os.Stderr, "[AGENTS] ", 0),
	}
}

func factualPlan(text string, qt planner.QuestionType) planner.QueryPlan {
	return planner.QueryPlan{Question: text, QuestionType: qt, Subqueries: []string{text}}
}

func TestValidateClaimsDropsUncitedAndForeign(t *testing.T) {
	evidence := testEvidence()
	claims := []Claim{
		{Text: "supported", Citations: []string{"p1"}},
		{Text: "uncited"},
		{Text: "foreign citation", Citations: []string{"p1", "p99"}},
		{Text: "also supported", Citations: []string{"p2", "p1"}},
	}

	kept, cited, dropped := validateClaims(claims, evidence)
	if len(kept) != 2 {
		t.Fatalf("kept %d claims, want 2", len(kept))
	}
	if dropped != 2 {
		t.Fatalf("dropped = %d, want 2", dropped)
	}
	if len(cited) != 2 || cited[0] != "p1" || cited[1] != "p2" {
		t.Fatalf("cited union = %v, want [p1 p2]", cited)
	}
}

func TestTemporalAgentExtractsClaims(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) {
		return `{"season_range": "S3-S6", "episodes": ["S3E9"], "claims": [
			{"text": "Robb dies in season 3", "citations": ["p1"]},
			{"text": "invented", "citations": ["p42"]}
		]}`, nil
	}}
	agent := &TemporalAgent{testBase(llm)}

	result, err := agent.Run(context.Background(), factualPlan("When did Robb Stark die?", planner.QuestionTemporal), testEvidence())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Claims) != 1 || result.Claims[0].Citations[0] != "p1" {
		t.Fatalf("claims = %+v, want one claim citing p1", result.Claims)
	}
	if result.DroppedClaims != 1 {
		t.Fatalf("DroppedClaims = %d, want 1", result.DroppedClaims)
	}
	if result.Data["season_range"] != "S3-S6" {
		t.Fatalf("season_range = %v", result.Data["season_range"])
	}
	if !strings.Contains(result.Section, "## Timeline") {
		t.Fatalf("section missing header: %q", result.Section)
	}
	if result.ModelUsed != "primary" || result.TokensUsed != 160 {
		t.Fatalf("usage not recorded: model=%q tokens=%d", result.ModelUsed, result.TokensUsed)
	}
}

func TestSpecialistParseFailureWrapsInvalidOutput(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) {
		return "I cannot express that as JSON, sorry.", nil
	}}
	agent := &CausalityAgent{testBase(llm)}

	_, err := agent.Run(context.Background(), factualPlan("Why did the Red Wedding happen?", planner.QuestionCausal), testEvidence())
	var serr *SpecialistError
	if !errors.As(err, &serr) {
		t.Fatalf("error = %v, want *SpecialistError", err)
	}
	if serr.AgentType != AgentCausality {
		t.Fatalf("AgentType = %s, want %s", serr.AgentType, AgentCausality)
	}
	if !errors.Is(err, ErrInvalidOutput) {
		t.Fatalf("error %v does not wrap ErrInvalidOutput", err)
	}
}

func TestInvokeFallsBackOnTransient(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) {
		if model == "primary" {
			return "", fmt.Errorf("status 429: %w", ErrTransient)
		}
		return `{"claims": [{"text": "fallback claim", "citations": ["p1"]}]}`, nil
	}}
	agent := &CausalityAgent{testBase(llm)}

	result, err := agent.Run(context.Background(), factualPlan("Why?", planner.QuestionCausal), testEvidence())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if result.ModelUsed != "backup" {
		t.Fatalf("ModelUsed = %q, want backup", result.ModelUsed)
	}
	if llm.callCount() != 2 {
		t.Fatalf("LLM called %d times, want 2", llm.callCount())
	}
}

func TestInvokeDoesNotFallBackOnRefusal(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) {
		return "", fmt.Errorf("content filtered: %w", ErrRefusal)
	}}
	agent := &EmotionAgent{testBase(llm)}

	_, err := agent.Run(context.Background(), factualPlan("Why?", planner.QuestionCausal), testEvidence())
	if !errors.Is(err, ErrRefusal) {
		t.Fatalf("error = %v, want ErrRefusal", err)
	}
	if llm.callCount() != 1 {
		t.Fatalf("LLM called %d times, want 1 (no fallback on refusal)", llm.callCount())
	}
}

func TestBasicRAGEmptyEvidence(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) {
		t.Fatal("LLM must not be called with no evidence")
		return "", nil
	}}
	agent := &BasicRAGAgent{testBase(llm)}
	plan := factualPlan("Who is the Night King's tailor?", planner.QuestionFactual)

	result, err := agent.Run(context.Background(), plan, retrieval.EvidenceSet{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(result.Section, "No supporting evidence") {
		t.Fatalf("section = %q", result.Section)
	}

	result, err = agent.Run(context.Background(), plan, retrieval.EvidenceSet{ConstrainedEmpty: true})
	if err != nil {
		t.Fatalf("Run (constrained): %v", err)
	}
	if !strings.Contains(result.Section, "timeframe excludes") {
		t.Fatalf("constrained-empty section = %q", result.Section)
	}
}

func TestBasicRAGFiltersForeignCitations(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) {
		return `{"answer": "Robb Stark dies at the Red Wedding.", "citations": ["p1", "p77", "p1"]}`, nil
	}}
	agent := &BasicRAGAgent{testBase(llm)}

	result, err := agent.Run(context.Background(), factualPlan("How does Robb die?", planner.QuestionFactual), testEvidence())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Cited) != 1 || result.Cited[0] != "p1" {
		t.Fatalf("Cited = %v, want [p1]", result.Cited)
	}
	if result.Section != "Robb Stark dies at the Red Wedding." {
		t.Fatalf("section = %q", result.Section)
	}
}

func TestAlternateEndingCitesAllShownEvidence(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) {
		if !strings.Contains(prompt, "[S3E9]") {
			t.Errorf("prompt missing evidence tag: %q", prompt)
		}
		return "# Winterfell\n## Turning Point\n...\n## Final Act\n...\n## Symbolic Conclusion\n...\n## Justification\n[S3E9]", nil
	}}
	agent := &AlternateEndingAgent{testBase(llm)}
	plan := factualPlan("Write a new ending for the Starks", planner.QuestionAlternateEnding)

	result, err := agent.Run(context.Background(), plan, testEvidence())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(result.Cited) != 2 {
		t.Fatalf("Cited = %v, want both evidence ids", result.Cited)
	}
	if !strings.HasPrefix(result.Section, "# Winterfell") {
		t.Fatalf("section = %q", result.Section)
	}
}

func TestSpecialistApplies(t *testing.T) {
	llm := &stubProvider{respond: func(model, prompt string) (string, error) { return "{}", nil }}
	base := testBase(llm)

	cases := []struct {
		name  string
		agent SpecialistAgent
		qt    planner.QuestionType
		mode  Mode
		want  bool
	}{
		{"temporal on temporal", &TemporalAgent{base}, planner.QuestionTemporal, ModeFactual, true},
		{"temporal on causal", &TemporalAgent{base}, planner.QuestionCausal, ModeFactual, false},
		{"narrative on factual", &NarrativeAgent{base}, planner.QuestionFactual, ModeFactual, true},
		{"narrative on general", &NarrativeAgent{base}, planner.QuestionGeneral, ModeFactual, false},
		{"causality on causal", &CausalityAgent{base}, planner.QuestionCausal, ModeFactual, true},
		{"causality on factual", &CausalityAgent{base}, planner.QuestionFactual, ModeFactual, true},
		{"causality on temporal", &CausalityAgent{base}, planner.QuestionTemporal, ModeFactual, true},
		{"causality on alt mode", &CausalityAgent{base}, planner.QuestionAlternateEnding, ModeAlternateEnding, false},
		{"emotion on causal", &EmotionAgent{base}, planner.QuestionCausal, ModeFactual, true},
		{"emotion on factual", &EmotionAgent{base}, planner.QuestionFactual, ModeFactual, true},
		{"emotion on alt mode", &EmotionAgent{base}, planner.QuestionAlternateEnding, ModeAlternateEnding, false},
		{"basic rag on factual", &BasicRAGAgent{base}, planner.QuestionFactual, ModeFactual, true},
		{"basic rag on alt mode", &BasicRAGAgent{base}, planner.QuestionAlternateEnding, ModeAlternateEnding, false},
		{"alt ending on alt mode", &AlternateEndingAgent{base}, planner.QuestionAlternateEnding, ModeAlternateEnding, true},
		{"alt ending on factual", &AlternateEndingAgent{base}, planner.QuestionFactual, ModeFactual, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			plan := planner.QueryPlan{QuestionType: tc.qt}
			if got := tc.agent.Applies(plan, tc.mode); got != tc.want {
				t.Fatalf("Applies = %v, want %v", got, tc.want)
			}
		})
	}
}

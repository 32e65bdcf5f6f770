package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/planner"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/retrieval"
)

// NewSpecialists builds the full specialist roster in merge order.
func NewSpecialists(cfg *config.Config, llm LLMProvider, logger *log.Logger) []SpecialistAgent {
	if logger == nil {
		logger = log.New(log.Writer(), "[AGENTS] ", log.LstdFlags)
	}
	base := specialistBase{
		llm:           llm,
		model:         cfg.LLM.Routing.Specialist,
		fallback:      cfg.LLM.Routing.Fallback,
		evidenceLines: cfg.Agents.EvidenceLines,
		logger:        logger,
	}
	synth := base
	synth.model = cfg.LLM.Routing.Synthesis
	return []SpecialistAgent{
		&TemporalAgent{base},
		&NarrativeAgent{base},
		&CausalityAgent{base},
		&EmotionAgent{base},
		&BasicRAGAgent{synth},
		&AlternateEndingAgent{synth},
	}
}

// specialistBase carries the shared LLM plumbing every specialist uses.
type specialistBase struct {
	llm           LLMProvider
	model         string
	fallback      string
	evidenceLines int
	logger        *log.Logger
}

// invoke calls the LLM and returns the raw output with usage accounting. On
// a transient failure it makes one attempt with the fallback model before
// giving up.
func (b *specialistBase) invoke(ctx context.Context, prompt string, result *AgentResult) (string, error) {
	out, in, outTok, err := b.llm.GenerateWithTokens(ctx, prompt, b.model, map[string]interface{}{"temperature": 0.0})
	model := b.model
	if err != nil && IsTransient(err) && b.fallback != "" && b.fallback != b.model {
		b.logger.Printf("model %s failed (%v), trying fallback %s", b.model, err, b.fallback)
		out, in, outTok, err = b.llm.GenerateWithTokens(ctx, prompt, b.fallback, map[string]interface{}{"temperature": 0.0})
		model = b.fallback
	}
	if err != nil {
		return "", err
	}
	result.ModelUsed = model
	result.TokensUsed = in + outTok
	result.Cost = b.llm.CalculateCost(in, outTok, model)
	return out, nil
}

// evidencePayload renders the question plus numbered evidence lines the way
// every extraction prompt expects them, with passage ids for citation.
func (b *specialistBase) evidencePayload(question string, evidence retrieval.EvidenceSet) string {
	lines := make([]string, 0, b.evidenceLines)
	n := len(evidence.Items)
	if b.evidenceLines > 0 && n > b.evidenceLines {
		n = b.evidenceLines
	}
	for _, item := range evidence.Items[:n] {
		lines = append(lines, fmt.Sprintf("(%s) %s", item.Passage.ID, item.Line()))
	}
	payload := map[string]interface{}{
		"question": question,
		"evidence": lines,
	}
	b2, _ := json.Marshal(payload)
	return string(b2)
}

// validateClaims drops claims whose citations are not all present in the
// evidence set, returning the surviving claims, the citation union and the
// dropped count.
func validateClaims(claims []Claim, evidence retrieval.EvidenceSet) ([]Claim, []string, int) {
	kept := make([]Claim, 0, len(claims))
	seen := make(map[string]bool)
	var cited []string
	dropped := 0
claims:
	for _, c := range claims {
		if len(c.Citations) == 0 {
			dropped++
			continue
		}
		for _, id := range c.Citations {
			if !evidence.Has(id) {
				dropped++
				continue claims
			}
		}
		kept = append(kept, c)
		for _, id := range c.Citations {
			if !seen[id] {
				seen[id] = true
				cited = append(cited, id)
			}
		}
	}
	return kept, cited, dropped
}

func claimsToSection(title string, claims []Claim) string {
	var sb strings.Builder
	sb.WriteString(title)
	sb.WriteString("\n")
	for _, c := range claims {
		fmt.Fprintf(&sb, "- %s [%s]\n", c.Text, strings.Join(c.Citations, ", "))
	}
	return strings.TrimRight(sb.String(), "\n")
}

// claimList is the strict-JSON claim contract shared by the extraction
// specialists: each claim cites the passage ids that support it.
type claimList struct {
	Claims []Claim `json:"claims"`
}

func parseClaims(raw string) (claimList, error) {
	var out claimList
	if err := json.Unmarshal([]byte(planner.ExtractFirstJSON(raw)), &out); err != nil {
		return claimList{}, fmt.Errorf("parse claims: %v: %w", err, ErrInvalidOutput)
	}
	return out, nil
}

// ---------------------------------------------------------------------------
// Temporal specialist

const temporalPrompt = `You are the Temporal Agent for a Game of Thrones question answering
system. Determine WHEN in the story the answer to the question occurs,
using ONLY the provided evidence.

Each evidence line starts with its passage id in parentheses, then a
[SxEy] tag.

Output STRICT JSON ONLY:
{
  "season_range": "S4-S6" or null,
  "episodes": ["S6E10"] or [],
  "claims": [
    {"text": "timeline statement", "citations": ["passage-id", ...]}
  ]
}

Rules:
- Episodes must be formatted as SxEy.
- Every claim must cite at least one evidence passage id.
- Claims should anchor events to seasons or episodes.

INPUT:
%s`

// TemporalAgent places the question's events on the story timeline.
type TemporalAgent struct{ specialistBase }

func (a *TemporalAgent) Type() AgentType { return AgentTemporal }

func (a *TemporalAgent) Applies(plan planner.QueryPlan, mode Mode) bool {
	return mode == ModeFactual && plan.QuestionType == planner.QuestionTemporal
}

func (a *TemporalAgent) Run(ctx context.Context, plan planner.QueryPlan, evidence retrieval.EvidenceSet) (AgentResult, error) {
	started := time.Now()
	result := AgentResult{AgentType: AgentTemporal}

	raw, err := a.invoke(ctx, fmt.Sprintf(temporalPrompt, a.evidencePayload(plan.Question, evidence)), &result)
	if err != nil {
		return result, &SpecialistError{AgentType: AgentTemporal, Err: err}
	}

	var out struct {
		SeasonRange string   `json:"season_range"`
		Episodes    []string `json:"episodes"`
		Claims      []Claim  `json:"claims"`
	}
	if err := json.Unmarshal([]byte(planner.ExtractFirstJSON(raw)), &out); err != nil {
		return result, &SpecialistError{AgentType: AgentTemporal, Err: fmt.Errorf("parse: %v: %w", err, ErrInvalidOutput)}
	}

	claims, cited, dropped := validateClaims(out.Claims, evidence)
	result.Claims = claims
	result.Cited = cited
	result.DroppedClaims = dropped
	result.Data = map[string]interface{}{
		"season_range": out.SeasonRange,
		"episodes":     out.Episodes,
	}
	result.Section = claimsToSection("## Timeline", claims)
	result.ProcessingTime = time.Since(started)
	return result, nil
}

// ---------------------------------------------------------------------------
// Narrative specialist

const narrativePrompt = `You are the Narrative Consistency Agent for a Game of Thrones question
answering system. Review the evidence lines and extract core factual
claims, character relationships and a short contradiction-free summary.

Each evidence line starts with its passage id in parentheses.

Output STRICT JSON:
{
  "claims": [
    {"text": "factual claim", "citations": ["passage-id", ...]}
  ],
  "character_entities": [...],
  "narrative_summary": "1-3 sentence merged, contradiction-free summary"
}

Rules:
- Use ONLY facts found in the evidence.
- Every claim must cite at least one evidence passage id.
- If evidence lines contradict each other, say so in the summary.

INPUT:
%s`

// NarrativeAgent merges overlapping evidence into a consistent account.
type NarrativeAgent struct{ specialistBase }

func (a *NarrativeAgent) Type() AgentType { return AgentNarrative }

func (a *NarrativeAgent) Applies(plan planner.QueryPlan, mode Mode) bool {
	return mode == ModeFactual && plan.QuestionType != planner.QuestionGeneral
}

func (a *NarrativeAgent) Run(ctx context.Context, plan planner.QueryPlan, evidence retrieval.EvidenceSet) (AgentResult, error) {
	started := time.Now()
	result := AgentResult{AgentType: AgentNarrative}

	raw, err := a.invoke(ctx, fmt.Sprintf(narrativePrompt, a.evidencePayload(plan.Question, evidence)), &result)
	if err != nil {
		return result, &SpecialistError{AgentType: AgentNarrative, Err: err}
	}

	var out struct {
		Claims            []Claim  `json:"claims"`
		CharacterEntities []string `json:"character_entities"`
		NarrativeSummary  string   `json:"narrative_summary"`
	}
	if err := json.Unmarshal([]byte(planner.ExtractFirstJSON(raw)), &out); err != nil {
		return result, &SpecialistError{AgentType: AgentNarrative, Err: fmt.Errorf("parse: %v: %w", err, ErrInvalidOutput)}
	}

	claims, cited, dropped := validateClaims(out.Claims, evidence)
	result.Claims = claims
	result.Cited = cited
	result.DroppedClaims = dropped
	result.Data = map[string]interface{}{
		"character_entities": out.CharacterEntities,
		"narrative_summary":  out.NarrativeSummary,
	}
	section := claimsToSection("## Narrative", claims)
	if s := strings.TrimSpace(out.NarrativeSummary); s != "" {
		section = "## Narrative\n" + s + "\n" + strings.TrimPrefix(section, "## Narrative\n")
	}
	result.Section = section
	result.ProcessingTime = time.Since(started)
	return result, nil
}

// ---------------------------------------------------------------------------
// Causality specialist

const causalPrompt = `You are the Causality Analysis Agent for a Game of Thrones question
answering system. Extract cause-effect structure ONLY from the provided
evidence.

Each evidence line starts with its passage id in parentheses.

Output STRICT JSON:
{
  "claims": [
    {"text": "<cause> -> <effect>", "citations": ["passage-id", ...]}
  ]
}

Guidelines:
- Use only facts found in the evidence, no outside knowledge.
- Each claim is one explicit causal link, "<cause> -> <effect>".
- Every claim must cite at least one evidence passage id.
- Avoid interpretation, speculation or emotional analysis.

INPUT:
%s`

// CausalityAgent extracts explicit cause-effect chains from the evidence.
type CausalityAgent struct{ specialistBase }

func (a *CausalityAgent) Type() AgentType { return AgentCausality }

func (a *CausalityAgent) Applies(plan planner.QueryPlan, mode Mode) bool {
	return mode == ModeFactual
}

func (a *CausalityAgent) Run(ctx context.Context, plan planner.QueryPlan, evidence retrieval.EvidenceSet) (AgentResult, error) {
	started := time.Now()
	result := AgentResult{AgentType: AgentCausality}

	raw, err := a.invoke(ctx, fmt.Sprintf(causalPrompt, a.evidencePayload(plan.Question, evidence)), &result)
	if err != nil {
		return result, &SpecialistError{AgentType: AgentCausality, Err: err}
	}

	out, err := parseClaims(raw)
	if err != nil {
		return result, &SpecialistError{AgentType: AgentCausality, Err: err}
	}

	claims, cited, dropped := validateClaims(out.Claims, evidence)
	result.Claims = claims
	result.Cited = cited
	result.DroppedClaims = dropped
	result.Section = claimsToSection("## Causes and Effects", claims)
	result.ProcessingTime = time.Since(started)
	return result, nil
}

// ---------------------------------------------------------------------------
// Emotion specialist

const emotionPrompt = `You are the Emotion Analysis Agent for a Game of Thrones question
answering system. Extract emotional indicators about characters based
ONLY on the provided evidence.

Each evidence line starts with its passage id in parentheses.

Output STRICT JSON:
{
  "claims": [
    {"text": "Character - emotion or mental state", "citations": ["passage-id", ...]}
  ],
  "sentiment": "positive" | "negative" | "conflicted" | ""
}

Guidelines:
- Identify characters and pair them with the emotional state implied.
- Emotional state must come from the tone or descriptions in the evidence.
- Do NOT invent events, motives, or unstated emotions.
- Every claim must cite at least one evidence passage id.
- Sentiment summarizes the emotional tone of the evidence as a whole.

Return ONLY JSON. No prose.

INPUT:
%s`

// EmotionAgent extracts character emotional states from the evidence.
type EmotionAgent struct{ specialistBase }

func (a *EmotionAgent) Type() AgentType { return AgentEmotion }

func (a *EmotionAgent) Applies(plan planner.QueryPlan, mode Mode) bool {
	return mode == ModeFactual
}

func (a *EmotionAgent) Run(ctx context.Context, plan planner.QueryPlan, evidence retrieval.EvidenceSet) (AgentResult, error) {
	started := time.Now()
	result := AgentResult{AgentType: AgentEmotion}

	raw, err := a.invoke(ctx, fmt.Sprintf(emotionPrompt, a.evidencePayload(plan.Question, evidence)), &result)
	if err != nil {
		return result, &SpecialistError{AgentType: AgentEmotion, Err: err}
	}

	var out struct {
		Claims    []Claim `json:"claims"`
		Sentiment string  `json:"sentiment"`
	}
	if err := json.Unmarshal([]byte(planner.ExtractFirstJSON(raw)), &out); err != nil {
		return result, &SpecialistError{AgentType: AgentEmotion, Err: fmt.Errorf("parse: %v: %w", err, ErrInvalidOutput)}
	}

	claims, cited, dropped := validateClaims(out.Claims, evidence)
	result.Claims = claims
	result.Cited = cited
	result.DroppedClaims = dropped
	result.Data = map[string]interface{}{"sentiment": out.Sentiment}
	result.Section = claimsToSection("## Emotional Context", claims)
	result.ProcessingTime = time.Since(started)
	return result, nil
}

// ---------------------------------------------------------------------------
// Synthesis (basic RAG) specialist

const answerPrompt = `You are the Answer Synthesis Agent for a Game of Thrones retrieval
system. Generate a clear, factual answer to the user's question,
grounded ONLY in the provided evidence. Follow these rules:

1. Do NOT add details not supported by the evidence.
2. If the evidence contradicts itself, explain the contradiction.
3. If evidence is incomplete or ambiguous, make this explicit.
4. Write in a concise narrative style, 3 to 6 sentences.
5. NEVER speculate outside the evidence.
6. Base every claim on the evidence lines provided; each line starts
   with its passage id in parentheses.

Output STRICT JSON:
{
  "answer": "the grounded answer text",
  "citations": ["passage-id", ...]
}

INPUT:
%s`

// BasicRAGAgent is the always-on synthesis path. Its failure fails the
// request, since without it there is no answer at all.
type BasicRAGAgent struct{ specialistBase }

func (a *BasicRAGAgent) Type() AgentType { return AgentBasicRAG }

func (a *BasicRAGAgent) Applies(plan planner.QueryPlan, mode Mode) bool {
	return mode == ModeFactual
}

func (a *BasicRAGAgent) Run(ctx context.Context, plan planner.QueryPlan, evidence retrieval.EvidenceSet) (AgentResult, error) {
	started := time.Now()
	result := AgentResult{AgentType: AgentBasicRAG}

	if len(evidence.Items) == 0 {
		msg := "No supporting evidence was found for this question."
		if evidence.ConstrainedEmpty {
			msg = "Evidence exists for this question, but the requested timeframe excludes all of it."
		}
		result.Section = msg
		result.ProcessingTime = time.Since(started)
		return result, nil
	}

	raw, err := a.invoke(ctx, fmt.Sprintf(answerPrompt, a.evidencePayload(plan.Question, evidence)), &result)
	if err != nil {
		return result, &SpecialistError{AgentType: AgentBasicRAG, Err: err}
	}

	var out struct {
		Answer    string   `json:"answer"`
		Citations []string `json:"citations"`
	}
	if err := json.Unmarshal([]byte(planner.ExtractFirstJSON(raw)), &out); err != nil {
		return result, &SpecialistError{AgentType: AgentBasicRAG, Err: fmt.Errorf("parse: %v: %w", err, ErrInvalidOutput)}
	}
	if strings.TrimSpace(out.Answer) == "" {
		return result, &SpecialistError{AgentType: AgentBasicRAG, Err: fmt.Errorf("empty answer: %w", ErrInvalidOutput)}
	}

	var cited []string
	for _, id := range out.Citations {
		if evidence.Has(id) {
			cited = append(cited, id)
		}
	}
	result.Cited = dedupIDs(cited)
	result.Section = strings.TrimSpace(out.Answer)
	result.ProcessingTime = time.Since(started)
	return result, nil
}

// ---------------------------------------------------------------------------
// Alternate-ending specialist

const altEndingPrompt = `You are generating an alternate Season 8 ending for Game of Thrones,
but you must ONLY use canonical information from Seasons 1-7. Ignore all
events, arcs, or outcomes introduced in Season 8.

TASK: create a structured alternate final scene answering the request.

Rules:
- Your ending must not reference or copy any plot points from Season 8.
- Infer plausible future actions ONLY from:
  - the characters' Season 1-7 traits
  - their motivations
  - their unresolved conflicts
  - their alliances and enemies
- Every character's actions must be derived ONLY from Seasons 1-7.

OUTPUT FORMAT (markdown, do not deviate):

# <location or arc title>
## Turning Point
The major decision or realization that pushes the arc into its finale.
(3-5 sentences)

## Final Act
The climactic moment of the final scene. (3-5 sentences)

## Symbolic Conclusion
A symbolic or thematic moment that concludes the story. (2-4 sentences)

## Justification
Which Season 1-7 evidence supports this ending, citing [SxEy] tags.

REQUEST:
%s

EVIDENCE:
%s`

// AlternateEndingAgent writes a creative finale grounded in pre-finale
// evidence only. The evidence it receives has already been constrained to
// seasons 1-7 by the retriever.
type AlternateEndingAgent struct{ specialistBase }

func (a *AlternateEndingAgent) Type() AgentType { return AgentAlternateEnding }

func (a *AlternateEndingAgent) Applies(plan planner.QueryPlan, mode Mode) bool {
	return mode == ModeAlternateEnding
}

func (a *AlternateEndingAgent) Run(ctx context.Context, plan planner.QueryPlan, evidence retrieval.EvidenceSet) (AgentResult, error) {
	started := time.Now()
	result := AgentResult{AgentType: AgentAlternateEnding}

	evidenceText := "No usable evidence from Seasons 1-7."
	if len(evidence.Items) > 0 {
		evidenceText = strings.Join(evidence.Lines(a.evidenceLines), "\n")
	}

	raw, err := a.invoke(ctx, fmt.Sprintf(altEndingPrompt, plan.Question, evidenceText), &result)
	if err != nil {
		return result, &SpecialistError{AgentType: AgentAlternateEnding, Err: err}
	}
	scene := strings.TrimSpace(raw)
	if scene == "" {
		return result, &SpecialistError{AgentType: AgentAlternateEnding, Err: fmt.Errorf("empty scene: %w", ErrInvalidOutput)}
	}

	// Creative output cites everything it was shown.
	for _, item := range evidence.Items {
		result.Cited = append(result.Cited, item.Passage.ID)
	}
	result.Section = scene
	result.ProcessingTime = time.Since(started)
	return result, nil
}

func dedupIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

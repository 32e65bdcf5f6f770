// Package nss implements the Narrative Scoring System: a weighted-rubric
// evaluation of a generated answer against its supporting evidence.
package nss

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/core"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/planner"
)

// Category identifies one rubric dimension.
type Category string

const (
	SettingConsistency        Category = "setting_consistency"
	CharacterConsistency      Category = "character_consistency"
	CharacterMotivation       Category = "character_motivation"
	ReferencingConsistency    Category = "referencing_consistency"
	ConflictResolutionLinkage Category = "conflict_resolution_linkage"
	ThemeAlignment            Category = "theme_alignment"
	MacrostructureCohesion    Category = "macrostructure_cohesion"
	CreativePlausibility      Category = "creative_plausibility"
)

// Weights is the fixed rubric weight per category.
var Weights = map[Category]int{
	SettingConsistency:        2,
	CharacterConsistency:      4,
	CharacterMotivation:       4,
	ReferencingConsistency:    3,
	ConflictResolutionLinkage: 4,
	ThemeAlignment:            3,
	MacrostructureCohesion:    4,
	CreativePlausibility:      4,
}

// categoryOrder fixes the rubric's reporting order.
var categoryOrder = []Category{
	SettingConsistency,
	CharacterConsistency,
	CharacterMotivation,
	ReferencingConsistency,
	ConflictResolutionLinkage,
	ThemeAlignment,
	MacrostructureCohesion,
	CreativePlausibility,
}

// Judge scores are clamped to this range; anything outside is flagged.
const (
	minScore = 0
	maxScore = 5
)

// CategoryScore is one judged rubric dimension.
type CategoryScore struct {
	Category    Category `json:"category"`
	Score       int      `json:"score"`
	Weight      int      `json:"weight"`
	Weighted    int      `json:"weighted"`
	Explanation string   `json:"explanation"`
	// Clamped marks a judge score that fell outside the valid range and was
	// coerced to the nearest bound.
	Clamped bool `json:"clamped,omitempty"`
}

// Score is the full NSS result for one answer.
type Score struct {
	AnswerID   string          `json:"answer_id"`
	Categories []CategoryScore `json:"categories"`
	Total      int             `json:"total_weighted_score"`
	Model      string          `json:"model,omitempty"`
	TokensUsed int64           `json:"tokens_used,omitempty"`
	Cost       float64         `json:"cost,omitempty"`
	CreatedAt  time.Time       `json:"created_at"`
}

// Total computes the weighted rubric total: the sum of score*weight over all
// categories. It is a pure function of its input and is safe to recompute.
func Total(scores []CategoryScore) int {
	total := 0
	for _, s := range scores {
		total += s.Score * s.Weight
	}
	return total
}

// ScoringError reports a judge failure for one rubric category. Scoring
// failures never corrupt the answer they evaluate.
type ScoringError struct {
	Category Category
	Err      error
}

func (e *ScoringError) Error() string {
	return fmt.Sprintf("scoring %s: %v", e.Category, e.Err)
}

func (e *ScoringError) Unwrap() error { return e.Err }

// categoryRubric is the judge-facing description of each dimension.
var categoryRubric = map[Category]string{
	SettingConsistency: `Measures whether the answer is grounded in the correct locations,
world-state, timeline, and historically consistent facts of the story
universe. Errors include placing a character in a location they never
reached, violating war timelines, or anachronistic events.`,
	CharacterConsistency: `Measures whether character behavior matches their established
personalities, arcs, speaking styles, and behavioral patterns from
Seasons 1-7. Errors include bravery in place of an established coward,
emotional tone mismatches, or ignoring defining character traits.`,
	CharacterMotivation: `Measures whether motivations in the answer align with what the
character would plausibly want based on canonical desires, loyalties,
traumas, and relationships. Errors include alliances that contradict
history or sudden betrayals without cause.`,
	ReferencingConsistency: `Measures whether the answer accurately uses the provided evidence and
avoids contradictions: quoting events correctly, not contradicting
retrieved episodes, and drawing correct causal links between scenes.`,
	ConflictResolutionLinkage: `Measures whether conflicts introduced in the answer logically connect
to their resolutions. Does cause lead to effect? Are there missing
steps or jumps?`,
	ThemeAlignment: `Measures whether the answer fits the major themes of the story world:
power corrupts, loyalty vs ambition, prophecy ambiguity, cycles of
violence, political consequences. Deviations should be justified by
evidence.`,
	MacrostructureCohesion: `Measures whether the answer has a beginning-escalation-climax-resolution
flow, coherent scene progression, no plot holes or unnatural
transitions, and clear narrative rhythm.`,
	CreativePlausibility: `For alternate endings only: is the creative direction plausible within
the world? Does it feel believable given Seasons 1-7? Does it avoid
final-season canon unless explicitly supported by earlier evidence?`,
}

const judgePrompt = `You are one judge inside the Narrative Scoring System. Your job is to
EVALUATE a narrative answer, not to generate new content.

Score exactly one rubric category.

CATEGORY: %s
%s

Score meaning:
1 = very inconsistent / wrong / contradicts evidence
2 = weak or partially incorrect
3 = acceptable but with issues
4 = strong; minor flaws only
5 = excellent and fully consistent with evidence

Use ONLY the provided evidence when judging correctness, consistency, or
plausibility. Do NOT invent new events, motivations, history, or details
not found in the evidence. If evidence is missing or incomplete, score
based on internal consistency.

Return ONLY strict JSON:
{"score": <int>, "explanation": "<1-3 sentences>"}

ANSWER:
%s

EVIDENCE:
%s`

// Engine runs the rubric judges and assembles the weighted score.
type Engine struct {
	cfg       config.ScoringConfig
	llm       core.LLMProvider
	model     string
	logger    *log.Logger
	semaphore chan struct{}
}

// NewEngine creates a scoring engine sharing the pipeline's LLM provider.
func NewEngine(cfg *config.Config, llm core.LLMProvider, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(log.Writer(), "[NSS] ", log.LstdFlags)
	}
	maxConcurrent := cfg.Agents.MaxConcurrentLLMCalls
	if maxConcurrent <= 0 {
		maxConcurrent = 1
	}
	return &Engine{
		cfg:       cfg.Scoring,
		llm:       llm,
		model:     cfg.LLM.Routing.Judge,
		logger:    logger,
		semaphore: make(chan struct{}, maxConcurrent),
	}
}

// categoriesFor returns the rubric dimensions applicable to the answer.
// Creative plausibility only applies to alternate endings.
func categoriesFor(mode core.Mode) []Category {
	if mode == core.ModeAlternateEnding {
		return categoryOrder
	}
	cats := make([]Category, 0, len(categoryOrder)-1)
	for _, c := range categoryOrder {
		if c != CreativePlausibility {
			cats = append(cats, c)
		}
	}
	return cats
}

// Score judges the answer across every applicable rubric category. Category
// judges run concurrently under the shared limit. A failed or unparsable
// judge never aborts the evaluation: the category records the clamped floor
// with a flag, so the weighted total is always computable.
func (e *Engine) Score(ctx context.Context, answer core.FinalAnswer) (Score, error) {
	cats := categoriesFor(answer.Question.Mode)

	evidenceLines := make([]string, 0, len(answer.Evidence))
	for _, item := range answer.Evidence {
		evidenceLines = append(evidenceLines, item.Line())
	}
	evidenceText := "(no evidence)"
	if len(evidenceLines) > 0 {
		evidenceText = strings.Join(evidenceLines, "\n")
	}

	results := make([]CategoryScore, len(cats))
	var tokens int64
	var cost float64
	var mu sync.Mutex
	var wg sync.WaitGroup

	for i, cat := range cats {
		wg.Add(1)
		go func(i int, cat Category) {
			defer wg.Done()

			select {
			case e.semaphore <- struct{}{}:
				defer func() { <-e.semaphore }()
			case <-ctx.Done():
				results[i] = e.recoveredScore(cat, ctx.Err())
				return
			}

			judgeCtx := ctx
			var cancel context.CancelFunc
			if e.cfg.JudgeTimeout > 0 {
				judgeCtx, cancel = context.WithTimeout(ctx, e.cfg.JudgeTimeout)
				defer cancel()
			}

			cs, in, out, err := e.judgeCategory(judgeCtx, cat, answer.Text, evidenceText)
			if err != nil {
				e.logger.Printf("category %s judge failed, scoring the floor: %v", cat, err)
				results[i] = e.recoveredScore(cat, err)
				return
			}
			results[i] = cs
			mu.Lock()
			tokens += in + out
			cost += e.llm.CalculateCost(in, out, e.model)
			mu.Unlock()
		}(i, cat)
	}
	wg.Wait()

	if err := ctx.Err(); err != nil {
		return Score{}, err
	}

	return Score{
		AnswerID:   answer.ID,
		Categories: results,
		Total:      Total(results),
		Model:      e.model,
		TokensUsed: tokens,
		Cost:       cost,
		CreatedAt:  time.Now(),
	}, nil
}

// recoveredScore is recorded when a category judge fails or returns garbage:
// the clamped lower bound, flagged, with the failure in the explanation.
func (e *Engine) recoveredScore(cat Category, err error) CategoryScore {
	return CategoryScore{
		Category:    cat,
		Score:       minScore,
		Weight:      Weights[cat],
		Weighted:    minScore * Weights[cat],
		Explanation: fmt.Sprintf("judge unavailable: %v", err),
		Clamped:     true,
	}
}

func (e *Engine) judgeCategory(ctx context.Context, cat Category, answerText, evidenceText string) (CategoryScore, int64, int64, error) {
	prompt := fmt.Sprintf(judgePrompt, cat, categoryRubric[cat], answerText, evidenceText)
	raw, in, out, err := e.llm.GenerateWithTokens(ctx, prompt, e.model, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		return CategoryScore{}, 0, 0, &ScoringError{Category: cat, Err: err}
	}

	var parsed struct {
		Score       int    `json:"score"`
		Explanation string `json:"explanation"`
	}
	if err := json.Unmarshal([]byte(planner.ExtractFirstJSON(raw)), &parsed); err != nil {
		return CategoryScore{}, 0, 0, &ScoringError{Category: cat, Err: fmt.Errorf("parse judge output: %v: %w", err, core.ErrInvalidOutput)}
	}

	score, clamped := clamp(parsed.Score)
	if clamped {
		e.logger.Printf("category %s returned out-of-range score %d, clamped to %d", cat, parsed.Score, score)
	}
	weight := Weights[cat]
	return CategoryScore{
		Category:    cat,
		Score:       score,
		Weight:      weight,
		Weighted:    score * weight,
		Explanation: parsed.Explanation,
		Clamped:     clamped,
	}, in, out, nil
}

func clamp(score int) (int, bool) {
	if score < minScore {
		return minScore, true
	}
	if score > maxScore {
		return maxScore, true
	}
	return score, false
}

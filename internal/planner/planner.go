package planner

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// QuestionType classifies the reasoning a question calls for.
type QuestionType string

const (
	QuestionFactual         QuestionType = "factual"
	QuestionTemporal        QuestionType = "temporal"
	QuestionCausal          QuestionType = "causal"
	QuestionAlternateEnding QuestionType = "alternate_ending"
	QuestionGeneral         QuestionType = "general"
)

// TemporalConstraint bounds retrieval to a season/episode window. The zero
// value is explicitly unconstrained: the absence of a temporal hint never
// implies a default season.
type TemporalConstraint struct {
	MinSeason int  `json:"min_season,omitempty"`
	MaxSeason int  `json:"max_season,omitempty"`
	Episode   int  `json:"episode,omitempty"` // 0 = any
	Bounded   bool `json:"bounded"`
}

// AllowsSeason reports whether a passage from the given season may be
// retrieved. Season 0 (unknown) is allowed here; the retriever applies its
// own keyword screen for unknown-season passages under a bounded constraint.
func (t TemporalConstraint) AllowsSeason(season int) bool {
	if !t.Bounded || season <= 0 {
		return true
	}
	if t.MinSeason > 0 && season < t.MinSeason {
		return false
	}
	if t.MaxSeason > 0 && season > t.MaxSeason {
		return false
	}
	return true
}

// QueryPlan is the structured decomposition of one raw question. It is
// request-scoped and discarded when the request ends.
type QueryPlan struct {
	Question          string             `json:"question"`
	QuestionType      QuestionType       `json:"question_type"`
	Entities          []string           `json:"entities"`           // as asked
	CanonicalEntities []string           `json:"canonical_entities"` // alias-resolved
	Temporal          TemporalConstraint `json:"temporal"`
	Subqueries        []string           `json:"subqueries"` // never empty
}

// PlanningError reports a failed LLM-assisted decomposition. It is always
// recovered by falling back to the heuristic plan, never surfaced as a
// request failure.
type PlanningError struct {
	Question string
	Err      error
}

func (e *PlanningError) Error() string {
	return fmt.Sprintf("planning %q: %v", e.Question, e.Err)
}

func (e *PlanningError) Unwrap() error { return e.Err }

// LLM is the subset of the language-model capability the planner uses for
// optional decomposition refinement.
type LLM interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
}

// Planner turns raw questions into query plans. The heuristic path is always
// available; an LLM, when provided, refines entity canonicalization and
// subquery phrasing but its failure never fails a request.
type Planner struct {
	logger  *log.Logger
	aliases map[string]string
	llm     LLM
	model   string
}

// New creates a planner with the built-in alias table.
func New(logger *log.Logger) *Planner {
	if logger == nil {
		logger = log.New(log.Writer(), "[PLANNER] ", log.LstdFlags)
	}
	return &Planner{logger: logger, aliases: defaultAliases()}
}

// WithLLM attaches an LLM for decomposition refinement.
func (p *Planner) WithLLM(llm LLM, model string) *Planner {
	p.llm = llm
	p.model = model
	return p
}

var (
	seasonRangeRe  = regexp.MustCompile(`(?i)seasons?\s+(\d+)\s*(?:-|to|through)\s*(\d+)`)
	seasonRe       = regexp.MustCompile(`(?i)season\s+(\d+)`)
	episodeTagRe   = regexp.MustCompile(`(?i)\bs(\d+)\s*e(\d+)\b`)
	episodeWordRe  = regexp.MustCompile(`(?i)episode\s+(\d+)`)
	tagRangeRe     = regexp.MustCompile(`(?i)\bs(\d+)\s*-\s*s(\d+)\b`)
	conjunctionRe  = regexp.MustCompile(`(?i)\s+(?:and also|and then|, and|;)\s+`)
	comparisonRe   = regexp.MustCompile(`(?i)\s+(?:versus|vs\.?|compared to|compared with)\s+`)
)

var alternateEndingTriggers = []string{
	"alternate ending",
	"rewrite",
	"new ending",
	"fix season 8",
	"reimagine season 8",
	"alternate finale",
}

// Plan decomposes a raw question into a query plan. It never returns an
// error: an unparsable question degrades to the identity plan.
func (p *Planner) Plan(ctx context.Context, question string) QueryPlan {
	question = strings.TrimSpace(question)

	plan := QueryPlan{
		Question:     question,
		QuestionType: classify(question),
		Temporal:     detectTemporal(question),
	}
	plan.Entities = extractEntities(question)
	plan.CanonicalEntities = p.canonicalize(plan.Entities)
	plan.Subqueries = p.subqueries(question, plan)

	if p.llm != nil {
		if refined, err := p.refine(ctx, plan); err != nil {
			p.logger.Printf("decomposition fallback: %v", &PlanningError{Question: question, Err: err})
		} else {
			plan = refined
		}
	}

	// identity subquery floor
	if len(plan.Subqueries) == 0 {
		plan.Subqueries = []string{question}
	}
	return plan
}

func classify(question string) QuestionType {
	q := strings.ToLower(question)
	// creative requests win over their embedded keywords
	for _, trigger := range alternateEndingTriggers {
		if strings.Contains(q, trigger) {
			return QuestionAlternateEnding
		}
	}
	for _, w := range []string{"why", "cause", "reason", "because"} {
		if strings.Contains(q, w) {
			return QuestionCausal
		}
	}
	for _, w := range []string{"when", "timeline", "season", "episode", "chronology"} {
		if strings.Contains(q, w) {
			return QuestionTemporal
		}
	}
	for _, w := range []string{"who", "what", "where", "mother", "father", "killed", "identity"} {
		if strings.Contains(q, w) {
			return QuestionFactual
		}
	}
	return QuestionGeneral
}

func detectTemporal(question string) TemporalConstraint {
	if m := seasonRangeRe.FindStringSubmatch(question); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		return TemporalConstraint{MinSeason: lo, MaxSeason: hi, Bounded: true}
	}
	if m := tagRangeRe.FindStringSubmatch(question); m != nil {
		lo, _ := strconv.Atoi(m[1])
		hi, _ := strconv.Atoi(m[2])
		return TemporalConstraint{MinSeason: lo, MaxSeason: hi, Bounded: true}
	}
	if m := episodeTagRe.FindStringSubmatch(question); m != nil {
		s, _ := strconv.Atoi(m[1])
		e, _ := strconv.Atoi(m[2])
		return TemporalConstraint{MinSeason: s, MaxSeason: s, Episode: e, Bounded: true}
	}
	if m := seasonRe.FindStringSubmatch(question); m != nil {
		s, _ := strconv.Atoi(m[1])
		c := TemporalConstraint{MinSeason: s, MaxSeason: s, Bounded: true}
		if em := episodeWordRe.FindStringSubmatch(question); em != nil {
			c.Episode, _ = strconv.Atoi(em[1])
		}
		return c
	}
	// no hint: explicitly unconstrained
	return TemporalConstraint{}
}

// leadingQuestionWords are capitalized sentence openers that never start an
// entity run. Any other leading capital counts, so "Jon Snow killed..." keeps
// its first token.
var leadingQuestionWords = map[string]bool{
	"who": true, "what": true, "when": true, "where": true, "why": true,
	"how": true, "which": true, "did": true, "do": true, "does": true,
	"is": true, "are": true, "was": true, "were": true, "can": true,
	"could": true, "would": true, "should": true, "write": true,
	"rewrite": true, "imagine": true, "describe": true, "explain": true,
	"compare": true, "tell": true, "in": true, "during": true, "after": true,
	"before": true,
}

// extractEntities collects runs of capitalized tokens, the same heuristic the
// original corpus tooling used before alias resolution.
func extractEntities(question string) []string {
	cleaned := strings.NewReplacer("?", "", "!", "", ".", "", ",", " ").Replace(question)
	tokens := strings.Fields(cleaned)

	var ents []string
	var curr []string
	for i, tok := range tokens {
		isUpper := tok != "" && tok[0] >= 'A' && tok[0] <= 'Z'
		if isUpper && !(i == 0 && leadingQuestionWords[strings.ToLower(tok)]) {
			curr = append(curr, tok)
			continue
		}
		if len(curr) > 0 {
			ents = append(ents, strings.Join(curr, " "))
			curr = nil
		}
	}
	if len(curr) > 0 {
		ents = append(ents, strings.Join(curr, " "))
	}

	var out []string
	for _, e := range ents {
		if len(strings.TrimSpace(e)) > 1 {
			out = append(out, strings.TrimSpace(e))
		}
	}
	return out
}

// canonicalize resolves each entity through the alias table, falling back to
// a fuzzy match; unresolved entities are kept as literal tokens, not dropped.
func (p *Planner) canonicalize(entities []string) []string {
	out := make([]string, 0, len(entities))
	seen := make(map[string]struct{})
	for _, ent := range entities {
		canon := p.resolve(ent)
		if _, dup := seen[canon]; dup {
			continue
		}
		seen[canon] = struct{}{}
		out = append(out, canon)
	}
	return out
}

func (p *Planner) resolve(entity string) string {
	key := strings.ToLower(strings.TrimSpace(entity))
	if canon, ok := p.aliases[key]; ok {
		return canon
	}
	// fuzzy fallback: smallest edit distance within a small budget
	best := ""
	bestDist := 3 // distances >= 3 are not a match
	for alias, canon := range p.aliases {
		if d := editDistance(key, alias); d < bestDist {
			bestDist = d
			best = canon
		}
	}
	if best != "" {
		return best
	}
	return entity
}

func (p *Planner) subqueries(question string, plan QueryPlan) []string {
	var subs []string

	// compound clauses become independent subqueries
	for _, clause := range conjunctionRe.Split(question, -1) {
		clause = strings.TrimSpace(clause)
		if clause != "" {
			subs = append(subs, clause)
		}
	}

	// multi-entity comparisons get one subquery per side
	if comparisonRe.MatchString(question) && len(plan.CanonicalEntities) >= 2 {
		for _, ent := range plan.CanonicalEntities {
			subs = append(subs, ent+" "+plan.Question)
		}
	}

	if len(subs) == 0 {
		subs = []string{question}
	}
	return dedupStrings(subs)
}

const decomposerPrompt = `You are an expert question analyst for a fictional-corpus retrieval system.
Break the user's question into structured components for retrieval.

Respond ONLY as strict JSON:
{
 "canonical_entities": ["..."],
 "subqueries": ["..."]
}

Rules:
- Convert nicknames to canonical character names.
- Decompose why/how questions into multiple sub-questions.
- Each subquery must be retrieval-friendly phrasing.`

type decomposerResponse struct {
	CanonicalEntities []string `json:"canonical_entities"`
	Subqueries        []string `json:"subqueries"`
}

func (p *Planner) refine(ctx context.Context, plan QueryPlan) (QueryPlan, error) {
	ctx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()

	prompt := fmt.Sprintf("%s\n\nQuestion: %s\nDetected entities: %v\n", decomposerPrompt, plan.Question, plan.Entities)
	out, err := p.llm.Generate(ctx, prompt, p.model, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		return plan, err
	}
	var resp decomposerResponse
	if err := json.Unmarshal([]byte(ExtractFirstJSON(out)), &resp); err != nil {
		return plan, fmt.Errorf("parsing decomposition: %w", err)
	}
	if len(resp.CanonicalEntities) > 0 {
		plan.CanonicalEntities = dedupStrings(resp.CanonicalEntities)
	}
	if len(resp.Subqueries) > 0 {
		plan.Subqueries = dedupStrings(resp.Subqueries)
	}
	return plan, nil
}

// ExtractFirstJSON returns the first top-level JSON object embedded in s, or
// s unchanged when none is found. LLMs wrap JSON in prose often enough that
// every parse site goes through this.
func ExtractFirstJSON(s string) string {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return s
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			if escaped {
				escaped = false
			} else if c == '\\' {
				escaped = true
			} else if c == '"' {
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1]
			}
		}
	}
	return s[start:]
}

func dedupStrings(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		key := strings.ToLower(s)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		out = append(out, s)
	}
	return out
}

// editDistance is a plain Levenshtein distance over bytes; alias keys are
// short ASCII so this stays cheap.
func editDistance(a, b string) int {
	if a == b {
		return 0
	}
	if len(a) == 0 {
		return len(b)
	}
	if len(b) == 0 {
		return len(a)
	}
	prev := make([]int, len(b)+1)
	curr := make([]int, len(b)+1)
	for j := 0; j <= len(b); j++ {
		prev[j] = j
	}
	for i := 1; i <= len(a); i++ {
		curr[0] = i
		for j := 1; j <= len(b); j++ {
			cost := 1
			if a[i-1] == b[j-1] {
				cost = 0
			}
			curr[j] = minInt(prev[j]+1, curr[j-1]+1, prev[j-1]+cost)
		}
		prev, curr = curr, prev
	}
	return prev[len(b)]
}

func minInt(vals ...int) int {
	m := vals[0]
	for _, v := range vals[1:] {
		if v < m {
			m = v
		}
	}
	return m
}

package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sort"
	"strings"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/corpus"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/planner"
)

// Provenance records which index found an evidence item.
type Provenance string

const (
	FoundByVector  Provenance = "vector"
	FoundByLexical Provenance = "lexical"
	FoundByBoth    Provenance = "both"
)

// EvidenceItem is a passage plus its retrieval scores and provenance.
type EvidenceItem struct {
	Passage      corpus.Passage `json:"passage"`
	VectorScore  float64        `json:"vector_score"`
	LexicalScore float64        `json:"lexical_score"`
	FusedScore   float64        `json:"fused_score"`
	JudgeScore   float64        `json:"judge_score,omitempty"`
	Judged       bool           `json:"judged,omitempty"`
	Provenance   Provenance     `json:"provenance"`
}

// Line renders the evidence item as a prompt line: [SxEy] Speaker: text.
func (e EvidenceItem) Line() string {
	text := strings.TrimSpace(strings.ReplaceAll(e.Passage.Text, "\n", " "))
	if e.Passage.Speaker != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Passage.Tag(), e.Passage.Speaker, text)
	}
	return fmt.Sprintf("[%s] %s", e.Passage.Tag(), text)
}

// EvidenceSet is a ranked, deduplicated sequence of evidence items scoped to
// one request. No two items share a passage id.
type EvidenceSet struct {
	Items []EvidenceItem `json:"items"`
	// ConstrainedEmpty distinguishes "the temporal constraint excluded every
	// match" from "nothing matched at all".
	ConstrainedEmpty bool `json:"constrained_empty,omitempty"`
}

// Has reports whether the set contains the given passage id.
func (s EvidenceSet) Has(id string) bool {
	for _, item := range s.Items {
		if item.Passage.ID == id {
			return true
		}
	}
	return false
}

// Get returns the item for a passage id.
func (s EvidenceSet) Get(id string) (EvidenceItem, bool) {
	for _, item := range s.Items {
		if item.Passage.ID == id {
			return item, true
		}
	}
	return EvidenceItem{}, false
}

// Lines renders up to max evidence lines for prompt building.
func (s EvidenceSet) Lines(max int) []string {
	n := len(s.Items)
	if max > 0 && n > max {
		n = max
	}
	lines := make([]string, 0, n)
	for _, item := range s.Items[:n] {
		lines = append(lines, item.Line())
	}
	return lines
}

// RetrievalError reports an unreachable or corrupt index. It is fatal for
// the request; an empty result is not an error.
type RetrievalError struct {
	Subquery string
	Err      error
}

func (e *RetrievalError) Error() string {
	return fmt.Sprintf("retrieval %q: %v", e.Subquery, e.Err)
}

func (e *RetrievalError) Unwrap() error { return e.Err }

// Embedder produces the query embedding for vector search.
type Embedder interface {
	EmbedQuery(ctx context.Context, text string) ([]float32, error)
}

// Judge is the optional LLM relevance judge for the re-ranking pass.
type Judge interface {
	Generate(ctx context.Context, prompt string, model string, options map[string]interface{}) (string, error)
}

// Retriever answers subqueries against the read-only evidence store by
// fusing vector and lexical search results.
type Retriever struct {
	cfg        config.RetrievalConfig
	store      *corpus.Store
	embedder   Embedder
	judge      Judge
	judgeModel string
	logger     *log.Logger
}

// New creates a retriever over the given store.
func New(cfg config.RetrievalConfig, store *corpus.Store, embedder Embedder, logger *log.Logger) *Retriever {
	if logger == nil {
		logger = log.New(log.Writer(), "[RETRIEVER] ", log.LstdFlags)
	}
	return &Retriever{cfg: cfg, store: store, embedder: embedder, logger: logger}
}

// WithJudge attaches the LLM relevance judge used by the re-ranking pass.
func (r *Retriever) WithJudge(judge Judge, model string) *Retriever {
	r.judge = judge
	r.judgeModel = model
	return r
}

// finalSeasonKeywords is the screen applied to unknown-season passages when
// the constraint excludes the final season: text that clearly references it
// is dropped even without parseable season metadata.
var finalSeasonKeywords = []string{
	"season 8",
	"eighth and final season",
	"the iron throne",
	"s8e",
	"series finale",
	"final season",
}

func allowPassage(constraint planner.TemporalConstraint) func(corpus.Passage) bool {
	if !constraint.Bounded {
		return nil
	}
	screenUnknown := constraint.MaxSeason > 0 && constraint.MaxSeason < 8
	return func(p corpus.Passage) bool {
		if p.Season > 0 {
			if !constraint.AllowsSeason(p.Season) {
				return false
			}
			if constraint.Episode > 0 && p.Episode > 0 && p.Episode != constraint.Episode {
				return false
			}
			return true
		}
		if screenUnknown {
			t := strings.ToLower(p.Text)
			for _, kw := range finalSeasonKeywords {
				if strings.Contains(t, kw) {
					return false
				}
			}
		}
		return true
	}
}

// Retrieve runs vector and lexical search for one subquery, fuses and
// deduplicates the results, applies the temporal constraint before ranking,
// and optionally re-ranks the top candidates with the LLM judge. Ordering is
// deterministic given identical inputs and judge outputs; ties break by
// passage id ascending.
func (r *Retriever) Retrieve(ctx context.Context, subquery string, constraint planner.TemporalConstraint) (EvidenceSet, error) {
	if r.store.Len() == 0 {
		return EvidenceSet{}, nil
	}
	allow := allowPassage(constraint)

	var vecHits []corpus.Hit
	if r.embedder != nil {
		qv, err := r.embedder.EmbedQuery(ctx, subquery)
		if err != nil {
			return EvidenceSet{}, &RetrievalError{Subquery: subquery, Err: fmt.Errorf("embedding query: %w", err)}
		}
		vecHits = r.store.VectorSearch(qv, r.cfg.VectorTopK, allow)
	}

	lexHits, err := r.store.LexicalSearch(subquery, r.cfg.LexicalTopK, allow)
	if err != nil {
		return EvidenceSet{}, &RetrievalError{Subquery: subquery, Err: err}
	}

	items := r.fuse(vecHits, lexHits)
	if len(items) > r.cfg.TopK {
		items = items[:r.cfg.TopK]
	}

	set := EvidenceSet{Items: items}
	if len(items) == 0 && constraint.Bounded {
		set.ConstrainedEmpty = r.anyUnconstrainedMatch(ctx, subquery)
	}

	if len(set.Items) > 0 && r.cfg.RerankEnabled && r.judge != nil {
		set.Items = r.rerank(ctx, subquery, set.Items)
	}
	return set, nil
}

// anyUnconstrainedMatch reports whether the subquery would have matched
// without the temporal constraint, to distinguish constrained-empty from
// no-matches.
func (r *Retriever) anyUnconstrainedMatch(ctx context.Context, subquery string) bool {
	hits, err := r.store.LexicalSearch(subquery, 1, nil)
	if err == nil && len(hits) > 0 {
		return true
	}
	if r.embedder != nil {
		if qv, err := r.embedder.EmbedQuery(ctx, subquery); err == nil {
			if vhits := r.store.VectorSearch(qv, 1, nil); len(vhits) > 0 {
				return true
			}
		}
	}
	return false
}

// EnsureEntityCoverage appends the best constrained lexical hit for any
// canonical entity the set never mentions, so synthesis always sees at least
// one passage per entity named in the question. Forced items rank after the
// fused results.
func (r *Retriever) EnsureEntityCoverage(set EvidenceSet, entities []string, constraint planner.TemporalConstraint) EvidenceSet {
	if len(entities) == 0 || r.store.Len() == 0 {
		return set
	}
	allow := allowPassage(constraint)
	for _, ent := range entities {
		if entityMentioned(set, ent) {
			continue
		}
		hits, err := r.store.LexicalSearch(ent, 1, allow)
		if err != nil || len(hits) == 0 {
			continue
		}
		if set.Has(hits[0].ID) {
			continue
		}
		p, ok := r.store.Passage(hits[0].ID)
		if !ok {
			continue
		}
		r.logger.Printf("forcing coverage of %q via passage %s", ent, p.ID)
		set.Items = append(set.Items, EvidenceItem{
			Passage:      p,
			LexicalScore: hits[0].Score,
			Provenance:   FoundByLexical,
		})
	}
	return set
}

func entityMentioned(set EvidenceSet, entity string) bool {
	needle := strings.ToLower(entity)
	for _, item := range set.Items {
		if strings.Contains(strings.ToLower(item.Passage.Text), needle) ||
			strings.Contains(strings.ToLower(item.Passage.Speaker), needle) {
			return true
		}
	}
	return false
}

// fuse unions the two hit lists, deduplicates by passage id, and scores each
// candidate with the convex combination alpha*vector + (1-alpha)*lexical over
// min-max-normalized scores. A passage found by both methods keeps both
// components and therefore always fuses at least as high as it would from
// either method alone.
func (r *Retriever) fuse(vecHits, lexHits []corpus.Hit) []EvidenceItem {
	vnorm := normalizeScores(vecHits)
	lnorm := normalizeScores(lexHits)
	alpha := r.cfg.FusionAlpha

	byID := make(map[string]*EvidenceItem)
	for _, h := range vecHits {
		p, ok := r.store.Passage(h.ID)
		if !ok {
			continue
		}
		byID[h.ID] = &EvidenceItem{
			Passage:     p,
			VectorScore: vnorm[h.ID],
			Provenance:  FoundByVector,
		}
	}
	for _, h := range lexHits {
		if item, ok := byID[h.ID]; ok {
			item.LexicalScore = lnorm[h.ID]
			item.Provenance = FoundByBoth
			continue
		}
		p, ok := r.store.Passage(h.ID)
		if !ok {
			continue
		}
		byID[h.ID] = &EvidenceItem{
			Passage:      p,
			LexicalScore: lnorm[h.ID],
			Provenance:   FoundByLexical,
		}
	}

	items := make([]EvidenceItem, 0, len(byID))
	for _, item := range byID {
		item.FusedScore = alpha*item.VectorScore + (1-alpha)*item.LexicalScore
		items = append(items, *item)
	}
	sortByFused(items)
	return items
}

func normalizeScores(hits []corpus.Hit) map[string]float64 {
	out := make(map[string]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits[1:] {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	span := hi - lo
	for _, h := range hits {
		if span == 0 {
			out[h.ID] = 1.0
			continue
		}
		out[h.ID] = (h.Score - lo) / span
	}
	return out
}

func sortByFused(items []EvidenceItem) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].FusedScore == items[j].FusedScore {
			return items[i].Passage.ID < items[j].Passage.ID
		}
		return items[i].FusedScore > items[j].FusedScore
	})
}

const judgePrompt = `You are a retrieval relevance judge. Score each numbered passage for how
well it answers the query, 0-10.

QUERY: %s

PASSAGES:
%s

Respond ONLY as strict JSON: {"scores": [n0, n1, ...]} with one integer per
passage, in order.`

type judgeResponse struct {
	Scores []float64 `json:"scores"`
}

// rerank re-scores the top-M fused candidates with the LLM judge. The judge
// score overrides the fused score for final ordering. Any failure degrades
// gracefully to the fused-score ordering.
func (r *Retriever) rerank(ctx context.Context, subquery string, items []EvidenceItem) []EvidenceItem {
	m := r.cfg.RerankTopM
	if m <= 0 || m > len(items) {
		m = len(items)
	}
	var sb strings.Builder
	for i := 0; i < m; i++ {
		fmt.Fprintf(&sb, "%d. %s\n", i, items[i].Line())
	}
	prompt := fmt.Sprintf(judgePrompt, subquery, sb.String())

	out, err := r.judge.Generate(ctx, prompt, r.judgeModel, map[string]interface{}{"temperature": 0.0})
	if err != nil {
		r.logger.Printf("rerank skipped: %v", err)
		return items
	}
	var resp judgeResponse
	if err := json.Unmarshal([]byte(planner.ExtractFirstJSON(out)), &resp); err != nil || len(resp.Scores) < m {
		r.logger.Printf("rerank skipped: unparsable judge output")
		return items
	}

	judged := make([]EvidenceItem, m)
	copy(judged, items[:m])
	for i := range judged {
		judged[i].JudgeScore = resp.Scores[i]
		judged[i].Judged = true
	}
	sort.Slice(judged, func(i, j int) bool {
		if judged[i].JudgeScore == judged[j].JudgeScore {
			return judged[i].Passage.ID < judged[j].Passage.ID
		}
		return judged[i].JudgeScore > judged[j].JudgeScore
	})
	return append(judged, items[m:]...)
}

// Merge unions evidence sets from multiple subqueries into one deduplicated,
// ranked set. When a passage appears in several sets its highest fused score
// wins. ConstrainedEmpty survives only when the merged result is empty and at
// least one input was constrained-empty.
func Merge(sets ...EvidenceSet) EvidenceSet {
	byID := make(map[string]EvidenceItem)
	constrainedEmpty := false
	for _, set := range sets {
		if set.ConstrainedEmpty {
			constrainedEmpty = true
		}
		for _, item := range set.Items {
			prev, ok := byID[item.Passage.ID]
			if !ok || item.FusedScore > prev.FusedScore {
				byID[item.Passage.ID] = item
			}
		}
	}
	items := make([]EvidenceItem, 0, len(byID))
	for _, item := range byID {
		items = append(items, item)
	}
	sortByFused(items)
	out := EvidenceSet{Items: items}
	if len(items) == 0 {
		out.ConstrainedEmpty = constrainedEmpty
	}
	return out
}

package retrieval

import (
	"context"
	"fmt"
	"io"
	"log"
	"testing"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/corpus"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/planner"
)

type stubEmbedder struct {
	vec []float32
	err error
}

func (s *stubEmbedder) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	return s.vec, s.err
}

type stubJudge struct {
	response string
	err      error
	calls    int
}

func (s *stubJudge) Generate(ctx context.Context, prompt, model string, options map[string]interface{}) (string, error) {
	s.calls++
	return s.response, s.err
}

func testLogger() *log.Logger {
	return log.New(io.Discard, "", 0)
}

func testStore(t *testing.T) *corpus.Store {
	t.Helper()
	passages := []corpus.Passage{
		{ID: "p1", Season: 1, Episode: 9, Speaker: "Ned Stark", Text: "The man who passes the sentence should swing the sword."},
		{ID: "p2", Season: 3, Episode: 9, Speaker: "Catelyn Stark", Text: "The Red Wedding takes place at the Twins during the war."},
		{ID: "p3", Season: 6, Episode: 10, Speaker: "Cersei Lannister", Text: "The Sept of Baelor burns with wildfire beneath the city."},
		{ID: "p4", Season: 8, Episode: 6, Speaker: "Tyrion Lannister", Text: "Bran the Broken is chosen as king after the Iron Throne melts."},
		{ID: "p5", Season: 0, Episode: 0, Speaker: "", Text: "In the series finale the Iron Throne is destroyed by dragonfire."},
		{ID: "p6", Season: 0, Episode: 0, Speaker: "", Text: "Winterfell is the ancestral seat of House Stark in the North."},
	}
	vectors := map[string][]float32{
		"p1": {1, 0, 0},
		"p2": {0.9, 0.1, 0},
		"p3": {0.5, 0.5, 0},
		"p4": {0, 1, 0},
		"p5": {0, 0.9, 0.1},
		"p6": {0, 0, 1},
	}
	store, err := corpus.NewFromData(passages, vectors, testLogger())
	if err != nil {
		t.Fatalf("building store: %v", err)
	}
	return store
}

func testConfig() config.RetrievalConfig {
	return config.RetrievalConfig{
		VectorTopK:  10,
		LexicalTopK: 10,
		FusionAlpha: 0.35,
		TopK:        10,
	}
}

func TestRetrieveDeduplicatesAndRanks(t *testing.T) {
	store := testStore(t)
	r := New(testConfig(), store, &stubEmbedder{vec: []float32{1, 0, 0}}, testLogger())

	set, err := r.Retrieve(context.Background(), "sword sentence Stark", planner.TemporalConstraint{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(set.Items) == 0 {
		t.Fatal("expected evidence items")
	}
	seen := map[string]bool{}
	for _, item := range set.Items {
		if seen[item.Passage.ID] {
			t.Fatalf("duplicate passage id %s", item.Passage.ID)
		}
		seen[item.Passage.ID] = true
	}
	for i := 1; i < len(set.Items); i++ {
		prev, cur := set.Items[i-1], set.Items[i]
		if cur.FusedScore > prev.FusedScore {
			t.Fatalf("items out of order at %d: %f > %f", i, cur.FusedScore, prev.FusedScore)
		}
		if cur.FusedScore == prev.FusedScore && cur.Passage.ID < prev.Passage.ID {
			t.Fatalf("tie not broken by id at %d: %s before %s", i, prev.Passage.ID, cur.Passage.ID)
		}
	}
}

func TestFusionFavorsBothFound(t *testing.T) {
	store := testStore(t)
	r := New(testConfig(), store, nil, testLogger())

	vecHits := []corpus.Hit{{ID: "p1", Score: 0.9}, {ID: "p2", Score: 0.5}}
	lexHits := []corpus.Hit{{ID: "p1", Score: 3.0}, {ID: "p3", Score: 1.0}}
	items := r.fuse(vecHits, lexHits)

	byID := map[string]EvidenceItem{}
	for _, item := range items {
		byID[item.Passage.ID] = item
	}
	both := byID["p1"]
	if both.Provenance != FoundByBoth {
		t.Fatalf("p1 provenance = %s, want both", both.Provenance)
	}
	// A both-found passage must fuse at least as high as either component
	// would score it alone.
	alpha := 0.35
	if both.FusedScore < alpha*both.VectorScore {
		t.Fatalf("fused %f below vector contribution %f", both.FusedScore, alpha*both.VectorScore)
	}
	if both.FusedScore < (1-alpha)*both.LexicalScore {
		t.Fatalf("fused %f below lexical contribution %f", both.FusedScore, (1-alpha)*both.LexicalScore)
	}
	if byID["p2"].Provenance != FoundByVector {
		t.Fatalf("p2 provenance = %s, want vector", byID["p2"].Provenance)
	}
	if byID["p3"].Provenance != FoundByLexical {
		t.Fatalf("p3 provenance = %s, want lexical", byID["p3"].Provenance)
	}
}

func TestTemporalConstraintFiltersBeforeRanking(t *testing.T) {
	store := testStore(t)
	r := New(testConfig(), store, &stubEmbedder{vec: []float32{0, 1, 0}}, testLogger())

	constraint := planner.TemporalConstraint{MaxSeason: 7, Bounded: true}
	set, err := r.Retrieve(context.Background(), "Iron Throne finale", constraint)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	for _, item := range set.Items {
		if item.Passage.Season > 7 {
			t.Fatalf("constrained result includes season %d passage %s", item.Passage.Season, item.Passage.ID)
		}
		if item.Passage.ID == "p5" {
			t.Fatal("unknown-season passage referencing the final season leaked through the screen")
		}
	}
}

func TestConstrainedEmptyFlag(t *testing.T) {
	store := testStore(t)
	r := New(testConfig(), store, nil, testLogger())

	// "Baelor" only matches a season 6 passage; constrain to season 1.
	constraint := planner.TemporalConstraint{MinSeason: 1, MaxSeason: 1, Bounded: true}
	set, err := r.Retrieve(context.Background(), "Sept of Baelor wildfire", constraint)
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(set.Items) != 0 {
		// Lexical scoring may surface weak matches from season 1; only the
		// empty case asserts the flag.
		t.Skipf("lexical search matched %d season-1 passages", len(set.Items))
	}
	if !set.ConstrainedEmpty {
		t.Fatal("expected ConstrainedEmpty when the constraint excluded all matches")
	}
}

func TestNoMatchesIsNotConstrainedEmpty(t *testing.T) {
	store := testStore(t)
	r := New(testConfig(), store, nil, testLogger())

	set, err := r.Retrieve(context.Background(), "zzzzqqqq nonexistent", planner.TemporalConstraint{MaxSeason: 7, Bounded: true})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if len(set.Items) != 0 {
		t.Fatalf("expected no matches, got %d", len(set.Items))
	}
	if set.ConstrainedEmpty {
		t.Fatal("no-match result must not be flagged constrained-empty")
	}
}

func TestRerankOverridesFusedOrder(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.RerankEnabled = true
	cfg.RerankTopM = 10
	judge := &stubJudge{response: `{"scores": [1, 9, 5, 2, 3, 4, 6, 7, 8, 10]}`}
	r := New(cfg, store, &stubEmbedder{vec: []float32{1, 0, 0}}, testLogger()).WithJudge(judge, "judge-model")

	set, err := r.Retrieve(context.Background(), "Stark Winterfell war", planner.TemporalConstraint{})
	if err != nil {
		t.Fatalf("retrieve: %v", err)
	}
	if judge.calls != 1 {
		t.Fatalf("judge called %d times, want 1", judge.calls)
	}
	if len(set.Items) < 2 {
		t.Fatalf("expected multiple items, got %d", len(set.Items))
	}
	for i := 1; i < len(set.Items); i++ {
		if !set.Items[i].Judged || !set.Items[i-1].Judged {
			continue
		}
		if set.Items[i].JudgeScore > set.Items[i-1].JudgeScore {
			t.Fatalf("judge order violated at %d", i)
		}
	}
}

func TestRerankFailureFallsBackToFusedOrder(t *testing.T) {
	store := testStore(t)
	cfg := testConfig()
	cfg.RerankEnabled = true
	cfg.RerankTopM = 5
	judge := &stubJudge{err: fmt.Errorf("model unavailable")}
	r := New(cfg, store, &stubEmbedder{vec: []float32{1, 0, 0}}, testLogger()).WithJudge(judge, "judge-model")

	set, err := r.Retrieve(context.Background(), "Stark Winterfell war", planner.TemporalConstraint{})
	if err != nil {
		t.Fatalf("judge failure must not fail retrieval: %v", err)
	}
	for _, item := range set.Items {
		if item.Judged {
			t.Fatal("items must keep fused ordering when the judge fails")
		}
	}
}

func TestMergeKeepsHighestFusedScore(t *testing.T) {
	p := corpus.Passage{ID: "p1", Season: 1, Episode: 1, Text: "winter is coming"}
	a := EvidenceSet{Items: []EvidenceItem{{Passage: p, FusedScore: 0.4, Provenance: FoundByLexical}}}
	b := EvidenceSet{Items: []EvidenceItem{{Passage: p, FusedScore: 0.9, Provenance: FoundByBoth}}}

	merged := Merge(a, b)
	if len(merged.Items) != 1 {
		t.Fatalf("merged %d items, want 1", len(merged.Items))
	}
	if merged.Items[0].FusedScore != 0.9 {
		t.Fatalf("kept fused score %f, want 0.9", merged.Items[0].FusedScore)
	}
}

func TestMergeConstrainedEmpty(t *testing.T) {
	empty := EvidenceSet{ConstrainedEmpty: true}
	plain := EvidenceSet{}
	merged := Merge(empty, plain)
	if !merged.ConstrainedEmpty {
		t.Fatal("merged empty result should keep the constrained-empty flag")
	}

	withItems := EvidenceSet{Items: []EvidenceItem{{Passage: corpus.Passage{ID: "p1"}, FusedScore: 1}}}
	merged = Merge(empty, withItems)
	if merged.ConstrainedEmpty {
		t.Fatal("non-empty merged result must not be constrained-empty")
	}
}

func TestEvidenceLineFormat(t *testing.T) {
	item := EvidenceItem{Passage: corpus.Passage{ID: "p1", Season: 3, Episode: 9, Speaker: "Catelyn Stark", Text: "The Red Wedding."}}
	got := item.Line()
	want := "[S3E9] Catelyn Stark: The Red Wedding."
	if got != want {
		t.Fatalf("Line() = %q, want %q", got, want)
	}

	item = EvidenceItem{Passage: corpus.Passage{ID: "p2", Text: "Unknown provenance text."}}
	got = item.Line()
	want = "[S?E?] Unknown provenance text."
	if got != want {
		t.Fatalf("Line() = %q, want %q", got, want)
	}
}

func TestEnsureEntityCoverageAppendsMissingEntity(t *testing.T) {
	store := testStore(t)
	r := New(testConfig(), store, nil, testLogger())

	set := EvidenceSet{Items: []EvidenceItem{
		{Passage: corpus.Passage{ID: "p1", Text: "The man who passes the sentence should swing the sword."}, FusedScore: 1},
	}}
	got := r.EnsureEntityCoverage(set, []string{"Winterfell"}, planner.TemporalConstraint{})
	if !got.Has("p6") {
		t.Fatalf("expected p6 forced in for Winterfell, got %v", got.Items)
	}
	if got.Items[len(got.Items)-1].Provenance != FoundByLexical {
		t.Fatal("forced item should carry lexical provenance")
	}

	// Already-covered entities must not grow the set.
	n := len(got.Items)
	got = r.EnsureEntityCoverage(got, []string{"Winterfell"}, planner.TemporalConstraint{})
	if len(got.Items) != n {
		t.Fatalf("covered entity appended again: %d items, want %d", len(got.Items), n)
	}
}

func TestEnsureEntityCoverageHonorsConstraint(t *testing.T) {
	store := testStore(t)
	r := New(testConfig(), store, nil, testLogger())

	// "Iron Throne" only appears in final-season material (p4) and a screened
	// unknown-season passage (p5); under a season-7 bound neither may enter.
	set := EvidenceSet{}
	got := r.EnsureEntityCoverage(set, []string{"Iron Throne"}, planner.TemporalConstraint{MaxSeason: 7, Bounded: true})
	if len(got.Items) != 0 {
		t.Fatalf("constraint violated by forced items: %v", got.Items)
	}
}

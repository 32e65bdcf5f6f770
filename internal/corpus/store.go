package corpus

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"os"
	"sort"

	"github.com/blevesearch/bleve"
)

// ErrIndexMismatch indicates the evidence store artifacts do not agree on the
// passage id set and were likely produced by different ingestion runs.
var ErrIndexMismatch = errors.New("corpus: artifacts reference mismatched passage id sets")

// Passage is the smallest indexed unit of source text evidence. Passages are
// produced offline by the ingestion pipeline and never mutated at query time.
type Passage struct {
	ID         string `json:"id"`
	Season     int    `json:"season"`  // 0 = unknown
	Episode    int    `json:"episode"` // 0 = unknown
	Speaker    string `json:"speaker,omitempty"`
	Text       string `json:"text"`
	TokenCount int    `json:"token_count,omitempty"`
}

// Tag renders the [SxEy] provenance tag used in evidence lines and prompts.
func (p Passage) Tag() string {
	if p.Season <= 0 {
		return "S?E?"
	}
	return fmt.Sprintf("S%dE%d", p.Season, p.Episode)
}

// Hit is a single scored search result from one index.
type Hit struct {
	ID    string
	Score float64
}

// Store holds the read-only passage corpus with its vector and lexical
// indices. It is safe for concurrent use: all state is immutable after Load.
type Store struct {
	logger   *log.Logger
	passages map[string]Passage
	ids      []string // ascending, for deterministic iteration
	vectors  map[string][]float32
	index    bleve.Index
	dims     int
}

type embeddingRecord struct {
	ID     string    `json:"id"`
	Vector []float32 `json:"vector"`
}

// Load reads the passage metadata table and the precomputed embedding vectors,
// builds an in-memory lexical index over the passages, and validates that the
// artifacts reference the same passage id set. It fails fast with
// ErrIndexMismatch on any disagreement.
func Load(passagesPath, embeddingsPath string, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CORPUS] ", log.LstdFlags)
	}

	raw, err := os.ReadFile(passagesPath)
	if err != nil {
		return nil, fmt.Errorf("reading passage table: %w", err)
	}
	var passages []Passage
	if err := json.Unmarshal(raw, &passages); err != nil {
		return nil, fmt.Errorf("parsing passage table: %w", err)
	}

	raw, err = os.ReadFile(embeddingsPath)
	if err != nil {
		return nil, fmt.Errorf("reading embeddings: %w", err)
	}
	var records []embeddingRecord
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("parsing embeddings: %w", err)
	}

	vectors := make(map[string][]float32, len(records))
	for _, r := range records {
		vectors[r.ID] = r.Vector
	}
	return build(passages, vectors, logger)
}

// NewFromData builds a store from already-parsed artifacts. Used by tests and
// by callers that load artifacts through other channels.
func NewFromData(passages []Passage, vectors map[string][]float32, logger *log.Logger) (*Store, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[CORPUS] ", log.LstdFlags)
	}
	return build(passages, vectors, logger)
}

func build(passages []Passage, vectors map[string][]float32, logger *log.Logger) (*Store, error) {
	byID := make(map[string]Passage, len(passages))
	ids := make([]string, 0, len(passages))
	for _, p := range passages {
		if p.ID == "" {
			return nil, fmt.Errorf("corpus: passage with empty id")
		}
		if _, dup := byID[p.ID]; dup {
			return nil, fmt.Errorf("corpus: duplicate passage id %q", p.ID)
		}
		byID[p.ID] = p
		ids = append(ids, p.ID)
	}
	sort.Strings(ids)

	if len(vectors) != len(byID) {
		return nil, fmt.Errorf("%w: %d passages vs %d vectors", ErrIndexMismatch, len(byID), len(vectors))
	}
	dims := 0
	for id, v := range vectors {
		if _, ok := byID[id]; !ok {
			return nil, fmt.Errorf("%w: vector for unknown passage %q", ErrIndexMismatch, id)
		}
		if dims == 0 {
			dims = len(v)
		} else if len(v) != dims {
			return nil, fmt.Errorf("corpus: embedding dimension mismatch for passage %q (%d vs %d)", id, len(v), dims)
		}
	}

	index, err := bleve.NewMemOnly(bleve.NewIndexMapping())
	if err != nil {
		return nil, fmt.Errorf("building lexical index: %w", err)
	}
	for _, id := range ids {
		if err := index.Index(id, byID[id]); err != nil {
			return nil, fmt.Errorf("indexing passage %q: %w", id, err)
		}
	}

	logger.Printf("loaded %d passages (dims=%d)", len(ids), dims)
	return &Store{
		logger:   logger,
		passages: byID,
		ids:      ids,
		vectors:  vectors,
		index:    index,
		dims:     dims,
	}, nil
}

// Len returns the number of passages in the corpus.
func (s *Store) Len() int { return len(s.ids) }

// Dimensions returns the embedding dimensionality of the loaded vectors.
func (s *Store) Dimensions() int { return s.dims }

// ValidateDimensions checks the loaded vectors against the configured
// dimensionality. Zero means unconfigured and skips the check.
func (s *Store) ValidateDimensions(want int) error {
	if want > 0 && s.dims != want {
		return fmt.Errorf("corpus: loaded embeddings have %d dimensions, config expects %d", s.dims, want)
	}
	return nil
}

// Passage returns the passage with the given id.
func (s *Store) Passage(id string) (Passage, bool) {
	p, ok := s.passages[id]
	return p, ok
}

// VectorSearch scores every allowed passage against q by cosine similarity and
// returns up to k hits, highest first; ties broken by passage id ascending.
// The allow predicate is applied before ranking so excluded passages never
// consume a result slot.
func (s *Store) VectorSearch(q []float32, k int, allow func(Passage) bool) []Hit {
	if k <= 0 || len(q) == 0 {
		return nil
	}
	hits := make([]Hit, 0, len(s.ids))
	for _, id := range s.ids {
		if allow != nil && !allow(s.passages[id]) {
			continue
		}
		hits = append(hits, Hit{ID: id, Score: cosine(q, s.vectors[id])})
	}
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score == hits[j].Score {
			return hits[i].ID < hits[j].ID
		}
		return hits[i].Score > hits[j].Score
	})
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits
}

// LexicalSearch runs a term query against the bleve index and returns up to k
// allowed hits with their BM25-style scores. The index is over-queried so that
// excluded passages do not consume result slots.
func (s *Store) LexicalSearch(q string, k int, allow func(Passage) bool) ([]Hit, error) {
	if k <= 0 || q == "" {
		return nil, nil
	}
	query := bleve.NewMatchQuery(q)
	// over-fetch: constraint filtering happens on our side
	req := bleve.NewSearchRequestOptions(query, k*4+16, 0, false)
	res, err := s.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("lexical search: %w", err)
	}
	var out []Hit
	for _, hit := range res.Hits {
		p, ok := s.passages[hit.ID]
		if !ok {
			continue
		}
		if allow != nil && !allow(p) {
			continue
		}
		out = append(out, Hit{ID: hit.ID, Score: hit.Score})
		if len(out) >= k {
			break
		}
	}
	return out, nil
}

func cosine(a, b []float32) float64 {
	var dot, na, nb float64
	n := len(a)
	if len(b) < n {
		n = len(b)
	}
	for i := 0; i < n; i++ {
		ai := float64(a[i])
		bi := float64(b[i])
		dot += ai * bi
		na += ai * ai
		nb += bi * bi
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

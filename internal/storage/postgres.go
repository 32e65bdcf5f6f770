package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/lib/pq"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/core"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/nss"
)

// ErrNotFound is returned when the requested record does not exist.
var ErrNotFound = errors.New("not found")

// PostgresStore implements AnswerLogStore on PostgreSQL.
type PostgresStore struct {
	db *sql.DB
}

// NewPostgresStore opens the database and ensures the schema exists.
func NewPostgresStore(cfg config.PostgresConfig) (*PostgresStore, error) {
	db, err := sql.Open("postgres", cfg.DSN())
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		return nil, err
	}
	ps := &PostgresStore{db: db}
	if err := ps.ensureSchema(); err != nil {
		return nil, err
	}
	return ps, nil
}

func (s *PostgresStore) ensureSchema() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS answers (
    id TEXT PRIMARY KEY,
    question JSONB NOT NULL,
    plan JSONB,
    answer_text TEXT,
    evidence JSONB,
    results JSONB,
    skipped JSONB,
    state TEXT,
    processing_time BIGINT,
    tokens_used BIGINT,
    cost_estimate DOUBLE PRECISION,
    created_at TIMESTAMPTZ DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS answer_scores (
    answer_id TEXT PRIMARY KEY REFERENCES answers(id) ON DELETE CASCADE,
    categories JSONB NOT NULL,
    total INTEGER NOT NULL,
    model TEXT,
    tokens_used BIGINT,
    cost DOUBLE PRECISION,
    created_at TIMESTAMPTZ DEFAULT NOW()
);
`)
	return err
}

func (s *PostgresStore) SaveAnswer(ctx context.Context, answer core.FinalAnswer) error {
	question, _ := json.Marshal(answer.Question)
	plan, _ := json.Marshal(answer.Plan)
	evidence, _ := json.Marshal(answer.Evidence)
	results, _ := json.Marshal(answer.Results)
	skipped, _ := json.Marshal(answer.Skipped)

	_, err := s.db.ExecContext(ctx, `
INSERT INTO answers (
  id, question, plan, answer_text, evidence, results, skipped,
  state, processing_time, tokens_used, cost_estimate, created_at
) VALUES (
  $1, $2, $3, $4, $5, $6, $7,
  $8, $9, $10, $11, $12
)
ON CONFLICT (id) DO UPDATE SET
  question = EXCLUDED.question,
  plan = EXCLUDED.plan,
  answer_text = EXCLUDED.answer_text,
  evidence = EXCLUDED.evidence,
  results = EXCLUDED.results,
  skipped = EXCLUDED.skipped,
  state = EXCLUDED.state,
  processing_time = EXCLUDED.processing_time,
  tokens_used = EXCLUDED.tokens_used,
  cost_estimate = EXCLUDED.cost_estimate;
`,
		answer.ID, question, plan, answer.Text, evidence, results, skipped,
		string(answer.State), int64(answer.ProcessingTime), answer.TokensUsed, answer.CostEstimate, answer.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetAnswer(ctx context.Context, id string) (core.FinalAnswer, error) {
	row := s.db.QueryRowContext(ctx, `SELECT question, plan, answer_text, evidence, results, skipped,
        state, processing_time, tokens_used, cost_estimate, created_at
        FROM answers WHERE id = $1`, id)
	answer, err := scanAnswer(row, id)
	if errors.Is(err, sql.ErrNoRows) {
		return core.FinalAnswer{}, ErrNotFound
	}
	return answer, err
}

func (s *PostgresStore) ListAnswers(ctx context.Context, limit int) ([]core.FinalAnswer, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, question, plan, answer_text, evidence, results, skipped,
        state, processing_time, tokens_used, cost_estimate, created_at
        FROM answers ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var answers []core.FinalAnswer
	for rows.Next() {
		var id string
		var questionB, planB, evidenceB, resultsB, skippedB []byte
		var a core.FinalAnswer
		var processingTime int64
		var state string
		if err := rows.Scan(&id, &questionB, &planB, &a.Text, &evidenceB, &resultsB, &skippedB,
			&state, &processingTime, &a.TokensUsed, &a.CostEstimate, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.ID = id
		a.State = core.RequestState(state)
		a.ProcessingTime = time.Duration(processingTime)
		_ = json.Unmarshal(questionB, &a.Question)
		_ = json.Unmarshal(planB, &a.Plan)
		_ = json.Unmarshal(evidenceB, &a.Evidence)
		_ = json.Unmarshal(resultsB, &a.Results)
		_ = json.Unmarshal(skippedB, &a.Skipped)
		answers = append(answers, a)
	}
	return answers, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanAnswer(row rowScanner, id string) (core.FinalAnswer, error) {
	var questionB, planB, evidenceB, resultsB, skippedB []byte
	var a core.FinalAnswer
	var processingTime int64
	var state string
	if err := row.Scan(&questionB, &planB, &a.Text, &evidenceB, &resultsB, &skippedB,
		&state, &processingTime, &a.TokensUsed, &a.CostEstimate, &a.CreatedAt); err != nil {
		return core.FinalAnswer{}, err
	}
	a.ID = id
	a.State = core.RequestState(state)
	a.ProcessingTime = time.Duration(processingTime)
	_ = json.Unmarshal(questionB, &a.Question)
	_ = json.Unmarshal(planB, &a.Plan)
	_ = json.Unmarshal(evidenceB, &a.Evidence)
	_ = json.Unmarshal(resultsB, &a.Results)
	_ = json.Unmarshal(skippedB, &a.Skipped)
	return a, nil
}

func (s *PostgresStore) SaveScore(ctx context.Context, score nss.Score) error {
	categories, err := json.Marshal(score.Categories)
	if err != nil {
		return fmt.Errorf("marshal categories: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO answer_scores (answer_id, categories, total, model, tokens_used, cost, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (answer_id) DO UPDATE SET
  categories = EXCLUDED.categories,
  total = EXCLUDED.total,
  model = EXCLUDED.model,
  tokens_used = EXCLUDED.tokens_used,
  cost = EXCLUDED.cost,
  created_at = EXCLUDED.created_at;
`,
		score.AnswerID, categories, score.Total, score.Model, score.TokensUsed, score.Cost, score.CreatedAt,
	)
	return err
}

func (s *PostgresStore) GetScore(ctx context.Context, answerID string) (nss.Score, error) {
	var score nss.Score
	var categoriesB []byte
	err := s.db.QueryRowContext(ctx, `SELECT categories, total, model, tokens_used, cost, created_at
        FROM answer_scores WHERE answer_id = $1`, answerID).
		Scan(&categoriesB, &score.Total, &score.Model, &score.TokensUsed, &score.Cost, &score.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nss.Score{}, ErrNotFound
	}
	if err != nil {
		return nss.Score{}, err
	}
	score.AnswerID = answerID
	_ = json.Unmarshal(categoriesB, &score.Categories)
	return score, nil
}

func (s *PostgresStore) Close() error { return s.db.Close() }

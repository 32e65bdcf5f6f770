// Package storage persists answered questions and their scores so answers
// can be fetched again and evaluated offline.
package storage

import (
	"context"
	"log"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/core"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/nss"
)

// AnswerLogStore persists final answers and their NSS scores.
type AnswerLogStore interface {
	// SaveAnswer upserts a final answer by id.
	SaveAnswer(ctx context.Context, answer core.FinalAnswer) error

	// GetAnswer retrieves an answer by id. Returns ErrNotFound when absent.
	GetAnswer(ctx context.Context, id string) (core.FinalAnswer, error)

	// ListAnswers returns the most recent answers, newest first.
	ListAnswers(ctx context.Context, limit int) ([]core.FinalAnswer, error)

	// SaveScore upserts an NSS score keyed by its answer id.
	SaveScore(ctx context.Context, score nss.Score) error

	// GetScore retrieves the score for an answer id. Returns ErrNotFound
	// when the answer was never scored.
	GetScore(ctx context.Context, answerID string) (nss.Score, error)

	// Close releases the underlying connections.
	Close() error
}

// NewAnswerLogStore creates the answer log backed by Postgres when
// configured, falling back to Redis.
func NewAnswerLogStore(cfg config.StorageConfig, logger *log.Logger) (AnswerLogStore, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[STORAGE] ", log.LstdFlags)
	}
	if cfg.Postgres.URL != "" || cfg.Postgres.Host != "" || cfg.Postgres.DBName != "" {
		ps, err := NewPostgresStore(cfg.Postgres)
		if err == nil {
			return ps, nil
		}
		logger.Printf("postgres answer log init failed: %v, falling back to redis", err)
	}
	return NewRedisStore(cfg.Redis), nil
}

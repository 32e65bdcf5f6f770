package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/carlosrayortiz/csc583-cosineofthrones/config"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/agent/core"
	"github.com/carlosrayortiz/csc583-cosineofthrones/internal/nss"
)

const answerIndexKey = "answers:by_time"

// RedisStore implements AnswerLogStore on Redis. Answers are stored as JSON
// blobs keyed by id, with a sorted-set index for recency listing.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a Redis-backed answer log.
func NewRedisStore(cfg config.RedisConfig) *RedisStore {
	port := cfg.Port
	if port == "" {
		port = "6379"
	}
	host := cfg.Host
	if host == "" {
		host = "localhost"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     fmt.Sprintf("%s:%s", host, port),
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	return &RedisStore{client: client}
}

func answerKey(id string) string { return "answer:" + id }
func scoreKey(id string) string  { return "answer:" + id + ":score" }

func (s *RedisStore) SaveAnswer(ctx context.Context, answer core.FinalAnswer) error {
	data, err := json.Marshal(answer)
	if err != nil {
		return fmt.Errorf("marshal answer: %w", err)
	}
	if err := s.client.Set(ctx, answerKey(answer.ID), data, 0).Err(); err != nil {
		return err
	}
	return s.client.ZAdd(ctx, answerIndexKey, redis.Z{
		Score:  float64(answer.CreatedAt.UnixNano()),
		Member: answer.ID,
	}).Err()
}

func (s *RedisStore) GetAnswer(ctx context.Context, id string) (core.FinalAnswer, error) {
	val, err := s.client.Get(ctx, answerKey(id)).Result()
	if errors.Is(err, redis.Nil) {
		return core.FinalAnswer{}, ErrNotFound
	}
	if err != nil {
		return core.FinalAnswer{}, err
	}
	var answer core.FinalAnswer
	if err := json.Unmarshal([]byte(val), &answer); err != nil {
		return core.FinalAnswer{}, fmt.Errorf("unmarshal answer %s: %w", id, err)
	}
	return answer, nil
}

func (s *RedisStore) ListAnswers(ctx context.Context, limit int) ([]core.FinalAnswer, error) {
	if limit <= 0 {
		limit = 20
	}
	ids, err := s.client.ZRevRange(ctx, answerIndexKey, 0, int64(limit-1)).Result()
	if err != nil {
		return nil, err
	}
	answers := make([]core.FinalAnswer, 0, len(ids))
	for _, id := range ids {
		answer, err := s.GetAnswer(ctx, id)
		if errors.Is(err, ErrNotFound) {
			// index entry survived a deleted answer
			continue
		}
		if err != nil {
			return nil, err
		}
		answers = append(answers, answer)
	}
	sort.SliceStable(answers, func(i, j int) bool {
		return answers[i].CreatedAt.After(answers[j].CreatedAt)
	})
	return answers, nil
}

func (s *RedisStore) SaveScore(ctx context.Context, score nss.Score) error {
	data, err := json.Marshal(score)
	if err != nil {
		return fmt.Errorf("marshal score: %w", err)
	}
	return s.client.Set(ctx, scoreKey(score.AnswerID), data, 0).Err()
}

func (s *RedisStore) GetScore(ctx context.Context, answerID string) (nss.Score, error) {
	val, err := s.client.Get(ctx, scoreKey(answerID)).Result()
	if errors.Is(err, redis.Nil) {
		return nss.Score{}, ErrNotFound
	}
	if err != nil {
		return nss.Score{}, err
	}
	var score nss.Score
	if err := json.Unmarshal([]byte(val), &score); err != nil {
		return nss.Score{}, fmt.Errorf("unmarshal score %s: %w", answerID, err)
	}
	return score, nil
}

func (s *RedisStore) Close() error { return s.client.Close() }

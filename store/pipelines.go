package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// PipelineStage is where a comprehensive-analysis saga currently stands.
type PipelineStage string

const (
	StageDetecting PipelineStage = "detecting"
	StageAnalyzing PipelineStage = "analyzing"
	StageDone      PipelineStage = "done"
	StageFailed    PipelineStage = "failed"
)

// PipelineRecord is the persisted state of one comprehensive-analysis run.
// Each stage's completion enqueues the next stage; no worker slot blocks
// waiting on a child task.
type PipelineRecord struct {
	ID            string        `json:"id"`
	DocumentID    string        `json:"document_id"`
	Stage         PipelineStage `json:"stage"`
	DetectionJSON string        `json:"detection_json,omitempty"`
	FindingsJSON  string        `json:"findings_json,omitempty"`
	ErrorMsg      string        `json:"error_msg,omitempty"`
	CreatedAt     time.Time     `json:"created_at"`
	UpdatedAt     time.Time     `json:"updated_at"`
}

const pipelineKeyPrefix = "lp:pipeline:"

// RedisPipelineStore keeps saga state alongside the task records, under the
// same TTL regime.
type RedisPipelineStore struct {
	rdb *redis.Client
	ttl time.Duration
}

func NewRedisPipelineStore(rdb *redis.Client, ttl time.Duration) *RedisPipelineStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisPipelineStore{rdb: rdb, ttl: ttl}
}

func (s *RedisPipelineStore) Save(ctx context.Context, rec PipelineRecord) error {
	rec.UpdatedAt = time.Now().UTC()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = rec.UpdatedAt
	}
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, pipelineKeyPrefix+rec.ID, raw, s.ttl).Err()
}

func (s *RedisPipelineStore) Get(ctx context.Context, id string) (*PipelineRecord, error) {
	raw, err := s.rdb.Get(ctx, pipelineKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec PipelineRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

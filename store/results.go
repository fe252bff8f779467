package store

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned for ids that were never submitted or whose records
// have expired. The two cases are deliberately indistinguishable.
var ErrNotFound = errors.New("store: task not found")

// ResultStore abstracts the task lifecycle record store.
// Implementations must be safe for concurrent use.
type ResultStore interface {
	InsertPending(ctx context.Context, rec TaskRecord) error
	MarkReceived(ctx context.Context, taskID string) error
	MarkStarted(ctx context.Context, taskID string, startedAt time.Time) error
	SetProgress(ctx context.Context, snap Snapshot) error
	MarkSuccess(ctx context.Context, taskID string, resultJSON *string, finishedAt time.Time) error
	MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error
	MarkRevoked(ctx context.Context, taskID string, finishedAt time.Time) error
	Get(ctx context.Context, taskID string) (*TaskRecord, error)

	// Revoke flags a task so a worker that has not yet started it skips it.
	// It does not stop a running execution.
	Revoke(ctx context.Context, taskID string) error
	IsRevoked(ctx context.Context, taskID string) (bool, error)
}

// RedisResultStore keeps one JSON record per task under a TTL. Expiry deletes
// the key, which is what collapses "expired" and "unknown" into the same
// ErrNotFound. Records are only ever mutated by the single worker slot
// executing the task, so read-modify-write without a transaction is safe.
type RedisResultStore struct {
	rdb *redis.Client
	ttl time.Duration
}

const (
	taskKeyPrefix   = "lp:task:"
	revokeKeyPrefix = "lp:revoked:"
)

func NewRedisResultStore(rdb *redis.Client, ttl time.Duration) *RedisResultStore {
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisResultStore{rdb: rdb, ttl: ttl}
}

func (s *RedisResultStore) InsertPending(ctx context.Context, rec TaskRecord) error {
	if rec.State == "" {
		rec.State = StatePending
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return s.put(ctx, rec)
}

func (s *RedisResultStore) MarkReceived(ctx context.Context, taskID string) error {
	return s.transition(ctx, taskID, func(rec *TaskRecord) {
		rec.State = StateReceived
	})
}

func (s *RedisResultStore) MarkStarted(ctx context.Context, taskID string, startedAt time.Time) error {
	return s.transition(ctx, taskID, func(rec *TaskRecord) {
		rec.State = StateStarted
		t := startedAt.UTC()
		rec.StartedAt = &t
	})
}

func (s *RedisResultStore) SetProgress(ctx context.Context, snap Snapshot) error {
	return s.transition(ctx, snap.TaskID, func(rec *TaskRecord) {
		rec.State = StateProgress
		c := snap
		rec.Progress = &c
	})
}

func (s *RedisResultStore) MarkSuccess(ctx context.Context, taskID string, resultJSON *string, finishedAt time.Time) error {
	return s.transition(ctx, taskID, func(rec *TaskRecord) {
		rec.State = StateSuccess
		rec.ResultJSON = resultJSON
		t := finishedAt.UTC()
		rec.FinishedAt = &t
	})
}

func (s *RedisResultStore) MarkFailure(ctx context.Context, taskID string, errMsg, traceback string, finishedAt time.Time) error {
	return s.transition(ctx, taskID, func(rec *TaskRecord) {
		rec.State = StateFailure
		rec.ErrorMsg = &errMsg
		if traceback != "" {
			rec.Traceback = &traceback
		}
		t := finishedAt.UTC()
		rec.FinishedAt = &t
	})
}

func (s *RedisResultStore) MarkRevoked(ctx context.Context, taskID string, finishedAt time.Time) error {
	return s.transition(ctx, taskID, func(rec *TaskRecord) {
		rec.State = StateRevoked
		t := finishedAt.UTC()
		rec.FinishedAt = &t
	})
}

func (s *RedisResultStore) Get(ctx context.Context, taskID string) (*TaskRecord, error) {
	raw, err := s.rdb.Get(ctx, taskKeyPrefix+taskID).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	var rec TaskRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *RedisResultStore) Revoke(ctx context.Context, taskID string) error {
	return s.rdb.Set(ctx, revokeKeyPrefix+taskID, "1", s.ttl).Err()
}

func (s *RedisResultStore) IsRevoked(ctx context.Context, taskID string) (bool, error) {
	n, err := s.rdb.Exists(ctx, revokeKeyPrefix+taskID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// transition applies mutate to the stored record and writes it back,
// refreshing the TTL. Terminal records are left untouched: once SUCCESS,
// FAILURE or REVOKED the record is immutable until expiry.
func (s *RedisResultStore) transition(ctx context.Context, taskID string, mutate func(*TaskRecord)) error {
	rec, err := s.Get(ctx, taskID)
	if errors.Is(err, ErrNotFound) {
		// Late mark for an expired or never-recorded task. Create a bare
		// record so the state is still observable for one TTL window.
		rec = &TaskRecord{ID: taskID, CreatedAt: time.Now().UTC()}
	} else if err != nil {
		return err
	}
	if rec.State.Terminal() {
		return nil
	}
	mutate(rec)
	return s.put(ctx, *rec)
}

func (s *RedisResultStore) put(ctx context.Context, rec TaskRecord) error {
	raw, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, taskKeyPrefix+rec.ID, raw, s.ttl).Err()
}

package store

import (
	"context"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestResultStore(t *testing.T) (*RedisResultStore, *miniredis.Miniredis) {
	t.Helper()
	s, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(s.Close)
	rdb := redis.NewClient(&redis.Options{Addr: s.Addr()})
	return NewRedisResultStore(rdb, time.Hour), s
}

func TestResultStore_Lifecycle(t *testing.T) {
	rs, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.InsertPending(ctx, TaskRecord{ID: "t1", Type: "document:process", Queue: "document_processing"}))

	rec, err := rs.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StatePending, rec.State)

	require.NoError(t, rs.MarkReceived(ctx, "t1"))
	require.NoError(t, rs.MarkStarted(ctx, "t1", time.Now().UTC()))

	rec, err = rs.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StateStarted, rec.State)
	require.NotNil(t, rec.StartedAt)

	require.NoError(t, rs.SetProgress(ctx, Snapshot{TaskID: "t1", Current: 30, Total: 100, Percentage: 30, Message: "extracting text"}))
	rec, err = rs.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StateProgress, rec.State)
	require.Equal(t, 30, rec.Progress.Percentage)

	result := `{"ok":true}`
	require.NoError(t, rs.MarkSuccess(ctx, "t1", &result, time.Now().UTC()))
	rec, err = rs.Get(ctx, "t1")
	require.NoError(t, err)
	require.Equal(t, StateSuccess, rec.State)
	require.Equal(t, result, *rec.ResultJSON)
	require.NotNil(t, rec.FinishedAt)
}

func TestResultStore_TerminalIsImmutable(t *testing.T) {
	rs, _ := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.InsertPending(ctx, TaskRecord{ID: "t2"}))
	result := `42`
	require.NoError(t, rs.MarkSuccess(ctx, "t2", &result, time.Now().UTC()))

	// Revoking or failing a finished task must not clobber the result.
	require.NoError(t, rs.MarkRevoked(ctx, "t2", time.Now().UTC()))
	require.NoError(t, rs.MarkFailure(ctx, "t2", "boom", "", time.Now().UTC()))

	rec, err := rs.Get(ctx, "t2")
	require.NoError(t, err)
	require.Equal(t, StateSuccess, rec.State)
	require.Equal(t, result, *rec.ResultJSON)
	require.Nil(t, rec.ErrorMsg)
}

func TestResultStore_ExpiredLooksUnknown(t *testing.T) {
	rs, mr := newTestResultStore(t)
	ctx := context.Background()

	require.NoError(t, rs.InsertPending(ctx, TaskRecord{ID: "t3"}))
	_, err := rs.Get(ctx, "t3")
	require.NoError(t, err)

	mr.FastForward(2 * time.Hour)

	_, err = rs.Get(ctx, "t3")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = rs.Get(ctx, "never-submitted")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResultStore_RevokeFlag(t *testing.T) {
	rs, _ := newTestResultStore(t)
	ctx := context.Background()

	revoked, err := rs.IsRevoked(ctx, "t4")
	require.NoError(t, err)
	require.False(t, revoked)

	require.NoError(t, rs.Revoke(ctx, "t4"))
	revoked, err = rs.IsRevoked(ctx, "t4")
	require.NoError(t, err)
	require.True(t, revoked)
}

func TestPercentage(t *testing.T) {
	require.Equal(t, 0, Percentage(5, 0))
	require.Equal(t, 0, Percentage(0, 100))
	require.Equal(t, 33, Percentage(1, 3))
	require.Equal(t, 100, Percentage(100, 100))
}

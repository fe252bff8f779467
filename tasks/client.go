package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	"github.com/mohans/legalpipe/store"
)

// Enqueuer submits a named task with arguments and returns its id.
// Implemented by Submitter; handlers and the WebSocket layer depend on the
// interface so tests can capture dispatches.
type Enqueuer interface {
	Submit(ctx context.Context, taskType string, payload any, options ...asynq.Option) (string, error)
}

// SubmitterOptions carry the queue policy applied to every submission.
type SubmitterOptions struct {
	MaxRetries  int
	RetryDelay  time.Duration
	SoftTimeout time.Duration
	HardTimeout time.Duration
}

// Submitter wraps asynq.Client and the ResultStore to enqueue tasks and
// persist their PENDING records.
type Submitter struct {
	client  *asynq.Client
	results store.ResultStore
	opts    SubmitterOptions
}

func NewSubmitter(redisOpt asynq.RedisClientOpt, results store.ResultStore, opts SubmitterOptions) *Submitter {
	if opts.MaxRetries <= 0 {
		opts.MaxRetries = 3
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = 60 * time.Second
	}
	if opts.SoftTimeout <= 0 {
		opts.SoftTimeout = 300 * time.Second
	}
	if opts.HardTimeout <= 0 {
		opts.HardTimeout = 600 * time.Second
	}
	return &Submitter{
		client:  asynq.NewClient(redisOpt),
		results: results,
		opts:    opts,
	}
}

// RetryDelayFunc applies the fixed backoff between retry attempts. Wired
// into the asynq server config by the cmd binaries.
func (s *Submitter) RetryDelayFunc(int, error, *asynq.Task) time.Duration {
	return s.opts.RetryDelay
}

// Submit enqueues a task with type and arbitrary arguments (JSON encoded).
// The queue is chosen by the static route table; a PENDING record is written
// best-effort so status reads see the task before a worker claims it.
func (s *Submitter) Submit(ctx context.Context, taskType string, payload any, options ...asynq.Option) (string, error) {
	if s.client == nil {
		return "", fmt.Errorf("nil asynq client")
	}
	payloadBytes, err := json.Marshal(payload)
	if err != nil {
		return "", err
	}
	t := asynq.NewTask(taskType, payloadBytes)
	opts := []asynq.Option{
		asynq.Queue(QueueFor(taskType)),
		asynq.MaxRetry(s.opts.MaxRetries),
		asynq.Timeout(s.opts.SoftTimeout),
	}
	opts = append(opts, options...)
	info, err := s.client.EnqueueContext(ctx, t, opts...)
	if err != nil {
		return "", err
	}
	if s.results != nil {
		_ = s.results.InsertPending(ctx, store.TaskRecord{
			ID:          info.ID,
			Type:        taskType,
			Queue:       info.Queue,
			PayloadJSON: string(payloadBytes),
			State:       store.StatePending,
			CreatedAt:   time.Now().UTC(),
		})
	}
	return info.ID, nil
}

func (s *Submitter) Close() error {
	if s.client != nil {
		return s.client.Close()
	}
	return nil
}

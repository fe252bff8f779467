package store

import "time"

// State represents task lifecycle state recorded in Redis.
// Valid values: PENDING, RECEIVED, STARTED, PROGRESS, SUCCESS, FAILURE, REVOKED.
// Kept as string for readability on the wire and flexibility.
type State string

const (
	StatePending  State = "PENDING"
	StateReceived State = "RECEIVED"
	StateStarted  State = "STARTED"
	StateProgress State = "PROGRESS"
	StateSuccess  State = "SUCCESS"
	StateFailure  State = "FAILURE"
	StateRevoked  State = "REVOKED"
)

func (s State) Valid() bool {
	switch s {
	case StatePending, StateReceived, StateStarted, StateProgress,
		StateSuccess, StateFailure, StateRevoked:
		return true
	default:
		return false
	}
}

// Terminal reports whether the state admits no further transitions. A
// terminal record is immutable until its TTL deletes it.
func (s State) Terminal() bool {
	return s == StateSuccess || s == StateFailure || s == StateRevoked
}

// Snapshot is the single latest progress report for a task. No history is
// kept; each checkpoint overwrites the previous one.
type Snapshot struct {
	TaskID     string    `json:"task_id"`
	Current    int       `json:"current"`
	Total      int       `json:"total"`
	Percentage int       `json:"percentage"`
	Message    string    `json:"message"`
	Timestamp  time.Time `json:"timestamp"`
}

// Percentage computes current/total*100 rounded down, 0 when total is 0.
func Percentage(current, total int) int {
	if total <= 0 {
		return 0
	}
	return current * 100 / total
}

// TaskRecord is the persisted representation of a task lifecycle.
type TaskRecord struct {
	ID          string     `json:"id"`
	Type        string     `json:"type"`
	Queue       string     `json:"queue"`
	PayloadJSON string     `json:"payload_json"`
	State       State      `json:"state"`
	Progress    *Snapshot  `json:"progress,omitempty"`
	ResultJSON  *string    `json:"result_json,omitempty"`
	ErrorMsg    *string    `json:"error_msg,omitempty"`
	Traceback   *string    `json:"traceback,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

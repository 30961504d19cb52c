package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Queue names. One list per job family; partitioning by org happens in
// the payload, not the key, so a single worker pool drains everything.
const (
	DialQueue       = "va:queue:dial"
	WatchdogQueue   = "va:delay:watchdog"
	TimeoutQueue    = "va:queue:timeout"
	DeadLetterQueue = "va:queue:dead"

	replyKeyPrefix = "va:reply:"
)

var (
	ErrEmpty = errors.New("queue: empty")
	// ErrUnavailable means the backing store is unreachable; callers with
	// an in-process fallback switch to it on this error.
	ErrUnavailable = errors.New("queue: unavailable")
)

// Job is the envelope every queued message travels in. Payload stays
// opaque to the queue; workers decode it by Type.
type Job struct {
	ID         string          `json:"id"`
	Type       string          `json:"type"`
	Attempt    int             `json:"attempt"`
	MaxAttempt int             `json:"max_attempt"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	Payload    json.RawMessage `json:"payload"`

	// ReplyTo, when set, names the reply channel a blocked caller is
	// waiting on. Workers publish the terminal result there.
	ReplyTo string `json:"reply_to,omitempty"`
}

func NewJob(jobType string, payload any) (Job, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return Job{}, err
	}
	return Job{
		ID:         uuid.NewString(),
		Type:       jobType,
		Attempt:    1,
		EnqueuedAt: time.Now().UTC(),
		Payload:    raw,
	}, nil
}

// Queue is a FIFO job queue.
type Queue interface {
	Push(ctx context.Context, queueName string, job Job) error
	// Pop returns up to batchSize jobs, or an empty slice when the queue
	// has none. It never blocks.
	Pop(ctx context.Context, queueName string, batchSize int) ([]Job, error)
}

// DelayQueue holds jobs until their due time.
type DelayQueue interface {
	PushWithDelay(ctx context.Context, queueName string, delay time.Duration, job Job) error
	// PopDue atomically removes and returns every job whose due time has
	// passed.
	PopDue(ctx context.Context, queueName string) ([]Job, error)
}

// Replier carries one terminal result back to a caller blocked on
// Job.ReplyTo.
type Replier interface {
	Reply(ctx context.Context, replyTo string, result []byte) error
	// AwaitReply blocks until a result arrives or ctx expires.
	AwaitReply(ctx context.Context, replyTo string, timeout time.Duration) ([]byte, error)
}

// NewReplyChannel mints a reply channel name for an awaited job.
func NewReplyChannel() string {
	return replyKeyPrefix + uuid.NewString()
}

func encodeJob(job Job) ([]byte, error) {
	return json.Marshal(job)
}

func decodeJob(raw []byte) (Job, error) {
	var job Job
	if err := json.Unmarshal(raw, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

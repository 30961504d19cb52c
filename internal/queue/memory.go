package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryQueue is an in-process Queue/DelayQueue/Replier for tests and
// for running without redis.
type MemoryQueue struct {
	mu      sync.Mutex
	lists   map[string][]Job
	delayed map[string][]delayedJob
	replies map[string]chan []byte
	clock   func() time.Time
}

type delayedJob struct {
	due time.Time
	job Job
}

var (
	_ Queue      = (*MemoryQueue)(nil)
	_ DelayQueue = (*MemoryQueue)(nil)
	_ Replier    = (*MemoryQueue)(nil)
)

func NewMemoryQueue() *MemoryQueue {
	return &MemoryQueue{
		lists:   make(map[string][]Job),
		delayed: make(map[string][]delayedJob),
		replies: make(map[string]chan []byte),
		clock:   time.Now,
	}
}

func (q *MemoryQueue) SetClock(clock func() time.Time) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.clock = clock
}

func (q *MemoryQueue) Push(ctx context.Context, queueName string, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.lists[queueName] = append(q.lists[queueName], job)
	return nil
}

func (q *MemoryQueue) Pop(ctx context.Context, queueName string, batchSize int) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	list := q.lists[queueName]
	if len(list) == 0 {
		return nil, nil
	}
	n := batchSize
	if n > len(list) {
		n = len(list)
	}
	out := make([]Job, n)
	copy(out, list[:n])
	q.lists[queueName] = list[n:]
	return out, nil
}

func (q *MemoryQueue) PushWithDelay(ctx context.Context, queueName string, delay time.Duration, job Job) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.delayed[queueName] = append(q.delayed[queueName], delayedJob{
		due: q.clock().Add(delay),
		job: job,
	})
	return nil
}

func (q *MemoryQueue) PopDue(ctx context.Context, queueName string) ([]Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.clock()
	var due []Job
	var rest []delayedJob
	for _, d := range q.delayed[queueName] {
		if !d.due.After(now) {
			due = append(due, d.job)
		} else {
			rest = append(rest, d)
		}
	}
	q.delayed[queueName] = rest
	return due, nil
}

func (q *MemoryQueue) Reply(ctx context.Context, replyTo string, result []byte) error {
	if replyTo == "" {
		return nil
	}
	ch := q.replyChan(replyTo)
	select {
	case ch <- result:
	default:
	}
	return nil
}

func (q *MemoryQueue) AwaitReply(ctx context.Context, replyTo string, timeout time.Duration) ([]byte, error) {
	ch := q.replyChan(replyTo)
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case res := <-ch:
		return res, nil
	case <-timer.C:
		return nil, context.DeadlineExceeded
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (q *MemoryQueue) replyChan(replyTo string) chan []byte {
	q.mu.Lock()
	defer q.mu.Unlock()
	ch, ok := q.replies[replyTo]
	if !ok {
		ch = make(chan []byte, 1)
		q.replies[replyTo] = ch
	}
	return ch
}

// Len reports the number of jobs waiting on a queue (test helper).
func (q *MemoryQueue) Len(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.lists[queueName])
}

// DelayedLen reports the number of not-yet-due jobs (test helper).
func (q *MemoryQueue) DelayedLen(queueName string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.delayed[queueName])
}

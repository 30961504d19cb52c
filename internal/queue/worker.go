package queue

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one job. A returned error marks the attempt failed;
// the pool retries with backoff until MaxAttempts, then dead-letters.
type Handler func(ctx context.Context, job Job) error

// PoolConfig tunes a worker pool.
type PoolConfig struct {
	QueueName string
	Workers   int
	BatchSize int
	// PollInterval is the sleep between empty polls.
	PollInterval time.Duration
	MaxAttempts  int
	BackoffBase  time.Duration
}

func (c PoolConfig) withDefaults() PoolConfig {
	out := c
	if out.Workers <= 0 {
		out.Workers = 5
	}
	if out.BatchSize <= 0 {
		out.BatchSize = out.Workers
	}
	if out.PollInterval <= 0 {
		out.PollInterval = 200 * time.Millisecond
	}
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 3
	}
	if out.BackoffBase <= 0 {
		out.BackoffBase = 2 * time.Second
	}
	return out
}

// Pool drains one queue with a fixed number of workers. One poller
// fetches batches and fans them out; retries go through the delay queue
// so a failing job never hot-loops.
type Pool struct {
	cfg     PoolConfig
	queue   Queue
	delayed DelayQueue
	handler Handler
	log     *slog.Logger

	jobs chan Job
	wg   sync.WaitGroup
}

func NewPool(cfg PoolConfig, q Queue, dq DelayQueue, handler Handler, log *slog.Logger) *Pool {
	cfg = cfg.withDefaults()
	return &Pool{
		cfg:     cfg,
		queue:   q,
		delayed: dq,
		handler: handler,
		log:     log,
		jobs:    make(chan Job),
	}
}

// Run blocks until ctx is cancelled, then waits for in-flight jobs.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.cfg.Workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx)
	}
	p.poll(ctx)
	close(p.jobs)
	p.wg.Wait()
}

func (p *Pool) poll(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		jobs, err := p.queue.Pop(ctx, p.cfg.QueueName, p.cfg.BatchSize)
		if err != nil {
			p.log.Error("poll failed", "queue", p.cfg.QueueName, "error", err)
			continue
		}
		for i, job := range jobs {
			select {
			case p.jobs <- job:
			case <-ctx.Done():
				// Shutting down with jobs in hand: put back only the
				// undelivered remainder. Jobs already handed to workers
				// finish there; requeuing those too would run them twice.
				for _, j := range jobs[i:] {
					_ = p.queue.Push(context.Background(), p.cfg.QueueName, j)
				}
				return
			}
		}
	}
}

func (p *Pool) worker(ctx context.Context) {
	defer p.wg.Done()
	for job := range p.jobs {
		p.handle(ctx, job)
	}
}

func (p *Pool) handle(ctx context.Context, job Job) {
	err := p.handler(ctx, job)
	if err == nil {
		return
	}

	maxAttempts := job.MaxAttempt
	if maxAttempts <= 0 {
		maxAttempts = p.cfg.MaxAttempts
	}
	if job.Attempt >= maxAttempts {
		p.log.Error("job exhausted retries, dead-lettering",
			"queue", p.cfg.QueueName, "job_id", job.ID, "type", job.Type,
			"attempt", job.Attempt, "error", err)
		_ = p.queue.Push(ctx, DeadLetterQueue, job)
		return
	}

	backoff := p.cfg.BackoffBase << (job.Attempt - 1)
	job.Attempt++
	p.log.Warn("job failed, retrying",
		"queue", p.cfg.QueueName, "job_id", job.ID, "type", job.Type,
		"attempt", job.Attempt, "backoff", backoff, "error", err)
	if rerr := p.delayed.PushWithDelay(ctx, delayName(p.cfg.QueueName), backoff, job); rerr != nil {
		p.log.Error("retry enqueue failed, dead-lettering", "job_id", job.ID, "error", rerr)
		_ = p.queue.Push(ctx, DeadLetterQueue, job)
	}
}

// DelayPump moves due jobs from a delay queue onto a FIFO queue so the
// same pool drains fresh and retried jobs alike.
type DelayPump struct {
	From     string
	To       string
	Interval time.Duration

	Delayed DelayQueue
	Queue   Queue
	Log     *slog.Logger
}

func (p *DelayPump) Run(ctx context.Context) {
	interval := p.Interval
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		due, err := p.Delayed.PopDue(ctx, p.From)
		if err != nil {
			p.Log.Error("delay pump pop failed", "queue", p.From, "error", err)
			continue
		}
		for _, job := range due {
			if err := p.Queue.Push(ctx, p.To, job); err != nil {
				p.Log.Error("delay pump push failed", "queue", p.To, "job_id", job.ID, "error", err)
				// Put it back with no delay rather than lose it.
				_ = p.Delayed.PushWithDelay(ctx, p.From, 0, job)
			}
		}
	}
}

func delayName(queueName string) string { return queueName + ":retry" }

// RetryPump wires a pool's retry delay queue back to its main queue.
func RetryPump(cfg PoolConfig, q Queue, dq DelayQueue, log *slog.Logger) *DelayPump {
	return &DelayPump{
		From:     delayName(cfg.QueueName),
		To:       cfg.QueueName,
		Interval: cfg.PollInterval,
		Delayed:  dq,
		Queue:    q,
		Log:      log,
	}
}

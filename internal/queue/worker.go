package queue

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
)

// Handler processes one job. Returning an error sends the job through
// the retry/backoff policy; non-retryable errors dead-letter it
// immediately. Handlers must tolerate re-execution.
type Handler func(ctx context.Context, job *Job) error

// RetryDecider lets the runtime distinguish permanent failures from
// transient ones without depending on the error package of its callers.
type RetryDecider func(err error) bool

// QueueConfig bounds one queue's workers
type QueueConfig struct {
	Name        string
	Concurrency int
	RateLimit   int           // max jobs per window, 0 = unlimited
	RateWindow  time.Duration // required when RateLimit > 0
	MaxAttempts int           // 0 means the queue default
}

type registration struct {
	cfg     QueueConfig
	handler Handler
}

// Runtime owns every worker goroutine for the process. It is built at
// startup and torn down by cancelling the context passed to Start; no
// package-level registry exists.
type Runtime struct {
	queue     *Queue
	rdb       *redis.Client
	retryable RetryDecider

	mu            sync.Mutex
	registrations []registration
	wg            sync.WaitGroup
}

func NewRuntime(q *Queue, rdb *redis.Client, retryable RetryDecider) *Runtime {
	if retryable == nil {
		retryable = func(error) bool { return true }
	}
	return &Runtime{queue: q, rdb: rdb, retryable: retryable}
}

// Register adds a queue and its handler. Must be called before Start.
func (r *Runtime) Register(cfg QueueConfig, h Handler) {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.registrations = append(r.registrations, registration{cfg: cfg, handler: h})
}

// Start launches promoter and worker goroutines for every registered
// queue. It returns immediately; workers stop when ctx is cancelled.
func (r *Runtime) Start(ctx context.Context) {
	r.mu.Lock()
	regs := make([]registration, len(r.registrations))
	copy(regs, r.registrations)
	r.mu.Unlock()

	for _, reg := range regs {
		reg := reg

		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			r.promoteLoop(ctx, reg.cfg.Name)
		}()

		for i := 0; i < reg.cfg.Concurrency; i++ {
			r.wg.Add(1)
			go func(slot int) {
				defer r.wg.Done()
				r.workLoop(ctx, reg, slot)
			}(i)
		}

		log.Printf("[QUEUE] %s: %d worker(s) started", reg.cfg.Name, reg.cfg.Concurrency)
	}
}

// Wait blocks until every worker goroutine has exited
func (r *Runtime) Wait() {
	r.wg.Wait()
}

func (r *Runtime) promoteLoop(ctx context.Context, queueName string) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := r.queue.PromoteDelayed(ctx, queueName); err != nil && ctx.Err() == nil {
				log.Printf("[QUEUE] %s: promote delayed failed: %v", queueName, err)
			}
			n, err := r.queue.ReclaimOrphans(ctx, queueName)
			if err != nil && ctx.Err() == nil {
				log.Printf("[QUEUE] %s: reclaim orphans failed: %v", queueName, err)
			}
			if n > 0 {
				log.Printf("[QUEUE] %s: reclaimed %d orphaned job(s)", queueName, n)
			}
		}
	}
}

func (r *Runtime) workLoop(ctx context.Context, reg registration, slot int) {
	for {
		if ctx.Err() != nil {
			return
		}

		job, err := r.queue.Dequeue(ctx, reg.cfg.Name, 2*time.Second)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Printf("[QUEUE] %s: dequeue failed: %v", reg.cfg.Name, err)
			sleepCtx(ctx, time.Second)
			continue
		}
		if job == nil {
			continue
		}

		// The rate token is charged only for a job about to run; empty
		// polls never touch the window budget.
		if reg.cfg.RateLimit > 0 {
			ok, wait, err := r.allow(ctx, reg.cfg)
			if err != nil {
				log.Printf("[QUEUE] %s: rate limiter error: %v", reg.cfg.Name, err)
				r.redeliver(reg.cfg.Name, job, time.Second)
				sleepCtx(ctx, time.Second)
				continue
			}
			if !ok {
				r.redeliver(reg.cfg.Name, job, wait)
				sleepCtx(ctx, wait)
				continue
			}
		}

		r.runJob(ctx, reg, job, slot)
	}
}

func (r *Runtime) runJob(ctx context.Context, reg registration, job *Job, slot int) {
	defer func() {
		if rec := recover(); rec != nil {
			err := fmt.Errorf("panic: %v", rec)
			log.Printf("[QUEUE] %s: job %s panicked: %v", reg.cfg.Name, job.ID, rec)
			if rerr := r.queue.Retry(context.Background(), job, err); rerr != nil {
				log.Printf("[QUEUE] %s: failed to retry job %s: %v", reg.cfg.Name, job.ID, rerr)
			}
		}
	}()

	err := reg.handler(ctx, job)
	if err == nil {
		if aerr := r.queue.Ack(context.Background(), job); aerr != nil {
			log.Printf("[QUEUE] %s: failed to ack job %s: %v", reg.cfg.Name, job.ID, aerr)
		}
		return
	}

	log.Printf("[QUEUE] %s: job %s attempt %d failed: %v", reg.cfg.Name, job.ID, job.Attempts+1, err)

	// Retry and dead-letter writes use a background context so a
	// shutdown mid-failure does not drop the job.
	if !r.retryable(err) {
		if derr := r.queue.DeadLetter(context.Background(), job, err); derr != nil {
			log.Printf("[QUEUE] %s: failed to dead-letter job %s: %v", reg.cfg.Name, job.ID, derr)
		}
		return
	}
	if rerr := r.queue.Retry(context.Background(), job, err); rerr != nil {
		log.Printf("[QUEUE] %s: failed to retry job %s: %v", reg.cfg.Name, job.ID, rerr)
	}
}

// redeliver sends a popped-but-undispatched job back without charging an
// attempt. Background context so a shutdown mid-redelivery does not
// drop the job.
func (r *Runtime) redeliver(queueName string, job *Job, delay time.Duration) {
	if err := r.queue.Redeliver(context.Background(), job, delay); err != nil {
		log.Printf("[QUEUE] %s: failed to redeliver job %s: %v", queueName, job.ID, err)
	}
}

// allow consumes one slot of the queue's rate window. When the window is
// exhausted it reports how long to wait before asking again.
func (r *Runtime) allow(ctx context.Context, cfg QueueConfig) (bool, time.Duration, error) {
	window := cfg.RateWindow
	windowStart := time.Now().Truncate(window)
	key := fmt.Sprintf("jobs:%s:rl:%d", cfg.Name, windowStart.Unix())

	count, err := r.rdb.Incr(ctx, key).Result()
	if err != nil {
		return false, 0, err
	}
	if count == 1 {
		r.rdb.Expire(ctx, key, window+time.Second)
	}
	if count > int64(cfg.RateLimit) {
		wait := time.Until(windowStart.Add(window))
		if wait <= 0 {
			wait = 100 * time.Millisecond
		}
		return false, wait, nil
	}
	return true, 0, nil
}

func sleepCtx(ctx context.Context, d time.Duration) {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

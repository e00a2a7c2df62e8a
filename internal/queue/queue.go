package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/spf13/viper"
)

// Job is the unit of work moved through Redis. A job lives on exactly
// one of the ready/high/delayed/dead structures at a time; while a
// worker runs it, the raw entry sits on the processing list under a
// lease. Delivery is at-least-once: a crashed worker's lease expires
// and ReclaimOrphans returns the entry to the ready list, so handlers
// must be idempotent.
type Job struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Payload     json.RawMessage `json:"payload"`
	Attempts    int             `json:"attempts"`
	MaxAttempts int             `json:"max_attempts"`
	LastError   string          `json:"last_error,omitempty"`
	EnqueuedAt  time.Time       `json:"enqueued_at"`
	FailedAt    *time.Time      `json:"failed_at,omitempty"`

	// raw is the entry exactly as it sits on the processing list,
	// needed to LRem it on ack. Empty for jobs never dequeued.
	raw string
}

// Options control placement of an enqueued job
type Options struct {
	Delay       time.Duration
	Priority    bool // high-priority jobs are popped before ready jobs
	MaxAttempts int  // 0 means the queue default
}

// Queue is a durable Redis-backed job queue. Redis holds only
// coordination state; losing it loses scheduling, never money data.
type Queue struct {
	rdb         *redis.Client
	retryBase   time.Duration
	retryCap    time.Duration
	maxAttempts int
	lease       time.Duration
}

func New(rdb *redis.Client) *Queue {
	return &Queue{
		rdb:         rdb,
		retryBase:   time.Duration(viper.GetInt("queue.retry_base_ms")) * time.Millisecond,
		retryCap:    time.Duration(viper.GetInt("queue.retry_cap_ms")) * time.Millisecond,
		maxAttempts: viper.GetInt("queue.max_attempts"),
		lease:       time.Duration(viper.GetInt("queue.lease_seconds")) * time.Second,
	}
}

func readyKey(name string) string      { return "jobs:" + name + ":ready" }
func highKey(name string) string       { return "jobs:" + name + ":high" }
func delayedKey(name string) string    { return "jobs:" + name + ":delayed" }
func deadKey(name string) string       { return "jobs:" + name + ":dead" }
func processingKey(name string) string { return "jobs:" + name + ":processing" }
func leaseKey(name, id string) string  { return "jobs:" + name + ":lease:" + id }

// Enqueue places a job and returns its id immediately
func (q *Queue) Enqueue(ctx context.Context, queueName string, payload any, opts *Options) (string, error) {
	if opts == nil {
		opts = &Options{}
	}

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal payload: %w", err)
	}

	maxAttempts := opts.MaxAttempts
	if maxAttempts == 0 {
		maxAttempts = q.maxAttempts
	}

	job := Job{
		ID:          uuid.New().String(),
		Queue:       queueName,
		Payload:     data,
		MaxAttempts: maxAttempts,
		EnqueuedAt:  time.Now().UTC(),
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("marshal job: %w", err)
	}

	if opts.Delay > 0 {
		score := float64(time.Now().Add(opts.Delay).UnixMilli())
		err = q.rdb.ZAdd(ctx, delayedKey(queueName), &redis.Z{Score: score, Member: string(raw)}).Err()
	} else if opts.Priority {
		err = q.rdb.LPush(ctx, highKey(queueName), string(raw)).Err()
	} else {
		err = q.rdb.LPush(ctx, readyKey(queueName), string(raw)).Err()
	}
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", queueName, err)
	}

	return job.ID, nil
}

// PromoteDelayed moves due delayed jobs onto the ready list
func (q *Queue) PromoteDelayed(ctx context.Context, queueName string) (int, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	members, err := q.rdb.ZRangeByScore(ctx, delayedKey(queueName), &redis.ZRangeBy{
		Min: "-inf",
		Max: now,
	}).Result()
	if err != nil {
		return 0, err
	}

	moved := 0
	for _, m := range members {
		// ZRem before push: a job observed by two promoters is moved once
		removed, err := q.rdb.ZRem(ctx, delayedKey(queueName), m).Result()
		if err != nil {
			return moved, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey(queueName), m).Err(); err != nil {
			return moved, err
		}
		moved++
	}
	return moved, nil
}

// Dequeue moves one job onto the processing list and leases it,
// preferring the high-priority list. The in-flight copy stays in Redis
// until Ack, so a worker crash mid-handler leaves the entry for
// ReclaimOrphans to recover. A block on the ready list delays a
// high-priority arrival by at most timeout. Returns nil when nothing
// arrived.
func (q *Queue) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (*Job, error) {
	raw, err := q.rdb.RPopLPush(ctx, highKey(queueName), processingKey(queueName)).Result()
	if err == redis.Nil {
		raw, err = q.rdb.BRPopLPush(ctx, readyKey(queueName), processingKey(queueName), timeout).Result()
	}
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		// A poison entry would otherwise cycle through processing forever
		q.rdb.LRem(ctx, processingKey(queueName), 1, raw)
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	job.raw = raw

	if err := q.rdb.Set(ctx, leaseKey(queueName, job.ID), 1, q.lease).Err(); err != nil {
		return nil, err
	}
	return &job, nil
}

// Ack drops a job's in-flight copy once its outcome is durable
// elsewhere: handled, retried, or dead-lettered.
func (q *Queue) Ack(ctx context.Context, job *Job) error {
	if job.raw == "" {
		return nil
	}
	if err := q.rdb.LRem(ctx, processingKey(job.Queue), 1, job.raw).Err(); err != nil {
		return err
	}
	return q.rdb.Del(ctx, leaseKey(job.Queue, job.ID)).Err()
}

// ReclaimOrphans returns processing entries whose lease is gone to the
// ready list. A lease disappears only when its worker died or the job
// overran the lease window; either way the job must run again.
func (q *Queue) ReclaimOrphans(ctx context.Context, queueName string) (int, error) {
	raws, err := q.rdb.LRange(ctx, processingKey(queueName), 0, -1).Result()
	if err != nil {
		return 0, err
	}

	reclaimed := 0
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		held, err := q.rdb.Exists(ctx, leaseKey(queueName, job.ID)).Result()
		if err != nil {
			return reclaimed, err
		}
		if held > 0 {
			continue
		}
		// LRem before push: an orphan observed by two promoters moves once
		removed, err := q.rdb.LRem(ctx, processingKey(queueName), 1, raw).Result()
		if err != nil {
			return reclaimed, err
		}
		if removed == 0 {
			continue
		}
		if err := q.rdb.LPush(ctx, readyKey(queueName), raw).Err(); err != nil {
			return reclaimed, err
		}
		reclaimed++
	}
	return reclaimed, nil
}

// Backoff returns the retry delay for the given completed attempt count:
// base * 2^attempt, capped.
func (q *Queue) Backoff(attempt int) time.Duration {
	d := q.retryBase
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= q.retryCap {
			return q.retryCap
		}
	}
	if d > q.retryCap {
		return q.retryCap
	}
	return d
}

// Retry re-schedules a failed job with exponential backoff, or
// dead-letters it once the attempt limit is reached.
func (q *Queue) Retry(ctx context.Context, job *Job, cause error) error {
	job.Attempts++
	job.LastError = cause.Error()

	if job.Attempts >= job.MaxAttempts {
		return q.DeadLetter(ctx, job, cause)
	}

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	score := float64(time.Now().Add(q.Backoff(job.Attempts)).UnixMilli())
	if err := q.rdb.ZAdd(ctx, delayedKey(job.Queue), &redis.Z{Score: score, Member: string(raw)}).Err(); err != nil {
		return err
	}
	// The retry copy is durable; only now drop the in-flight one
	return q.Ack(ctx, job)
}

// Redeliver returns an undispatched job to the delayed set without
// charging an attempt; used when the rate window closed after the job
// was already popped.
func (q *Queue) Redeliver(ctx context.Context, job *Job, delay time.Duration) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	score := float64(time.Now().Add(delay).UnixMilli())
	if err := q.rdb.ZAdd(ctx, delayedKey(job.Queue), &redis.Z{Score: score, Member: string(raw)}).Err(); err != nil {
		return err
	}
	return q.Ack(ctx, job)
}

// DeadLetter retains a job for operator inspection; it is never retried
// automatically.
func (q *Queue) DeadLetter(ctx context.Context, job *Job, cause error) error {
	now := time.Now().UTC()
	job.FailedAt = &now
	job.LastError = cause.Error()

	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}
	if err := q.rdb.LPush(ctx, deadKey(job.Queue), string(raw)).Err(); err != nil {
		return err
	}
	return q.Ack(ctx, job)
}

// DeadLetters lists up to limit dead jobs for a queue, newest first
func (q *Queue) DeadLetters(ctx context.Context, queueName string, limit int64) ([]Job, error) {
	raws, err := q.rdb.LRange(ctx, deadKey(queueName), 0, limit-1).Result()
	if err != nil {
		return nil, err
	}

	jobs := make([]Job, 0, len(raws))
	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// RequeueDead moves one dead job back onto the ready list with a fresh
// attempt budget. Returns false when the job was not found.
func (q *Queue) RequeueDead(ctx context.Context, queueName, jobID string) (bool, error) {
	raws, err := q.rdb.LRange(ctx, deadKey(queueName), 0, -1).Result()
	if err != nil {
		return false, err
	}

	for _, raw := range raws {
		var job Job
		if err := json.Unmarshal([]byte(raw), &job); err != nil {
			continue
		}
		if job.ID != jobID {
			continue
		}

		if err := q.rdb.LRem(ctx, deadKey(queueName), 1, raw).Err(); err != nil {
			return false, err
		}

		job.Attempts = 0
		job.LastError = ""
		job.FailedAt = nil
		fresh, err := json.Marshal(job)
		if err != nil {
			return false, err
		}
		return true, q.rdb.LPush(ctx, readyKey(queueName), string(fresh)).Err()
	}
	return false, nil
}

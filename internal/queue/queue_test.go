package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/go-redis/redismock/v8"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
)

// anyArgs accepts any argument list; scores and zrange bounds carry
// live timestamps the test cannot pin down.
func anyArgs(expected, actual []interface{}) error { return nil }

func newTestQueue(t *testing.T) (*Queue, redismock.ClientMock) {
	viper.Set("queue.retry_base_ms", 2000)
	viper.Set("queue.retry_cap_ms", 300000)
	viper.Set("queue.max_attempts", 5)
	viper.Set("queue.lease_seconds", 60)

	rdb, mock := redismock.NewClientMock()
	return New(rdb), mock
}

func testJob(queueName string) Job {
	return Job{
		ID:          "11111111-2222-3333-4444-555555555555",
		Queue:       queueName,
		Payload:     json.RawMessage(`{"orderId":"order-1"}`),
		Attempts:    0,
		MaxAttempts: 5,
		EnqueuedAt:  time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestQueue_Enqueue(t *testing.T) {
	ctx := context.Background()

	t.Run("ready placement", func(t *testing.T) {
		q, mock := newTestQueue(t)

		mock.Regexp().ExpectLPush("jobs:sync:ready", `.*"queue":"sync".*`).SetVal(1)

		id, err := q.Enqueue(ctx, "sync", map[string]string{"k": "v"}, nil)
		assert.NoError(t, err)
		assert.NotEmpty(t, id)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("priority placement", func(t *testing.T) {
		q, mock := newTestQueue(t)

		mock.Regexp().ExpectLPush("jobs:sync:high", `.*"queue":"sync".*`).SetVal(1)

		_, err := q.Enqueue(ctx, "sync", map[string]string{"k": "v"}, &Options{Priority: true})
		assert.NoError(t, err)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unmarshalable payload", func(t *testing.T) {
		q, _ := newTestQueue(t)

		_, err := q.Enqueue(ctx, "sync", make(chan int), nil)
		assert.Error(t, err)
	})
}

func TestQueue_PromoteDelayed(t *testing.T) {
	ctx := context.Background()

	t.Run("due jobs move to ready", func(t *testing.T) {
		q, mock := newTestQueue(t)
		raw := `{"id":"a"}`

		mock.CustomMatch(anyArgs).
			ExpectZRangeByScore("jobs:sync:delayed", &redis.ZRangeBy{Min: "-inf"}).
			SetVal([]string{raw})
		mock.ExpectZRem("jobs:sync:delayed", raw).SetVal(1)
		mock.ExpectLPush("jobs:sync:ready", raw).SetVal(1)

		moved, err := q.PromoteDelayed(ctx, "sync")
		assert.NoError(t, err)
		assert.Equal(t, 1, moved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a job already promoted elsewhere is skipped", func(t *testing.T) {
		q, mock := newTestQueue(t)
		raw := `{"id":"a"}`

		mock.CustomMatch(anyArgs).
			ExpectZRangeByScore("jobs:sync:delayed", &redis.ZRangeBy{Min: "-inf"}).
			SetVal([]string{raw})
		mock.ExpectZRem("jobs:sync:delayed", raw).SetVal(0)

		moved, err := q.PromoteDelayed(ctx, "sync")
		assert.NoError(t, err)
		assert.Equal(t, 0, moved)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueue_Dequeue(t *testing.T) {
	ctx := context.Background()

	t.Run("pops the high list before ready", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		raw, err := json.Marshal(job)
		assert.NoError(t, err)

		mock.ExpectRPopLPush("jobs:sync:high", "jobs:sync:processing").SetVal(string(raw))
		mock.ExpectSet("jobs:sync:lease:"+job.ID, 1, 60*time.Second).SetVal("OK")

		got, err := q.Dequeue(ctx, "sync", 2*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.Equal(t, "sync", got.Queue)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("falls back to blocking on ready", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		raw, err := json.Marshal(job)
		assert.NoError(t, err)

		mock.ExpectRPopLPush("jobs:sync:high", "jobs:sync:processing").RedisNil()
		mock.ExpectBRPopLPush("jobs:sync:ready", "jobs:sync:processing", 2*time.Second).
			SetVal(string(raw))
		mock.ExpectSet("jobs:sync:lease:"+job.ID, 1, 60*time.Second).SetVal("OK")

		got, err := q.Dequeue(ctx, "sync", 2*time.Second)
		assert.NoError(t, err)
		assert.Equal(t, job.ID, got.ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("timeout yields nil job", func(t *testing.T) {
		q, mock := newTestQueue(t)

		mock.ExpectRPopLPush("jobs:sync:high", "jobs:sync:processing").RedisNil()
		mock.ExpectBRPopLPush("jobs:sync:ready", "jobs:sync:processing", 2*time.Second).RedisNil()

		got, err := q.Dequeue(ctx, "sync", 2*time.Second)
		assert.NoError(t, err)
		assert.Nil(t, got)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("the in-flight copy survives until ack", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		raw, err := json.Marshal(job)
		assert.NoError(t, err)

		mock.ExpectRPopLPush("jobs:sync:high", "jobs:sync:processing").SetVal(string(raw))
		mock.ExpectSet("jobs:sync:lease:"+job.ID, 1, 60*time.Second).SetVal("OK")
		// A crash here would leave the entry on processing for reclaim;
		// only the explicit ack removes it.
		mock.ExpectLRem("jobs:sync:processing", 1, string(raw)).SetVal(1)
		mock.ExpectDel("jobs:sync:lease:" + job.ID).SetVal(1)

		got, err := q.Dequeue(ctx, "sync", 2*time.Second)
		assert.NoError(t, err)
		assert.NoError(t, q.Ack(ctx, got))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueue_ReclaimOrphans(t *testing.T) {
	ctx := context.Background()

	t.Run("an expired lease returns the entry to ready", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		raw, _ := json.Marshal(job)

		mock.ExpectLRange("jobs:sync:processing", 0, -1).SetVal([]string{string(raw)})
		mock.ExpectExists("jobs:sync:lease:" + job.ID).SetVal(0)
		mock.ExpectLRem("jobs:sync:processing", 1, string(raw)).SetVal(1)
		mock.ExpectLPush("jobs:sync:ready", string(raw)).SetVal(1)

		reclaimed, err := q.ReclaimOrphans(ctx, "sync")
		assert.NoError(t, err)
		assert.Equal(t, 1, reclaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("a live lease is left in flight", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		raw, _ := json.Marshal(job)

		mock.ExpectLRange("jobs:sync:processing", 0, -1).SetVal([]string{string(raw)})
		mock.ExpectExists("jobs:sync:lease:" + job.ID).SetVal(1)

		reclaimed, err := q.ReclaimOrphans(ctx, "sync")
		assert.NoError(t, err)
		assert.Equal(t, 0, reclaimed)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueue_Backoff(t *testing.T) {
	q, _ := newTestQueue(t)

	assert.Equal(t, 2*time.Second, q.Backoff(0))
	assert.Equal(t, 4*time.Second, q.Backoff(1))
	assert.Equal(t, 8*time.Second, q.Backoff(2))
	assert.Equal(t, 64*time.Second, q.Backoff(5))
	// 2s * 2^10 > 300s cap
	assert.Equal(t, 300*time.Second, q.Backoff(10))
	assert.Equal(t, 300*time.Second, q.Backoff(100))
}

func TestQueue_Retry(t *testing.T) {
	ctx := context.Background()

	t.Run("schedules backoff then drops the in-flight copy", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		raw, _ := json.Marshal(job)
		job.raw = string(raw)

		mock.CustomMatch(anyArgs).ExpectZAdd("jobs:sync:delayed", &redis.Z{}).SetVal(1)
		mock.ExpectLRem("jobs:sync:processing", 1, string(raw)).SetVal(1)
		mock.ExpectDel("jobs:sync:lease:" + job.ID).SetVal(1)

		err := q.Retry(ctx, &job, assert.AnError)
		assert.NoError(t, err)
		assert.Equal(t, 1, job.Attempts)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueue_Redeliver(t *testing.T) {
	q, mock := newTestQueue(t)
	job := testJob("sync")
	raw, _ := json.Marshal(job)
	job.raw = string(raw)

	mock.CustomMatch(anyArgs).ExpectZAdd("jobs:sync:delayed", &redis.Z{}).SetVal(1)
	mock.ExpectLRem("jobs:sync:processing", 1, string(raw)).SetVal(1)
	mock.ExpectDel("jobs:sync:lease:" + job.ID).SetVal(1)

	err := q.Redeliver(context.Background(), &job, time.Minute)
	assert.NoError(t, err)
	// No attempt is charged for a job that never reached its handler
	assert.Equal(t, 0, job.Attempts)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestQueue_DeadLetter(t *testing.T) {
	ctx := context.Background()

	t.Run("exhausted retries dead-letter the job", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		job.Attempts = 4 // one retry left, this failure exhausts it
		raw, _ := json.Marshal(job)
		job.raw = string(raw)

		mock.Regexp().ExpectLPush("jobs:sync:dead", `.*"last_error".*`).SetVal(1)
		mock.ExpectLRem("jobs:sync:processing", 1, string(raw)).SetVal(1)
		mock.ExpectDel("jobs:sync:lease:" + job.ID).SetVal(1)

		err := q.Retry(ctx, &job, assert.AnError)
		assert.NoError(t, err)
		assert.Equal(t, 5, job.Attempts)
		assert.NotNil(t, job.FailedAt)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("listing skips malformed entries", func(t *testing.T) {
		q, mock := newTestQueue(t)
		job := testJob("sync")
		raw, _ := json.Marshal(job)

		mock.ExpectLRange("jobs:sync:dead", 0, 49).
			SetVal([]string{string(raw), "not-json"})

		dead, err := q.DeadLetters(ctx, "sync", 50)
		assert.NoError(t, err)
		assert.Len(t, dead, 1)
		assert.Equal(t, job.ID, dead[0].ID)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestQueue_RequeueDead(t *testing.T) {
	ctx := context.Background()

	t.Run("found job returns with a fresh attempt budget", func(t *testing.T) {
		q, mock := newTestQueue(t)

		job := testJob("sync")
		job.Attempts = 5
		job.LastError = "boom"
		failedAt := time.Date(2026, 8, 2, 9, 0, 0, 0, time.UTC)
		job.FailedAt = &failedAt
		raw, _ := json.Marshal(job)

		fresh := job
		fresh.Attempts = 0
		fresh.LastError = ""
		fresh.FailedAt = nil
		freshRaw, _ := json.Marshal(fresh)

		mock.ExpectLRange("jobs:sync:dead", 0, -1).SetVal([]string{string(raw)})
		mock.ExpectLRem("jobs:sync:dead", 1, string(raw)).SetVal(1)
		mock.ExpectLPush("jobs:sync:ready", string(freshRaw)).SetVal(1)

		found, err := q.RequeueDead(ctx, "sync", job.ID)
		assert.NoError(t, err)
		assert.True(t, found)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("unknown job id", func(t *testing.T) {
		q, mock := newTestQueue(t)
		raw, _ := json.Marshal(testJob("sync"))

		mock.ExpectLRange("jobs:sync:dead", 0, -1).SetVal([]string{string(raw)})

		found, err := q.RequeueDead(ctx, "sync", "no-such-id")
		assert.NoError(t, err)
		assert.False(t, found)
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/go-redis/redismock/v8"
	"github.com/stretchr/testify/assert"
)

func TestRuntime_Allow(t *testing.T) {
	ctx := context.Background()
	cfg := QueueConfig{Name: "sync", RateLimit: 2, RateWindow: time.Minute}

	t.Run("a free slot admits the job", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		r := NewRuntime(New(rdb), rdb, nil)

		mock.Regexp().ExpectIncr(`jobs:sync:rl:\d+`).SetVal(2)

		ok, _, err := r.allow(ctx, cfg)
		assert.NoError(t, err)
		assert.True(t, ok)
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("an exhausted window reports the wait", func(t *testing.T) {
		rdb, mock := redismock.NewClientMock()
		r := NewRuntime(New(rdb), rdb, nil)

		mock.Regexp().ExpectIncr(`jobs:sync:rl:\d+`).SetVal(3)

		ok, wait, err := r.allow(ctx, cfg)
		assert.NoError(t, err)
		assert.False(t, ok)
		assert.Greater(t, wait, time.Duration(0))
		assert.NoError(t, mock.ExpectationsWereMet())
	})
}

package queue

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func setupRedisQueue(t *testing.T) (*miniredis.Miniredis, *redis.Client, *RedisQueue) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	q, err := NewRedisQueue(context.Background(), client, RedisOptions{
		Stream: "test:shred",
		Group:  "test-group",
		Block:  50 * time.Millisecond,
	}, zap.NewNop())
	require.NoError(t, err)
	return mr, client, q
}

func TestRedisQueue_EnqueueReceiveAck(t *testing.T) {
	_, client, q := setupRedisQueue(t)
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{RowID: 42, Actor: "mobile"}))
	require.NoError(t, q.Enqueue(ctx, Task{RowID: 43}))

	tasks, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, int64(42), tasks[0].RowID)
	assert.Equal(t, "mobile", tasks[0].Actor)
	assert.NotEmpty(t, tasks[0].ID)
	assert.Equal(t, int64(43), tasks[1].RowID)

	for _, task := range tasks {
		require.NoError(t, q.Ack(ctx, task))
	}
	pending, err := client.XPending(ctx, "test:shred", "test-group").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(0), pending.Count)
}

func TestRedisQueue_ReceiveEmpty(t *testing.T) {
	_, _, q := setupRedisQueue(t)
	tasks, err := q.Receive(context.Background())
	require.NoError(t, err)
	assert.Empty(t, tasks)
}

func TestRedisQueue_GroupCreationIsIdempotent(t *testing.T) {
	_, client, _ := setupRedisQueue(t)
	_, err := NewRedisQueue(context.Background(), client, RedisOptions{Stream: "test:shred", Group: "test-group"}, zap.NewNop())
	assert.NoError(t, err)
}

func TestRedisQueue_DropsMalformedEntries(t *testing.T) {
	_, client, q := setupRedisQueue(t)
	ctx := context.Background()
	require.NoError(t, client.XAdd(ctx, &redis.XAddArgs{Stream: "test:shred", Values: map[string]interface{}{"row_id": "nope"}}).Err())
	require.NoError(t, q.Enqueue(ctx, Task{RowID: 7}))

	tasks, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)
	assert.Equal(t, int64(7), tasks[0].RowID)
}

func TestMemoryQueue_RoundTrip(t *testing.T) {
	q := NewMemoryQueue(4)
	q.poll = 20 * time.Millisecond
	ctx := context.Background()

	require.NoError(t, q.Enqueue(ctx, Task{RowID: 1}))
	require.NoError(t, q.Enqueue(ctx, Task{RowID: 2}))
	assert.Equal(t, 2, q.Len())

	tasks, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, int64(1), tasks[0].RowID)

	tasks, err = q.Receive(ctx)
	require.NoError(t, err)
	assert.Empty(t, tasks)

	require.NoError(t, q.Close())
	assert.ErrorIs(t, q.Enqueue(ctx, Task{RowID: 3}), ErrClosed)
	_, err = q.Receive(ctx)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestMemoryQueue_EnqueueNeverBlocks(t *testing.T) {
	q := NewMemoryQueue(1)
	ctx := context.Background()
	require.NoError(t, q.Enqueue(ctx, Task{RowID: 1}))

	start := time.Now()
	assert.ErrorIs(t, q.Enqueue(ctx, Task{RowID: 2}), ErrFull)
	assert.Less(t, time.Since(start), 100*time.Millisecond)

	cancelled, cancel := context.WithCancel(ctx)
	cancel()
	assert.ErrorIs(t, q.Enqueue(cancelled, Task{RowID: 3}), context.Canceled)
}

func TestMemoryQueue_SkipsRowsAlreadyQueued(t *testing.T) {
	q := NewMemoryQueue(4)
	q.poll = 20 * time.Millisecond
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		require.NoError(t, q.Enqueue(ctx, Task{RowID: 9}))
	}
	assert.Equal(t, 1, q.Len())

	tasks, err := q.Receive(ctx)
	require.NoError(t, err)
	require.Len(t, tasks, 1)

	// Once delivered, the row may be queued again.
	require.NoError(t, q.Enqueue(ctx, Task{RowID: 9}))
	assert.Equal(t, 1, q.Len())
}

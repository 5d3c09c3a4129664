package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"
)

// RedisOptions configures a Redis Streams backed queue.
type RedisOptions struct {
	Stream   string
	Group    string
	Consumer string
	Count    int64
	Block    time.Duration
}

// RedisQueue publishes tasks with XADD and consumes them through a consumer
// group, so restarts resume from the group's last delivered id.
type RedisQueue struct {
	client *redis.Client
	opts   RedisOptions
	logger *zap.Logger
}

// NewRedisQueue creates the consumer group (and the stream) if needed.
func NewRedisQueue(ctx context.Context, client *redis.Client, opts RedisOptions, logger *zap.Logger) (*RedisQueue, error) {
	if client == nil {
		return nil, errors.New("nil redis client")
	}
	if opts.Stream == "" {
		opts.Stream = "cohort:shred"
	}
	if opts.Group == "" {
		opts.Group = "cohort-shredder"
	}
	if opts.Consumer == "" {
		opts.Consumer = "shredder-1"
	}
	if opts.Count <= 0 {
		opts.Count = 16
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	q := &RedisQueue{client: client, opts: opts, logger: logger}
	if err := q.createGroup(ctx); err != nil {
		return nil, err
	}
	return q, nil
}

func (q *RedisQueue) createGroup(ctx context.Context) error {
	err := q.client.XGroupCreateMkStream(ctx, q.opts.Stream, q.opts.Group, "0").Err()
	if err != nil && !strings.HasPrefix(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("create consumer group %s on %s: %w", q.opts.Group, q.opts.Stream, err)
	}
	return nil
}

func (q *RedisQueue) Enqueue(ctx context.Context, t Task) error {
	values := map[string]interface{}{
		"row_id":    strconv.FormatInt(t.RowID, 10),
		"actor":     t.Actor,
		"timestamp": strconv.FormatInt(time.Now().Unix(), 10),
	}
	_, err := q.client.XAdd(ctx, &redis.XAddArgs{Stream: q.opts.Stream, Values: values}).Result()
	if err != nil {
		return fmt.Errorf("xadd %s: %w", q.opts.Stream, err)
	}
	return nil
}

func (q *RedisQueue) Receive(ctx context.Context) ([]Task, error) {
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.opts.Group,
		Consumer: q.opts.Consumer,
		Streams:  []string{q.opts.Stream, ">"},
		Count:    q.opts.Count,
		Block:    q.opts.Block,
	}).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xreadgroup %s: %w", q.opts.Stream, err)
	}
	var out []Task
	for _, s := range streams {
		for _, msg := range s.Messages {
			t, err := parseTask(msg)
			if err != nil {
				// Unparseable entries can never be processed; ack and drop them.
				q.logger.Warn("dropping malformed shred task",
					zap.String("stream", s.Stream),
					zap.String("message_id", msg.ID),
					zap.Error(err),
				)
				_ = q.client.XAck(ctx, q.opts.Stream, q.opts.Group, msg.ID).Err()
				continue
			}
			out = append(out, t)
		}
	}
	return out, nil
}

func parseTask(msg redis.XMessage) (Task, error) {
	raw, ok := msg.Values["row_id"]
	if !ok {
		return Task{}, errors.New("missing row_id")
	}
	s, ok := raw.(string)
	if !ok {
		return Task{}, fmt.Errorf("row_id has type %T", raw)
	}
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return Task{}, fmt.Errorf("row_id %q: %w", s, err)
	}
	actor, _ := msg.Values["actor"].(string)
	return Task{RowID: id, Actor: actor, ID: msg.ID}, nil
}

func (q *RedisQueue) Ack(ctx context.Context, t Task) error {
	if t.ID == "" {
		return nil
	}
	return q.client.XAck(ctx, q.opts.Stream, q.opts.Group, t.ID).Err()
}

// Close leaves the shared client open; its owner closes it.
func (q *RedisQueue) Close() error { return nil }

var _ Queue = (*RedisQueue)(nil)

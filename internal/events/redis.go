package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// DefaultStream is the Redis stream events are appended to.
const DefaultStream = "replybridge:events"

// RedisPublisher appends events to a capped Redis stream so other processes
// (dashboards, webhook relays) can consume them with XREAD/XREADGROUP.
type RedisPublisher struct {
	rdb    redis.Cmdable
	stream string
	maxLen int64
}

func NewRedisPublisher(rdb redis.Cmdable, stream string) *RedisPublisher {
	if stream == "" {
		stream = DefaultStream
	}
	return &RedisPublisher{rdb: rdb, stream: stream, maxLen: 10000}
}

// NewRedisClient parses a redis:// URL into a client.
func NewRedisClient(url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("invalid REDIS_URL: %w", err)
	}
	return redis.NewClient(opts), nil
}

func (p *RedisPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	err = p.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: map[string]interface{}{
			"type":  string(ev.Type),
			"event": string(payload),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("publish %s to stream %s: %w", ev.Type, p.stream, err)
	}
	return nil
}

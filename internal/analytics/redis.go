package analytics

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStreamSink appends events to a capped Redis stream.
type RedisStreamSink struct {
	client *redis.Client
	stream string
	maxLen int64
}

// NewRedisStreamSink creates a sink writing to stream, trimmed to roughly
// maxLen entries.
func NewRedisStreamSink(client *redis.Client, stream string, maxLen int64) *RedisStreamSink {
	if client == nil {
		panic("analytics: redis client cannot be nil")
	}
	return &RedisStreamSink{client: client, stream: stream, maxLen: maxLen}
}

// Send XADDs the event with its params as a JSON field.
func (s *RedisStreamSink) Send(ctx context.Context, e Event) error {
	params, err := json.Marshal(e.Params)
	if err != nil {
		return fmt.Errorf("failed to encode event params: %w", err)
	}

	err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"id":        e.ID,
			"name":      e.Name,
			"user_id":   e.UserID,
			"params":    string(params),
			"timestamp": e.Timestamp.UnixMilli(),
		},
	}).Err()
	if err != nil {
		return fmt.Errorf("failed to append event to stream %s: %w", s.stream, err)
	}
	return nil
}

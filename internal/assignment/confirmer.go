package assignment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"
)

// RedisConfirmer pushes confirmation batches onto a Redis list consumed by
// the backend.
type RedisConfirmer struct {
	client *redis.Client
	key    string
	userID func() string
}

// NewRedisConfirmer creates a confirmer writing to the list at key.
// userID tags each batch with the current user.
func NewRedisConfirmer(client *redis.Client, key string, userID func() string) *RedisConfirmer {
	if client == nil {
		panic("assignment: redis client cannot be nil")
	}
	if userID == nil {
		userID = func() string { return "" }
	}
	return &RedisConfirmer{client: client, key: key, userID: userID}
}

type confirmationBatch struct {
	UserID      string       `json:"user_id"`
	Assignments []Assignment `json:"assignments"`
}

// Confirm appends one JSON batch with RPUSH.
func (c *RedisConfirmer) Confirm(ctx context.Context, assignments []Assignment) error {
	payload, err := json.Marshal(confirmationBatch{UserID: c.userID(), Assignments: assignments})
	if err != nil {
		return fmt.Errorf("failed to encode confirmation batch: %w", err)
	}
	if err := c.client.RPush(ctx, c.key, payload).Err(); err != nil {
		return fmt.Errorf("failed to push confirmation batch: %w", err)
	}
	return nil
}

// LocalConfirmer accepts every batch. It stands in for the backend when no
// confirmation queue is configured.
type LocalConfirmer struct {
	logger *slog.Logger
}

// NewLocalConfirmer creates a confirmer that only logs.
func NewLocalConfirmer(logger *slog.Logger) *LocalConfirmer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalConfirmer{logger: logger}
}

// Confirm logs the batch and succeeds.
func (c *LocalConfirmer) Confirm(_ context.Context, assignments []Assignment) error {
	for _, a := range assignments {
		c.logger.Debug("assignment confirmed locally",
			slog.String("experiment_id", a.ExperimentID),
			slog.String("variant_id", a.VariantID),
		)
	}
	return nil
}

// Package events streams decision-log records to Redis so external
// auditors can follow agent sessions live. Publishing is best effort:
// the orchestrator never blocks a phase on the stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/aleemkirk/IESO-Power-Forecasting-Agent/internal/decisionlog"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const decisionStream = "ieso:agent:decisions"

// Bus publishes decision records to a Redis stream.
type Bus struct {
	rdb    *redis.Client
	logger *zap.Logger
}

// NewBus connects to Redis and verifies it is reachable.
func NewBus(redisURL string, logger *zap.Logger) (*Bus, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	rdb := redis.NewClient(opts)
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Bus{rdb: rdb, logger: logger}, nil
}

// PublishRecord appends a phase record to the decision stream.
func (b *Bus) PublishRecord(ctx context.Context, rec decisionlog.Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal record: %w", err)
	}
	_, err = b.rdb.XAdd(ctx, &redis.XAddArgs{
		Stream: decisionStream,
		Values: map[string]interface{}{
			"session_id": rec.SessionID,
			"phase":      rec.Phase,
			"data":       string(data),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish to %s: %w", decisionStream, err)
	}
	b.logger.Debug("published decision record",
		zap.String("session", rec.SessionID),
		zap.String("phase", rec.Phase))
	return nil
}

// Close releases the Redis connection.
func (b *Bus) Close() error {
	return b.rdb.Close()
}

package storage

import (
	"context"
	"fmt"

	"github.com/redis/go-redis/v9"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// RedisClient keeps the set of file ids whose deletion is in progress. A file
// in the set has possibly lost some chunks and must not be served.
type RedisClient struct {
	client *redis.Client
	key    string
}

// NewRedisClient initializes a new Redis client
func NewRedisClient(ctx context.Context, addr, password string, db int, pendingKey string) (*RedisClient, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to ping Redis: %w", err)
	}

	return &RedisClient{client: client, key: pendingKey}, nil
}

// Close closes the Redis connection
func (rc *RedisClient) Close() error {
	return rc.client.Close()
}

// MarkPending adds ids to the pending-deletion set.
func (rc *RedisClient) MarkPending(ctx context.Context, ids []string) error {
	ctx, span := tracer.Start(ctx, "redis.mark_pending",
		trace.WithAttributes(attribute.Int("file_count", len(ids))),
	)
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	if err := rc.client.SAdd(ctx, rc.key, stringArgs(ids)...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to mark pending: %w", err)
	}
	return nil
}

// ClearPending removes ids from the pending-deletion set.
func (rc *RedisClient) ClearPending(ctx context.Context, ids []string) error {
	ctx, span := tracer.Start(ctx, "redis.clear_pending",
		trace.WithAttributes(attribute.Int("file_count", len(ids))),
	)
	defer span.End()

	if len(ids) == 0 {
		return nil
	}
	if err := rc.client.SRem(ctx, rc.key, stringArgs(ids)...).Err(); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to clear pending: %w", err)
	}
	return nil
}

// Members returns every id in the pending-deletion set.
func (rc *RedisClient) Members(ctx context.Context) ([]string, error) {
	ctx, span := tracer.Start(ctx, "redis.pending_members")
	defer span.End()

	ids, err := rc.client.SMembers(ctx, rc.key).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to list pending: %w", err)
	}
	span.SetAttributes(attribute.Int("pending_count", len(ids)))
	return ids, nil
}

// Pending reports which of ids are in the pending-deletion set.
func (rc *RedisClient) Pending(ctx context.Context, ids []string) (map[string]bool, error) {
	ctx, span := tracer.Start(ctx, "redis.pending",
		trace.WithAttributes(attribute.Int("file_count", len(ids))),
	)
	defer span.End()

	pending := make(map[string]bool)
	if len(ids) == 0 {
		return pending, nil
	}
	flags, err := rc.client.SMIsMember(ctx, rc.key, stringArgs(ids)...).Result()
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to query pending: %w", err)
	}
	for i, isMember := range flags {
		if isMember {
			pending[ids[i]] = true
		}
	}
	span.SetAttributes(attribute.Int("pending_count", len(pending)))
	return pending, nil
}

package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const presencePrefix = "hookrelay:conn"

// RedisPresence mirrors registrations as JSON values with a TTL under
// hookrelay:conn:{webhookId}:{connectionId}. Heartbeats refresh the TTL.
type RedisPresence struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisPresence connects to Redis and verifies the connection.
func NewRedisPresence(addr, password string, db int, ttl time.Duration) (*RedisPresence, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connecting to Redis: %w", err)
	}

	if ttl <= 0 {
		ttl = 60 * time.Second
	}
	return &RedisPresence{client: client, ttl: ttl}, nil
}

func presenceKey(webhookID, connectionID string) string {
	return fmt.Sprintf("%s:%s:%s", presencePrefix, webhookID, connectionID)
}

func (p *RedisPresence) Put(ctx context.Context, reg Registration) error {
	data, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("marshaling registration: %w", err)
	}
	if err := p.client.Set(ctx, presenceKey(reg.WebhookID, reg.ConnectionID), data, p.ttl).Err(); err != nil {
		return fmt.Errorf("setting presence: %w", err)
	}
	return nil
}

// Touch extends the key's TTL. The stored lastSeen is not rewritten; the
// TTL alone carries liveness.
func (p *RedisPresence) Touch(ctx context.Context, webhookID, connectionID string) error {
	ok, err := p.client.Expire(ctx, presenceKey(webhookID, connectionID), p.ttl).Result()
	if err != nil {
		return fmt.Errorf("refreshing presence: %w", err)
	}
	if !ok {
		return ErrNotRegistered
	}
	return nil
}

func (p *RedisPresence) Remove(ctx context.Context, webhookID, connectionID string) error {
	if err := p.client.Del(ctx, presenceKey(webhookID, connectionID)).Err(); err != nil {
		return fmt.Errorf("deleting presence: %w", err)
	}
	return nil
}

// List scans every registration of a webhook across instances.
func (p *RedisPresence) List(ctx context.Context, webhookID string) ([]Registration, error) {
	pattern := fmt.Sprintf("%s:%s:*", presencePrefix, webhookID)
	var out []Registration

	var cursor uint64
	for {
		keys, next, err := p.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("scanning presence keys: %w", err)
		}

		for _, key := range keys {
			data, err := p.client.Get(ctx, key).Bytes()
			if errors.Is(err, redis.Nil) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("getting presence: %w", err)
			}

			var reg Registration
			if err := json.Unmarshal(data, &reg); err != nil {
				continue
			}
			out = append(out, reg)
		}

		cursor = next
		if cursor == 0 {
			break
		}
	}
	return out, nil
}

// Ping checks the Redis connection.
func (p *RedisPresence) Ping(ctx context.Context) error {
	return p.client.Ping(ctx).Err()
}

func (p *RedisPresence) Close() error {
	return p.client.Close()
}

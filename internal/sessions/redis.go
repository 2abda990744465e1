package sessions

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/traumfunke/storyflow/internal/wizard"
)

// DefaultSessionTTL is how long an untouched wizard session survives in Redis.
const DefaultSessionTTL = 40 * time.Minute

// RedisSessions stores wizard sessions as JSON values under wizard:session:<user>.
// Every save refreshes the TTL.
type RedisSessions struct {
	client *redis.Client
	ttl    time.Duration
}

var _ wizard.SessionStore = (*RedisSessions)(nil)

// NewRedisSessions connects to redisURL and verifies the connection.
func NewRedisSessions(ctx context.Context, redisURL string, ttl time.Duration) (*RedisSessions, error) {
	if redisURL == "" {
		return nil, fmt.Errorf("redis URL is required")
	}
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	slog.Info("RedisSessions: connected", "addr", opts.Addr, "db", opts.DB)
	return NewRedisSessionsWithClient(client, ttl), nil
}

// NewRedisSessionsWithClient wraps an existing client.
func NewRedisSessionsWithClient(client *redis.Client, ttl time.Duration) *RedisSessions {
	if ttl <= 0 {
		ttl = DefaultSessionTTL
	}
	return &RedisSessions{client: client, ttl: ttl}
}

func sessionKey(userID string) string {
	return "wizard:session:" + userID
}

func (r *RedisSessions) Load(ctx context.Context, userID string) (*wizard.Snapshot, error) {
	raw, err := r.client.Get(ctx, sessionKey(userID)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get session: %w", err)
	}
	var snap wizard.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		slog.Warn("RedisSessions.Load: discarding unreadable session", "error", err, "userID", userID)
		return nil, nil
	}
	snap.UserID = userID
	return &snap, nil
}

func (r *RedisSessions) Save(ctx context.Context, snap wizard.Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to marshal session: %w", err)
	}
	if err := r.client.Set(ctx, sessionKey(snap.UserID), data, r.ttl).Err(); err != nil {
		return fmt.Errorf("failed to set session: %w", err)
	}
	return nil
}

func (r *RedisSessions) Delete(ctx context.Context, userID string) error {
	if err := r.client.Del(ctx, sessionKey(userID)).Err(); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Close closes the underlying client.
func (r *RedisSessions) Close() error {
	return r.client.Close()
}

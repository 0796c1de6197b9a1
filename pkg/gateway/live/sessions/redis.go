package sessions

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisMirror keeps one hash per live session under <prefix>session:<id>,
// expiring after TTL unless refreshed. Nothing in it outlives the session by
// more than the TTL.
type RedisMirror struct {
	client   *redis.Client
	prefix   string
	instance string
	ttl      time.Duration
}

// ErrInvalidURL is returned by NewRedisMirror for a URL it cannot parse.
var ErrInvalidURL = errors.New("invalid redis url")

// RedisMirrorConfig configures NewRedisMirror.
type RedisMirrorConfig struct {
	URL       string
	KeyPrefix string
	// Instance identifies this gateway process in the published entries.
	Instance string
	TTL      time.Duration
}

// NewRedisMirror connects to the Redis at cfg.URL and verifies it responds.
func NewRedisMirror(ctx context.Context, cfg RedisMirrorConfig) (*RedisMirror, error) {
	opts, err := redis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidURL, err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return newRedisMirror(client, cfg), nil
}

func newRedisMirror(client *redis.Client, cfg RedisMirrorConfig) *RedisMirror {
	prefix := strings.TrimSpace(cfg.KeyPrefix)
	if prefix == "" {
		prefix = "vai-speech:"
	}
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = time.Minute
	}
	return &RedisMirror{client: client, prefix: prefix, instance: cfg.Instance, ttl: ttl}
}

func (m *RedisMirror) key(sessionID string) string {
	return m.prefix + "session:" + sessionID
}

// Put writes the session entry and resets its TTL.
func (m *RedisMirror) Put(ctx context.Context, info Info) error {
	key := m.key(info.ID)
	pipe := m.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"state":       string(info.State),
		"remote_addr": info.RemoteAddr,
		"instance":    m.instance,
		"started_at":  info.StartedAt.UTC().Format(time.RFC3339Nano),
		"updated_at":  info.UpdatedAt.UTC().Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, m.ttl)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("put session %s: %w", info.ID, err)
	}
	return nil
}

// Remove deletes the session entry.
func (m *RedisMirror) Remove(ctx context.Context, sessionID string) error {
	if err := m.client.Del(ctx, m.key(sessionID)).Err(); err != nil {
		return fmt.Errorf("remove session %s: %w", sessionID, err)
	}
	return nil
}

// Ping checks that Redis is reachable.
func (m *RedisMirror) Ping(ctx context.Context) error {
	return m.client.Ping(ctx).Err()
}

// Close releases the client.
func (m *RedisMirror) Close() error {
	return m.client.Close()
}

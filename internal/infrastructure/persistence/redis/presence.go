// Package redis implements the authority's classroom presence tracking
// and per-classroom delta sequence allocation.
//
// Key components:
//   - Client: connection configuration and lifecycle
//   - PresenceTracker: live classroom membership with TTL expiry
//   - sequence counters: strictly increasing per-classroom INCR
package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ══════════════════════════════════════════════════════════════════════════════
// CONFIGURATION
// ══════════════════════════════════════════════════════════════════════════════

// Config holds Redis connection configuration.
type Config struct {
	// Host is the Redis server hostname.
	Host string

	// Port is the Redis server port.
	Port int

	// Password is the Redis authentication password (empty if no auth).
	Password string

	// DB is the Redis database number (0-15).
	DB int

	// PoolSize is the maximum number of socket connections.
	PoolSize int

	// MinIdleConns is the minimum number of idle connections.
	MinIdleConns int

	// MaxRetries is the maximum number of retries before giving up.
	MaxRetries int

	// DialTimeout is the timeout for establishing new connections.
	DialTimeout time.Duration

	// ReadTimeout is the timeout for socket reads.
	ReadTimeout time.Duration

	// WriteTimeout is the timeout for socket writes.
	WriteTimeout time.Duration
}

// DefaultConfig returns a sensible default configuration.
func DefaultConfig() Config {
	return Config{
		Host:         "localhost",
		Port:         6379,
		DB:           0,
		PoolSize:     10,
		MinIdleConns: 2,
		MaxRetries:   3,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
	}
}

// Addr returns the Redis address in "host:port" format.
func (c Config) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewClient creates a Redis client and verifies the connection.
func NewClient(ctx context.Context, cfg Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr(),
		Password:     cfg.Password,
		DB:           cfg.DB,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
		MaxRetries:   cfg.MaxRetries,
		DialTimeout:  cfg.DialTimeout,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping: %w", err)
	}
	return client, nil
}

// NewClientFromURL creates a Redis client from a redis:// URL.
func NewClientFromURL(ctx context.Context, url string) (*redis.Client, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("redis: failed to parse URL: %w", err)
	}

	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis: failed to ping: %w", err)
	}
	return client, nil
}

// ══════════════════════════════════════════════════════════════════════════════
// PRESENCE TRACKER
// ══════════════════════════════════════════════════════════════════════════════

var (
	// ErrEmptyClassroomID is returned when the classroom ID is empty.
	ErrEmptyClassroomID = errors.New("presence: classroom ID cannot be empty")

	// ErrEmptyChildID is returned when the child ID is empty.
	ErrEmptyChildID = errors.New("presence: child ID cannot be empty")
)

// PresenceTracker implements authority.PresenceTracker on Redis.
//
// Each live participant is one key with a TTL; membership is the scan
// of the classroom's key prefix. TTL expiry gives presence timeout for
// free: a client that stops touching its key simply drops out of the
// Present listing.
type PresenceTracker struct {
	client *redis.Client
}

// NewPresenceTracker creates a presence tracker.
func NewPresenceTracker(client *redis.Client) *PresenceTracker {
	return &PresenceTracker{client: client}
}

func presenceKey(classroomID, childID string) string {
	return fmt.Sprintf("classroom:%s:presence:%s", classroomID, childID)
}

func presencePattern(classroomID string) string {
	return fmt.Sprintf("classroom:%s:presence:*", classroomID)
}

func sequenceKey(classroomID string) string {
	return fmt.Sprintf("classroom:%s:seq", classroomID)
}

// Touch marks the child live in the classroom for ttl.
func (t *PresenceTracker) Touch(ctx context.Context, classroomID, childID string, ttl time.Duration) error {
	if classroomID == "" {
		return ErrEmptyClassroomID
	}
	if childID == "" {
		return ErrEmptyChildID
	}

	err := t.client.Set(ctx, presenceKey(classroomID, childID),
		time.Now().UTC().Format(time.RFC3339), ttl).Err()
	if err != nil {
		return fmt.Errorf("presence: touch failed: %w", err)
	}
	return nil
}

// Remove drops the child from the classroom presence set.
func (t *PresenceTracker) Remove(ctx context.Context, classroomID, childID string) error {
	if classroomID == "" {
		return ErrEmptyClassroomID
	}
	if childID == "" {
		return ErrEmptyChildID
	}

	if err := t.client.Del(ctx, presenceKey(classroomID, childID)).Err(); err != nil {
		return fmt.Errorf("presence: remove failed: %w", err)
	}
	return nil
}

// Present lists the children currently live in the classroom.
func (t *PresenceTracker) Present(ctx context.Context, classroomID string) ([]string, error) {
	if classroomID == "" {
		return nil, ErrEmptyClassroomID
	}

	pattern := presencePattern(classroomID)
	prefix := presenceKey(classroomID, "")

	var (
		children []string
		cursor   uint64
	)
	for {
		keys, next, err := t.client.Scan(ctx, cursor, pattern, 100).Result()
		if err != nil {
			return nil, fmt.Errorf("presence: scan failed: %w", err)
		}
		for _, key := range keys {
			children = append(children, key[len(prefix):])
		}
		cursor = next
		if cursor == 0 {
			break
		}
	}
	return children, nil
}

// NextSequence allocates the next delta sequence number for the
// classroom. Redis INCR is atomic, so numbers are strictly increasing
// across every authority instance sharing the database.
func (t *PresenceTracker) NextSequence(ctx context.Context, classroomID string) (uint64, error) {
	if classroomID == "" {
		return 0, ErrEmptyClassroomID
	}

	n, err := t.client.Incr(ctx, sequenceKey(classroomID)).Result()
	if err != nil {
		return 0, fmt.Errorf("presence: sequence allocation failed: %w", err)
	}
	return uint64(n), nil
}

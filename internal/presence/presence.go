// ABOUTME: Presence tracking: a participant is online if seen within a TTL
// ABOUTME: Local uses the in-process dedupe cache; Redis shares presence across instances

package presence

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/2389/locus-dm/internal/dedupe"
)

// DefaultTTL is how long a participant stays online after their last request.
const DefaultTTL = 2 * time.Minute

// Tracker records participant activity.
type Tracker interface {
	Touch(ctx context.Context, participantID string) error
	IsOnline(ctx context.Context, participantID string) (bool, error)
	Close() error
}

// Local tracks presence in process memory.
type Local struct {
	cache *dedupe.Cache
}

// NewLocal creates a Local tracker remembering up to maxSize participants.
func NewLocal(ttl time.Duration, maxSize int, opts ...dedupe.Option) *Local {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if maxSize <= 0 {
		maxSize = 100_000
	}
	return &Local{cache: dedupe.New(ttl, maxSize, opts...)}
}

func (l *Local) Touch(ctx context.Context, participantID string) error {
	l.cache.Mark(participantID)
	return nil
}

func (l *Local) IsOnline(ctx context.Context, participantID string) (bool, error) {
	return l.cache.Check(participantID), nil
}

func (l *Local) Close() error {
	l.cache.Close()
	return nil
}

// Redis tracks presence as expiring keys so every instance sees the same state.
type Redis struct {
	client *redis.Client
	ttl    time.Duration
	prefix string
}

// RedisOptions configures the Redis connection.
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
}

// DialRedis connects to Redis and verifies the connection.
func DialRedis(ctx context.Context, opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis: ping: %w", err)
	}
	return client, nil
}

// NewRedis creates a Redis tracker. The tracker owns client and closes it on Close.
func NewRedis(client *redis.Client, ttl time.Duration) *Redis {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Redis{client: client, ttl: ttl, prefix: "locus-dm:presence:"}
}

func (r *Redis) key(participantID string) string {
	return r.prefix + participantID
}

func (r *Redis) Touch(ctx context.Context, participantID string) error {
	if err := r.client.Set(ctx, r.key(participantID), time.Now().UTC().Unix(), r.ttl).Err(); err != nil {
		return fmt.Errorf("redis: touch presence: %w", err)
	}
	return nil
}

func (r *Redis) IsOnline(ctx context.Context, participantID string) (bool, error) {
	n, err := r.client.Exists(ctx, r.key(participantID)).Result()
	if err != nil {
		return false, fmt.Errorf("redis: check presence: %w", err)
	}
	return n > 0, nil
}

func (r *Redis) Close() error {
	return r.client.Close()
}

var (
	_ Tracker = (*Local)(nil)
	_ Tracker = (*Redis)(nil)
)

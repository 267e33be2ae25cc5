package credentials

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

// RevocationChecker reports whether a session id has been revoked.
type RevocationChecker interface {
	IsRevoked(ctx context.Context, sessionID string) (bool, error)
}

// RedisRevocations keeps revoked session ids as keys with a TTL.
type RedisRevocations struct {
	Client *redis.Client
	Prefix string
}

func NewRedisRevocations(addr, prefix string) RedisRevocations {
	return RedisRevocations{
		Client: redis.NewClient(&redis.Options{Addr: addr}),
		Prefix: prefix,
	}
}

func (r RedisRevocations) IsRevoked(ctx context.Context, sessionID string) (bool, error) {
	n, err := r.Client.Exists(ctx, r.Prefix+sessionID).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// Revoke denies sessionID until ttl elapses; use the session's remaining lifetime.
func (r RedisRevocations) Revoke(ctx context.Context, sessionID string, ttl time.Duration) error {
	return r.Client.Set(ctx, r.Prefix+sessionID, "1", ttl).Err()
}

func (r RedisRevocations) Close() error {
	return r.Client.Close()
}

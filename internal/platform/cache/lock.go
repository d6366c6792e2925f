package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrLockHeld is returned by Acquire when another owner holds the key.
	ErrLockHeld = errors.New("platform/cache: lock held")
	// ErrLockLost is returned when a lock expired or changed owner before
	// it was released.
	ErrLockLost = errors.New("platform/cache: lock lost")
)

var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// Locker hands out expiring mutual-exclusion locks stored in Redis.
type Locker struct {
	client redis.Cmdable
}

// NewLocker builds a Locker on top of client.
func NewLocker(client redis.Cmdable) *Locker {
	return &Locker{client: client}
}

// Lock is a held lock. Only the owner token can release it.
type Lock struct {
	client redis.Cmdable
	key    string
	token  string
}

// Acquire takes key for ttl. It does not wait: when the key is held the call
// fails with ErrLockHeld.
func (l *Locker) Acquire(ctx context.Context, key string, ttl time.Duration) (*Lock, error) {
	if ttl <= 0 {
		return nil, fmt.Errorf("platform/cache: lock %s: ttl must be positive", key)
	}
	token := uuid.NewString()
	ok, err := l.client.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("platform/cache: acquire %s: %w", key, err)
	}
	if !ok {
		return nil, ErrLockHeld
	}
	return &Lock{client: l.client, key: key, token: token}, nil
}

// Key returns the locked key.
func (l *Lock) Key() string {
	return l.key
}

// Release deletes the key if it still belongs to this lock.
func (l *Lock) Release(ctx context.Context) error {
	n, err := releaseScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("platform/cache: release %s: %w", l.key, err)
	}
	if n == 0 {
		return ErrLockLost
	}
	return nil
}

package distributed

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

var (
	// ErrNotAcquired is returned when the lock stays held by someone else until the deadline.
	ErrNotAcquired = errors.New("lock not acquired")
	// ErrNotHeld is returned by Unlock when the key expired or belongs to another holder.
	ErrNotHeld = errors.New("lock not held")
)

var unlockScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// Lock is a single-holder lease on a redis key.
type Lock struct {
	client redis.Cmdable
	key    string
	token  string
	ttl    time.Duration
}

// LockManager hands out locks under a common key prefix.
type LockManager struct {
	client redis.Cmdable
	prefix string
	poll   time.Duration
}

func NewLockManager(client redis.Cmdable, prefix string) *LockManager {
	return &LockManager{client: client, prefix: prefix, poll: 50 * time.Millisecond}
}

// Acquire blocks until the lock on key is taken, ctx is done or wait elapses.
func (lm *LockManager) Acquire(ctx context.Context, key string, ttl, wait time.Duration) (*Lock, error) {
	l := &Lock{
		client: lm.client,
		key:    lm.prefix + key,
		token:  uuid.NewString(),
		ttl:    ttl,
	}

	deadline := time.Now().Add(wait)
	for {
		ok, err := lm.client.SetNX(ctx, l.key, l.token, ttl).Result()
		if err != nil {
			return nil, fmt.Errorf("acquire %s: %w", l.key, err)
		}
		if ok {
			return l, nil
		}
		if time.Now().After(deadline) {
			return nil, fmt.Errorf("acquire %s: %w", l.key, ErrNotAcquired)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(lm.poll):
		}
	}
}

// Unlock releases the lock if this holder still owns it.
func (l *Lock) Unlock(ctx context.Context) error {
	n, err := unlockScript.Run(ctx, l.client, []string{l.key}, l.token).Int64()
	if err != nil {
		return fmt.Errorf("unlock %s: %w", l.key, err)
	}
	if n == 0 {
		return fmt.Errorf("unlock %s: %w", l.key, ErrNotHeld)
	}
	return nil
}

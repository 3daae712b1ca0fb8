package bus

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseScript deletes the lock only when the caller still owns it, so an
// expired-and-reacquired lock is never released by a stale holder.
var releaseScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0
`)

// extendScript refreshes the TTL only for the current owner.
var extendScript = redis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("PEXPIRE", KEYS[1], ARGV[2])
end
return 0
`)

// BatchLock guards an account's browser profile directory across workers.
// One lock instance belongs to one acquisition attempt.
type BatchLock struct {
	rdb   *redis.Client
	key   string
	token string
	ttl   time.Duration
}

// BatchLock builds a lock handle for the account. The lock is not held until
// Acquire succeeds.
func (b *Bus) BatchLock(accountID string) *BatchLock {
	return &BatchLock{
		rdb:   b.rdb,
		key:   BatchLockKey(accountID),
		token: uuid.NewString(),
		ttl:   batchLockTTL,
	}
}

// Acquire attempts a set-if-absent with the lock TTL. Returns false when
// another holder owns the key.
func (l *BatchLock) Acquire(ctx context.Context) (bool, error) {
	ok, err := l.rdb.SetNX(ctx, l.key, l.token, l.ttl).Result()
	if err != nil {
		return false, fmt.Errorf("acquire batch lock: %w", err)
	}
	return ok, nil
}

// Release frees the lock if this instance still owns it.
func (l *BatchLock) Release(ctx context.Context) error {
	if err := releaseScript.Run(ctx, l.rdb, []string{l.key}, l.token).Err(); err != nil && err != redis.Nil {
		return fmt.Errorf("release batch lock: %w", err)
	}
	return nil
}

// Extend pushes the expiry out for long batches.
func (l *BatchLock) Extend(ctx context.Context) (bool, error) {
	res, err := extendScript.Run(ctx, l.rdb, []string{l.key}, l.token, l.ttl.Milliseconds()).Int()
	if err != nil && err != redis.Nil {
		return false, fmt.Errorf("extend batch lock: %w", err)
	}
	return res == 1, nil
}

package redis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/alanyoungcy/pulsefeed/internal/domain"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// releaseLua deletes the lock only while it still carries the holder's
// token, so an expired holder cannot release a successor's lock.
const releaseLua = `
if redis.call('GET', KEYS[1]) == ARGV[1] then
    return redis.call('DEL', KEYS[1])
end
return 0
`

// JobLock lets one of several replicas run a scheduled job. The lock
// expires after ttl even if the holder dies mid-run.
type JobLock struct {
	rdb     *redis.Client
	release *redis.Script
	ttl     time.Duration
}

// NewJobLock returns a lock manager whose locks live for ttl.
func NewJobLock(c *Client, ttl time.Duration) *JobLock {
	return &JobLock{
		rdb:     c.Underlying(),
		release: redis.NewScript(releaseLua),
		ttl:     ttl,
	}
}

func jobKey(job string) string { return "pulse:lock:" + job }

// Acquire takes the lock for job. It returns domain.ErrLockHeld when
// another holder has it. The returned release func is idempotent.
func (l *JobLock) Acquire(ctx context.Context, job string) (func(), error) {
	token := uuid.NewString()
	key := jobKey(job)

	ok, err := l.rdb.SetNX(ctx, key, token, l.ttl).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: acquire lock %s: %w", job, err)
	}
	if !ok {
		return nil, domain.ErrLockHeld
	}

	released := false
	return func() {
		if released {
			return
		}
		released = true
		// The caller's context may already be cancelled.
		relCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = l.release.Run(relCtx, l.rdb, []string{key}, token).Err()
	}, nil
}

// Exclusive runs fn only if the lock for job is free. ran reports whether
// fn was called.
func (l *JobLock) Exclusive(ctx context.Context, job string, fn func(ctx context.Context) error) (ran bool, err error) {
	release, err := l.Acquire(ctx, job)
	if errors.Is(err, domain.ErrLockHeld) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	defer release()
	return true, fn(ctx)
}

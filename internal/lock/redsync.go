package lock

import (
	"context"
	"errors"
	"time"

	"github.com/go-redsync/redsync/v4"
	"github.com/go-redsync/redsync/v4/redis/goredis/v9"
	"github.com/redis/go-redis/v9"
)

// RedsyncLocker implements Locker on redsync. Acquisition is a single
// attempt (no wait): callers that lose the race fail fast.
type RedsyncLocker struct {
	rs *redsync.Redsync
}

func NewRedsyncLocker(rdb *redis.Client) *RedsyncLocker {
	pool := goredis.NewPool(rdb)
	return &RedsyncLocker{rs: redsync.New(pool)}
}

func (l *RedsyncLocker) Acquire(ctx context.Context, key string, lease time.Duration) (Lock, error) {
	mutex := l.rs.NewMutex(key,
		redsync.WithExpiry(lease),
		redsync.WithTries(1),
	)
	if err := mutex.TryLockContext(ctx); err != nil {
		if errors.Is(err, redsync.ErrFailed) {
			return nil, ErrNotAcquired
		}
		return nil, err
	}
	return &redsyncLock{mutex: mutex}, nil
}

type redsyncLock struct {
	mutex *redsync.Mutex
}

func (l *redsyncLock) Release(ctx context.Context) error {
	_, err := l.mutex.UnlockContext(ctx)
	return err
}

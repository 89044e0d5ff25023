// Package lock provides the distributed lock guarding refund/settlement
// critical sections. The lease is short (seconds) so a crashed holder is
// recovered quickly, while still outlasting the critical section.
package lock

import (
	"context"
	"errors"
	"time"
)

// DefaultLease bounds how long a crashed holder can stall a key. Long
// enough for the worst-case critical section, short enough to recover in
// seconds.
const DefaultLease = 8 * time.Second

// ErrNotAcquired is returned when the lock is currently held elsewhere.
// Callers fail fast and surface "processing, retry later".
var ErrNotAcquired = errors.New("lock not acquired")

// Lock is a held lock. Release is safe to call once.
type Lock interface {
	Release(ctx context.Context) error
}

// Locker acquires named locks with a lease.
type Locker interface {
	Acquire(ctx context.Context, key string, lease time.Duration) (Lock, error)
}

// RefundKey is the lock key shared by the refund and settlement services
// so a payment callback and a timeout refund for the same TradeOrder
// cannot race.
func RefundKey(tradeOrderID string) string {
	return "groupbuy:lock:refund:" + tradeOrderID
}

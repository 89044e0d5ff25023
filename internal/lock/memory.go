package lock

import (
	"context"
	"sync"
	"time"
)

// MemoryLocker implements Locker with an in-process map. Used by tests,
// the simulation and single-node deployments without redis. Leases expire
// so a goroutine that never releases cannot wedge the key forever.
type MemoryLocker struct {
	mu   sync.Mutex
	held map[string]time.Time // key -> lease expiry
}

func NewMemoryLocker() *MemoryLocker {
	return &MemoryLocker{held: make(map[string]time.Time)}
}

func (l *MemoryLocker) Acquire(_ context.Context, key string, lease time.Duration) (Lock, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if expiry, ok := l.held[key]; ok && time.Now().Before(expiry) {
		return nil, ErrNotAcquired
	}
	l.held[key] = time.Now().Add(lease)
	return &memoryLock{locker: l, key: key}, nil
}

type memoryLock struct {
	locker *MemoryLocker
	key    string
}

func (m *memoryLock) Release(_ context.Context) error {
	m.locker.mu.Lock()
	defer m.locker.mu.Unlock()
	delete(m.locker.held, m.key)
	return nil
}

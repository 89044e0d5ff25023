package delay

import (
	"context"
	"sync"
	"time"
)

// MemoryTransport is an in-process Transport for tests, the simulation and
// single-node deployments without redis.
type MemoryTransport struct {
	mu      sync.Mutex
	pending []scheduled
}

type scheduled struct {
	due time.Time
	msg Message
}

func NewMemoryTransport() *MemoryTransport {
	return &MemoryTransport{}
}

func (t *MemoryTransport) ScheduleAfter(_ context.Context, d time.Duration, msg Message) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.pending = append(t.pending, scheduled{due: time.Now().Add(d), msg: msg})
	return nil
}

func (t *MemoryTransport) Poll(_ context.Context, limit int) ([]Message, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	now := time.Now()
	var due []Message
	var rest []scheduled
	for _, s := range t.pending {
		if len(due) < limit && !s.due.After(now) {
			due = append(due, s.msg)
			continue
		}
		rest = append(rest, s)
	}
	t.pending = rest
	return due, nil
}

// Pending reports how many messages are still scheduled. Test helper.
func (t *MemoryTransport) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

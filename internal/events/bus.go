package events

import (
	"sync"

	"github.com/rs/zerolog/log"
	"gorm.io/gorm"
)

// Handler consumes one signal. Handlers run on their own goroutine and
// must be idempotent; a handler panic is recovered and logged so one
// consumer cannot take down the publisher.
type Handler func(Signal)

// Bus is the in-process signal dispatcher. Publication happens strictly
// after the transaction that produced the signal commits (see
// PublishAfterCommit), so a listener can never observe uncommitted state.
type Bus struct {
	mu   sync.RWMutex
	subs map[string][]Handler
}

func NewBus() *Bus {
	return &Bus{subs: make(map[string][]Handler)}
}

// Subscribe registers a handler for a signal name.
func (b *Bus) Subscribe(name string, h Handler) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[name] = append(b.subs[name], h)
}

// Publish dispatches each signal asynchronously to its subscribers.
func (b *Bus) Publish(signals ...Signal) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for _, sig := range signals {
		for _, h := range b.subs[sig.Name()] {
			go func(h Handler, sig Signal) {
				defer func() {
					if r := recover(); r != nil {
						log.Error().
							Str("signal", sig.Name()).
							Interface("panic", r).
							Msg("signal handler panicked")
					}
				}()
				h(sig)
			}(h, sig)
		}
	}
}

// PublishAfterCommit runs fn inside a transaction and publishes the
// signals fn returns only once the transaction has committed
// (commit-then-notify). If the transaction rolls back, nothing is
// published.
func PublishAfterCommit(db *gorm.DB, bus *Bus, fn func(tx *gorm.DB) ([]Signal, error)) error {
	var signals []Signal

	err := db.Transaction(func(tx *gorm.DB) error {
		var err error
		signals, err = fn(tx)
		return err
	})
	if err != nil {
		return err
	}

	if bus != nil && len(signals) > 0 {
		bus.Publish(signals...)
	}
	return nil
}

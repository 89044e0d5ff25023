// Package delay provides the delayed-message transport used for deferred
// timeout checks and the bounded refund-retry path. Delivery is
// at-least-once; every consumer re-checks current state on receipt, so
// redelivery of the same message is harmless.
package delay

import (
	"context"
	"encoding/json"
	"time"
)

// Message kinds.
const (
	KindTimeoutCheck = "timeout_check"
	KindRefundRetry  = "refund_retry"
)

// Message is one scheduled delivery.
type Message struct {
	ID   string          `json:"id"`
	Kind string          `json:"kind"`
	Body json.RawMessage `json:"body"`
}

// TimeoutCheck asks the consumer to re-read a TradeOrder and apply the
// unpaid refund strategy if it is still unpaid.
type TimeoutCheck struct {
	TradeOrderID string `json:"trade_order_id"`
}

// RefundRetry re-attempts a refund gateway delivery. Attempts counts
// deliveries already made; exceeding the maximum routes the task to the
// dead-letter bucket instead of retrying forever.
type RefundRetry struct {
	TradeOrderID string `json:"trade_order_id"`
	Reason       string `json:"reason"`
	Attempts     int    `json:"attempts"`
}

// Transport schedules payloads for future delivery. Poll claims and
// returns due messages; a claimed message is delivered to exactly one
// poller, but the overall contract is still at-least-once (a consumer
// crash after claiming loses nothing the state-recheck design cannot
// absorb via the sweep jobs).
type Transport interface {
	ScheduleAfter(ctx context.Context, d time.Duration, msg Message) error
	Poll(ctx context.Context, limit int) ([]Message, error)
}

// Envelope helpers.

func NewTimeoutCheck(id, tradeOrderID string) (Message, error) {
	body, err := json.Marshal(TimeoutCheck{TradeOrderID: tradeOrderID})
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Kind: KindTimeoutCheck, Body: body}, nil
}

func NewRefundRetry(id string, task RefundRetry) (Message, error) {
	body, err := json.Marshal(task)
	if err != nil {
		return Message{}, err
	}
	return Message{ID: id, Kind: KindRefundRetry, Body: body}, nil
}

package events

import "time"

// Signal names.
const (
	NameOrderCreated     = "order.created"
	NameUserJoinedOrder  = "order.user_joined"
	NameOrderCompleted   = "order.completed"
	NameOrderFailed      = "order.failed"
	NamePaymentCompleted = "payment.completed"
)

// Signal is a domain event emitted by the engine for downstream
// notification and audit consumers. No component blocks on a signal's
// consumers.
type Signal interface {
	Name() string
}

// OrderCreated is emitted when a leader opens a new team.
type OrderCreated struct {
	OrderID    string
	TeamID     string
	LeaderID   string
	ActivityID string
	OccurredAt time.Time
}

func (OrderCreated) Name() string { return NameOrderCreated }

// UserJoinedOrder is emitted when a participant reserves a slot.
type UserJoinedOrder struct {
	OrderID       string
	TradeOrderID  string
	UserID        string
	LockCount     int
	TargetCount   int
	OccurredAt    time.Time
}

func (UserJoinedOrder) Name() string { return NameUserJoinedOrder }

// OrderCompleted is emitted when a team reaches SUCCESS. It triggers
// settlement.
type OrderCompleted struct {
	OrderID    string
	TeamID     string
	ActivityID string
	OccurredAt time.Time
}

func (OrderCompleted) Name() string { return NameOrderCompleted }

// OrderFailed is emitted when a team reaches FAILED. It triggers the
// team-wide refund.
type OrderFailed struct {
	OrderID    string
	Reason     string
	OccurredAt time.Time
}

func (OrderFailed) Name() string { return NameOrderFailed }

// PaymentCompleted carries the post-increment counter snapshot from the
// payment transaction. The settlement orchestrator only acts when the
// snapshot shows this payment filled the team.
type PaymentCompleted struct {
	OrderID       string
	TradeOrderID  string
	CompleteCount int
	TargetCount   int
	OccurredAt    time.Time
}

func (PaymentCompleted) Name() string { return NamePaymentCompleted }

// Filled reports whether this payment was the one that filled the team.
func (p PaymentCompleted) Filled() bool {
	return p.TargetCount > 0 && p.CompleteCount >= p.TargetCount
}

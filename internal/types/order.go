package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// Order statuses. Transitions are forward-only:
// PENDING -> SUCCESS or PENDING -> FAILED, never back.
const (
	OrderStatusPending = "PENDING"
	OrderStatusSuccess = "SUCCESS"
	OrderStatusFailed  = "FAILED"
)

// Group types control what happens at the deadline when the team has not
// reached its target: a virtual team auto-succeeds, a real team fails and
// refunds.
const (
	GroupTypeReal    = "REAL"
	GroupTypeVirtual = "VIRTUAL"
)

// Order is the aggregate for one group-buy team attempt. The capacity
// counters (lock_count, complete_count) are only ever mutated through the
// conditional writes in internal/order; the invariant is
// 0 <= complete_count <= lock_count <= target_count.
type Order struct {
	gorm.Model    `json:"-"`
	OrderID       string          `gorm:"uniqueIndex" json:"order_id"`
	TeamID        string          `gorm:"index" json:"team_id"`
	ActivityID    string          `gorm:"index" json:"activity_id"`
	GoodsID       string          `json:"goods_id"`
	LeaderUserID  string          `json:"leader_user_id"`
	GroupType     string          `json:"group_type"` // REAL or VIRTUAL
	TargetCount   int             `json:"target_count"`
	LockCount     int             `json:"lock_count"`
	CompleteCount int             `json:"complete_count"`
	Status        string          `json:"status"` // PENDING, SUCCESS, FAILED
	OriginalPrice decimal.Decimal `gorm:"type:decimal(20,2)" json:"original_price"`
	DeductionPrice decimal.Decimal `gorm:"type:decimal(20,2)" json:"deduction_price"`
	PayPrice      decimal.Decimal `gorm:"type:decimal(20,2)" json:"pay_price"`
	StartTime     time.Time       `json:"start_time"`
	DeadlineTime  time.Time       `json:"deadline_time"`
	CompletedTime *time.Time      `json:"completed_time,omitempty"`
	Source        string          `json:"source"`
	Channel       string          `json:"channel"`
}

// NewOrder creates a pending team with the leader holding the first
// reserved slot.
func NewOrder(orderID, teamID, activityID, goodsID, leaderUserID, groupType string,
	targetCount int, originalPrice, deductionPrice, payPrice decimal.Decimal,
	deadline time.Time, source, channel string) (*Order, error) {

	if targetCount <= 0 {
		return nil, Reject(RejectInvalidTransition, "target count must be positive, got %d", targetCount)
	}
	if groupType != GroupTypeReal && groupType != GroupTypeVirtual {
		groupType = GroupTypeReal
	}

	return &Order{
		OrderID:        orderID,
		TeamID:         teamID,
		ActivityID:     activityID,
		GoodsID:        goodsID,
		LeaderUserID:   leaderUserID,
		GroupType:      groupType,
		TargetCount:    targetCount,
		LockCount:      1, // the leader's slot
		CompleteCount:  0,
		Status:         OrderStatusPending,
		OriginalPrice:  originalPrice,
		DeductionPrice: deductionPrice,
		PayPrice:       payPrice,
		StartTime:      time.Now(),
		DeadlineTime:   deadline,
		Source:         source,
		Channel:        channel,
	}, nil
}

// ValidateLock checks whether another participant may reserve a slot.
// It raises a typed rejection for caller-facing errors; the actual
// reservation still goes through the conditional write, which is the
// authority under concurrency.
func (o *Order) ValidateLock() error {
	if o.Status != OrderStatusPending {
		return Reject(RejectTeamEnded, "team has ended, status: %s", o.Status)
	}
	if o.LockCount >= o.TargetCount {
		return Reject(RejectTeamFull, "team is full")
	}
	if time.Now().After(o.DeadlineTime) {
		return Reject(RejectTeamExpired, "team deadline has passed")
	}
	return nil
}

// CanJoin mirrors the reserve-slot condition without raising.
func (o *Order) CanJoin() bool {
	return o.Status == OrderStatusPending &&
		o.LockCount < o.TargetCount &&
		time.Now().Before(o.DeadlineTime)
}

// IsTerminal reports whether the order can no longer change.
func (o *Order) IsTerminal() bool {
	return o.Status == OrderStatusSuccess || o.Status == OrderStatusFailed
}

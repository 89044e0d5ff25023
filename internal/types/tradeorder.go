package types

import (
	"time"

	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

// TradeOrder statuses. Forward-only:
// CREATE -> PAID -> SETTLED, CREATE -> TIMEOUT, {CREATE,PAID} -> REFUND.
// SETTLED, TIMEOUT and REFUND are terminal.
const (
	TradeStatusCreate  = "CREATE"
	TradeStatusPaid    = "PAID"
	TradeStatusSettled = "SETTLED"
	TradeStatusTimeout = "TIMEOUT"
	TradeStatusRefund  = "REFUND"
)

// TradeOrder is the aggregate for one participant's payment within a team.
// The money snapshot is frozen at join time and never recomputed. OutTradeNo
// is the external idempotency token: replays of the same token are no-ops.
type TradeOrder struct {
	gorm.Model     `json:"-"`
	TradeOrderID   string          `gorm:"uniqueIndex" json:"trade_order_id"`
	OutTradeNo     string          `gorm:"uniqueIndex" json:"out_trade_no"`
	OrderID        string          `gorm:"index" json:"order_id"`
	TeamID         string          `json:"team_id"`
	ActivityID     string          `json:"activity_id"`
	UserID         string          `gorm:"index" json:"user_id"`
	GoodsID        string          `json:"goods_id"`
	GoodsName      string          `json:"goods_name"`
	OriginalPrice  decimal.Decimal `gorm:"type:decimal(20,2)" json:"original_price"`
	DeductionPrice decimal.Decimal `gorm:"type:decimal(20,2)" json:"deduction_price"`
	PayPrice       decimal.Decimal `gorm:"type:decimal(20,2)" json:"pay_price"`
	Status         string          `json:"status"` // CREATE, PAID, SETTLED, TIMEOUT, REFUND
	PayTime        *time.Time      `json:"pay_time,omitempty"`
	SettlementTime *time.Time      `json:"settlement_time,omitempty"`
	RefundTime     *time.Time      `json:"refund_time,omitempty"`
	RefundReason   string          `json:"refund_reason,omitempty"`
	Source         string          `json:"source"`
	Channel        string          `json:"channel"`
}

// NewTradeOrder creates a participant transaction in CREATE state.
func NewTradeOrder(tradeOrderID, outTradeNo, orderID, teamID, activityID, userID,
	goodsID, goodsName string, originalPrice, deductionPrice, payPrice decimal.Decimal,
	source, channel string) (*TradeOrder, error) {

	if payPrice.IsNegative() {
		return nil, Reject(RejectInvalidTransition, "pay price cannot be negative: %s", payPrice)
	}

	return &TradeOrder{
		TradeOrderID:   tradeOrderID,
		OutTradeNo:     outTradeNo,
		OrderID:        orderID,
		TeamID:         teamID,
		ActivityID:     activityID,
		UserID:         userID,
		GoodsID:        goodsID,
		GoodsName:      goodsName,
		OriginalPrice:  originalPrice,
		DeductionPrice: deductionPrice,
		PayPrice:       payPrice,
		Status:         TradeStatusCreate,
		Source:         source,
		Channel:        channel,
	}, nil
}

// ValidatePayment checks that the payment-success path may run: CREATE
// state only, channel not blacklisted, team deadline not passed. Repeat
// callbacks for PAID/SETTLED orders are handled as idempotent no-ops by
// the caller before this guard.
func (t *TradeOrder) ValidatePayment(order *Order, blacklistedChannels map[string]struct{}) error {
	if t.Status != TradeStatusCreate {
		return Reject(RejectInvalidTransition, "status %s does not allow payment", t.Status)
	}
	if len(blacklistedChannels) > 0 {
		key := t.Source + ":" + t.Channel
		if _, blocked := blacklistedChannels[key]; blocked {
			return Reject(RejectChannelBlocked, "channel %s is no longer available", key)
		}
	}
	if order != nil && time.Now().After(order.DeadlineTime) {
		return Reject(RejectTeamExpired, "team deadline has passed, payment not allowed")
	}
	return nil
}

// MarkAsPaid transitions CREATE -> PAID.
func (t *TradeOrder) MarkAsPaid(payTime time.Time) error {
	if t.Status != TradeStatusCreate {
		return Reject(RejectInvalidTransition, "cannot pay from status %s", t.Status)
	}
	t.Status = TradeStatusPaid
	t.PayTime = &payTime
	return nil
}

// MarkAsSettled transitions PAID -> SETTLED.
func (t *TradeOrder) MarkAsSettled(settlementTime time.Time) error {
	if t.Status != TradeStatusPaid {
		return Reject(RejectInvalidTransition, "cannot settle from status %s", t.Status)
	}
	t.Status = TradeStatusSettled
	t.SettlementTime = &settlementTime
	return nil
}

// MarkAsTimeout transitions CREATE -> TIMEOUT.
func (t *TradeOrder) MarkAsTimeout() error {
	if t.Status != TradeStatusCreate {
		return Reject(RejectInvalidTransition, "cannot time out from status %s", t.Status)
	}
	t.Status = TradeStatusTimeout
	return nil
}

// MarkAsRefund transitions CREATE or PAID -> REFUND.
func (t *TradeOrder) MarkAsRefund(reason string) error {
	if !t.CanRefund() {
		return Reject(RejectInvalidTransition, "cannot refund from status %s", t.Status)
	}
	now := time.Now()
	t.Status = TradeStatusRefund
	t.RefundReason = reason
	t.RefundTime = &now
	return nil
}

// CanSettle reports whether the order is eligible for settlement. The
// guard is what makes settlement idempotent: already-settled rows are
// naturally excluded on re-invocation.
func (t *TradeOrder) CanSettle() bool {
	return t.Status == TradeStatusPaid
}

// CanRefund reports whether a refund strategy applies.
func (t *TradeOrder) CanRefund() bool {
	return t.Status == TradeStatusCreate || t.Status == TradeStatusPaid
}

// IsPaid reports PAID or later.
func (t *TradeOrder) IsPaid() bool {
	return t.Status == TradeStatusPaid || t.Status == TradeStatusSettled
}

// IsTerminal reports SETTLED, TIMEOUT or REFUND.
func (t *TradeOrder) IsTerminal() bool {
	return t.Status == TradeStatusSettled || t.Status == TradeStatusTimeout || t.Status == TradeStatusRefund
}

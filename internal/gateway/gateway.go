// Package gateway defines the external collaborators the engine consumes:
// the payment gateway, the discount calculator, the crowd-tag predicate and
// the inventory service. The engine only depends on these interfaces; the
// mock implementations in this package stand in for the real integrations.
package gateway

import (
	"context"

	"github.com/shopspring/decimal"
)

// PaymentStatus is the gateway's view of an external transaction.
type PaymentStatus string

const (
	PaymentStatusUnpaid PaymentStatus = "UNPAID"
	PaymentStatusPaid   PaymentStatus = "PAID"
	PaymentStatusClosed PaymentStatus = "CLOSED"
)

// RefundResult is the outcome of a refund call. A transient gateway
// failure surfaces as Success=false with ErrorMsg set; the caller queues a
// bounded retry rather than rolling back local state.
type RefundResult struct {
	Success  bool
	ErrorMsg string
}

// PaymentGateway is the opaque pay/refund/query capability. Refund must be
// idempotent on idempotencyToken: repeating a token that already refunded
// succeeds without moving money twice.
type PaymentGateway interface {
	Pay(ctx context.Context, outTradeNo string, amount decimal.Decimal) (string, error)
	Refund(ctx context.Context, outTradeNo string, amount decimal.Decimal, reason, idempotencyToken string) (RefundResult, error)
	QueryPayment(ctx context.Context, outTradeNo string) (PaymentStatus, error)
}

// DiscountConfig is the opaque discount configuration attached to an
// activity. Type and Value are interpreted by the calculator.
type DiscountConfig struct {
	Type  string `json:"type"`  // PERCENTAGE, FIXED_PRICE, DIRECT
	Value string `json:"value"` // decimal string
}

// DiscountCalculator computes the participant's pay price. It is a pure
// function and must degrade to returning the original price on malformed
// configuration rather than failing the join.
type DiscountCalculator interface {
	Calculate(userID string, originalPrice decimal.Decimal, cfg DiscountConfig) decimal.Decimal
}

// TagResult is the tri-state answer of the crowd-tag predicate.
type TagResult int

const (
	TagNotMember TagResult = iota
	TagMember
	TagUnknown
)

// CrowdTagPredicate answers whether a user belongs to a crowd tag.
// TagUnknown is a soft failure: callers must not treat it as TagNotMember.
type CrowdTagPredicate interface {
	IsUserInTag(ctx context.Context, userID, tagID string) TagResult
}

// Inventory freezes stock speculatively at join time and releases it when
// a join is abandoned or refunded. Deduct consumes frozen stock once a
// team completes.
type Inventory interface {
	Freeze(ctx context.Context, goodsID string, quantity int) (bool, error)
	Release(ctx context.Context, goodsID string, quantity int) error
	Deduct(ctx context.Context, goodsID string, quantity int) (bool, error)
}

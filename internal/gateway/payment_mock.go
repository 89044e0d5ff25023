package gateway

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
)

// MockPaymentGateway simulates an external payment channel with configurable
// latency and refund success rate. Refunds are tracked per idempotency token
// so a replayed token reports success without a second transfer.
type MockPaymentGateway struct {
	MinLatency        int     // in milliseconds
	MaxLatency        int
	RefundSuccessRate float64 // 0-1, probability a refund call succeeds

	mu       sync.Mutex
	payments map[string]PaymentStatus // keyed by outTradeNo
	refunds  map[string]struct{}      // idempotency tokens already refunded
}

// NewMockPaymentGateway returns a gateway with production-like defaults.
func NewMockPaymentGateway() *MockPaymentGateway {
	return &MockPaymentGateway{
		MinLatency:        5,
		MaxLatency:        30,
		RefundSuccessRate: 0.95,
		payments:          make(map[string]PaymentStatus),
		refunds:           make(map[string]struct{}),
	}
}

// NewReliablePaymentGateway returns a gateway that never fails and adds no
// latency. Used by tests and the simulation's deterministic runs.
func NewReliablePaymentGateway() *MockPaymentGateway {
	return &MockPaymentGateway{
		RefundSuccessRate: 1.0,
		payments:          make(map[string]PaymentStatus),
		refunds:           make(map[string]struct{}),
	}
}

func (g *MockPaymentGateway) simulateLatency(logger zerolog.Logger) {
	if g.MaxLatency <= 0 {
		return
	}
	latency := rand.Intn(g.MaxLatency-g.MinLatency+1) + g.MinLatency
	logger.Debug().Int("latency_ms", latency).Msg("simulated gateway latency")
	time.Sleep(time.Duration(latency) * time.Millisecond)
}

// Pay records a successful external payment and returns the channel's
// transaction reference.
func (g *MockPaymentGateway) Pay(ctx context.Context, outTradeNo string, amount decimal.Decimal) (string, error) {
	logger := log.With().
		Str("out_trade_no", outTradeNo).
		Str("amount", amount.String()).
		Logger()

	g.simulateLatency(logger)

	g.mu.Lock()
	g.payments[outTradeNo] = PaymentStatusPaid
	g.mu.Unlock()

	channelTxID := fmt.Sprintf("PAY-%d", rand.Int63())
	logger.Info().Str("channel_tx_id", channelTxID).Msg("payment accepted by gateway")
	return channelTxID, nil
}

// Refund attempts to return funds to the payer. A token that has already
// refunded succeeds immediately. Otherwise the configured success rate
// decides whether the call lands or reports a transient failure.
func (g *MockPaymentGateway) Refund(ctx context.Context, outTradeNo string, amount decimal.Decimal, reason, idempotencyToken string) (RefundResult, error) {
	logger := log.With().
		Str("out_trade_no", outTradeNo).
		Str("amount", amount.String()).
		Str("reason", reason).
		Str("idempotency_token", idempotencyToken).
		Logger()

	g.mu.Lock()
	if _, done := g.refunds[idempotencyToken]; done {
		g.mu.Unlock()
		logger.Info().Msg("refund token already processed, reporting success")
		return RefundResult{Success: true}, nil
	}
	g.mu.Unlock()

	g.simulateLatency(logger)

	if rand.Float64() > g.RefundSuccessRate {
		logger.Warn().
			Float64("success_rate", g.RefundSuccessRate).
			Msg("refund failed at gateway")
		return RefundResult{Success: false, ErrorMsg: "gateway temporarily unavailable"}, nil
	}

	g.mu.Lock()
	g.refunds[idempotencyToken] = struct{}{}
	g.payments[outTradeNo] = PaymentStatusClosed
	g.mu.Unlock()

	logger.Info().Msg("refund accepted by gateway")
	return RefundResult{Success: true}, nil
}

// QueryPayment reports the gateway's last known status for a transaction.
func (g *MockPaymentGateway) QueryPayment(ctx context.Context, outTradeNo string) (PaymentStatus, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	status, ok := g.payments[outTradeNo]
	if !ok {
		return PaymentStatusUnpaid, nil
	}
	return status, nil
}

// RefundCount reports how many distinct refunds have landed. Test helper.
func (g *MockPaymentGateway) RefundCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.refunds)
}

// FailingPaymentGateway always fails refunds. Used to exercise the retry
// and dead-letter paths in tests.
type FailingPaymentGateway struct{}

func (FailingPaymentGateway) Pay(ctx context.Context, outTradeNo string, amount decimal.Decimal) (string, error) {
	return fmt.Sprintf("PAY-%d", rand.Int63()), nil
}

func (FailingPaymentGateway) Refund(ctx context.Context, outTradeNo string, amount decimal.Decimal, reason, idempotencyToken string) (RefundResult, error) {
	return RefundResult{Success: false, ErrorMsg: "gateway unreachable"}, nil
}

func (FailingPaymentGateway) QueryPayment(ctx context.Context, outTradeNo string) (PaymentStatus, error) {
	return PaymentStatusPaid, nil
}

// Package settlement owns the payment-success path and the finalization of
// completed teams. Payment handling is idempotent on replay, serialized per
// trade order by a short-lease distributed lock, and publishes its signals
// only after the enclosing transaction commits.
package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/ksred/groupbuy-api/internal/events"
	"github.com/ksred/groupbuy-api/internal/gateway"
	"github.com/ksred/groupbuy-api/internal/lock"
	"github.com/ksred/groupbuy-api/internal/order"
	"github.com/ksred/groupbuy-api/internal/types"
	"github.com/ksred/groupbuy-api/pkg/response"
	"gorm.io/gorm"
)

// settleDelay gives the payment transaction's commit a moment to become
// visible to other connections before the batch settle reads it.
const settleDelay = 100 * time.Millisecond

// Releaser frees the resources held by an unpaid trade order. Implemented
// by the refund service; an interface here keeps the dependency one-way.
type Releaser interface {
	RefundTradeOrder(ctx context.Context, tradeOrderID, reason string) error
}

// Service orchestrates payment callbacks and settlement.
type Service struct {
	gormDB      *gorm.DB
	db          *Database
	orders      *order.Database
	bus         *events.Bus
	locker      lock.Locker
	inventory   gateway.Inventory
	blacklisted map[string]struct{} // "source:channel" pairs no longer accepting payments
	releaser    Releaser
}

// NewService creates a new settlement service. blacklistedChannels entries
// are "source:channel" pairs whose payments are rejected.
func NewService(gormDB *gorm.DB, bus *events.Bus, locker lock.Locker,
	inventory gateway.Inventory, blacklistedChannels []string) *Service {

	blacklisted := make(map[string]struct{}, len(blacklistedChannels))
	for _, ch := range blacklistedChannels {
		blacklisted[ch] = struct{}{}
	}

	return &Service{
		gormDB:      gormDB,
		db:          NewDatabase(gormDB),
		orders:      order.NewDatabase(gormDB),
		bus:         bus,
		locker:      locker,
		inventory:   inventory,
		blacklisted: blacklisted,
	}
}

// SetReleaser wires the refund service in after construction.
func (s *Service) SetReleaser(r Releaser) {
	s.releaser = r
}

// RegisterSubscribers attaches the settlement trigger to the bus: when a
// payment's counter snapshot shows it filled the team, settle the team on a
// separate goroutine after a short visibility delay.
func (s *Service) RegisterSubscribers(bus *events.Bus) {
	bus.Subscribe(events.NamePaymentCompleted, func(sig events.Signal) {
		payment, ok := sig.(events.PaymentCompleted)
		if !ok || !payment.Filled() {
			return
		}
		time.Sleep(settleDelay)
		if err := s.SettleCompletedOrder(context.Background(), payment.OrderID); err != nil {
			log.Error().
				Err(err).
				Str("order_id", payment.OrderID).
				Msg("settlement after completion failed, manual trigger available")
		}
	})
}

// HandlePaymentSuccess applies one successful payment: mark the trade order
// PAID and convert its reserved slot into a paid slot in one transaction.
// Replays for an already-paid or terminal trade order return nil without
// side effects.
func (s *Service) HandlePaymentSuccess(ctx context.Context, tradeOrderID string) error {
	logger := log.With().
		Str("service", "settlement").
		Str("trade_order_id", tradeOrderID).
		Logger()

	// Serialize against a concurrent refund of the same trade order.
	l, err := s.locker.Acquire(ctx, lock.RefundKey(tradeOrderID), lock.DefaultLease)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return types.Reject(types.RejectOrderBusy, "trade order %s is being processed", tradeOrderID)
		}
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release payment lock")
		}
	}()

	tradeOrder, err := s.db.GetTradeOrder(tradeOrderID)
	if err != nil {
		return err
	}
	if tradeOrder == nil {
		return types.Reject(types.RejectNotFound, "trade order %s not found", tradeOrderID)
	}
	if tradeOrder.Status != types.TradeStatusCreate {
		logger.Info().Str("status", tradeOrder.Status).Msg("payment replay ignored, trade order already processed")
		return nil
	}

	ord, err := s.orders.GetOrder(tradeOrder.OrderID)
	if err != nil {
		return err
	}
	if err := tradeOrder.ValidatePayment(ord, s.blacklisted); err != nil {
		return err
	}

	err = events.PublishAfterCommit(s.gormDB, s.bus, func(tx *gorm.DB) ([]events.Signal, error) {
		// The slot completion goes first: if the team can no longer accept
		// a paid slot, the trade order must not flip to PAID.
		completed, newCount, err := s.orders.WithTx(tx).TryCompleteSlot(tradeOrder.OrderID)
		if err != nil {
			return nil, err
		}

		now := time.Now()
		paid, err := s.db.WithTx(tx).MarkPaid(tradeOrderID, now)
		if err != nil {
			return nil, err
		}
		if !paid {
			return nil, types.Reject(types.RejectInvalidTransition, "trade order %s was processed concurrently", tradeOrderID)
		}

		signals := []events.Signal{events.PaymentCompleted{
			OrderID:       tradeOrder.OrderID,
			TradeOrderID:  tradeOrderID,
			CompleteCount: newCount,
			TargetCount:   ord.TargetCount,
			OccurredAt:    now,
		}}
		if completed {
			signals = append(signals, events.OrderCompleted{
				OrderID:    ord.OrderID,
				TeamID:     ord.TeamID,
				ActivityID: ord.ActivityID,
				OccurredAt: now,
			})
		}
		return signals, nil
	})
	if err != nil {
		return err
	}

	logger.Info().Str("order_id", tradeOrder.OrderID).Msg("payment applied")
	return nil
}

// HandlePaymentSuccessByOutTradeNo is the gateway callback entry point. It
// verifies the paid amount against the frozen snapshot before delegating.
func (s *Service) HandlePaymentSuccessByOutTradeNo(ctx context.Context, outTradeNo string, amount decimal.Decimal) error {
	tradeOrder, err := s.db.GetTradeOrderByOutTradeNo(outTradeNo)
	if err != nil {
		return err
	}
	if tradeOrder == nil {
		return types.Reject(types.RejectNotFound, "no trade order for token %s", outTradeNo)
	}
	if tradeOrder.Status != types.TradeStatusCreate {
		log.Info().
			Str("out_trade_no", outTradeNo).
			Str("status", tradeOrder.Status).
			Msg("callback replay ignored")
		return nil
	}
	if !amount.Equal(tradeOrder.PayPrice) {
		return types.Reject(types.RejectAmountMismatch,
			"paid amount %s does not match pay price %s", amount, tradeOrder.PayPrice)
	}
	return s.HandlePaymentSuccess(ctx, tradeOrder.TradeOrderID)
}

// HandlePaymentClosedByOutTradeNo handles the gateway reporting an
// abandoned or closed transaction: a still-unpaid trade order is timed out
// and its resources released through the refund path. Anything past CREATE
// is left alone.
func (s *Service) HandlePaymentClosedByOutTradeNo(ctx context.Context, outTradeNo string) error {
	tradeOrder, err := s.db.GetTradeOrderByOutTradeNo(outTradeNo)
	if err != nil {
		return err
	}
	if tradeOrder == nil {
		return types.Reject(types.RejectNotFound, "no trade order for token %s", outTradeNo)
	}
	if tradeOrder.Status != types.TradeStatusCreate {
		return nil
	}
	if s.releaser == nil {
		return fmt.Errorf("no releaser wired for closed trade %s", tradeOrder.TradeOrderID)
	}
	return s.releaser.RefundTradeOrder(ctx, tradeOrder.TradeOrderID, "trade closed by gateway")
}

// SettleCompletedOrder finalizes every PAID participant of a successful
// team. Each row settles independently so one failure leaves the rest done
// and the whole call re-runnable; a re-run on a settled team is a no-op.
func (s *Service) SettleCompletedOrder(ctx context.Context, orderID string) error {
	logger := log.With().
		Str("service", "settlement").
		Str("order_id", orderID).
		Logger()

	ord, err := s.orders.GetOrder(orderID)
	if err != nil {
		return err
	}
	if ord == nil {
		return types.Reject(types.RejectNotFound, "order %s not found", orderID)
	}
	if ord.Status != types.OrderStatusSuccess {
		logger.Info().Str("status", ord.Status).Msg("order not successful, skipping settlement")
		return nil
	}

	tradeOrders, err := s.db.ListPaidByOrderID(orderID)
	if err != nil {
		return err
	}
	if len(tradeOrders) == 0 {
		logger.Info().Msg("no paid trade orders left to settle")
		return nil
	}

	now := time.Now()
	settled := 0
	var firstErr error
	for _, tradeOrder := range tradeOrders {
		ok, err := s.db.MarkSettled(tradeOrder.TradeOrderID, now)
		if err != nil {
			logger.Error().
				Err(err).
				Str("trade_order_id", tradeOrder.TradeOrderID).
				Msg("failed to settle trade order")
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if !ok {
			continue
		}
		settled++

		if s.inventory != nil {
			if _, err := s.inventory.Deduct(ctx, tradeOrder.GoodsID, 1); err != nil {
				logger.Warn().
					Err(err).
					Str("goods_id", tradeOrder.GoodsID).
					Msg("failed to deduct frozen stock")
			}
		}
	}

	logger.Info().
		Int("settled", settled).
		Int("paid", len(tradeOrders)).
		Msg("settlement pass finished")
	if firstErr != nil {
		return fmt.Errorf("settlement incomplete for order %s: %w", orderID, firstErr)
	}
	return nil
}

// paymentCallback is the gateway's notification payload.
type paymentCallback struct {
	OutTradeNo string `json:"out_trade_no" binding:"required"`
	Status     string `json:"status" binding:"required"` // SUCCESS or TRADE_CLOSED
	Amount     string `json:"amount"`
}

// GinHandlers contains HTTP handlers for settlement endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for settlement endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// PaymentCallbackHandler handles POST notifications from the payment
// gateway. The gateway is always acknowledged; failures are logged and
// recovered by the schedulers, never bounced back as a hard error.
func (h *GinHandlers) PaymentCallbackHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var callback paymentCallback
		if err := c.ShouldBindJSON(&callback); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		var err error
		switch callback.Status {
		case "SUCCESS":
			amount, parseErr := decimal.NewFromString(callback.Amount)
			if parseErr != nil {
				response.BadRequest(c, "invalid amount")
				return
			}
			err = h.service.HandlePaymentSuccessByOutTradeNo(c.Request.Context(), callback.OutTradeNo, amount)
		case "TRADE_CLOSED":
			err = h.service.HandlePaymentClosedByOutTradeNo(c.Request.Context(), callback.OutTradeNo)
		default:
			response.BadRequest(c, "unknown callback status")
			return
		}

		if err != nil {
			log.Error().
				Err(err).
				Str("out_trade_no", callback.OutTradeNo).
				Str("status", callback.Status).
				Msg("payment callback processing failed")
		}

		// Ack regardless so the gateway stops retrying; unprocessed
		// callbacks are recovered by state-recheck on the next delivery or
		// by the sweep.
		response.Success(c, gin.H{"result": "ACK"})
	}
}

// SettleOrderHandler handles POST requests to manually settle an order
// Internal fallback for when the automatic trigger was lost
// URL parameter: order_id
func (h *GinHandlers) SettleOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		err := h.service.SettleCompletedOrder(c.Request.Context(), orderID)
		response.Handle(c, gin.H{"order_id": orderID}, err)
	}
}

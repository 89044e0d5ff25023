// Package refund recovers reserved capacity and money when a participant
// abandons payment or a team fails. Each refundable trade order is handled
// by exactly one strategy; gateway delivery failures are retried with
// bounded attempts and then parked in the dead-letter table.
package refund

import (
	"context"
	"errors"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
	"github.com/ksred/groupbuy-api/internal/account"
	"github.com/ksred/groupbuy-api/internal/delay"
	"github.com/ksred/groupbuy-api/internal/events"
	"github.com/ksred/groupbuy-api/internal/gateway"
	"github.com/ksred/groupbuy-api/internal/lock"
	"github.com/ksred/groupbuy-api/internal/order"
	"github.com/ksred/groupbuy-api/internal/types"
	"github.com/ksred/groupbuy-api/pkg/response"
	"gorm.io/gorm"
)

const (
	// MaxRefundAttempts caps gateway delivery attempts before a refund is
	// parked for manual intervention.
	MaxRefundAttempts = 3

	// DefaultRetryBackoff is the delay between gateway delivery attempts.
	DefaultRetryBackoff = 5 * time.Second

	// UnpaidRefundWindow is how long after creation an unpaid order can
	// still be refunded by the user. Matches the join flow's pay timeout:
	// past it, the deferred check releases the slot anyway.
	UnpaidRefundWindow = 30 * time.Minute
)

// Service dispatches refunds to strategies and drives the retry queue.
type Service struct {
	gormDB       *gorm.DB
	db           *Database
	orders       *order.Database
	accounts     *account.Database
	bus          *events.Bus
	locker       lock.Locker
	transport    delay.Transport
	payGW        gateway.PaymentGateway
	inventory    gateway.Inventory
	strategies   []Strategy
	unpaid       *unpaidStrategy
	team         *TeamStrategy
	retryBackoff time.Duration
}

// NewService creates a new refund service with the given collaborators.
func NewService(gormDB *gorm.DB, bus *events.Bus, locker lock.Locker,
	transport delay.Transport, payGW gateway.PaymentGateway,
	inventory gateway.Inventory) *Service {

	s := &Service{
		gormDB:       gormDB,
		db:           NewDatabase(gormDB),
		orders:       order.NewDatabase(gormDB),
		accounts:     account.NewDatabase(gormDB),
		bus:          bus,
		locker:       locker,
		transport:    transport,
		payGW:        payGW,
		inventory:    inventory,
		retryBackoff: DefaultRetryBackoff,
	}
	s.unpaid = &unpaidStrategy{svc: s}
	s.strategies = []Strategy{
		s.unpaid,
		&paidStrategy{svc: s},
	}
	s.team = &TeamStrategy{svc: s}
	return s
}

// SetRetryBackoff overrides the gateway retry delay.
func (s *Service) SetRetryBackoff(d time.Duration) {
	s.retryBackoff = d
}

// RequestRefund is the user-initiated refund path. The refund window
// policy applies here only; system-driven refunds (payment timeouts, team
// failure, gateway-closed trades) go through RefundTradeOrder directly.
func (s *Service) RequestRefund(ctx context.Context, tradeOrderID, reason string) error {
	tradeOrder, err := s.db.GetTradeOrder(tradeOrderID)
	if err != nil {
		return err
	}
	if tradeOrder == nil {
		return types.Reject(types.RejectNotFound, "trade order %s not found", tradeOrderID)
	}
	if err := s.validateRefundWindow(tradeOrder); err != nil {
		return err
	}
	return s.RefundTradeOrder(ctx, tradeOrderID, reason)
}

// validateRefundWindow enforces when a user may still ask for a refund: an
// unpaid order within the pay timeout, a paid order before the team
// deadline. An already refunded order passes so a repeated request stays
// idempotent; the other terminal states are refused outright.
func (s *Service) validateRefundWindow(tradeOrder *types.TradeOrder) error {
	now := time.Now()
	switch tradeOrder.Status {
	case types.TradeStatusCreate:
		if now.Sub(tradeOrder.CreatedAt) > UnpaidRefundWindow {
			return types.Reject(types.RejectRefundWindowClosed,
				"unpaid order is past the %s refund window", UnpaidRefundWindow)
		}
	case types.TradeStatusPaid:
		ord, err := s.orders.GetOrder(tradeOrder.OrderID)
		if err != nil {
			return err
		}
		if ord != nil && now.After(ord.DeadlineTime) {
			return types.Reject(types.RejectRefundWindowClosed,
				"team deadline has passed, refund no longer available")
		}
	case types.TradeStatusSettled:
		return types.Reject(types.RejectRefundWindowClosed, "order is settled and cannot be refunded")
	case types.TradeStatusTimeout:
		return types.Reject(types.RejectRefundWindowClosed, "order already timed out")
	}
	return nil
}

// RefundTradeOrder refunds one participant under the shared lock. A trade
// order that is already terminal returns nil; a refundable one with no
// matching strategy is a bug and fails loudly.
func (s *Service) RefundTradeOrder(ctx context.Context, tradeOrderID, reason string) error {
	logger := log.With().
		Str("service", "refund").
		Str("trade_order_id", tradeOrderID).
		Str("reason", reason).
		Logger()

	l, err := s.locker.Acquire(ctx, lock.RefundKey(tradeOrderID), lock.DefaultLease)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return types.Reject(types.RejectOrderBusy, "trade order %s is being processed", tradeOrderID)
		}
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release refund lock")
		}
	}()

	tradeOrder, err := s.db.GetTradeOrder(tradeOrderID)
	if err != nil {
		return err
	}
	if tradeOrder == nil {
		return types.Reject(types.RejectNotFound, "trade order %s not found", tradeOrderID)
	}
	if tradeOrder.IsTerminal() {
		logger.Info().Str("status", tradeOrder.Status).Msg("trade order already terminal, refund is a no-op")
		return nil
	}

	var matched Strategy
	for _, strategy := range s.strategies {
		if strategy.Supports(tradeOrder) {
			matched = strategy
			break
		}
	}
	if matched == nil {
		return types.Reject(types.RejectInvalidTransition,
			"no refund strategy for trade order %s in status %s", tradeOrderID, tradeOrder.Status)
	}

	if err := matched.Execute(ctx, tradeOrder, reason); err != nil {
		return err
	}
	logger.Info().Str("status", tradeOrder.Status).Msg("refund dispatched")
	return nil
}

// TimeoutUnpaidTradeOrder is the deferred payment check: if the trade
// order is still CREATE when the timer fires, its slot and resources are
// released. Any other state means the check is no longer relevant.
func (s *Service) TimeoutUnpaidTradeOrder(ctx context.Context, tradeOrderID string) error {
	logger := log.With().
		Str("service", "refund").
		Str("trade_order_id", tradeOrderID).
		Logger()

	l, err := s.locker.Acquire(ctx, lock.RefundKey(tradeOrderID), lock.DefaultLease)
	if err != nil {
		if errors.Is(err, lock.ErrNotAcquired) {
			return types.Reject(types.RejectOrderBusy, "trade order %s is being processed", tradeOrderID)
		}
		return err
	}
	defer func() {
		if err := l.Release(ctx); err != nil {
			logger.Warn().Err(err).Msg("failed to release refund lock")
		}
	}()

	tradeOrder, err := s.db.GetTradeOrder(tradeOrderID)
	if err != nil {
		return err
	}
	if tradeOrder == nil || tradeOrder.Status != types.TradeStatusCreate {
		logger.Info().Msg("trade order paid or gone, timeout check dropped")
		return nil
	}

	return s.unpaid.Execute(ctx, tradeOrder, "payment timeout")
}

// RefundFailedOrder refunds every participant of a team that missed its
// deadline and marks the team FAILED. Re-running it picks up participants
// whose refund previously failed.
func (s *Service) RefundFailedOrder(ctx context.Context, orderID, reason string) error {
	ord, err := s.orders.GetOrder(orderID)
	if err != nil {
		return err
	}
	if ord == nil {
		return types.Reject(types.RejectNotFound, "order %s not found", orderID)
	}
	if ord.Status == types.OrderStatusSuccess {
		return types.Reject(types.RejectInvalidTransition, "order %s succeeded, team refund not applicable", orderID)
	}
	return s.team.Execute(ctx, orderID, reason)
}

// RetryGatewayRefund re-attempts a refund delivery from the retry queue.
// The trade order's local state is already REFUND; only the gateway call is
// repeated. Attempts beyond the cap go to the dead-letter table.
func (s *Service) RetryGatewayRefund(ctx context.Context, task delay.RefundRetry) error {
	logger := log.With().
		Str("service", "refund").
		Str("trade_order_id", task.TradeOrderID).
		Int("attempts", task.Attempts).
		Logger()

	tradeOrder, err := s.db.GetTradeOrder(task.TradeOrderID)
	if err != nil {
		return err
	}
	if tradeOrder == nil || tradeOrder.Status != types.TradeStatusRefund {
		logger.Info().Msg("trade order no longer awaiting refund delivery, dropping retry")
		return nil
	}

	result, err := s.payGW.Refund(ctx, tradeOrder.OutTradeNo, tradeOrder.PayPrice,
		task.Reason, tradeOrder.TradeOrderID)
	if err == nil && result.Success {
		logger.Info().Msg("gateway refund delivered on retry")
		return nil
	}

	errMsg := result.ErrorMsg
	if err != nil {
		errMsg = err.Error()
	}

	if task.Attempts >= MaxRefundAttempts {
		logger.Error().
			Str("gateway_error", errMsg).
			Msg("refund delivery exhausted retries, parking in dead letters")
		return s.db.CreateDeadLetter(&types.RefundDeadLetter{
			TradeOrderID: task.TradeOrderID,
			Reason:       task.Reason,
			Attempts:     task.Attempts,
			LastError:    errMsg,
		})
	}

	logger.Warn().Str("gateway_error", errMsg).Msg("gateway refund failed again, scheduling retry")
	s.scheduleRetry(ctx, delay.RefundRetry{
		TradeOrderID: task.TradeOrderID,
		Reason:       task.Reason,
		Attempts:     task.Attempts + 1,
	}, errMsg)
	return nil
}

func (s *Service) ListDeadLetters() ([]types.RefundDeadLetter, error) {
	return s.db.ListDeadLetters()
}

// refundRequest is the user-facing refund body.
type refundRequest struct {
	Reason string `json:"reason"`
}

// GinHandlers contains HTTP handlers for refund endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for refund endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// RefundTradeOrderHandler handles POST requests to refund one participant
// The refund window policy applies to this user-facing path
// URL parameter: trade_order_id
func (h *GinHandlers) RefundTradeOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeOrderID := c.Param("trade_order_id")

		var req refundRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Reason == "" {
			req.Reason = "user requested refund"
		}

		err := h.service.RequestRefund(c.Request.Context(), tradeOrderID, req.Reason)
		response.Handle(c, gin.H{"trade_order_id": tradeOrderID, "refund": "processing"}, err)
	}
}

// RefundOrderHandler handles POST requests to refund a whole failed team
// Internal fallback for when the deadline sweep needs a manual re-run
// URL parameter: order_id
func (h *GinHandlers) RefundOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")

		var req refundRequest
		if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
			response.BadRequest(c, err.Error())
			return
		}
		if req.Reason == "" {
			req.Reason = "team failed"
		}

		err := h.service.RefundFailedOrder(c.Request.Context(), orderID, req.Reason)
		response.Handle(c, gin.H{"order_id": orderID}, err)
	}
}

// ListDeadLettersHandler handles GET requests for parked refunds
func (h *GinHandlers) ListDeadLettersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		deadLetters, err := h.service.ListDeadLetters()
		response.Handle(c, deadLetters, err)
	}
}

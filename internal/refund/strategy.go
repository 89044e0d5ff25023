package refund

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/ksred/groupbuy-api/internal/delay"
	"github.com/ksred/groupbuy-api/internal/events"
	"github.com/ksred/groupbuy-api/internal/types"
	"gorm.io/gorm"
)

// Strategy handles one class of trade-order refund. Exactly one strategy
// must support any refundable trade order; the dispatcher fails loudly when
// none does rather than guessing.
type Strategy interface {
	Supports(tradeOrder *types.TradeOrder) bool
	Execute(ctx context.Context, tradeOrder *types.TradeOrder, reason string) error
}

// unpaidStrategy recovers a reserved slot whose participant never paid:
// CREATE -> TIMEOUT, slot released, quota and stock returned. No money
// moved, so no gateway call.
type unpaidStrategy struct {
	svc *Service
}

func (s *unpaidStrategy) Supports(tradeOrder *types.TradeOrder) bool {
	return tradeOrder.Status == types.TradeStatusCreate
}

func (s *unpaidStrategy) Execute(ctx context.Context, tradeOrder *types.TradeOrder, reason string) error {
	logger := log.With().
		Str("strategy", "unpaid").
		Str("trade_order_id", tradeOrder.TradeOrderID).
		Logger()

	var timedOut bool
	err := s.svc.gormDB.Transaction(func(tx *gorm.DB) error {
		var err error
		timedOut, err = s.svc.db.WithTx(tx).MarkTimeout(tradeOrder.TradeOrderID)
		if err != nil || !timedOut {
			return err
		}
		if _, err := s.svc.orders.WithTx(tx).ReleaseSlot(tradeOrder.OrderID); err != nil {
			return err
		}
		return s.svc.accounts.WithTx(tx).Compensate(tradeOrder.UserID, tradeOrder.ActivityID)
	})
	if err != nil {
		return err
	}
	if !timedOut {
		logger.Info().Msg("trade order no longer unpaid, nothing to release")
		return nil
	}

	if s.svc.inventory != nil {
		if err := s.svc.inventory.Release(ctx, tradeOrder.GoodsID, 1); err != nil {
			logger.Error().Err(err).Str("goods_id", tradeOrder.GoodsID).Msg("failed to release frozen stock")
		}
	}

	logger.Info().Str("reason", reason).Msg("unpaid slot released")
	return nil
}

// paidStrategy refunds a participant who already paid: PAID -> REFUND and
// slot released locally, then the gateway refund. A gateway failure never
// rolls back the local transition; delivery is retried asynchronously with
// bounded attempts.
type paidStrategy struct {
	svc *Service
}

func (s *paidStrategy) Supports(tradeOrder *types.TradeOrder) bool {
	return tradeOrder.Status == types.TradeStatusPaid
}

func (s *paidStrategy) Execute(ctx context.Context, tradeOrder *types.TradeOrder, reason string) error {
	logger := log.With().
		Str("strategy", "paid").
		Str("trade_order_id", tradeOrder.TradeOrderID).
		Logger()

	var refunded bool
	err := s.svc.gormDB.Transaction(func(tx *gorm.DB) error {
		var err error
		refunded, err = s.svc.db.WithTx(tx).MarkRefund(tradeOrder.TradeOrderID, reason)
		if err != nil || !refunded {
			return err
		}
		if _, err := s.svc.orders.WithTx(tx).ReleaseSlot(tradeOrder.OrderID); err != nil {
			return err
		}
		return s.svc.accounts.WithTx(tx).Compensate(tradeOrder.UserID, tradeOrder.ActivityID)
	})
	if err != nil {
		return err
	}
	if !refunded {
		logger.Info().Msg("trade order no longer paid, skipping refund")
		return nil
	}

	if s.svc.inventory != nil {
		if err := s.svc.inventory.Release(ctx, tradeOrder.GoodsID, 1); err != nil {
			logger.Error().Err(err).Str("goods_id", tradeOrder.GoodsID).Msg("failed to release frozen stock")
		}
	}

	s.svc.deliverGatewayRefund(ctx, tradeOrder, reason, 1)
	return nil
}

// deliverGatewayRefund makes one refund attempt against the gateway. On
// failure the task is queued for another attempt; the trade order stays
// REFUND either way.
func (s *Service) deliverGatewayRefund(ctx context.Context, tradeOrder *types.TradeOrder, reason string, attempt int) {
	logger := log.With().
		Str("service", "refund").
		Str("trade_order_id", tradeOrder.TradeOrderID).
		Int("attempt", attempt).
		Logger()

	result, err := s.payGW.Refund(ctx, tradeOrder.OutTradeNo, tradeOrder.PayPrice,
		reason, tradeOrder.TradeOrderID)
	if err == nil && result.Success {
		logger.Info().Str("amount", tradeOrder.PayPrice.String()).Msg("gateway refund delivered")
		return
	}

	errMsg := result.ErrorMsg
	if err != nil {
		errMsg = err.Error()
	}
	logger.Warn().Str("gateway_error", errMsg).Msg("gateway refund failed, scheduling retry")
	s.scheduleRetry(ctx, delay.RefundRetry{
		TradeOrderID: tradeOrder.TradeOrderID,
		Reason:       reason,
		Attempts:     attempt,
	}, errMsg)
}

// TeamStrategy refunds every participant of a failed team and marks the
// team FAILED. Per-row failures are tallied rather than aborting the whole
// pass; only a pass that achieves nothing reports an error.
type TeamStrategy struct {
	svc *Service
}

func (s *TeamStrategy) Execute(ctx context.Context, orderID, reason string) error {
	logger := log.With().
		Str("strategy", "team").
		Str("order_id", orderID).
		Logger()

	tradeOrders, err := s.svc.db.ListByOrderID(orderID)
	if err != nil {
		return err
	}

	attempted, failed := 0, 0
	for _, tradeOrder := range tradeOrders {
		if tradeOrder.IsTerminal() {
			continue
		}
		attempted++
		if err := s.svc.RefundTradeOrder(ctx, tradeOrder.TradeOrderID, reason); err != nil {
			failed++
			logger.Error().
				Err(err).
				Str("trade_order_id", tradeOrder.TradeOrderID).
				Msg("participant refund failed")
		}
	}

	if attempted > 0 && failed == attempted {
		return types.Reject(types.RejectInvalidTransition,
			"all %d participant refunds failed for order %s", attempted, orderID)
	}

	// The team flips to FAILED even if some participant refunds remain
	// outstanding; the remaining rows are retried via the queue or the
	// manual trigger.
	return events.PublishAfterCommit(s.svc.gormDB, s.svc.bus, func(tx *gorm.DB) ([]events.Signal, error) {
		flipped, err := s.svc.orders.WithTx(tx).MarkFailed(orderID)
		if err != nil {
			return nil, err
		}
		if !flipped {
			return nil, nil
		}
		return []events.Signal{events.OrderFailed{
			OrderID:    orderID,
			Reason:     reason,
			OccurredAt: time.Now(),
		}}, nil
	})
}

// scheduleRetry queues a refund delivery re-attempt. The id is fresh per
// message; the consumer uses the attempt counter for the dead-letter cap.
func (s *Service) scheduleRetry(ctx context.Context, task delay.RefundRetry, lastError string) {
	msg, err := delay.NewRefundRetry(uuid.New().String(), task)
	if err != nil {
		log.Error().Err(err).Str("trade_order_id", task.TradeOrderID).Msg("failed to build refund retry message")
		return
	}
	if err := s.transport.ScheduleAfter(ctx, s.retryBackoff, msg); err != nil {
		log.Error().
			Err(err).
			Str("trade_order_id", task.TradeOrderID).
			Str("last_error", lastError).
			Msg("failed to schedule refund retry")
	}
}

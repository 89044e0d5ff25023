// Package trade implements the join flow: reserving a team slot, freezing
// money and stock, and creating the participant's TradeOrder. The flow is
// idempotent on outTradeNo and compensates every speculative side effect
// when a later step fails.
package trade

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/shopspring/decimal"
	"github.com/ksred/groupbuy-api/internal/account"
	"github.com/ksred/groupbuy-api/internal/delay"
	"github.com/ksred/groupbuy-api/internal/events"
	"github.com/ksred/groupbuy-api/internal/gateway"
	"github.com/ksred/groupbuy-api/internal/order"
	"github.com/ksred/groupbuy-api/internal/types"
	"github.com/ksred/groupbuy-api/pkg/response"
	"gorm.io/gorm"
)

// DefaultPayTimeout is how long a participant has to pay for a reserved
// slot before the deferred check releases it.
const DefaultPayTimeout = 30 * time.Minute

// Service handles the join/lock flow.
type Service struct {
	gormDB     *gorm.DB
	db         *Database
	orders     *order.Database
	accounts   *account.Database
	bus        *events.Bus
	transport  delay.Transport
	discount   gateway.DiscountCalculator
	crowdTag   gateway.CrowdTagPredicate
	inventory  gateway.Inventory
	payTimeout time.Duration
}

// NewService creates a new trade service with the given collaborators.
func NewService(gormDB *gorm.DB, bus *events.Bus, transport delay.Transport,
	discount gateway.DiscountCalculator, crowdTag gateway.CrowdTagPredicate,
	inventory gateway.Inventory) *Service {

	return &Service{
		gormDB:     gormDB,
		db:         NewDatabase(gormDB),
		orders:     order.NewDatabase(gormDB),
		accounts:   account.NewDatabase(gormDB),
		bus:        bus,
		transport:  transport,
		discount:   discount,
		crowdTag:   crowdTag,
		inventory:  inventory,
		payTimeout: DefaultPayTimeout,
	}
}

// SetPayTimeout overrides the deferred payment-check delay.
func (s *Service) SetPayTimeout(d time.Duration) {
	s.payTimeout = d
}

// LockRequest carries everything the join flow needs. TeamID empty means
// the caller is opening a new team as leader; the activity parameters
// (target count, group type, validity) only apply on that path.
type LockRequest struct {
	UserID        string                 `json:"user_id" binding:"required"`
	ActivityID    string                 `json:"activity_id" binding:"required"`
	GoodsID       string                 `json:"goods_id" binding:"required"`
	GoodsName     string                 `json:"goods_name"`
	TeamID        string                 `json:"team_id"`
	OutTradeNo    string                 `json:"out_trade_no" binding:"required"`
	OriginalPrice string                 `json:"original_price" binding:"required"`
	Source        string                 `json:"source"`
	Channel       string                 `json:"channel"`
	TargetCount   int                    `json:"target_count"`
	GroupType     string                 `json:"group_type"`
	ValidMinutes  int                    `json:"valid_minutes"`
	TakeLimit     int                    `json:"take_limit"`
	Discount      gateway.DiscountConfig `json:"discount"`
	TagID         string                 `json:"tag_id"`
}

// LockResult is the join flow's outcome: the participant's transaction and
// the team it belongs to.
type LockResult struct {
	TradeOrder *types.TradeOrder `json:"trade_order"`
	Order      *types.Order      `json:"order"`
}

// LockOrder reserves a slot and creates the TradeOrder. Replaying the same
// outTradeNo returns the original result without any side effects.
func (s *Service) LockOrder(ctx context.Context, req *LockRequest) (*LockResult, error) {
	logger := log.With().
		Str("service", "trade").
		Str("user_id", req.UserID).
		Str("out_trade_no", req.OutTradeNo).
		Str("team_id", req.TeamID).
		Logger()

	// Idempotency boundary: a replayed token returns the existing result.
	existing, err := s.db.GetTradeOrderByOutTradeNo(req.OutTradeNo)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		logger.Info().Str("trade_order_id", existing.TradeOrderID).Msg("duplicate lock request, returning existing trade order")
		ord, err := s.orders.GetOrder(existing.OrderID)
		if err != nil {
			return nil, err
		}
		return &LockResult{TradeOrder: existing, Order: ord}, nil
	}

	originalPrice, err := decimal.NewFromString(req.OriginalPrice)
	if err != nil || originalPrice.IsNegative() {
		return nil, types.Reject(types.RejectInvalidTransition, "invalid original price: %s", req.OriginalPrice)
	}

	// Crowd scope: a definite non-member is rejected, an unavailable tag
	// service fails open.
	if req.TagID != "" && s.crowdTag != nil {
		switch s.crowdTag.IsUserInTag(ctx, req.UserID, req.TagID) {
		case gateway.TagNotMember:
			return nil, types.Reject(types.RejectNotEligible, "user is not in the activity's crowd scope")
		case gateway.TagUnknown:
			logger.Warn().Str("tag_id", req.TagID).Msg("crowd tag unavailable, allowing join")
		}
	}

	// Speculative quota deduction, compensated on any downstream failure.
	if _, err := s.accounts.EnsureAccount(req.UserID, req.ActivityID, req.TakeLimit); err != nil {
		return nil, err
	}
	deducted, err := s.accounts.TryDeduct(req.UserID, req.ActivityID)
	if err != nil {
		return nil, err
	}
	if !deducted {
		return nil, types.Reject(types.RejectLimitReached, "participation limit reached for this activity")
	}

	payPrice := originalPrice
	if s.discount != nil {
		payPrice = s.discount.Calculate(req.UserID, originalPrice, req.Discount)
	}
	deductionPrice := originalPrice.Sub(payPrice)

	frozen, err := s.inventory.Freeze(ctx, req.GoodsID, 1)
	if err != nil {
		s.compensateAccount(req)
		return nil, err
	}
	if !frozen {
		s.compensateAccount(req)
		return nil, types.Reject(types.RejectOutOfStock, "goods out of stock")
	}

	tradeOrderID := uuid.New().String()
	result, err := s.lockInTransaction(req, tradeOrderID, originalPrice, deductionPrice, payPrice)
	if err != nil {
		s.compensateAccount(req)
		if relErr := s.inventory.Release(ctx, req.GoodsID, 1); relErr != nil {
			logger.Error().Err(relErr).Msg("failed to release frozen stock after join failure")
		}
		// A concurrent request with the same token can win the create
		// between the idempotency read and this transaction. The loser's
		// writes rolled back above; surface the winner's result instead of
		// the constraint error.
		if isDuplicateKey(err) {
			existing, lookupErr := s.db.GetTradeOrderByOutTradeNo(req.OutTradeNo)
			if lookupErr == nil && existing != nil {
				logger.Info().
					Str("trade_order_id", existing.TradeOrderID).
					Msg("lost duplicate token race, returning existing trade order")
				ord, ordErr := s.orders.GetOrder(existing.OrderID)
				if ordErr != nil {
					return nil, ordErr
				}
				return &LockResult{TradeOrder: existing, Order: ord}, nil
			}
		}
		return nil, err
	}

	s.scheduleTimeoutCheck(ctx, tradeOrderID, logger)

	logger.Info().
		Str("trade_order_id", tradeOrderID).
		Str("order_id", result.Order.OrderID).
		Str("pay_price", payPrice.String()).
		Msg("slot reserved and trade order created")
	return result, nil
}

// lockInTransaction runs the slot reservation and TradeOrder creation
// atomically and publishes the join signals after commit.
func (s *Service) lockInTransaction(req *LockRequest, tradeOrderID string,
	originalPrice, deductionPrice, payPrice decimal.Decimal) (*LockResult, error) {

	var result LockResult

	err := events.PublishAfterCommit(s.gormDB, s.bus, func(tx *gorm.DB) ([]events.Signal, error) {
		var signals []events.Signal
		now := time.Now()

		var ord *types.Order
		if req.TeamID == "" {
			// Leader path: open a new team, the leader holds slot one.
			validity := time.Duration(req.ValidMinutes) * time.Minute
			if validity <= 0 {
				validity = 24 * time.Hour
			}
			var err error
			ord, err = types.NewOrder(uuid.New().String(), newTeamCode(), req.ActivityID,
				req.GoodsID, req.UserID, req.GroupType, req.TargetCount,
				originalPrice, deductionPrice, payPrice,
				now.Add(validity), req.Source, req.Channel)
			if err != nil {
				return nil, err
			}
			if err := s.orders.WithTx(tx).CreateOrder(ord); err != nil {
				return nil, err
			}
			signals = append(signals, events.OrderCreated{
				OrderID:    ord.OrderID,
				TeamID:     ord.TeamID,
				LeaderID:   req.UserID,
				ActivityID: req.ActivityID,
				OccurredAt: now,
			})
		} else {
			// Join path: the conditional write is the authority; the guard
			// just produces a friendlier rejection when the team is visibly
			// unjoinable.
			var err error
			ord, err = s.orders.WithTx(tx).GetOrderByTeamID(req.TeamID)
			if err != nil {
				return nil, err
			}
			if ord == nil {
				return nil, types.Reject(types.RejectNotFound, "team %s not found", req.TeamID)
			}
			if err := ord.ValidateLock(); err != nil {
				return nil, err
			}
			reserved, err := s.orders.WithTx(tx).TryReserveSlot(ord.OrderID)
			if err != nil {
				return nil, err
			}
			if !reserved {
				return nil, types.Reject(types.RejectTeamFull, "team is full")
			}
			ord.LockCount++
		}

		tradeOrder, err := types.NewTradeOrder(tradeOrderID, req.OutTradeNo, ord.OrderID,
			ord.TeamID, req.ActivityID, req.UserID, req.GoodsID, req.GoodsName,
			originalPrice, deductionPrice, payPrice, req.Source, req.Channel)
		if err != nil {
			return nil, err
		}
		if err := s.db.WithTx(tx).CreateTradeOrder(tradeOrder); err != nil {
			return nil, err
		}

		signals = append(signals, events.UserJoinedOrder{
			OrderID:      ord.OrderID,
			TradeOrderID: tradeOrderID,
			UserID:       req.UserID,
			LockCount:    ord.LockCount,
			TargetCount:  ord.TargetCount,
			OccurredAt:   now,
		})

		result.TradeOrder = tradeOrder
		result.Order = ord
		return signals, nil
	})
	if err != nil {
		return nil, err
	}
	return &result, nil
}

func (s *Service) compensateAccount(req *LockRequest) {
	if err := s.accounts.Compensate(req.UserID, req.ActivityID); err != nil {
		log.Error().
			Err(err).
			Str("user_id", req.UserID).
			Str("activity_id", req.ActivityID).
			Msg("failed to compensate participation quota")
	}
}

// scheduleTimeoutCheck enqueues the deferred unpaid check. A scheduling
// failure is logged but not surfaced: the deadline sweep recovers the slot
// at the team deadline regardless.
func (s *Service) scheduleTimeoutCheck(ctx context.Context, tradeOrderID string, logger zerolog.Logger) {
	msg, err := delay.NewTimeoutCheck(uuid.New().String(), tradeOrderID)
	if err != nil {
		logger.Error().Err(err).Msg("failed to build timeout check message")
		return
	}
	if err := s.transport.ScheduleAfter(ctx, s.payTimeout, msg); err != nil {
		logger.Error().Err(err).Msg("failed to schedule timeout check")
	}
}

// isDuplicateKey matches a unique-constraint violation from the driver,
// whether or not gorm error translation is enabled.
func isDuplicateKey(err error) bool {
	return errors.Is(err, gorm.ErrDuplicatedKey) ||
		strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// newTeamCode generates the short shareable team code.
func newTeamCode() string {
	return strings.ToUpper(strings.ReplaceAll(uuid.New().String(), "-", "")[:8])
}

func (s *Service) GetTradeOrder(tradeOrderID string) (*types.TradeOrder, error) {
	return s.db.GetTradeOrder(tradeOrderID)
}

func (s *Service) GetTradeOrdersByUser(userID string) ([]types.TradeOrder, error) {
	return s.db.GetTradeOrdersByUser(userID)
}

// GinHandlers contains HTTP handlers for the join flow
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for the join flow
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// LockOrderHandler handles POST requests to join or open a team
// Request body is a LockRequest; out_trade_no is the idempotency token
func (h *GinHandlers) LockOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req LockRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			response.BadRequest(c, err.Error())
			return
		}

		result, err := h.service.LockOrder(c.Request.Context(), &req)
		response.Handle(c, result, err)
	}
}

// GetTradeOrderHandler handles GET requests for one trade order
// URL parameter: trade_order_id
func (h *GinHandlers) GetTradeOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		tradeOrderID := c.Param("trade_order_id")

		tradeOrder, err := h.service.GetTradeOrder(tradeOrderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if tradeOrder == nil {
			response.NotFound(c, "Trade order not found")
			return
		}

		response.Success(c, tradeOrder)
	}
}

// ListUserTradeOrdersHandler handles GET requests for a user's trade orders
// URL parameter: user_id
func (h *GinHandlers) ListUserTradeOrdersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.Param("user_id")

		tradeOrders, err := h.service.GetTradeOrdersByUser(userID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}

		response.Success(c, tradeOrders)
	}
}

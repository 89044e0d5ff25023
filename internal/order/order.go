package order

import (
	"github.com/gin-gonic/gin"
	"github.com/ksred/groupbuy-api/internal/types"
	"github.com/ksred/groupbuy-api/pkg/response"
	"gorm.io/gorm"
)

// Service exposes read access to team orders and their fill progress.
// Mutations happen through the Database's conditional writes, driven by the
// trade, settlement and refund services.
type Service struct {
	db *Database
}

// NewService creates a new order service with the given database connection
func NewService(gormDB *gorm.DB) *Service {
	return &Service{
		db: NewDatabase(gormDB),
	}
}

func (s *Service) GetOrder(orderID string) (*types.Order, error) {
	return s.db.GetOrder(orderID)
}

func (s *Service) GetOrderByTeamID(teamID string) (*types.Order, error) {
	return s.db.GetOrderByTeamID(teamID)
}

// TeamProgress is the public view of a team's fill state.
type TeamProgress struct {
	OrderID       string `json:"order_id"`
	TeamID        string `json:"team_id"`
	ActivityID    string `json:"activity_id"`
	Status        string `json:"status"`
	TargetCount   int    `json:"target_count"`
	LockCount     int    `json:"lock_count"`
	CompleteCount int    `json:"complete_count"`
	RemainingSlots int   `json:"remaining_slots"`
}

// GetTeamProgress reports how close a team is to completing.
func (s *Service) GetTeamProgress(teamID string) (*TeamProgress, error) {
	order, err := s.db.GetOrderByTeamID(teamID)
	if err != nil || order == nil {
		return nil, err
	}
	remaining := order.TargetCount - order.LockCount
	if remaining < 0 {
		remaining = 0
	}
	return &TeamProgress{
		OrderID:        order.OrderID,
		TeamID:         order.TeamID,
		ActivityID:     order.ActivityID,
		Status:         string(order.Status),
		TargetCount:    order.TargetCount,
		LockCount:      order.LockCount,
		CompleteCount:  order.CompleteCount,
		RemainingSlots: remaining,
	}, nil
}

// GinHandlers contains HTTP handlers for team order endpoints
type GinHandlers struct {
	service *Service
}

// NewGinHandlers creates a new set of HTTP handlers for team order endpoints
func NewGinHandlers(service *Service) *GinHandlers {
	return &GinHandlers{
		service: service,
	}
}

// GetTeamProgressHandler handles GET requests for a team's fill progress
// URL parameter: team_id
func (h *GinHandlers) GetTeamProgressHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		teamID := c.Param("team_id")
		if teamID == "" {
			response.BadRequest(c, "Team ID is required")
			return
		}

		progress, err := h.service.GetTeamProgress(teamID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if progress == nil {
			response.NotFound(c, "Team not found")
			return
		}

		response.Success(c, progress)
	}
}

// GetOrderHandler handles GET requests for the raw team order
// URL parameter: order_id
func (h *GinHandlers) GetOrderHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		orderID := c.Param("order_id")
		if orderID == "" {
			response.BadRequest(c, "Order ID is required")
			return
		}

		order, err := h.service.GetOrder(orderID)
		if err != nil {
			response.InternalError(c, err.Error())
			return
		}
		if order == nil {
			response.NotFound(c, "Order not found")
			return
		}

		response.Success(c, order)
	}
}

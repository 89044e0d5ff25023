// Package order owns the team order aggregate and its slot counters. All
// concurrent mutations go through single conditional UPDATE statements so
// two racing participants can never both claim the last slot.
package order

import (
	"errors"
	"time"

	"github.com/ksred/groupbuy-api/internal/types"
	"gorm.io/gorm"
)

type Database struct {
	db *gorm.DB
}

func NewDatabase(db *gorm.DB) *Database {
	return &Database{db: db}
}

// WithTx returns a Database bound to an open transaction so slot operations
// can participate in a caller's transaction.
func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) CreateOrder(order *types.Order) error {
	return d.db.Create(order).Error
}

func (d *Database) GetOrder(orderID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

func (d *Database) GetOrderByTeamID(teamID string) (*types.Order, error) {
	var order types.Order
	if err := d.db.Where("team_id = ?", teamID).First(&order).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &order, nil
}

// TryReserveSlot claims one slot on a pending, unfilled, unexpired team.
// The guards live in the WHERE clause so concurrent reservations serialize
// at the database: exactly target_count-1 joiners can ever succeed.
// Returns false when no slot was available, without distinguishing why.
func (d *Database) TryReserveSlot(orderID string) (bool, error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ? AND lock_count < target_count AND deadline_time > ?",
			orderID, types.OrderStatusPending, time.Now()).
		Update("lock_count", gorm.Expr("lock_count + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ReleaseSlot returns a reserved slot when a participant abandons or is
// refunded. The guard keeps lock_count from dropping below the number of
// slots already paid for.
func (d *Database) ReleaseSlot(orderID string) (bool, error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND lock_count > complete_count", orderID).
		Update("lock_count", gorm.Expr("lock_count - 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// TryCompleteSlot converts one reserved slot into a paid slot, and in the
// same statement flips the team to SUCCESS when this payment is the one
// that fills it. Fusing the counter bump and the status flip means the
// order can never be observed full-but-pending, no matter how the payment
// callbacks interleave. Like the reserve path, the deadline guard sits in
// the WHERE clause so a callback racing the deadline cannot convert a slot
// on an expired team. The returned completed flag may in rare races be
// true for more than one caller; settlement is idempotent so a duplicate
// trigger is harmless. Returns the post-increment paid count so callers
// can publish an accurate progress snapshot.
func (d *Database) TryCompleteSlot(orderID string) (completed bool, newCount int, err error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ? AND complete_count < target_count AND deadline_time > ?",
			orderID, types.OrderStatusPending, time.Now()).
		Updates(map[string]interface{}{
			"complete_count": gorm.Expr("complete_count + 1"),
			"status": gorm.Expr("CASE WHEN complete_count + 1 >= target_count THEN ? ELSE status END",
				types.OrderStatusSuccess),
			"completed_time": gorm.Expr("CASE WHEN complete_count + 1 >= target_count THEN ? ELSE completed_time END",
				time.Now()),
		})
	if result.Error != nil {
		return false, 0, result.Error
	}
	if result.RowsAffected != 1 {
		return false, 0, types.Reject(types.RejectInvalidTransition, "order %s cannot accept a completed slot", orderID)
	}

	var order types.Order
	if err := d.db.Where("order_id = ?", orderID).First(&order).Error; err != nil {
		return false, 0, err
	}
	completed = order.Status == types.OrderStatusSuccess && order.CompleteCount == order.TargetCount
	return completed, order.CompleteCount, nil
}

// MarkFailed transitions a pending team to FAILED. Terminal states are
// never overwritten.
func (d *Database) MarkFailed(orderID string) (bool, error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ?", orderID, types.OrderStatusPending).
		Update("status", types.OrderStatusFailed)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkVirtualSuccess force-completes a virtual team at its deadline. The
// platform backfills the missing members, so the team succeeds regardless
// of how many real slots were paid.
func (d *Database) MarkVirtualSuccess(orderID string) (bool, error) {
	result := d.db.Model(&types.Order{}).
		Where("order_id = ? AND status = ? AND group_type = ?",
			orderID, types.OrderStatusPending, types.GroupTypeVirtual).
		Updates(map[string]interface{}{
			"status":         types.OrderStatusSuccess,
			"completed_time": time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// FindExpiredPending returns pending teams whose deadline has passed,
// oldest first, capped at limit for the sweep's batch size.
func (d *Database) FindExpiredPending(limit int) ([]types.Order, error) {
	var orders []types.Order
	err := d.db.Where("status = ? AND deadline_time <= ?", types.OrderStatusPending, time.Now()).
		Order("deadline_time asc").
		Limit(limit).
		Find(&orders).Error
	if err != nil {
		return nil, err
	}
	return orders, nil
}

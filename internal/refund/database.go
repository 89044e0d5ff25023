package refund

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

func (d *Database) WithTx(tx *gorm.DB) *Database {
	return &Database{db: tx}
}

func (d *Database) GetTradeOrder(tradeOrderID string) (*types.TradeOrder, error) {
	var tradeOrder types.TradeOrder
	if err := d.db.Where("trade_order_id = ?", tradeOrderID).First(&tradeOrder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tradeOrder, nil
}

func (d *Database) ListByOrderID(orderID string) ([]types.TradeOrder, error) {
	var tradeOrders []types.TradeOrder
	err := d.db.Where("order_id = ?", orderID).Order("created_at asc").Find(&tradeOrders).Error
	if err != nil {
		return nil, err
	}
	return tradeOrders, nil
}

// MarkTimeout transitions CREATE -> TIMEOUT. Zero rows affected means a
// concurrent payment or refund already moved the trade order on.
func (d *Database) MarkTimeout(tradeOrderID string) (bool, error) {
	result := d.db.Model(&types.TradeOrder{}).
		Where("trade_order_id = ? AND status = ?", tradeOrderID, types.TradeStatusCreate).
		Update("status", types.TradeStatusTimeout)
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkRefund transitions PAID -> REFUND with the reason recorded. The
// local transition must land before the gateway call so the user-visible
// "refund in progress" state survives a gateway outage.
func (d *Database) MarkRefund(tradeOrderID, reason string) (bool, error) {
	result := d.db.Model(&types.TradeOrder{}).
		Where("trade_order_id = ? AND status = ?", tradeOrderID, types.TradeStatusPaid).
		Updates(map[string]interface{}{
			"status":        types.TradeStatusRefund,
			"refund_reason": reason,
			"refund_time":   time.Now(),
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

func (d *Database) CreateDeadLetter(deadLetter *types.RefundDeadLetter) error {
	return d.db.Create(deadLetter).Error
}

func (d *Database) ListDeadLetters() ([]types.RefundDeadLetter, error) {
	var deadLetters []types.RefundDeadLetter
	err := d.db.Order("created_at desc").Find(&deadLetters).Error
	if err != nil {
		return nil, err
	}
	return deadLetters, nil
}

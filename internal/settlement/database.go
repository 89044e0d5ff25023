package settlement

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

func (d *Database) GetTradeOrderByOutTradeNo(outTradeNo string) (*types.TradeOrder, error) {
	var tradeOrder types.TradeOrder
	if err := d.db.Where("out_trade_no = ?", outTradeNo).First(&tradeOrder).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &tradeOrder, nil
}

// MarkPaid transitions CREATE -> PAID with a conditional write so a racing
// duplicate callback cannot double-apply the payment.
func (d *Database) MarkPaid(tradeOrderID string, payTime time.Time) (bool, error) {
	result := d.db.Model(&types.TradeOrder{}).
		Where("trade_order_id = ? AND status = ?", tradeOrderID, types.TradeStatusCreate).
		Updates(map[string]interface{}{
			"status":   types.TradeStatusPaid,
			"pay_time": payTime,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// MarkSettled transitions PAID -> SETTLED. The guard makes settlement
// re-entrant: a second pass over the same order affects zero rows.
func (d *Database) MarkSettled(tradeOrderID string, settlementTime time.Time) (bool, error) {
	result := d.db.Model(&types.TradeOrder{}).
		Where("trade_order_id = ? AND status = ?", tradeOrderID, types.TradeStatusPaid).
		Updates(map[string]interface{}{
			"status":          types.TradeStatusSettled,
			"settlement_time": settlementTime,
		})
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// ListPaidByOrderID returns the PAID participants of a team, oldest first.
func (d *Database) ListPaidByOrderID(orderID string) ([]types.TradeOrder, error) {
	var tradeOrders []types.TradeOrder
	err := d.db.Where("order_id = ? AND status = ?", orderID, types.TradeStatusPaid).
		Order("created_at asc").
		Find(&tradeOrders).Error
	if err != nil {
		return nil, err
	}
	return tradeOrders, nil
}

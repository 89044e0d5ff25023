package trade

import (
	"errors"

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

func (d *Database) CreateTradeOrder(tradeOrder *types.TradeOrder) error {
	return d.db.Create(tradeOrder).Error
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

// GetTradeOrderByOutTradeNo looks up by the external idempotency token.
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

func (d *Database) GetTradeOrdersByUser(userID string) ([]types.TradeOrder, error) {
	var tradeOrders []types.TradeOrder
	err := d.db.Where("user_id = ?", userID).Order("created_at desc").Find(&tradeOrders).Error
	if err != nil {
		return nil, err
	}
	return tradeOrders, nil
}

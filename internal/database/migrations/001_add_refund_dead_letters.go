package migrations

import (
	"github.com/ksred/groupbuy-api/internal/types"
	"gorm.io/gorm"
)

func AddRefundDeadLetters(db *gorm.DB) error {
	// Parked refunds that exhausted their gateway retries
	if err := db.AutoMigrate(&types.RefundDeadLetter{}); err != nil {
		return err
	}

	return nil
}

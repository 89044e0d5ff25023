package migrations

import (
	"github.com/ksred/groupbuy-api/internal/types"
	"gorm.io/gorm"
)

func AddAccountQuotas(db *gorm.DB) error {
	// Per-user participation quotas, one row per user and activity
	if err := db.AutoMigrate(&types.Account{}); err != nil {
		return err
	}

	return nil
}

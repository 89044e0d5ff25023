// Package account tracks each user's participation quota per activity.
// Deduction and compensation use conditional updates so concurrent joins
// from the same user cannot exceed the configured limit.
package account

import (
	"errors"

	"github.com/google/uuid"
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

// EnsureAccount returns the user's account for an activity, creating it
// with the given limit on first participation.
func (d *Database) EnsureAccount(userID, activityID string, takeLimitCount int) (*types.Account, error) {
	var account types.Account
	err := d.db.Where("user_id = ? AND activity_id = ?", userID, activityID).
		Attrs(types.Account{
			AccountID:      uuid.New().String(),
			UserID:         userID,
			ActivityID:     activityID,
			TakeLimitCount: takeLimitCount,
		}).
		FirstOrCreate(&account).Error
	if err != nil {
		return nil, err
	}
	return &account, nil
}

// GetAccount returns the account or nil when the user never participated.
func (d *Database) GetAccount(userID, activityID string) (*types.Account, error) {
	var account types.Account
	err := d.db.Where("user_id = ? AND activity_id = ?", userID, activityID).
		First(&account).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &account, nil
}

// TryDeduct consumes one unit of the user's quota. A limit of zero means
// unlimited. Returns false when the quota is exhausted.
func (d *Database) TryDeduct(userID, activityID string) (bool, error) {
	result := d.db.Model(&types.Account{}).
		Where("user_id = ? AND activity_id = ? AND (take_limit_count = 0 OR take_limit_count_used < take_limit_count)",
			userID, activityID).
		Update("take_limit_count_used", gorm.Expr("take_limit_count_used + 1"))
	if result.Error != nil {
		return false, result.Error
	}
	return result.RowsAffected == 1, nil
}

// Compensate returns one unit of quota after a failed or refunded join.
// The guard keeps the used counter from going negative on replays.
func (d *Database) Compensate(userID, activityID string) error {
	return d.db.Model(&types.Account{}).
		Where("user_id = ? AND activity_id = ? AND take_limit_count_used > 0", userID, activityID).
		Update("take_limit_count_used", gorm.Expr("take_limit_count_used - 1")).Error
}

package types

import (
	"gorm.io/gorm"
)

// Account guards the per-user participation limit for one activity. The
// used counter is incremented speculatively when a join starts and
// compensated if the join fails downstream; internal/account performs both
// as conditional writes.
type Account struct {
	gorm.Model         `json:"-"`
	AccountID          string `gorm:"uniqueIndex" json:"account_id"`
	UserID             string `gorm:"index:idx_accounts_user_activity,unique" json:"user_id"`
	ActivityID         string `gorm:"index:idx_accounts_user_activity,unique" json:"activity_id"`
	TakeLimitCount     int    `json:"take_limit_count"`
	TakeLimitCountUsed int    `json:"take_limit_count_used"`
}

// HasAvailableCount reports whether the user may join again. A zero limit
// means unlimited.
func (a *Account) HasAvailableCount() bool {
	return a.TakeLimitCount <= 0 || a.TakeLimitCountUsed < a.TakeLimitCount
}

// RefundDeadLetter records a refund delivery that exhausted its retries and
// needs manual intervention. Rows are only ever inserted; an operator
// resolves them out of band.
type RefundDeadLetter struct {
	gorm.Model   `json:"-"`
	TradeOrderID string `gorm:"index" json:"trade_order_id"`
	Reason       string `json:"reason"`
	Attempts     int    `json:"attempts"`
	LastError    string `json:"last_error"`
}

package types

import (
	"errors"
	"fmt"
)

// Rejection codes for guard-condition violations. These are expected,
// caller-facing outcomes and are never retried automatically.
const (
	RejectTeamFull           = "TEAM_FULL"
	RejectTeamEnded          = "TEAM_ENDED"
	RejectTeamExpired        = "TEAM_EXPIRED"
	RejectChannelBlocked     = "CHANNEL_BLOCKED"
	RejectAmountMismatch     = "AMOUNT_MISMATCH"
	RejectLimitReached       = "PARTICIPATION_LIMIT_REACHED"
	RejectRefundWindowClosed = "REFUND_WINDOW_CLOSED"
	RejectOutOfStock         = "OUT_OF_STOCK"
	RejectNotEligible        = "NOT_ELIGIBLE"
	RejectInvalidTransition  = "INVALID_TRANSITION"
	RejectOrderBusy          = "ORDER_BUSY"
	RejectNotFound           = "NOT_FOUND"
)

// RejectionError is raised at the aggregate boundary when a business rule
// blocks an operation (team full, past deadline, wrong state). It must not
// be swallowed; handlers map it to a 4xx response.
type RejectionError struct {
	Code    string
	Message string
}

func (e *RejectionError) Error() string {
	return e.Message
}

// Reject builds a RejectionError with a formatted message.
func Reject(code, format string, args ...interface{}) *RejectionError {
	return &RejectionError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// AsRejection returns the RejectionError wrapped in err, if any.
func AsRejection(err error) (*RejectionError, bool) {
	var rej *RejectionError
	if errors.As(err, &rej) {
		return rej, true
	}
	return nil, false
}

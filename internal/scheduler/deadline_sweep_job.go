package scheduler

import (
	"context"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/ksred/groupbuy-api/internal/order"
	"github.com/ksred/groupbuy-api/internal/types"
	"gorm.io/gorm"
)

const (
	// deadlineSweepInterval is how often expired pending teams are checked.
	deadlineSweepInterval = 5 * time.Minute

	// deadlineSweepBatch caps how many expired teams one pass handles.
	deadlineSweepBatch = 100
)

// Settler finalizes a completed team. Implemented by the settlement
// service.
type Settler interface {
	SettleCompletedOrder(ctx context.Context, orderID string) error
}

// TeamRefunder refunds a whole failed team. Implemented by the refund
// service.
type TeamRefunder interface {
	RefundFailedOrder(ctx context.Context, orderID, reason string) error
}

// DeadlineSweepJob closes out teams whose deadline passed while still
// PENDING. Real teams fail and refund their participants; virtual teams are
// force-completed (the platform backfills the missing members) and settled.
type DeadlineSweepJob struct {
	orders   *order.Database
	settler  Settler
	refunder TeamRefunder
	interval time.Duration
	batch    int
}

// NewDeadlineSweepJob creates the sweep with default interval and batch.
func NewDeadlineSweepJob(db *gorm.DB, settler Settler, refunder TeamRefunder) *DeadlineSweepJob {
	return &DeadlineSweepJob{
		orders:   order.NewDatabase(db),
		settler:  settler,
		refunder: refunder,
		interval: deadlineSweepInterval,
		batch:    deadlineSweepBatch,
	}
}

func (j *DeadlineSweepJob) GetName() string {
	return "deadline_sweep"
}

func (j *DeadlineSweepJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

func (j *DeadlineSweepJob) Execute() {
	logger := log.With().Str("job", j.GetName()).Logger()
	ctx := context.Background()

	expired, err := j.orders.FindExpiredPending(j.batch)
	if err != nil {
		logger.Error().Err(err).Msg("failed to query expired teams")
		return
	}
	if len(expired) == 0 {
		return
	}

	completed, failed := 0, 0
	for _, ord := range expired {
		if ord.GroupType == types.GroupTypeVirtual {
			if err := j.completeVirtual(ctx, ord.OrderID); err != nil {
				logger.Error().Err(err).Str("order_id", ord.OrderID).Msg("failed to complete virtual team")
				continue
			}
			completed++
			continue
		}

		if err := j.refunder.RefundFailedOrder(ctx, ord.OrderID, "team deadline passed"); err != nil {
			logger.Error().Err(err).Str("order_id", ord.OrderID).Msg("failed to refund expired team")
			continue
		}
		failed++
	}

	logger.Info().
		Int("expired", len(expired)).
		Int("virtual_completed", completed).
		Int("failed_refunded", failed).
		Msg("deadline sweep finished")
}

// completeVirtual flips an expired virtual team to SUCCESS and settles its
// paid participants. Unpaid slots keep their deferred timeout checks.
func (j *DeadlineSweepJob) completeVirtual(ctx context.Context, orderID string) error {
	flipped, err := j.orders.MarkVirtualSuccess(orderID)
	if err != nil {
		return err
	}
	if !flipped {
		// Lost the race to a final payment or a concurrent sweep.
		return nil
	}
	return j.settler.SettleCompletedOrder(ctx, orderID)
}

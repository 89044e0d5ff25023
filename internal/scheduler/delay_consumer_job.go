package scheduler

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-co-op/gocron/v2"
	"github.com/rs/zerolog/log"
	"github.com/ksred/groupbuy-api/internal/delay"
	"github.com/ksred/groupbuy-api/internal/types"
)

const (
	// delayPollInterval is the consumer's poll cadence.
	delayPollInterval = time.Second

	// delayPollBatch caps messages claimed per poll.
	delayPollBatch = 50
)

// Refunder handles deferred refund work. Implemented by the refund
// service.
type Refunder interface {
	TimeoutUnpaidTradeOrder(ctx context.Context, tradeOrderID string) error
	RetryGatewayRefund(ctx context.Context, task delay.RefundRetry) error
}

// DelayConsumerJob polls the delay transport and dispatches due messages:
// payment-timeout checks and refund delivery retries. Consumers re-check
// current state, so redelivery and stale messages are harmless.
type DelayConsumerJob struct {
	transport delay.Transport
	refunder  Refunder
	interval  time.Duration
	batch     int
}

// NewDelayConsumerJob creates the consumer with default poll settings.
func NewDelayConsumerJob(transport delay.Transport, refunder Refunder) *DelayConsumerJob {
	return &DelayConsumerJob{
		transport: transport,
		refunder:  refunder,
		interval:  delayPollInterval,
		batch:     delayPollBatch,
	}
}

func (j *DelayConsumerJob) GetName() string {
	return "delay_consumer"
}

func (j *DelayConsumerJob) GetSchedule() gocron.JobDefinition {
	return gocron.DurationJob(j.interval)
}

func (j *DelayConsumerJob) Execute() {
	ctx := context.Background()

	messages, err := j.transport.Poll(ctx, j.batch)
	if err != nil {
		log.Error().Err(err).Str("job", j.GetName()).Msg("failed to poll delay transport")
		return
	}

	for _, msg := range messages {
		j.dispatch(ctx, msg)
	}
}

func (j *DelayConsumerJob) dispatch(ctx context.Context, msg delay.Message) {
	logger := log.With().
		Str("job", j.GetName()).
		Str("message_id", msg.ID).
		Str("kind", msg.Kind).
		Logger()

	switch msg.Kind {
	case delay.KindTimeoutCheck:
		var check delay.TimeoutCheck
		if err := json.Unmarshal(msg.Body, &check); err != nil {
			logger.Error().Err(err).Msg("malformed timeout check, dropping")
			return
		}
		err := j.refunder.TimeoutUnpaidTradeOrder(ctx, check.TradeOrderID)
		if err != nil {
			if rej, ok := types.AsRejection(err); ok {
				// Expected when the trade order is mid-payment; the slot is
				// recovered by the deadline sweep if it stays unpaid.
				logger.Info().Str("code", rej.Code).Msg("timeout check not applicable")
				return
			}
			logger.Error().Err(err).Str("trade_order_id", check.TradeOrderID).Msg("timeout check failed")
		}

	case delay.KindRefundRetry:
		var task delay.RefundRetry
		if err := json.Unmarshal(msg.Body, &task); err != nil {
			logger.Error().Err(err).Msg("malformed refund retry, dropping")
			return
		}
		if err := j.refunder.RetryGatewayRefund(ctx, task); err != nil {
			logger.Error().Err(err).Str("trade_order_id", task.TradeOrderID).Msg("refund retry failed")
		}

	default:
		logger.Warn().Msg("unknown message kind, dropping")
	}
}

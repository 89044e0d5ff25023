package delay

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
)

const defaultKey = "groupbuy:delay"

// RedisTransport stores scheduled messages in a sorted set scored by due
// time. Poll claims a due member with ZREM; the member that wins the
// removal owns the delivery.
type RedisTransport struct {
	rdb *redis.Client
	key string
}

func NewRedisTransport(rdb *redis.Client) *RedisTransport {
	return &RedisTransport{rdb: rdb, key: defaultKey}
}

func (t *RedisTransport) ScheduleAfter(ctx context.Context, d time.Duration, msg Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to encode delayed message: %w", err)
	}

	due := float64(time.Now().Add(d).UnixMilli())
	if err := t.rdb.ZAdd(ctx, t.key, redis.Z{Score: due, Member: raw}).Err(); err != nil {
		return fmt.Errorf("failed to schedule delayed message: %w", err)
	}
	return nil
}

func (t *RedisTransport) Poll(ctx context.Context, limit int) ([]Message, error) {
	now := fmt.Sprintf("%d", time.Now().UnixMilli())
	raws, err := t.rdb.ZRangeByScore(ctx, t.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   now,
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read due messages: %w", err)
	}

	var claimed []Message
	for _, raw := range raws {
		// ZREM is the claim: only the poller that removes the member
		// delivers it.
		removed, err := t.rdb.ZRem(ctx, t.key, raw).Result()
		if err != nil {
			return claimed, fmt.Errorf("failed to claim delayed message: %w", err)
		}
		if removed == 0 {
			continue // another poller claimed it first
		}

		var msg Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			log.Error().Err(err).Str("raw", raw).Msg("dropping malformed delayed message")
			continue
		}
		claimed = append(claimed, msg)
	}
	return claimed, nil
}

package sequence

import (
	"context"
	"fmt"
	"time"

	"taskmarket-platform/pkg/rediskey"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
)

var Module = fx.Module("sequence",
	fx.Provide(NewRedisGenerator),
)

// Generator hands out merchant trade numbers. The gateways require them
// unique across all time, at most 64 characters.
type Generator interface {
	NextTradeNo(ctx context.Context) (string, error)
}

type RedisGenerator struct {
	rdb *redis.Client
}

type Params struct {
	fx.In

	Redis *redis.Client
}

func NewRedisGenerator(p Params) Generator {
	return &RedisGenerator{
		rdb: p.Redis,
	}
}

// NextTradeNo returns "TM{yyyymmdd}{seq}" with a per-day counter. The
// counter key expires at the end of the day; uniqueness across days
// comes from the date prefix.
func (g *RedisGenerator) NextTradeNo(ctx context.Context) (string, error) {
	now := time.Now().UTC()
	today := now.Format("20060102")
	key := rediskey.BuildPaymentSequenceKey(today)

	seq, err := g.rdb.Incr(ctx, key).Result()
	if err != nil {
		return "", err
	}

	if seq == 1 {
		expire := time.Until(now.Truncate(24 * time.Hour).Add(24*time.Hour - time.Second))
		_ = g.rdb.Expire(ctx, key, expire).Err()
	}

	return fmt.Sprintf("TM%s%08d", today, seq), nil
}

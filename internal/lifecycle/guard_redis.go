package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisGuard 多实例部署时共享的交付守卫
// Begin 依赖 SETNX 的原子性，delivering 带 TTL 防止进程崩溃后永久锁死
type RedisGuard struct {
	rdb           *redis.Client
	prefix        string
	deliveringTTL time.Duration
	deliveredTTL  time.Duration
	logger        *zap.Logger
}

func NewRedisGuard(rdb *redis.Client, deliveringTTL, deliveredTTL time.Duration, logger *zap.Logger) *RedisGuard {
	return &RedisGuard{
		rdb:           rdb,
		prefix:        "delivery:",
		deliveringTTL: deliveringTTL,
		deliveredTTL:  deliveredTTL,
		logger:        logger,
	}
}

func (g *RedisGuard) key(id string) string {
	return g.prefix + id
}

// Begin fails closed: when Redis is unreachable the delivery is refused.
func (g *RedisGuard) Begin(ctx context.Context, id string) error {
	ok, err := g.rdb.SetNX(ctx, g.key(id), string(DeliveryInProgress), g.deliveringTTL).Result()
	if err != nil {
		g.logger.Error("Delivery guard unavailable",
			zap.String("milestone_id", id),
			zap.Error(err),
		)
		return fmt.Errorf("delivery guard unavailable: %w", err)
	}
	if ok {
		return nil
	}

	state, err := g.State(ctx, id)
	if err != nil {
		return err
	}
	if state == DeliveryDone {
		return &ConflictError{MilestoneID: id, Reason: reasonAlreadyDelivered}
	}
	return &ConflictError{MilestoneID: id, Reason: reasonDeliveryInProgress}
}

// Complete uses SET XX so an expired or reset guard stays idle.
func (g *RedisGuard) Complete(ctx context.Context, id string) error {
	ok, err := g.rdb.SetXX(ctx, g.key(id), string(DeliveryDone), g.deliveredTTL).Result()
	if err != nil {
		return fmt.Errorf("failed to complete delivery guard: %w", err)
	}
	if !ok {
		g.logger.Warn("Delivery guard was not held, nothing to complete", zap.String("milestone_id", id))
	}
	return nil
}

func (g *RedisGuard) Reset(ctx context.Context, id string) error {
	if err := g.rdb.Del(ctx, g.key(id)).Err(); err != nil {
		return fmt.Errorf("failed to reset delivery guard: %w", err)
	}
	return nil
}

func (g *RedisGuard) State(ctx context.Context, id string) (DeliveryState, error) {
	v, err := g.rdb.Get(ctx, g.key(id)).Result()
	if errors.Is(err, redis.Nil) {
		return DeliveryIdle, nil
	}
	if err != nil {
		return DeliveryIdle, fmt.Errorf("failed to read delivery guard: %w", err)
	}
	switch DeliveryState(v) {
	case DeliveryInProgress, DeliveryDone:
		return DeliveryState(v), nil
	}
	return DeliveryIdle, nil
}

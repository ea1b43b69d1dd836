package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/clock"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// RedisGuard shares fixed-window counters across instances. Windows are
// aligned to wall-clock boundaries so every instance agrees on the key.
// Redis errors fail open: admission control must never take billing
// down with it.
type RedisGuard struct {
	log        *zap.Logger
	clk        clock.Clock
	client     *redis.Client
	maxReq     int
	windowSize time.Duration
}

func NewRedisGuard(log *zap.Logger, clk clock.Clock, client *redis.Client, maxRequests int, windowSize time.Duration) *RedisGuard {
	return &RedisGuard{
		log:        log.Named("ratelimit.redis"),
		clk:        clk,
		client:     client,
		maxReq:     maxRequests,
		windowSize: windowSize,
	}
}

func (g *RedisGuard) Admit(ctx context.Context, workspaceID snowflake.ID) Decision {
	now := g.clk.Now()
	windowStart := now.Truncate(g.windowSize)
	resetAt := windowStart.Add(g.windowSize)
	key := fmt.Sprintf("ratelimit:%s:%d", workspaceID.String(), windowStart.Unix())

	count, err := g.client.Incr(ctx, key).Result()
	if err != nil {
		g.log.Warn("redis admission check failed, failing open", zap.Error(err))
		return Decision{Allowed: true, Limit: g.maxReq, Remaining: -1, ResetAt: resetAt}
	}
	if count == 1 {
		// Expiry only needs to outlive the window; 2x covers clock skew
		// between instances.
		g.client.Expire(ctx, key, 2*g.windowSize)
	}

	remaining := g.maxReq - int(count)
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   count <= int64(g.maxReq),
		Limit:     g.maxReq,
		Remaining: remaining,
		ResetAt:   resetAt,
	}
}

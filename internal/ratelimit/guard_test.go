package ratelimit

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/bwmarrin/snowflake"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func TestMemoryGuardWindow(t *testing.T) {
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := NewMemoryGuard(zap.NewNop(), clk, 100, time.Minute, time.Minute)
	ctx := context.Background()
	ws := snowflake.ID(1)

	for i := 0; i < 100; i++ {
		d := g.Admit(ctx, ws)
		require.True(t, d.Allowed, "request %d inside the limit", i+1)
		assert.Equal(t, 100-(i+1), d.Remaining)
	}

	// The 101st request inside the window is denied, with Retry-After
	// close to the remaining window.
	clk.Advance(30 * time.Second)
	d := g.Admit(ctx, ws)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, 30*time.Second, d.RetryAfter(clk.Now()))

	// After the window elapses a new request succeeds and the counter
	// resets.
	clk.Advance(31 * time.Second)
	d = g.Admit(ctx, ws)
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, d.Remaining)
}

func TestMemoryGuardPerWorkspaceIsolation(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewMemoryGuard(zap.NewNop(), clk, 1, time.Minute, time.Minute)
	ctx := context.Background()

	assert.True(t, g.Admit(ctx, snowflake.ID(1)).Allowed)
	assert.False(t, g.Admit(ctx, snowflake.ID(1)).Allowed)
	// A different workspace has its own window.
	assert.True(t, g.Admit(ctx, snowflake.ID(2)).Allowed)
}

func TestMemoryGuardSweep(t *testing.T) {
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewMemoryGuard(zap.NewNop(), clk, 10, time.Minute, time.Minute)
	ctx := context.Background()

	g.Admit(ctx, snowflake.ID(1))
	g.Admit(ctx, snowflake.ID(2))

	clk.Advance(2 * time.Minute)
	g.sweep()

	g.mu.Lock()
	defer g.mu.Unlock()
	assert.Empty(t, g.windows, "expired windows reclaimed")
}

func TestRedisGuardWindow(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)
	defer srv.Close()

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	clk := &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
	g := NewRedisGuard(zap.NewNop(), clk, client, 3, time.Minute)
	ctx := context.Background()
	ws := snowflake.ID(9)

	for i := 0; i < 3; i++ {
		assert.True(t, g.Admit(ctx, ws).Allowed)
	}
	d := g.Admit(ctx, ws)
	assert.False(t, d.Allowed)
	assert.Equal(t, 0, d.Remaining)

	// Next aligned window admits again.
	clk.Advance(time.Minute)
	assert.True(t, g.Admit(ctx, ws).Allowed)
}

func TestRedisGuardFailsOpen(t *testing.T) {
	srv, err := miniredis.Run()
	require.NoError(t, err)

	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	clk := &fakeClock{now: time.Unix(1_700_000_000, 0)}
	g := NewRedisGuard(zap.NewNop(), clk, client, 1, time.Minute)

	srv.Close()
	d := g.Admit(context.Background(), snowflake.ID(1))
	assert.True(t, d.Allowed, "redis outage must not block admission")
}

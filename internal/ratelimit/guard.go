// Package ratelimit bounds per-workspace request rate ahead of the
// metered gateway. It is a protective throttle, not a billing
// mechanism: the in-memory backend is per-instance best-effort, the
// redis backend shares counters across instances. Billing exactness
// lives in the ledger.
package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/meterflowlabs/meterflow/internal/clock"
	"go.uber.org/zap"
)

// Decision is the admission verdict for one request.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// RetryAfter reports how long the caller should wait before retrying.
func (d Decision) RetryAfter(now time.Time) time.Duration {
	if d.ResetAt.Before(now) {
		return 0
	}
	return d.ResetAt.Sub(now)
}

type Guard interface {
	Admit(ctx context.Context, workspaceID snowflake.ID) Decision
}

// passGuard admits everything; used when the limiter is disabled.
type passGuard struct{}

func (passGuard) Admit(context.Context, snowflake.ID) Decision {
	return Decision{Allowed: true, Remaining: -1}
}

type window struct {
	count   int
	resetAt time.Time
}

// MemoryGuard is the per-instance fixed-window counter. Windows reset
// lazily on the next request after expiry; the sweep loop only reclaims
// memory for idle workspaces.
type MemoryGuard struct {
	log        *zap.Logger
	clk        clock.Clock
	maxReq     int
	windowSize time.Duration
	sweepEvery time.Duration

	mu      sync.Mutex
	windows map[snowflake.ID]*window

	stop chan struct{}
	done chan struct{}
}

func NewMemoryGuard(log *zap.Logger, clk clock.Clock, maxRequests int, windowSize, sweepEvery time.Duration) *MemoryGuard {
	return &MemoryGuard{
		log:        log.Named("ratelimit.memory"),
		clk:        clk,
		maxReq:     maxRequests,
		windowSize: windowSize,
		sweepEvery: sweepEvery,
		windows:    make(map[snowflake.ID]*window),
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

func (g *MemoryGuard) Admit(_ context.Context, workspaceID snowflake.ID) Decision {
	now := g.clk.Now()

	g.mu.Lock()
	defer g.mu.Unlock()

	w, ok := g.windows[workspaceID]
	if !ok || !now.Before(w.resetAt) {
		w = &window{resetAt: now.Add(g.windowSize)}
		g.windows[workspaceID] = w
	}
	w.count++

	remaining := g.maxReq - w.count
	if remaining < 0 {
		remaining = 0
	}
	return Decision{
		Allowed:   w.count <= g.maxReq,
		Limit:     g.maxReq,
		Remaining: remaining,
		ResetAt:   w.resetAt,
	}
}

// Start launches the periodic sweep that evicts expired windows.
func (g *MemoryGuard) Start() {
	go func() {
		defer close(g.done)
		ticker := time.NewTicker(g.sweepEvery)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				g.sweep()
			case <-g.stop:
				return
			}
		}
	}()
}

func (g *MemoryGuard) Stop() {
	close(g.stop)
	<-g.done
}

func (g *MemoryGuard) sweep() {
	now := g.clk.Now()
	g.mu.Lock()
	defer g.mu.Unlock()
	for id, w := range g.windows {
		if !now.Before(w.resetAt) {
			delete(g.windows, id)
		}
	}
}

package ratelimit

import (
	"context"
	"fmt"

	"github.com/heliumvc/focus/internal/config"
	"github.com/heliumvc/focus/internal/metrics"
	"github.com/ulule/limiter/v3"
	"github.com/ulule/limiter/v3/drivers/store/memory"
)

// RestartLimiter enforces spec.md property 6: a participant may not request
// more than a short-window burst of session restarts, nor more than a
// long-window total, before requests are rejected with NotAllowed. Each
// endpoint gets its own limiter key, so one noisy participant cannot exhaust
// another's allowance.
type RestartLimiter struct {
	short *limiter.Limiter
	long  *limiter.Limiter
}

// NewRestartLimiter builds a RestartLimiter from the configured windows.
// It always uses an in-memory store: restart throttling is a per-process,
// per-endpoint concern and does not need cross-process coordination.
func NewRestartLimiter(cfg *config.Config) *RestartLimiter {
	store := memory.NewStore()
	return &RestartLimiter{
		short: limiter.New(store, limiter.Rate{
			Period: cfg.RestartShortWindow,
			Limit:  int64(cfg.RestartShortWindowLimit),
		}),
		long: limiter.New(store, limiter.Rate{
			Period: cfg.RestartLongWindow,
			Limit:  int64(cfg.RestartLongWindowLimit),
		}),
	}
}

// Allow reports whether endpointID may issue another restart request now,
// consuming one unit of both windows' budget if so.
func (rl *RestartLimiter) Allow(ctx context.Context, endpointID string) (bool, error) {
	shortCtx, err := rl.short.Get(ctx, fmt.Sprintf("restart:short:%s", endpointID))
	if err != nil {
		return false, fmt.Errorf("restart short-window check: %w", err)
	}
	if shortCtx.Reached {
		metrics.RestartRequestsThrottled.WithLabelValues("short").Inc()
		return false, nil
	}

	longCtx, err := rl.long.Get(ctx, fmt.Sprintf("restart:long:%s", endpointID))
	if err != nil {
		return false, fmt.Errorf("restart long-window check: %w", err)
	}
	if longCtx.Reached {
		metrics.RestartRequestsThrottled.WithLabelValues("long").Inc()
		return false, nil
	}

	return true, nil
}

package focus

import (
	"context"
	"time"

	"github.com/heliumvc/focus/internal/logging"
	"github.com/heliumvc/focus/internal/metrics"
	"go.uber.org/zap"
)

// BridgeHealthChecker checks one bridge's liveness. *bridge.Client satisfies
// it directly via its HealthCheck method; tests substitute a fake.
type BridgeHealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// BridgeHealthPoller periodically health-checks every configured bridge and,
// on failure, removes that bridge from every conference currently using it
// (spec.md §4.1's "bridge shutdown or bridge health failure ⇒ remove all
// endpoints on that bridge from C4 and re-invite them"). BridgeManager is
// per-conference, so a single failing bridge id must be propagated to every
// live conference's manager, not just one — this is that propagation.
type BridgeHealthPoller struct {
	checkers  map[string]BridgeHealthChecker
	registry  *ConferenceRegistry
	scheduler Scheduler
	interval  time.Duration

	timer Timer
}

// NewBridgeHealthPoller builds a poller over the already-dialed bridge
// checkers, keyed by bridge id (matching BridgeManager's own keying).
func NewBridgeHealthPoller(checkers map[string]BridgeHealthChecker, registry *ConferenceRegistry, scheduler Scheduler, interval time.Duration) *BridgeHealthPoller {
	return &BridgeHealthPoller{
		checkers:  checkers,
		registry:  registry,
		scheduler: scheduler,
		interval:  interval,
	}
}

// Start arms the recurring poll, mirroring ConferenceRegistry.armSweep's
// self-rescheduling pattern.
func (p *BridgeHealthPoller) Start() {
	p.poll()
}

// Stop cancels the pending poll.
func (p *BridgeHealthPoller) Stop() {
	if p.timer != nil {
		p.timer.Cancel()
	}
}

func (p *BridgeHealthPoller) poll() {
	ctx := context.Background()
	for bridgeID, checker := range p.checkers {
		if err := checker.HealthCheck(ctx); err == nil {
			continue
		}
		metrics.BridgeHealthCheckFailures.WithLabelValues(bridgeID).Inc()
		logging.Warn(ctx, "bridge failed health check, removing from all conferences", zap.String("bridge_id", bridgeID))
		for _, c := range p.registry.Conferences() {
			c.Bridges().RemoveBridge(bridgeID)
		}
	}
	p.timer = p.scheduler.AfterFunc(p.interval, p.poll)
}

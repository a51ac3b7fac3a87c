package focus

import "sync"

// VisitorConnection is one available auxiliary signaling node a visitor can
// be routed to (spec.md §6's "list of available visitor connections").
type VisitorConnection struct {
	Name   string
	Region string
}

// VisitorHints are the optional selection hints redirectVisitor forwards to
// the policy: a user hint and a group hint (spec.md §4.1 names both without
// defining their shape further; they are opaque strings here).
type VisitorHints struct {
	UserHint  string
	GroupHint string
}

// VisitorPolicy picks a visitor connection from the available set. It is an
// external collaborator (spec.md §6); the bridge-selection-style scoring
// heuristic is pluggable, not a hidden requirement.
type VisitorPolicy interface {
	Select(candidates []VisitorConnection, region string, hints VisitorHints) (VisitorConnection, bool)
}

// RoundRobinByRegionPolicy prefers a connection in the same region as the
// joining endpoint, falling back to round-robin over all candidates when
// none matches. This is the default named in spec.md §6.
type RoundRobinByRegionPolicy struct {
	mu   sync.Mutex
	next int
}

// Select implements VisitorPolicy.
func (p *RoundRobinByRegionPolicy) Select(candidates []VisitorConnection, region string, _ VisitorHints) (VisitorConnection, bool) {
	if len(candidates) == 0 {
		return VisitorConnection{}, false
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if region != "" {
		var sameRegion []VisitorConnection
		for _, c := range candidates {
			if c.Region == region {
				sameRegion = append(sameRegion, c)
			}
		}
		if len(sameRegion) > 0 {
			c := sameRegion[p.next%len(sameRegion)]
			p.next++
			return c, true
		}
	}

	c := candidates[p.next%len(candidates)]
	p.next++
	return c, true
}

// RedirectVisitorDecision is the input to shouldRedirectVisitor, gathering
// every flag spec.md §4.1 names.
type RedirectVisitorDecision struct {
	VisitorsEnabledGlobally bool
	LobbyEnabled            bool
	RoomAllowsVisitors      bool
	RoomRequiresVisitors    bool
	IsBreakout              bool
	VisitorsAlreadyInUse    bool
	CallerRequestedVisitor  bool
	UserParticipantCount    int
	SoftLimit               int
}

// shouldRedirectVisitor implements spec.md §4.1's redirectVisitor
// admission rule, invoked before a new endpoint joins the main room.
func shouldRedirectVisitor(d RedirectVisitorDecision) bool {
	if !d.VisitorsEnabledGlobally || d.LobbyEnabled {
		return false
	}
	if !d.RoomAllowsVisitors && !d.RoomRequiresVisitors {
		return false
	}
	if d.IsBreakout {
		return false
	}
	return d.VisitorsAlreadyInUse || d.CallerRequestedVisitor || d.UserParticipantCount >= d.SoftLimit
}

package focus

import "sync"

// SourceRegistry holds every endpoint's validated source set for one
// conference and enforces the aggregate invariants: per-endpoint size and
// group caps, and ssrc uniqueness across the whole conference. It has its
// own lock, always acquired after the coordinator lock when both are
// needed (spec.md §5's strict ordering).
type SourceRegistry struct {
	mu         sync.Mutex
	byEndpoint map[EndpointID]SourceSet
	ssrcOwner  map[uint32]EndpointID
	maxSources int
	maxGroups  int
}

// NewSourceRegistry builds an empty registry with the given per-endpoint
// caps.
func NewSourceRegistry(maxSources, maxGroups int) *SourceRegistry {
	return &SourceRegistry{
		byEndpoint: make(map[EndpointID]SourceSet),
		ssrcOwner:  make(map[uint32]EndpointID),
		maxSources: maxSources,
		maxGroups:  maxGroups,
	}
}

// TryToAdd validates set against every other endpoint's ssrcs and this
// endpoint's size/group caps, then atomically applies the accepted subset
// (ssrcs not already present under this same endpoint — re-adds are
// idempotent) and returns it.
func (r *SourceRegistry) TryToAdd(endpoint EndpointID, set []Source) ([]Source, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.byEndpoint[endpoint]

	groupSet := make(map[string]struct{})
	for _, s := range existing {
		if s.Group != "" {
			groupSet[s.Group] = struct{}{}
		}
	}

	var accepted []Source
	for _, s := range set {
		if owner, ok := r.ssrcOwner[s.SSRC]; ok && owner != endpoint {
			return nil, newErr(ValidationFailed, "ssrc already owned by another endpoint", nil)
		}
		if _, already := existing[s.SSRC]; already {
			continue
		}
		accepted = append(accepted, s)
	}

	resultingCount := len(existing) + len(accepted)
	if r.maxSources > 0 && resultingCount > r.maxSources {
		return nil, newErr(ValidationFailed, "endpoint source count would exceed the configured maximum", nil)
	}

	for _, s := range accepted {
		if s.Group != "" {
			groupSet[s.Group] = struct{}{}
		}
	}
	if r.maxGroups > 0 && len(groupSet) > r.maxGroups {
		return nil, newErr(ValidationFailed, "endpoint group count would exceed the configured maximum", nil)
	}

	if existing == nil {
		existing = make(SourceSet)
	}
	for _, s := range accepted {
		existing[s.SSRC] = s
		r.ssrcOwner[s.SSRC] = endpoint
	}
	r.byEndpoint[endpoint] = existing

	return accepted, nil
}

// TryToRemove removes only ssrcs actually owned by endpoint; any requested
// ssrc owned by another endpoint fails the entire call.
func (r *SourceRegistry) TryToRemove(endpoint EndpointID, ssrcs []uint32) ([]uint32, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing := r.byEndpoint[endpoint]

	for _, ssrc := range ssrcs {
		if owner, ok := r.ssrcOwner[ssrc]; ok && owner != endpoint {
			return nil, newErr(ValidationFailed, "ssrc owned by another endpoint", nil)
		}
	}

	var accepted []uint32
	for _, ssrc := range ssrcs {
		if _, ok := existing[ssrc]; !ok {
			continue
		}
		delete(existing, ssrc)
		delete(r.ssrcOwner, ssrc)
		accepted = append(accepted, ssrc)
	}
	if len(existing) == 0 {
		delete(r.byEndpoint, endpoint)
	}

	return accepted, nil
}

// Remove drops all sources for endpoint and returns them, used on
// participant termination.
func (r *SourceRegistry) Remove(endpoint EndpointID) []Source {
	r.mu.Lock()
	defer r.mu.Unlock()

	existing, ok := r.byEndpoint[endpoint]
	if !ok {
		return nil
	}
	out := make([]Source, 0, len(existing))
	for ssrc, s := range existing {
		out = append(out, s)
		delete(r.ssrcOwner, ssrc)
	}
	delete(r.byEndpoint, endpoint)
	return out
}

// Snapshot returns a deep copy of every endpoint's source set, safe to
// iterate without the registry's lock held.
func (r *SourceRegistry) Snapshot() map[EndpointID]SourceSet {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make(map[EndpointID]SourceSet, len(r.byEndpoint))
	for ep, set := range r.byEndpoint {
		out[ep] = set.Clone()
	}
	return out
}

// Get returns a copy of one endpoint's source set.
func (r *SourceRegistry) Get(endpoint EndpointID) SourceSet {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.byEndpoint[endpoint].Clone()
}

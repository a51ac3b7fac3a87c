package focus

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/heliumvc/focus/internal/metrics"
	"github.com/heliumvc/focus/pkg/bridge"
)

// BridgeSelector picks a bridge id from a set of candidates for one
// allocation. The scoring heuristic itself is an external collaborator
// (spec.md §1's "bridge-selection heuristic" is out of scope); this package
// only needs something that returns one of the candidates.
type BridgeSelector interface {
	Select(ctx context.Context, opts bridge.ParticipantOptions, candidates []string) (string, error)
}

// RoundRobinSelector is the default BridgeSelector: cycles through the
// candidate list in the order it is given, ignoring opts. Good enough as a
// default; real deployments supply a load/region-aware selector.
type RoundRobinSelector struct {
	mu   sync.Mutex
	next int
}

// Select returns the next candidate in round-robin order.
func (s *RoundRobinSelector) Select(_ context.Context, _ bridge.ParticipantOptions, candidates []string) (string, error) {
	if len(candidates) == 0 {
		return "", bridge.ErrNoBridgeAvailable
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	id := candidates[s.next%len(candidates)]
	s.next++
	return id, nil
}

// BridgeEvent is the tagged union of events BridgeManager surfaces to the
// coordinator, fed into the single event-consumer goroutine alongside room
// and invite-runner events.
type BridgeEvent interface{ isBridgeEvent() }

// BridgeCountChanged reports the current number of bridges in active use.
type BridgeCountChanged struct{ Count int }

// BridgeSelectionFailed reports that no bridge could be allocated for an
// endpoint.
type BridgeSelectionFailed struct{ Endpoint EndpointID }

// BridgeSelectionSucceeded reports a successful allocation.
type BridgeSelectionSucceeded struct {
	Endpoint EndpointID
	BridgeID string
}

// BridgeRemoved reports that a bridge (and the endpoints that were on it)
// has been dropped from the live map; the coordinator re-invites them.
type BridgeRemoved struct {
	BridgeID  string
	Endpoints []EndpointID
}

// EndpointRemoved reports that a single endpoint's bridge-side state is
// gone (used alongside BridgeRemoved, one event per endpoint, so the
// coordinator can drive per-endpoint reinvite bookkeeping uniformly).
type EndpointRemoved struct{ Endpoint EndpointID }

func (BridgeCountChanged) isBridgeEvent()        {}
func (BridgeSelectionFailed) isBridgeEvent()      {}
func (BridgeSelectionSucceeded) isBridgeEvent()   {}
func (BridgeRemoved) isBridgeEvent()              {}
func (EndpointRemoved) isBridgeEvent()            {}

// bridgeClient is the subset of *bridge.Client's surface BridgeManager
// needs. The seam exists so tests can substitute a fake bridge without a
// live gRPC server, mirroring the teacher's wsConnection/Roomer interfaces.
type bridgeClient interface {
	Allocate(ctx context.Context, opts bridge.ParticipantOptions) (*bridge.Allocation, error)
	UpdateParticipant(ctx context.Context, endpointID string, upd bridge.ParticipantUpdate) error
	Mute(ctx context.Context, endpoints []string, muted bool, kind string) error
	RemoveParticipant(ctx context.Context, endpointID string) error
	Expire(ctx context.Context) error
}

// BridgeManager maps endpoints to bridges and hides the bridge wire
// protocol version from the coordinator and invite runner (C4). It is safe
// for concurrent use.
type BridgeManager struct {
	mu sync.Mutex

	clients         map[string]bridgeClient
	selector        BridgeSelector
	endpointBridge  map[EndpointID]string
	bridgeEndpoints map[string]map[EndpointID]struct{}
	transcriberURL  *string

	events chan BridgeEvent
}

// NewBridgeManager builds a manager over an already-dialed set of bridge
// clients, keyed by bridge id. events should be large enough that a normal
// burst of allocations does not block the manager; the coordinator drains
// it continuously.
func NewBridgeManager(clients map[string]*bridge.Client, selector BridgeSelector) *BridgeManager {
	if selector == nil {
		selector = &RoundRobinSelector{}
	}
	m := &BridgeManager{
		clients:         make(map[string]bridgeClient, len(clients)),
		selector:        selector,
		endpointBridge:  make(map[EndpointID]string),
		bridgeEndpoints: make(map[string]map[EndpointID]struct{}),
		events:          make(chan BridgeEvent, 64),
	}
	for id, c := range clients {
		m.clients[id] = c
	}
	return m
}

// newBridgeManagerWithClients builds a manager directly over a
// bridgeClient map, used by tests to inject fakes.
func newBridgeManagerWithClients(clients map[string]bridgeClient, selector BridgeSelector) *BridgeManager {
	if selector == nil {
		selector = &RoundRobinSelector{}
	}
	return &BridgeManager{
		clients:         clients,
		selector:        selector,
		endpointBridge:  make(map[EndpointID]string),
		bridgeEndpoints: make(map[string]map[EndpointID]struct{}),
		events:          make(chan BridgeEvent, 64),
	}
}

// Events returns the channel the coordinator drains.
func (m *BridgeManager) Events() <-chan BridgeEvent { return m.events }

func (m *BridgeManager) emit(ev BridgeEvent) {
	select {
	case m.events <- ev:
	default:
		// Never block the coordinator lock holder; a full buffer means the
		// coordinator has fallen behind and will catch up from getBridges().
	}
}

// candidateIDs returns the sorted bridge ids currently registered, for a
// deterministic selector input.
func (m *BridgeManager) candidateIDs() []string {
	ids := make([]string, 0, len(m.clients))
	for id := range m.clients {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Allocate selects a bridge and drives the create/associate roundtrip for
// one endpoint.
func (m *BridgeManager) Allocate(ctx context.Context, opts bridge.ParticipantOptions) (*bridge.Allocation, error) {
	m.mu.Lock()
	candidates := m.candidateIDs()
	m.mu.Unlock()

	bridgeID, err := m.selector.Select(ctx, opts, candidates)
	if err != nil {
		metrics.BridgeSelections.WithLabelValues("failed").Inc()
		m.emit(BridgeSelectionFailed{Endpoint: EndpointID(opts.EndpointID)})
		return nil, newErr(AllocationFailed, "no bridge available", err)
	}

	m.mu.Lock()
	client, ok := m.clients[bridgeID]
	m.mu.Unlock()
	if !ok {
		metrics.BridgeSelections.WithLabelValues("failed").Inc()
		m.emit(BridgeSelectionFailed{Endpoint: EndpointID(opts.EndpointID)})
		return nil, newErr(AllocationFailed, fmt.Sprintf("selected bridge %q is not registered", bridgeID), nil)
	}

	alloc, err := client.Allocate(ctx, opts)
	if err != nil {
		metrics.BridgeSelections.WithLabelValues("failed").Inc()
		m.emit(BridgeSelectionFailed{Endpoint: EndpointID(opts.EndpointID)})
		return nil, translateBridgeErr(err)
	}

	m.mu.Lock()
	endpoint := EndpointID(opts.EndpointID)
	m.endpointBridge[endpoint] = bridgeID
	if m.bridgeEndpoints[bridgeID] == nil {
		m.bridgeEndpoints[bridgeID] = make(map[EndpointID]struct{})
	}
	m.bridgeEndpoints[bridgeID][endpoint] = struct{}{}
	count := len(m.bridgeEndpoints)
	m.mu.Unlock()

	metrics.BridgeSelections.WithLabelValues("succeeded").Inc()
	m.emit(BridgeSelectionSucceeded{Endpoint: endpoint, BridgeID: bridgeID})
	m.emit(BridgeCountChanged{Count: count})

	return alloc, nil
}

// UpdateParticipant pushes updated fields to an already-allocated endpoint.
func (m *BridgeManager) UpdateParticipant(ctx context.Context, endpoint EndpointID, upd bridge.ParticipantUpdate) error {
	client, err := m.clientFor(endpoint)
	if err != nil {
		return err
	}
	if err := client.UpdateParticipant(ctx, string(endpoint), upd); err != nil {
		return translateBridgeErr(err)
	}
	return nil
}

// Mute bulk force-mutes or unmutes endpoints, grouped by their bridge.
// Failures against an individual bridge are treated as that bridge being
// broken and surfaced via removeBridge, matching spec.md §4.4.
func (m *BridgeManager) Mute(ctx context.Context, endpoints []EndpointID, muted bool, kind MediaKind) {
	byBridge := make(map[string][]string)
	m.mu.Lock()
	for _, ep := range endpoints {
		if bid, ok := m.endpointBridge[ep]; ok {
			byBridge[bid] = append(byBridge[bid], string(ep))
		}
	}
	m.mu.Unlock()

	for bridgeID, ids := range byBridge {
		m.mu.Lock()
		client, ok := m.clients[bridgeID]
		m.mu.Unlock()
		if !ok {
			continue
		}
		if err := client.Mute(ctx, ids, muted, string(kind)); err != nil {
			m.RemoveBridge(bridgeID)
		}
	}
}

// RemoveParticipant tears down one endpoint's bridge-side state and drops
// it from the endpoint→bridge map.
func (m *BridgeManager) RemoveParticipant(ctx context.Context, endpoint EndpointID) error {
	client, err := m.clientFor(endpoint)
	if err != nil {
		return nil // already gone: removing an absent endpoint is a no-op
	}

	m.mu.Lock()
	bridgeID := m.endpointBridge[endpoint]
	delete(m.endpointBridge, endpoint)
	if set := m.bridgeEndpoints[bridgeID]; set != nil {
		delete(set, endpoint)
	}
	m.mu.Unlock()

	if err := client.RemoveParticipant(ctx, string(endpoint)); err != nil {
		return translateBridgeErr(err)
	}
	return nil
}

// RemoveBridge drops a bridge and every endpoint on it, returning the
// endpoints that need reinviting. Idempotent: the first caller to observe
// the bridge removes it and emits BridgeRemoved/EndpointRemoved and bumps
// participantsMoved; a second concurrent caller (e.g. a selector-driven
// event racing an internal health-check removal) finds the bridge already
// absent and is a documented no-op — resolving the double-reinvite race
// without inventing new arbitration.
func (m *BridgeManager) RemoveBridge(bridgeID string) []EndpointID {
	m.mu.Lock()
	set, ok := m.bridgeEndpoints[bridgeID]
	if !ok {
		m.mu.Unlock()
		return nil
	}
	endpoints := make([]EndpointID, 0, len(set))
	for ep := range set {
		endpoints = append(endpoints, ep)
		delete(m.endpointBridge, ep)
	}
	sort.Slice(endpoints, func(i, j int) bool { return endpoints[i] < endpoints[j] })
	delete(m.bridgeEndpoints, bridgeID)
	delete(m.clients, bridgeID)
	count := len(m.bridgeEndpoints)
	m.mu.Unlock()

	metrics.ParticipantsMoved.WithLabelValues("bridge_removed").Add(float64(len(endpoints)))
	m.emit(BridgeRemoved{BridgeID: bridgeID, Endpoints: endpoints})
	for _, ep := range endpoints {
		m.emit(EndpointRemoved{Endpoint: ep})
	}
	m.emit(BridgeCountChanged{Count: count})

	return endpoints
}

// Expire tears down every bridge's conference-wide state, used when the
// conference itself is stopping.
func (m *BridgeManager) Expire(ctx context.Context) {
	m.mu.Lock()
	clients := make([]bridgeClient, 0, len(m.clients))
	for _, c := range m.clients {
		clients = append(clients, c)
	}
	m.mu.Unlock()

	for _, c := range clients {
		_ = c.Expire(ctx)
	}
}

// GetBridgeSessionID returns the bridge id an endpoint is currently
// allocated on, and whether it has one.
func (m *BridgeManager) GetBridgeSessionID(endpoint EndpointID) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.endpointBridge[endpoint]
	return id, ok
}

// GetBridgeCount returns the number of bridges currently holding at least
// one endpoint.
func (m *BridgeManager) GetBridgeCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, set := range m.bridgeEndpoints {
		if len(set) > 0 {
			n++
		}
	}
	return n
}

// GetBridges returns the sorted ids of every registered bridge, whether or
// not it currently holds an endpoint.
func (m *BridgeManager) GetBridges() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.candidateIDs()
}

// GetParticipants returns the endpoints currently allocated on bridgeID.
func (m *BridgeManager) GetParticipants(bridgeID string) []EndpointID {
	m.mu.Lock()
	defer m.mu.Unlock()
	set := m.bridgeEndpoints[bridgeID]
	out := make([]EndpointID, 0, len(set))
	for ep := range set {
		out = append(out, ep)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// SetTranscriberURL sets or clears the transcription sidecar url mirrored
// to every bridge on the next allocation/update; nil clears it.
func (m *BridgeManager) SetTranscriberURL(url *string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transcriberURL = url
}

// TranscriberURL returns the currently configured transcriber url, if any.
func (m *BridgeManager) TranscriberURL() *string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.transcriberURL
}

func (m *BridgeManager) clientFor(endpoint EndpointID) (bridgeClient, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bridgeID, ok := m.endpointBridge[endpoint]
	if !ok {
		return nil, newErr(InvalidBridgeSession, "endpoint has no bridge session", nil)
	}
	client, ok := m.clients[bridgeID]
	if !ok {
		return nil, newErr(InvalidBridgeSession, "bridge session no longer registered", nil)
	}
	return client, nil
}

// translateBridgeErr maps pkg/bridge's sentinel errors onto the focus.Error
// kind taxonomy (spec.md §7).
func translateBridgeErr(err error) error {
	switch err {
	case bridge.ErrNoBridgeAvailable:
		return newErr(AllocationFailed, "no bridge available", err)
	case bridge.ErrConferenceAlreadyExists:
		return newErr(AllocationFailed, "conference already exists on bridge", err)
	case bridge.ErrUnavailable:
		return newErr(BridgeUnavailable, "bridge circuit breaker open", err)
	default:
		return newErr(AllocationFailed, "bridge operation failed", err)
	}
}

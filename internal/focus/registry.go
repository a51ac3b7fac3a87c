package focus

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/heliumvc/focus/internal/config"
	"github.com/heliumvc/focus/internal/ratelimit"
	"github.com/heliumvc/focus/internal/registry"
	"github.com/heliumvc/focus/pkg/bridge"
	"mellium.im/xmpp/jid"
)

// RoomFactory joins or creates a conference's main MUC room (spec.md §6).
// The wire-level join itself is out of scope for this core; this is the
// seam a deployment wires to its real XMPP transport, mirroring
// Conference's VisitorRoomFactory seam for the auxiliary visitor-node case.
type RoomFactory interface {
	Join(ctx context.Context, room jid.JID) (Room, error)
}

// UnconfiguredRoomFactory is the registry's default RoomFactory: it refuses
// to join rather than fabricate a room, so FindOrCreate honestly fails until
// a deployment wires a real one via ConfigureConferenceFactory. Exported so a
// deployment that has everything else (bridges, selector, restart limiter)
// but no XMPP MUC transport yet can still wire the rest and keep this gap
// explicit rather than skipping ConfigureConferenceFactory entirely.
type UnconfiguredRoomFactory struct{}

func (UnconfiguredRoomFactory) Join(context.Context, jid.JID) (Room, error) {
	return nil, newErr(ValidationFailed, "no room factory configured", nil)
}

// newMeetingID generates a 128-bit random meeting identifier, formatted as
// lowercase hex (spec.md §3's "128-bit random, formatted canonically").
func newMeetingID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("generate meeting id: %w", err)
	}
	return hex.EncodeToString(buf), nil
}

// pinEntry is a local copy of a registry.Pin plus its expiry, used for the
// active sweep; the cross-process mirror (internal/registry) is updated
// alongside it but does not itself sweep.
type pinEntry struct {
	reason    string
	expiresAt time.Time
}

// ConferenceRegistry is the process-wide directory from room identity to
// conference (C7): it enforces unique meeting identifiers and holds the pin
// table. It never holds conference state itself beyond the map entry.
type ConferenceRegistry struct {
	mu sync.Mutex

	byRoom     map[string]*Conference
	meetingIDs map[string]string // meetingID -> room jid string

	pins map[string]pinEntry // room jid string -> pin

	mirror     *registry.Service
	scheduler  Scheduler
	sweepTimer Timer

	// Conference-factory collaborators (FindOrCreate): unset by default, so
	// a deployment must opt in via ConfigureConferenceFactory before this
	// registry can start a real conference.
	roomFactory    RoomFactory
	bridgeClients  map[string]*bridge.Client
	selector       BridgeSelector
	visitors       VisitorPolicy
	cfg            *config.Config
	filter         SourceFilter
	restartLimiter *ratelimit.RestartLimiter
}

// NewConferenceRegistry builds an empty registry. mirror may be nil
// (single-process mode: uniqueness and pin visibility are local only).
// sweepInterval schedules the pin-expiry sweep on scheduler; it is
// rescheduled after every sweep (spec.md §9's supplemented "pin table
// expiry" feature).
func NewConferenceRegistry(mirror *registry.Service, scheduler Scheduler, sweepInterval time.Duration) *ConferenceRegistry {
	r := &ConferenceRegistry{
		byRoom:      make(map[string]*Conference),
		meetingIDs:  make(map[string]string),
		pins:        make(map[string]pinEntry),
		mirror:      mirror,
		scheduler:   scheduler,
		roomFactory: UnconfiguredRoomFactory{},
	}
	if scheduler != nil && sweepInterval > 0 {
		r.armSweep(sweepInterval)
	}
	return r
}

func (r *ConferenceRegistry) armSweep(interval time.Duration) {
	r.sweepTimer = r.scheduler.AfterFunc(interval, func() {
		r.sweepExpiredPins()
		r.armSweep(interval)
	})
}

// Stop cancels the pin-expiry sweep.
func (r *ConferenceRegistry) Stop() {
	r.mu.Lock()
	timer := r.sweepTimer
	r.mu.Unlock()
	if timer != nil {
		timer.Cancel()
	}
}

// Get returns the conference for a room, if one is registered.
func (r *ConferenceRegistry) Get(room jid.JID) (*Conference, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.byRoom[room.Bare().String()]
	return c, ok
}

// Register adds a conference under its room identity, failing if one is
// already registered for that room.
func (r *ConferenceRegistry) Register(room jid.JID, c *Conference) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := room.Bare().String()
	if _, exists := r.byRoom[key]; exists {
		return newErr(ValidationFailed, "a conference is already registered for this room", nil)
	}
	r.byRoom[key] = c
	return nil
}

// ConfigureConferenceFactory wires the collaborators FindOrCreate needs to
// start a real conference: a RoomFactory for the main-room join, the dialed
// bridge clients and selector for its per-conference BridgeManager, and the
// shared visitor policy/config/source filter/restart limiter every
// conference is built with. Until this is called, FindOrCreate fails
// rather than fabricating any of these.
func (r *ConferenceRegistry) ConfigureConferenceFactory(rooms RoomFactory, bridgeClients map[string]*bridge.Client, selector BridgeSelector, visitors VisitorPolicy, cfg *config.Config, filter SourceFilter, restartLimiter *ratelimit.RestartLimiter) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.roomFactory = rooms
	r.bridgeClients = bridgeClients
	r.selector = selector
	r.visitors = visitors
	r.cfg = cfg
	r.filter = filter
	r.restartLimiter = restartLimiter
}

// FindOrCreate returns the conference already registered for room, or
// builds, registers, and starts one over a freshly joined room and a new
// per-conference BridgeManager (SPEC_FULL.md's "external collaborators are
// given concrete, swappable Go implementations at the module's edges").
// The main-room transport itself is only as real as the configured
// RoomFactory — see ConfigureConferenceFactory and DESIGN.md's wire-level
// transport gap.
func (r *ConferenceRegistry) FindOrCreate(ctx context.Context, room jid.JID) (*Conference, error) {
	if c, ok := r.Get(room); ok {
		return c, nil
	}

	r.mu.Lock()
	roomFactory := r.roomFactory
	bridgeClients := r.bridgeClients
	selector := r.selector
	visitors := r.visitors
	cfg := r.cfg
	filter := r.filter
	restartLimiter := r.restartLimiter
	r.mu.Unlock()

	if cfg == nil {
		return nil, newErr(ValidationFailed, "conference factory not configured", nil)
	}

	realRoom, err := roomFactory.Join(ctx, room)
	if err != nil {
		return nil, fmt.Errorf("join room %q: %w", room, err)
	}

	bridges := NewBridgeManager(bridgeClients, selector)
	c := NewConference(realRoom, bridges, r.scheduler, visitors, cfg, filter, restartLimiter)

	if err := r.Register(room, c); err != nil {
		_ = realRoom.Leave(ctx)
		return nil, err
	}

	meetingID, err := newMeetingID()
	if err != nil {
		r.Remove(room)
		return nil, err
	}
	if err := r.ClaimMeetingID(ctx, meetingID, room); err != nil {
		r.Remove(room)
		return nil, err
	}
	if err := c.start(ctx, meetingID); err != nil {
		r.Remove(room)
		r.ReleaseMeetingID(ctx, meetingID)
		return nil, err
	}

	return c, nil
}

// Conferences returns a snapshot of every currently registered conference,
// used by process-wide collaborators (the bridge health poller) that must
// reach every live conference's BridgeManager rather than just one.
func (r *ConferenceRegistry) Conferences() []*Conference {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Conference, 0, len(r.byRoom))
	for _, c := range r.byRoom {
		out = append(out, c)
	}
	return out
}

// Remove deregisters a conference, used on stop.
func (r *ConferenceRegistry) Remove(room jid.JID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byRoom, room.Bare().String())
}

// ClaimMeetingID claims meetingID for room, both locally and (if configured)
// on the cross-process mirror. Property 5: a claim for an id already held
// by a different room fails; locally, the holding room may re-claim its own
// id.
func (r *ConferenceRegistry) ClaimMeetingID(ctx context.Context, meetingID string, room jid.JID) error {
	r.mu.Lock()
	if holder, exists := r.meetingIDs[meetingID]; exists && holder != room.Bare().String() {
		r.mu.Unlock()
		return newErr(MeetingIDCollision, fmt.Sprintf("meeting id %q is already claimed", meetingID), nil)
	}
	r.mu.Unlock()

	if r.mirror != nil {
		ok, err := r.mirror.TryClaimMeetingID(ctx, meetingID, 24*time.Hour)
		if err != nil {
			return fmt.Errorf("claim meeting id on mirror: %w", err)
		}
		if !ok {
			return newErr(MeetingIDCollision, fmt.Sprintf("meeting id %q is already claimed on another process", meetingID), nil)
		}
	}

	r.mu.Lock()
	r.meetingIDs[meetingID] = room.Bare().String()
	r.mu.Unlock()
	return nil
}

// ReleaseMeetingID frees a previously claimed meeting id, used on stop.
func (r *ConferenceRegistry) ReleaseMeetingID(ctx context.Context, meetingID string) {
	r.mu.Lock()
	delete(r.meetingIDs, meetingID)
	r.mu.Unlock()

	if r.mirror != nil {
		_ = r.mirror.ReleaseMeetingID(ctx, meetingID)
	}
}

// Pin marks room as pinned for ttl, mirroring the decision cross-process if
// configured.
func (r *ConferenceRegistry) Pin(ctx context.Context, room jid.JID, reason string, ttl time.Duration) error {
	expiresAt := time.Now().Add(ttl)
	key := room.Bare().String()

	r.mu.Lock()
	r.pins[key] = pinEntry{reason: reason, expiresAt: expiresAt}
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.SetPin(ctx, registry.Pin{RoomJID: key, Reason: reason, ExpiresAt: expiresAt}); err != nil {
			return fmt.Errorf("mirror pin: %w", err)
		}
	}
	return nil
}

// Unpin removes a pin immediately, regardless of its remaining ttl.
func (r *ConferenceRegistry) Unpin(ctx context.Context, room jid.JID) error {
	key := room.Bare().String()

	r.mu.Lock()
	delete(r.pins, key)
	r.mu.Unlock()

	if r.mirror != nil {
		if err := r.mirror.ClearPin(ctx, key); err != nil {
			return fmt.Errorf("clear mirrored pin: %w", err)
		}
	}
	return nil
}

// IsPinned reports whether room currently has an unexpired pin.
func (r *ConferenceRegistry) IsPinned(room jid.JID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.pins[room.Bare().String()]
	if !ok {
		return false
	}
	return time.Now().Before(p.expiresAt)
}

// ListPins returns every unexpired local pin.
func (r *ConferenceRegistry) ListPins() []registry.Pin {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	out := make([]registry.Pin, 0, len(r.pins))
	for room, p := range r.pins {
		if now.After(p.expiresAt) {
			continue
		}
		out = append(out, registry.Pin{RoomJID: room, Reason: p.reason, ExpiresAt: p.expiresAt})
	}
	return out
}

// sweepExpiredPins drops every pin whose expiry has passed, the active
// counterpart to ListPins' lazy filtering.
func (r *ConferenceRegistry) sweepExpiredPins() {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	for room, p := range r.pins {
		if now.After(p.expiresAt) {
			delete(r.pins, room)
		}
	}
}

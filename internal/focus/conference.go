package focus

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/heliumvc/focus/internal/config"
	"github.com/heliumvc/focus/internal/logging"
	"github.com/heliumvc/focus/internal/metrics"
	"github.com/heliumvc/focus/internal/ratelimit"
	"github.com/heliumvc/focus/pkg/bridge"
	"go.uber.org/zap"
	"mellium.im/xmpp/jid"
)

// confState is the conference's lifecycle state (spec.md §4.1).
type confState int

const (
	stateCreated confState = iota
	stateJoining
	stateRunning
	stateStopped
)

func (s confState) String() string {
	switch s {
	case stateCreated:
		return "created"
	case stateJoining:
		return "joining"
	case stateRunning:
		return "running"
	case stateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// conferenceProperties is the string->string map mirrored to presence
// (spec.md §3's "Conference properties").
type conferenceProperties map[string]string

// breakoutStatus is the MUC presence status value used to detect a member
// switching to a breakout room (spec.md §4.1's breakout handling).
const breakoutStatus = "switch_room"

// MuteOutcome is the result of a muteRequest call.
type MuteOutcome int

const (
	MuteSuccess MuteOutcome = iota
	MuteNotAllowed
	MuteError
)

// roomEventEnvelope, bridgeEventEnvelope, and inviteOutcomeEnvelope are the
// tagged-union members of the single events channel the coordinator's
// consumer goroutine drains (SPEC_FULL.md §4.1's "tagged-union event
// stream").
type roomEventEnvelope struct {
	source Room
	event  RoomEvent
}

type bridgeEventEnvelope struct{ event BridgeEvent }

type inviteOutcomeEnvelope struct {
	participant *Participant
	err         error
}

// Conference is the per-room coordinator (C6): the single owner of a
// conference's mutable state. All transitions that cross component
// boundaries flow through its event-consumer goroutine and coordinator
// lock.
type Conference struct {
	mu sync.Mutex

	room         Room
	mainRoom     Room
	visitorRooms map[string]Room

	participants   map[EndpointID]*Participant
	pendingJoins   map[EndpointID]struct{}
	sources        *SourceRegistry
	bridges        *BridgeManager
	scheduler      Scheduler
	visitors       VisitorPolicy
	discoverer     FeatureDiscoverer
	visitorJoiner  VisitorRoomFactory
	restartLimiter *ratelimit.RestartLimiter
	cfg            *config.Config
	filter         SourceFilter

	props     conferenceProperties
	meetingID string

	state confState

	confStartTimer         Timer
	singleParticipantTimer Timer
	// reconnectTimer guards spec.md §4.1's reconnect timeout, but nothing
	// arms it: RoomEventKind has no signaling-loss/stream-management event
	// to trigger it on, so the field stays nil until that event exists.
	reconnectTimer Timer

	events chan any
	done   chan struct{}
}

// NewConference builds a coordinator over its collaborators. It never
// constructs its own collaborators (SPEC_FULL.md §4.1's "constructor-
// injected pool handles"); callers wire Room/BridgeManager/Scheduler/
// VisitorPolicy themselves, which is what lets tests substitute fakes.
// restartLimiter may be nil, in which case one is built from cfg.
func NewConference(room Room, bridges *BridgeManager, scheduler Scheduler, visitors VisitorPolicy, cfg *config.Config, filter SourceFilter, restartLimiter *ratelimit.RestartLimiter) *Conference {
	if visitors == nil {
		visitors = &RoundRobinByRegionPolicy{}
	}
	if restartLimiter == nil {
		restartLimiter = ratelimit.NewRestartLimiter(cfg)
	}
	c := &Conference{
		room:           room,
		visitorRooms:   make(map[string]Room),
		participants:   make(map[EndpointID]*Participant),
		pendingJoins:   make(map[EndpointID]struct{}),
		sources:        NewSourceRegistry(cfg.MaxSourcesPerEndpoint, cfg.MaxGroupsPerEndpoint),
		bridges:        bridges,
		scheduler:      scheduler,
		visitors:       visitors,
		discoverer:     staticFeatureDiscoverer{},
		visitorJoiner:  unconfiguredVisitorRoomFactory{},
		restartLimiter: restartLimiter,
		cfg:            cfg,
		filter:         filter,
		props:          make(conferenceProperties),
		state:          stateCreated,
		events:         make(chan any, 256),
		done:           make(chan struct{}),
	}
	return c
}

// SetVisitorRoomFactory overrides the default visitor-room joiner; tests
// substitute one backed by fakeRoom instead of a real XMPP transport.
func (c *Conference) SetVisitorRoomFactory(f VisitorRoomFactory) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.visitorJoiner = f
}

// SetFeatureDiscoverer overrides the default capability discoverer; tests
// substitute one that returns a fixed set without the I/O-pool round trip.
func (c *Conference) SetFeatureDiscoverer(d FeatureDiscoverer) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.discoverer = d
}

// SetMainRoom marks this conference as a breakout of mainRoom.
func (c *Conference) SetMainRoom(r Room) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.mainRoom = r
}

// IsBreakout reports whether this conference was marked as a breakout.
func (c *Conference) IsBreakout() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.mainRoom != nil
}

// State returns the current lifecycle state.
func (c *Conference) State() confState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// MeetingID returns the claimed meeting identifier, if any.
func (c *Conference) MeetingID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.meetingID
}

// Bridges returns this conference's bridge manager, so a process-wide
// collaborator (the bridge health poller) can act on every live
// conference's endpoint→bridge map without the coordinator itself knowing
// about health checking (spec.md §4.1's "bridge shutdown or health
// failure" trigger).
func (c *Conference) Bridges() *BridgeManager {
	return c.bridges
}

// start transitions Created -> Joining -> Running: joins the room, claims
// the meeting identifier, advertises initial presence, and launches the
// event-consumer goroutine. Fails if already started.
func (c *Conference) start(ctx context.Context, meetingID string) error {
	c.mu.Lock()
	if c.state != stateCreated {
		c.mu.Unlock()
		return newErr(ValidationFailed, "conference already started", nil)
	}
	c.state = stateJoining
	c.meetingID = meetingID
	c.mu.Unlock()

	metrics.ConferenceStateTransitions.WithLabelValues("created", "joining").Inc()

	roomEvents := make(chan RoomEvent, 64)
	c.room.AddListener(roomEvents)
	go c.pumpRoomEvents(roomEvents)
	go c.pumpBridgeEvents()

	if err := c.room.Join(ctx); err != nil {
		return fmt.Errorf("join room: %w", err)
	}

	c.mu.Lock()
	c.state = stateRunning
	c.armConfStartTimer()
	c.mu.Unlock()
	metrics.ConferenceStateTransitions.WithLabelValues("joining", "running").Inc()
	metrics.ActiveConferences.Inc()

	c.refreshPresence()
	go c.consumeEvents()

	logging.Info(ctx, "conference started", zap.String("meeting_id", meetingID), zap.String("room_id", c.room.RoomJID().String()))
	return nil
}

// pumpRoomEvents forwards the room's event channel onto the unified events
// channel. A full events buffer blocks the forward until the consumer loop
// drains it or the conference stops, so the consumer applies backpressure.
func (c *Conference) pumpRoomEvents(ch <-chan RoomEvent) {
	for {
		select {
		case ev := <-ch:
			select {
			case c.events <- roomEventEnvelope{source: c.room, event: ev}:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

func (c *Conference) pumpBridgeEvents() {
	for {
		select {
		case ev, ok := <-c.bridges.Events():
			if !ok {
				return
			}
			select {
			case c.events <- bridgeEventEnvelope{event: ev}:
			case <-c.done:
				return
			}
		case <-c.done:
			return
		}
	}
}

// consumeEvents is the single consumer goroutine draining the tagged-union
// events channel (SPEC_FULL.md §4.1), applying every cross-component
// transition under the coordinator lock.
func (c *Conference) consumeEvents() {
	for {
		select {
		case ev := <-c.events:
			c.handleEvent(ev)
		case <-c.done:
			return
		}
	}
}

func (c *Conference) handleEvent(ev any) {
	switch e := ev.(type) {
	case roomEventEnvelope:
		c.handleRoomEvent(e.event)
	case bridgeEventEnvelope:
		c.handleBridgeEvent(e.event)
	case inviteOutcomeEnvelope:
		if e.err != nil {
			c.onInviteFailed(e.participant, e.err)
		}
	}
}

func (c *Conference) handleRoomEvent(ev RoomEvent) {
	switch ev.Kind {
	case MemberJoined:
		c.handleMemberJoined(ev.Member, ev.Presence)
	case MemberLeft:
		c.handleMemberLeft(ev.Member, ev.Presence)
	case MemberKicked:
		c.handleMemberKicked(ev.Member)
	case LocalRoleChanged:
		// spec.md §4.1: local role demoted below owner stops the conference.
		if ev.Role != RoleOwner {
			c.stop(context.Background())
		}
	case RoomDestroyed:
		c.stop(context.Background())
	}
}

func (c *Conference) handleBridgeEvent(ev BridgeEvent) {
	switch e := ev.(type) {
	case BridgeCountChanged:
		c.mu.Lock()
		c.props["bridge-count"] = strconv.Itoa(e.Count)
		c.mu.Unlock()
		c.refreshPresence()
	case BridgeRemoved:
		// Purely informational here: BridgeManager always follows this with
		// one EndpointRemoved per endpoint in e.Endpoints, which is what
		// actually drives the reinvite below. Reinviting from both would
		// fire the invite runner twice per endpoint.
	case EndpointRemoved:
		c.reinvite(e.Endpoint, false)
	case BridgeSelectionFailed, BridgeSelectionSucceeded:
		// Mirrored via BridgeCountChanged/metrics already; nothing further
		// for the coordinator to do.
	}
}

// stop transitions to Stopped. Idempotent (spec.md property 4): a second
// call observes the already-stopped state and does nothing.
func (c *Conference) stop(ctx context.Context) {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	prev := c.state
	c.state = stateStopped
	c.cancelTimersLocked()
	participants := make([]*Participant, 0, len(c.participants))
	for _, p := range c.participants {
		participants = append(participants, p)
	}
	c.participants = make(map[EndpointID]*Participant)
	c.mu.Unlock()

	metrics.ConferenceStateTransitions.WithLabelValues(prev.String(), "stopped").Inc()
	metrics.ActiveConferences.Dec()

	for _, p := range participants {
		if h := p.PendingInvite(); h != nil {
			h.Cancel()
		}
		c.sources.Remove(p.ID)
	}
	c.bridges.Expire(ctx)
	_ = c.room.Leave(ctx)
	for _, vr := range c.snapshotVisitorRooms() {
		_ = vr.Leave(ctx)
	}

	close(c.done)
	logging.Info(ctx, "conference stopped", zap.String("meeting_id", c.meetingID))
}

func (c *Conference) cancelTimersLocked() {
	if c.confStartTimer != nil {
		c.confStartTimer.Cancel()
		c.confStartTimer = nil
	}
	if c.singleParticipantTimer != nil {
		c.singleParticipantTimer.Cancel()
		c.singleParticipantTimer = nil
	}
	if c.reconnectTimer != nil {
		c.reconnectTimer.Cancel()
		c.reconnectTimer = nil
	}
}

func (c *Conference) snapshotVisitorRooms() []Room {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Room, 0, len(c.visitorRooms))
	for _, r := range c.visitorRooms {
		out = append(out, r)
	}
	return out
}

// armConfStartTimer (re)schedules the conference-start timeout. Must be
// called with mu held.
func (c *Conference) armConfStartTimer() {
	if c.confStartTimer != nil {
		c.confStartTimer.Cancel()
	}
	c.confStartTimer = c.scheduler.AfterFunc(c.cfg.ConferenceStartTimeout, c.onConfStartTimeout)
}

func (c *Conference) onConfStartTimeout() {
	if !c.hasActiveBreakout() {
		c.stop(context.Background())
	}
}

// hasActiveBreakout reports whether any breakout rooms remain under this
// conference's room identity (spec.md §4.1's "if it elapses with still no
// breakout rooms, stop"). Breakout discovery itself is out of scope for
// this core; a conference with no wired breakout-room tracker behaves as if
// none exist.
func (c *Conference) hasActiveBreakout() bool {
	return false
}

func (c *Conference) armSingleParticipantTimer() {
	c.mu.Lock()
	if c.singleParticipantTimer != nil {
		c.singleParticipantTimer.Cancel()
	}
	c.singleParticipantTimer = c.scheduler.AfterFunc(c.cfg.SingleParticipantTimeout, c.onSingleParticipantTimeout)
	c.mu.Unlock()
}

func (c *Conference) disarmSingleParticipantTimer() {
	c.mu.Lock()
	if c.singleParticipantTimer != nil {
		c.singleParticipantTimer.Cancel()
		c.singleParticipantTimer = nil
	}
	c.mu.Unlock()
}

func (c *Conference) onSingleParticipantTimeout() {
	c.mu.Lock()
	var last *Participant
	if len(c.participants) == 1 {
		for _, p := range c.participants {
			last = p
		}
	}
	c.mu.Unlock()
	if last == nil {
		return
	}
	// Session-terminate without source-remove: peers learn of departure via
	// presence (spec.md §4.1).
	c.terminateSession(last.ID, "", false)
}

// handleMemberJoined creates a participant for a recognized-role member and,
// once minParticipants are present, sweeps unvisited members and launches
// one invite runner per new participant (spec.md §4.1's invitation
// algorithm).
func (c *Conference) handleMemberJoined(member jid.JID, presence MemberPresence) {
	c.mu.Lock()
	if c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	id := EndpointID(presence.Nickname)
	if _, exists := c.participants[id]; exists {
		c.mu.Unlock()
		return
	}
	if _, pending := c.pendingJoins[id]; pending {
		c.mu.Unlock()
		return
	}
	c.pendingJoins[id] = struct{}{}
	c.mu.Unlock()

	c.scheduler.Submit(func() {
		c.completeMemberJoin(id, member, presence)
	})
}

// completeMemberJoin runs feature discovery off the event-consumer
// goroutine and, once it resolves, creates the participant record and
// continues the invitation algorithm (spec.md §4.1).
func (c *Conference) completeMemberJoin(id EndpointID, member jid.JID, presence MemberPresence) {
	features, err := c.discoverer.Discover(context.Background(), presence.Caps)
	if err != nil {
		features, _ = NewFeatureSet(FeatureAudio, FeatureVideo)
	}

	c.mu.Lock()
	delete(c.pendingJoins, id)
	if c.state == stateStopped {
		c.mu.Unlock()
		return
	}
	if _, exists := c.participants[id]; exists {
		c.mu.Unlock()
		return
	}

	p := NewParticipant(id, member, features, presence.Role, false, c.filter)
	p.SetDesktopMuted(presence.DesktopMuted)
	c.participants[id] = p
	count := len(c.participants)
	c.disarmConfStartTimerLocked()
	c.mu.Unlock()

	c.disarmSingleParticipantTimer()
	metrics.ConferenceParticipants.WithLabelValues(c.meetingID).Set(float64(count))

	if count == 1 {
		c.armSingleParticipantTimer()
	}

	if count < c.cfg.MinParticipants {
		return
	}
	c.sweepAndInvite()
}

// disarmConfStartTimerLocked cancels the conference-start timer once the
// first member joins; must be called with mu held.
func (c *Conference) disarmConfStartTimerLocked() {
	if c.confStartTimer != nil {
		c.confStartTimer.Cancel()
		c.confStartTimer = nil
	}
}

// sweepAndInvite launches one invite runner for every participant that does
// not yet have a session or pending invite.
func (c *Conference) sweepAndInvite() {
	c.mu.Lock()
	var toInvite []*Participant
	for _, p := range c.participants {
		if p.Session() == nil && p.PendingInvite() == nil {
			toInvite = append(toInvite, p)
		}
	}
	c.mu.Unlock()

	sort.Slice(toInvite, func(i, j int) bool { return toInvite[i].ID < toInvite[j].ID })
	for _, p := range toInvite {
		c.launchInvite(p, true)
	}
}

func (c *Conference) launchInvite(p *Participant, fresh bool) {
	handle := p.SetInviteRunnable()
	opts := c.buildParticipantOptions(p)
	runner := &InviteRunner{
		Participant: p,
		Handle:      handle,
		Opts:        opts,
		Fresh:       fresh,
		Bridges:     c.bridges,
		Sender:      c.sender(),
		ConferenceSources: func() []Source {
			return c.conferenceSourcesExcluding(p.ID)
		},
		OnFailed: func(p *Participant, err error) {
			select {
			case c.events <- inviteOutcomeEnvelope{participant: p, err: err}:
			case <-c.done:
			}
		},
	}
	c.scheduler.Submit(func() {
		runner.Run(context.Background())
	})
}

// sender returns the InviteSender collaborator; wired from the room so that
// offers are delivered over the same signaling transport used for presence.
// A Room that also implements InviteSender is used directly; otherwise a
// no-op sender is substituted, leaving the wire encoding to the caller's own
// adapter (out of scope per spec.md §1).
func (c *Conference) sender() InviteSender {
	if s, ok := c.room.(InviteSender); ok {
		return s
	}
	return noopInviteSender{}
}

type noopInviteSender struct{}

func (noopInviteSender) SendOffer(context.Context, EndpointID, Offer) error { return nil }

// buildParticipantOptions derives the bridge allocation request from a
// participant's immutable feature/role snapshot and the room's current
// AV-moderation state (spec.md §4.1 step 2, force-mute derivation).
func (c *Conference) buildParticipantOptions(p *Participant) bridge.ParticipantOptions {
	var kinds []string
	if p.Features().Has(FeatureAudio) {
		kinds = append(kinds, string(MediaAudio))
	}
	if p.Features().Has(FeatureVideo) {
		kinds = append(kinds, string(MediaVideo))
	}

	forceAudio, forceVideo := c.forceMuteDecision(p)

	return bridge.ParticipantOptions{
		EndpointID:     string(p.ID),
		Visitor:        p.IsVisitor(),
		ForceMuteAudio: forceAudio,
		ForceMuteVideo: forceVideo,
		WantsSCTP:      p.Features().Has(FeatureSCTP),
		RequestedKinds: kinds,
	}
}

// forceMuteDecision implements spec.md §4.1's force-mute rule: on invite, if
// AV-moderation is enabled for a kind and the participant is neither a
// moderator nor a trusted component, it is force-muted for that kind.
// AV-moderation flags themselves live on the room; a Room without an
// AV-moderation signal is treated as moderation-disabled.
func (c *Conference) forceMuteDecision(p *Participant) (audio, video bool) {
	if p.HasAtLeastModeratorRights() {
		return false, false
	}
	presence, ok := c.room.ChatMember(p.Address)
	if ok && presence.IsTrustedComponent() {
		return false, false
	}
	type avModerated interface {
		AVModerationEnabled(kind MediaKind) bool
	}
	if am, ok := c.room.(avModerated); ok {
		return am.AVModerationEnabled(MediaAudio), am.AVModerationEnabled(MediaVideo)
	}
	return false, false
}

// conferenceSourcesExcluding returns every accepted source in the
// conference except self's own, the feed handed to an invite runner's
// offer (spec.md §4.1 step 3).
func (c *Conference) conferenceSourcesExcluding(self EndpointID) []Source {
	snapshot := c.sources.Snapshot()
	var out []Source
	for ep, set := range snapshot {
		if ep == self {
			continue
		}
		for _, s := range set {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SSRC < out[j].SSRC })
	return out
}

// FeatureDiscoverer resolves a presence entity-capabilities hash to the
// feature set it advertises. A real implementation performs a disco#info
// round-trip (wire-level, out of scope per spec.md §1) and may block; it
// must therefore always be called from the I/O pool, never inline on the
// event-consumer goroutine (spec.md §9's "blocking feature discovery"
// redesign note).
type FeatureDiscoverer interface {
	Discover(ctx context.Context, capsHash string) (FeatureSet, error)
}

// staticFeatureDiscoverer is the default FeatureDiscoverer: it assumes the
// common audio+video+sctp capability set rather than performing a disco
// round-trip, since the wire-level exchange itself is out of scope. Real
// deployments supply a discoverer backed by a disco#info cache.
type staticFeatureDiscoverer struct{}

func (staticFeatureDiscoverer) Discover(context.Context, string) (FeatureSet, error) {
	return NewFeatureSet(FeatureAudio, FeatureVideo, FeatureSCTP)
}

// handleMemberLeft removes a departed participant, unless the departure is
// actually a breakout transition (spec.md §4.1's breakout handling).
func (c *Conference) handleMemberLeft(member jid.JID, presence MemberPresence) {
	c.mu.Lock()
	var found *Participant
	for _, p := range c.participants {
		if p.Address.String() == member.String() {
			found = p
			break
		}
	}
	if found == nil {
		c.mu.Unlock()
		return
	}
	delete(c.participants, found.ID)
	remaining := len(c.participants)
	switchingToBreakout := presence.Status == breakoutStatus
	if switchingToBreakout && remaining == 0 {
		c.armConfStartTimer()
	}
	c.mu.Unlock()

	c.teardownParticipant(found)
	metrics.ConferenceParticipants.WithLabelValues(c.meetingID).Set(float64(remaining))

	if remaining == 1 {
		c.armSingleParticipantTimer()
	} else {
		c.disarmSingleParticipantTimer()
	}

	if remaining == 0 && !switchingToBreakout {
		c.stop(context.Background())
	}
}

func (c *Conference) handleMemberKicked(member jid.JID) {
	c.mu.Lock()
	var found *Participant
	for _, p := range c.participants {
		if p.Address.String() == member.String() {
			found = p
			break
		}
	}
	if found != nil {
		delete(c.participants, found.ID)
	}
	remaining := len(c.participants)
	c.mu.Unlock()

	if found != nil {
		c.teardownParticipant(found)
	}
	metrics.ConferenceParticipants.WithLabelValues(c.meetingID).Set(float64(remaining))

	if remaining == 1 {
		c.armSingleParticipantTimer()
	} else {
		c.disarmSingleParticipantTimer()
	}

	if remaining == 0 {
		c.stop(context.Background())
	}
}

// teardownParticipant cancels any pending invite, tears down the bridge
// side, and removes and propagates the departed endpoint's sources.
func (c *Conference) teardownParticipant(p *Participant) {
	if h := p.PendingInvite(); h != nil {
		h.Cancel()
	}
	_ = c.bridges.RemoveParticipant(context.Background(), p.ID)

	removed := c.sources.Remove(p.ID)
	if len(removed) == 0 {
		return
	}
	ssrcs := make([]uint32, len(removed))
	for i, s := range removed {
		ssrcs[i] = s.SSRC
	}
	c.propagateRemoval(p.ID, ssrcs)
}

// addSource validates and persists a new source set for participant and
// propagates the accepted subset to every other live participant (spec.md
// §4.1/§4.2, properties 2/3, scenarios S2/S3).
func (c *Conference) addSource(endpoint EndpointID, set []Source) ([]Source, error) {
	c.mu.Lock()
	_, ok := c.participants[endpoint]
	c.mu.Unlock()
	if !ok {
		return nil, newErr(ValidationFailed, "unknown participant", nil)
	}

	if err := c.checkSenderLimits(set); err != nil {
		metrics.SourceRegistryRejections.WithLabelValues("sender_limit").Inc()
		return nil, err
	}

	accepted, err := c.sources.TryToAdd(endpoint, set)
	if err != nil {
		metrics.SourceRegistryRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	if len(accepted) == 0 {
		return accepted, nil
	}

	c.propagateAddition(endpoint, accepted)
	return accepted, nil
}

// checkSenderLimits enforces the room's audio/video sender caps (spec.md
// scenario S2): a newly added source in a direction whose sender count has
// already reached the configured maximum is rejected.
func (c *Conference) checkSenderLimits(set []Source) error {
	var addsAudio, addsVideo bool
	for _, s := range set {
		switch s.Kind {
		case MediaAudio:
			addsAudio = true
		case MediaVideo:
			addsVideo = true
		}
	}
	if addsAudio && c.cfg.MaxAudioSenders > 0 && c.room.AudioSendersCount() >= c.cfg.MaxAudioSenders {
		return newErr(SenderLimitExceeded, "audio sender limit reached", nil)
	}
	if addsVideo && c.cfg.MaxVideoSenders > 0 && c.room.VideoSendersCount() >= c.cfg.MaxVideoSenders {
		return newErr(SenderLimitExceeded, "video sender limit reached", nil)
	}
	return nil
}

// removeSource validates and removes the accepted subset, propagating the
// removal to every other participant.
func (c *Conference) removeSource(endpoint EndpointID, ssrcs []uint32) ([]uint32, error) {
	accepted, err := c.sources.TryToRemove(endpoint, ssrcs)
	if err != nil {
		metrics.SourceRegistryRejections.WithLabelValues("validation").Inc()
		return nil, err
	}
	if len(accepted) > 0 {
		c.propagateRemoval(endpoint, accepted)
	}
	return accepted, nil
}

// propagateAddition queues an addition on every other live participant's
// source-signaling queue and, for those with an active session, schedules a
// coalesced flush (see scheduleOrFlush).
func (c *Conference) propagateAddition(from EndpointID, added []Source) {
	for _, p := range c.otherParticipants(from) {
		p.Queue.Add(added)
		c.scheduleOrFlush(p)
	}
}

func (c *Conference) propagateRemoval(from EndpointID, removed []uint32) {
	for _, p := range c.otherParticipants(from) {
		p.Queue.Remove(removed)
		c.scheduleOrFlush(p)
	}
}

func (c *Conference) otherParticipants(except EndpointID) []*Participant {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]*Participant, 0, len(c.participants))
	for id, p := range c.participants {
		if id == except {
			continue
		}
		out = append(out, p)
	}
	return out
}

// scheduleOrFlush schedules a flush of a participant's queued source deltas
// after CoalesceDelay(participant count) if it has an active session.
// Without a session nothing is scheduled: the deltas stay queued until its
// own session is accepted (a successful acceptSession must precede any
// queued delivery, spec.md §5).
func (c *Conference) scheduleOrFlush(p *Participant) {
	if p.Session() == nil {
		return
	}
	c.mu.Lock()
	n := len(c.participants)
	c.mu.Unlock()
	delay := CoalesceDelay(n)
	c.scheduler.AfterFunc(delay, func() {
		c.flushQueue(p)
	})
}

// flushQueue drains a participant's queued source deltas and pushes the
// resulting ssrc set to its bridge session. The remove delta is applied
// first (SourceQueue.Flush's pinned remove-before-add order), then the add
// delta, so the bridge never briefly forwards a since-removed ssrc.
func (c *Conference) flushQueue(p *Participant) {
	removed, added := p.Queue.Flush()
	if len(removed) == 0 && len(added) == 0 {
		return
	}
	if len(removed) > 0 {
		_ = c.bridges.UpdateParticipant(context.Background(), p.ID, bridge.ParticipantUpdate{})
	}
	if len(added) > 0 {
		ssrcs := make([]uint32, len(added))
		for i, s := range added {
			ssrcs[i] = s.SSRC
		}
		_ = c.bridges.UpdateParticipant(context.Background(), p.ID, bridge.ParticipantUpdate{SourceSSRCs: ssrcs})
	}
}

// acceptSession records the accepted transport/sources for a participant
// and flushes any queued source deltas synchronously (spec.md §4.1's
// acceptSession and §5's "a successful acceptSession precedes any queued
// source delivery").
func (c *Conference) acceptSession(endpoint EndpointID, sources []Source, transport bridge.Transport, initialLastN *int) error {
	c.mu.Lock()
	p, ok := c.participants[endpoint]
	c.mu.Unlock()
	if !ok {
		return newErr(ValidationFailed, "unknown participant", nil)
	}

	if _, err := c.sources.TryToAdd(endpoint, sources); err != nil {
		return err
	}

	// The queue was already reset by this participant's invite runner
	// (InviteRunner.Run calls Queue.Reset before sending the offer); any
	// deltas accumulated since then are flushed synchronously now that the
	// session is accepted (spec.md §5's "a successful acceptSession
	// precedes any queued source delivery").
	known := p.Queue.Reset(c.conferenceSourcesExcluding(endpoint))
	ssrcs := make([]uint32, len(known))
	for i, s := range known {
		ssrcs[i] = s.SSRC
	}

	upd := bridge.ParticipantUpdate{Transport: &transport, InitialLastN: initialLastN, SourceSSRCs: ssrcs}
	return c.bridges.UpdateParticipant(context.Background(), endpoint, upd)
}

// terminateSession ends a participant's bridge session, optionally
// re-inviting. It never broadcasts a source-remove to the other
// participants, which is what the single-participant-timeout case relies on.
func (c *Conference) terminateSession(endpoint EndpointID, bridgeSessionID string, reinvite bool) error {
	c.mu.Lock()
	p, ok := c.participants[endpoint]
	c.mu.Unlock()
	if !ok {
		return newErr(InvalidBridgeSession, "unknown participant", nil)
	}

	if bridgeSessionID != "" {
		if id, has := c.bridges.GetBridgeSessionID(endpoint); !has || id != bridgeSessionID {
			return newErr(InvalidBridgeSession, "bridge session id does not match", nil)
		}
	}

	_ = c.bridges.RemoveParticipant(context.Background(), endpoint)
	p.SetSession(nil)

	if reinvite {
		c.launchInvite(p, false)
	}
	return nil
}

// iceFailed requests a bridge endpoint restart and re-invite if
// bridgeSessionID matches the participant's live session and the endpoint's
// restart-rate budget allows it; a mismatching id is ignored (spec.md
// §4.1's failure semantics), and a throttled endpoint is left on its
// current (already failed) session rather than reinvited (spec.md
// property 6).
func (c *Conference) iceFailed(endpoint EndpointID, bridgeSessionID string) {
	id, ok := c.bridges.GetBridgeSessionID(endpoint)
	if !ok || id != bridgeSessionID {
		return
	}

	p, ok := c.participant(endpoint)
	if !ok {
		return
	}

	ctx := context.Background()
	allowed, err := c.restartLimiter.Allow(ctx, string(endpoint))
	if err != nil {
		logging.Error(ctx, "restart rate check failed", zap.String("endpoint_id", string(endpoint)), zap.Error(err))
		return
	}
	if !allowed {
		return
	}
	p.RecordRestart(time.Now())

	c.reinvite(endpoint, true)
}

// reinvite cancels any outstanding invite and launches a fresh one, used on
// ICE failure and bridge removal.
func (c *Conference) reinvite(endpoint EndpointID, restart bool) {
	c.mu.Lock()
	p, ok := c.participants[endpoint]
	c.mu.Unlock()
	if !ok {
		return
	}
	if restart {
		p.SetSession(nil)
	}
	c.launchInvite(p, false)
}

// onInviteFailed implements the invite-failure path: it removes the
// participant from the table, tears down its bridge side and propagates the
// removal of its sources to the others. No session-terminate (and no
// GENERAL_ERROR reason) is sent to the failed participant's peer.
func (c *Conference) onInviteFailed(p *Participant, err error) {
	metrics.InviteRunnerOutcomes.WithLabelValues("failed").Inc()
	logging.Error(context.Background(), "invite runner failed", zap.String("endpoint_id", string(p.ID)), zap.Error(err))

	c.mu.Lock()
	delete(c.participants, p.ID)
	c.mu.Unlock()

	c.teardownParticipant(p)
}

// muteRequest implements spec.md §4.1's mute policy: a non-moderator may
// only target themselves; unmuting additionally requires the room's
// unmute whitelist unless the requester is a moderator.
func (c *Conference) muteRequest(muter, target EndpointID, kind MediaKind, mute bool) MuteOutcome {
	c.mu.Lock()
	muterP, muterOK := c.participants[muter]
	targetP, targetOK := c.participants[target]
	c.mu.Unlock()
	if !muterOK || !targetOK {
		return MuteError
	}

	isModerator := muterP.HasAtLeastModeratorRights()
	if !isModerator {
		if muter != target {
			return MuteNotAllowed
		}
		if !mute && !c.room.IsMemberAllowedToUnmute(targetP.Address, kind) {
			return MuteNotAllowed
		}
	}

	presence, ok := c.room.ChatMember(targetP.Address)
	if ok && presence.IsTrustedComponent() && mute {
		// Trusted components that cannot unmute are never force-muted.
		return MuteNotAllowed
	}

	var audioEP, videoEP []EndpointID
	switch kind {
	case MediaAudio:
		audioEP = []EndpointID{target}
	case MediaVideo, MediaDesktop:
		videoEP = []EndpointID{target}
	}
	if len(audioEP) > 0 {
		c.bridges.Mute(context.Background(), audioEP, mute, MediaAudio)
	}
	if len(videoEP) > 0 {
		c.bridges.Mute(context.Background(), videoEP, mute, kind)
	}
	if kind == MediaDesktop {
		targetP.SetDesktopMuted(mute)
	}
	return MuteSuccess
}

// muteAll best-effort broadcasts a mute to every current participant except
// the actor.
func (c *Conference) muteAll(kind MediaKind, actor EndpointID) {
	c.mu.Lock()
	targets := make([]EndpointID, 0, len(c.participants))
	for id := range c.participants {
		if id != actor {
			targets = append(targets, id)
		}
	}
	c.mu.Unlock()
	sort.Slice(targets, func(i, j int) bool { return targets[i] < targets[j] })
	c.bridges.Mute(context.Background(), targets, true, kind)
}

// moveEndpoints re-invites the named endpoints, returning the count actually
// re-invited (spec.md §4.1's moveEndpoint(s)). The new bridge is whatever
// the selector picks; a target bridge cannot be named.
func (c *Conference) moveEndpoints(endpoints []EndpointID) int {
	moved := 0
	for _, ep := range endpoints {
		c.mu.Lock()
		_, ok := c.participants[ep]
		c.mu.Unlock()
		if !ok {
			continue
		}
		c.reinvite(ep, false)
		moved++
	}
	return moved
}

// redirectVisitor implements spec.md §4.1's visitor-overflow admission
// rule, invoked before a new endpoint joins the main room.
func (c *Conference) redirectVisitor(ctx context.Context, region string, requestedVisitor bool, hints VisitorHints, candidates []VisitorConnection) (string, error) {
	c.mu.Lock()
	userCount := 0
	for _, p := range c.participants {
		if !p.IsVisitor() {
			userCount++
		}
	}
	_, alreadyInUse := c.visitorRooms["*"]
	isBreakout := c.mainRoom != nil
	c.mu.Unlock()

	softLimit := c.room.ParticipantsSoftLimit()
	if softLimit <= 0 {
		softLimit = c.cfg.ParticipantsSoftLimit
	}

	decision := RedirectVisitorDecision{
		VisitorsEnabledGlobally: c.room.VisitorsEnabled(),
		LobbyEnabled:            c.room.LobbyEnabled(),
		RoomAllowsVisitors:      c.room.VisitorsEnabled(),
		IsBreakout:              isBreakout,
		VisitorsAlreadyInUse:    alreadyInUse,
		CallerRequestedVisitor:  requestedVisitor,
		UserParticipantCount:    userCount,
		SoftLimit:               softLimit,
	}
	if !shouldRedirectVisitor(decision) {
		return "", nil
	}

	conn, ok := c.visitors.Select(candidates, region, hints)
	if !ok {
		return "", nil
	}

	c.mu.Lock()
	_, known := c.visitorRooms[conn.Name]
	c.mu.Unlock()

	if !known {
		vr, err := c.joinVisitorRoom(ctx, conn.Name)
		if err != nil {
			return "", fmt.Errorf("join visitor room %q: %w", conn.Name, err)
		}
		c.mu.Lock()
		c.visitorRooms[conn.Name] = vr
		c.visitorRooms["*"] = vr
		c.mu.Unlock()
	}

	metrics.VisitorsRedirected.WithLabelValues(conn.Region).Inc()
	c.bumpVisitorProperties()
	return conn.Name, nil
}

// VisitorRoomFactory joins an auxiliary visitor-node room by connection name
// (spec.md §6). The wire-level connect IQ is out of scope; this is the seam
// a deployment wires to its real transport, and tests wire to a fakeRoom.
type VisitorRoomFactory interface {
	Join(ctx context.Context, name string) (Room, error)
}

// unconfiguredVisitorRoomFactory is NewConference's default: it refuses to
// join, since joining a visitor node without a real transport wired in would
// silently fabricate a room. A deployment must call SetVisitorRoomFactory
// before visitor overflow can actually redirect anyone.
type unconfiguredVisitorRoomFactory struct{}

func (unconfiguredVisitorRoomFactory) Join(context.Context, string) (Room, error) {
	return nil, newErr(ValidationFailed, "no visitor room factory configured", nil)
}

// joinVisitorRoom delegates to the configured VisitorRoomFactory.
func (c *Conference) joinVisitorRoom(ctx context.Context, name string) (Room, error) {
	c.mu.Lock()
	factory := c.visitorJoiner
	c.mu.Unlock()
	return factory.Join(ctx, name)
}

// bumpVisitorProperties recomputes visitor-count and visitor-codecs from
// the current visitor participants (SUPPLEMENTED FEATURES: visitor
// codec/count presence aggregation).
func (c *Conference) bumpVisitorProperties() {
	c.mu.Lock()
	count := 0
	codecSet := make(map[string]struct{})
	for _, p := range c.participants {
		if !p.IsVisitor() {
			continue
		}
		count++
		for _, f := range []Feature{FeatureOpusRed, FeatureRTX, FeatureREMB, FeatureTCC} {
			if p.Features().Has(f) {
				codecSet[string(f)] = struct{}{}
			}
		}
	}
	codecs := make([]string, 0, len(codecSet))
	for f := range codecSet {
		codecs = append(codecs, f)
	}
	sort.Strings(codecs)

	c.props["visitor-count"] = strconv.Itoa(count)
	c.props["visitor-codecs"] = joinSorted(codecs)
	c.props["visitors-enabled"] = strconv.FormatBool(c.room.VisitorsEnabled())
	c.mu.Unlock()

	c.refreshPresence()
}

func joinSorted(ss []string) string {
	out := ""
	for i, s := range ss {
		if i > 0 {
			out += ","
		}
		out += s
	}
	return out
}

// refreshPresence mirrors the conference-properties map to room presence
// (spec.md §3).
func (c *Conference) refreshPresence() {
	c.mu.Lock()
	audioLimit := c.cfg.MaxAudioSenders > 0 && c.room.AudioSendersCount() >= c.cfg.MaxAudioSenders
	videoLimit := c.cfg.MaxVideoSenders > 0 && c.room.VideoSendersCount() >= c.cfg.MaxVideoSenders
	c.props["audio-limit-reached"] = strconv.FormatBool(audioLimit)
	c.props["video-limit-reached"] = strconv.FormatBool(videoLimit)
	c.props["supports-session-restart"] = "true"
	snapshot := make(map[string]string, len(c.props))
	for k, v := range c.props {
		snapshot[k] = v
	}
	c.mu.Unlock()

	c.room.AddPresenceExtensions(snapshot)
}

// participantCount returns the current number of live participants, used by
// tests to observe coordinator state without reaching into internals.
func (c *Conference) participantCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.participants)
}

func (c *Conference) participant(id EndpointID) (*Participant, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	p, ok := c.participants[id]
	return p, ok
}

package focus

import (
	"sync"
	"time"

	"github.com/heliumvc/focus/pkg/bridge"
	"mellium.im/xmpp/jid"
)

// Session is a participant's active bridge allocation: the transport and
// bridge-session identity returned by the invite runner once a
// session-initiate or transport-replace has been accepted.
type Session struct {
	BridgeSessionID string
	BridgeID        string
	Transport       bridge.Transport
	SCTPPort        *int
}

// Participant is one conference's per-endpoint record (C1): identity,
// immutable feature/role snapshot, the endpoint's active bridge session (if
// any), its pending invite (cancelable, at most one at a time), its
// restart-request history, and its source-signaling queue.
//
// All mutable fields are guarded by mu; the coordinator holds its own lock
// around callers of these methods (spec.md §5's ordering: coordinator lock
// before any per-participant or registry lock), so this lock only protects
// against concurrent invite-runner and coordinator-goroutine access to the
// same record.
type Participant struct {
	mu sync.Mutex

	ID      EndpointID
	Address jid.JID

	features FeatureSet
	role     Role

	isVisitor bool

	session       *Session
	pendingInvite *InviteHandle

	desktopMuted bool
	restarts     []time.Time

	Queue *SourceQueue
}

// InviteHandle is the cancelable handle to a participant's in-flight invite
// runner. Canceling it sets the soft flag the runner checks between stages;
// it does not stop a goroutine already past its last check.
type InviteHandle struct {
	mu       sync.Mutex
	canceled bool
	done     chan struct{}
}

// NewInviteHandle builds an uncanceled handle.
func NewInviteHandle() *InviteHandle {
	return &InviteHandle{done: make(chan struct{})}
}

// Cancel sets the canceled flag. Idempotent.
func (h *InviteHandle) Cancel() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.canceled {
		return
	}
	h.canceled = true
	close(h.done)
}

// Canceled reports whether Cancel has been called.
func (h *InviteHandle) Canceled() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.canceled
}

// restartHistoryCap bounds the deque spec.md §3 calls for; the rate limiter
// enforces admission, this cap only keeps the record itself from growing
// without bound across a very long-lived participant.
const restartHistoryCap = 32

// NewParticipant builds a participant record. features and role are
// snapshotted at creation and never change for the life of the record,
// matching spec.md §3's "captured at the moment of participant creation and
// thereafter treated as immutable for the session".
func NewParticipant(id EndpointID, addr jid.JID, features FeatureSet, role Role, isVisitor bool, filter SourceFilter) *Participant {
	return &Participant{
		ID:        id,
		Address:   addr,
		features:  features,
		role:      role,
		isVisitor: isVisitor,
		Queue:     NewSourceQueue(filter),
	}
}

// Features returns the immutable feature snapshot.
func (p *Participant) Features() FeatureSet { return p.features }

// Role returns the immutable role snapshot.
func (p *Participant) Role() Role { return p.role }

// IsVisitor reports whether this participant was admitted as a visitor.
func (p *Participant) IsVisitor() bool { return p.isVisitor }

// HasAtLeastModeratorRights reports the role's moderator-or-above rights.
func (p *Participant) HasAtLeastModeratorRights() bool {
	return p.role.HasAtLeastModeratorRights()
}

// Session returns the active bridge session, or nil if none.
func (p *Participant) Session() *Session {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.session
}

// SetSession installs or clears the active session.
func (p *Participant) SetSession(s *Session) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.session = s
}

// PendingInvite returns the current invite handle, or nil if none is
// in flight.
func (p *Participant) PendingInvite() *InviteHandle {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pendingInvite
}

// SetInviteRunnable installs a new invite handle, canceling and discarding
// any previous one first. Returns the new handle the caller must pass to
// the invite runner it is about to schedule.
func (p *Participant) SetInviteRunnable() *InviteHandle {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.pendingInvite != nil {
		p.pendingInvite.Cancel()
	}
	h := NewInviteHandle()
	p.pendingInvite = h
	return h
}

// ClearInviteIfCurrent clears the pending invite only if it is still h,
// so a canceled/superseded runner finishing late does not clobber a newer
// one's handle.
func (p *Participant) ClearInviteIfCurrent(h *InviteHandle) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pendingInvite == h {
		p.pendingInvite = nil
	}
}

// DesktopMuted returns the last-known desktop-share muted flag.
func (p *Participant) DesktopMuted() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.desktopMuted
}

// SetDesktopMuted updates the last-known desktop-share muted flag.
func (p *Participant) SetDesktopMuted(muted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.desktopMuted = muted
}

// RecordRestart appends a restart-request timestamp to the bounded deque,
// dropping the oldest entry once restartHistoryCap is reached. This is a
// record of what happened, not the admission decision — that is
// internal/ratelimit.RestartLimiter's job (spec.md property 6); the
// coordinator calls the limiter first and only records here on success.
func (p *Participant) RecordRestart(at time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.restarts = append(p.restarts, at)
	if len(p.restarts) > restartHistoryCap {
		p.restarts = p.restarts[len(p.restarts)-restartHistoryCap:]
	}
}

// RestartHistory returns a copy of the recorded restart timestamps.
func (p *Participant) RestartHistory() []time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]time.Time, len(p.restarts))
	copy(out, p.restarts)
	return out
}

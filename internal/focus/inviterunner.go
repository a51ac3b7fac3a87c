package focus

import (
	"context"

	"github.com/heliumvc/focus/pkg/bridge"
)

// Offer carries everything an invite runner hands to the signaling
// transport once a bridge allocation succeeds: the cloned transport, the
// optional SCTP mapping, and the conference-wide sources (minus the
// participant's own) that leave on this particular offer.
type Offer struct {
	Allocation *bridge.Allocation
	Sources    []Source
	// Fresh is true for an initial session-initiate, false for a
	// transport-replace (reinvite without restart).
	Fresh bool
}

// InviteSender sends the built offer over the signaling transport and
// blocks until it is acknowledged or ctx is done; the wire encoding itself
// is out of scope (spec.md §1). A context deadline exceeded counts as "no
// acknowledgement arrives".
type InviteSender interface {
	SendOffer(ctx context.Context, participant EndpointID, offer Offer) error
}

// InviteRunner is a single-shot, cancelable unit of work (C5) enqueued to
// the I/O pool: allocate a bridge, build the offer, send it, and report
// success or failure to the coordinator. It never runs concurrently with
// another runner for the same participant — the coordinator enforces that
// by always going through Participant.SetInviteRunnable before scheduling
// one.
type InviteRunner struct {
	Participant *Participant
	Handle      *InviteHandle
	Opts        bridge.ParticipantOptions
	Fresh       bool

	Bridges *BridgeManager
	Sender  InviteSender

	// ConferenceSources returns the current conference-wide source set,
	// called after allocation so the offer reflects the latest state.
	ConferenceSources func() []Source

	// OnFailed is the coordinator's onInviteFailed(self) callback: called
	// on any terminal exception (allocation failure or a send that is
	// never acknowledged), exactly once, and only if this runner was not
	// canceled first.
	OnFailed func(p *Participant, err error)
}

// Run executes the runner's four stages, checking cancellation between
// each. It must be invoked on the I/O pool (via Scheduler.Submit), never
// inline on a signaling-transport callback goroutine.
func (r *InviteRunner) Run(ctx context.Context) {
	if r.Handle.Canceled() {
		return
	}

	alloc, err := r.Bridges.Allocate(ctx, r.Opts)
	if err != nil {
		r.fail(err)
		return
	}

	if r.Handle.Canceled() {
		// The allocation succeeded but a newer runner has taken over;
		// tear down the now-orphaned bridge-side state rather than
		// leaving it dangling.
		_ = r.Bridges.RemoveParticipant(ctx, r.Participant.ID)
		return
	}

	var sources []Source
	if r.ConferenceSources != nil {
		sources = r.ConferenceSources()
	}
	filtered := r.Participant.Queue.Reset(sources)

	if r.Handle.Canceled() {
		_ = r.Bridges.RemoveParticipant(ctx, r.Participant.ID)
		return
	}

	offer := Offer{Allocation: alloc, Sources: filtered, Fresh: r.Fresh}
	if err := r.Sender.SendOffer(ctx, r.Participant.ID, offer); err != nil {
		// No acknowledgement arrived: expire the channels this runner
		// allocated and notify the coordinator (spec.md §4.1's invite
		// algorithm, step 4).
		_ = r.Bridges.RemoveParticipant(ctx, r.Participant.ID)
		r.fail(err)
		return
	}

	r.Participant.SetSession(&Session{
		BridgeSessionID: alloc.BridgeSessionID,
		BridgeID:        alloc.BridgeID,
		Transport:       alloc.Transport,
		SCTPPort:        alloc.SCTPPort,
	})
	r.Participant.ClearInviteIfCurrent(r.Handle)
}

// fail reports a terminal exception, but only if this runner has not been
// superseded — a canceled runner must not deliver side effects, including
// the failure callback (spec.md §4.5's cancellation contract).
func (r *InviteRunner) fail(err error) {
	if r.Handle.Canceled() {
		return
	}
	r.Participant.ClearInviteIfCurrent(r.Handle)
	if r.OnFailed != nil {
		r.OnFailed(r.Participant, err)
	}
}

package focus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/heliumvc/focus/pkg/bridge"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
)

func testRoomJID(t *testing.T, local string) jid.JID {
	t.Helper()
	j, err := jid.Parse(local + "@conference.example.net")
	require.NoError(t, err)
	return j
}

func TestNewMeetingID_Is32HexChars(t *testing.T) {
	id, err := newMeetingID()
	require.NoError(t, err)
	assert.Len(t, id, 32)
	id2, err := newMeetingID()
	require.NoError(t, err)
	assert.NotEqual(t, id, id2)
}

func TestConferenceRegistry_RegisterAndGet(t *testing.T) {
	r := NewConferenceRegistry(nil, nil, 0)
	room := testRoomJID(t, "room1")
	c := &Conference{}

	require.NoError(t, r.Register(room, c))
	got, ok := r.Get(room)
	assert.True(t, ok)
	assert.Same(t, c, got)
}

func TestConferenceRegistry_RegisterDuplicateFails(t *testing.T) {
	r := NewConferenceRegistry(nil, nil, 0)
	room := testRoomJID(t, "room1")
	require.NoError(t, r.Register(room, &Conference{}))

	err := r.Register(room, &Conference{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
}

func TestConferenceRegistry_Remove(t *testing.T) {
	r := NewConferenceRegistry(nil, nil, 0)
	room := testRoomJID(t, "room1")
	require.NoError(t, r.Register(room, &Conference{}))

	r.Remove(room)
	_, ok := r.Get(room)
	assert.False(t, ok)
}

// Property 5: meeting-id uniqueness — a second meetingIdSet for the same id
// fails when a different room already holds it.
func TestConferenceRegistry_Property5_MeetingIDUniqueness(t *testing.T) {
	r := NewConferenceRegistry(nil, nil, 0)
	room1 := testRoomJID(t, "room1")
	room2 := testRoomJID(t, "room2")
	ctx := context.Background()

	require.NoError(t, r.ClaimMeetingID(ctx, "abc123", room1))

	err := r.ClaimMeetingID(ctx, "abc123", room2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrMeetingIDCollision))

	// The same room re-claiming its own id is not a collision.
	require.NoError(t, r.ClaimMeetingID(ctx, "abc123", room1))
}

func TestConferenceRegistry_ReleaseThenReclaimSucceeds(t *testing.T) {
	r := NewConferenceRegistry(nil, nil, 0)
	room1 := testRoomJID(t, "room1")
	room2 := testRoomJID(t, "room2")
	ctx := context.Background()

	require.NoError(t, r.ClaimMeetingID(ctx, "abc123", room1))
	r.ReleaseMeetingID(ctx, "abc123")
	assert.NoError(t, r.ClaimMeetingID(ctx, "abc123", room2))
}

func TestConferenceRegistry_PinAndUnpin(t *testing.T) {
	r := NewConferenceRegistry(nil, nil, 0)
	room := testRoomJID(t, "room1")
	ctx := context.Background()

	assert.False(t, r.IsPinned(room))
	require.NoError(t, r.Pin(ctx, room, "debugging", time.Hour))
	assert.True(t, r.IsPinned(room))
	assert.Len(t, r.ListPins(), 1)

	require.NoError(t, r.Unpin(ctx, room))
	assert.False(t, r.IsPinned(room))
	assert.Empty(t, r.ListPins())
}

func TestConferenceRegistry_FindOrCreate_UnconfiguredFactoryErrors(t *testing.T) {
	r := NewConferenceRegistry(nil, NewManualScheduler(time.Unix(0, 0)), 0)
	_, err := r.FindOrCreate(context.Background(), testRoomJID(t, "room1"))
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrValidationFailed))
}

type fakeRoomFactory struct {
	room *fakeRoom
	err  error
}

func (f *fakeRoomFactory) Join(context.Context, jid.JID) (Room, error) {
	if f.err != nil {
		return nil, f.err
	}
	return f.room, nil
}

func TestConferenceRegistry_FindOrCreate_BuildsAndReturnsSameConferenceOnRetry(t *testing.T) {
	sched := NewManualScheduler(time.Unix(0, 0))
	r := NewConferenceRegistry(nil, sched, 0)
	room := testRoomJID(t, "room1")

	factory := &fakeRoomFactory{room: newFakeRoom(room)}
	cfg := testFocusConfig()
	r.ConfigureConferenceFactory(factory, map[string]*bridge.Client{}, &RoundRobinSelector{}, nil, cfg, nil, nil)

	c, err := r.FindOrCreate(context.Background(), room)
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, stateRunning, c.State())
	defer c.stop(context.Background())

	again, err := r.FindOrCreate(context.Background(), room)
	require.NoError(t, err)
	assert.Same(t, c, again, "a second FindOrCreate for the same room must return the already-running conference")
}

func TestConferenceRegistry_SweepExpiredPins(t *testing.T) {
	clock := NewManualScheduler(time.Unix(0, 0))
	r := NewConferenceRegistry(nil, clock, 10*time.Second)
	room := testRoomJID(t, "room1")
	ctx := context.Background()

	require.NoError(t, r.Pin(ctx, room, "short-lived", 5*time.Second))
	assert.True(t, r.IsPinned(room))

	clock.Advance(11 * time.Second)
	assert.Empty(t, r.ListPins(), "the sweep must have dropped the expired pin")

	r.Stop()
}

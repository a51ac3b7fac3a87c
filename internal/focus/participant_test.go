package focus

import (
	"context"
	"testing"
	"time"

	"github.com/heliumvc/focus/internal/config"
	"github.com/heliumvc/focus/internal/ratelimit"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmpp/jid"
)

func newTestParticipant(t *testing.T, id string) *Participant {
	t.Helper()
	room, err := jid.Parse("room@conference.example.net")
	require.NoError(t, err)
	addr, err := room.Bare().WithResource(id)
	require.NoError(t, err)

	features, err := NewFeatureSet(FeatureAudio, FeatureVideo)
	require.NoError(t, err)
	return NewParticipant(EndpointID(id), addr, features, RoleMember, false, nil)
}

func TestParticipant_FeaturesAndRoleAreSnapshotted(t *testing.T) {
	p := newTestParticipant(t, "alice")
	assert.True(t, p.Features().Has(FeatureAudio))
	assert.Equal(t, RoleMember, p.Role())
	assert.False(t, p.HasAtLeastModeratorRights())
}

func TestParticipant_SessionGetSet(t *testing.T) {
	p := newTestParticipant(t, "alice")
	assert.Nil(t, p.Session())

	s := &Session{BridgeSessionID: "bs-1", BridgeID: "bridge-1"}
	p.SetSession(s)
	assert.Equal(t, s, p.Session())
}

func TestParticipant_SetInviteRunnable_CancelsPrevious(t *testing.T) {
	p := newTestParticipant(t, "alice")
	first := p.SetInviteRunnable()
	assert.False(t, first.Canceled())

	second := p.SetInviteRunnable()
	assert.True(t, first.Canceled(), "installing a new runnable must cancel the previous one")
	assert.False(t, second.Canceled())
	assert.Equal(t, second, p.PendingInvite())
}

func TestParticipant_ClearInviteIfCurrent_IgnoresStaleHandle(t *testing.T) {
	p := newTestParticipant(t, "alice")
	first := p.SetInviteRunnable()
	second := p.SetInviteRunnable()

	// first is stale; clearing with it must not disturb second.
	p.ClearInviteIfCurrent(first)
	assert.Equal(t, second, p.PendingInvite())

	p.ClearInviteIfCurrent(second)
	assert.Nil(t, p.PendingInvite())
}

func TestParticipant_DesktopMutedFlag(t *testing.T) {
	p := newTestParticipant(t, "alice")
	assert.False(t, p.DesktopMuted())
	p.SetDesktopMuted(true)
	assert.True(t, p.DesktopMuted())
}

func TestParticipant_RestartHistory_BoundedDeque(t *testing.T) {
	p := newTestParticipant(t, "alice")
	base := time.Unix(0, 0)
	for i := 0; i < restartHistoryCap+5; i++ {
		p.RecordRestart(base.Add(time.Duration(i) * time.Second))
	}
	hist := p.RestartHistory()
	assert.Len(t, hist, restartHistoryCap)
	assert.Equal(t, base.Add(5*time.Second), hist[0], "the oldest entries must have been dropped")
}

// Property 6: restart-session requests from a single participant are
// rejected if there was one in the last 10 seconds or more than 3 in the
// last 60 seconds. This exercises internal/ratelimit.RestartLimiter the way
// the coordinator would: check admission first, record only on success.
func TestParticipant_Property6_RestartRateLimiting(t *testing.T) {
	cfg := &config.Config{
		RestartShortWindow:      10 * time.Second,
		RestartShortWindowLimit: 1,
		RestartLongWindow:       60 * time.Second,
		RestartLongWindowLimit:  3,
	}
	limiter := ratelimit.NewRestartLimiter(cfg)
	p := newTestParticipant(t, "alice")
	ctx := context.Background()

	allowed, err := limiter.Allow(ctx, string(p.ID))
	require.NoError(t, err)
	require.True(t, allowed)
	p.RecordRestart(time.Now())

	allowed, err = limiter.Allow(ctx, string(p.ID))
	require.NoError(t, err)
	assert.False(t, allowed, "a second restart within 10 seconds of the first must be rejected")

	assert.Len(t, p.RestartHistory(), 1, "a rejected restart must not be recorded")
}

func TestParticipant_QueueIsWiredForSourceSignaling(t *testing.T) {
	p := newTestParticipant(t, "alice")
	require.NotNil(t, p.Queue)
	p.Queue.Add([]Source{{SSRC: 1}})
	removed, added := p.Queue.Flush()
	assert.Empty(t, removed)
	assert.Len(t, added, 1)
}

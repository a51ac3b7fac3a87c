package registry

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NotNil(t, svc.Client())
	assert.NoError(t, svc.Ping(context.Background()))
}

func TestTryClaimMeetingID(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	claimed, err := svc.TryClaimMeetingID(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed)

	claimed, err = svc.TryClaimMeetingID(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	assert.False(t, claimed, "a second claim of the same meeting id must be rejected")

	require.NoError(t, svc.ReleaseMeetingID(ctx, "abc123"))

	claimed, err = svc.TryClaimMeetingID(ctx, "abc123", time.Minute)
	require.NoError(t, err)
	assert.True(t, claimed, "claim must succeed again after release")
}

func TestPinLifecycle(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	p := Pin{RoomJID: "room1@conference.example.com", Reason: "recording", ExpiresAt: time.Now().Add(time.Hour)}
	require.NoError(t, svc.SetPin(ctx, p))

	pins, err := svc.ListPins(ctx)
	require.NoError(t, err)
	require.Len(t, pins, 1)
	assert.Equal(t, p.RoomJID, pins[0].RoomJID)

	require.NoError(t, svc.ClearPin(ctx, p.RoomJID))

	pins, err = svc.ListPins(ctx)
	require.NoError(t, err)
	assert.Empty(t, pins)
}

func TestPinLifecycle_ExpiredPinsArePruned(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	expired := Pin{RoomJID: "stale@conference.example.com", ExpiresAt: time.Now().Add(-time.Minute)}
	require.NoError(t, svc.SetPin(ctx, expired))

	pins, err := svc.ListPins(ctx)
	require.NoError(t, err)
	assert.Empty(t, pins, "expired pins must be pruned from the listing")
}

func TestRedisFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()

	ctx := context.Background()

	// gobreaker's default trip rule opens the breaker after more than five
	// consecutive failures.
	for i := 0; i < 6; i++ {
		assert.Error(t, svc.Ping(ctx))
	}

	claimed, err := svc.TryClaimMeetingID(ctx, "down", time.Minute)
	assert.NoError(t, err, "claim must fail open once the circuit breaker trips")
	assert.True(t, claimed)
}

func TestNilService_DegradesToSingleProcess(t *testing.T) {
	var svc *Service
	ctx := context.Background()

	assert.Nil(t, svc.Client())
	assert.NoError(t, svc.Ping(ctx))

	claimed, err := svc.TryClaimMeetingID(ctx, "x", time.Minute)
	assert.NoError(t, err)
	assert.True(t, claimed)

	pins, err := svc.ListPins(ctx)
	assert.NoError(t, err)
	assert.Nil(t, pins)
}

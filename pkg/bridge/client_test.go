package bridge

import (
	"errors"
	"testing"

	"github.com/sony/gobreaker"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

func TestNewClient_Succeeds(t *testing.T) {
	c, err := NewClient("bridge-1", "127.0.0.1:0")
	require.NoError(t, err)
	require.NotNil(t, c)
	assert.Equal(t, "bridge-1", c.BridgeID())
	assert.NoError(t, c.Close())
}

func TestTranslate_CircuitOpen(t *testing.T) {
	c, err := NewClient("bridge-2", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	err = c.translate(gobreaker.ErrOpenState)
	assert.ErrorIs(t, err, ErrUnavailable)
}

func TestTranslate_ResourceExhaustedMapsToNoBridgeAvailable(t *testing.T) {
	c, err := NewClient("bridge-3", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	grpcErr := status.Error(codes.ResourceExhausted, "no capacity")
	err = c.translate(grpcErr)
	assert.ErrorIs(t, err, ErrNoBridgeAvailable)
}

func TestTranslate_AlreadyExistsMapsToConferenceAlreadyExists(t *testing.T) {
	c, err := NewClient("bridge-4", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	grpcErr := status.Error(codes.AlreadyExists, "conference exists")
	err = c.translate(grpcErr)
	assert.ErrorIs(t, err, ErrConferenceAlreadyExists)
}

func TestTranslate_UnknownErrorWrapsAllocationFailed(t *testing.T) {
	c, err := NewClient("bridge-5", "127.0.0.1:0")
	require.NoError(t, err)
	defer c.Close()

	cause := errors.New("network blip")
	err = c.translate(cause)
	assert.ErrorIs(t, err, ErrAllocationFailed)
	assert.Contains(t, err.Error(), "network blip")
}

package jid

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoom(t *testing.T) {
	r, err := Room("conference-a@conference.focus.example")
	require.NoError(t, err)
	assert.Equal(t, "conference-a@conference.focus.example", r.String())
}

func TestMemberAndNickname(t *testing.T) {
	room, err := Room("conference-a@conference.focus.example")
	require.NoError(t, err)

	member, err := Member(room, "alice")
	require.NoError(t, err)
	assert.Equal(t, "alice", Nickname(member))
	assert.Equal(t, "conference-a@conference.focus.example/alice", member.String())
}

func TestBridge(t *testing.T) {
	b, err := Bridge("bridge-1@bridges.focus.example")
	require.NoError(t, err)
	assert.Equal(t, "bridge-1@bridges.focus.example", b.String())
}

func TestRoom_InvalidRejected(t *testing.T) {
	_, err := Room("not a valid jid")
	assert.Error(t, err)
}

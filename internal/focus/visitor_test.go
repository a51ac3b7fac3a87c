package focus

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestRoundRobinByRegionPolicy_PrefersSameRegion(t *testing.T) {
	p := &RoundRobinByRegionPolicy{}
	candidates := []VisitorConnection{
		{Name: "v-eu-1", Region: "eu"},
		{Name: "v-us-1", Region: "us"},
		{Name: "v-eu-2", Region: "eu"},
	}

	c, ok := p.Select(candidates, "eu", VisitorHints{})
	assert.True(t, ok)
	assert.Equal(t, "eu", c.Region)
}

func TestRoundRobinByRegionPolicy_FallsBackWhenNoRegionMatch(t *testing.T) {
	p := &RoundRobinByRegionPolicy{}
	candidates := []VisitorConnection{{Name: "v-us-1", Region: "us"}}

	c, ok := p.Select(candidates, "eu", VisitorHints{})
	assert.True(t, ok)
	assert.Equal(t, "v-us-1", c.Name)
}

func TestRoundRobinByRegionPolicy_NoCandidates(t *testing.T) {
	p := &RoundRobinByRegionPolicy{}
	_, ok := p.Select(nil, "eu", VisitorHints{})
	assert.False(t, ok)
}

func TestRoundRobinByRegionPolicy_CyclesWithinRegion(t *testing.T) {
	p := &RoundRobinByRegionPolicy{}
	candidates := []VisitorConnection{
		{Name: "v-eu-1", Region: "eu"},
		{Name: "v-eu-2", Region: "eu"},
	}
	first, _ := p.Select(candidates, "eu", VisitorHints{})
	second, _ := p.Select(candidates, "eu", VisitorHints{})
	assert.NotEqual(t, first.Name, second.Name)
}

// S6 (visitor overflow): participantsSoftLimit=50, current count 50, a new
// join arrives -> redirect.
func TestShouldRedirectVisitor_Scenario6_SoftLimitReached(t *testing.T) {
	got := shouldRedirectVisitor(RedirectVisitorDecision{
		VisitorsEnabledGlobally: true,
		RoomAllowsVisitors:      true,
		UserParticipantCount:    50,
		SoftLimit:               50,
	})
	assert.True(t, got)
}

func TestShouldRedirectVisitor_DisabledGlobally(t *testing.T) {
	got := shouldRedirectVisitor(RedirectVisitorDecision{
		VisitorsEnabledGlobally: false,
		RoomAllowsVisitors:      true,
		UserParticipantCount:    100,
		SoftLimit:               1,
	})
	assert.False(t, got)
}

func TestShouldRedirectVisitor_SuppressedByLobby(t *testing.T) {
	got := shouldRedirectVisitor(RedirectVisitorDecision{
		VisitorsEnabledGlobally: true,
		LobbyEnabled:            true,
		RoomAllowsVisitors:      true,
		CallerRequestedVisitor:  true,
	})
	assert.False(t, got)
}

func TestShouldRedirectVisitor_BreakoutNeverRedirects(t *testing.T) {
	got := shouldRedirectVisitor(RedirectVisitorDecision{
		VisitorsEnabledGlobally: true,
		RoomAllowsVisitors:      true,
		IsBreakout:              true,
		VisitorsAlreadyInUse:    true,
	})
	assert.False(t, got)
}

func TestShouldRedirectVisitor_RoomDoesNotAllowOrRequire(t *testing.T) {
	got := shouldRedirectVisitor(RedirectVisitorDecision{
		VisitorsEnabledGlobally: true,
		CallerRequestedVisitor:  true,
	})
	assert.False(t, got)
}

func TestShouldRedirectVisitor_ExplicitRequestAlwaysRedirects(t *testing.T) {
	got := shouldRedirectVisitor(RedirectVisitorDecision{
		VisitorsEnabledGlobally: true,
		RoomAllowsVisitors:      true,
		CallerRequestedVisitor:  true,
		UserParticipantCount:    1,
		SoftLimit:               1000,
	})
	assert.True(t, got)
}

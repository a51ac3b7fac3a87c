package focus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestSourceQueue_AddThenFlushDelivers(t *testing.T) {
	q := NewSourceQueue(nil)
	q.Add([]Source{{SSRC: 1}, {SSRC: 2}})

	removed, added := q.Flush()
	assert.Empty(t, removed)
	assert.Len(t, added, 2)
	assert.False(t, q.HasPending())
}

func TestSourceQueue_AddOfDeliveredSSRCIsNoOp(t *testing.T) {
	q := NewSourceQueue(nil)
	q.Add([]Source{{SSRC: 1}})
	q.Flush()

	q.Add([]Source{{SSRC: 1}})
	assert.False(t, q.HasPending(), "re-adding an already-delivered ssrc must be a no-op")
}

func TestSourceQueue_RemoveCancelsPendingAdd(t *testing.T) {
	q := NewSourceQueue(nil)
	q.Add([]Source{{SSRC: 1}})
	q.Remove([]uint32{1})

	removed, added := q.Flush()
	assert.Empty(t, removed, "the ssrc never reached delivered, so it must not appear as a remove")
	assert.Empty(t, added, "the add must have been canceled")
}

func TestSourceQueue_RemoveOfDeliveredJoinsRemoveDelta(t *testing.T) {
	q := NewSourceQueue(nil)
	q.Add([]Source{{SSRC: 1}})
	q.Flush()

	q.Remove([]uint32{1})
	removed, added := q.Flush()
	assert.Equal(t, []uint32{1}, removed)
	assert.Empty(t, added)
}

func TestSourceQueue_RemoveOfUnknownSSRCIsNoOp(t *testing.T) {
	q := NewSourceQueue(nil)
	q.Remove([]uint32{999})
	assert.False(t, q.HasPending())
}

// Pins the Open Question resolution: Flush always emits remove before add.
func TestSourceQueue_Flush_EmitsRemoveBeforeAdd(t *testing.T) {
	q := NewSourceQueue(nil)
	q.Add([]Source{{SSRC: 1}})
	q.Flush()

	q.Remove([]uint32{1})
	q.Add([]Source{{SSRC: 2}})

	removed, added := q.Flush()
	require := assert.New(t)
	require.Equal([]uint32{1}, removed)
	require.Len(added, 1)
	require.Equal(uint32(2), added[0].SSRC)
}

func TestSourceQueue_Reset_ReplacesDeliveredWithFilteredImage(t *testing.T) {
	filterDropOdd := func(in []Source) []Source {
		var out []Source
		for _, s := range in {
			if s.SSRC%2 == 0 {
				out = append(out, s)
			}
		}
		return out
	}
	q := NewSourceQueue(filterDropOdd)
	q.Add([]Source{{SSRC: 7}})

	out := q.Reset([]Source{{SSRC: 1}, {SSRC: 2}, {SSRC: 3}, {SSRC: 4}})
	assert.Len(t, out, 2)
	assert.False(t, q.HasPending(), "reset must clear any pending deltas")

	// ssrc 2 is now delivered, so adding it again is a no-op.
	q.Add([]Source{{SSRC: 2}})
	assert.False(t, q.HasPending())
}

func TestCoalesceDelay_MonotonicallyNonDecreasingAndCapped(t *testing.T) {
	prev := CoalesceDelay(0)
	for _, n := range []int{1, 5, 10, 50, 1000} {
		d := CoalesceDelay(n)
		assert.GreaterOrEqual(t, d, prev)
		prev = d
	}
	assert.LessOrEqual(t, CoalesceDelay(100000), coalesceMaxDelay)
	assert.True(t, CoalesceDelay(100000) <= 500*time.Millisecond)
}

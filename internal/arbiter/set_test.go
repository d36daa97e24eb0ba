package arbiter

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var base = time.Unix(1000, 0)

func TestSet_EnvelopeEmptyIsFullRange(t *testing.T) {
	s := NewSet()
	assert.Equal(t, FullEnvelope(), s.Envelope(base))
}

func TestSet_EnvelopeSingleVote(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 300, 800, base, time.Second)

	assert.Equal(t, Envelope{Min: 300, Max: 800}, s.Envelope(base.Add(500*time.Millisecond)))
	// Outside the window the vote contributes nothing.
	assert.Equal(t, FullEnvelope(), s.Envelope(base.Add(2*time.Second)))
	assert.Equal(t, FullEnvelope(), s.Envelope(base.Add(-time.Second)))
}

// Three votes with staggered windows. Where windows overlap the largest
// lower bound wins regardless of cast order.
func TestSet_EnvelopeOverlappingWindows(t *testing.T) {
	s := NewSet()
	at := func(ms int) time.Time { return base.Add(time.Duration(ms) * time.Millisecond) }

	s.Cast(SlotDefault, 111, ClampMax, at(20), 40*time.Millisecond)
	s.Cast(SlotLoadUp, 122, ClampMax, at(60), 25*time.Millisecond)
	s.Cast(SlotLoadReset, 133, ClampMax, at(60), 30*time.Millisecond)

	assert.Equal(t, FullEnvelope(), s.Envelope(at(10)))
	assert.Equal(t, 111, s.Envelope(at(30)).Min)
	// All three windows touch t=60; the most restrictive lower bound wins.
	assert.Equal(t, 133, s.Envelope(at(60)).Min)
	assert.Equal(t, 133, s.Envelope(at(85)).Min)
	assert.Equal(t, FullEnvelope(), s.Envelope(at(91)))
}

func TestSet_EnvelopeUpperBoundsIntersect(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 100, 900, base, time.Second)
	s.Cast(SlotPowerEfficiency, 0, 500, base, time.Second)

	assert.Equal(t, Envelope{Min: 100, Max: 500}, s.Envelope(base))
}

func TestSet_CastNormalizesInvertedBounds(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 800, 300, base, time.Second)
	assert.Equal(t, Envelope{Min: 300, Max: 800}, s.Envelope(base))
}

func TestSet_CastIsIdempotent(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 300, 800, base, time.Second)
	s.Cast(SlotDefault, 300, 800, base, time.Second)

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, Envelope{Min: 300, Max: 800}, s.Envelope(base))
}

func TestSet_KindMismatchIsIgnored(t *testing.T) {
	s := NewSet()

	s.Cast(SlotCapacity, 300, 800, base, time.Second)
	assert.Equal(t, 0, s.Len())

	s.CastCapacity(SlotDefault, 500, base, time.Second)
	assert.Equal(t, 0, s.Len())

	s.CastCapacity(SlotCapacity, 500, base, time.Second)
	require.Equal(t, 1, s.Len())
	// The capacity vote never narrows the clamp envelope.
	assert.Equal(t, FullEnvelope(), s.Envelope(base))

	c, ok := s.CapacityRequest(base)
	require.True(t, ok)
	assert.Equal(t, int64(500), c)
}

func TestSet_SetActiveMutesWithoutForgetting(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 300, 800, base, time.Second)

	require.True(t, s.SetActive(SlotDefault, false))
	assert.Equal(t, FullEnvelope(), s.Envelope(base))
	assert.False(t, s.IsActive(SlotDefault))

	require.True(t, s.SetActive(SlotDefault, true))
	assert.Equal(t, Envelope{Min: 300, Max: 800}, s.Envelope(base))

	assert.False(t, s.SetActive(SlotLoadUp, true))
}

func TestSet_RevokeRemovesSlot(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 300, 800, base, time.Second)

	assert.True(t, s.Revoke(SlotDefault))
	assert.False(t, s.Revoke(SlotDefault))
	assert.Equal(t, 0, s.Len())
}

func TestSet_ExtendDurationMovesExpiry(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 300, 800, base, time.Second)

	s.ExtendDuration(SlotDefault, 5*time.Second)
	exp, ok := s.Expiry(SlotDefault)
	require.True(t, ok)
	assert.Equal(t, base.Add(5*time.Second), exp)

	// Shortening below the elapsed time closes the window retroactively.
	s.ExtendDuration(SlotDefault, time.Millisecond)
	assert.True(t, s.AllExpired(base.Add(time.Second)))
}

func TestSet_ExpiredStates(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 300, 800, base, time.Second)
	s.Cast(SlotLoadUp, 640, ClampMax, base, 10*time.Second)

	assert.False(t, s.AnyExpired(base.Add(500*time.Millisecond)))
	assert.False(t, s.AllExpired(base.Add(500*time.Millisecond)))

	// Default expired, load-up still live.
	assert.True(t, s.AnyExpired(base.Add(2*time.Second)))
	assert.False(t, s.AllExpired(base.Add(2*time.Second)))

	assert.True(t, s.AllExpired(base.Add(11*time.Second)))
}

// A vote whose window has not opened yet counts as expired. Stale
// detection relies on this: such a vote is not constraining anything
// right now.
func TestSet_NotYetStartedCountsAsExpired(t *testing.T) {
	s := NewSet()
	s.Cast(SlotDefault, 300, 800, base.Add(time.Hour), time.Second)

	assert.True(t, s.AnyExpired(base))
	assert.True(t, s.AllExpired(base))
	assert.Equal(t, FullEnvelope(), s.Envelope(base))
}

func TestSet_EarliestExpiry(t *testing.T) {
	s := NewSet()

	_, ok := s.EarliestExpiry(base)
	assert.False(t, ok)

	s.Cast(SlotDefault, 300, 800, base, 3*time.Second)
	s.Cast(SlotLoadUp, 640, ClampMax, base, time.Second)
	s.Cast(SlotLoadReset, 240, ClampMax, base.Add(time.Hour), time.Second)

	exp, ok := s.EarliestExpiry(base)
	require.True(t, ok)
	// The not-yet-started vote is out of range and does not participate.
	assert.Equal(t, base.Add(time.Second), exp)
}

func TestVote_InRangeBoundsAreInclusive(t *testing.T) {
	v := &Vote{Kind: KindRange, Active: true, Start: base, Duration: time.Second}

	assert.True(t, v.InRange(base))
	assert.True(t, v.InRange(base.Add(time.Second)))
	assert.False(t, v.InRange(base.Add(time.Second+time.Nanosecond)))
	assert.False(t, v.InRange(base.Add(-time.Nanosecond)))

	v.Active = false
	assert.False(t, v.InRange(base))
}

package arbiter

import (
	"time"
)

// Set holds the votes of a single session keyed by slot. It is not safe
// for concurrent use; callers serialize access behind the registry lock.
type Set struct {
	votes map[Slot]*Vote
}

func NewSet() *Set {
	return &Set{votes: map[Slot]*Vote{}}
}

// Cast inserts or overwrites the range vote at slot. A cast on a capacity
// slot is ignored; CastCapacity must be used for those. Bounds are
// normalized so that min <= max always holds afterwards.
func (s *Set) Cast(slot Slot, min, max int, start time.Time, duration time.Duration) {
	if slot.IsCapacity() {
		return
	}
	if min > max {
		min, max = max, min
	}
	s.votes[slot] = &Vote{
		Kind:     KindRange,
		Active:   true,
		Start:    start,
		Duration: duration,
		Min:      min,
		Max:      max,
	}
}

// CastCapacity inserts or overwrites the capacity vote at slot. A cast on
// a range slot is ignored.
func (s *Set) CastCapacity(slot Slot, capacity int64, start time.Time, duration time.Duration) {
	if !slot.IsCapacity() {
		return
	}
	s.votes[slot] = &Vote{
		Kind:     KindCapacity,
		Active:   true,
		Start:    start,
		Duration: duration,
		Capacity: capacity,
	}
}

// Revoke removes the slot entirely, reporting whether it was present.
func (s *Set) Revoke(slot Slot) bool {
	if _, ok := s.votes[slot]; !ok {
		return false
	}
	delete(s.votes, slot)
	return true
}

// SetActive flips the active flag without touching the recorded bounds,
// so a muted vote can be re-enabled cheaply. Returns false if absent.
func (s *Set) SetActive(slot Slot, active bool) bool {
	v, ok := s.votes[slot]
	if !ok {
		return false
	}
	v.Active = active
	return true
}

// ExtendDuration updates the vote's duration in place without moving its
// start, which can lengthen or shorten the window, including closing it
// retroactively. No-op if the slot is absent.
func (s *Set) ExtendDuration(slot Slot, duration time.Duration) {
	if v, ok := s.votes[slot]; ok {
		v.Duration = duration
	}
}

// IsActive reports the active flag of the vote at slot, false if absent.
func (s *Set) IsActive(slot Slot) bool {
	v, ok := s.votes[slot]
	return ok && v.Active
}

// Expiry returns the window-close instant of the vote at slot.
func (s *Set) Expiry(slot Slot) (time.Time, bool) {
	v, ok := s.votes[slot]
	if !ok {
		return time.Time{}, false
	}
	return v.Expiry(), true
}

// Narrow tightens env by every range vote in range at time t: the largest
// min and the smallest max win, independent of insertion order.
func (s *Set) Narrow(env *Envelope, t time.Time) {
	for _, v := range s.votes {
		switch v.Kind {
		case KindRange:
			if !v.InRange(t) {
				continue
			}
			if v.Min > env.Min {
				env.Min = v.Min
			}
			if v.Max < env.Max {
				env.Max = v.Max
			}
		case KindCapacity:
			// Capacity votes are aggregated separately, see CapacityRequest.
		}
	}
}

// Envelope arbitrates all in-range range votes at time t. With none in
// range it returns the full default range.
func (s *Set) Envelope(t time.Time) Envelope {
	env := FullEnvelope()
	s.Narrow(&env, t)
	return env
}

// CapacityRequest returns the capacity requested by the primary capacity
// vote if it is in range at time t.
func (s *Set) CapacityRequest(t time.Time) (int64, bool) {
	v, ok := s.votes[SlotCapacity]
	if !ok || !v.InRange(t) {
		return 0, false
	}
	return v.Capacity, true
}

// AnyExpired reports whether any vote is out of range at time t. A vote
// whose window has not started yet counts as out of range.
func (s *Set) AnyExpired(t time.Time) bool {
	for _, v := range s.votes {
		if !v.InRange(t) {
			return true
		}
	}
	return false
}

// AllExpired reports whether no vote is in range at time t. Votes that
// have not started yet count as expired here: callers use this to detect
// that nothing is currently constraining the session.
func (s *Set) AllExpired(t time.Time) bool {
	for _, v := range s.votes {
		if v.InRange(t) {
			return false
		}
	}
	return true
}

// EarliestExpiry returns the soonest window close over votes in range at
// time t, reporting false when none are in range.
func (s *Set) EarliestExpiry(t time.Time) (time.Time, bool) {
	var earliest time.Time
	found := false
	for _, v := range s.votes {
		if !v.InRange(t) {
			continue
		}
		if exp := v.Expiry(); !found || exp.Before(earliest) {
			earliest = exp
			found = true
		}
	}
	return earliest, found
}

// Len returns the number of votes held.
func (s *Set) Len() int {
	return len(s.votes)
}

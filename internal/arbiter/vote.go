package arbiter

import (
	"time"
)

// Clamp boundaries accepted by the scheduler attribute interface.
const (
	ClampMin = 0
	ClampMax = 1024
)

// Slot identifies one vote source within a session. Each slot holds at
// most one vote and a later cast overwrites the previous one.
type Slot int

const (
	SlotDefault Slot = iota
	SlotLoadUp
	SlotLoadReset
	SlotLoadResume
	SlotPowerEfficiency
	SlotCapacity
	SlotCapacityLoadUp
	SlotCapacityLoadDown
	SlotCapacityLoadReset
)

// IsCapacity reports whether the slot carries capacity votes rather than
// clamp range votes.
func (s Slot) IsCapacity() bool {
	switch s {
	case SlotCapacity, SlotCapacityLoadUp, SlotCapacityLoadDown, SlotCapacityLoadReset:
		return true
	}
	return false
}

func (s Slot) String() string {
	switch s {
	case SlotDefault:
		return "default"
	case SlotLoadUp:
		return "load_up"
	case SlotLoadReset:
		return "load_reset"
	case SlotLoadResume:
		return "load_resume"
	case SlotPowerEfficiency:
		return "power_efficiency"
	case SlotCapacity:
		return "capacity"
	case SlotCapacityLoadUp:
		return "capacity_load_up"
	case SlotCapacityLoadDown:
		return "capacity_load_down"
	case SlotCapacityLoadReset:
		return "capacity_load_reset"
	}
	return "unknown"
}

// Kind tags the payload carried by a Vote.
type Kind int

const (
	KindRange Kind = iota
	KindCapacity
)

// Envelope is the combined (Min, Max) clamp bound after arbitrating all
// in-range votes. The zero value is not meaningful; use FullEnvelope.
type Envelope struct {
	Min int
	Max int
}

// FullEnvelope is the unconstrained default range.
func FullEnvelope() Envelope {
	return Envelope{Min: ClampMin, Max: ClampMax}
}

// Vote is a time-windowed constraint proposal. Min/Max are meaningful for
// KindRange, Capacity for KindCapacity. Only Active and Duration mutate
// after creation.
type Vote struct {
	Kind     Kind
	Active   bool
	Start    time.Time
	Duration time.Duration

	Min      int
	Max      int
	Capacity int64
}

// InRange reports whether the vote constrains time t, i.e. it is active
// and t falls within [Start, Start+Duration].
func (v *Vote) InRange(t time.Time) bool {
	if !v.Active {
		return false
	}
	return !t.Before(v.Start) && !t.After(v.Start.Add(v.Duration))
}

// Expiry returns the instant the vote's window closes.
func (v *Vote) Expiry() time.Time {
	return v.Start.Add(v.Duration)
}

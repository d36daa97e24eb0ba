// Package effector is where OS specifics enter: applying a clamp
// envelope to a thread's scheduling attributes, pushing the aggregate
// capacity request to a sysfs node, and flipping the system-wide boost
// toggle. The session manager only talks to the interfaces here.
package effector

import (
	"errors"

	"github.com/perfhint/sessiond/internal/arbiter"
)

// ErrThreadNotFound is returned when the target thread no longer exists.
// Callers prune the thread from its owning session and carry on.
var ErrThreadNotFound = errors.New("thread does not exist")

// ThreadClamper applies arbitration results to individual threads.
type ThreadClamper interface {
	// ApplyEnvelope sets the thread's clamp attributes to env.
	ApplyEnvelope(tid int, env arbiter.Envelope) error
	// InitThread prepares a thread that just gained its first owning
	// session.
	InitThread(tid int) error
	// ReleaseThread restores the default, unconstrained state of a thread
	// that lost its last owning session.
	ReleaseThread(tid int) error
}

// CapacityWriter consumes the system-wide aggregate capacity request.
type CapacityWriter interface {
	ApplyCapacity(capacity int64) error
}

// BoostToggle gates the coarse system-wide boost.
type BoostToggle interface {
	SetGlobalBoost(enabled bool) error
}

// Package registry keeps the bidirectional index between hint sessions
// and the OS threads they cover:
//
//	Sessions[sid1] -> Session1, [tid1, tid2]
//	Threads[tid1]  -> [sid1]
//	Threads[tid2]  -> [sid1, sid2]
//
// Both directions are kept consistent by every mutation. The registry is
// not internally locked; the session manager serializes all access behind
// its own mutex.
package registry

import (
	"time"

	"github.com/perfhint/sessiond/internal/arbiter"
)

// ThreadID identifies one OS thread (task).
type ThreadID = int

// Session is the per-session value tracked by the registry.
type Session struct {
	ID             int64
	TGID           int
	UID            int
	Label          string
	IsActive       bool
	PowerEfficient bool
	LastUpdated    time.Time
	Votes          *arbiter.Set
}

type entry struct {
	val     *Session
	members []ThreadID
}

type Registry struct {
	sessions map[int64]*entry
	// threads maps a thread id to the sessions that cover it. The slice
	// holds the shared Session values so vote lookups need no second map
	// access.
	threads map[ThreadID][]*Session
}

func New() *Registry {
	return &Registry{
		sessions: map[int64]*entry{},
		threads:  map[ThreadID][]*Session{},
	}
}

// Add inserts a session with its member threads. It fails without
// mutation when the session id is already present.
func (r *Registry) Add(id int64, s *Session, members []ThreadID) bool {
	if _, ok := r.sessions[id]; ok {
		return false
	}
	s.ID = id
	r.sessions[id] = &entry{val: s, members: append([]ThreadID(nil), members...)}
	for _, tid := range members {
		r.threads[tid] = append(r.threads[tid], s)
	}
	return true
}

// Find returns the session value for id, nil when unknown.
func (r *Registry) Find(id int64) *Session {
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return e.val
}

// MembersOf returns a copy of the thread ids covered by the session.
func (r *Registry) MembersOf(id int64) []ThreadID {
	e, ok := r.sessions[id]
	if !ok {
		return nil
	}
	return append([]ThreadID(nil), e.members...)
}

// OwnersOf returns the ids of the sessions covering tid.
func (r *Registry) OwnersOf(tid ThreadID) []int64 {
	owners := r.threads[tid]
	if len(owners) == 0 {
		return nil
	}
	ids := make([]int64, 0, len(owners))
	for _, s := range owners {
		ids = append(ids, s.ID)
	}
	return ids
}

// Remove detaches the session from every member thread, pruning thread
// entries that lose their last owner, then deletes the session itself.
func (r *Registry) Remove(id int64) bool {
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	for _, tid := range e.members {
		r.unlink(tid, e.val)
	}
	delete(r.sessions, id)
	return true
}

// Replace swaps the session's membership for members in one logical step,
// keeping the session value itself. It reports the threads that gained
// their first owning session and those that lost their last one, so the
// caller can initialize or reset OS state for exactly those threads.
func (r *Registry) Replace(id int64, members []ThreadID) (added, removed []ThreadID, ok bool) {
	e, exists := r.sessions[id]
	if !exists {
		return nil, nil, false
	}

	val := e.val
	previous := e.members

	for _, tid := range members {
		if _, covered := r.threads[tid]; !covered {
			added = append(added, tid)
		}
	}

	r.Remove(id)
	r.Add(id, val, members)

	for _, tid := range previous {
		if _, covered := r.threads[tid]; !covered {
			removed = append(removed, tid)
		}
	}
	return added, removed, true
}

// PruneDead drops a single stale thread from one session's membership,
// leaving other sessions covering the same thread untouched. Used when
// the effector discovers at apply time that the thread no longer exists.
func (r *Registry) PruneDead(id int64, tid ThreadID) bool {
	e, ok := r.sessions[id]
	if !ok {
		return false
	}
	idx := -1
	for i, member := range e.members {
		if member == tid {
			idx = i
			break
		}
	}
	if idx < 0 {
		return false
	}
	e.members = append(e.members[:idx], e.members[idx+1:]...)
	r.unlink(tid, e.val)
	return true
}

func (r *Registry) unlink(tid ThreadID, s *Session) {
	owners, ok := r.threads[tid]
	if !ok {
		// Inconsistent state, nothing to unlink.
		return
	}
	for i, owner := range owners {
		if owner == s {
			owners = append(owners[:i], owners[i+1:]...)
			break
		}
	}
	if len(owners) == 0 {
		delete(r.threads, tid)
	} else {
		r.threads[tid] = owners
	}
}

// ThreadEnvelope arbitrates the clamp envelope for one thread at time t
// across all of its active owning sessions.
func (r *Registry) ThreadEnvelope(tid ThreadID, t time.Time) arbiter.Envelope {
	env := arbiter.FullEnvelope()
	for _, s := range r.threads[tid] {
		if !s.IsActive {
			continue
		}
		s.Votes.Narrow(&env, t)
	}
	return env
}

// MaxCapacity returns the largest in-range capacity request across all
// sessions at time t. Capacity is aggregated system-wide, not per thread.
func (r *Registry) MaxCapacity(t time.Time) int64 {
	var max int64
	for _, e := range r.sessions {
		if c, ok := e.val.Votes.CapacityRequest(t); ok && c > max {
			max = c
		}
	}
	return max
}

// AnyActive reports whether some session is active and still has a vote
// in range at time t.
func (r *Registry) AnyActive(t time.Time) bool {
	for _, e := range r.sessions {
		if !e.val.IsActive {
			continue
		}
		if !e.val.Votes.AllExpired(t) {
			return true
		}
	}
	return false
}

// ForEach runs fn for every session with its current member threads.
func (r *Registry) ForEach(fn func(s *Session, members []ThreadID)) {
	for _, e := range r.sessions {
		fn(e.val, e.members)
	}
}

// SizeSessions returns the number of tracked sessions.
func (r *Registry) SizeSessions() int {
	return len(r.sessions)
}

// SizeThreads returns the number of threads covered by at least one
// session.
func (r *Registry) SizeThreads() int {
	return len(r.threads)
}

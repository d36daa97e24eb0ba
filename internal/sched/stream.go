package sched

import (
	"sync"
	"sync/atomic"
	"time"
)

var streamIDCounter atomic.Int64

// Handler processes one due payload. Returning a non-zero time asks the
// stream to run the same payload again at that deadline.
type Handler[T any] func(payload T) (reschedule time.Time, again bool)

// Stream registers a single typed handler with a Pool once and reuses it
// for every payload, so per-schedule allocations stay small. Many streams
// of different payload types can share one pool.
type Stream[T any] struct {
	id   int64
	pool *Pool

	mu       sync.Mutex
	nextID   int64
	payloads map[int64]T
}

// NewStream registers handler under a fresh stream id on pool.
func NewStream[T any](pool *Pool, handler Handler[T]) *Stream[T] {
	s := &Stream[T]{
		id:       streamIDCounter.Add(1),
		pool:     pool,
		payloads: map[int64]T{},
	}
	pool.AddCallback(s.id, func(payloadID int64) (time.Time, bool) {
		s.mu.Lock()
		payload, ok := s.payloads[payloadID]
		if ok {
			delete(s.payloads, payloadID)
		}
		s.mu.Unlock()
		if !ok {
			// Payload already consumed, drop.
			return time.Time{}, false
		}
		deadline, again := handler(payload)
		if !again {
			return time.Time{}, false
		}
		s.mu.Lock()
		s.payloads[payloadID] = payload
		s.mu.Unlock()
		return deadline, true
	})
	return s
}

// Schedule queues payload to be handled no earlier than deadline.
func (s *Stream[T]) Schedule(payload T, deadline time.Time) {
	s.mu.Lock()
	s.nextID++
	id := s.nextID
	s.payloads[id] = payload
	s.mu.Unlock()
	s.pool.Schedule(s.id, id, deadline)
}

// Close unregisters the stream from its pool; queued entries are dropped
// when they come due.
func (s *Stream[T]) Close() {
	s.pool.RemoveCallback(s.id)
}

package sched

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func collectIDs(t *testing.T, ch <-chan int64, n int) []int64 {
	t.Helper()
	out := make([]int64, 0, n)
	for len(out) < n {
		select {
		case id := <-ch:
			out = append(out, id)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d of %d", len(out)+1, n)
		}
	}
	return out
}

func TestPool_RunsTasksInDeadlineOrder(t *testing.T) {
	// A single worker so completion order equals dispatch order.
	p := NewPool(1, logr.Discard())
	defer p.Stop()

	fired := make(chan int64, 3)
	p.AddCallback(1, func(payloadID int64) (time.Time, bool) {
		fired <- payloadID
		return time.Time{}, false
	})

	now := time.Now()
	p.Schedule(1, 3, now.Add(90*time.Millisecond))
	p.Schedule(1, 1, now.Add(30*time.Millisecond))
	p.Schedule(1, 2, now.Add(60*time.Millisecond))

	assert.Equal(t, []int64{1, 2, 3}, collectIDs(t, fired, 3))
}

func TestPool_EarlierTaskOvertakesSleepingHead(t *testing.T) {
	p := NewPool(1, logr.Discard())
	defer p.Stop()

	fired := make(chan int64, 1)
	p.AddCallback(1, func(payloadID int64) (time.Time, bool) {
		fired <- payloadID
		return time.Time{}, false
	})

	// Park the worker on a far-future head first.
	p.Schedule(1, 99, time.Now().Add(time.Hour))
	time.Sleep(50 * time.Millisecond)

	p.Schedule(1, 1, time.Time{})
	select {
	case id := <-fired:
		assert.Equal(t, int64(1), id)
	case <-time.After(time.Second):
		t.Fatal("immediate task did not overtake the sleeping head")
	}
}

func TestPool_DropsTasksForRemovedStream(t *testing.T) {
	p := NewPool(2, logr.Discard())
	defer p.Stop()

	var removedRuns atomic.Int64
	fired := make(chan int64, 1)
	p.AddCallback(1, func(payloadID int64) (time.Time, bool) {
		removedRuns.Add(1)
		return time.Time{}, false
	})
	p.AddCallback(2, func(payloadID int64) (time.Time, bool) {
		fired <- payloadID
		return time.Time{}, false
	})
	p.RemoveCallback(1)

	p.Schedule(1, 1, time.Time{})
	p.Schedule(2, 2, time.Now().Add(30*time.Millisecond))

	// The later task of the live stream still runs.
	assert.Equal(t, []int64{2}, collectIDs(t, fired, 1))
	assert.Equal(t, int64(0), removedRuns.Load())
}

func TestPool_RescheduleOnReturn(t *testing.T) {
	p := NewPool(2, logr.Discard())
	defer p.Stop()

	var runs atomic.Int64
	done := make(chan struct{})
	p.AddCallback(1, func(payloadID int64) (time.Time, bool) {
		if runs.Add(1) == 1 {
			return time.Now().Add(30 * time.Millisecond), true
		}
		close(done)
		return time.Time{}, false
	})

	p.Schedule(1, 7, time.Time{})

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("rescheduled task never fired again")
	}
	assert.Equal(t, int64(2), runs.Load())
}

func TestPool_StopJoinsWorkers(t *testing.T) {
	p := NewPool(4, logr.Discard())
	p.AddCallback(1, func(payloadID int64) (time.Time, bool) {
		return time.Time{}, false
	})
	p.Schedule(1, 1, time.Now().Add(time.Hour))

	stopped := make(chan struct{})
	go func() {
		p.Stop()
		close(stopped)
	}()

	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		t.Fatal("Stop did not join the workers")
	}

	// Scheduling after stop is a silent no-op.
	p.Schedule(1, 2, time.Time{})
	p.Stop()
}

func TestPool_ZeroWorkerCountIsBumped(t *testing.T) {
	p := NewPool(0, logr.Discard())
	defer p.Stop()

	fired := make(chan int64, 1)
	p.AddCallback(1, func(payloadID int64) (time.Time, bool) {
		fired <- payloadID
		return time.Time{}, false
	})
	p.Schedule(1, 1, time.Time{})

	require.Equal(t, []int64{1}, collectIDs(t, fired, 1))
}

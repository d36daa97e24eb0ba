// Package sched runs callbacks at (or after) requested deadlines on a
// small shared pool of worker goroutines. Many independent callback
// streams share one pool and one earliest-deadline-first queue.
package sched

import (
	"container/heap"
	"sync"
	"time"

	"github.com/go-logr/logr"
)

// Callback handles one due task, identified by the payload id handed to
// Schedule. Returning a non-zero reschedule time re-queues the same task
// at the new deadline; this is how a callback resolves "the deadline
// moved since this task was queued" without cancelling in-flight entries.
type Callback func(payloadID int64) (reschedule time.Time, again bool)

type task struct {
	deadline  time.Time
	streamID  int64
	payloadID int64
}

type taskHeap []task

func (h taskHeap) Len() int            { return len(h) }
func (h taskHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h taskHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *taskHeap) Push(x any)         { *h = append(*h, x.(task)) }
func (h *taskHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	*h = old[:n-1]
	return t
}

// Pool is a fixed-size worker pool draining one deadline-ordered queue.
// Entries whose stream callback was unregistered before they come due are
// dropped silently. Ties between equal deadlines are broken arbitrarily.
type Pool struct {
	mu      sync.Mutex
	queue   taskHeap
	running bool
	// wake is closed and replaced whenever the queue head may have moved,
	// waking every sleeping worker at once. Which worker picks up the new
	// minimum is not predictable, so all of them get to re-check.
	wake chan struct{}

	cbMu      sync.RWMutex
	callbacks map[int64]Callback

	wg     sync.WaitGroup
	logger logr.Logger
}

// NewPool starts workerCount worker goroutines.
func NewPool(workerCount int, logger logr.Logger) *Pool {
	if workerCount < 1 {
		workerCount = 1
	}
	p := &Pool{
		running:   true,
		wake:      make(chan struct{}),
		callbacks: map[int64]Callback{},
		logger:    logger.WithName("sched"),
	}
	p.wg.Add(workerCount)
	for i := 0; i < workerCount; i++ {
		go p.loop()
	}
	return p
}

// AddCallback registers the callback handling tasks for streamID. A nil
// callback and a duplicate registration are both ignored.
func (p *Pool) AddCallback(streamID int64, cb Callback) {
	if cb == nil {
		return
	}
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	if _, ok := p.callbacks[streamID]; ok {
		return
	}
	p.callbacks[streamID] = cb
}

// RemoveCallback unregisters the stream. Tasks already queued for it are
// dropped when they come due.
func (p *Pool) RemoveCallback(streamID int64) {
	p.cbMu.Lock()
	defer p.cbMu.Unlock()
	delete(p.callbacks, streamID)
}

// Schedule enqueues a task for streamID to run no earlier than deadline.
// The queue entry only references the caller-held payload by id, so it is
// cheap to enqueue the same logical timer again with a new deadline.
func (p *Pool) Schedule(streamID, payloadID int64, deadline time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return
	}
	heap.Push(&p.queue, task{deadline: deadline, streamID: streamID, payloadID: payloadID})
	p.kickLocked()
}

// Stop drains nothing: it stops all workers promptly and joins them.
// Queued tasks that have not come due are discarded.
func (p *Pool) Stop() {
	p.mu.Lock()
	if !p.running {
		p.mu.Unlock()
		return
	}
	p.running = false
	p.kickLocked()
	p.mu.Unlock()
	p.wg.Wait()
}

// kickLocked wakes every sleeping worker. Callers hold p.mu.
func (p *Pool) kickLocked() {
	close(p.wake)
	p.wake = make(chan struct{})
}

func (p *Pool) loop() {
	defer p.wg.Done()
	for {
		p.mu.Lock()
		if !p.running {
			p.mu.Unlock()
			return
		}

		if p.queue.Len() == 0 {
			wake := p.wake
			p.mu.Unlock()
			<-wake
			continue
		}

		now := time.Now()
		next := p.queue[0].deadline
		if next.After(now) {
			wake := p.wake
			p.mu.Unlock()
			timer := time.NewTimer(next.Sub(now))
			select {
			case <-wake:
			case <-timer.C:
			}
			timer.Stop()
			continue
		}

		t := heap.Pop(&p.queue).(task)
		p.mu.Unlock()

		p.run(t)
	}
}

func (p *Pool) run(t task) {
	p.cbMu.RLock()
	cb, ok := p.callbacks[t.streamID]
	p.cbMu.RUnlock()
	if !ok {
		// Stream unregistered before the task came due.
		p.logger.V(5).Info("dropping task for removed stream", "streamID", t.streamID)
		return
	}
	if deadline, again := cb(t.payloadID); again {
		p.Schedule(t.streamID, t.payloadID, deadline)
	}
}

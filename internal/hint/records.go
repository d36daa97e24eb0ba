package hint

import (
	"time"
)

// WorkDuration is one observed work cycle: when it finished and how long
// it ran.
type WorkDuration struct {
	Timestamp time.Time
	Duration  time.Duration
}

type cycleRecord struct {
	startInterval time.Duration
	duration      time.Duration
	missed        bool
}

// Records is a fixed-capacity ring of recent work cycles with an
// auxiliary descending index deque, so the maximum duration among live
// records is available in O(1) amortized as the ring evicts old entries.
type Records struct {
	capacity int
	ring     []cycleRecord
	// maxIdx holds ring indexes ordered by descending duration; the
	// front is the current maximum.
	maxIdx []int

	latest    int
	count     int
	missed    int
	sum       time.Duration
	avg       time.Duration
	lastStart time.Time
}

func NewRecords(capacity int) *Records {
	return &Records{
		capacity: capacity,
		ring:     make([]cycleRecord, capacity),
		latest:   -1,
	}
}

// Add ingests a batch of reported durations against target.
func (r *Records) Add(durations []WorkDuration, target time.Duration) {
	for _, d := range durations {
		if r.count >= r.capacity {
			evict := (r.latest + 1) % r.capacity
			r.sum -= r.ring[evict].duration
			if r.ring[evict].missed {
				r.missed--
			}
			r.count--
			// Only drop the max-deque front when the evicted slot is the
			// current maximum.
			if len(r.maxIdx) > 0 && r.maxIdx[0] == evict {
				r.maxIdx = r.maxIdx[1:]
			}
		}

		r.latest = (r.latest + 1) % r.capacity

		start := d.Timestamp.Add(-d.Duration)
		var startInterval time.Duration
		if r.count > 0 {
			startInterval = start.Sub(r.lastStart)
		}
		r.lastStart = start

		missed := d.Duration > target
		r.ring[r.latest] = cycleRecord{
			startInterval: startInterval,
			duration:      d.Duration,
			missed:        missed,
		}
		r.count++
		if missed {
			r.missed++
		}

		// Indexes whose durations are not greater than the new record can
		// never be the maximum again.
		for len(r.maxIdx) > 0 && r.ring[r.maxIdx[len(r.maxIdx)-1]].duration <= d.Duration {
			r.maxIdx = r.maxIdx[:len(r.maxIdx)-1]
		}
		r.maxIdx = append(r.maxIdx, r.latest)

		r.sum += d.Duration
		r.avg = r.sum / time.Duration(r.count)
	}
}

// MaxDuration returns the longest duration among live records.
func (r *Records) MaxDuration() (time.Duration, bool) {
	if len(r.maxIdx) == 0 {
		return 0, false
	}
	return r.ring[r.maxIdx[0]].duration, true
}

// AvgDuration returns the mean duration among live records.
func (r *Records) AvgDuration() (time.Duration, bool) {
	if r.count <= 0 {
		return 0, false
	}
	return r.avg, true
}

// Len returns the number of live records.
func (r *Records) Len() int {
	return r.count
}

// MissedCycles returns how many live records overran the target.
func (r *Records) MissedCycles() int {
	return r.missed
}

// IsLowFrameRate reports whether the last three records all started
// slower than the cycle period implied by fpsThreshold.
func (r *Records) IsLowFrameRate(fpsThreshold int) bool {
	if fpsThreshold <= 0 || r.count < 3 {
		return false
	}
	cycle := time.Second / time.Duration(fpsThreshold)
	i1 := r.latest
	i2 := (i1 - 1 + r.capacity) % r.capacity
	i3 := (i2 - 1 + r.capacity) % r.capacity
	return r.ring[i1].startInterval >= cycle &&
		r.ring[i2].startInterval >= cycle &&
		r.ring[i3].startInterval >= cycle
}

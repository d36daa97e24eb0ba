// Package manager owns the session registry and the deadline scheduler
// and is the single place where arbitration results are pushed to the
// effectors. All registry and vote mutation is serialized behind one
// mutex; the mutex is never held across an effector call or a scheduler
// submission.
package manager

import (
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/perfhint/sessiond/internal/arbiter"
	"github.com/perfhint/sessiond/internal/config"
	"github.com/perfhint/sessiond/internal/effector"
	"github.com/perfhint/sessiond/internal/registry"
	"github.com/perfhint/sessiond/internal/sched"
	"github.com/perfhint/sessiond/internal/telemetry"
)

// Effectively "until further notice" for votes with no natural window.
const foreverDuration = 100000 * time.Hour

// SessionOptions describes a new session.
type SessionOptions struct {
	Label   string
	TGID    int
	UID     int
	Target  time.Duration
	Threads []registry.ThreadID
}

type SessionManager interface {
	// CreateSession allocates arbiter state with an inactive default
	// vote, registers the membership and applies the envelope to the new
	// member threads. Returns the new session id.
	CreateSession(opts SessionOptions) int64
	// CloseSession releases the session's constraints, detaches it from
	// the registry and resets threads that lost their last owner.
	CloseSession(id int64) error
	// SetThreads replaces the session's thread membership.
	SetThreads(id int64, tids []registry.ThreadID) error
	// Pause marks the session inactive and recomputes affected threads.
	Pause(id int64) error
	// Resume marks the session active again.
	Resume(id int64) error
	// CastVote records a range vote and arms the expiry timer for it.
	CastVote(id int64, slot arbiter.Slot, min, max int, start time.Time, duration time.Duration)
	// CastCapacityVote records a capacity vote and arms its expiry timer.
	CastCapacityVote(id int64, slot arbiter.Slot, capacity int64, start time.Time, duration time.Duration)
	// ExtendVoteDuration updates a vote's window without recomputing.
	ExtendVoteDuration(id int64, slot arbiter.Slot, duration time.Duration)
	// DisableBoosts mutes the transient boost votes of the session.
	DisableBoosts(id int64)
	// SetPowerEfficient caps the session's envelope upper bound while on.
	SetPowerEfficient(id int64, on bool) error
	// SessionStale reports whether none of the session's votes are in
	// range right now.
	SessionStale(id int64) bool
	// UpdateGlobalBoost recomputes the system-wide boost gate.
	UpdateGlobalBoost()
	// Dump renders the session/thread table for debugging.
	Dump(w io.Writer)
	// Shutdown stops the background workers and joins them.
	Shutdown()
}

type expiryEvent struct {
	sessionID int64
	slot      arbiter.Slot
}

type sessionManagerImpl struct {
	cfg      config.Tunables
	clamper  effector.ThreadClamper
	capacity effector.CapacityWriter
	boost    effector.BoostToggle
	sink     telemetry.Sink
	logger   logr.Logger

	mu       sync.Mutex
	registry *registry.Registry

	pool   *sched.Pool
	expiry *sched.Stream[expiryEvent]

	idCounter atomic.Int64
}

type Options struct {
	Tunables config.Tunables
	Clamper  effector.ThreadClamper
	Capacity effector.CapacityWriter
	Boost    effector.BoostToggle
	Sink     telemetry.Sink
	Workers  int
	Logger   logr.Logger
}

func New(opts Options) SessionManager {
	if opts.Sink == nil {
		opts.Sink = telemetry.Nop{}
	}
	m := &sessionManagerImpl{
		cfg:      opts.Tunables,
		clamper:  opts.Clamper,
		capacity: opts.Capacity,
		boost:    opts.Boost,
		sink:     opts.Sink,
		logger:   opts.Logger.WithName("SessionManager"),
		registry: registry.New(),
		pool:     sched.NewPool(opts.Workers, opts.Logger),
	}
	m.expiry = sched.NewStream(m.pool, m.handleExpiry)
	return m
}

func (m *sessionManagerImpl) Shutdown() {
	m.expiry.Close()
	m.pool.Stop()
}

func (m *sessionManagerImpl) CreateSession(opts SessionOptions) int64 {
	id := m.idCounter.Add(1)
	now := time.Now()

	votes := arbiter.NewSet()
	// The default slot starts muted with the full range so the session
	// constrains nothing until its first duration report.
	votes.Cast(arbiter.SlotDefault, arbiter.ClampMin, arbiter.ClampMax, now, opts.Target)
	votes.SetActive(arbiter.SlotDefault, false)

	s := &registry.Session{
		TGID:        opts.TGID,
		UID:         opts.UID,
		Label:       opts.Label,
		IsActive:    true,
		LastUpdated: now,
		Votes:       votes,
	}

	m.mu.Lock()
	added := m.registry.Add(id, s, nil)
	m.mu.Unlock()
	if !added {
		m.logger.Error(nil, "failed to register session", sessionLogKey, id)
		return id
	}

	if err := m.SetThreads(id, opts.Threads); err != nil {
		m.logger.V(5).Info("attaching threads to new session failed",
			sessionLogKey, id, "error", err.Error())
	}
	m.logger.V(5).Info("session created", sessionLogKey, id, "label", opts.Label)
	return id
}

func (m *sessionManagerImpl) CloseSession(id int64) error {
	// Releasing the constraints needs the session to still be mapped to
	// its threads, so apply first, remove after. Once removed, a late
	// vote or expiry event for this id is a harmless no-op.
	m.forceSessionActive(id, false)

	m.mu.Lock()
	_, removed, ok := m.registry.Replace(id, nil)
	if ok {
		m.registry.Remove(id)
	}
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("close %d: %w", id, ErrSessionNotFound)
	}

	for _, tid := range removed {
		if err := m.clamper.ReleaseThread(tid); err != nil {
			m.logger.V(5).Info("releasing thread failed", tidLogKey, tid, "error", err.Error())
		}
	}
	m.UpdateGlobalBoost()
	m.logger.V(5).Info("session closed", sessionLogKey, id)
	return nil
}

func (m *sessionManagerImpl) SetThreads(id int64, tids []registry.ThreadID) error {
	m.forceSessionActive(id, false)

	m.mu.Lock()
	added, removed, ok := m.registry.Replace(id, tids)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("set threads %d: %w", id, ErrSessionNotFound)
	}

	for _, tid := range added {
		if err := m.clamper.InitThread(tid); err != nil {
			m.logger.V(5).Info("initializing thread failed", tidLogKey, tid, "error", err.Error())
		}
	}
	for _, tid := range removed {
		if err := m.clamper.ReleaseThread(tid); err != nil {
			m.logger.V(5).Info("releasing thread failed", tidLogKey, tid, "error", err.Error())
		}
	}

	m.forceSessionActive(id, true)
	return nil
}

func (m *sessionManagerImpl) Pause(id int64) error {
	m.mu.Lock()
	s := m.registry.Find(id)
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("pause %d: %w", id, ErrSessionNotFound)
	}
	if !s.IsActive {
		m.mu.Unlock()
		return fmt.Errorf("pause %d: already inactive: %w", id, ErrIllegalState)
	}
	s.IsActive = false
	m.mu.Unlock()

	m.applyToSession(id, time.Now())
	m.UpdateGlobalBoost()
	return nil
}

func (m *sessionManagerImpl) Resume(id int64) error {
	m.mu.Lock()
	s := m.registry.Find(id)
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("resume %d: %w", id, ErrSessionNotFound)
	}
	if s.IsActive {
		m.mu.Unlock()
		return fmt.Errorf("resume %d: already active: %w", id, ErrIllegalState)
	}
	s.IsActive = true
	m.mu.Unlock()

	m.applyToSession(id, time.Now())
	m.UpdateGlobalBoost()
	return nil
}

func (m *sessionManagerImpl) CastVote(id int64, slot arbiter.Slot, min, max int,
	start time.Time, duration time.Duration) {
	deadline := start.Add(duration)
	scheduleTimeout := false

	m.mu.Lock()
	s := m.registry.Find(id)
	if s == nil {
		// Events for removed sessions are expected with async callers.
		m.mu.Unlock()
		m.logger.V(5).Info("vote for unknown session", sessionLogKey, id)
		return
	}
	// A single armed timer per (session, slot) is kept alive through
	// reschedule-on-fire, so a new timer is only needed when the vote was
	// not live before or when the window now closes earlier than the
	// armed deadline.
	if !s.Votes.IsActive(slot) {
		scheduleTimeout = true
	}
	if current, ok := s.Votes.Expiry(slot); ok && deadline.Before(current) {
		scheduleTimeout = true
	}
	s.Votes.Cast(slot, min, max, start, duration)
	s.LastUpdated = start
	m.mu.Unlock()

	m.applyToSession(id, start)

	if scheduleTimeout {
		m.expiry.Schedule(expiryEvent{sessionID: id, slot: slot}, deadline)
	}
}

func (m *sessionManagerImpl) CastCapacityVote(id int64, slot arbiter.Slot, capacity int64,
	start time.Time, duration time.Duration) {
	deadline := start.Add(duration)
	scheduleTimeout := false

	m.mu.Lock()
	s := m.registry.Find(id)
	if s == nil {
		m.mu.Unlock()
		m.logger.V(5).Info("capacity vote for unknown session", sessionLogKey, id)
		return
	}
	if !s.Votes.IsActive(slot) {
		scheduleTimeout = true
	}
	if current, ok := s.Votes.Expiry(slot); ok && deadline.Before(current) {
		scheduleTimeout = true
	}
	s.Votes.CastCapacity(slot, capacity, start, duration)
	s.LastUpdated = start
	m.mu.Unlock()

	m.applyCapacity(start)

	if scheduleTimeout {
		m.expiry.Schedule(expiryEvent{sessionID: id, slot: slot}, deadline)
	}
}

func (m *sessionManagerImpl) ExtendVoteDuration(id int64, slot arbiter.Slot, duration time.Duration) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.registry.Find(id)
	if s == nil {
		m.logger.V(5).Info("duration update for unknown session", sessionLogKey, id)
		return
	}
	// No recompute here: the next report or expiry picks up the window.
	s.Votes.ExtendDuration(slot, duration)
}

func (m *sessionManagerImpl) DisableBoosts(id int64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.registry.Find(id)
	if s == nil {
		return
	}
	for _, slot := range []arbiter.Slot{
		arbiter.SlotLoadUp,
		arbiter.SlotLoadReset,
		arbiter.SlotLoadResume,
		arbiter.SlotPowerEfficiency,
		arbiter.SlotCapacityLoadUp,
		arbiter.SlotCapacityLoadReset,
	} {
		s.Votes.SetActive(slot, false)
	}
}

func (m *sessionManagerImpl) SetPowerEfficient(id int64, on bool) error {
	now := time.Now()
	m.mu.Lock()
	s := m.registry.Find(id)
	if s == nil {
		m.mu.Unlock()
		return fmt.Errorf("power efficient %d: %w", id, ErrSessionNotFound)
	}
	if on {
		ceiling := m.cfg.MaxEfficientBase + m.cfg.MaxEfficientOffset
		s.Votes.Cast(arbiter.SlotPowerEfficiency, arbiter.ClampMin, ceiling, now, foreverDuration)
	} else {
		s.Votes.Revoke(arbiter.SlotPowerEfficiency)
	}
	s.PowerEfficient = on
	m.mu.Unlock()

	m.applyToSession(id, now)
	return nil
}

func (m *sessionManagerImpl) SessionStale(id int64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := m.registry.Find(id)
	if s == nil {
		return true
	}
	return s.Votes.AllExpired(time.Now())
}

func (m *sessionManagerImpl) UpdateGlobalBoost() {
	m.mu.Lock()
	anyActive := m.registry.AnyActive(time.Now())
	m.mu.Unlock()

	// The coarse boost runs only while no session is driving its own
	// constraints.
	enabled := !anyActive
	if err := m.boost.SetGlobalBoost(enabled); err != nil {
		m.logger.V(5).Info("global boost toggle failed", "error", err.Error())
		return
	}
	m.sink.ReportBoost(enabled)
}

// handleExpiry fires when the nearest known vote window may have closed.
// The vote could have been re-extended since this event was queued; in
// that case re-arm for the new deadline instead of cancelling anything.
func (m *sessionManagerImpl) handleExpiry(e expiryEvent) (time.Time, bool) {
	now := time.Now()
	recompute := false

	m.mu.Lock()
	s := m.registry.Find(e.sessionID)
	if s == nil {
		// Timeouts firing after session removal are expected.
		m.mu.Unlock()
		return time.Time{}, false
	}
	if s.Votes.IsActive(e.slot) {
		deadline, ok := s.Votes.Expiry(e.slot)
		if ok && deadline.After(now) {
			m.mu.Unlock()
			return deadline, true
		}
		s.Votes.SetActive(e.slot, false)
		recompute = true
	}
	m.mu.Unlock()

	if !recompute {
		return time.Time{}, false
	}
	// Use the current time, not the queued timestamp: the queue adds
	// latency and envelopes are defined over "now".
	if e.slot.IsCapacity() {
		m.applyCapacity(now)
	} else {
		m.applyToSession(e.sessionID, now)
	}
	m.UpdateGlobalBoost()
	return time.Time{}, false
}

// applyToSession recomputes and applies the envelope of every thread the
// session covers. The registry lock is released before the effector runs;
// the short window where a concurrent close is not yet visible to the
// effector is accepted.
func (m *sessionManagerImpl) applyToSession(id int64, t time.Time) {
	type apply struct {
		tid registry.ThreadID
		env arbiter.Envelope
	}

	m.mu.Lock()
	s := m.registry.Find(id)
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.LastUpdated = t
	if !m.cfg.ClampMinOn {
		m.mu.Unlock()
		m.logger.V(5).Info("clamp apply disabled by tunables", sessionLogKey, id)
		return
	}
	tids := m.registry.MembersOf(id)
	applies := make([]apply, 0, len(tids))
	for _, tid := range tids {
		applies = append(applies, apply{tid: tid, env: m.registry.ThreadEnvelope(tid, t)})
	}
	m.mu.Unlock()

	for _, a := range applies {
		err := m.clamper.ApplyEnvelope(a.tid, a.env)
		switch {
		case err == nil:
			m.sink.ReportEnvelope(a.tid, a.env)
		case errors.Is(err, effector.ErrThreadNotFound):
			m.logger.V(5).Info("pruning dead thread", sessionLogKey, id, tidLogKey, a.tid)
			m.mu.Lock()
			m.registry.PruneDead(id, a.tid)
			m.mu.Unlock()
		default:
			m.logger.V(5).Info("applying envelope failed",
				sessionLogKey, id, tidLogKey, a.tid, "error", err.Error())
		}
	}
}

func (m *sessionManagerImpl) applyCapacity(t time.Time) {
	m.mu.Lock()
	max := m.registry.MaxCapacity(t)
	m.mu.Unlock()

	if err := m.capacity.ApplyCapacity(max); err != nil {
		m.logger.V(5).Info("applying capacity failed", "error", err.Error())
		return
	}
	m.sink.ReportCapacity(max)
}

// forceSessionActive flips the session's active flag and synchronously
// re-applies, so membership changes always run against a settled state.
func (m *sessionManagerImpl) forceSessionActive(id int64, active bool) {
	m.mu.Lock()
	s := m.registry.Find(id)
	if s == nil {
		m.mu.Unlock()
		return
	}
	s.IsActive = active
	m.mu.Unlock()

	m.applyToSession(id, time.Now())
	m.UpdateGlobalBoost()
}

func (m *sessionManagerImpl) Dump(w io.Writer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fmt.Fprintf(w, "sessions=%d threads=%d\n", m.registry.SizeSessions(), m.registry.SizeThreads())
	m.registry.ForEach(func(s *registry.Session, members []registry.ThreadID) {
		fmt.Fprintf(w, "%s id=%d active=%t votes=%d tids=%v\n",
			s.Label, s.ID, s.IsActive, s.Votes.Len(), members)
	})
}


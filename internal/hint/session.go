// Package hint is the client-facing surface: one Session per registered
// workload, layered over the session manager. The session runs the
// duration control loop and translates reported timings into votes.
package hint

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-logr/logr"

	"github.com/perfhint/sessiond/internal/arbiter"
	"github.com/perfhint/sessiond/internal/config"
	"github.com/perfhint/sessiond/internal/manager"
	"github.com/perfhint/sessiond/internal/registry"
	"github.com/perfhint/sessiond/internal/telemetry"
	"github.com/perfhint/sessiond/pkg/util"
)

// Session is one client workload with its private vote state. All
// methods are safe for concurrent use; a closed session rejects every
// further call.
type Session struct {
	id     int64
	label  string
	mgr    manager.SessionManager
	cfg    config.Tunables
	sink   telemetry.Sink
	logger logr.Logger

	closed atomic.Bool

	mu           sync.Mutex
	active       bool
	target       time.Duration
	threads      []registry.ThreadID
	controlValue int
	controller   pidController
	records      *Records
	boostActive  bool
}

type SessionConfig struct {
	Label    string
	TGID     int
	UID      int
	Threads  []registry.ThreadID
	Target   time.Duration
	Tunables config.Tunables
	Sink     telemetry.Sink
	Logger   logr.Logger
}

// NewSession registers a session with mgr and casts its initial boost
// votes: a short load-reset boost for the first frames and the default
// vote at the configured initial clamp.
func NewSession(mgr manager.SessionManager, sc SessionConfig) *Session {
	if sc.Sink == nil {
		sc.Sink = telemetry.Nop{}
	}
	s := &Session{
		label:        sc.Label,
		mgr:          mgr,
		cfg:          sc.Tunables,
		sink:         sc.Sink,
		logger:       sc.Logger.WithName("Session").WithName(sc.Label),
		active:       true,
		target:       sc.Target,
		threads:      append([]registry.ThreadID(nil), sc.Threads...),
		controlValue: sc.Tunables.MinInit,
		controller:   newPIDController(&sc.Tunables),
	}
	if sc.Tunables.HeuristicBoostOn {
		s.records = NewRecords(sc.Tunables.MaxRecords)
	}

	s.id = mgr.CreateSession(manager.SessionOptions{
		Label:   sc.Label,
		TGID:    sc.TGID,
		UID:     sc.UID,
		Target:  sc.Target,
		Threads: sc.Threads,
	})

	now := time.Now()
	mgr.CastVote(s.id, arbiter.SlotLoadReset, sc.Tunables.MinLoadReset, arbiter.ClampMax,
		now, s.staleWindow()/2)
	mgr.CastVote(s.id, arbiter.SlotDefault, sc.Tunables.MinInit, arbiter.ClampMax,
		now, sc.Target)

	s.logger.V(5).Info("session created", "sessionID", s.id, "target", sc.Target)
	return s
}

// ID returns the session's manager-assigned id.
func (s *Session) ID() int64 {
	return s.id
}

// Pause detaches the session's threads and marks it inactive. Reports
// ErrIllegalState when already paused.
func (s *Session) Pause() error {
	if s.closed.Load() {
		return fmt.Errorf("pause: %w", manager.ErrSessionClosed)
	}
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return fmt.Errorf("pause: %w", manager.ErrIllegalState)
	}
	s.active = false
	s.mu.Unlock()

	// Resetting membership first restores default clamp state on the
	// threads before the session goes inactive.
	if err := s.mgr.SetThreads(s.id, nil); err != nil {
		return err
	}
	return s.mgr.Pause(s.id)
}

// Resume reattaches the session's threads and marks it active again.
func (s *Session) Resume() error {
	if s.closed.Load() {
		return fmt.Errorf("resume: %w", manager.ErrSessionClosed)
	}
	s.mu.Lock()
	if s.active {
		s.mu.Unlock()
		return fmt.Errorf("resume: %w", manager.ErrIllegalState)
	}
	s.active = true
	threads := append([]registry.ThreadID(nil), s.threads...)
	s.mu.Unlock()

	if err := s.mgr.SetThreads(s.id, threads); err != nil {
		return err
	}
	// SetThreads leaves the session active already; a rejected resume at
	// the manager is expected then and carries no information.
	if err := s.mgr.Resume(s.id); err != nil {
		s.logger.V(5).Info("manager resume after reattach", "error", err.Error())
	}
	return nil
}

// Close tears the session down. The manager entry is removed first so a
// concurrently arriving event for this id becomes a no-op.
func (s *Session) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return fmt.Errorf("close: %w", manager.ErrSessionClosed)
	}
	err := s.mgr.CloseSession(s.id)
	s.mu.Lock()
	s.active = false
	s.mu.Unlock()
	return err
}

// SetThreads replaces the session's thread membership.
func (s *Session) SetThreads(tids []registry.ThreadID) error {
	if s.closed.Load() {
		return fmt.Errorf("set threads: %w", manager.ErrSessionClosed)
	}
	if len(tids) == 0 {
		return fmt.Errorf("set threads: empty thread list: %w", manager.ErrInvalidArgument)
	}
	s.mu.Lock()
	s.threads = append([]registry.ThreadID(nil), tids...)
	s.mu.Unlock()
	return s.mgr.SetThreads(s.id, tids)
}

// UpdateTargetDuration changes the reporting target. The target-time
// scale factor from the tunables is applied here.
func (s *Session) UpdateTargetDuration(target time.Duration) error {
	if s.closed.Load() {
		return fmt.Errorf("update target: %w", manager.ErrSessionClosed)
	}
	if target <= 0 {
		return fmt.Errorf("update target: %v: %w", target, manager.ErrInvalidArgument)
	}
	scaled := time.Duration(float64(target) * s.cfg.TargetTimeFactor)

	s.mu.Lock()
	s.target = scaled
	resetWindow := s.staleWindow() / 2
	s.mu.Unlock()

	s.mgr.ExtendVoteDuration(s.id, arbiter.SlotDefault, scaled)
	s.mgr.ExtendVoteDuration(s.id, arbiter.SlotLoadReset, resetWindow)
	return nil
}

// ReportActualDurations ingests a batch of observed work durations and
// drives the control loop: the resulting control value becomes the new
// default vote lower bound.
func (s *Session) ReportActualDurations(durations []WorkDuration) error {
	if s.closed.Load() {
		return fmt.Errorf("report durations: %w", manager.ErrSessionClosed)
	}
	if len(durations) == 0 {
		return fmt.Errorf("report durations: empty batch: %w", manager.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.target == 0 {
		return fmt.Errorf("report durations: no target set: %w", manager.ErrIllegalState)
	}
	if !s.active {
		return fmt.Errorf("report durations: session paused: %w", manager.ErrIllegalState)
	}

	// A report after all votes went stale is a first frame of a new
	// burst; the global boost gate may flip back.
	if s.mgr.SessionStale(s.id) {
		s.mgr.UpdateGlobalBoost()
	}

	s.mgr.DisableBoosts(s.id)

	if !s.cfg.PIDOn {
		s.updateControlLocked(s.cfg.MinHigh, true)
		return nil
	}

	if s.cfg.HeuristicBoostOn {
		s.records.Add(durations, s.target)
		s.updateHeuristicBoostLocked()
	}

	out := s.controller.update(s.target, durations, s.boostActive)
	s.sink.ReportControl(s.label, out.pTerm, out.iTerm, out.dTerm, out.output)

	ceiling := s.cfg.MinHigh
	if s.cfg.HeuristicBoostOn && s.boostActive {
		ceiling = s.cfg.HBoostMin
	}
	next := util.Clamp(s.controlValue+int(out.output), s.cfg.MinLow, ceiling)
	s.updateControlLocked(next, true)
	return nil
}

// HintLoadUp boosts the session ahead of a known load spike.
func (s *Session) HintLoadUp() error {
	if s.closed.Load() {
		return fmt.Errorf("load up: %w", manager.ErrSessionClosed)
	}
	s.mu.Lock()
	control := s.controlValue
	target := s.target
	s.mu.Unlock()

	s.mgr.CastVote(s.id, arbiter.SlotDefault, control, arbiter.ClampMax,
		time.Now(), s.defaultVoteWindow())
	s.mgr.CastVote(s.id, arbiter.SlotLoadUp, s.cfg.MinLoadUp, arbiter.ClampMax,
		time.Now(), 2*target)
	return nil
}

// HintLoadDown drops the control value to the floor.
func (s *Session) HintLoadDown() error {
	if s.closed.Load() {
		return fmt.Errorf("load down: %w", manager.ErrSessionClosed)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updateControlLocked(s.cfg.MinLow, true)
	return nil
}

// HintLoadReset re-arms the reset boost used when the workload restarts
// after idling.
func (s *Session) HintLoadReset() error {
	if s.closed.Load() {
		return fmt.Errorf("load reset: %w", manager.ErrSessionClosed)
	}
	s.mu.Lock()
	s.controlValue = util.Max(s.cfg.MinInit, s.controlValue)
	s.mu.Unlock()

	s.mgr.CastVote(s.id, arbiter.SlotLoadReset, s.cfg.MinLoadReset, arbiter.ClampMax,
		time.Now(), s.staleWindow()/2)
	return nil
}

// HintLoadResume re-casts the current control value after a pause in
// reporting.
func (s *Session) HintLoadResume() error {
	if s.closed.Load() {
		return fmt.Errorf("load resume: %w", manager.ErrSessionClosed)
	}
	s.mu.Lock()
	control := s.controlValue
	s.mu.Unlock()

	s.mgr.CastVote(s.id, arbiter.SlotLoadResume, control, arbiter.ClampMax,
		time.Now(), s.defaultVoteWindow())
	return nil
}

// SetPowerEfficient trades boost headroom for efficiency while set.
func (s *Session) SetPowerEfficient(on bool) error {
	if s.closed.Load() {
		return fmt.Errorf("power efficient: %w", manager.ErrSessionClosed)
	}
	return s.mgr.SetPowerEfficient(s.id, on)
}

// Stale reports whether none of the session's votes constrain anything
// right now.
func (s *Session) Stale() bool {
	return s.mgr.SessionStale(s.id)
}

func (s *Session) updateControlLocked(value int, castVote bool) {
	s.controlValue = value
	if !castVote {
		return
	}
	s.mgr.CastVote(s.id, arbiter.SlotDefault, value, arbiter.ClampMax,
		time.Now(), s.defaultVoteWindow())
}

// staleWindow is how long the session counts as live after its last
// report.
func (s *Session) staleWindow() time.Duration {
	return time.Duration(float64(s.target) * s.cfg.StaleTimeFactor)
}

// defaultVoteWindow keeps the default vote alive across reporting gaps:
// at least the stale window, and never less than two reporting periods.
func (s *Session) defaultVoteWindow() time.Duration {
	return util.Max(s.staleWindow(), 2*s.cfg.ReportingRateLimit)
}

func (s *Session) updateHeuristicBoostLocked() {
	maxDur, okMax := s.records.MaxDuration()
	avgDur, okAvg := s.records.AvgDuration()
	if !okMax || !okAvg || avgDur == 0 {
		return
	}
	maxToAvg := float64(maxDur) / float64(avgDur)

	switch {
	case s.records.IsLowFrameRate(s.cfg.LowFrameRateThreshold):
		// A dropped frame rate usually means the workload moved to a low
		// rate scenario; extra boost is not needed there.
		s.boostActive = false
	case s.records.MissedCycles() >= s.cfg.HBoostOnMissedCycles:
		s.boostActive = true
	case s.records.MissedCycles() <= s.cfg.HBoostOffMissedCycles &&
		maxToAvg < s.cfg.HBoostOffMaxAvgRatio:
		s.boostActive = false
	}
}

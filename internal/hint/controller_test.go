package hint

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/perfhint/sessiond/internal/config"
)

func controllerTunables() config.Tunables {
	cfg := config.Default()
	cfg.PidPOver = 2.0
	cfg.PidPUnder = 1.0
	cfg.PidI = 0.001
	cfg.PidIHigh = 512
	cfg.PidILow = -120
	cfg.PidDOver = 500.0
	cfg.PidDUnder = 0.0
	// Full-batch windows keep the arithmetic easy to follow.
	cfg.SamplingWindowP = 0
	cfg.SamplingWindowI = 0
	cfg.SamplingWindowD = 0
	return cfg
}

func durationsOf(ds ...time.Duration) []WorkDuration {
	out := make([]WorkDuration, 0, len(ds))
	now := recordsBase
	for _, d := range ds {
		out = append(out, WorkDuration{Timestamp: now.Add(d), Duration: d})
		now = now.Add(d)
	}
	return out
}

func TestPIDController_OverrunUsesOverGain(t *testing.T) {
	cfg := controllerTunables()
	c := newPIDController(&cfg)
	target := 10 * time.Millisecond

	// One sample 10ms over target: 100 error ticks, over-gain 2.0.
	out := c.update(target, durationsOf(20*time.Millisecond), false)

	assert.Equal(t, int64(200), out.pTerm)
	assert.Positive(t, out.output)
}

func TestPIDController_UnderrunUsesUnderGain(t *testing.T) {
	cfg := controllerTunables()
	c := newPIDController(&cfg)
	target := 10 * time.Millisecond

	// One sample 5ms under target: -50 error ticks, under-gain 1.0.
	out := c.update(target, durationsOf(5*time.Millisecond), false)

	assert.Equal(t, int64(-50), out.pTerm)
	assert.Negative(t, out.output)
}

func TestPIDController_BoostScalesUnderGain(t *testing.T) {
	cfg := controllerTunables()
	cfg.HBoostPUnderFactor = 2.0
	c := newPIDController(&cfg)
	target := 10 * time.Millisecond

	out := c.update(target, durationsOf(5*time.Millisecond), true)
	assert.Equal(t, int64(-100), out.pTerm)

	// The over-gain path is not scaled by the boost factor.
	c2 := newPIDController(&cfg)
	out = c2.update(target, durationsOf(20*time.Millisecond), true)
	assert.Equal(t, int64(200), out.pTerm)
}

func TestPIDController_IntegralClampsAgainstWindup(t *testing.T) {
	cfg := controllerTunables()
	c := newPIDController(&cfg)
	target := 10 * time.Millisecond

	// Persistent massive overrun saturates the integral at its upper
	// clamp instead of growing without bound.
	var out controlOutput
	for i := 0; i < 20; i++ {
		out = c.update(target, durationsOf(110*time.Millisecond), false)
	}
	assert.InDelta(t, float64(cfg.PidIHigh), float64(out.iTerm), 1)

	// And symmetrically at the lower clamp under persistent underrun.
	for i := 0; i < 200; i++ {
		out = c.update(target, durationsOf(time.Millisecond), false)
	}
	assert.InDelta(t, float64(cfg.PidILow), float64(out.iTerm), 1)
}

func TestPIDController_DerivativeReactsToGrowth(t *testing.T) {
	cfg := controllerTunables()
	c := newPIDController(&cfg)
	target := 10 * time.Millisecond

	// Steeply growing durations within one batch produce a positive
	// derivative under the over-gain.
	out := c.update(target, durationsOf(10*time.Millisecond, 30*time.Millisecond), false)
	assert.Positive(t, out.dTerm)

	// A flat batch right after contributes nothing.
	out = c.update(target, durationsOf(30*time.Millisecond, 30*time.Millisecond), false)
	assert.Equal(t, int64(0), out.dTerm)
}

func TestPIDController_SamplingWindowLimitsProportional(t *testing.T) {
	cfg := controllerTunables()
	cfg.SamplingWindowP = 1
	c := newPIDController(&cfg)
	target := 10 * time.Millisecond

	// Only the last sample feeds the proportional term: +100 ticks at
	// over-gain 2.0, the earlier underruns are ignored.
	out := c.update(target,
		durationsOf(time.Millisecond, time.Millisecond, 20*time.Millisecond), false)
	assert.Equal(t, int64(200), out.pTerm)
}

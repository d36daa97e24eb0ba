package hint

import (
	"time"

	"github.com/perfhint/sessiond/internal/config"
	"github.com/perfhint/sessiond/pkg/util"
)

// Internal PID timebase: errors are measured in 100us ticks to keep the
// gain magnitudes manageable.
func toTicks(d time.Duration) int64 {
	return d.Nanoseconds() / 100000
}

type controlOutput struct {
	pTerm  int64
	iTerm  int64
	dTerm  int64
	output int64
}

// pidController turns a batch of observed durations against a target
// into a boost delta. The proportional and derivative terms are computed
// over configurable trailing sub-windows of the batch; the integral term
// persists across calls and is clamped on every update to prevent
// windup.
type pidController struct {
	cfg *config.Tunables

	integral int64
	previous int64
}

func newPIDController(cfg *config.Tunables) pidController {
	return pidController{cfg: cfg}
}

func (c *pidController) update(target time.Duration, durations []WorkDuration, boostActive bool) controlOutput {
	length := len(durations)
	windowStart := func(window int) int {
		if window == 0 || window > length {
			return 0
		}
		return length - window
	}
	pStart := windowStart(c.cfg.SamplingWindowP)
	iStart := windowStart(c.cfg.SamplingWindowI)
	dStart := windowStart(c.cfg.SamplingWindowD)

	dt := toTicks(target)
	if dt <= 0 {
		dt = 1
	}

	var errSum, derivativeSum int64
	first := util.Min(util.Min(pStart, iStart), dStart)
	for i := first; i < length; i++ {
		errTicks := toTicks(durations[i].Duration - target)
		if i >= dStart {
			derivativeSum += errTicks - c.previous
		}
		if i >= pStart {
			errSum += errTicks
		}
		if i >= iStart {
			c.integral += errTicks * dt
			c.integral = util.Clamp(c.integral, c.cfg.IntegralLow(), c.cfg.IntegralHigh())
		}
		c.previous = errTicks
	}

	pGain := c.cfg.PidPUnder
	if boostActive {
		pGain = c.cfg.PidPUnder * c.cfg.HBoostPUnderFactor
	}
	if errSum > 0 {
		pGain = c.cfg.PidPOver
	}
	dGain := c.cfg.PidDUnder
	if derivativeSum > 0 {
		dGain = c.cfg.PidDOver
	}

	pTerm := int64(pGain * float64(errSum) / float64(length-pStart))
	iTerm := int64(c.cfg.PidI * float64(c.integral))
	dTerm := int64(dGain * float64(derivativeSum) / float64(dt) / float64(length-dStart))

	return controlOutput{
		pTerm:  pTerm,
		iTerm:  iTerm,
		dTerm:  dTerm,
		output: pTerm + iTerm + dTerm,
	}
}

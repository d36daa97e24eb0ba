package effector

import (
	"errors"
	"fmt"

	"github.com/go-logr/logr"
	"golang.org/x/sys/unix"

	"github.com/perfhint/sessiond/internal/arbiter"
	"github.com/perfhint/sessiond/pkg/util"
)

// UClamp applies envelopes through sched_setattr util-clamp, keeping the
// thread's policy and priority untouched.
type UClamp struct {
	logger logr.Logger
}

func NewUClamp(logger logr.Logger) *UClamp {
	return &UClamp{logger: logger.WithName("uclamp")}
}

func (u *UClamp) ApplyEnvelope(tid int, env arbiter.Envelope) error {
	attr := unix.SchedAttr{
		Flags: unix.SCHED_FLAG_KEEP_ALL |
			unix.SCHED_FLAG_UTIL_CLAMP_MIN |
			unix.SCHED_FLAG_UTIL_CLAMP_MAX,
		Util_min: uint32(util.Clamp(env.Min, arbiter.ClampMin, arbiter.ClampMax)),
		Util_max: uint32(util.Clamp(env.Max, arbiter.ClampMin, arbiter.ClampMax)),
	}
	if err := unix.SchedSetAttr(tid, &attr, 0); err != nil {
		if errors.Is(err, unix.ESRCH) {
			return fmt.Errorf("tid %d: %w", tid, ErrThreadNotFound)
		}
		return fmt.Errorf("sched_setattr tid %d: %w", tid, err)
	}
	return nil
}

func (u *UClamp) InitThread(tid int) error {
	u.logger.V(5).Info("initializing thread clamp state", "tid", tid)
	return u.ApplyEnvelope(tid, arbiter.FullEnvelope())
}

func (u *UClamp) ReleaseThread(tid int) error {
	u.logger.V(5).Info("releasing thread clamp state", "tid", tid)
	err := u.ApplyEnvelope(tid, arbiter.FullEnvelope())
	if errors.Is(err, ErrThreadNotFound) {
		// Releasing a thread that already exited is fine.
		return nil
	}
	return err
}

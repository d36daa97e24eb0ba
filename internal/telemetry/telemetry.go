// Package telemetry is a fire-and-forget side channel for observability
// samples emitted during recomputes. Nothing is ever read back from it.
package telemetry

import (
	"strconv"

	prom "github.com/prometheus/client_golang/prometheus"

	"github.com/perfhint/sessiond/internal/arbiter"
)

const promNamespace = "sessiond"

// Sink receives named numeric samples per recompute.
type Sink interface {
	ReportEnvelope(tid int, env arbiter.Envelope)
	ReportCapacity(capacity int64)
	ReportControl(session string, pTerm, iTerm, dTerm, output int64)
	ReportBoost(enabled bool)
}

// Nop discards every sample.
type Nop struct{}

func (Nop) ReportEnvelope(int, arbiter.Envelope)         {}
func (Nop) ReportCapacity(int64)                         {}
func (Nop) ReportControl(string, int64, int64, int64, int64) {}
func (Nop) ReportBoost(bool)                             {}

// Prom exports samples as prometheus gauges.
type Prom struct {
	envelopeMin *prom.GaugeVec
	envelopeMax *prom.GaugeVec
	capacity    prom.Gauge
	control     *prom.GaugeVec
	boost       prom.Gauge
}

// NewProm registers the sink's collectors with reg.
func NewProm(reg prom.Registerer) *Prom {
	p := &Prom{
		envelopeMin: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: promNamespace,
			Name:      "thread_clamp_min",
			Help:      "Arbitrated clamp envelope lower bound per thread.",
		}, []string{"tid"}),
		envelopeMax: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: promNamespace,
			Name:      "thread_clamp_max",
			Help:      "Arbitrated clamp envelope upper bound per thread.",
		}, []string{"tid"}),
		capacity: prom.NewGauge(prom.GaugeOpts{
			Namespace: promNamespace,
			Name:      "aggregate_capacity",
			Help:      "System-wide maximum in-range capacity request.",
		}),
		control: prom.NewGaugeVec(prom.GaugeOpts{
			Namespace: promNamespace,
			Name:      "control_term",
			Help:      "Duration controller terms per session.",
		}, []string{"session", "term"}),
		boost: prom.NewGauge(prom.GaugeOpts{
			Namespace: promNamespace,
			Name:      "global_boost",
			Help:      "Whether the system-wide boost is enabled.",
		}),
	}
	reg.MustRegister(p.envelopeMin, p.envelopeMax, p.capacity, p.control, p.boost)
	return p
}

func (p *Prom) ReportEnvelope(tid int, env arbiter.Envelope) {
	label := strconv.Itoa(tid)
	p.envelopeMin.WithLabelValues(label).Set(float64(env.Min))
	p.envelopeMax.WithLabelValues(label).Set(float64(env.Max))
}

func (p *Prom) ReportCapacity(capacity int64) {
	p.capacity.Set(float64(capacity))
}

func (p *Prom) ReportControl(session string, pTerm, iTerm, dTerm, output int64) {
	p.control.WithLabelValues(session, "p").Set(float64(pTerm))
	p.control.WithLabelValues(session, "i").Set(float64(iTerm))
	p.control.WithLabelValues(session, "d").Set(float64(dTerm))
	p.control.WithLabelValues(session, "output").Set(float64(output))
}

func (p *Prom) ReportBoost(enabled bool) {
	if enabled {
		p.boost.Set(1)
	} else {
		p.boost.Set(0)
	}
}

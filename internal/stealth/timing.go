// Package stealth generates randomized human-like delays for form
// interaction pacing. It holds no shared state; draws are pure functions of
// a policy's configured distribution.
package stealth

import (
	"math/rand/v2"
	"time"

	"applyflow-engine/internal/config"
	"applyflow-engine/internal/domain"
)

type Pacer struct {
	rng *rand.Rand
}

func NewPacer(seed uint64) *Pacer {
	return &Pacer{rng: rand.New(rand.NewPCG(seed, seed^0x9e3779b97f4a7c15))}
}

// Draw samples one delay from d, clamped to [Min, Max].
func (p *Pacer) Draw(d domain.DelayDistribution) time.Duration {
	if d.Max <= 0 {
		return 0
	}

	var v time.Duration
	switch d.Kind {
	case "normal":
		f := p.rng.NormFloat64()*float64(d.StdDev) + float64(d.Mean)
		v = time.Duration(f)
	case "exponential":
		mean := float64(d.Mean)
		if mean <= 0 {
			mean = float64(d.Min+d.Max) / 2
		}
		v = time.Duration(p.rng.ExpFloat64() * mean)
	default: // uniform
		span := int64(d.Max - d.Min)
		if span <= 0 {
			return d.Min
		}
		v = d.Min + time.Duration(p.rng.Int64N(span+1))
	}

	if v < d.Min {
		v = d.Min
	}
	if v > d.Max {
		v = d.Max
	}
	return v
}

// KeystrokeDelay draws the pause before the next simulated keystroke.
func (p *Pacer) KeystrokeDelay(pol domain.DomainPolicy) time.Duration {
	return p.Draw(pol.KeystrokeDelay)
}

// InterActionPause draws the pause between two form actions.
func (p *Pacer) InterActionPause(pol domain.DomainPolicy) time.Duration {
	return p.Draw(pol.InterActionPause)
}

// DistributionFromConfig converts a yaml delay block. A zeroed block gets the
// keystroke defaults the original stealth profile shipped with.
func DistributionFromConfig(d config.Delay) domain.DelayDistribution {
	out := domain.DelayDistribution{
		Kind:   d.Kind,
		Min:    time.Duration(d.MinMs) * time.Millisecond,
		Max:    time.Duration(d.MaxMs) * time.Millisecond,
		Mean:   time.Duration(d.MeanMs * float64(time.Millisecond)),
		StdDev: time.Duration(d.StdDevMs * float64(time.Millisecond)),
	}
	if out.Kind == "" {
		out.Kind = "uniform"
	}
	if out.Max == 0 {
		out.Min = 50 * time.Millisecond
		out.Max = 200 * time.Millisecond
	}
	return out
}

package stealth

import (
	"testing"
	"time"

	"applyflow-engine/internal/config"
	"applyflow-engine/internal/domain"

	"github.com/stretchr/testify/assert"
)

func TestDrawClampsToBounds(t *testing.T) {
	t.Parallel()

	p := NewPacer(1)

	dists := []domain.DelayDistribution{
		{Kind: "uniform", Min: 50 * time.Millisecond, Max: 200 * time.Millisecond},
		{Kind: "normal", Min: 50 * time.Millisecond, Max: 200 * time.Millisecond, Mean: 120 * time.Millisecond, StdDev: 40 * time.Millisecond},
		{Kind: "exponential", Min: 50 * time.Millisecond, Max: 200 * time.Millisecond, Mean: 90 * time.Millisecond},
	}

	for _, d := range dists {
		for i := 0; i < 500; i++ {
			v := p.Draw(d)
			assert.GreaterOrEqual(t, v, d.Min, "kind=%s", d.Kind)
			assert.LessOrEqual(t, v, d.Max, "kind=%s", d.Kind)
		}
	}
}

func TestDrawZeroMaxIsZero(t *testing.T) {
	t.Parallel()

	p := NewPacer(2)
	assert.Zero(t, p.Draw(domain.DelayDistribution{Kind: "uniform"}))
}

func TestDrawUniformVaries(t *testing.T) {
	t.Parallel()

	p := NewPacer(3)
	d := domain.DelayDistribution{Kind: "uniform", Min: 1 * time.Millisecond, Max: 100 * time.Millisecond}

	seen := map[time.Duration]bool{}
	for i := 0; i < 200; i++ {
		seen[p.Draw(d)] = true
	}
	assert.Greater(t, len(seen), 10)
}

func TestDistributionFromConfigDefaults(t *testing.T) {
	t.Parallel()

	d := DistributionFromConfig(config.Delay{})
	assert.Equal(t, "uniform", d.Kind)
	assert.Equal(t, 50*time.Millisecond, d.Min)
	assert.Equal(t, 200*time.Millisecond, d.Max)

	d = DistributionFromConfig(config.Delay{Kind: "normal", MinMs: 10, MaxMs: 30, MeanMs: 20, StdDevMs: 5})
	assert.Equal(t, "normal", d.Kind)
	assert.Equal(t, 20*time.Millisecond, d.Mean)
	assert.Equal(t, 5*time.Millisecond, d.StdDev)
}

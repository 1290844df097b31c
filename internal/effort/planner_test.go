package effort

import (
	"testing"

	"applyflow-engine/internal/config"
	"applyflow-engine/internal/domain"

	"github.com/stretchr/testify/assert"
)

func testPlanner() *Planner {
	return New(
		[]ShiftRule{
			{
				From: domain.EffortMedium, To: domain.EffortHigh,
				When:   []Condition{{Field: FieldMatchScore, Op: OpGTE, Value: 0.75}},
				Reason: "strong match",
			},
			{
				From: domain.EffortLow, To: domain.EffortMedium,
				When:   []Condition{{Field: FieldCompanyTier, Op: OpEQ, Text: "top"}},
				Reason: "top-tier company",
			},
		},
		[]ShiftRule{
			{
				From: domain.EffortHigh, To: domain.EffortMedium,
				When:   []Condition{{Field: FieldMatchScore, Op: OpLT, Value: 0.5}},
				Reason: "weak match for high effort",
			},
		},
		[]SkipRule{
			{
				When:   []Condition{{Field: FieldMatchScore, Op: OpLT, Value: 0.2}},
				Reason: "match below floor",
			},
			{
				When:   []Condition{{Field: FieldCompanyTier, Op: OpEQ, Text: "avoid"}},
				Reason: "company tier avoid",
			},
		},
	)
}

func TestDecideSkipRulesWinFirst(t *testing.T) {
	t.Parallel()

	p := testPlanner()

	d := p.Decide(Input{MatchScore: 0.1, EffortHint: domain.EffortHigh})
	assert.True(t, d.Skip)
	assert.Equal(t, "match below floor", d.Reason)

	d = p.Decide(Input{MatchScore: 0.9, CompanyTier: "avoid", EffortHint: domain.EffortHigh})
	assert.True(t, d.Skip)
}

func TestDecideUpgrade(t *testing.T) {
	t.Parallel()

	p := testPlanner()

	d := p.Decide(Input{MatchScore: 0.8, EffortHint: domain.EffortMedium})
	assert.False(t, d.Skip)
	assert.Equal(t, domain.EffortHigh, d.Level)
	assert.Equal(t, "strong match", d.Reason)

	// upgrade rule only fires for its From level
	d = p.Decide(Input{MatchScore: 0.8, EffortHint: domain.EffortLow})
	assert.Equal(t, domain.EffortLow, d.Level)
}

func TestDecideDowngradeAfterUpgrade(t *testing.T) {
	t.Parallel()

	p := testPlanner()

	d := p.Decide(Input{MatchScore: 0.4, EffortHint: domain.EffortHigh})
	assert.Equal(t, domain.EffortMedium, d.Level)
	assert.Equal(t, "weak match for high effort", d.Reason)
}

func TestDecideEmptyHintDefaultsToMedium(t *testing.T) {
	t.Parallel()

	p := testPlanner()
	d := p.Decide(Input{MatchScore: 0.6})
	assert.Equal(t, domain.EffortMedium, d.Level)
}

func TestFromConfigResolvesThresholdRefs(t *testing.T) {
	t.Parallel()

	var cfg config.Config
	cfg.Effort.Thresholds = map[string]float64{"high_match": 0.75}
	cfg.Effort.UpgradeRules = []config.ShiftRule{
		{
			From: "Medium", To: "High",
			When:   []config.Condition{{Field: "match_score", Op: "gte", Ref: "high_match"}},
			Reason: "strong match",
		},
	}
	cfg.Effort.SkipRules = []config.SkipRule{
		{When: []config.Condition{{Field: "match_score", Op: "lt", Value: 0.2}}},
	}

	p := FromConfig(cfg)

	d := p.Decide(Input{MatchScore: 0.75, EffortHint: domain.EffortMedium})
	assert.Equal(t, domain.EffortHigh, d.Level)

	d = p.Decide(Input{MatchScore: 0.1, EffortHint: domain.EffortMedium})
	assert.True(t, d.Skip)
	assert.Equal(t, "policy skip", d.Reason)
}

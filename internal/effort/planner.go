// Package effort assigns the final effort level for a task from declarative
// upgrade/downgrade/skip rules. Rules are typed conditions over a fixed set
// of fields; there is no expression evaluation.
package effort

import (
	"fmt"
	"strings"

	"applyflow-engine/internal/config"
	"applyflow-engine/internal/domain"
)

type Op string

const (
	OpGTE Op = "gte"
	OpGT  Op = "gt"
	OpLTE Op = "lte"
	OpLT  Op = "lt"
	OpEQ  Op = "eq"
)

type Field string

const (
	FieldMatchScore  Field = "match_score"
	FieldCompanyTier Field = "company_tier"
	FieldEffortHint  Field = "effort_hint"
)

type Condition struct {
	Field Field
	Op    Op
	Value float64 // numeric fields
	Text  string  // text fields
}

type ShiftRule struct {
	From   domain.EffortLevel
	To     domain.EffortLevel
	When   []Condition
	Reason string
}

type SkipRule struct {
	When   []Condition
	Reason string
}

// Input carries the known fields a rule may reference.
type Input struct {
	MatchScore  float64
	CompanyTier string
	EffortHint  domain.EffortLevel
}

type Planner struct {
	upgrades   []ShiftRule
	downgrades []ShiftRule
	skips      []SkipRule
}

func New(upgrades, downgrades []ShiftRule, skips []SkipRule) *Planner {
	return &Planner{upgrades: upgrades, downgrades: downgrades, skips: skips}
}

// Decision is the planner's verdict for one task.
type Decision struct {
	Level  domain.EffortLevel
	Reason string
	Skip   bool
}

// Decide applies skip rules first, then the first matching upgrade, then the
// first matching downgrade, starting from the caller's hint.
func (p *Planner) Decide(in Input) Decision {
	for _, r := range p.skips {
		if matchAll(r.When, in) {
			return Decision{Skip: true, Reason: r.Reason}
		}
	}

	level := in.EffortHint
	if level == "" {
		level = domain.EffortMedium
	}
	reason := fmt.Sprintf("hint: %s", level)

	for _, r := range p.upgrades {
		if r.From == level && matchAll(r.When, in) {
			level = r.To
			reason = r.Reason
			break
		}
	}

	for _, r := range p.downgrades {
		if r.From == level && matchAll(r.When, in) {
			level = r.To
			reason = r.Reason
			break
		}
	}

	return Decision{Level: level, Reason: reason}
}

func matchAll(conds []Condition, in Input) bool {
	if len(conds) == 0 {
		return false
	}
	for _, c := range conds {
		if !match(c, in) {
			return false
		}
	}
	return true
}

func match(c Condition, in Input) bool {
	switch c.Field {
	case FieldMatchScore:
		return compare(in.MatchScore, c.Op, c.Value)
	case FieldCompanyTier:
		return c.Op == OpEQ && strings.EqualFold(in.CompanyTier, c.Text)
	case FieldEffortHint:
		return c.Op == OpEQ && strings.EqualFold(string(in.EffortHint), c.Text)
	}
	return false
}

func compare(v float64, op Op, against float64) bool {
	switch op {
	case OpGTE:
		return v >= against
	case OpGT:
		return v > against
	case OpLTE:
		return v <= against
	case OpLT:
		return v < against
	case OpEQ:
		return v == against
	}
	return false
}

// FromConfig builds a planner from the yaml effort section, resolving named
// threshold refs to their numeric values.
func FromConfig(cfg config.Config) *Planner {
	resolve := func(c config.Condition) Condition {
		out := Condition{
			Field: Field(c.Field),
			Op:    Op(c.Op),
			Value: c.Value,
			Text:  c.Text,
		}
		if c.Ref != "" {
			if v, ok := cfg.Effort.Thresholds[c.Ref]; ok {
				out.Value = v
			}
		}
		return out
	}

	conv := func(rules []config.ShiftRule) []ShiftRule {
		out := make([]ShiftRule, 0, len(rules))
		for _, r := range rules {
			sr := ShiftRule{
				From:   domain.EffortLevel(strings.ToLower(r.From)),
				To:     domain.EffortLevel(strings.ToLower(r.To)),
				Reason: r.Reason,
			}
			for _, c := range r.When {
				sr.When = append(sr.When, resolve(c))
			}
			out = append(out, sr)
		}
		return out
	}

	var skips []SkipRule
	for _, r := range cfg.Effort.SkipRules {
		sr := SkipRule{Reason: r.Reason}
		if sr.Reason == "" {
			sr.Reason = "policy skip"
		}
		for _, c := range r.When {
			sr.When = append(sr.When, resolve(c))
		}
		skips = append(skips, sr)
	}

	return New(conv(cfg.Effort.UpgradeRules), conv(cfg.Effort.DowngradeRules), skips)
}

package ingest

import (
	"strings"

	"applyflow-engine/internal/config"
)

// Scorer turns listing text into the match score and company tier the
// effort planner decides against. Rules are additive keyword weights on top
// of a base score; the result is clamped to [0, 1].
type Scorer struct {
	base      float64
	titles    []config.MatchRule
	penalties []config.MatchRule
	tiers     map[string]string // lowercased company -> tier name
}

func NewScorer(cfg config.Config) *Scorer {
	tiers := make(map[string]string)
	for tier, companies := range cfg.Match.Tiers {
		for _, c := range companies {
			tiers[strings.ToLower(strings.TrimSpace(c))] = tier
		}
	}
	return &Scorer{
		base:      cfg.Match.BaseScore,
		titles:    cfg.Match.TitleRules,
		penalties: cfg.Match.Penalties,
		tiers:     tiers,
	}
}

func (s *Scorer) Score(title, description string) (float64, []string) {
	text := strings.ToLower(title + " " + description)

	score := s.base
	var tags []string

	for _, r := range s.titles {
		for _, needle := range r.Any {
			if strings.Contains(text, strings.ToLower(needle)) {
				score += r.Weight
				if r.Tag != "" {
					tags = append(tags, r.Tag)
				}
				break
			}
		}
	}
	for _, p := range s.penalties {
		for _, needle := range p.Any {
			if strings.Contains(text, strings.ToLower(needle)) {
				score += p.Weight // weights are negative by convention
				break
			}
		}
	}

	if score < 0 {
		score = 0
	}
	if score > 1 {
		score = 1
	}
	return score, uniq(tags)
}

// Tier reports the configured tier for a company, empty when unlisted.
func (s *Scorer) Tier(company string) string {
	return s.tiers[strings.ToLower(strings.TrimSpace(company))]
}

func uniq(in []string) []string {
	seen := map[string]bool{}
	out := make([]string, 0, len(in))
	for _, t := range in {
		if !seen[t] {
			seen[t] = true
			out = append(out, t)
		}
	}
	return out
}

package domain

import "time"

// DelayDistribution describes how a randomized pacing delay is drawn.
// Draws are always clamped to [Min, Max].
type DelayDistribution struct {
	Kind   string // uniform | normal | exponential
	Min    time.Duration
	Max    time.Duration
	Mean   time.Duration // normal, exponential
	StdDev time.Duration // normal
}

// DomainPolicy is the immutable per-destination throttle configuration.
// Unknown domains fall back to a configured default policy.
type DomainPolicy struct {
	MaxApplicationsPerDay int
	MinBetween            time.Duration // minimum gap between two applications
	MaxConcurrent         int
	Avoid                 bool

	KeystrokeDelay   DelayDistribution
	InterActionPause DelayDistribution
}

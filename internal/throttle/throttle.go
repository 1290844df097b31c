// Package throttle arbitrates concurrent access to destination sites.
// Admission checks and the counter mutations they justify happen inside one
// critical section, so two workers racing on the same domain can never both
// claim the last slot.
package throttle

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"applyflow-engine/internal/config"
	"applyflow-engine/internal/domain"
	"applyflow-engine/internal/events"
	"applyflow-engine/internal/stealth"
)

// UsageStore persists per-domain daily outcome counts so daily caps survive
// restarts. Implementations are best-effort; errors are logged, not fatal.
type UsageStore interface {
	DayCount(ctx context.Context, domainName, day string) (int, error)
	RecordAttempt(ctx context.Context, domainName, day string) error
	RecordResult(ctx context.Context, domainName, day string, success bool) error
}

type state struct {
	day          string
	appsToday    int
	seeded       bool
	last         time.Time
	running      int
	blockedUntil time.Time
}

type Throttle struct {
	mu       sync.Mutex
	policies map[string]domain.DomainPolicy
	fallback domain.DomainPolicy
	states   map[string]*state

	usage UsageStore       // optional
	hub   *events.Hub      // optional
	now   func() time.Time // test seam
}

func New(policies map[string]domain.DomainPolicy, fallback domain.DomainPolicy, usage UsageStore, hub *events.Hub) *Throttle {
	if policies == nil {
		policies = map[string]domain.DomainPolicy{}
	}
	return &Throttle{
		policies: policies,
		fallback: fallback,
		states:   make(map[string]*state),
		usage:    usage,
		hub:      hub,
		now:      time.Now,
	}
}

// Policy returns the configured policy for a domain, or the fallback for
// unknown domains.
func (t *Throttle) Policy(domainName string) domain.DomainPolicy {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.policyLocked(domainName)
}

func (t *Throttle) policyLocked(domainName string) domain.DomainPolicy {
	if p, ok := t.policies[domainName]; ok {
		return p
	}
	return t.fallback
}

func dayOf(now time.Time) string { return now.Format("2006-01-02") }

func (t *Throttle) stateLocked(ctx context.Context, domainName string) *state {
	st, ok := t.states[domainName]
	if !ok {
		st = &state{}
		t.states[domainName] = st
	}

	today := dayOf(t.now())
	if st.day != today {
		st.day = today
		st.appsToday = 0
		st.seeded = false
	}
	if !st.seeded {
		st.seeded = true
		if t.usage != nil {
			if n, err := t.usage.DayCount(ctx, domainName, today); err != nil {
				log.Printf("[throttle] day count %s: %v", domainName, err)
			} else {
				st.appsToday = n
			}
		}
	}
	return st
}

func (t *Throttle) canStartLocked(st *state, pol domain.DomainPolicy) (bool, string) {
	now := t.now()

	if pol.Avoid {
		return false, "domain marked as avoid"
	}

	if !st.blockedUntil.IsZero() {
		if now.Before(st.blockedUntil) {
			return false, fmt.Sprintf("temporarily blocked for %s", st.blockedUntil.Sub(now).Round(time.Second))
		}
		// block expired
		st.blockedUntil = time.Time{}
	}

	if pol.MaxApplicationsPerDay > 0 && st.appsToday >= pol.MaxApplicationsPerDay {
		return false, fmt.Sprintf("daily limit reached (%d/%d)", st.appsToday, pol.MaxApplicationsPerDay)
	}

	if pol.MaxConcurrent > 0 && st.running >= pol.MaxConcurrent {
		return false, fmt.Sprintf("concurrent limit reached (%d running)", st.running)
	}

	if pol.MinBetween > 0 && !st.last.IsZero() {
		if elapsed := now.Sub(st.last); elapsed < pol.MinBetween {
			return false, fmt.Sprintf("must wait %s before next application", (pol.MinBetween - elapsed).Round(time.Second))
		}
	}

	return true, ""
}

func (t *Throttle) startLocked(ctx context.Context, domainName string, st *state) {
	st.appsToday++
	st.running++
	st.last = t.now()

	if t.usage != nil {
		if err := t.usage.RecordAttempt(ctx, domainName, st.day); err != nil {
			log.Printf("[throttle] record attempt %s: %v", domainName, err)
		}
	}
}

// CanStart reports whether a new application against domainName may start
// right now. Callers that intend to start should prefer Acquire, which folds
// the check and the slot claim into one critical section.
func (t *Throttle) CanStart(ctx context.Context, domainName string) (bool, string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(ctx, domainName)
	return t.canStartLocked(st, t.policyLocked(domainName))
}

// Start claims a slot. Only call after an allowed check; Acquire does both.
func (t *Throttle) Start(ctx context.Context, domainName string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startLocked(ctx, domainName, t.stateLocked(ctx, domainName))
}

// End releases a slot. Must run on every exit path of a task that called
// Start, or the domain leaks concurrency capacity permanently.
func (t *Throttle) End(domainName string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if st, ok := t.states[domainName]; ok && st.running > 0 {
		st.running--
	}
}

// Acquire is the atomic check-then-claim. On success it returns a release
// function that is safe to call more than once.
func (t *Throttle) Acquire(ctx context.Context, domainName string) (release func(), ok bool, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	st := t.stateLocked(ctx, domainName)
	ok, reason = t.canStartLocked(st, t.policyLocked(domainName))
	if !ok {
		return nil, false, reason
	}

	t.startLocked(ctx, domainName, st)

	var once sync.Once
	return func() {
		once.Do(func() { t.End(domainName) })
	}, true, ""
}

// Block denies all starts against domainName until d elapses. This is the
// strongest denial; it is triggered by downstream 403/rate-limit signals and
// overrides the daily and concurrency counters.
func (t *Throttle) Block(domainName string, d time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()

	ctx := context.Background()
	st := t.stateLocked(ctx, domainName)
	st.blockedUntil = t.now().Add(d)
	log.Printf("[throttle] %s blocked for %s", domainName, d)

	if t.hub != nil {
		t.hub.Publish(events.Make("", events.TypeDomainBlocked, map[string]any{
			"domain": domainName,
			"until":  st.blockedUntil.UTC().Format(time.RFC3339),
		}))
	}
}

// NoteResult records an application outcome for the persisted daily stats.
func (t *Throttle) NoteResult(ctx context.Context, domainName string, success bool) {
	if t.usage == nil {
		return
	}
	if err := t.usage.RecordResult(ctx, domainName, dayOf(t.now()), success); err != nil {
		log.Printf("[throttle] record result %s: %v", domainName, err)
	}
}

// ResetDaily zeroes every domain's daily counter. The scheduler runs this at
// local midnight; lazy day-roll in stateLocked covers long gaps between calls.
func (t *Throttle) ResetDaily() {
	t.mu.Lock()
	defer t.mu.Unlock()

	today := dayOf(t.now())
	for _, st := range t.states {
		st.day = today
		st.appsToday = 0
		st.seeded = true
	}
	log.Printf("[throttle] daily counters reset")
}

// PoliciesFromConfig converts the stealth config section into throttle
// policies plus the fallback for unknown domains.
func PoliciesFromConfig(cfg config.Config) (map[string]domain.DomainPolicy, domain.DomainPolicy) {
	conv := func(r config.DomainRules, def config.DomainRules) domain.DomainPolicy {
		out := domain.DomainPolicy{
			MaxApplicationsPerDay: r.MaxAppsPerDay,
			MinBetween:            time.Duration(r.MinSecondsBetween) * time.Second,
			MaxConcurrent:         r.MaxConcurrent,
			Avoid:                 r.Avoid,
			KeystrokeDelay:        stealth.DistributionFromConfig(r.Keystroke),
			InterActionPause:      stealth.DistributionFromConfig(r.InterAction),
		}
		if out.MaxApplicationsPerDay <= 0 {
			out.MaxApplicationsPerDay = def.MaxAppsPerDay
		}
		if out.MinBetween <= 0 {
			out.MinBetween = time.Duration(def.MinSecondsBetween) * time.Second
		}
		if out.MaxConcurrent <= 0 {
			out.MaxConcurrent = def.MaxConcurrent
		}
		return out
	}

	def := cfg.Stealth.Global
	fallback := conv(def, def)

	policies := make(map[string]domain.DomainPolicy, len(cfg.Stealth.Domains))
	for name, rules := range cfg.Stealth.Domains {
		policies[name] = conv(rules, def)
	}
	return policies, fallback
}

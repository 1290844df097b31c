// Package session owns the lifecycle of application sessions: creation,
// result accounting, budget enforcement, termination, and crash recovery.
// All counter mutation funnels through RegisterResult so budget checks and
// increments happen under one per-session lock.
package session

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"applyflow-engine/internal/domain"
	"applyflow-engine/internal/events"
	"applyflow-engine/internal/notify"
	"applyflow-engine/internal/store"

	"github.com/google/uuid"
)

var (
	ErrUnknownSession = errors.New("session: unknown session")
	ErrNotPaused      = errors.New("session: not paused")
	ErrNotRunning     = errors.New("session: not running")
)

// maxDigestErrors caps the error list carried into a digest.
const maxDigestErrors = 20

// tracked is the in-memory view of one live session. Counters that the
// digest needs but the sessions table does not carry (failed, skipped,
// error reasons) live here; everything else mirrors the database row.
type tracked struct {
	mu sync.Mutex

	s        domain.Session
	inflight int // admitted but not yet registered
	failed   int
	skipped  int
	errs     []string
}

type Controller struct {
	db    *store.DB
	hub   *events.Hub     // optional
	notif notify.Notifier // optional

	now func() time.Time // test seam

	mu   sync.Mutex
	live map[uuid.UUID]*tracked
}

func NewController(db *store.DB, hub *events.Hub, notif notify.Notifier) *Controller {
	return &Controller{
		db:    db,
		hub:   hub,
		notif: notif,
		now:   time.Now,
		live:  make(map[uuid.UUID]*tracked),
	}
}

// Create persists a new running session and starts tracking it.
func (c *Controller) Create(ctx context.Context, name string, userID uuid.UUID, limits domain.SessionLimits, cfg map[string]string) (domain.Session, error) {
	if limits.MaxApplications <= 0 {
		return domain.Session{}, fmt.Errorf("session: max applications must be positive, got %d", limits.MaxApplications)
	}

	s := domain.Session{
		ID:      uuid.New(),
		UserID:  userID,
		Name:    name,
		Status:  domain.SessionRunning,
		Started: c.now().UTC(),
		Limits:  limits,
		Config:  cfg,
	}
	if err := c.db.CreateSession(ctx, s); err != nil {
		return domain.Session{}, err
	}

	c.mu.Lock()
	c.live[s.ID] = &tracked{s: s}
	c.mu.Unlock()

	c.appendEvent(ctx, s.ID, events.TypeSessionCreated, fmt.Sprintf("session %q created", name), map[string]any{
		"max_applications": limits.MaxApplications,
		"max_duration":     limits.MaxDuration.String(),
		"max_workers":      limits.MaxWorkers,
	})
	c.publish(s.ID, events.TypeSessionCreated, nil)
	log.Printf("[session] created %s (%q, budget %d apps, %s)", s.ID, name, limits.MaxApplications, limits.MaxDuration)
	return s, nil
}

// AdmitTask is the pool's pre-execution gate. It reserves one unit of the
// session's application budget; the reservation is counted alongside the
// persisted attempts, so N workers racing on the last budget slot admit
// exactly one task. Tasks of a terminal session are denied outright. The
// release func hands the reservation back; the pool calls it after the
// result is registered, or when the task is abandoned without counting.
func (c *Controller) AdmitTask(_ context.Context, id uuid.UUID) (func(), bool, string) {
	t, err := c.lookup(id)
	if err != nil {
		return nil, false, "unknown session"
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if t.s.Status.Terminal() {
		return nil, false, fmt.Sprintf("session already %s", t.s.Status)
	}
	if l := t.s.Limits; t.s.Counters.Attempted+t.inflight >= l.MaxApplications {
		return nil, false, fmt.Sprintf("application budget exhausted (%d/%d)", t.s.Counters.Attempted, l.MaxApplications)
	}

	t.inflight++
	var once sync.Once
	return func() {
		once.Do(func() {
			t.mu.Lock()
			t.inflight--
			t.mu.Unlock()
		})
	}, true, ""
}

// RegisterResult records one finished task against its session. It is the
// pool's ResultSink. Counting and budget evaluation run under the session's
// lock, so simultaneous registrations cannot double-terminate or lose a
// count. Results that land after the session went terminal are still
// counted; they just cannot terminate it again.
func (c *Controller) RegisterResult(ctx context.Context, r domain.TaskResult) error {
	t, err := c.lookup(r.SessionID)
	if err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if r.Status.Counted() {
		if err := c.db.ApplyResult(ctx, r.SessionID, r); err != nil {
			return err
		}
		c.applyLocked(t, r)
	} else {
		t.skipped++
	}

	c.publish(r.SessionID, events.TypeTaskResult, map[string]any{
		"application_id": r.ApplicationID.String(),
		"status":         string(r.Status),
		"effort":         string(r.Effort),
		"attempts":       r.Attempts,
	})

	if t.s.Status.Terminal() {
		return nil
	}
	if reason, done := c.budgetExceededLocked(t); done {
		return c.finishLocked(ctx, t, domain.SessionCompleted, reason)
	}
	return nil
}

// applyLocked mirrors the store's atomic UPDATE into the in-memory copy.
func (c *Controller) applyLocked(t *tracked, r domain.TaskResult) {
	cnt := &t.s.Counters
	cnt.Attempted++
	switch r.Effort {
	case domain.EffortLow:
		cnt.LowEffort++
	case domain.EffortHigh:
		cnt.HighEffort++
	default:
		cnt.MediumEffort++
	}
	cnt.TokensInput += r.TokensInput
	cnt.TokensOutput += r.TokensOutput
	cnt.CostEstimate += r.CostEstimate

	switch r.Status {
	case domain.StatusSuccess:
		cnt.Successful++
	default:
		t.failed++
		if r.Reason != "" && len(t.errs) < maxDigestErrors {
			t.errs = append(t.errs, r.Reason)
		}
	}
}

func (c *Controller) budgetExceededLocked(t *tracked) (string, bool) {
	l := t.s.Limits
	if t.s.Counters.Attempted >= l.MaxApplications {
		return fmt.Sprintf("application budget reached (%d/%d)", t.s.Counters.Attempted, l.MaxApplications), true
	}
	if l.MaxDuration > 0 && c.now().Sub(t.s.Started) >= l.MaxDuration {
		return fmt.Sprintf("duration budget reached (%s)", l.MaxDuration), true
	}
	return "", false
}

// CheckDeadlines terminates every live session whose duration budget
// expired between results. The scheduler runs this periodically so an idle
// session still ends on time.
func (c *Controller) CheckDeadlines(ctx context.Context) {
	c.mu.Lock()
	snapshot := make([]*tracked, 0, len(c.live))
	for _, t := range c.live {
		snapshot = append(snapshot, t)
	}
	c.mu.Unlock()

	for _, t := range snapshot {
		t.mu.Lock()
		if !t.s.Status.Terminal() {
			if l := t.s.Limits; l.MaxDuration > 0 && c.now().Sub(t.s.Started) >= l.MaxDuration {
				if err := c.finishLocked(ctx, t, domain.SessionCompleted, fmt.Sprintf("duration budget reached (%s)", l.MaxDuration)); err != nil {
					log.Printf("[session] deadline finish %s: %v", t.s.ID, err)
				}
			}
		}
		t.mu.Unlock()
	}
}

// Stop terminates a session on request.
func (c *Controller) Stop(ctx context.Context, id uuid.UUID, reason string) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Status.Terminal() {
		return nil
	}
	if reason == "" {
		reason = "stopped by user"
	}
	return c.finishLocked(ctx, t, domain.SessionCompleted, reason)
}

// Fail terminates a session in the failed status. Used when the engine
// cannot continue (store unusable, executor permanently broken).
func (c *Controller) Fail(ctx context.Context, id uuid.UUID, reason string) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Status.Terminal() {
		return nil
	}
	return c.finishLocked(ctx, t, domain.SessionFailed, reason)
}

func (c *Controller) Pause(ctx context.Context, id uuid.UUID) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Status != domain.SessionRunning {
		return ErrNotRunning
	}
	if err := c.db.UpdateSessionStatus(ctx, id, domain.SessionPaused, nil); err != nil {
		return err
	}
	t.s.Status = domain.SessionPaused
	c.appendEvent(ctx, id, events.TypeSessionPaused, "session paused", nil)
	c.publish(id, events.TypeSessionPaused, nil)
	return nil
}

func (c *Controller) Resume(ctx context.Context, id uuid.UUID) error {
	t, err := c.lookup(id)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.s.Status != domain.SessionPaused {
		return ErrNotPaused
	}
	if err := c.db.UpdateSessionStatus(ctx, id, domain.SessionRunning, nil); err != nil {
		return err
	}
	t.s.Status = domain.SessionRunning
	c.appendEvent(ctx, id, events.TypeSessionResumed, "session resumed", nil)
	c.publish(id, events.TypeSessionResumed, nil)
	return nil
}

// Snapshot returns a copy of the session's current state.
func (c *Controller) Snapshot(id uuid.UUID) (domain.Session, bool) {
	c.mu.Lock()
	t, ok := c.live[id]
	c.mu.Unlock()
	if !ok {
		return domain.Session{}, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.s, true
}

// Recover scans the store for sessions a previous process left in a
// non-terminal state, marks them interrupted, and writes their partial
// digest. Running it twice is harmless: the digest insert is guarded by a
// unique index, so the second pass finds nothing to do and sends nothing.
func (c *Controller) Recover(ctx context.Context) (int, error) {
	stale, err := c.db.ActiveSessions(ctx)
	if err != nil {
		return 0, err
	}

	recovered := 0
	for _, s := range stale {
		ended := c.now().UTC()
		if err := c.db.UpdateSessionStatus(ctx, s.ID, domain.SessionInterrupted, &ended); err != nil {
			return recovered, fmt.Errorf("mark interrupted %s: %w", s.ID, err)
		}
		s.Status = domain.SessionInterrupted
		s.Ended = &ended

		t := &tracked{s: s, failed: s.Counters.Attempted - s.Counters.Successful}
		dg := c.buildDigest(t, "interrupted: process exited before the session finished")
		first, err := c.db.SaveDigest(ctx, dg)
		if err != nil {
			return recovered, fmt.Errorf("save digest %s: %w", s.ID, err)
		}
		if !first {
			continue
		}
		recovered++
		c.appendEvent(ctx, s.ID, events.TypeSessionRecovered, "session recovered as interrupted", map[string]any{
			"attempted":  s.Counters.Attempted,
			"successful": s.Counters.Successful,
		})
		c.publish(s.ID, events.TypeSessionRecovered, nil)
		c.deliver(s.Name, dg)
		log.Printf("[session] recovered %s as interrupted (%d attempted, %d successful)",
			s.ID, s.Counters.Attempted, s.Counters.Successful)
	}
	return recovered, nil
}

// finishLocked moves the session to a terminal status exactly once,
// persists the digest, and fans out notification. Caller holds t.mu.
func (c *Controller) finishLocked(ctx context.Context, t *tracked, status domain.SessionStatus, reason string) error {
	ended := c.now().UTC()
	if err := c.db.UpdateSessionStatus(ctx, t.s.ID, status, &ended); err != nil {
		return err
	}
	t.s.Status = status
	t.s.Ended = &ended

	dg := c.buildDigest(t, reason)
	first, err := c.db.SaveDigest(ctx, dg)
	if err != nil {
		return err
	}

	c.appendEvent(ctx, t.s.ID, events.TypeSessionFinished, reason, map[string]any{
		"status":     string(status),
		"attempted":  t.s.Counters.Attempted,
		"successful": t.s.Counters.Successful,
	})
	c.publish(t.s.ID, events.TypeSessionFinished, map[string]any{"status": string(status), "reason": reason})
	log.Printf("[session] %s finished %s: %s (%d/%d successful)",
		t.s.ID, status, reason, t.s.Counters.Successful, t.s.Counters.Attempted)

	if first {
		c.deliver(t.s.Name, dg)
	}
	return nil
}

func (c *Controller) buildDigest(t *tracked, summary string) domain.Digest {
	var dur time.Duration
	if t.s.Ended != nil {
		dur = t.s.Ended.Sub(t.s.Started)
	} else {
		dur = c.now().UTC().Sub(t.s.Started)
	}
	cnt := t.s.Counters
	return domain.Digest{
		ID:          uuid.New(),
		SessionID:   t.s.ID,
		GeneratedAt: c.now().UTC(),
		Duration:    dur,
		Summary:     summary,

		ApplicationsTotal:      cnt.Attempted,
		ApplicationsSuccessful: cnt.Successful,
		ApplicationsFailed:     t.failed,
		ApplicationsSkipped:    t.skipped,

		LowEffort:    cnt.LowEffort,
		MediumEffort: cnt.MediumEffort,
		HighEffort:   cnt.HighEffort,

		TokensInput:  cnt.TokensInput,
		TokensOutput: cnt.TokensOutput,
		CostEstimate: cnt.CostEstimate,

		Errors: append([]string(nil), t.errs...),
	}
}

// deliver sends the digest in the background. Delivery failure is logged,
// never surfaced: the session is already terminal by the time we get here.
func (c *Controller) deliver(name string, dg domain.Digest) {
	if c.notif == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		if err := c.notif.Send(ctx, dg); err != nil {
			log.Printf("[session] digest delivery for %q failed: %v", name, err)
		}
	}()
}

func (c *Controller) lookup(id uuid.UUID) (*tracked, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.live[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSession, id)
	}
	return t, nil
}

func (c *Controller) appendEvent(ctx context.Context, id uuid.UUID, typ, msg string, payload map[string]any) {
	e := domain.SessionEvent{SessionID: id, Type: typ, Message: msg, Payload: payload}
	if err := c.db.AppendEvent(ctx, e); err != nil {
		log.Printf("[session] append event %s for %s: %v", typ, id, err)
	}
}

func (c *Controller) publish(id uuid.UUID, typ string, data any) {
	if c.hub == nil {
		return
	}
	c.hub.Publish(events.Make(id.String(), typ, data))
}

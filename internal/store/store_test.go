package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"applyflow-engine/internal/domain"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()

	db, err := Open(filepath.Join(t.TempDir(), "engine.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	require.NoError(t, Migrate(db.Pool))
	return db
}

func testSession() domain.Session {
	return domain.Session{
		ID:      uuid.New(),
		UserID:  uuid.New(),
		Name:    "evening run",
		Status:  domain.SessionRunning,
		Started: time.Now().UTC().Truncate(time.Second),
		Limits: domain.SessionLimits{
			MaxApplications: 10,
			MaxDuration:     time.Hour,
			MaxWorkers:      3,
		},
		Config: map[string]string{"profile": "default"},
	}
}

func TestSessionRoundTrip(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	s := testSession()

	require.NoError(t, db.CreateSession(ctx, s))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, s.ID, got.ID)
	assert.Equal(t, s.Name, got.Name)
	assert.Equal(t, domain.SessionRunning, got.Status)
	assert.Equal(t, s.Limits, got.Limits)
	assert.Equal(t, "default", got.Config["profile"])
	assert.Nil(t, got.Ended)
}

func TestGetSessionMissing(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	_, err := db.GetSession(context.Background(), uuid.New())
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestApplyResultIncrementsCounters(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	s := testSession()
	require.NoError(t, db.CreateSession(ctx, s))

	require.NoError(t, db.ApplyResult(ctx, s.ID, domain.TaskResult{
		Status: domain.StatusSuccess, Effort: domain.EffortHigh,
		TokensInput: 100, TokensOutput: 40, CostEstimate: 0.02,
	}))
	require.NoError(t, db.ApplyResult(ctx, s.ID, domain.TaskResult{
		Status: domain.StatusFailed, Effort: domain.EffortLow,
	}))

	got, err := db.GetSession(ctx, s.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, got.Counters.Attempted)
	assert.Equal(t, 1, got.Counters.Successful)
	assert.Equal(t, 1, got.Counters.HighEffort)
	assert.Equal(t, 1, got.Counters.LowEffort)
	assert.Equal(t, 100, got.Counters.TokensInput)
	assert.InDelta(t, 0.02, got.Counters.CostEstimate, 1e-9)
}

func TestUpdateSessionStatusAndActiveScan(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	running := testSession()
	paused := testSession()
	paused.Status = domain.SessionPaused
	done := testSession()

	require.NoError(t, db.CreateSession(ctx, running))
	require.NoError(t, db.CreateSession(ctx, paused))
	require.NoError(t, db.CreateSession(ctx, done))

	ended := time.Now().UTC()
	require.NoError(t, db.UpdateSessionStatus(ctx, done.ID, domain.SessionCompleted, &ended))

	active, err := db.ActiveSessions(ctx)
	require.NoError(t, err)
	ids := map[uuid.UUID]bool{}
	for _, s := range active {
		ids[s.ID] = true
	}
	assert.True(t, ids[running.ID])
	assert.True(t, ids[paused.ID])
	assert.False(t, ids[done.ID])
}

func TestSaveDigestOncePerSession(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	sid := uuid.New()

	dg := domain.Digest{
		ID: uuid.New(), SessionID: sid,
		GeneratedAt: time.Now(), Duration: 40 * time.Minute,
		Summary: "2/3 applications submitted", ApplicationsTotal: 3,
		ApplicationsSuccessful: 2, ApplicationsFailed: 1,
		Errors: []string{"timeout on boards.example.com"},
	}

	saved, err := db.SaveDigest(ctx, dg)
	require.NoError(t, err)
	assert.True(t, saved)

	// second write for the same session is ignored
	dg2 := dg
	dg2.ID = uuid.New()
	dg2.Summary = "should not replace"
	saved, err = db.SaveDigest(ctx, dg2)
	require.NoError(t, err)
	assert.False(t, saved)

	got, err := db.GetDigest(ctx, sid)
	require.NoError(t, err)
	assert.Equal(t, "2/3 applications submitted", got.Summary)
	assert.Equal(t, []string{"timeout on boards.example.com"}, got.Errors)

	has, err := db.HasDigest(ctx, sid)
	require.NoError(t, err)
	assert.True(t, has)
}

func TestDomainUsageCounts(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()

	n, err := db.DayCount(ctx, "example.com", "2026-03-01")
	require.NoError(t, err)
	assert.Zero(t, n)

	require.NoError(t, db.RecordAttempt(ctx, "example.com", "2026-03-01"))
	require.NoError(t, db.RecordAttempt(ctx, "example.com", "2026-03-01"))
	require.NoError(t, db.RecordResult(ctx, "example.com", "2026-03-01", true))
	require.NoError(t, db.RecordResult(ctx, "example.com", "2026-03-01", false))

	n, err = db.DayCount(ctx, "example.com", "2026-03-01")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	// different day is a separate row
	n, err = db.DayCount(ctx, "example.com", "2026-03-02")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestAppendAndListEvents(t *testing.T) {
	t.Parallel()

	db := openTestDB(t)
	ctx := context.Background()
	sid := uuid.New()

	require.NoError(t, db.AppendEvent(ctx, domain.SessionEvent{
		SessionID: sid, Type: "session_created", Message: "created",
		Payload: map[string]any{"max_applications": 10},
	}))
	require.NoError(t, db.AppendEvent(ctx, domain.SessionEvent{
		SessionID: sid, Type: "session_stopped", Message: "budget exhausted",
	}))

	events, err := db.ListEvents(ctx, sid, 10)
	require.NoError(t, err)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, sid, e.SessionID)
		assert.NotEqual(t, uuid.Nil, e.ID)
	}
}

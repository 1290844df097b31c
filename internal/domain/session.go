package domain

import (
	"time"

	"github.com/google/uuid"
)

type SessionStatus string

const (
	SessionPlanned     SessionStatus = "planned"
	SessionRunning     SessionStatus = "running"
	SessionPaused      SessionStatus = "paused"
	SessionCompleted   SessionStatus = "completed"
	SessionInterrupted SessionStatus = "interrupted"
	SessionFailed      SessionStatus = "failed"
)

// Terminal reports whether the status is final. A session in a terminal
// status never transitions again.
func (s SessionStatus) Terminal() bool {
	switch s {
	case SessionCompleted, SessionInterrupted, SessionFailed:
		return true
	}
	return false
}

// SessionLimits are the budgets a session runs under.
type SessionLimits struct {
	MaxApplications int
	MaxDuration     time.Duration
	MaxWorkers      int
}

// SessionCounters are the running totals a session accumulates.
// They are mutated only through the controller's result path.
type SessionCounters struct {
	Attempted    int
	Successful   int
	LowEffort    int
	MediumEffort int
	HighEffort   int
	TokensInput  int
	TokensOutput int
	CostEstimate float64
}

type Session struct {
	ID      uuid.UUID
	UserID  uuid.UUID
	Name    string
	Status  SessionStatus
	Started time.Time
	Ended   *time.Time

	Limits   SessionLimits
	Config   map[string]string // snapshot of the config the session ran with
	Counters SessionCounters
}

// SessionEvent is one row of the append-only session audit trail.
type SessionEvent struct {
	ID        uuid.UUID
	SessionID uuid.UUID
	Type      string
	Message   string
	Payload   map[string]any
	CreatedAt time.Time
}

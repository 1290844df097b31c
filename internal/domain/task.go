package domain

import (
	"time"

	"github.com/google/uuid"
)

type EffortLevel string

const (
	EffortLow    EffortLevel = "low"
	EffortMedium EffortLevel = "medium"
	EffortHigh   EffortLevel = "high"
)

// Task is one application attempt: apply to one posting on behalf of one
// session. Tasks are immutable after dispatch; outcomes live in TaskResult.
type Task struct {
	ApplicationID uuid.UUID
	SessionID     uuid.UUID

	URL    string
	Domain string // destination host, the rate-limiting key

	Title       string
	Company     string
	CompanyTier string // top/normal/avoid
	MatchScore  float64
	EffortHint  EffortLevel
}

type ResultStatus string

const (
	StatusSuccess ResultStatus = "success"
	StatusFailed  ResultStatus = "failed"
	StatusSkipped ResultStatus = "skipped"
	StatusError   ResultStatus = "error"
)

// Counted reports whether this result consumes session budget.
// Skips are recorded but never count as attempts.
func (s ResultStatus) Counted() bool { return s != StatusSkipped }

// TaskResult is the outcome of one Task, produced by a worker and consumed
// by the session controller.
type TaskResult struct {
	ApplicationID uuid.UUID
	SessionID     uuid.UUID
	Domain        string

	Status ResultStatus
	Effort EffortLevel
	Reason string // denial or failure detail

	TokensInput  int
	TokensOutput int
	CostEstimate float64

	Attempts int
	Duration time.Duration
}

// WorkflowOutcome is what the externally supplied application workflow
// reports back for a single execution attempt.
type WorkflowOutcome struct {
	Submitted    bool
	EffortUsed   EffortLevel
	TokensInput  int
	TokensOutput int
	CostEstimate float64
	Detail       string
}

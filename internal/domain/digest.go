package domain

import (
	"time"

	"github.com/google/uuid"
)

// Digest is the immutable end-of-session summary. Exactly one is persisted
// per session, at termination or crash recovery.
type Digest struct {
	ID        uuid.UUID
	SessionID uuid.UUID

	GeneratedAt time.Time
	Duration    time.Duration
	Summary     string

	ApplicationsTotal      int
	ApplicationsSuccessful int
	ApplicationsFailed     int
	ApplicationsSkipped    int

	LowEffort    int
	MediumEffort int
	HighEffort   int

	TokensInput  int
	TokensOutput int
	CostEstimate float64

	Errors []string
}

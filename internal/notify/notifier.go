// Package notify delivers end-of-session digests. Delivery is fire-and-forget:
// a failed send is logged and never fails session termination.
package notify

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"applyflow-engine/internal/domain"
)

type Notifier interface {
	Send(ctx context.Context, digest domain.Digest) error
}

// LogNotifier is the fallback when no delivery channel is configured.
type LogNotifier struct{}

func (LogNotifier) Send(_ context.Context, d domain.Digest) error {
	log.Printf("[notify] digest for session %s: %s", d.SessionID, d.Summary)
	return nil
}

// FormatDigest renders the human-readable digest body.
func FormatDigest(name string, d domain.Digest) string {
	var b strings.Builder

	fmt.Fprintf(&b, "Session %q finished in %s\n", name, d.Duration.Round(time.Second))
	fmt.Fprintf(&b, "Applications: %d attempted, %d submitted, %d failed, %d skipped\n",
		d.ApplicationsTotal, d.ApplicationsSuccessful, d.ApplicationsFailed, d.ApplicationsSkipped)
	fmt.Fprintf(&b, "Effort: %d low / %d medium / %d high\n",
		d.LowEffort, d.MediumEffort, d.HighEffort)
	fmt.Fprintf(&b, "Tokens: %d in, %d out (est. $%.2f)\n",
		d.TokensInput, d.TokensOutput, d.CostEstimate)

	if len(d.Errors) > 0 {
		fmt.Fprintf(&b, "Errors (%d):\n", len(d.Errors))
		max := len(d.Errors)
		if max > 5 {
			max = 5
		}
		for _, e := range d.Errors[:max] {
			fmt.Fprintf(&b, "  - %s\n", e)
		}
	}
	return b.String()
}

package main

import (
	"context"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"applyflow-engine/internal/domain"
	"applyflow-engine/internal/pool"
	"applyflow-engine/internal/stealth"
	"applyflow-engine/internal/throttle"

	"github.com/google/uuid"
)

// simulatedExecutor stands in for the browser workflow: it paces itself
// with the destination's stealth delays and produces plausible outcomes,
// so sessions can be exercised end to end without touching real forms.
type simulatedExecutor struct {
	gate  *throttle.Throttle
	pacer *stealth.Pacer

	mu  sync.Mutex
	rng *rand.Rand
}

func newSimulatedExecutor(gate *throttle.Throttle) *simulatedExecutor {
	seed := uint64(time.Now().UnixNano())
	return &simulatedExecutor{
		gate:  gate,
		pacer: stealth.NewPacer(seed),
		rng:   rand.New(rand.NewPCG(seed, seed>>1)),
	}
}

func (s *simulatedExecutor) Execute(ctx context.Context, t domain.Task) (domain.WorkflowOutcome, error) {
	pol := s.gate.Policy(t.Domain)

	// type a handful of fields, pause between form sections
	for i := 0; i < 3; i++ {
		if err := sleepFor(ctx, s.pacer.InterActionPause(pol)); err != nil {
			return domain.WorkflowOutcome{}, err
		}
		for j := 0; j < 8; j++ {
			if err := sleepFor(ctx, s.pacer.KeystrokeDelay(pol)); err != nil {
				return domain.WorkflowOutcome{}, err
			}
		}
	}

	roll := s.roll()
	switch {
	case roll < 0.02:
		// bot-detection hit: back off the whole domain, not just this task
		s.gate.Block(t.Domain, 15*time.Minute)
		return domain.WorkflowOutcome{}, fmt.Errorf("simulated bot detection on %s", t.Domain)
	case roll < 0.05:
		return domain.WorkflowOutcome{}, pool.Transient(fmt.Errorf("simulated network timeout on %s", t.Domain))
	case roll < 0.12:
		return domain.WorkflowOutcome{
			Submitted: false,
			Detail:    "simulated form rejection",
		}, nil
	}

	tokens := s.tokensFor(t.EffortHint)
	return domain.WorkflowOutcome{
		Submitted:    true,
		EffortUsed:   t.EffortHint,
		TokensInput:  tokens,
		TokensOutput: tokens / 3,
		CostEstimate: float64(tokens) * 0.000003,
		Detail:       "simulated submission",
	}, nil
}

func (s *simulatedExecutor) roll() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rng.Float64()
}

func (s *simulatedExecutor) tokensFor(level domain.EffortLevel) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	base := 2000
	switch level {
	case domain.EffortLow:
		base = 800
	case domain.EffortHigh:
		base = 6000
	}
	return base + s.rng.IntN(base/2)
}

func sleepFor(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// deviceUserID derives a stable per-machine owner id so sessions created
// on the same machine group together.
func deviceUserID() uuid.UUID {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown-host"
	}
	return uuid.NewSHA1(uuid.NameSpaceDNS, []byte("applyflow:"+host))
}

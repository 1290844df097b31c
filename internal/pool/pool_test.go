package pool

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"applyflow-engine/internal/domain"
	"applyflow-engine/internal/effort"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type openGate struct {
	mu      sync.Mutex
	active  int
	peak    int
	results int
}

func (g *openGate) Acquire(_ context.Context, _ string) (func(), bool, string) {
	g.mu.Lock()
	g.active++
	if g.active > g.peak {
		g.peak = g.active
	}
	g.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.active--
			g.mu.Unlock()
		})
	}, true, ""
}

func (g *openGate) NoteResult(_ context.Context, _ string, _ bool) {
	g.mu.Lock()
	g.results++
	g.mu.Unlock()
}

type denyGate struct{ reason string }

func (g denyGate) Acquire(_ context.Context, _ string) (func(), bool, string) {
	return nil, false, g.reason
}
func (denyGate) NoteResult(_ context.Context, _ string, _ bool) {}

type execFunc func(ctx context.Context, t domain.Task) (domain.WorkflowOutcome, error)

func (f execFunc) Execute(ctx context.Context, t domain.Task) (domain.WorkflowOutcome, error) {
	return f(ctx, t)
}

type captureSink struct {
	mu      sync.Mutex
	results []domain.TaskResult
}

func (s *captureSink) RegisterResult(_ context.Context, r domain.TaskResult) error {
	s.mu.Lock()
	s.results = append(s.results, r)
	s.mu.Unlock()
	return nil
}

// gatedSink is a sink that also meters session budget, the way the
// controller does: a fixed number of admissions, released after the
// result registers.
type gatedSink struct {
	captureSink
	mu       sync.Mutex
	budget   int
	inflight int
	counted  int
	released atomic.Int32
}

func (s *gatedSink) AdmitTask(_ context.Context, _ uuid.UUID) (func(), bool, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.counted+s.inflight >= s.budget {
		return nil, false, "application budget exhausted"
	}
	s.inflight++
	var once sync.Once
	return func() {
		once.Do(func() {
			s.released.Add(1)
			s.mu.Lock()
			s.inflight--
			s.mu.Unlock()
		})
	}, true, ""
}

func (s *gatedSink) RegisterResult(ctx context.Context, r domain.TaskResult) error {
	if r.Status == domain.StatusSuccess || r.Status == domain.StatusFailed || r.Status == domain.StatusError {
		s.mu.Lock()
		s.counted++
		s.mu.Unlock()
	}
	return s.captureSink.RegisterResult(ctx, r)
}

func okExec() Executor {
	return execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		return domain.WorkflowOutcome{Submitted: true, TokensInput: 10, TokensOutput: 5, CostEstimate: 0.01}, nil
	})
}

func task(domainName string) domain.Task {
	return domain.Task{
		ApplicationID: uuid.New(),
		SessionID:     uuid.New(),
		URL:           "https://" + domainName + "/jobs/1",
		Domain:        domainName,
		EffortHint:    domain.EffortMedium,
	}
}

func noSleep(p *Pool) { p.sleep = func(context.Context, time.Duration) error { return nil } }

func TestRunBatchAllComplete(t *testing.T) {
	t.Parallel()

	gate := &openGate{}
	sink := &captureSink{}
	p := New(Options{Workers: 3}, gate, okExec(), nil, sink)
	defer p.Shutdown(context.Background())

	tasks := make([]domain.Task, 9)
	for i := range tasks {
		tasks[i] = task("example.com")
	}

	results := p.RunBatch(context.Background(), tasks)
	require.Len(t, results, 9)
	for _, r := range results {
		assert.Equal(t, domain.StatusSuccess, r.Status)
		assert.Equal(t, 1, r.Attempts)
	}
	assert.Len(t, sink.results, 9)
	assert.Equal(t, 9, gate.results)
	assert.Zero(t, gate.active, "every slot must be released")
}

func TestWorkerCountBoundsParallelism(t *testing.T) {
	t.Parallel()

	gate := &openGate{}
	started := make(chan struct{}, 16)
	release := make(chan struct{})
	exec := execFunc(func(ctx context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		started <- struct{}{}
		<-release
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	p := New(Options{Workers: 2}, gate, exec, nil, nil)
	defer p.Shutdown(context.Background())

	var chans []<-chan domain.TaskResult
	for i := 0; i < 6; i++ {
		chans = append(chans, p.Submit(context.Background(), task("example.com")))
	}

	// exactly the worker count starts concurrently
	<-started
	<-started
	select {
	case <-started:
		t.Fatal("third task started with only 2 workers")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	for _, ch := range chans {
		r := <-ch
		assert.Equal(t, domain.StatusSuccess, r.Status)
	}
	assert.Equal(t, 2, gate.peak)
}

func TestThrottleDenialSkipsWithoutRetry(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		calls.Add(1)
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	p := New(Options{Workers: 1}, denyGate{reason: "daily limit reached (5/5)"}, exec, nil, nil)
	defer p.Shutdown(context.Background())

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusSkipped, r.Status)
	assert.Equal(t, "daily limit reached (5/5)", r.Reason)
	assert.Zero(t, calls.Load(), "denied task must not execute")
}

func TestTransientFailureRetriesWithCap(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		calls.Add(1)
		return domain.WorkflowOutcome{}, Transient(errors.New("gateway timeout"))
	})

	p := New(Options{Workers: 1, MaxAttempts: 3}, &openGate{}, exec, nil, nil)
	noSleep(p)
	defer p.Shutdown(context.Background())

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusError, r.Status)
	assert.Equal(t, 3, r.Attempts)
	assert.Equal(t, int32(3), calls.Load())
	assert.Contains(t, r.Reason, "retries exhausted")
}

func TestTransientFailureThenSuccess(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		if calls.Add(1) < 3 {
			return domain.WorkflowOutcome{}, Transient(errors.New("connection reset"))
		}
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	p := New(Options{Workers: 1, MaxAttempts: 3}, &openGate{}, exec, nil, nil)
	noSleep(p)
	defer p.Shutdown(context.Background())

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusSuccess, r.Status)
	assert.Equal(t, 3, r.Attempts)
}

func TestPermanentFailureNeverRetries(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		calls.Add(1)
		return domain.WorkflowOutcome{}, errors.New("form rejected the resume")
	})

	p := New(Options{Workers: 1, MaxAttempts: 3}, &openGate{}, exec, nil, nil)
	noSleep(p)
	defer p.Shutdown(context.Background())

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusFailed, r.Status)
	assert.Equal(t, int32(1), calls.Load())
}

func TestWorkerCrashIsIsolated(t *testing.T) {
	t.Parallel()

	gate := &openGate{}
	var calls atomic.Int32
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		if calls.Add(1) == 1 {
			panic("boom")
		}
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	p := New(Options{Workers: 1}, gate, exec, nil, nil)
	defer p.Shutdown(context.Background())

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusError, r.Status)
	assert.Contains(t, r.Reason, "worker crash")

	// same worker keeps serving
	r = <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusSuccess, r.Status)

	assert.Zero(t, gate.active, "crashed task must still release its slot")
}

func TestAttemptTimeoutIsTransient(t *testing.T) {
	t.Parallel()

	exec := execFunc(func(ctx context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		<-ctx.Done()
		return domain.WorkflowOutcome{}, ctx.Err()
	})

	p := New(Options{Workers: 1, MaxAttempts: 2, TaskTimeout: 10 * time.Millisecond}, &openGate{}, exec, nil, nil)
	noSleep(p)
	defer p.Shutdown(context.Background())

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusError, r.Status)
	assert.Equal(t, 2, r.Attempts)
}

func TestEffortPlannerSkipShortCircuits(t *testing.T) {
	t.Parallel()

	planner := effort.New(nil, nil, []effort.SkipRule{{
		When:   []effort.Condition{{Field: effort.FieldMatchScore, Op: effort.OpLT, Value: 0.2}},
		Reason: "match below floor",
	}})

	gate := &openGate{}
	p := New(Options{Workers: 1}, gate, okExec(), planner, nil)
	defer p.Shutdown(context.Background())

	tk := task("example.com")
	tk.MatchScore = 0.1

	r := <-p.Submit(context.Background(), tk)
	assert.Equal(t, domain.StatusSkipped, r.Status)
	assert.Equal(t, "match below floor", r.Reason)
	assert.Zero(t, gate.results, "skip must not claim a domain slot")
}

func TestSessionDenialSkipsBeforeExecution(t *testing.T) {
	t.Parallel()

	var calls atomic.Int32
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		calls.Add(1)
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	sink := &gatedSink{budget: 0}
	p := New(Options{Workers: 1}, &openGate{}, exec, nil, sink)
	defer p.Shutdown(context.Background())

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusSkipped, r.Status)
	assert.Equal(t, "application budget exhausted", r.Reason)
	assert.Zero(t, calls.Load(), "denied task must not execute")

	// the skip still lands in the sink so the session log sees it
	sink.captureSink.mu.Lock()
	defer sink.captureSink.mu.Unlock()
	require.Len(t, sink.captureSink.results, 1)
	assert.Equal(t, domain.StatusSkipped, sink.captureSink.results[0].Status)
}

func TestSessionBudgetHoldsAcrossWorkers(t *testing.T) {
	t.Parallel()

	// 3 tasks, budget 2, 2 workers. Both admitted tasks are held in
	// flight together, so the third is dispatched while the budget is
	// fully reserved and must be turned away without executing.
	var calls atomic.Int32
	ready := make(chan struct{})
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		if calls.Add(1) == 2 {
			close(ready)
		}
		<-ready
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	sink := &gatedSink{budget: 2}
	p := New(Options{Workers: 2}, &openGate{}, exec, nil, sink)
	defer p.Shutdown(context.Background())

	results := p.RunBatch(context.Background(), []domain.Task{
		task("a.com"), task("b.com"), task("c.com"),
	})
	require.Len(t, results, 3)

	var success, skipped int
	for _, r := range results {
		switch r.Status {
		case domain.StatusSuccess:
			success++
		case domain.StatusSkipped:
			skipped++
		}
	}
	assert.Equal(t, 2, success)
	assert.Equal(t, 1, skipped)
	assert.Equal(t, int32(2), calls.Load(), "only admitted tasks may execute")
	assert.Equal(t, int32(2), sink.released.Load(), "each admission released exactly once")
}

func TestSubmitAfterShutdown(t *testing.T) {
	t.Parallel()

	p := New(Options{Workers: 1}, &openGate{}, okExec(), nil, nil)
	require.NoError(t, p.Shutdown(context.Background()))

	r := <-p.Submit(context.Background(), task("example.com"))
	assert.Equal(t, domain.StatusSkipped, r.Status)
}

func TestSubmitRacingShutdownNeverStrands(t *testing.T) {
	t.Parallel()

	p := New(Options{Workers: 2, QueueSize: 8}, &openGate{}, okExec(), nil, nil)

	// Reproduce the narrowest interleaving: quit is closed and the workers
	// have exited, but Submit has not yet observed closed. Its select can
	// then win the queue arm against a queue no one reads; every such
	// enqueue must still produce a result.
	close(p.quit)
	p.wg.Wait()

	for i := 0; i < 50; i++ {
		select {
		case r := <-p.Submit(context.Background(), task("example.com")):
			assert.Equal(t, domain.StatusSkipped, r.Status)
		case <-time.After(time.Second):
			t.Fatal("submitted task stranded in the queue")
		}
	}
}

func TestShutdownFailsQueuedTasks(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		<-release
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	p := New(Options{Workers: 1, QueueSize: 4}, &openGate{}, exec, nil, nil)

	running := p.Submit(context.Background(), task("example.com"))
	queued := p.Submit(context.Background(), task("example.com"))

	done := make(chan error, 1)
	go func() { done <- p.Shutdown(context.Background()) }()

	r := <-queued
	assert.Equal(t, domain.StatusSkipped, r.Status)
	assert.Contains(t, r.Reason, "shutting down")

	close(release)
	require.NoError(t, <-done)
	r = <-running
	assert.Equal(t, domain.StatusSuccess, r.Status)
}

func TestCancelledContextAbandonsBeforeDispatch(t *testing.T) {
	t.Parallel()

	sink := &captureSink{}
	release := make(chan struct{})
	exec := execFunc(func(_ context.Context, _ domain.Task) (domain.WorkflowOutcome, error) {
		<-release
		return domain.WorkflowOutcome{Submitted: true}, nil
	})

	// one worker busy, queue full, so the next submit has to wait
	p := New(Options{Workers: 1, QueueSize: 1}, &openGate{}, exec, nil, sink)
	defer func() {
		close(release)
		p.Shutdown(context.Background())
	}()

	first := p.Submit(context.Background(), task("example.com"))
	second := p.Submit(context.Background(), task("example.com")) // fills the queue

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	r := <-p.Submit(ctx, task("example.com"))
	assert.Equal(t, domain.StatusSkipped, r.Status)
	assert.Contains(t, r.Reason, "abandoned before dispatch")

	_ = first
	_ = second
}

// Package pool runs application tasks on a fixed set of long-lived workers.
// Workers are reused across tasks; a crash inside one task is contained at
// the task boundary and never takes down the pool.
package pool

import (
	"context"
	"fmt"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"applyflow-engine/internal/domain"
	"applyflow-engine/internal/effort"

	"github.com/google/uuid"
)

// Executor is the externally supplied application workflow (matching,
// generation, form filling). One call is one attempt.
type Executor interface {
	Execute(ctx context.Context, task domain.Task) (domain.WorkflowOutcome, error)
}

// Gate admits or denies a task against its destination domain. Implemented
// by the domain throttle.
type Gate interface {
	Acquire(ctx context.Context, domainName string) (release func(), ok bool, reason string)
	NoteResult(ctx context.Context, domainName string, success bool)
}

// ResultSink receives every finished result. Implemented by the session
// controller; its registration path is the single point where session
// counters move.
type ResultSink interface {
	RegisterResult(ctx context.Context, r domain.TaskResult) error
}

// SessionGate reserves session budget before a task executes. A sink that
// also implements it is consulted at dispatch, so a task whose session is
// already terminal or out of budget is skipped instead of executed. The
// release func returns the reservation; the pool calls it only after the
// result has been registered, so budget can never be handed out twice
// between a task finishing and its counters landing.
type SessionGate interface {
	AdmitTask(ctx context.Context, sessionID uuid.UUID) (release func(), ok bool, reason string)
}

type Options struct {
	Workers     int
	QueueSize   int
	MaxAttempts int
	BackoffBase time.Duration
	TaskTimeout time.Duration
}

func (o Options) withDefaults() Options {
	if o.Workers <= 0 {
		o.Workers = 5
	}
	if o.QueueSize <= 0 {
		o.QueueSize = o.Workers * 4
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = 3
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = time.Second
	}
	return o
}

type job struct {
	ctx  context.Context
	task domain.Task
	out  chan domain.TaskResult
}

type Pool struct {
	opts    Options
	gate    Gate
	exec    Executor
	planner *effort.Planner // optional
	sink    ResultSink      // optional

	queue  chan job
	quit   chan struct{}
	wg     sync.WaitGroup
	closed atomic.Bool

	sleep func(ctx context.Context, d time.Duration) error // test seam
}

func New(opts Options, gate Gate, exec Executor, planner *effort.Planner, sink ResultSink) *Pool {
	opts = opts.withDefaults()
	p := &Pool{
		opts:    opts,
		gate:    gate,
		exec:    exec,
		planner: planner,
		sink:    sink,
		queue:   make(chan job, opts.QueueSize),
		quit:    make(chan struct{}),
		sleep:   sleepCtx,
	}

	for i := 0; i < opts.Workers; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
	return p
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()

	for {
		select {
		case <-p.quit:
			return
		case j := <-p.queue:
			j.out <- p.run(j.ctx, j.task)
		}
	}
}

// Submit queues one task and returns a channel that will carry its result.
// A task the session abandons before dispatch yields a skipped result that
// is never registered with the sink.
func (p *Pool) Submit(ctx context.Context, t domain.Task) <-chan domain.TaskResult {
	out := make(chan domain.TaskResult, 1)

	if p.closed.Load() {
		out <- undispatched(t, "pool shut down")
		return out
	}

	select {
	case p.queue <- job{ctx: ctx, task: t, out: out}:
		// The enqueue can race shutdown: if quit closed first, the select
		// above picks an arm at random and the shutdown drain may already
		// be past the queue. Pull one job back out so nothing waits on a
		// queue no worker will ever read again.
		select {
		case <-p.quit:
			select {
			case j := <-p.queue:
				j.out <- undispatched(j.task, "pool shut down")
			default:
			}
		default:
		}
	case <-ctx.Done():
		out <- undispatched(t, "abandoned before dispatch")
	case <-p.quit:
		out <- undispatched(t, "pool shut down")
	}
	return out
}

// RunBatch submits every task and waits for all results. Completion order is
// whatever order tasks finish in; callers correlate by ApplicationID.
func (p *Pool) RunBatch(ctx context.Context, tasks []domain.Task) []domain.TaskResult {
	chans := make([]<-chan domain.TaskResult, 0, len(tasks))
	for _, t := range tasks {
		chans = append(chans, p.Submit(ctx, t))
	}

	out := make([]domain.TaskResult, 0, len(tasks))
	for _, ch := range chans {
		out = append(out, <-ch)
	}
	return out
}

// Shutdown stops new work, fails queued-but-undispatched tasks as skipped,
// and waits for in-flight tasks to finish (or ctx to expire). Every task
// that claimed a domain slot releases it before its worker returns.
func (p *Pool) Shutdown(ctx context.Context) error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(p.quit)

	// drain tasks that never reached a worker
	for {
		select {
		case j := <-p.queue:
			j.out <- undispatched(j.task, "pool shutting down")
			continue
		default:
		}
		break
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		// workers are gone; fail anything a racing Submit slipped in
		// after the first drain
		for {
			select {
			case j := <-p.queue:
				j.out <- undispatched(j.task, "pool shutting down")
			default:
				return nil
			}
		}
	case <-ctx.Done():
		return fmt.Errorf("pool shutdown: %w", ctx.Err())
	}
}

func undispatched(t domain.Task, reason string) domain.TaskResult {
	return domain.TaskResult{
		ApplicationID: t.ApplicationID,
		SessionID:     t.SessionID,
		Domain:        t.Domain,
		Status:        domain.StatusSkipped,
		Effort:        t.EffortHint,
		Reason:        reason,
	}
}

// run executes one task end to end: session admission, effort planning,
// domain admission, then the workflow with retry. Panics are converted to an
// error result here so the worker goroutine survives. The finalizer
// registers the result before the session reservation is released.
func (p *Pool) run(ctx context.Context, t domain.Task) (res domain.TaskResult) {
	start := time.Now()
	res = domain.TaskResult{
		ApplicationID: t.ApplicationID,
		SessionID:     t.SessionID,
		Domain:        t.Domain,
		Effort:        t.EffortHint,
	}
	var sessionRelease func()
	defer func() {
		if r := recover(); r != nil {
			res.Status = domain.StatusError
			res.Reason = fmt.Sprintf("worker crash: %v", r)
		}
		res.Duration = time.Since(start)
		if p.sink != nil {
			if err := p.sink.RegisterResult(ctx, res); err != nil {
				log.Printf("[pool] register result %s: %v", res.ApplicationID, err)
			}
		}
		if sessionRelease != nil {
			sessionRelease()
		}
	}()

	if res.Effort == "" {
		res.Effort = domain.EffortMedium
	}

	if sg, ok := p.sink.(SessionGate); ok {
		rel, admitted, reason := sg.AdmitTask(ctx, t.SessionID)
		if !admitted {
			res.Status = domain.StatusSkipped
			res.Reason = reason
			return res
		}
		sessionRelease = rel
	}

	if p.planner != nil {
		d := p.planner.Decide(effort.Input{
			MatchScore:  t.MatchScore,
			CompanyTier: t.CompanyTier,
			EffortHint:  t.EffortHint,
		})
		if d.Skip {
			res.Status = domain.StatusSkipped
			res.Reason = d.Reason
			return res
		}
		res.Effort = d.Level
		t.EffortHint = d.Level
	}

	release, ok, reason := p.gate.Acquire(ctx, t.Domain)
	if !ok {
		res.Status = domain.StatusSkipped
		res.Reason = reason
		return res
	}
	defer release()

	p.execute(ctx, t, &res)
	p.gate.NoteResult(ctx, t.Domain, res.Status == domain.StatusSuccess)
	return res
}

func (p *Pool) execute(ctx context.Context, t domain.Task, res *domain.TaskResult) {
	for attempt := 1; ; attempt++ {
		res.Attempts = attempt

		out, err := p.attempt(ctx, t)
		res.TokensInput += out.TokensInput
		res.TokensOutput += out.TokensOutput
		res.CostEstimate += out.CostEstimate
		if out.EffortUsed != "" {
			res.Effort = out.EffortUsed
		}

		if err == nil {
			if out.Submitted {
				res.Status = domain.StatusSuccess
				return
			}
			// workflow reported an unrecoverable failure; retrying won't help
			res.Status = domain.StatusFailed
			res.Reason = out.Detail
			return
		}

		if ctx.Err() != nil {
			res.Status = domain.StatusError
			res.Reason = "canceled: " + err.Error()
			return
		}

		if !IsTransient(err) {
			res.Status = domain.StatusFailed
			res.Reason = err.Error()
			return
		}

		if attempt >= p.opts.MaxAttempts {
			res.Status = domain.StatusError
			res.Reason = fmt.Sprintf("retries exhausted after %d attempts: %v", attempt, err)
			return
		}

		delay := p.opts.BackoffBase << (attempt - 1)
		log.Printf("[pool] %s attempt %d failed (%v), retrying in %s", t.ApplicationID, attempt, err, delay)
		if serr := p.sleep(ctx, delay); serr != nil {
			res.Status = domain.StatusError
			res.Reason = "canceled during backoff"
			return
		}
	}
}

func (p *Pool) attempt(ctx context.Context, t domain.Task) (domain.WorkflowOutcome, error) {
	actx := ctx
	if p.opts.TaskTimeout > 0 {
		var cancel context.CancelFunc
		actx, cancel = context.WithTimeout(ctx, p.opts.TaskTimeout)
		defer cancel()
	}
	return p.exec.Execute(actx, t)
}

// Package executor implements the worker pool that dequeues execution
// requests, runs evaluate/remediate, and posts responses (spec §4.4).
package executor

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/compliance/queue"
	"github.com/amzn/acme-compliance-agent/internal/logging"
)

// Mode selects how an executor runs its evaluate/remediate call. Only
// ModeInProcess is implemented; ModeForked is reserved per SPEC_FULL.md's
// Open Question decision (goroutine supervision with panic/error
// boundaries stands in for the original's forked-process isolation).
type Mode int

const (
	ModeInProcess Mode = iota
	ModeForked
)

// pollTimeout is how long an executor blocks on an empty execution queue
// before re-checking shouldRun (spec §5 "Queue polls time out in ~500 ms to
// keep shutdown responsive").
const pollTimeout = 500 * time.Millisecond

// Executor is a single worker unit (spec §4.4 "Executor run loop"). It owns
// an idle TTL and a shared shouldRun flag; ModeForked's cross-process log
// and event tunneling queues are not implemented (see Mode).
type Executor struct {
	Name       string
	idleTTL    time.Duration
	requests   *queue.Queue[queue.ExecutionRequest]
	responses  *queue.Queue[queue.ExecutionResponse]
	shouldRun  int32
	lastActive atomic.Value // time.Time
	log        *logging.Logger

	mu      sync.Mutex
	running bool
}

// New creates an Executor. It does not start running until Run is called in
// its own goroutine.
func New(name string, idleTTL time.Duration, requests *queue.Queue[queue.ExecutionRequest], responses *queue.Queue[queue.ExecutionResponse], log *logging.Logger) *Executor {
	e := &Executor{
		Name:      name,
		idleTTL:   idleTTL,
		requests:  requests,
		responses: responses,
		shouldRun: 1,
		log:       log,
	}
	e.lastActive.Store(time.Now())
	return e
}

// Stop signals the executor to exit after its current iteration (spec §5
// "shouldRun=false initiates graceful shutdown").
func (e *Executor) Stop() {
	atomic.StoreInt32(&e.shouldRun, 0)
}

// IsAlive reports whether the executor's run loop is still executing (spec
// §5 "the controller ... polls isAlive until quiescent").
func (e *Executor) IsAlive() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.running
}

// Idle reports whether the executor has had no work since idleTTL ago
// (spec §4.4 executor sizing: "preferring already-idle executors").
func (e *Executor) Idle(now time.Time) bool {
	last, _ := e.lastActive.Load().(time.Time)
	return now.Sub(last) >= e.idleTTL
}

// Run is the executor's loop (spec §4.4 "Executor run loop"). It blocks
// until shouldRun is cleared or the idle TTL elapses with no work, then
// returns. Callers run this in its own goroutine.
func (e *Executor) Run(ctx context.Context) {
	e.mu.Lock()
	e.running = true
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		e.running = false
		e.mu.Unlock()
	}()

	for {
		if atomic.LoadInt32(&e.shouldRun) == 0 {
			return
		}
		if e.Idle(time.Now()) {
			return
		}

		req, ok := e.requests.TryGet(pollTimeout)
		if !ok {
			select {
			case <-ctx.Done():
				return
			default:
			}
			continue
		}

		e.lastActive.Store(time.Now())
		e.runRequest(ctx, req)
	}
}

// runRequest executes a single request end to end (spec §4.4 steps 4-7):
// mark executing, post a best-effort progress response, invoke
// evaluate/remediate under the module's optional execution lock, then post
// a terminal response. Any panic from the evaluator is already contained by
// module.Module.Evaluate/Remediate; this method additionally guards against
// a panic escaping the executor loop itself (spec §4.4 "the executor never
// crashes the pool on a module fault").
func (e *Executor) runRequest(ctx context.Context, req queue.ExecutionRequest) {
	defer func() {
		if r := recover(); r != nil && e.log != nil {
			e.log.WithField("panic", fmt.Sprintf("%v", r)).
				WithField("module", req.ModuleSnapshot.Identifier).
				Error("executor iteration recovered from panic")
		}
	}()

	m := req.ModuleSnapshot
	switch req.Action {
	case module.ActionEvaluation:
		m.Status = module.StatusEvaluating
	case module.ActionRemediation:
		m.Status = module.StatusRemediating
	}

	e.postResponse(ctx, req, module.ExecutionNone)

	if locker := m.ExecLock; locker != nil {
		locker.Lock()
		defer locker.Unlock()
	}

	var status module.ExecutionStatus
	switch req.Action {
	case module.ActionEvaluation:
		result := m.Evaluate(req.Trigger, req.Data, module.DefaultRehash, func(err error) {
			if e.log != nil {
				e.log.WithError(err).Warn("compliance change callback failed")
			}
		})
		status = result.ExecutionStatus
	case module.ActionRemediation:
		result := m.Remediate(req.Trigger, req.Data)
		status = result.ExecutionStatus
	default:
		status = module.ExecutionError
	}

	m.Status = module.StatusIdle
	e.postResponse(ctx, req, status)
}

// postResponse pushes a response; failures are logged and ignored (spec
// §4.4 step 4 "best-effort, ignored if serialization fails").
func (e *Executor) postResponse(ctx context.Context, req queue.ExecutionRequest, status module.ExecutionStatus) {
	resp := queue.ExecutionResponse{
		RequestUUID:     req.UUID,
		RequestQueueKey: req.QueueKey(),
		ExecutionStatus: status,
		ModuleSnapshot:  req.ModuleSnapshot.Clone(),
	}
	putCtx, cancel := context.WithTimeout(ctx, pollTimeout)
	defer cancel()
	if err := e.responses.Put(putCtx, resp); err != nil && e.log != nil {
		e.log.WithError(err).Warn("failed to post execution response")
	}
}

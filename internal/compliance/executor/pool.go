package executor

import (
	"context"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/queue"
	"github.com/amzn/acme-compliance-agent/internal/logging"
)

// Config controls pool sizing and executor lifetime (spec §4.4).
type Config struct {
	MaxNumExecutors int
	IdleTTL         time.Duration
	ExecutionSLA    time.Duration
	ShutdownWait    time.Duration
}

// Pool owns a set of named Executors and reconciles their count to the
// overqueue-heuristic ideal on every controller tick (spec §4.4, §8
// testable property 4).
type Pool struct {
	cfg       Config
	requests  *queue.Queue[queue.ExecutionRequest]
	responses *queue.Queue[queue.ExecutionResponse]
	log       *logging.Logger

	mu        sync.Mutex
	executors map[string]*Executor
	cancels   map[string]context.CancelFunc
	next      int
}

// NewPool creates a Pool bound to the given request/response queues.
func NewPool(cfg Config, requests *queue.Queue[queue.ExecutionRequest], responses *queue.Queue[queue.ExecutionResponse], log *logging.Logger) *Pool {
	if log == nil {
		log = logging.NewFromEnv("compliance.executor")
	}
	return &Pool{
		cfg:       cfg,
		requests:  requests,
		responses: responses,
		log:       log,
		executors: make(map[string]*Executor),
		cancels:   make(map[string]context.CancelFunc),
	}
}

// IdealCount implements the overqueue heuristic (spec §4.4). n is
// len(moduleQueueData); overqueued is the count from Tracker.Overqueued;
// currentCount is the pool's current executor count.
func IdealCount(n, maxNumExecutors, overqueued, currentCount int) int {
	var ideal int
	switch {
	case n == 0:
		ideal = 0
	case n < maxNumExecutors:
		ideal = int(math.Ceil(float64(n) / 3))
	default:
		ideal = n
	}

	if ideal < maxNumExecutors && overqueued > 0 {
		switch {
		case currentCount == ideal:
			ideal = currentCount + overqueued
		case currentCount > ideal:
			ideal = currentCount
		}
	}

	if ideal > n {
		ideal = n
	}
	if ideal > maxNumExecutors {
		ideal = maxNumExecutors
	}
	return ideal
}

// Count returns the current number of live executors.
func (p *Pool) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.executors)
}

// Reconcile scales the pool to ideal, preferring to shut down already-idle
// executors first when shrinking (spec §4.4 "preferring already-idle
// executors, then any non-stopping executor").
func (p *Pool) Reconcile(ctx context.Context, ideal int) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.pruneDeadLocked()

	current := len(p.executors)
	switch {
	case current < ideal:
		for i := 0; i < ideal-current; i++ {
			p.spawnLocked(ctx)
		}
	case current > ideal:
		p.shrinkLocked(current - ideal)
	}
}

// pruneDeadLocked drops bookkeeping for executors whose Run loop already
// returned (spec §4.7 step 1 "manageExecutionThreads() — prune dead
// executors").
func (p *Pool) pruneDeadLocked() {
	for name, ex := range p.executors {
		if !ex.IsAlive() {
			delete(p.executors, name)
			delete(p.cancels, name)
		}
	}
}

func (p *Pool) spawnLocked(ctx context.Context) {
	p.next++
	name := fmt.Sprintf("executor-%d", p.next)
	execCtx, cancel := context.WithCancel(ctx)
	ex := New(name, p.cfg.IdleTTL, p.requests, p.responses, p.log.With(name))
	p.executors[name] = ex
	p.cancels[name] = cancel
	go ex.Run(execCtx)
}

// shrinkLocked stops count executors, preferring idle ones.
func (p *Pool) shrinkLocked(count int) {
	now := time.Now()
	names := make([]string, 0, len(p.executors))
	for name := range p.executors {
		names = append(names, name)
	}

	var idle, busy []string
	for _, name := range names {
		if p.executors[name].Idle(now) {
			idle = append(idle, name)
		} else {
			busy = append(busy, name)
		}
	}
	victims := append(idle, busy...)

	for i := 0; i < count && i < len(victims); i++ {
		name := victims[i]
		p.executors[name].Stop()
		if cancel, ok := p.cancels[name]; ok {
			cancel()
		}
	}
}

// Shutdown stops every executor and waits up to ShutdownWait, polling
// isAlive, for them to quiesce (spec §5 "the controller waits
// EXECUTOR_SHUTDOWN_WAIT_TIME (1 s) and polls isAlive until quiescent").
func (p *Pool) Shutdown() {
	p.mu.Lock()
	for name, ex := range p.executors {
		ex.Stop()
		if cancel, ok := p.cancels[name]; ok {
			cancel()
		}
	}
	p.mu.Unlock()

	deadline := time.Now().Add(p.cfg.ShutdownWait)
	for time.Now().Before(deadline) {
		if p.allQuiescent() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func (p *Pool) allQuiescent() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, ex := range p.executors {
		if ex.IsAlive() {
			return false
		}
	}
	return true
}

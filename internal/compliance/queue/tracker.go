package queue

import (
	"context"
	"sync"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
)

// trackedEntry is what Tracker keeps in moduleQueueData (spec §4.4): the
// in-flight request plus when it was accepted, so a later request for the
// same key can be judged against requeueThreshold.
type trackedEntry struct {
	request ExecutionRequest
	date    time.Time
}

// Tracker owns the execution queue plus the moduleQueueData bookkeeping
// that makes tryQueueRequest idempotent within requeueThreshold (spec §4.4,
// §8 testable property 1). It is the producer side the controller drives;
// executors only ever see the underlying Queue via Requests().
type Tracker struct {
	mu               sync.Mutex
	queued           map[string]trackedEntry
	executionQueue   *Queue[ExecutionRequest]
	requeueThreshold time.Duration
}

// defaultExecutionQueueCapacity bounds the execution queue's channel buffer.
// Spec §4.4 describes the queue as "bounded only by memory" — a real
// process still wants a concrete buffer rather than an unbounded channel, so
// this is sized generously above any realistic in-flight module count
// rather than left unbounded.
const defaultExecutionQueueCapacity = 4096

// NewTracker creates a Tracker with the given requeue threshold (spec §4.4
// default 10 min) and a buffered execution queue. A synchronous (unbuffered)
// queue would deadlock the controller's tick: TryQueueRequest's Put runs on
// the controller's goroutine using the controller's long-lived Run context,
// and at cold start (or whenever every executor is busy) there is no reader
// standing by to receive, so Put would block forever and Tick would never
// return. Buffering lets Put succeed immediately and leaves draining to the
// executor pool, matching how the response queue (daemon.go) is already
// buffered.
func NewTracker(requeueThreshold time.Duration) *Tracker {
	if requeueThreshold <= 0 {
		requeueThreshold = 10 * time.Minute
	}
	return &Tracker{
		queued:           make(map[string]trackedEntry),
		executionQueue:   New[ExecutionRequest](defaultExecutionQueueCapacity),
		requeueThreshold: requeueThreshold,
	}
}

// Requests exposes the underlying execution queue for executors to poll.
func (t *Tracker) Requests() *Queue[ExecutionRequest] {
	return t.executionQueue
}

// TryQueueRequest implements tryQueueRequest (spec §4.4): if the queue key
// is already tracked and younger than requeueThreshold, it is a no-op
// (idempotent). Otherwise it stores the request, sets the module's status
// to QUEUED, and enqueues a deep copy. On any failure to enqueue, the
// module's status is rolled back to IDLE (spec §4.4, §7 "infrastructure
// failure").
func (t *Tracker) TryQueueRequest(ctx context.Context, m *module.Module, trigger module.Trigger, action module.Action, data interface{}, now time.Time) (queued bool, err error) {
	key := m.QueueKey(trigger)

	t.mu.Lock()
	if existing, ok := t.queued[key]; ok && now.Sub(existing.date) < t.requeueThreshold {
		t.mu.Unlock()
		return false, nil
	}

	req := ExecutionRequest{
		UUID:           module.NewRequestUUID(),
		ModuleSnapshot: m.Clone(),
		Trigger:        trigger,
		Action:         action,
		Data:           data,
		Date:           now,
	}
	t.queued[key] = trackedEntry{request: req, date: now}
	t.mu.Unlock()

	m.Status = module.StatusQueued

	if err := t.executionQueue.Put(ctx, req.Clone()); err != nil {
		t.mu.Lock()
		delete(t.queued, key)
		t.mu.Unlock()
		m.Status = module.StatusIdle
		return false, err
	}
	return true, nil
}

// Release removes key from moduleQueueData once its terminal response has
// been processed (spec §4.7 step 4 "if the live module is now IDLE, remove
// the queue entry").
func (t *Tracker) Release(key string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.queued, key)
}

// Len returns the number of in-flight tracked requests (`len(moduleQueueData)`
// in the overqueue heuristic, spec §4.4).
func (t *Tracker) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queued)
}

// Overqueued counts tracked requests whose age has exceeded executionSLA
// (spec §4.4 "overqueued = count of requests with status==QUEUED and
// date+EXECUTION_SLA(15s) <= now"). The request's ModuleSnapshot is frozen
// at the moment it was queued (TryQueueRequest takes the clone before
// setting the live module to QUEUED), so it can never reflect a status
// transition and is not useful here. Release is the only thing that removes
// an entry from moduleQueueData, and it only runs once the live module has
// returned to IDLE (spec §4.7 step 4) — so every entry still tracked here is
// still in flight (QUEUED or EXECUTING), and aging it against date is
// exactly the overqueue signal the heuristic wants.
func (t *Tracker) Overqueued(executionSLA time.Duration, now time.Time) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	count := 0
	for _, entry := range t.queued {
		if !entry.date.Add(executionSLA).After(now) {
			count++
		}
	}
	return count
}

// Clone returns a deep-enough copy of the request for crossing into the
// execution queue: ModuleSnapshot is cloned again, while Data is passed
// through by reference — it is the caller-supplied request payload, not
// registry-owned state.
func (r ExecutionRequest) Clone() ExecutionRequest {
	clone := r
	if r.ModuleSnapshot != nil {
		clone.ModuleSnapshot = r.ModuleSnapshot.Clone()
	}
	return clone
}

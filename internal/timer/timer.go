// Package timer implements the Recurring Timer used by the registration
// manager and by each configuration-controller sub-module (spec §4.3): a
// base-frequency timer with uniform jitter and
// exponential backoff on handler failure. Grounded on the teacher's
// infrastructure/resilience retry/backoff helpers, generalized here into a
// standing, cancelable timer rather than a one-shot retry loop.
package timer

import (
	"math/rand"
	"sync"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/logging"
)

// DeferredError lets a Handler override the timer's next fire interval
// without it counting as a consecutive failure (spec §4.3 "Handler may
// raise a DeferredTimerException(nextFrequency) to override the next fire
// without counting as failure"). Used for registrar/installer throttling
// responses that carry a `throttled_until` hint.
type DeferredError struct {
	NextFrequency time.Duration
}

func (e *DeferredError) Error() string { return "timer: deferred to a specific next frequency" }

// Handler is invoked on every tick. A non-nil, non-DeferredError return
// counts as a consecutive failure for backoff purposes.
type Handler func() error

// Config controls a Timer's cadence (spec §4.3).
type Config struct {
	BaseFrequency     time.Duration
	Skew              time.Duration
	RetryFrequency    time.Duration
	MaxRetryFrequency time.Duration
}

// Timer fires Handler on BaseFrequency plus a re-rolled uniform skew, and
// backs off exponentially on consecutive handler failures (spec §4.3).
// cancel()/reset() are race-free via mu.
type Timer struct {
	cfg     Config
	handler Handler
	log     *logging.Logger

	mu        sync.Mutex
	failures  int
	cancelled bool
	timer     *time.Timer
	done      chan struct{}
}

// New creates a Timer. It does not start firing until Start is called.
func New(cfg Config, handler Handler, log *logging.Logger) *Timer {
	if log == nil {
		log = logging.NewFromEnv("timer")
	}
	return &Timer{
		cfg:     cfg,
		handler: handler,
		log:     log,
		done:    make(chan struct{}),
	}
}

// Start begins firing on a goroutine. The first fire is scheduled
// immediately with a skewed base frequency.
func (t *Timer) Start() {
	t.scheduleNext(t.skewedFrequency())
}

func (t *Timer) skewedFrequency() time.Duration {
	freq := t.cfg.BaseFrequency
	if t.cfg.Skew > 0 {
		freq += rollSkew(t.cfg.Skew)
	}
	if freq < 0 {
		freq = 0
	}
	return freq
}

// rollSkew draws uniformly from [-skew/2, +skew/2] (spec §4.3, §8 testable
// property 6).
func rollSkew(skew time.Duration) time.Duration {
	half := float64(skew) / 2
	return time.Duration(rand.Float64()*2*half - half)
}

func (t *Timer) scheduleNext(after time.Duration) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	if t.timer != nil {
		t.timer.Stop()
	}
	t.timer = time.AfterFunc(after, t.fire)
}

// fire runs the handler, computes the next interval from its outcome, and
// reschedules.
func (t *Timer) fire() {
	t.mu.Lock()
	if t.cancelled {
		t.mu.Unlock()
		return
	}
	t.mu.Unlock()

	err := t.runHandler()

	next := t.nextInterval(err)
	t.scheduleNext(next)
}

// panicError wraps a recovered handler panic so it is counted as an
// ordinary consecutive failure rather than a DeferredError override.
type panicError struct{ value interface{} }

func (e *panicError) Error() string { return "timer: handler panicked" }

func (t *Timer) runHandler() (err error) {
	defer func() {
		if r := recover(); r != nil {
			t.log.WithField("panic", r).Error("timer handler panicked")
			err = &panicError{value: r}
		}
	}()
	return t.handler()
}

// nextInterval implements the backoff/deferred/success branches of spec
// §4.3.
func (t *Timer) nextInterval(err error) time.Duration {
	if err == nil {
		t.mu.Lock()
		t.failures = 0
		t.mu.Unlock()
		return t.skewedFrequency()
	}

	if deferred, ok := err.(*DeferredError); ok {
		return deferred.NextFrequency
	}

	t.mu.Lock()
	t.failures++
	n := t.failures
	t.mu.Unlock()

	return backoff(t.cfg.RetryFrequency, t.cfg.MaxRetryFrequency, n)
}

// backoff implements `min(retryFrequency * 2^(failures-1), maxRetryFrequency)`
// (spec §4.3, §8 testable property 8). Doubling is done one step at a time
// and stops as soon as it reaches max (or would overflow int64), rather
// than computing 2^(failures-1) up front: after enough consecutive
// failures that exponent overflows, and retry*overflowed-multiplier wraps
// to a negative duration, which would otherwise fire the timer immediately
// instead of honoring max.
func backoff(retry, max time.Duration, failures int) time.Duration {
	if failures <= 0 {
		failures = 1
	}
	next := retry
	for i := 1; i < failures; i++ {
		if max > 0 && next >= max {
			return max
		}
		doubled := next * 2
		if doubled < next {
			// Overflow: next is the largest representable value we can
			// still trust. max, if set, is always <= that, so prefer it;
			// otherwise saturate at next rather than wrap negative.
			if max > 0 {
				return max
			}
			return next
		}
		next = doubled
	}
	if max > 0 && next > max {
		return max
	}
	return next
}

// Reset forces the next fire after duration, per spec §4.3 "reset(duration)
// forces the next fire after duration".
func (t *Timer) Reset(duration time.Duration) {
	t.scheduleNext(duration)
}

// Cancel terminates the timer. Idempotent and safe from any caller (spec
// §4.3 "cancel() terminates; is idempotent and safe from any caller").
func (t *Timer) Cancel() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled {
		return
	}
	t.cancelled = true
	if t.timer != nil {
		t.timer.Stop()
	}
	close(t.done)
}

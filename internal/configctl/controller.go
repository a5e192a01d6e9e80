// Package configctl implements the Configuration Controller (spec §4.8):
// it owns a set of configuration sub-modules (compliance manifests,
// installer targets, signed config files, credential tokens), each on its
// own recurring timer, each fetching from the registrar over an
// authenticated identity and applying changes atomically on success.
package configctl

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/logging"
	"github.com/amzn/acme-compliance-agent/internal/registrar"
	"github.com/amzn/acme-compliance-agent/internal/timer"
)

// SubModule is one independently-scheduled configuration fetcher (spec
// §4.8 "Owns registered configuration sub-modules").
type SubModule interface {
	Name() string
	ShouldRunImmediately(now time.Time) bool
	CurrentInterval(now time.Time) time.Duration
	Run(ctx context.Context) error
}

// Controller owns a fixed set of SubModules, each driven by its own
// timer.Timer, the same Timer type that backs the registration manager;
// here every fire recomputes its next interval from
// the sub-module's own entries rather than a fixed base frequency, via a
// DeferredError override (spec §4.3's documented extension point).
type Controller struct {
	mu      sync.Mutex
	modules []SubModule
	timers  map[string]*timer.Timer
	log     *logging.Logger
	running bool
}

// New creates a Controller over the given sub-modules.
func New(modules []SubModule, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.NewFromEnv("configctl")
	}
	return &Controller{
		modules: modules,
		timers:  make(map[string]*timer.Timer),
		log:     log,
	}
}

// Start begins each sub-module's recurring timer (spec §4.8). An already
// past-due sub-module fires immediately.
func (c *Controller) Start(ctx context.Context) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.running {
		return
	}
	c.running = true

	now := time.Now()
	for _, m := range c.modules {
		m := m
		t := timer.New(timer.Config{RetryFrequency: 30 * time.Second, MaxRetryFrequency: time.Hour}, func() error {
			return c.runOnce(ctx, m)
		}, c.log.With(m.Name()))
		c.timers[m.Name()] = t

		initial := time.Duration(0)
		if !m.ShouldRunImmediately(now) {
			initial = m.CurrentInterval(now)
		}
		t.Reset(initial)
	}
}

// runOnce executes a sub-module's Run and translates its outcome into the
// timer's vocabulary: a registrar throttling error defers without counting
// as a failure (spec §4.8 "on throttling raise a deferred-exception with
// the throttledUntil hint"); any other error counts toward exponential
// backoff; success reschedules using the sub-module's own current
// interval rather than a fixed base frequency.
func (c *Controller) runOnce(ctx context.Context, m SubModule) error {
	err := m.Run(ctx)
	if err != nil {
		var throttled *registrar.ThrottledError
		if errors.As(err, &throttled) {
			return &timer.DeferredError{NextFrequency: time.Until(throttled.Until)}
		}
		c.log.WithError(err).WithField("submodule", m.Name()).Warn("configuration sub-module run failed")
		return err
	}
	return &timer.DeferredError{NextFrequency: m.CurrentInterval(time.Now())}
}

// Stop cancels every sub-module's timer.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.running {
		return
	}
	c.running = false
	for _, t := range c.timers {
		t.Cancel()
	}
}

// RunNow forces an out-of-band run of the named sub-module (e.g. to serve
// a reload request), bypassing its timer.
func (c *Controller) RunNow(ctx context.Context, name string) error {
	c.mu.Lock()
	var target SubModule
	for _, m := range c.modules {
		if m.Name() == name {
			target = m
			break
		}
	}
	c.mu.Unlock()
	if target == nil {
		return nil
	}
	return target.Run(ctx)
}

// Package controller implements the Compliance Controller (spec §4.7): owns
// the executor pool, scales it every tick, runs the scheduled-trigger loop,
// drains the response queue, and computes device-level aggregate status.
package controller

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/executor"
	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/compliance/queue"
	"github.com/amzn/acme-compliance-agent/internal/compliance/registry"
	"github.com/amzn/acme-compliance-agent/internal/logging"
	"github.com/amzn/acme-compliance-agent/internal/network"
)

// responseDrainBatch caps how many responses are processed per tick (spec
// §4.7 step 4 "drain up to 25 responses").
const responseDrainBatch = 25

// Sink is the minimal event-emission contract the controller needs (spec
// §1 "telemetry emission — specified only as the EventSink interface").
// internal/eventsink provides a concrete implementation.
type Sink interface {
	Emit(eventType, subjectArea string, payload interface{}) error
}

// Config controls the controller's own tick cadence and the pool it owns.
type Config struct {
	RoutineTickInterval time.Duration
	Pool                executor.Config
}

// Controller is the compliance scheduler/executor core (spec §2 "Compliance
// controller").
type Controller struct {
	cfg      Config
	registry *registry.Registry
	tracker  *queue.Tracker
	pool     *executor.Pool
	network  network.Detector
	sink     Sink
	log      *logging.Logger

	loadLock sync.Mutex

	responses *queue.Queue[queue.ExecutionResponse]

	deviceStatusMu sync.Mutex
	deviceStatus   module.ComplianceStatus

	cancel context.CancelFunc
}

// New wires a Controller from its collaborators. responses is the same
// queue every Executor in pool posts terminal results to.
func New(cfg Config, reg *registry.Registry, tracker *queue.Tracker, responses *queue.Queue[queue.ExecutionResponse], detector network.Detector, sink Sink, log *logging.Logger) *Controller {
	if log == nil {
		log = logging.NewFromEnv("compliance.controller")
	}
	pool := executor.NewPool(cfg.Pool, tracker.Requests(), responses, log.With("executor"))
	return &Controller{
		cfg:       cfg,
		registry:  reg,
		tracker:   tracker,
		pool:      pool,
		network:   detector,
		sink:      sink,
		log:       log,
		responses: responses,
	}
}

// Run starts the controller's own tick loop (spec §4.7 "Runs on
// ROUTINE_TIMER_INTERVAL"). It blocks until ctx is cancelled or Stop is
// called.
func (c *Controller) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	ticker := time.NewTicker(c.cfg.RoutineTickInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			c.pool.Shutdown()
			return
		case <-ticker.C:
			c.Tick(ctx, time.Now())
		}
	}
}

// Stop signals the controller's Run loop to exit and its pool to quiesce.
func (c *Controller) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
}

// Tick runs one iteration of the controller's tick (spec §4.7), holding
// loadLock for its duration so a concurrent Load/Unload can't interleave
// with in-flight reconciliation.
func (c *Controller) Tick(ctx context.Context, now time.Time) {
	c.loadLock.Lock()
	defer c.loadLock.Unlock()

	c.manageExecutionThreads(ctx, now)
	c.triggerScheduledModules(ctx, now)
	c.processExecutionResponses(now)
	c.checkDeviceStatus(now)
}

// manageExecutionThreads implements spec §4.7 step 1: compute idealCount
// via the overqueue heuristic and reconcile the pool to it.
func (c *Controller) manageExecutionThreads(ctx context.Context, now time.Time) {
	n := c.tracker.Len()
	overqueued := c.tracker.Overqueued(c.cfg.Pool.ExecutionSLA, now)
	ideal := executor.IdealCount(n, c.cfg.Pool.MaxNumExecutors, overqueued, c.pool.Count())
	c.pool.Reconcile(ctx, ideal)
}

// triggerScheduledModules implements spec §4.7 step 2: for every IDLE
// module, qualify it under the SCHEDULED trigger and enqueue evaluation or
// remediation as its cadence dictates.
func (c *Controller) triggerScheduledModules(ctx context.Context, now time.Time) {
	current := module.NetworkState(0)
	if c.network != nil {
		current = c.network.Current()
	}

	for _, m := range c.registry.List() {
		if m.Status != module.StatusIdle {
			continue
		}

		failure := module.Qualify(m, module.TriggerScheduled, current, nil)
		if !failure.Qualified() {
			continue
		}

		switch {
		case m.IsEvaluationTime(now):
			if _, err := c.tracker.TryQueueRequest(ctx, m, module.TriggerScheduled, module.ActionEvaluation, nil, now); err != nil {
				c.log.WithError(err).WithField("module", m.Identifier).Warn("failed to queue evaluation")
			}
		case m.IsRemediationTime(now):
			if _, err := c.tracker.TryQueueRequest(ctx, m, module.TriggerScheduled, module.ActionRemediation, nil, now); err != nil {
				c.log.WithError(err).WithField("module", m.Identifier).Warn("failed to queue remediation")
			}
		}
	}
}

// ExecuteTrigger implements the manual trigger path (spec §4.7 "A manual
// trigger (executeTrigger(trigger, data)) runs qualifier for every loaded
// module, enqueuing qualified ones with action defaulted to evaluation").
func (c *Controller) ExecuteTrigger(ctx context.Context, trigger module.Trigger, action module.Action, data interface{}) {
	c.loadLock.Lock()
	defer c.loadLock.Unlock()

	current := module.NetworkState(0)
	if c.network != nil {
		current = c.network.Current()
	}
	if action == "" {
		action = module.ActionEvaluation
	}

	now := time.Now()
	for _, m := range c.registry.List() {
		failure := module.Qualify(m, trigger, current, data)
		if !failure.Qualified() {
			continue
		}
		if _, err := c.tracker.TryQueueRequest(ctx, m, trigger, action, data, now); err != nil {
			c.log.WithError(err).WithField("module", m.Identifier).Warn("failed to queue manual trigger")
		}
	}
}

// ExecuteTriggerFor is ExecuteTrigger narrowed to a single module identifier
// (spec §6 "ComplianceEvaluate {identifier?}, ComplianceRemediate
// {identifier?}"), used by the IPC layer when the caller names one module
// rather than asking for a fleet-wide manual run.
func (c *Controller) ExecuteTriggerFor(ctx context.Context, identifier string, trigger module.Trigger, action module.Action, data interface{}) error {
	c.loadLock.Lock()
	defer c.loadLock.Unlock()

	m := c.registry.Get(identifier)
	if m == nil {
		return fmt.Errorf("module %q not loaded", identifier)
	}

	current := module.NetworkState(0)
	if c.network != nil {
		current = c.network.Current()
	}
	failure := module.Qualify(m, trigger, current, data)
	if !failure.Qualified() {
		return fmt.Errorf("module %q not qualified to run: %s", identifier, failure)
	}

	_, err := c.tracker.TryQueueRequest(ctx, m, trigger, action, data, time.Now())
	return err
}

// processExecutionResponses implements spec §4.7 step 4: drain up to
// responseDrainBatch responses, merge each into the live registry module,
// and release the tracker entry once the module is IDLE again.
func (c *Controller) processExecutionResponses(now time.Time) {
	for i := 0; i < responseDrainBatch; i++ {
		resp, ok := c.responses.TryGet(0)
		if !ok {
			return
		}
		c.mergeResponse(resp, now)
	}
}

// mergeResponse loads the state keys from the response's module snapshot
// onto the live module (spec §4.7 step 4 "locate the live module by queue
// id; load the state keys from the response snapshot onto the live
// module").
func (c *Controller) mergeResponse(resp queue.ExecutionResponse, now time.Time) {
	live := c.registry.Get(resp.ModuleSnapshot.Identifier)
	if live == nil {
		return
	}

	live.Lock()
	live.Status = resp.ModuleSnapshot.Status
	if resp.ModuleSnapshot.LastEvaluationResult != nil {
		live.LastEvaluationResult = resp.ModuleSnapshot.LastEvaluationResult
		live.EvaluationHistory.Append(*resp.ModuleSnapshot.LastEvaluationResult)
	}
	if resp.ModuleSnapshot.LastRemediationResult != nil {
		live.LastRemediationResult = resp.ModuleSnapshot.LastRemediationResult
		live.RemediationHistory.Append(*resp.ModuleSnapshot.LastRemediationResult)
	}
	live.FirstFailureDate = resp.ModuleSnapshot.FirstFailureDate
	live.LastKnownCompliant = resp.ModuleSnapshot.LastKnownCompliant
	live.LastKnownNoncompliant = resp.ModuleSnapshot.LastKnownNoncompliant
	live.ApplyStatus(now, func(err error) {
		c.log.WithError(err).Warn("compliance change callback failed")
	})
	idle := live.Status == module.StatusIdle
	live.Unlock()

	if idle {
		c.tracker.Release(resp.RequestQueueKey)
		_ = c.registry.SaveState(live.Identifier)
	}
}

// checkDeviceStatus implements spec §4.6 "Device status = max over modules
// of their computed status" and §4.7 step 5: fires a ComplianceDeviceStatus
// sink event on transition.
func (c *Controller) checkDeviceStatus(now time.Time) {
	var max module.ComplianceStatus
	for _, m := range c.registry.List() {
		if s := m.LastComplianceStatus; s > max {
			max = s
		}
	}

	c.deviceStatusMu.Lock()
	old := c.deviceStatus
	changed := max != old
	if changed {
		c.deviceStatus = max
	}
	c.deviceStatusMu.Unlock()

	if changed && c.sink != nil {
		payload := map[string]interface{}{
			"old":  old,
			"new":  max,
			"time": now,
		}
		if err := c.sink.Emit("ComplianceDeviceStatus", "compliance", payload); err != nil {
			c.log.WithError(err).Warn("failed to emit device status change event")
		}
	}
}

// NetworkState reports the device's current network posture (spec §6
// "GetNetworkStatus"), zero-value if no detector was wired.
func (c *Controller) NetworkState() module.NetworkState {
	if c.network == nil {
		return 0
	}
	return c.network.Current()
}

// DeviceStatus returns the last-computed aggregate device status.
func (c *Controller) DeviceStatus() module.ComplianceStatus {
	c.deviceStatusMu.Lock()
	defer c.deviceStatusMu.Unlock()
	return c.deviceStatus
}

// PendingResponses reports how many execution responses are still queued
// for this tick's drain (used by daemon.Reload to wait for the drain to
// empty before swapping module settings).
func (c *Controller) PendingResponses() int {
	return c.responses.Len()
}

// WithLoadLock runs fn while holding loadLock, the same lock Tick holds
// for its duration, so registry mutations (e.g. a reload) never interleave
// with in-flight reconciliation (spec §9 open question "Reload ordering").
func (c *Controller) WithLoadLock(fn func()) {
	c.loadLock.Lock()
	defer c.loadLock.Unlock()
	fn()
}

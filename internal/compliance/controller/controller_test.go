package controller

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/amzn/acme-compliance-agent/internal/compliance/executor"
	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/compliance/queue"
	"github.com/amzn/acme-compliance-agent/internal/compliance/registry"
)

type fakeDetector struct{ state module.NetworkState }

func (f fakeDetector) Current() module.NetworkState { return f.state }

type recordingSink struct {
	events []string
}

func (s *recordingSink) Emit(eventType, subjectArea string, payload interface{}) error {
	s.events = append(s.events, eventType)
	return nil
}

type noopStateful struct{}

func (noopStateful) Load(string, string) error { return nil }
func (noopStateful) Save(string) error         { return nil }

func newTestController(t *testing.T, sink Sink) (*Controller, *registry.Registry, *queue.Tracker) {
	t.Helper()
	base := t.TempDir()
	reg := registry.New(filepath.Join(base, "manifests"), filepath.Join(base, "state"), nil)
	tracker := queue.NewTracker(10 * time.Minute)
	responses := queue.New[queue.ExecutionResponse](10)

	cfg := Config{
		RoutineTickInterval: time.Second,
		Pool: executor.Config{
			MaxNumExecutors: 4,
			IdleTTL:         time.Minute,
			ExecutionSLA:    15 * time.Second,
			ShutdownWait:    time.Second,
		},
	}
	c := New(cfg, reg, tracker, responses, fakeDetector{state: module.NetworkOnline}, sink, nil)
	return c, reg, tracker
}

func TestTriggerScheduledModules_EnqueuesDueEvaluation(t *testing.T) {
	c, reg, tracker := newTestController(t, nil)

	require.NoError(t, reg.Load("firewall", module.LayoutFile, 10, func(id string, max int) *module.Module {
		m := module.NewModule(id, max)
		m.Policy.Triggers = module.TriggerScheduled
		m.Stateful = noopStateful{}
		return m
	}, false))

	ctx := context.Background()
	c.triggerScheduledModules(ctx, time.Now())

	require.Equal(t, 1, tracker.Len())
}

func TestTriggerScheduledModules_SkipsUnqualified(t *testing.T) {
	c, reg, tracker := newTestController(t, nil)

	require.NoError(t, reg.Load("firewall", module.LayoutFile, 10, func(id string, max int) *module.Module {
		m := module.NewModule(id, max)
		m.Policy.Triggers = module.TriggerManual // not SCHEDULED
		m.Stateful = noopStateful{}
		return m
	}, false))

	c.triggerScheduledModules(context.Background(), time.Now())

	require.Equal(t, 0, tracker.Len())
}

func TestProcessExecutionResponses_MergesAndReleases(t *testing.T) {
	c, reg, tracker := newTestController(t, nil)

	require.NoError(t, reg.Load("firewall", module.LayoutFile, 10, func(id string, max int) *module.Module {
		m := module.NewModule(id, max)
		m.Stateful = noopStateful{}
		return m
	}, false))

	live := reg.Get("firewall")
	live.Status = module.StatusQueued
	key := live.QueueKey(module.TriggerScheduled)

	snapshot := live.Clone()
	snapshot.Status = module.StatusIdle
	now := time.Now()
	snapshot.LastEvaluationResult = &module.EvaluationResult{
		ComplianceStatus: module.StatusCompliant,
		ExecutionStatus:  module.ExecutionSuccess,
		EndDate:          now,
	}

	_, err := tracker.TryQueueRequest(context.Background(), live, module.TriggerScheduled, module.ActionEvaluation, nil, now)
	require.NoError(t, err)
	require.Equal(t, 1, tracker.Len())

	c.mergeResponse(queue.ExecutionResponse{
		RequestQueueKey: key,
		ExecutionStatus: module.ExecutionSuccess,
		ModuleSnapshot:  snapshot,
	}, now)

	require.Equal(t, module.StatusIdle, live.Status)
	require.Equal(t, module.StatusCompliant, live.LastComplianceStatus)
	require.Equal(t, 0, tracker.Len())
}

func TestCheckDeviceStatus_FiresOnTransition(t *testing.T) {
	sink := &recordingSink{}
	c, reg, _ := newTestController(t, sink)

	require.NoError(t, reg.Load("firewall", module.LayoutFile, 10, func(id string, max int) *module.Module {
		m := module.NewModule(id, max)
		m.Stateful = noopStateful{}
		return m
	}, false))

	live := reg.Get("firewall")
	live.LastComplianceStatus = module.StatusNoncompliant

	c.checkDeviceStatus(time.Now())
	require.Equal(t, module.StatusNoncompliant, c.DeviceStatus())
	require.Equal(t, []string{"ComplianceDeviceStatus"}, sink.events)

	// No change -> no further event.
	c.checkDeviceStatus(time.Now())
	require.Equal(t, []string{"ComplianceDeviceStatus"}, sink.events)
}

func TestPendingResponses_ReflectsQueueDepth(t *testing.T) {
	c, _, _ := newTestController(t, nil)
	require.Equal(t, 0, c.PendingResponses())

	require.NoError(t, c.responses.Put(context.Background(), queue.ExecutionResponse{}))
	require.Equal(t, 1, c.PendingResponses())
}

func TestWithLoadLock_ExcludesConcurrentTick(t *testing.T) {
	c, _, _ := newTestController(t, nil)

	entered := make(chan struct{})
	release := make(chan struct{})
	go c.WithLoadLock(func() {
		close(entered)
		<-release
	})
	<-entered

	tickDone := make(chan struct{})
	go func() {
		c.Tick(context.Background(), time.Now())
		close(tickDone)
	}()

	select {
	case <-tickDone:
		t.Fatal("Tick should not proceed while WithLoadLock holds loadLock")
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	<-tickDone
}

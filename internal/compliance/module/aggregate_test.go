package module

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeEvaluator struct {
	result EvaluationResult
	err    error
}

func (f *fakeEvaluator) EvaluateOnce(_ Trigger, _ interface{}) (EvaluationResult, error) {
	if f.err != nil {
		return EvaluationResult{}, f.err
	}
	return f.result, nil
}

type panickyEvaluator struct{}

func (panickyEvaluator) EvaluateOnce(_ Trigger, _ interface{}) (EvaluationResult, error) {
	panic("boom")
}

// TestGraceTimeTransition reproduces spec.md scenario E1: gracetime=4d,
// isolationGracetime=2d. A NONCOMPLIANT result at T0 lands in grace time; a
// further NONCOMPLIANT result at T0+5d becomes an isolation candidate,
// since the compliance deadline (T0+4d) has already passed even though the
// isolation deadline (T0+6d) has not.
func TestGraceTimeTransition(t *testing.T) {
	m := NewModule("screen-lock", 10)
	m.Cadence.Gracetime = 4 * 24 * time.Hour
	m.Cadence.IsolationGracetime = 2 * 24 * time.Hour
	m.Policy.EnforceIsolation = true

	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	m.Evaluator = &fakeEvaluator{result: EvaluationResult{
		ComplianceStatus: StatusNoncompliant,
		ExecutionStatus:  ExecutionSuccess,
		StartDate:        t0,
		EndDate:          t0,
	}}

	m.Evaluate(TriggerScheduled, nil, nil, nil)
	require.NotNil(t, m.FirstFailureDate)
	require.True(t, m.FirstFailureDate.Equal(t0))
	require.Equal(t, StatusNoncompliant|StatusInGraceTime, m.LastComplianceStatus)

	t1 := t0.Add(5 * 24 * time.Hour)
	m.Evaluator = &fakeEvaluator{result: EvaluationResult{
		ComplianceStatus: StatusNoncompliant,
		ExecutionStatus:  ExecutionSuccess,
		StartDate:        t1,
		EndDate:          t1,
	}}
	m.Status = StatusIdle
	m.Evaluate(TriggerScheduled, nil, nil, nil)

	require.Equal(t, StatusNoncompliant|StatusIsolationCandidate, m.LastComplianceStatus)
}

func TestEvaluate_CompliantClearsFirstFailureDate(t *testing.T) {
	m := NewModule("bitlocker", 10)
	now := time.Now()
	m.FirstFailureDate = &now

	m.Evaluator = &fakeEvaluator{result: EvaluationResult{
		ComplianceStatus: StatusCompliant,
		ExecutionStatus:  ExecutionSuccess,
		StartDate:        now,
		EndDate:          now,
	}}

	m.Evaluate(TriggerScheduled, nil, nil, nil)

	require.Nil(t, m.FirstFailureDate)
	require.NotNil(t, m.LastKnownCompliant)
	require.Equal(t, StatusCompliant, m.LastComplianceStatus)
}

func TestEvaluate_ErrorIsCaughtNotPropagated(t *testing.T) {
	m := NewModule("av-status", 10)
	m.Evaluator = &fakeEvaluator{err: errors.New("probe unavailable")}

	result := m.Evaluate(TriggerScheduled, nil, nil, nil)

	require.Equal(t, ExecutionFatal, result.ExecutionStatus)
	require.Equal(t, StatusError, result.ComplianceStatus)
}

func TestEvaluate_PanicMapsToFatal(t *testing.T) {
	m := NewModule("kernel-extension", 10)
	m.Evaluator = panickyEvaluator{}

	require.NotPanics(t, func() {
		result := m.Evaluate(TriggerScheduled, nil, nil, nil)
		require.Equal(t, ExecutionFatal, result.ExecutionStatus)
	})
}

func TestApplyStatus_FiresCallbackOnChange(t *testing.T) {
	m := NewModule("password-policy", 10)
	var calls int
	var gotOld, gotNew ComplianceStatus
	m.OnChange = append(m.OnChange, func(newStatus, oldStatus ComplianceStatus, _ *Module) {
		calls++
		gotNew, gotOld = newStatus, oldStatus
	})

	now := time.Now()
	m.LastEvaluationResult = &EvaluationResult{ComplianceStatus: StatusCompliant, EndDate: now}
	m.ApplyStatus(now, nil)

	require.Equal(t, 1, calls)
	require.Equal(t, StatusCompliant, gotNew)
	require.Equal(t, ComplianceStatus(0), gotOld)

	// No change -> no further callback.
	m.ApplyStatus(now, nil)
	require.Equal(t, 1, calls)
}

func TestApplyStatus_CallbackPanicIsContained(t *testing.T) {
	m := NewModule("password-policy", 10)
	m.OnChange = append(m.OnChange, func(_, _ ComplianceStatus, _ *Module) {
		panic("callback exploded")
	})

	var reported error
	now := time.Now()
	m.LastEvaluationResult = &EvaluationResult{ComplianceStatus: StatusCompliant, EndDate: now}

	require.NotPanics(t, func() {
		m.ApplyStatus(now, func(err error) { reported = err })
	})
	require.Error(t, reported)
}

func TestIsEvaluationTime(t *testing.T) {
	m := NewModule("screen-lock", 10)
	m.Policy.Triggers = TriggerScheduled
	m.Cadence.EvaluationInterval = time.Hour

	now := time.Now()
	require.True(t, m.IsEvaluationTime(now), "no prior result should always qualify")

	m.LastEvaluationResult = &EvaluationResult{Version: m.Version, EndDate: now}
	require.False(t, m.IsEvaluationTime(now))
	require.True(t, m.IsEvaluationTime(now.Add(2*time.Hour)))

	m.Version = "2.0"
	require.True(t, m.IsEvaluationTime(now), "version bump forces re-evaluation")
}

func TestIsRemediationTime_RequiresAutoRemediateAndNoncompliant(t *testing.T) {
	m := NewModule("firewall", 10)
	m.Cadence.RemediationInterval = time.Hour

	require.False(t, m.IsRemediationTime(time.Now()), "remediation disabled by default")

	m.Policy.CanRemediate = true
	m.Policy.AutoRemediate = true
	require.False(t, m.IsRemediationTime(time.Now()), "compliant modules are never remediated")

	m.LastComplianceStatus = StatusNoncompliant
	require.True(t, m.IsRemediationTime(time.Now()))
}

package module

import (
	"fmt"
	"math/rand"
	"time"
)

// RecomputeStatus implements the pure aggregate compliance status function
// (spec §4.6). It reads LastEvaluationResult, the derived deadlines, and
// exemption state, and returns the new status without mutating m. Callers
// that want change-callback firing use ApplyStatus.
func (m *Module) RecomputeStatus(now time.Time) ComplianceStatus {
	if m.LastEvaluationResult == nil {
		return StatusUnknown
	}
	eval := m.LastEvaluationResult.ComplianceStatus

	var s ComplianceStatus
	switch {
	case eval.Has(StatusCompliant):
		s = StatusCompliant
	case eval.Has(StatusError):
		s = StatusNoncompliant | StatusError
	case eval == StatusUnknown:
		s = StatusNoncompliant
	case eval.Has(StatusNoncompliant):
		s = StatusNoncompliant
	}

	if s.Has(StatusNoncompliant) {
		deadline := m.complianceDeadline()
		switch {
		case deadline != nil && now.Before(*deadline):
			s |= StatusInGraceTime
		case m.isolationCandidate(now, deadline):
			s |= StatusIsolationCandidate
		}
	}

	if m.isExempt(now) {
		s |= StatusExempt
	}

	return s
}

// complianceDeadline implements the §4.6 deadline derivation: the result's
// own deadline if set, else firstFailureDate+gracetime; masked to nil when
// exempt without an explicit ExemptUntil, and overridden by a later
// ExemptUntil.
func (m *Module) complianceDeadline() *time.Time {
	if m.Policy.ExemptFlag && m.Policy.ExemptUntil == nil {
		return nil
	}

	var deadline *time.Time
	if m.LastEvaluationResult != nil && m.LastEvaluationResult.ComplianceDeadline != nil {
		deadline = m.LastEvaluationResult.ComplianceDeadline
	} else if m.FirstFailureDate != nil {
		d := m.FirstFailureDate.Add(m.Cadence.Gracetime)
		deadline = &d
	}

	if m.Policy.ExemptUntil != nil && (deadline == nil || m.Policy.ExemptUntil.After(*deadline)) {
		deadline = m.Policy.ExemptUntil
	}
	return deadline
}

// isolationDeadline implements the §4.6 isolation deadline derivation.
func (m *Module) isolationDeadline(deadline *time.Time) *time.Time {
	if !m.Policy.EnforceIsolation || deadline == nil {
		return nil
	}
	if m.LastEvaluationResult != nil && m.LastEvaluationResult.IsolationDeadline != nil {
		return m.LastEvaluationResult.IsolationDeadline
	}
	d := deadline.Add(m.Cadence.IsolationGracetime)
	return &d
}

// isolationCandidate reports whether the compliance deadline has already
// passed (isolation candidacy triggers as soon as it does, per spec E1 —
// "isolation candidacy triggers as soon as compliance deadline passes").
func (m *Module) isolationCandidate(now time.Time, deadline *time.Time) bool {
	if !m.Policy.EnforceIsolation || deadline == nil {
		return false
	}
	return !now.Before(*deadline)
}

// isExempt reports whether the module is currently exempt.
func (m *Module) isExempt(now time.Time) bool {
	if !m.Policy.ExemptFlag {
		return false
	}
	if m.Policy.ExemptUntil == nil {
		return true
	}
	return now.Before(*m.Policy.ExemptUntil)
}

// ApplyStatus recomputes the aggregate status and, if it differs from
// LastComplianceStatus, updates it and fires every registered change
// callback with (new, old, m). Callback panics/errors are caught and
// reported via onCallbackError so a faulty callback can never take down the
// controller (spec §4.6: "each callback's exceptions are caught and
// logged").
func (m *Module) ApplyStatus(now time.Time, onCallbackError func(error)) {
	newStatus := m.RecomputeStatus(now)
	oldStatus := m.LastComplianceStatus
	if newStatus == oldStatus {
		return
	}
	m.LastComplianceStatus = newStatus

	for _, cb := range m.OnChange {
		cb := cb
		func() {
			defer func() {
				if r := recover(); r != nil && onCallbackError != nil {
					onCallbackError(fmt.Errorf("compliance change callback panic: %v", r))
				}
			}()
			cb(newStatus, oldStatus, m)
		}()
	}
}

// Evaluate is the module.evaluate(trigger) wrapper described in spec §4.5.
// It records timing, invokes the module-specific evaluator, refreshes
// support-file hashes, updates the compliant/noncompliant counters, archives
// history, and recomputes the aggregate status. Any panic or error from the
// evaluator is mapped to a FATAL/ERROR result rather than propagated.
func (m *Module) Evaluate(trigger Trigger, data interface{}, rehash func(SupportFile) SupportFile, onCallbackError func(error)) (result EvaluationResult) {
	start := time.Now()
	m.Status = StatusEvaluating

	result = m.runEvaluator(trigger, data, start)
	result.Version = m.Version

	if m.SupportSrc != nil && rehash != nil {
		if result.SupportFiles == nil {
			result.SupportFiles = make(map[string]SupportFile)
		}
		for _, sf := range m.SupportSrc.SupportFiles() {
			result.SupportFiles[sf.Name] = rehash(sf)
		}
	}

	if result.ComplianceStatus.Has(StatusCompliant) {
		now := result.EndDate
		m.LastKnownCompliant = &now
		m.FirstFailureDate = nil
	} else if result.ComplianceStatus == StatusUnknown ||
		result.ComplianceStatus.Has(StatusNoncompliant) ||
		result.ComplianceStatus.Has(StatusError) {
		m.LastKnownNoncompliant = &result.EndDate
		if m.FirstFailureDate == nil {
			m.FirstFailureDate = &result.EndDate
		}
	}

	m.LastEvaluationResult = &result
	m.EvaluationHistory.Append(result)
	m.ApplyStatus(result.EndDate, onCallbackError)

	return result
}

// runEvaluator invokes the module-specific evaluator and maps any error or
// panic to a FATAL result, never letting a module fault escape the wrapper
// (spec §4.5, §4.4 "the executor never crashes the pool on a module
// fault").
func (m *Module) runEvaluator(trigger Trigger, data interface{}, start time.Time) (result EvaluationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = EvaluationResult{
				ComplianceStatus: StatusError,
				ExecutionStatus:  ExecutionFatal,
				StatusCodes:      []string{fmt.Sprintf("panic: %v", r)},
				StartDate:        start,
				EndDate:          time.Now(),
			}
		}
	}()

	if m.Evaluator == nil {
		return EvaluationResult{
			ComplianceStatus: StatusError,
			ExecutionStatus:  ExecutionFatal,
			StatusCodes:      []string{"module has no evaluator"},
			StartDate:        start,
			EndDate:          time.Now(),
		}
	}

	r, err := m.Evaluator.EvaluateOnce(trigger, data)
	if err != nil {
		return EvaluationResult{
			ComplianceStatus: StatusError,
			ExecutionStatus:  ExecutionFatal,
			StatusCodes:      []string{err.Error()},
			StartDate:        start,
			EndDate:          time.Now(),
		}
	}
	if r.StartDate.IsZero() {
		r.StartDate = start
	}
	if r.EndDate.IsZero() {
		r.EndDate = time.Now()
	}
	return r
}

// Remediate mirrors Evaluate for the remediation path (spec §4.5
// "Remediation mirrors evaluation").
func (m *Module) Remediate(trigger Trigger, data interface{}) (result RemediationResult) {
	start := time.Now()
	m.Status = StatusRemediating

	result = m.runRemediator(trigger, data, start)
	m.LastRemediationResult = &result
	m.RemediationHistory.Append(result)
	return result
}

func (m *Module) runRemediator(trigger Trigger, data interface{}, start time.Time) (result RemediationResult) {
	defer func() {
		if r := recover(); r != nil {
			result = RemediationResult{
				ExecutionStatus: ExecutionFatal,
				StatusCodes:     []string{fmt.Sprintf("panic: %v", r)},
				StartDate:       start,
				EndDate:         time.Now(),
			}
		}
	}()

	if m.Remediator == nil {
		return RemediationResult{
			ExecutionStatus: ExecutionFatal,
			StatusCodes:     []string{"module has no remediator"},
			StartDate:       start,
			EndDate:         time.Now(),
		}
	}

	r, err := m.Remediator.RemediateOnce(trigger, data)
	if err != nil {
		return RemediationResult{
			ExecutionStatus: ExecutionFatal,
			StatusCodes:     []string{err.Error()},
			StartDate:       start,
			EndDate:         time.Now(),
		}
	}
	if r.StartDate.IsZero() {
		r.StartDate = start
	}
	if r.EndDate.IsZero() {
		r.EndDate = time.Now()
	}
	return r
}

// rollSkew draws a uniform skew in [-skew/2, +skew/2] (spec §4.3, §4.5).
func rollSkew(skew time.Duration) time.Duration {
	if skew <= 0 {
		return 0
	}
	half := float64(skew) / 2
	return time.Duration(rand.Float64()*2*half - half)
}

// CurrentEvaluationInterval implements currentEvaluationInterval() (spec
// §4.5): retry interval on a prior error if configured, else the regular
// interval, plus a re-rolled skew.
func (m *Module) CurrentEvaluationInterval() time.Duration {
	interval := m.Cadence.EvaluationInterval
	if m.LastEvaluationResult != nil &&
		m.LastEvaluationResult.ExecutionStatus == ExecutionError &&
		m.Cadence.RetryEvaluationInterval > 0 {
		interval = m.Cadence.RetryEvaluationInterval
	}
	if m.Cadence.EvaluationSkew > 0 {
		m.EvaluationSkewCurrent = rollSkew(m.Cadence.EvaluationSkew)
		interval += m.EvaluationSkewCurrent
	}
	return interval
}

// CurrentRemediationInterval mirrors CurrentEvaluationInterval for
// remediation cadence.
func (m *Module) CurrentRemediationInterval() time.Duration {
	interval := m.Cadence.RemediationInterval
	if m.LastRemediationResult != nil &&
		m.LastRemediationResult.ExecutionStatus == ExecutionError &&
		m.Cadence.RetryRemediationInterval > 0 {
		interval = m.Cadence.RetryRemediationInterval
	}
	if m.Cadence.RemediationSkew > 0 {
		m.RemediationSkewCurrent = rollSkew(m.Cadence.RemediationSkew)
		interval += m.RemediationSkewCurrent
	}
	return interval
}

// IsEvaluationTime implements isEvaluationTime() (spec §4.5): true iff the
// SCHEDULED trigger is configured, the module is IDLE, and either there is
// no prior result, the module's version has changed since the last
// evaluation, or the interval since the last evaluation has elapsed.
func (m *Module) IsEvaluationTime(now time.Time) bool {
	if m.Policy.Triggers&TriggerScheduled == 0 {
		return false
	}
	if m.Status != StatusIdle {
		return false
	}
	if m.LastEvaluationResult == nil {
		return true
	}
	if m.LastEvaluationResult.Version != m.Version {
		return true
	}
	return !m.LastEvaluationResult.EndDate.Add(m.CurrentEvaluationInterval()).After(now)
}

// IsRemediationTime implements isRemediationTime() (spec §4.5): mirrors
// IsEvaluationTime, additionally requiring CanRemediate && AutoRemediate and
// a current NONCOMPLIANT aggregate status.
func (m *Module) IsRemediationTime(now time.Time) bool {
	if !m.Policy.CanRemediate || !m.Policy.AutoRemediate {
		return false
	}
	if !m.LastComplianceStatus.Has(StatusNoncompliant) {
		return false
	}
	if m.Status != StatusIdle {
		return false
	}
	if m.LastRemediationResult == nil {
		return true
	}
	return !m.LastRemediationResult.EndDate.Add(m.CurrentRemediationInterval()).After(now)
}

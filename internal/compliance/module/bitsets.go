// Package module defines the compliance module data model: the module
// itself, its evaluation/remediation results, and the bitsets that drive
// qualification and aggregate compliance status (spec §3).
package module

import "strings"

// Trigger is a bitset over the reasons a module execution may be requested.
type Trigger uint8

const (
	TriggerScheduled Trigger = 1 << iota
	TriggerManual
)

func (t Trigger) Has(flag Trigger) bool { return t&flag != 0 }

func (t Trigger) String() string {
	var parts []string
	if t.Has(TriggerScheduled) {
		parts = append(parts, "SCHEDULED")
	}
	if t.Has(TriggerManual) {
		parts = append(parts, "MANUAL")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// NetworkState is a bitset over the network conditions a module may require
// as a prerequisite (spec §3, §4.2). Each pair is mutually exclusive in the
// state reported by the NetworkState collaborator, but a module's
// prerequisite set may name any combination of required bits.
type NetworkState uint16

const (
	NetworkOnline NetworkState = 1 << iota
	NetworkOffline
	NetworkOnDomain
	NetworkOffDomain
	NetworkOnVPN
	NetworkOffVPN
)

func (n NetworkState) Has(flag NetworkState) bool { return n&flag != 0 }

func (n NetworkState) String() string {
	var parts []string
	for _, p := range []struct {
		flag NetworkState
		name string
	}{
		{NetworkOnline, "ONLINE"},
		{NetworkOffline, "OFFLINE"},
		{NetworkOnDomain, "ONDOMAIN"},
		{NetworkOffDomain, "OFFDOMAIN"},
		{NetworkOnVPN, "ONVPN"},
		{NetworkOffVPN, "OFFVPN"},
	} {
		if n.Has(p.flag) {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// QualificationFailure is a bitset of reasons a module failed to qualify
// for execution (spec §4.2). Zero means qualified.
type QualificationFailure uint16

const (
	TriggerNotQualified QualificationFailure = 1 << iota
	PrerequisitesNotMet
	SiteNotQualified
	ProbabilityFailed
	MaxFrequencyHit
	ExecutionLimitsReached
)

// Qualified reports whether the bitset represents zero failure reasons.
func (q QualificationFailure) Qualified() bool { return q == 0 }

func (q QualificationFailure) String() string {
	if q.Qualified() {
		return "QUALIFIED"
	}
	var parts []string
	for _, p := range []struct {
		flag QualificationFailure
		name string
	}{
		{TriggerNotQualified, "TRIGGER_NOT_QUALIFIED"},
		{PrerequisitesNotMet, "PREREQUISITES_NOT_MET"},
		{SiteNotQualified, "SITE_NOT_QUALIFIED"},
		{ProbabilityFailed, "PROBABILITY_FAILED"},
		{MaxFrequencyHit, "MAX_FREQUENCY_HIT"},
		{ExecutionLimitsReached, "EXECUTION_LIMITS_REACHED"},
	} {
		if q&p.flag != 0 {
			parts = append(parts, p.name)
		}
	}
	return strings.Join(parts, "|")
}

// ComplianceStatus is a bitset aggregating a module's (or device's)
// compliance posture (spec §3, §4.6).
type ComplianceStatus uint16

const (
	StatusCompliant ComplianceStatus = 1 << iota
	StatusNoncompliant
	StatusError
	StatusExempt
	StatusInGraceTime
	StatusIsolationCandidate
	StatusIsolated
	StatusUnknown
)

func (c ComplianceStatus) Has(flag ComplianceStatus) bool { return c&flag != 0 }

func (c ComplianceStatus) String() string {
	var parts []string
	for _, p := range []struct {
		flag ComplianceStatus
		name string
	}{
		{StatusCompliant, "COMPLIANT"},
		{StatusNoncompliant, "NONCOMPLIANT"},
		{StatusError, "ERROR"},
		{StatusExempt, "EXEMPT"},
		{StatusInGraceTime, "INGRACETIME"},
		{StatusIsolationCandidate, "ISOLATIONCANDIDATE"},
		{StatusIsolated, "ISOLATED"},
		{StatusUnknown, "UNKNOWN"},
	} {
		if c.Has(p.flag) {
			parts = append(parts, p.name)
		}
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}

// ExecutionStatus is the outcome of a single evaluate/remediate invocation.
type ExecutionStatus uint8

const (
	ExecutionNone ExecutionStatus = iota
	ExecutionSuccess
	ExecutionError
	ExecutionFatal
)

func (e ExecutionStatus) String() string {
	switch e {
	case ExecutionSuccess:
		return "SUCCESS"
	case ExecutionError:
		return "ERROR"
	case ExecutionFatal:
		return "FATAL"
	default:
		return "NONE"
	}
}

// RunStatus is the module's current point in the execution state machine
// (spec §3 invariants: QUEUED -> (EVALUATING|REMEDIATING) -> IDLE).
type RunStatus uint8

const (
	StatusIdle RunStatus = iota
	StatusQueued
	StatusEvaluating
	StatusRemediating
)

func (s RunStatus) String() string {
	switch s {
	case StatusQueued:
		return "QUEUED"
	case StatusEvaluating:
		return "EVALUATING"
	case StatusRemediating:
		return "REMEDIATING"
	default:
		return "IDLE"
	}
}

// Action names the kind of execution a request carries.
type Action string

const (
	ActionEvaluation  Action = "evaluation"
	ActionRemediation Action = "remediation"
)

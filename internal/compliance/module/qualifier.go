package module

import (
	"time"

	"github.com/robfig/cron/v3"
)

// Qualify is the pure qualification function (spec §4.2): given a module, the
// trigger an execution was requested under, and the current network state,
// it returns a bitset of reasons the module may not run. Zero means
// qualified. Checks run in the order the spec names them; later hooks are
// extension points that default to no-op until a concrete policy engine is
// wired in.
func Qualify(m *Module, trigger Trigger, current NetworkState, data interface{}) QualificationFailure {
	var failure QualificationFailure

	if m.Policy.Triggers&trigger == 0 {
		failure |= TriggerNotQualified
	}

	if current&m.Policy.Prerequisites != m.Policy.Prerequisites {
		failure |= PrerequisitesNotMet
	}

	failure |= checkSiteQualification(m, trigger, current, data)
	failure |= checkProbability(m, trigger, current, data)
	failure |= checkMaxFrequency(m, trigger, current, data)
	failure |= checkExecutionLimits(m, trigger, current, data)

	return failure
}

// checkSiteQualification is an extension point for site/location-scoped
// policy (e.g. "only run on the corporate network segment"). No module in
// this repository uses it; it exists so a future policy module can hook in
// without changing Qualify's signature or call sites.
func checkSiteQualification(_ *Module, _ Trigger, _ NetworkState, _ interface{}) QualificationFailure {
	return 0
}

// checkProbability is an extension point for probabilistic sampling of
// expensive evaluations across a fleet. Default: always qualifies.
func checkProbability(_ *Module, _ Trigger, _ NetworkState, _ interface{}) QualificationFailure {
	return 0
}

// cronParser accepts the standard 5-field crontab format (minute hour dom
// month dow), matching what operators already write for MaxFrequencyCron.
var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// checkMaxFrequency enforces Policy.MaxFrequencyCron: a module may not run
// again until the schedule's next occurrence on or after its last
// evaluation end time has arrived (spec §4.2 "MAX_FREQUENCY_HIT"). A module
// with no cron expression, or one that has never run, always qualifies —
// the cap only ever makes a module run less often, never more.
func checkMaxFrequency(m *Module, _ Trigger, _ NetworkState, _ interface{}) QualificationFailure {
	if m.Policy.MaxFrequencyCron == "" || m.LastEvaluationResult == nil {
		return 0
	}
	schedule, err := cronParser.Parse(m.Policy.MaxFrequencyCron)
	if err != nil {
		// A malformed expression never blocks execution; it is not
		// reported here or validated when the module is loaded.
		return 0
	}
	next := schedule.Next(m.LastEvaluationResult.EndDate)
	if next.After(time.Now()) {
		return MaxFrequencyHit
	}
	return 0
}

// checkExecutionLimits is an extension point for resource-budget gating
// (e.g. concurrent execution caps per priority class). Default: always
// qualifies.
func checkExecutionLimits(_ *Module, _ Trigger, _ NetworkState, _ interface{}) QualificationFailure {
	return 0
}

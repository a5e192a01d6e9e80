package ipc

import (
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
)

// moduleSnapshot is the wire shape of one module's status for
// GetComplianceStatus (spec §6 "full device/module snapshot").
type moduleSnapshot struct {
	Identifier           string                     `json:"identifier"`
	Name                 string                     `json:"name"`
	Version              string                     `json:"version"`
	Status               string                     `json:"status"`
	ComplianceStatus     string                     `json:"compliance_status"`
	LastEvaluationResult *module.EvaluationResult  `json:"last_evaluation_result,omitempty"`
	LastRemediationResult *module.RemediationResult `json:"last_remediation_result,omitempty"`
	EvaluationHistory    []module.EvaluationResult  `json:"evaluation_history,omitempty"`
	RemediationHistory   []module.RemediationResult `json:"remediation_history,omitempty"`
	FirstFailureDate     *time.Time                 `json:"first_failure_date,omitempty"`
}

// complianceSnapshot is the GetComplianceStatus response body.
type complianceSnapshot struct {
	DeviceStatus string           `json:"device_status"`
	Modules      []moduleSnapshot `json:"modules"`
}

func buildComplianceSnapshot(modules []*module.Module, deviceStatus module.ComplianceStatus, includeHistory bool) complianceSnapshot {
	snap := complianceSnapshot{DeviceStatus: deviceStatus.String(), Modules: make([]moduleSnapshot, 0, len(modules))}
	for _, m := range modules {
		m.Lock()
		ms := moduleSnapshot{
			Identifier:             m.Identifier,
			Name:                   m.Name,
			Version:                m.Version,
			Status:                 m.Status.String(),
			ComplianceStatus:       m.LastComplianceStatus.String(),
			LastEvaluationResult:   m.LastEvaluationResult,
			LastRemediationResult:  m.LastRemediationResult,
			FirstFailureDate:       m.FirstFailureDate,
		}
		if includeHistory {
			if m.EvaluationHistory != nil {
				ms.EvaluationHistory = m.EvaluationHistory.Entries()
			}
			if m.RemediationHistory != nil {
				ms.RemediationHistory = m.RemediationHistory.Entries()
			}
		}
		m.Unlock()
		snap.Modules = append(snap.Modules, ms)
	}
	return snap
}

package module

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SupportFile is an auxiliary file a module registers as evidence for an
// evaluation result. Hash is recomputed on demand from the filesystem, not
// trusted from whatever the module last reported (spec §3).
type SupportFile struct {
	Name     string `json:"name"`
	Path     string `json:"path"`
	HashAlgo string `json:"hash_algo"`
	Hash     string `json:"hash"`
}

// Rehash recomputes Hash from the file at Path using the algorithm named by
// HashAlgo. It is the caller's responsibility to invoke this before trusting
// the hash in a freshly-built EvaluationResult.
func (s *SupportFile) Rehash(hasher func(path, algo string) (string, error)) error {
	sum, err := hasher(s.Path, s.HashAlgo)
	if err != nil {
		return err
	}
	s.Hash = sum
	return nil
}

// EvaluationResult is the immutable outcome of a single module evaluation
// (spec §3). Once constructed by the module's evaluator it is never mutated
// in place; subsequent wrapping (support-file refresh, version stamping)
// produces a new value.
type EvaluationResult struct {
	ComplianceStatus  ComplianceStatus       `json:"compliance_status"`
	ExecutionStatus   ExecutionStatus        `json:"execution_status"`
	StatusCodes       []string               `json:"status_codes,omitempty"`
	SupportFiles      map[string]SupportFile `json:"support_files,omitempty"`
	FirstFailureDate  *time.Time             `json:"first_failure_date,omitempty"`
	ComplianceDeadline *time.Time            `json:"compliance_deadline,omitempty"`
	IsolationDeadline  *time.Time            `json:"isolation_deadline,omitempty"`
	StartDate         time.Time              `json:"start_date"`
	EndDate           time.Time              `json:"end_date"`
	Version           string                 `json:"version"`
}

// Clone returns a deep copy suitable for crossing the executor/controller
// boundary (spec §3 "the executor works on a deep copy for isolation").
func (r EvaluationResult) Clone() EvaluationResult {
	out := r
	if len(r.StatusCodes) > 0 {
		out.StatusCodes = append([]string(nil), r.StatusCodes...)
	}
	if len(r.SupportFiles) > 0 {
		out.SupportFiles = make(map[string]SupportFile, len(r.SupportFiles))
		for k, v := range r.SupportFiles {
			out.SupportFiles[k] = v
		}
	}
	if r.FirstFailureDate != nil {
		t := *r.FirstFailureDate
		out.FirstFailureDate = &t
	}
	if r.ComplianceDeadline != nil {
		t := *r.ComplianceDeadline
		out.ComplianceDeadline = &t
	}
	if r.IsolationDeadline != nil {
		t := *r.IsolationDeadline
		out.IsolationDeadline = &t
	}
	return out
}

// RemediationResult is the outcome of a single remediation attempt (spec §3).
type RemediationResult struct {
	ExecutionStatus ExecutionStatus `json:"execution_status"`
	StatusCodes     []string        `json:"status_codes,omitempty"`
	StartDate       time.Time       `json:"start_date"`
	EndDate         time.Time       `json:"end_date"`
	Data            interface{}     `json:"data,omitempty"`
}

// Clone returns a deep-enough copy for crossing the executor/controller
// boundary. Data is opaque and copied by reference, matching the spec's
// description of it as opaque payload.
func (r RemediationResult) Clone() RemediationResult {
	out := r
	if len(r.StatusCodes) > 0 {
		out.StatusCodes = append([]string(nil), r.StatusCodes...)
	}
	return out
}

// Policy is the declarative, manifest-loaded half of a module (spec §3
// "Policy"). It is replaced wholesale on a hot reload; runtime state is not.
type Policy struct {
	Triggers         Trigger      `json:"triggers"`
	Prerequisites    NetworkState `json:"prerequisites"`
	EnforceIsolation bool         `json:"enforce_isolation"`
	CanRemediate     bool         `json:"can_remediate"`
	AutoRemediate    bool         `json:"auto_remediate"`
	ExemptFlag       bool         `json:"exempt_flag"`
	ExemptUntil      *time.Time   `json:"exempt_until,omitempty"`

	// MaxFrequencyCron, when set, is a standard 5-field cron expression
	// bounding how often this module may run regardless of trigger (spec
	// §4.2 "MAX_FREQUENCY_HIT" hook) — e.g. a fleet-wide policy that caps
	// an expensive scan to "at most once per night" even if a manual
	// trigger or a short evaluation_interval would otherwise run it sooner.
	MaxFrequencyCron string `json:"max_frequency_cron,omitempty"`
}

// Cadence is the declarative, manifest-loaded timing half of a module
// (spec §3 "Cadence").
type Cadence struct {
	EvaluationInterval      time.Duration `json:"evaluation_interval"`
	RetryEvaluationInterval time.Duration `json:"retry_evaluation_interval"`
	EvaluationSkew          time.Duration `json:"evaluation_skew"`
	RemediationInterval     time.Duration `json:"remediation_interval"`
	RetryRemediationInterval time.Duration `json:"retry_remediation_interval"`
	RemediationSkew         time.Duration `json:"remediation_skew"`
	MinEvaluationInterval   time.Duration `json:"min_evaluation_interval"`
	Gracetime               time.Duration `json:"gracetime"`
	IsolationGracetime      time.Duration `json:"isolation_gracetime"`
}

// StateLayout names whether a module's manifest/state is a single JSON file
// or an entire directory (supplemented from original_source's
// needsStateDir/needsManifestDir flags — see SPEC_FULL.md).
type StateLayout int

const (
	// LayoutFile is a single JSON file per module (the common case).
	LayoutFile StateLayout = iota
	// LayoutDir is a dedicated directory per module (quarantine state plus
	// auxiliary per-check files, etc).
	LayoutDir
)

// Evaluator is the capability a module implements to produce an
// EvaluationResult. It is intentionally minimal: the wrapper in Evaluate
// owns everything else (timing, counters, history, aggregate status).
type Evaluator interface {
	EvaluateOnce(trigger Trigger, data interface{}) (EvaluationResult, error)
}

// Remediator is the capability a module implements to attempt remediation.
type Remediator interface {
	RemediateOnce(trigger Trigger, data interface{}) (RemediationResult, error)
}

// StatefulModule is the capability a module implements to persist and
// restore its settings/state across process restarts (spec §4.1 "load").
type StatefulModule interface {
	Load(manifestPath, statePath string) error
	Save(statePath string) error
}

// SupportFileSource is the capability a module implements to register
// evidence files for an evaluation.
type SupportFileSource interface {
	SupportFiles() []SupportFile
}

// ChangeCallback is invoked when a module's (or device's) aggregate
// compliance status changes (spec §4.6). Implementations must not panic;
// the caller recovers and logs regardless.
type ChangeCallback func(newStatus, oldStatus ComplianceStatus, m *Module)

// Module is the core unit the registry loads, the qualifier screens, and the
// executor pool runs (spec §3 "Module"). Identity and Policy/Cadence are
// manifest-derived; the remainder is runtime state owned exclusively by the
// registry. The executor only ever sees a Clone.
type Module struct {
	mu sync.Mutex

	// Identity.
	Identifier string `json:"identifier"`
	Name       string `json:"name"`
	Version    string `json:"version"`
	Priority   int    `json:"priority"`

	Policy  Policy  `json:"policy"`
	Cadence Cadence `json:"cadence"`

	Layout StateLayout `json:"-"`

	// Runtime state.
	Status                RunStatus         `json:"status"`
	LastEvaluationResult   *EvaluationResult `json:"last_evaluation_result,omitempty"`
	LastRemediationResult  *RemediationResult `json:"last_remediation_result,omitempty"`
	EvaluationHistory      *History[EvaluationResult]  `json:"-"`
	RemediationHistory     *History[RemediationResult] `json:"-"`
	FirstFailureDate       *time.Time        `json:"first_failure_date,omitempty"`
	LastKnownCompliant     *time.Time        `json:"last_known_compliant,omitempty"`
	LastKnownNoncompliant  *time.Time        `json:"last_known_noncompliant,omitempty"`
	LastComplianceStatus   ComplianceStatus  `json:"last_compliance_status"`
	EvaluationSkewCurrent  time.Duration     `json:"-"`
	RemediationSkewCurrent time.Duration     `json:"-"`

	// Capabilities. Set by the factory that constructs the concrete module;
	// nil ones simply mean the module doesn't implement that capability.
	Evaluator   Evaluator          `json:"-"`
	Remediator  Remediator         `json:"-"`
	Stateful    StatefulModule     `json:"-"`
	SupportSrc  SupportFileSource  `json:"-"`
	ExecLock    sync.Locker        `json:"-"` // optional per-module execution serialization (spec §5)

	OnChange []ChangeCallback `json:"-"`

	maxHistory int
}

// NewModule constructs a Module with its history buffers sized to
// maxHistory (spec §3 "bounded-history lists (default max 10)").
func NewModule(identifier string, maxHistory int) *Module {
	if maxHistory <= 0 {
		maxHistory = 10
	}
	return &Module{
		Identifier:         identifier,
		Status:             StatusIdle,
		EvaluationHistory:  NewHistory[EvaluationResult](maxHistory),
		RemediationHistory: NewHistory[RemediationResult](maxHistory),
		maxHistory:         maxHistory,
	}
}

// Lock/Unlock satisfy sync.Locker so the registry can guard field access
// with the same idiom it uses elsewhere, without exposing mu directly.
func (m *Module) Lock()   { m.mu.Lock() }
func (m *Module) Unlock() { m.mu.Unlock() }

// Clone produces a deep copy of the module for handoff across the
// queue/executor boundary (spec §3 "the executor works on a deep copy").
// The capability fields (Evaluator, Remediator, ...) are shared by
// reference since they are the module's behavior, not its data.
func (m *Module) Clone() *Module {
	m.mu.Lock()
	defer m.mu.Unlock()

	clone := &Module{
		Identifier:             m.Identifier,
		Name:                   m.Name,
		Version:                m.Version,
		Priority:               m.Priority,
		Policy:                 m.Policy,
		Cadence:                m.Cadence,
		Layout:                 m.Layout,
		Status:                 m.Status,
		LastComplianceStatus:   m.LastComplianceStatus,
		EvaluationSkewCurrent:  m.EvaluationSkewCurrent,
		RemediationSkewCurrent: m.RemediationSkewCurrent,
		Evaluator:              m.Evaluator,
		Remediator:             m.Remediator,
		Stateful:               m.Stateful,
		SupportSrc:             m.SupportSrc,
		ExecLock:               m.ExecLock,
		OnChange:               m.OnChange,
		maxHistory:             m.maxHistory,
	}
	if m.Policy.ExemptUntil != nil {
		t := *m.Policy.ExemptUntil
		clone.Policy.ExemptUntil = &t
	}
	if m.LastEvaluationResult != nil {
		r := m.LastEvaluationResult.Clone()
		clone.LastEvaluationResult = &r
	}
	if m.LastRemediationResult != nil {
		r := m.LastRemediationResult.Clone()
		clone.LastRemediationResult = &r
	}
	if m.FirstFailureDate != nil {
		t := *m.FirstFailureDate
		clone.FirstFailureDate = &t
	}
	if m.LastKnownCompliant != nil {
		t := *m.LastKnownCompliant
		clone.LastKnownCompliant = &t
	}
	if m.LastKnownNoncompliant != nil {
		t := *m.LastKnownNoncompliant
		clone.LastKnownNoncompliant = &t
	}
	if m.EvaluationHistory != nil {
		clone.EvaluationHistory = m.EvaluationHistory.Clone()
	}
	if m.RemediationHistory != nil {
		clone.RemediationHistory = m.RemediationHistory.Clone()
	}
	return clone
}

// QueueKey returns the execution-queue key for this module under a given
// trigger, per spec §3: `"<moduleId>.<trigger>"`.
func (m *Module) QueueKey(trigger Trigger) string {
	return m.Identifier + "." + trigger.String()
}

// NewRequestUUID mints a fresh UUID for an ExecutionRequest.
func NewRequestUUID() string {
	return uuid.New().String()
}

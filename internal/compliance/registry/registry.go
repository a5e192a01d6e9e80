// Package registry implements the module registry (spec §4.1): it holds
// loaded compliance modules by identifier, allocates their manifest/state
// paths, and merges runtime state across hot reloads.
package registry

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/logging"
)

// Factory produces a concrete module instance for a given identifier. The
// typed-language equivalent of the dynamic plugin discovery the original
// system used (spec §9 "Plugin loading in a typed language"): instead of
// scanning a directory for dynamically loadable code, modules register a
// Factory at program init time and the registry instantiates by name.
type Factory func(identifier string, maxHistory int) *module.Module

// Registry maintains the identifier -> module mapping. A single mutex
// protects both the map and its registration order, mirroring the teacher's
// system/core Registry.
type Registry struct {
	mu        sync.Mutex
	modules   map[string]*module.Module
	order     []string
	manifests string
	state     string
	log       *logging.Logger
}

// New creates an empty Registry rooted at manifestsDir/stateDir (spec §6
// persisted state layout: "manifests/", "state/").
func New(manifestsDir, stateDir string, log *logging.Logger) *Registry {
	if log == nil {
		log = logging.NewFromEnv("compliance.registry")
	}
	return &Registry{
		modules:   make(map[string]*module.Module),
		manifests: manifestsDir,
		state:     stateDir,
		log:       log,
	}
}

// LoadReport summarizes a Load call: how many modules loaded cleanly and
// which identifiers failed, without ever failing the whole batch (spec
// §4.1 "Failure to load any individual module is logged and counted but
// never fails the batch").
type LoadReport struct {
	Loaded  []string
	Failed  map[string]error
}

// ManifestPath returns the manifest path for identifier given its state
// layout (a single JSON file, or a directory when needsManifestDir).
func (r *Registry) ManifestPath(identifier string, layout module.StateLayout) string {
	if layout == module.LayoutDir {
		return filepath.Join(r.manifests, identifier)
	}
	return filepath.Join(r.manifests, identifier+".json")
}

// StatePath returns the state path for identifier given its state layout.
func (r *Registry) StatePath(identifier string, layout module.StateLayout) string {
	if layout == module.LayoutDir {
		return filepath.Join(r.state, identifier)
	}
	return filepath.Join(r.state, identifier+".json")
}

// Load instantiates one module via factory for identifier, allocates its
// manifest/state paths (a dedicated directory when the layout calls for
// one), restores settings/state via the module's Load capability, and
// registers it. If an entry already exists under identifier, runtime state
// is merged from the old entry onto the new one before it replaces the old
// (spec §4.1 "hot replace preserves runtime state keys"; SPEC_FULL.md
// supplemented feature 2).
//
// sendEvents makes Load write an info-level "compliance module loaded" log
// line for the module; the registry itself has no dependency on the sink
// and emits no sink event.
func (r *Registry) Load(identifier string, layout module.StateLayout, maxHistory int, factory Factory, sendEvents bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.ensurePaths(identifier, layout); err != nil {
		return fmt.Errorf("allocate paths for %q: %w", identifier, err)
	}

	fresh := factory(identifier, maxHistory)
	if fresh == nil {
		return fmt.Errorf("factory for %q returned nil", identifier)
	}
	fresh.Identifier = identifier
	fresh.Layout = layout

	if fresh.Stateful != nil {
		manifestPath := r.ManifestPath(identifier, layout)
		statePath := r.StatePath(identifier, layout)
		if err := fresh.Stateful.Load(manifestPath, statePath); err != nil {
			return fmt.Errorf("load module %q: %w", identifier, err)
		}
	}

	if old, exists := r.modules[identifier]; exists {
		mergeRuntimeState(old, fresh)
	} else {
		r.order = append(r.order, identifier)
	}

	r.modules[identifier] = fresh

	if sendEvents {
		r.log.WithField("module", identifier).Info("compliance module loaded")
	}
	return nil
}

// LoadAll scans entries (identifier -> layout) and loads each, collecting
// per-identifier failures into a LoadReport rather than aborting the batch.
func (r *Registry) LoadAll(entries map[string]module.StateLayout, maxHistory int, factories map[string]Factory, sendEvents bool) LoadReport {
	report := LoadReport{Failed: make(map[string]error)}

	identifiers := make([]string, 0, len(entries))
	for id := range entries {
		identifiers = append(identifiers, id)
	}
	sort.Strings(identifiers)

	for _, id := range identifiers {
		factory, ok := factories[id]
		if !ok {
			report.Failed[id] = fmt.Errorf("no factory registered for %q", id)
			continue
		}
		if err := r.Load(id, entries[id], maxHistory, factory, sendEvents); err != nil {
			r.log.WithError(err).WithField("module", id).Warn("failed to load compliance module")
			report.Failed[id] = err
			continue
		}
		report.Loaded = append(report.Loaded, id)
	}
	return report
}

// mergeRuntimeState copies the runtime-state fields (spec §3 "Runtime
// state") from old onto fresh, leaving fresh's Policy/Cadence (the
// newly-loaded manifest values) untouched. This is what makes a config
// reload preserve in-flight history instead of resetting every module to a
// blank slate.
func mergeRuntimeState(old, fresh *module.Module) {
	old.Lock()
	defer old.Unlock()

	fresh.Status = old.Status
	fresh.LastEvaluationResult = old.LastEvaluationResult
	fresh.LastRemediationResult = old.LastRemediationResult
	fresh.EvaluationHistory = old.EvaluationHistory
	fresh.RemediationHistory = old.RemediationHistory
	fresh.FirstFailureDate = old.FirstFailureDate
	fresh.LastKnownCompliant = old.LastKnownCompliant
	fresh.LastKnownNoncompliant = old.LastKnownNoncompliant
	fresh.LastComplianceStatus = old.LastComplianceStatus
	fresh.EvaluationSkewCurrent = old.EvaluationSkewCurrent
	fresh.RemediationSkewCurrent = old.RemediationSkewCurrent
}

// ensurePaths creates the manifest/state directories a module needs before
// its own Load is invoked (spec §7 "missing base directories created with
// 0755").
func (r *Registry) ensurePaths(identifier string, layout module.StateLayout) error {
	if err := os.MkdirAll(r.manifests, 0o755); err != nil {
		return err
	}
	if err := os.MkdirAll(r.state, 0o755); err != nil {
		return err
	}
	if layout == module.LayoutDir {
		if err := os.MkdirAll(filepath.Join(r.manifests, identifier), 0o755); err != nil {
			return err
		}
		if err := os.MkdirAll(filepath.Join(r.state, identifier), 0o755); err != nil {
			return err
		}
	}
	return nil
}

// Unload removes identifier from the registry (spec §4.1 "unload").
func (r *Registry) Unload(identifier string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.modules[identifier]; !exists {
		return fmt.Errorf("module %q not loaded", identifier)
	}
	delete(r.modules, identifier)

	newOrder := make([]string, 0, len(r.order))
	for _, id := range r.order {
		if id != identifier {
			newOrder = append(newOrder, id)
		}
	}
	r.order = newOrder
	return nil
}

// Get returns the live module for identifier, or nil if not loaded. The
// registry lock is held only long enough to read the map entry; callers
// must use the module's own Lock/Unlock to read or mutate its fields.
func (r *Registry) Get(identifier string) *module.Module {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.modules[identifier]
}

// IsLoaded reports whether identifier currently has a live module.
func (r *Registry) IsLoaded(identifier string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.modules[identifier]
	return ok
}

// List returns all loaded modules in registration order.
func (r *Registry) List() []*module.Module {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]*module.Module, 0, len(r.order))
	for _, id := range r.order {
		if m, ok := r.modules[id]; ok {
			out = append(out, m)
		}
	}
	return out
}

// SaveState persists identifier's state to disk via its Stateful
// capability, if it has one. Called after every terminal execution (spec
// §4.4 step 6 "call module.save()").
func (r *Registry) SaveState(identifier string) error {
	m := r.Get(identifier)
	if m == nil {
		return fmt.Errorf("module %q not loaded", identifier)
	}
	if m.Stateful == nil {
		return nil
	}
	return m.Stateful.Save(r.StatePath(identifier, m.Layout))
}

// Package daemon wires together the compliance controller, configuration
// controller, registration manager, and event sink into the single
// long-running process described by spec.md (the engine-equivalent the
// teacher's application.go plays for its own services).
package daemon

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/controller"
	"github.com/amzn/acme-compliance-agent/internal/compliance/executor"
	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/compliance/queue"
	"github.com/amzn/acme-compliance-agent/internal/compliance/registry"
	"github.com/amzn/acme-compliance-agent/internal/config"
	"github.com/amzn/acme-compliance-agent/internal/configctl"
	"github.com/amzn/acme-compliance-agent/internal/eventsink"
	"github.com/amzn/acme-compliance-agent/internal/identity"
	"github.com/amzn/acme-compliance-agent/internal/installer"
	"github.com/amzn/acme-compliance-agent/internal/logging"
	"github.com/amzn/acme-compliance-agent/internal/network"
	"github.com/amzn/acme-compliance-agent/internal/platform"
	"github.com/amzn/acme-compliance-agent/internal/registrar"
	"github.com/amzn/acme-compliance-agent/internal/registration"
	"github.com/amzn/acme-compliance-agent/internal/timer"
)

// reloadDrainTimeout bounds how long Reload waits for the response queue
// to empty before proceeding anyway (spec §9 open question "Reload
// ordering" is a best-effort pause, not a hard guarantee).
const reloadDrainTimeout = 5 * time.Second

// Daemon owns every subsystem's lifecycle and implements the reload
// ordering decided in SPEC_FULL.md's Open Question Decisions.
type Daemon struct {
	cfg  *config.Config
	log  *logging.Logger
	mu   sync.Mutex

	featuresPath string
	features     daemonFeatures

	registry     *registry.Registry
	controller   *controller.Controller
	configctl    *configctl.Controller
	registration *registration.Manager
	regTimer     *timer.Timer
	sink         *eventsink.Sink

	factories map[string]registry.Factory
	layouts   map[string]module.StateLayout

	startedAt time.Time
	cancel    context.CancelFunc
}

type daemonFeatures = FeatureControls

// ModuleFactories is the set of compliance module constructors the daemon
// knows how to instantiate by identifier (spec §4.1 "modules register a
// Factory at program init time").
type ModuleFactories struct {
	Factories map[string]registry.Factory
	Layouts   map[string]module.StateLayout
}

// New wires every subsystem from cfg. It does not start anything; call
// Start to begin running.
func New(cfg *config.Config, mods ModuleFactories, log *logging.Logger) (*Daemon, error) {
	if log == nil {
		log = logging.NewFromEnv("daemon")
	}

	featuresPath := filepath.Join(cfg.Paths.Manifests(), "acme.json")
	features, err := LoadFeatureControls(featuresPath)
	if err != nil {
		return nil, fmt.Errorf("load feature controls: %w", err)
	}

	reg := registry.New(cfg.Paths.Manifests(), cfg.Paths.State(), log.With("registry"))

	routeMapPath := filepath.Join(cfg.Paths.BaseDir, "routes", "routes.json")
	routes, err := eventsink.LoadRouteMap(routeMapPath)
	if err != nil {
		return nil, fmt.Errorf("load route map: %w", err)
	}
	bufferPath := filepath.Join(cfg.Paths.State(), "karl_queue.data")
	sink := eventsink.New(routes, nil, eventsink.NewDiskBuffer(bufferPath), nil, log.With("eventsink"))

	responses := queue.New[queue.ExecutionResponse](256)
	tracker := queue.NewTracker(cfg.Compliance.RequeueThreshold)
	detector := network.NewDefault()

	ctrl := controller.New(controller.Config{
		RoutineTickInterval: cfg.Compliance.RoutineTickInterval,
		Pool: executor.Config{
			MaxNumExecutors: cfg.Compliance.MaxNumExecutors,
			IdleTTL:         cfg.Compliance.ExecutorIdleTTL,
			ExecutionSLA:    cfg.Compliance.ExecutionSLA,
			ShutdownWait:    cfg.Compliance.ExecutorShutdownWait,
		},
	}, reg, tracker, responses, detector, sink, log.With("controller"))

	d := &Daemon{
		cfg:          cfg,
		log:          log,
		featuresPath: featuresPath,
		features:     features,
		registry:     reg,
		controller:   ctrl,
		sink:         sink,
		factories:    mods.Factories,
		layouts:      mods.Layouts,
	}

	if cfg.Registration.Enabled {
		client, err := registrar.New(registrar.Config{BaseURL: cfg.Registration.RegistrarURL})
		if err != nil {
			return nil, fmt.Errorf("create registrar client: %w", err)
		}
		regMgr, err := registration.New(cfg.Paths.BaseDir, client, sink, log.With("registration"))
		if err != nil {
			return nil, fmt.Errorf("create registration manager: %w", err)
		}
		regMgr.OnRegistered = func() {
			d.mu.Lock()
			defer d.mu.Unlock()
			if d.configctl != nil {
				d.configctl.Stop()
				d.configctl.Start(context.Background())
			}
		}
		d.registration = regMgr
	}

	if cfg.Installer.Enabled && d.registration != nil {
		client, err := registrar.New(registrar.Config{
			BaseURL:  cfg.Registration.RegistrarURL,
			Identity: registration.NewAuthenticator(d.registration),
		})
		if err != nil {
			return nil, fmt.Errorf("create installer registrar client: %w", err)
		}

		pipeline := installer.New(installer.Config{
			StagingRoot:       filepath.Join(cfg.Paths.State(), "installers", "staging"),
			LoadRoot:          cfg.Paths.Installers(),
			PrimaryIdentifier: cfg.Installer.PrimaryIdentifier,
			Probe:             platform.NewDefault(nil),
			Sink:              sink,
			Log:               log.With("installer"),
		})

		installerCfgModule := configctl.NewInstallerConfigModule(client, installerApplierAdapter{pipeline})
		complianceCfgModule := configctl.NewComplianceConfigModule(client, cfg.Paths.Manifests(), d)
		d.configctl = configctl.New([]configctl.SubModule{installerCfgModule, complianceCfgModule}, log.With("configctl"))
	}

	return d, nil
}

// installerApplierAdapter bridges configctl's wire-shaped InstallerTarget to
// the installer package's own Target, since the configuration controller
// knows nothing about the installer pipeline's internal types.
type installerApplierAdapter struct {
	pipeline *installer.Pipeline
}

func (a installerApplierAdapter) Apply(ctx context.Context, targets []configctl.InstallerTarget) error {
	converted := make([]installer.Target, len(targets))
	for i, t := range targets {
		converted[i] = installer.Target{
			Identifier:          t.Identifier,
			Version:             t.Version,
			Priority:            t.Priority,
			DownloadURL:         t.DownloadURL,
			SignatureURL:        t.SignatureURL,
			FileHash:            t.FileHash,
			BadVersions:         t.BadVersions,
			IsInstallableByAcme: t.IsInstallableByAcme,
		}
	}
	return a.pipeline.Apply(ctx, converted)
}

// ReloadManifests implements configctl.ModuleReloader: after new manifest
// files land on disk, reload each named identifier through the registered
// factory so hot-replace state merge applies (registry.Load does this
// automatically).
func (d *Daemon) ReloadManifests(identifiers []string) error {
	var firstErr error
	for _, id := range identifiers {
		factory, ok := d.factories[id]
		if !ok {
			continue
		}
		layout := d.layouts[id]
		if err := d.registry.Load(id, layout, d.cfg.Compliance.MaxHistoryLength, factory, true); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Start loads the initial manifest set and starts every feature-enabled
// subsystem.
func (d *Daemon) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.startedAt = time.Now()

	entries := make(map[string]module.StateLayout, len(d.factories))
	for id := range d.factories {
		entries[id] = d.layouts[id]
	}
	report := d.registry.LoadAll(entries, d.cfg.Compliance.MaxHistoryLength, d.factories, false)
	for id, err := range report.Failed {
		d.log.WithError(err).WithField("module", id).Warn("module failed to load at startup")
	}

	if d.features.ComplianceEnabled {
		go d.controller.Run(ctx)
	}
	if d.features.KarlRegistrarEnabled && d.registration != nil {
		d.regTimer = d.registration.NewTimer(ctx, d.log.With("registration.timer"))
		d.regTimer.Start()
	}
	if d.features.UsherEnabled && d.configctl != nil {
		d.configctl.Start(ctx)
	}
	return nil
}

// Stop cancels every running subsystem.
func (d *Daemon) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
	d.controller.Stop()
	if d.regTimer != nil {
		d.regTimer.Cancel()
	}
	if d.configctl != nil {
		d.configctl.Stop()
	}
}

// Reload implements spec §9's "Reload ordering" open question decision:
// stop the configuration controller's timers, wait (up to
// reloadDrainTimeout) for the compliance controller's response queue to
// drain, re-read acme.json and reload module settings under the
// controller's load lock, then restart the configuration controller if
// usher_enabled is set. The compliance controller keeps running throughout.
func (d *Daemon) Reload(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.configctl != nil {
		d.configctl.Stop()
		defer func() {
			if d.features.UsherEnabled {
				d.configctl.Start(context.Background())
			}
		}()
	}

	deadline := time.Now().Add(reloadDrainTimeout)
	for d.controller.PendingResponses() > 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}

	features, err := LoadFeatureControls(d.featuresPath)
	if err != nil {
		return fmt.Errorf("reload feature controls: %w", err)
	}

	var reloadErr error
	d.controller.WithLoadLock(func() {
		d.features = features
		entries := make(map[string]module.StateLayout, len(d.factories))
		for id := range d.factories {
			entries[id] = d.layouts[id]
		}
		report := d.registry.LoadAll(entries, d.cfg.Compliance.MaxHistoryLength, d.factories, true)
		for id, err := range report.Failed {
			d.log.WithError(err).WithField("module", id).Warn("module failed to reload")
		}
		if len(report.Failed) > 0 {
			reloadErr = fmt.Errorf("%d module(s) failed to reload", len(report.Failed))
		}
	})
	return reloadErr
}

// ReloadAllModules re-runs LoadAll against every registered factory without
// touching feature controls or the configuration controller (spec §6
// "ReloadModules -> compliance-module admin"), unlike the fuller Reload
// which also reconciles acme.json and configctl.
func (d *Daemon) ReloadAllModules() error {
	d.mu.Lock()
	defer d.mu.Unlock()

	var reloadErr error
	d.controller.WithLoadLock(func() {
		entries := make(map[string]module.StateLayout, len(d.factories))
		for id := range d.factories {
			entries[id] = d.layouts[id]
		}
		report := d.registry.LoadAll(entries, d.cfg.Compliance.MaxHistoryLength, d.factories, true)
		for id, err := range report.Failed {
			d.log.WithError(err).WithField("module", id).Warn("module failed to reload")
		}
		if len(report.Failed) > 0 {
			reloadErr = fmt.Errorf("%d module(s) failed to reload", len(report.Failed))
		}
	})
	return reloadErr
}

// Registry exposes the module registry for the IPC layer's read-only
// queries.
func (d *Daemon) Registry() *registry.Registry { return d.registry }

// Controller exposes the compliance controller for the IPC layer.
func (d *Daemon) Controller() *controller.Controller { return d.controller }

// Registration exposes the registration manager for the IPC layer (may be
// nil if disabled).
func (d *Daemon) Registration() *registration.Manager { return d.registration }

// Sink exposes the event sink so the IPC layer can implement
// CommitKARLEvent / ProxyEvent.
func (d *Daemon) Sink() *eventsink.Sink { return d.sink }

// Identity exposes the current device identity for GetJWT, or nil before
// first registration.
func (d *Daemon) Identity() *identity.Identity {
	if d.registration == nil {
		return nil
	}
	return d.registration.Identity()
}

// Config exposes the daemon's configuration for the IPC layer's read-only
// queries (base directory, installer/registration settings).
func (d *Daemon) Config() *config.Config { return d.cfg }

// ReadGroupCache returns the raw contents of state/group_cache.data (spec
// §6 "GetGroupCache"), or nil if the file has never been written.
func (d *Daemon) ReadGroupCache() ([]byte, error) {
	data, err := os.ReadFile(filepath.Join(d.cfg.Paths.State(), "group_cache.data"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read group cache: %w", err)
	}
	return data, nil
}

// StartedAt returns when Start was last called, the zero value before the
// daemon has started.
func (d *Daemon) StartedAt() time.Time { return d.startedAt }

// FeatureControls returns the currently-active feature controls (spec §6
// "acme.json").
func (d *Daemon) FeatureControls() FeatureControls {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.features
}

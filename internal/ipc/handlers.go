package ipc

import (
	"context"
	"fmt"
	"os/user"
	"time"

	"github.com/amzn/acme-compliance-agent/internal/compliance/module"
	"github.com/amzn/acme-compliance-agent/internal/daemon"
	"github.com/amzn/acme-compliance-agent/internal/eventsink"
	"github.com/amzn/acme-compliance-agent/internal/logging"
	"github.com/amzn/acme-compliance-agent/pkg/version"
)

// Handler implements every command spec §6's CLI surface names, against a
// single daemon instance. Shutdown is the only command that does not
// answer over HTTP in the usual sense: it asks the owning server to stop in
// the background and returns its reply without waiting for that.
type Handler struct {
	daemon    *daemon.Daemon
	log       *logging.Logger
	procs     *processTracker
	onShutdown func()
}

// NewHandler builds a Handler bound to d. onShutdown is started on its own
// goroutine when the Shutdown command is handled, so the HTTP server (and
// then the daemon) can stop; the command's response is returned without
// waiting for it.
func NewHandler(d *daemon.Daemon, onShutdown func(), log *logging.Logger) *Handler {
	if log == nil {
		log = logging.NewFromEnv("ipc")
	}
	return &Handler{daemon: d, log: log, procs: newProcessTracker(), onShutdown: onShutdown}
}

// Shutdown implements spec §6 `Shutdown`.
func (h *Handler) Shutdown(ctx context.Context) Response {
	if h.onShutdown != nil {
		go h.onShutdown()
	}
	return ok(nil)
}

// Reload implements spec §6 `Reload`.
func (h *Handler) Reload(ctx context.Context) Response {
	if err := h.daemon.Reload(ctx); err != nil {
		return errorResponse(err)
	}
	return ok(nil)
}

// evaluateRemediateRequest is the shared body shape for ComplianceEvaluate
// and ComplianceRemediate (spec §6 "{identifier?}").
type evaluateRemediateRequest struct {
	Identifier string `json:"identifier,omitempty"`
}

const (
	allModulesProcessKey = "__all__"
)

// ComplianceEvaluate implements spec §6 `ComplianceEvaluate {identifier?}`:
// it spawns the evaluation asynchronously and reports STATUS_PROCESS_RUNNING
// immediately, mirroring the original CLI's fire-and-poll shape.
func (h *Handler) ComplianceEvaluate(ctx context.Context, req evaluateRemediateRequest) Response {
	return h.spawnTrigger(ctx, "evaluate", req.Identifier, module.ActionEvaluation)
}

// ComplianceRemediate implements spec §6 `ComplianceRemediate {identifier?}`.
func (h *Handler) ComplianceRemediate(ctx context.Context, req evaluateRemediateRequest) Response {
	return h.spawnTrigger(ctx, "remediate", req.Identifier, module.ActionRemediation)
}

func (h *Handler) spawnTrigger(ctx context.Context, verb, identifier string, action module.Action) Response {
	key := verb + ":" + identifier
	if identifier == "" {
		key = verb + ":" + allModulesProcessKey
	}

	if !h.procs.Start(key) {
		return Response{Status: StatusProcessRunning}
	}

	go func() {
		var err error
		if identifier != "" {
			err = h.daemon.Controller().ExecuteTriggerFor(context.Background(), identifier, module.TriggerManual, action, nil)
		} else {
			h.daemon.Controller().ExecuteTrigger(context.Background(), module.TriggerManual, action, nil)
		}
		h.procs.Finish(key, err)
	}()

	return Response{Status: StatusProcessRunning}
}

// GetComplianceEvaluationStatus implements spec §6's poll for
// ComplianceEvaluate.
func (h *Handler) GetComplianceEvaluationStatus(ctx context.Context, req evaluateRemediateRequest) Response {
	return h.pollTrigger("evaluate", req.Identifier)
}

// GetComplianceRemediationStatus implements spec §6's poll for
// ComplianceRemediate.
func (h *Handler) GetComplianceRemediationStatus(ctx context.Context, req evaluateRemediateRequest) Response {
	return h.pollTrigger("remediate", req.Identifier)
}

func (h *Handler) pollTrigger(verb, identifier string) Response {
	key := verb + ":" + identifier
	if identifier == "" {
		key = verb + ":" + allModulesProcessKey
	}

	running, lastErr, ranAtLeastOnce := h.procs.Status(key)
	if running {
		return Response{Status: StatusProcessRunning}
	}
	if !ranAtLeastOnce {
		return subsystemUnset(fmt.Sprintf("no %s has been started for %q", verb, identifier))
	}
	if lastErr != nil {
		return errorResponse(lastErr)
	}
	return ok(nil)
}

type complianceStatusRequest struct {
	NoHistory bool `json:"no_history,omitempty"`
}

// GetComplianceStatus implements spec §6 `GetComplianceStatus {no-history?}`.
func (h *Handler) GetComplianceStatus(ctx context.Context, req complianceStatusRequest) Response {
	ctrl := h.daemon.Controller()
	snap := buildComplianceSnapshot(h.daemon.Registry().List(), ctrl.DeviceStatus(), !req.NoHistory)
	return ok(snap)
}

// GetVersion implements spec §6 `GetVersion`.
func (h *Handler) GetVersion(ctx context.Context) Response {
	return ok(map[string]string{"version": version.Version, "go_version": version.GoVersion})
}

// GetStatus implements spec §6 `GetStatus`: coarse daemon liveness plus
// uptime.
func (h *Handler) GetStatus(ctx context.Context) Response {
	features := h.daemon.FeatureControls()
	uptime := time.Duration(0)
	if started := h.daemon.StartedAt(); !started.IsZero() {
		uptime = time.Since(started)
	}
	return ok(map[string]interface{}{
		"running":         !h.daemon.StartedAt().IsZero(),
		"uptime":          uptime.String(),
		"feature_controls": features,
	})
}

// GetSystemID implements spec §6 `GetSystemID`.
func (h *Handler) GetSystemID(ctx context.Context) Response {
	reg := h.daemon.Registration()
	if reg == nil {
		return subsystemUnset("registration is disabled")
	}
	return ok(map[string]string{"system_id": reg.SystemID()})
}

// GetCurrentUser implements spec §6 `GetCurrentUser`.
func (h *Handler) GetCurrentUser(ctx context.Context) Response {
	u, err := user.Current()
	if err != nil {
		return errorResponse(fmt.Errorf("resolve current user: %w", err))
	}
	return ok(map[string]string{"username": u.Username, "uid": u.Uid, "home_dir": u.HomeDir})
}

// GetIsRegistered implements spec §6 `GetIsRegistered`.
func (h *Handler) GetIsRegistered(ctx context.Context) Response {
	reg := h.daemon.Registration()
	if reg == nil {
		return subsystemUnset("registration is disabled")
	}
	return ok(map[string]bool{"registered": reg.IsRegistered()})
}

// GetNetworkStatus implements spec §6 `GetNetworkStatus`.
func (h *Handler) GetNetworkStatus(ctx context.Context) Response {
	return ok(map[string]string{"network_state": h.daemon.Controller().NetworkState().String()})
}

// GetAgentStatus implements spec §6 `GetAgentStatus`: a roll-up of
// feature-gated subsystem liveness.
func (h *Handler) GetAgentStatus(ctx context.Context) Response {
	features := h.daemon.FeatureControls()
	return ok(map[string]interface{}{
		"compliance_enabled":       features.ComplianceEnabled,
		"usher_enabled":            features.UsherEnabled,
		"karl_registrar_enabled":   features.KarlRegistrarEnabled,
		"device_compliance_status": h.daemon.Controller().DeviceStatus().String(),
		"modules_loaded":           len(h.daemon.Registry().List()),
	})
}

// GetKARLStatus implements spec §6 `GetKARLStatus`: the offline event
// buffer's current depth.
func (h *Handler) GetKARLStatus(ctx context.Context) Response {
	return ok(map[string]int{"queued_events": h.daemon.Sink().QueueDepth()})
}

// GetACMEHealthInfo implements spec §6 `GetACMEHealthInfo`: a combined
// health summary across the subsystems this daemon owns.
func (h *Handler) GetACMEHealthInfo(ctx context.Context) Response {
	reg := h.daemon.Registration()
	registered := false
	if reg != nil {
		registered = reg.IsRegistered()
	}
	return ok(map[string]interface{}{
		"registered":               registered,
		"device_compliance_status": h.daemon.Controller().DeviceStatus().String(),
		"queued_events":            h.daemon.Sink().QueueDepth(),
		"modules_loaded":           len(h.daemon.Registry().List()),
	})
}

type jwtRequest struct {
	Duration string `json:"duration,omitempty"`
}

// GetJWT implements spec §6 `GetJWT {duration?}`: signs a short-lived
// posture token with the device's current identity.
func (h *Handler) GetJWT(ctx context.Context, req jwtRequest) Response {
	id := h.daemon.Identity()
	if id == nil {
		return subsystemUnset("no registered identity yet")
	}

	d := time.Minute
	if req.Duration != "" {
		parsed, err := time.ParseDuration(req.Duration)
		if err != nil {
			return errorResponse(fmt.Errorf("parse duration: %w", err))
		}
		d = parsed
	}

	token, err := id.SignJWT(d, nil)
	if err != nil {
		return errorResponse(fmt.Errorf("sign jwt: %w", err))
	}
	return ok(map[string]string{"jwt": token})
}

type registerRequest struct {
	Token string `json:"token"`
	Force bool   `json:"force,omitempty"`
}

const registrationProcessKey = "register"

// RegisterWithToken implements spec §6 `RegisterWithToken {token, force?}`:
// asynchronous registration, polled via GetRegistrationStatus.
func (h *Handler) RegisterWithToken(ctx context.Context, req registerRequest) Response {
	reg := h.daemon.Registration()
	if reg == nil {
		return subsystemUnset("registration is disabled")
	}
	if !req.Force && reg.IsRegistered() {
		return Response{Status: StatusRegisteredAlready}
	}

	if !h.procs.Start(registrationProcessKey) {
		return Response{Status: StatusProcessRunning}
	}
	go func() {
		err := reg.RegisterSystem(context.Background(), req.Token)
		h.procs.Finish(registrationProcessKey, err)
	}()
	return Response{Status: StatusProcessRunning}
}

// GetRegistrationStatus implements spec §6's poll for RegisterWithToken.
func (h *Handler) GetRegistrationStatus(ctx context.Context) Response {
	reg := h.daemon.Registration()
	if reg == nil {
		return subsystemUnset("registration is disabled")
	}

	running, lastErr, ranAtLeastOnce := h.procs.Status(registrationProcessKey)
	if running {
		return Response{Status: StatusProcessRunning}
	}
	if ranAtLeastOnce && lastErr != nil {
		return errorResponse(lastErr)
	}
	return ok(map[string]bool{"registered": reg.IsRegistered()})
}

type karlEventRequest struct {
	EventType   string      `json:"event_type"`
	SubjectArea string      `json:"subject_area"`
	EventData   interface{} `json:"event_data"`
}

// CommitKARLEvent implements spec §6 `CommitKARLEvent {event_data}`.
func (h *Handler) CommitKARLEvent(ctx context.Context, req karlEventRequest) Response {
	if err := h.daemon.Sink().Emit(req.EventType, req.SubjectArea, req.EventData); err != nil {
		return errorResponse(err)
	}
	return ok(nil)
}

// ProxyEvent implements spec §6 `ProxyEvent {event_data}`: the user-session
// agent forwards a system event for the daemon to commit on its behalf.
// High priority, since proxied events are typically session-lifecycle
// signals KARL wants flushed ahead of routine telemetry.
func (h *Handler) ProxyEvent(ctx context.Context, req karlEventRequest) Response {
	if err := h.daemon.Sink().EmitWithPriority(req.EventType, req.SubjectArea, req.EventData, eventsink.PriorityHigh); err != nil {
		return errorResponse(err)
	}
	return ok(nil)
}

type moduleStatusRequest struct {
	Identifier string `json:"identifier"`
}

// ModuleStatus implements spec §6 `ModuleStatus {identifier}`.
func (h *Handler) ModuleStatus(ctx context.Context, req moduleStatusRequest) Response {
	m := h.daemon.Registry().Get(req.Identifier)
	if m == nil {
		return subsystemUnset(fmt.Sprintf("module %q is not loaded", req.Identifier))
	}
	snap := buildComplianceSnapshot([]*module.Module{m}, h.daemon.Controller().DeviceStatus(), true)
	return ok(snap.Modules[0])
}

// ReloadModules implements spec §6 `ReloadModules`.
func (h *Handler) ReloadModules(ctx context.Context) Response {
	if err := h.daemon.ReloadAllModules(); err != nil {
		return errorResponse(err)
	}
	return ok(nil)
}

// GetGroupCache implements spec §6 `GetGroupCache`: returns the raw
// contents of state/group_cache.data, empty if the file has never been
// written. This daemon does not resolve group membership and never writes
// that file itself.
func (h *Handler) GetGroupCache(ctx context.Context) Response {
	data, err := h.daemon.ReadGroupCache()
	if err != nil {
		return errorResponse(err)
	}
	return ok(map[string]string{"group_cache": string(data)})
}

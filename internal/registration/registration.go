// Package registration implements the Registration Manager (spec §4.10):
// it maintains a signed device identity with the central registrar,
// handles first registration and periodic renewal, and runs both on a
// recurring timer with exponential backoff.
package registration

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/amzn/acme-compliance-agent/internal/identity"
	"github.com/amzn/acme-compliance-agent/internal/logging"
	"github.com/amzn/acme-compliance-agent/internal/registrar"
	"github.com/amzn/acme-compliance-agent/internal/timer"
)

// Default recurring-handler cadence (spec §4.10 "base frequency ~60 min,
// skew ~15 min, retry frequency 30 s, max retry 1 h").
const (
	BaseFrequency     = 60 * time.Minute
	Skew              = 15 * time.Minute
	RetryFrequency    = 30 * time.Second
	MaxRetryFrequency = time.Hour
)

// Sink is the narrow event-emission contract this package needs (spec
// §4.10 "submits a SystemRegInfo event").
type Sink interface {
	Emit(eventType, subjectArea string, payload interface{}) error
}

// data is the persisted shape of registration.json / registration_data.json
// (spec §6 "registration.json, registration_data.json").
type data struct {
	UUID        string    `json:"uuid"`
	Registered  bool      `json:"registered"`
	RenewalDate time.Time `json:"renewal_date"`
}

// Manager owns the device identity lifecycle.
type Manager struct {
	mu sync.Mutex

	baseDir  string
	client   *registrar.Client
	sink     Sink
	log      *logging.Logger
	identity *identity.Identity
	state    data

	// OnRegistered fires after a successful first registration (spec §4.10
	// "emit a local SystemDidRegister hook that restarts the configuration
	// controller"). May be nil.
	OnRegistered func()
}

func registrationPath(baseDir string) string { return filepath.Join(baseDir, "manifests", "registration.json") }
func dataPath(baseDir string) string         { return filepath.Join(baseDir, "manifests", "registration_data.json") }
func identityDir(baseDir string) string      { return filepath.Join(baseDir, "identity") }

// New loads any persisted registration state and identity under baseDir.
// A missing registration file is not an error: the manager starts
// unregistered.
func New(baseDir string, client *registrar.Client, sink Sink, log *logging.Logger) (*Manager, error) {
	if log == nil {
		log = logging.NewFromEnv("registration")
	}
	m := &Manager{baseDir: baseDir, client: client, sink: sink, log: log}

	raw, err := os.ReadFile(registrationPath(baseDir))
	switch {
	case err == nil:
		if err := json.Unmarshal(raw, &m.state); err != nil {
			return nil, fmt.Errorf("parse registration state: %w", err)
		}
	case os.IsNotExist(err):
		// unregistered
	default:
		return nil, fmt.Errorf("read registration state: %w", err)
	}

	if m.state.UUID != "" {
		id, err := identity.LoadFrom(identityDir(baseDir), m.state.UUID)
		if err == nil {
			m.identity = id
		}
	}
	return m, nil
}

// CheckRegistration implements spec §4.10 `checkRegistration()`.
func (m *Manager) CheckRegistration(now time.Time) (needsRegistration, needsRenewal bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.state.Registered || m.identity == nil || !m.identity.Signed() {
		return true, false
	}
	return false, now.After(m.state.RenewalDate)
}

type registerResponse struct {
	UUID              string    `json:"uuid"`
	CertificatePEM    string    `json:"certificate"`
	RenewalDate       time.Time `json:"renewal_date"`
	RegistrationReset bool      `json:"registration_uuid_reset"`
}

// RegisterSystem implements spec §4.10 `registerSystem(token?)`: generates
// or accepts a UUID, negotiates with the registrar, generates a fresh
// keypair, submits a CSR, and stores the signed certificate.
func (m *Manager) RegisterSystem(ctx context.Context, token string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	deviceUUID := m.state.UUID
	if deviceUUID == "" {
		deviceUUID = uuid.New().String()
	}

	id, err := identity.Generate(deviceUUID)
	if err != nil {
		return fmt.Errorf("generate identity: %w", err)
	}
	csr, err := id.CreateCSR(deviceUUID)
	if err != nil {
		return fmt.Errorf("create CSR: %w", err)
	}

	body := map[string]interface{}{
		"uuid": deviceUUID,
		"csr":  string(csr),
	}
	if token != "" {
		body["token"] = token
	}

	raw, err := m.client.Do(ctx, "/register", body)
	if err != nil {
		return fmt.Errorf("register with registrar: %w", err)
	}
	var resp registerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse registrar response: %w", err)
	}

	finalUUID := deviceUUID
	if resp.RegistrationReset && resp.UUID != "" {
		// RegistrationUUIDReset: adopt the server-assigned UUID (spec §4.10).
		finalUUID = resp.UUID
		id.UUID = finalUUID
	}

	if err := id.AdoptCertificate([]byte(resp.CertificatePEM)); err != nil {
		return fmt.Errorf("adopt issued certificate: %w", err)
	}
	if err := id.SaveTo(identityDir(m.baseDir)); err != nil {
		return fmt.Errorf("persist identity: %w", err)
	}

	m.identity = id
	m.state = data{UUID: finalUUID, Registered: true, RenewalDate: resp.RenewalDate}
	if err := m.persistLocked(); err != nil {
		return err
	}

	if m.OnRegistered != nil {
		m.OnRegistered()
	}
	if m.sink != nil {
		if err := m.sink.Emit("SystemRegInfo", "registration", map[string]interface{}{
			"uuid":         finalUUID,
			"renewal_date": resp.RenewalDate,
		}); err != nil {
			m.log.WithError(err).Warn("failed to emit SystemRegInfo event")
		}
	}
	return nil
}

// Renew implements spec §4.10 `renew()`: submits a fresh CSR using the
// current identity.
func (m *Manager) Renew(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.identity == nil {
		return fmt.Errorf("renew: no identity to renew")
	}

	csr, err := m.identity.CreateCSR(m.identity.UUID)
	if err != nil {
		return fmt.Errorf("create renewal CSR: %w", err)
	}

	raw, err := m.client.Do(ctx, "/renew", map[string]interface{}{
		"uuid": m.identity.UUID,
		"csr":  string(csr),
	})
	if err != nil {
		return fmt.Errorf("renew with registrar: %w", err)
	}
	var resp registerResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse registrar response: %w", err)
	}

	if err := m.identity.AdoptCertificate([]byte(resp.CertificatePEM)); err != nil {
		return fmt.Errorf("adopt renewed certificate: %w", err)
	}
	if err := m.identity.SaveTo(identityDir(m.baseDir)); err != nil {
		return fmt.Errorf("persist renewed identity: %w", err)
	}

	m.state.RenewalDate = resp.RenewalDate
	return m.persistLocked()
}

func (m *Manager) persistLocked() error {
	if err := os.MkdirAll(filepath.Dir(registrationPath(m.baseDir)), 0o755); err != nil {
		return fmt.Errorf("create manifests dir: %w", err)
	}
	encoded, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal registration state: %w", err)
	}
	if err := os.WriteFile(registrationPath(m.baseDir), encoded, 0o644); err != nil {
		return fmt.Errorf("write registration state: %w", err)
	}
	// registration_data.json mirrors the same state for tools that read it
	// directly (spec §6 lists both files separately).
	return os.WriteFile(dataPath(m.baseDir), encoded, 0o644)
}

// Run implements the recurring handler body (spec §4.10): registers if
// needed, else renews if due, else is a no-op. Returning an error causes
// the owning timer to apply exponential backoff.
func (m *Manager) Run(ctx context.Context) error {
	needsRegistration, needsRenewal := m.CheckRegistration(time.Now())
	switch {
	case needsRegistration:
		return m.RegisterSystem(ctx, "")
	case needsRenewal:
		return m.Renew(ctx)
	default:
		return nil
	}
}

// NewTimer builds the recurring timer that drives Run on the cadence
// specified in spec §4.10.
func (m *Manager) NewTimer(ctx context.Context, log *logging.Logger) *timer.Timer {
	cfg := timer.Config{
		BaseFrequency:     BaseFrequency,
		Skew:              Skew,
		RetryFrequency:    RetryFrequency,
		MaxRetryFrequency: MaxRetryFrequency,
	}
	return timer.New(cfg, func() error { return m.Run(ctx) }, log)
}

// IsRegistered reports whether the manager currently holds a signed
// identity (spec §6 `GetIsRegistered`).
func (m *Manager) IsRegistered() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.Registered && m.identity != nil && m.identity.Signed()
}

// SystemID returns the device UUID (spec §6 `GetSystemID`), empty if unset.
func (m *Manager) SystemID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state.UUID
}

// Identity exposes the current identity for JWT signing (spec §6
// `GetJWT`). May be nil before first registration.
func (m *Manager) Identity() *identity.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.identity
}

// identityAuthenticator adapts a Manager to registrar.Authenticator by
// signing a short-lived bearer JWT per outgoing request using whatever
// identity the manager currently holds. It resolves Manager.Identity() at
// call time rather than capturing a snapshot, since a Manager constructed
// before first registration holds no identity yet.
type identityAuthenticator struct {
	manager *Manager
}

// NewAuthenticator wraps manager as a registrar.Authenticator.
func NewAuthenticator(manager *Manager) registrar.Authenticator {
	return &identityAuthenticator{manager: manager}
}

func (a *identityAuthenticator) Authenticate(req *http.Request) error {
	id := a.manager.Identity()
	if id == nil {
		return fmt.Errorf("authenticate registrar request: no registered identity yet")
	}
	token, err := id.SignJWT(time.Minute, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	return nil
}

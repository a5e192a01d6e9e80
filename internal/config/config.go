// Package config provides layered configuration loading (file + environment)
// for the compliance agent daemon.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// LoggingConfig controls process-wide logging.
type LoggingConfig struct {
	Level  string `json:"level" yaml:"level" env:"LOG_LEVEL"`
	Format string `json:"format" yaml:"format" env:"LOG_FORMAT"`
}

// PathsConfig controls the persisted state layout described in spec.md §6.
type PathsConfig struct {
	BaseDir string `json:"base_dir" yaml:"base_dir" env:"ACME_BASE_DIR"`
}

// Manifests returns baseDir/manifests.
func (p PathsConfig) Manifests() string { return filepath.Join(p.BaseDir, "manifests") }

// State returns baseDir/state.
func (p PathsConfig) State() string { return filepath.Join(p.BaseDir, "state") }

// Routes returns baseDir/routes.
func (p PathsConfig) Routes() string { return filepath.Join(p.BaseDir, "routes") }

// Installers returns baseDir/installers.
func (p PathsConfig) Installers() string { return filepath.Join(p.BaseDir, "installers") }

// Identity returns baseDir/identity.
func (p PathsConfig) Identity() string { return filepath.Join(p.BaseDir, "identity") }

// ComplianceConfig controls the compliance controller (§4.7).
type ComplianceConfig struct {
	Enabled              bool          `json:"enabled" yaml:"enabled" env:"ACME_COMPLIANCE_ENABLED"`
	RoutineTickInterval   time.Duration `json:"routine_tick_interval" yaml:"routine_tick_interval" env:"ACME_ROUTINE_TICK_INTERVAL"`
	MaxNumExecutors      int           `json:"max_num_executors" yaml:"max_num_executors" env:"ACME_MAX_EXECUTORS"`
	ExecutorIdleTTL      time.Duration `json:"executor_idle_ttl" yaml:"executor_idle_ttl" env:"ACME_EXECUTOR_IDLE_TTL"`
	ExecutorShutdownWait time.Duration `json:"executor_shutdown_wait" yaml:"executor_shutdown_wait" env:"ACME_EXECUTOR_SHUTDOWN_WAIT"`
	RequeueThreshold     time.Duration `json:"requeue_threshold" yaml:"requeue_threshold" env:"ACME_REQUEUE_THRESHOLD"`
	ExecutionSLA         time.Duration `json:"execution_sla" yaml:"execution_sla" env:"ACME_EXECUTION_SLA"`
	MaxHistoryLength     int           `json:"max_history_length" yaml:"max_history_length" env:"ACME_MAX_HISTORY_LENGTH"`
}

// InstallerConfig controls the usher-style installer pipeline (§4.9).
type InstallerConfig struct {
	Enabled               bool     `json:"enabled" yaml:"enabled" env:"ACME_USHER_ENABLED"`
	WatcherEnabled        bool     `json:"watcher_enabled" yaml:"watcher_enabled" env:"ACME_USHER_WATCHER_ENABLED"`
	PrimaryIdentifier     string   `json:"primary_identifier" yaml:"primary_identifier" env:"ACME_USHER_PRIMARY_IDENTIFIER"`
	CodeSignVerify        bool     `json:"code_sign_verify" yaml:"code_sign_verify" env:"ACME_USHER_CODE_SIGN_VERIFY"`
	CleanupAllowlist      []string `json:"cleanup_allowlist" yaml:"cleanup_allowlist"`
	SigningAuthorityCert  string   `json:"signing_authority_cert" yaml:"signing_authority_cert" env:"ACME_USHER_SIGNING_CERT"`
}

// RegistrationConfig controls the registration manager (§4.10).
type RegistrationConfig struct {
	Enabled           bool          `json:"enabled" yaml:"enabled" env:"ACME_KARL_REGISTRAR_ENABLED"`
	RegistrarURL      string        `json:"registrar_url" yaml:"registrar_url" env:"ACME_REGISTRAR_URL"`
	BaseFrequency     time.Duration `json:"base_frequency" yaml:"base_frequency" env:"ACME_REG_BASE_FREQUENCY"`
	Skew              time.Duration `json:"skew" yaml:"skew" env:"ACME_REG_SKEW"`
	RetryFrequency    time.Duration `json:"retry_frequency" yaml:"retry_frequency" env:"ACME_REG_RETRY_FREQUENCY"`
	MaxRetryFrequency time.Duration `json:"max_retry_frequency" yaml:"max_retry_frequency" env:"ACME_REG_MAX_RETRY_FREQUENCY"`
}

// IPCConfig controls the local CLI/daemon command surface (§6).
type IPCConfig struct {
	ListenAddr string `json:"listen_addr" yaml:"listen_addr" env:"ACME_IPC_LISTEN_ADDR"`
}

// Config is the top-level daemon configuration.
type Config struct {
	Paths        PathsConfig        `json:"paths" yaml:"paths"`
	Logging      LoggingConfig      `json:"logging" yaml:"logging"`
	Compliance   ComplianceConfig   `json:"compliance" yaml:"compliance"`
	Installer    InstallerConfig    `json:"installer" yaml:"installer"`
	Registration RegistrationConfig `json:"registration" yaml:"registration"`
	IPC          IPCConfig          `json:"ipc" yaml:"ipc"`
}

// New returns a Config populated with the defaults named throughout spec.md.
func New() *Config {
	return &Config{
		Paths: PathsConfig{BaseDir: "/var/lib/acme"},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		Compliance: ComplianceConfig{
			Enabled:              true,
			RoutineTickInterval:  5 * time.Second,
			MaxNumExecutors:      8,
			ExecutorIdleTTL:      time.Minute,
			ExecutorShutdownWait: time.Second,
			RequeueThreshold:     10 * time.Minute,
			ExecutionSLA:         15 * time.Second,
			MaxHistoryLength:     10,
		},
		Installer: InstallerConfig{
			Enabled:        false,
			WatcherEnabled: false,
			CleanupAllowlist: []string{
				"/private/tmp",
				"/tmp",
				"/var/folders",
				"/usr/local/amazon/var",
			},
		},
		Registration: RegistrationConfig{
			Enabled:           false,
			BaseFrequency:     60 * time.Minute,
			Skew:              15 * time.Minute,
			RetryFrequency:    30 * time.Second,
			MaxRetryFrequency: time.Hour,
		},
		IPC: IPCConfig{ListenAddr: "127.0.0.1:7077"},
	}
}

// Load loads configuration from an optional file named by CONFIG_FILE (or
// configs/config.yaml when unset), then applies environment overrides.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("CONFIG_FILE")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	cfg.normalize()
	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

// LoadConfig reads configuration from a JSON file. Kept distinct from
// LoadFile so callers (and tests) can pick the format explicitly, matching
// how the teacher's cmd/appserver chooses between the two by extension.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	cfg.normalize()
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func (c *Config) normalize() {
	if c == nil {
		return
	}
	if c.Compliance.MaxHistoryLength <= 0 {
		c.Compliance.MaxHistoryLength = 10
	}
	if c.Compliance.MaxNumExecutors <= 0 {
		c.Compliance.MaxNumExecutors = 8
	}
	if len(c.Installer.CleanupAllowlist) == 0 {
		c.Installer.CleanupAllowlist = New().Installer.CleanupAllowlist
	}
}

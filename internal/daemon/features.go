package daemon

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// FeatureControls mirrors acme.json (spec §6 "Feature controls"; spec
// SUPPLEMENTED FEATURE 5). Daemon.Start reads the flags once:
// compliance_enabled starts the compliance controller,
// karl_registrar_enabled the registration timer, usher_enabled the
// configuration controller; usher_watcher_enabled gates nothing. Reload
// re-reads the file but applies only usher_enabled, by restarting the
// configuration controller or leaving it stopped. It does not start or stop
// the compliance controller or the registration timer.
type FeatureControls struct {
	UsherEnabled        bool `json:"usher_enabled"`
	UsherWatcherEnabled bool `json:"usher_watcher_enabled"`
	KarlRegistrarEnabled bool `json:"karl_registrar_enabled"`
	ComplianceEnabled   bool `json:"compliance_enabled"`
}

// DefaultFeatureControls returns the defaults named in spec §6: all true
// except the usher_* flags, which default false.
func DefaultFeatureControls() FeatureControls {
	return FeatureControls{
		UsherEnabled:         false,
		UsherWatcherEnabled:  false,
		KarlRegistrarEnabled: true,
		ComplianceEnabled:    true,
	}
}

// LoadFeatureControls reads acme.json from path, falling back to defaults
// if the file does not exist (first-run case).
func LoadFeatureControls(path string) (FeatureControls, error) {
	fc := DefaultFeatureControls()
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return fc, nil
		}
		return fc, err
	}
	if err := json.Unmarshal(raw, &fc); err != nil {
		return fc, err
	}
	return fc, nil
}

// Save persists the feature controls to path.
func (fc FeatureControls) Save(path string) error {
	encoded, err := json.MarshalIndent(fc, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return os.WriteFile(path, encoded, 0o644)
}

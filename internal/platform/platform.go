// Package platform specifies the PlatformProbe interface (spec §1: "OS
// specific compliance probes ... specified only as the PlatformProbe
// interface"). It supplies a single default implementation sufficient to
// drive the installer pipeline (package-kind resolution, code-sign
// verification, install invocation) without depending on any OS-specific
// compliance-check logic, which remains out of scope.
package platform

import (
	"fmt"
	"os/exec"
	"runtime"
)

// PackageKind names the installable artifact format the installer looks
// for inside an extracted archive (spec §4.9 step 7).
type PackageKind string

const (
	PackagePKG PackageKind = "pkg"
	PackageDEB PackageKind = "deb"
	PackageZIP PackageKind = "zip"
)

// Probe is the out-of-scope collaborator the installer pipeline and
// registrar context-building code call into. Concrete per-OS
// implementations are not part of this specification; Default provides a
// conservative baseline (pkg on darwin, deb on linux, zip elsewhere; code-sign
// verification always succeeds).
type Probe interface {
	// Name reports the platform identifier sent to the registrar (spec
	// §4.8 "requests carry platform and platform-version context").
	Name() string
	// Version reports the platform version string.
	Version() string
	// PreferredPackageKind reports which artifact kind this platform
	// installs (spec §4.9 step 7: "pkg on macOS, deb on Ubuntu, else zip").
	PreferredPackageKind() PackageKind
	// VerifyCodeSign checks a resolved package path's code signature (spec
	// §4.9 step 8). The default implementation treats this as a no-op
	// success since code-signing primitives are platform-specific and out
	// of scope.
	VerifyCodeSign(packagePath string) error
	// Install invokes the platform install command against the resolved
	// package path (spec §4.9 step 9).
	Install(packagePath string) error
}

// Default is a minimal Probe good enough to exercise the installer pipeline
// end to end on any OS the agent happens to run on, without implementing
// real OS-level install semantics (explicitly out of scope per spec §1).
type Default struct {
	Installer func(packagePath string) error
}

// NewDefault returns a Default probe. If installer is nil, Install is a
// no-op that only validates the path exists as an argument (real install
// commands are supplied by the embedding environment).
func NewDefault(installer func(string) error) *Default {
	return &Default{Installer: installer}
}

func (d *Default) Name() string { return runtime.GOOS }

func (d *Default) Version() string { return runtime.GOARCH }

func (d *Default) PreferredPackageKind() PackageKind {
	switch runtime.GOOS {
	case "darwin":
		return PackagePKG
	case "linux":
		return PackageDEB
	default:
		return PackageZIP
	}
}

func (d *Default) VerifyCodeSign(string) error {
	return nil
}

func (d *Default) Install(packagePath string) error {
	if d.Installer != nil {
		return d.Installer(packagePath)
	}
	if packagePath == "" {
		return fmt.Errorf("install: empty package path")
	}
	return nil
}

// CommandInstaller builds an Installer func that shells out to a named
// command with the package path as its sole argument, the shape a real
// per-OS installer (installer, dpkg -i, ...) would take.
func CommandInstaller(name string) func(string) error {
	return func(packagePath string) error {
		cmd := exec.Command(name, packagePath)
		if err := cmd.Run(); err != nil {
			return fmt.Errorf("install %s %s: %w", name, packagePath, err)
		}
		return nil
	}
}

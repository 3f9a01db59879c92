// Package security detects whichever of AppArmor or SELinux the host
// kernel has loaded and arranges an exec-time transition into a
// confining profile/context, so the payload, not the launcher, is
// what ends up confined. Like seccomp, this is best-effort hardening:
// a failure to apply is a warning, not a provisioning abort.
package security

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// LSMType represents the type of Linux Security Module.
type LSMType string

const (
	LSMAppArmor LSMType = "apparmor"
	LSMSELinux  LSMType = "selinux"
	LSMNone     LSMType = "none"
)

// Config selects the LSM transition installed at attach time.
type Config struct {
	// LSM type to use (auto-detected when empty)
	LSM LSMType
	// ProfileName is the AppArmor profile or SELinux context to
	// transition into; a built-in default is used when empty.
	ProfileName string
	// Disabled disables the LSM transition
	Disabled bool
}

const (
	defaultAppArmorProfile = "isolate-default"
	defaultSELinuxContext  = "system_u:system_r:container_t:s0"

	// attrExecPath is where an exec-time LSM transition is requested:
	// the kernel applies it when this process next calls execve, which
	// is exactly when the payload takes over.
	attrExecPath = "/proc/self/attr/exec"
)

// DetectLSM reports which LSM the running kernel has active.
func DetectLSM() LSMType {
	if isAppArmorEnabled() {
		return LSMAppArmor
	}
	if isSELinuxEnabled() {
		return LSMSELinux
	}
	return LSMNone
}

func isAppArmorEnabled() bool {
	if _, err := os.Stat("/sys/kernel/security/apparmor"); err == nil {
		return true
	}
	if _, err := os.Stat("/sys/module/apparmor"); err == nil {
		return true
	}
	return false
}

func isSELinuxEnabled() bool {
	if _, err := os.Stat("/sys/fs/selinux"); err == nil {
		if data, err := os.ReadFile("/sys/fs/selinux/enforce"); err == nil {
			mode := strings.TrimSpace(string(data))
			// "0" = permissive, "1" = enforcing; anything else means
			// the pseudo-file is lying and the LSM is unusable.
			return mode == "0" || mode == "1"
		}
		return true
	}
	return false
}

// Apply installs the exec-time transition for whichever LSM is
// active. The returned error is for the caller to log as a warning;
// an absent LSM is not an error.
func (c *Config) Apply() error {
	if c.Disabled {
		return nil
	}

	lsm := c.LSM
	if lsm == "" {
		lsm = DetectLSM()
	}

	switch lsm {
	case LSMAppArmor:
		return c.applyAppArmor()
	case LSMSELinux:
		return c.applySELinux()
	case LSMNone:
		return nil
	default:
		return fmt.Errorf("unknown LSM type: %s", lsm)
	}
}

// applyAppArmor requests an exec-time transition into the profile. A
// profile that is not loaded on the host is skipped rather than
// failed: shipping and loading the profile is the operator's install
// step, not this process's.
func (c *Config) applyAppArmor() error {
	profileName := c.ProfileName
	if profileName == "" {
		profileName = defaultAppArmorProfile
	}

	if !appArmorProfileLoaded(profileName) {
		return nil
	}

	if err := os.WriteFile(attrExecPath, []byte("exec "+profileName), 0644); err != nil {
		return fmt.Errorf("request apparmor exec transition to %q: %w", profileName, err)
	}
	return nil
}

// appArmorProfileLoaded reports whether the named profile is known to
// the running kernel.
func appArmorProfileLoaded(name string) bool {
	data, err := os.ReadFile("/sys/kernel/security/apparmor/profiles")
	if err != nil {
		// Fall back to the parser's on-disk profile directory.
		_, statErr := os.Stat(filepath.Join("/etc/apparmor.d", name))
		return statErr == nil
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, name+" ") || line == name {
			return true
		}
	}
	return false
}

// applySELinux requests an exec-time transition into the context.
func (c *Config) applySELinux() error {
	context := c.ProfileName
	if context == "" {
		context = defaultSELinuxContext
	}

	if err := os.WriteFile(attrExecPath, []byte(context), 0644); err != nil {
		return fmt.Errorf("request selinux exec transition to %q: %w", context, err)
	}
	return nil
}

// DefaultAppArmorProfile returns the profile text an operator loads
// with apparmor_parser to enable AppArmor confinement of payloads.
// The capability grants mirror the keep set the capability bounding
// pass enforces, so the two layers agree about what a payload may do.
func DefaultAppArmorProfile() string {
	return `#include <tunables/global>

profile isolate-default flags=(attach_disconnected,mediate_deleted) {
  #include <abstractions/base>

  network inet tcp,
  network inet udp,

  /proc/** r,
  /sys/** r,
  /dev/** rw,
  /tmp/** rw,
  /var/tmp/** rw,
  /workspace/** rw,

  /** ix,

  deny /sys/kernel/security/** rw,
  deny /sys/module/** w,
  deny /proc/sys/kernel/** w,
  deny /proc/kcore r,
  deny /boot/** r,

  capability setuid,
  capability setgid,
  capability chown,
  capability dac_override,
  capability fowner,
  capability fsetid,
  capability kill,
  capability setpcap,
  capability net_bind_service,
  capability audit_write,
  capability setfcap,

  deny capability sys_admin,
  deny capability sys_module,
  deny capability sys_boot,
  deny capability sys_time,
  deny capability sys_ptrace,
  deny capability net_raw,
  deny capability mac_admin,
  deny capability mac_override,
}
`
}

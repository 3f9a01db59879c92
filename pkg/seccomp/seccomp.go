// Package seccomp installs a syscall deny filter during container
// attach. The filter is a small BPF program: syscalls on the deny
// list fail with EPERM, everything else passes. A failure to apply it
// (e.g. CONFIG_SECCOMP absent) is downgraded to a warning by the
// caller rather than aborting provisioning, like the other optional
// hardening layers.
package seccomp

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"unsafe"

	"golang.org/x/sys/unix"
)

// denyNumbers maps every deniable syscall name to its number on the
// build architecture. The set is limited to syscalls a confined
// payload has no business making: mutating mounts, namespaces,
// modules, kernel configuration, key rings, tracing other processes.
var denyNumbers = map[string]uint32{
	"mount":             unix.SYS_MOUNT,
	"umount2":           unix.SYS_UMOUNT2,
	"pivot_root":        unix.SYS_PIVOT_ROOT,
	"chroot":            unix.SYS_CHROOT,
	"setns":             unix.SYS_SETNS,
	"unshare":           unix.SYS_UNSHARE,
	"reboot":            unix.SYS_REBOOT,
	"swapon":            unix.SYS_SWAPON,
	"swapoff":           unix.SYS_SWAPOFF,
	"init_module":       unix.SYS_INIT_MODULE,
	"finit_module":      unix.SYS_FINIT_MODULE,
	"delete_module":     unix.SYS_DELETE_MODULE,
	"kexec_load":        unix.SYS_KEXEC_LOAD,
	"ptrace":            unix.SYS_PTRACE,
	"acct":              unix.SYS_ACCT,
	"settimeofday":      unix.SYS_SETTIMEOFDAY,
	"clock_settime":     unix.SYS_CLOCK_SETTIME,
	"sethostname":       unix.SYS_SETHOSTNAME,
	"setdomainname":     unix.SYS_SETDOMAINNAME,
	"bpf":               unix.SYS_BPF,
	"perf_event_open":   unix.SYS_PERF_EVENT_OPEN,
	"process_vm_readv":  unix.SYS_PROCESS_VM_READV,
	"process_vm_writev": unix.SYS_PROCESS_VM_WRITEV,
	"userfaultfd":       unix.SYS_USERFAULTFD,
	"add_key":           unix.SYS_ADD_KEY,
	"request_key":       unix.SYS_REQUEST_KEY,
	"keyctl":            unix.SYS_KEYCTL,
	"quotactl":          unix.SYS_QUOTACTL,
	"syslog":            unix.SYS_SYSLOG,
	"socket":            unix.SYS_SOCKET,
}

// DefaultDenied returns the deny list installed for every sandbox:
// everything in denyNumbers except socket, which is governed
// separately by the container's socket toggles.
func DefaultDenied() []string {
	out := make([]string, 0, len(denyNumbers))
	for name := range denyNumbers {
		if name == "socket" {
			continue
		}
		out = append(out, name)
	}
	return out
}

// Profile is a serializable deny list, loadable from JSON so an
// operator can extend the denials for a specific payload.
type Profile struct {
	Denied []string `json:"denied"`
}

// Config selects the filter applied at attach time.
type Config struct {
	// Profile to use (nil = default deny list)
	Profile *Profile
	// ProfilePath loads the profile from a JSON file
	ProfilePath string
	// DenySocketCreation additionally denies socket(2); set when the
	// container withholds address-family sockets entirely. Raw-socket
	// confinement is handled by dropping CAP_NET_RAW, not here, since
	// distinguishing SOCK_RAW needs argument inspection the deny list
	// doesn't do.
	DenySocketCreation bool
	// Disabled disables the filter
	Disabled bool
}

// FromContainerSpec derives the attach-time Config from the
// container's socket toggle.
func FromContainerSpec(afSocketsAllowed bool) Config {
	return Config{DenySocketCreation: !afSocketsAllowed}
}

// LoadProfile loads a deny-list profile from a JSON file.
func LoadProfile(path string) (*Profile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read profile: %w", err)
	}
	var profile Profile
	if err := json.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile: %w", err)
	}
	return &profile, nil
}

// Save writes the profile to a JSON file.
func (p *Profile) Save(path string) error {
	data, err := json.MarshalIndent(p, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write profile: %w", err)
	}
	return nil
}

// Resolve computes the final syscall-number deny set for this config.
// Unknown names in a loaded profile are an error: silently ignoring a
// denial the operator wrote down would weaken the sandbox without a
// trace.
func (c *Config) Resolve() ([]uint32, error) {
	var denied []string
	switch {
	case c.ProfilePath != "":
		p, err := LoadProfile(c.ProfilePath)
		if err != nil {
			return nil, err
		}
		denied = p.Denied
	case c.Profile != nil:
		denied = c.Profile.Denied
	default:
		denied = DefaultDenied()
	}
	if c.DenySocketCreation {
		denied = append(denied, "socket")
	}

	seen := make(map[uint32]bool, len(denied))
	nrs := make([]uint32, 0, len(denied))
	for _, name := range denied {
		nr, ok := denyNumbers[name]
		if !ok {
			return nil, fmt.Errorf("unknown or undeniable syscall %q", name)
		}
		if !seen[nr] {
			seen[nr] = true
			nrs = append(nrs, nr)
		}
	}
	return nrs, nil
}

// Apply installs the deny filter on the calling process. It sets
// no_new_privs first, which the kernel requires before an
// unprivileged process may load a filter and which is wanted here
// anyway: the payload must not re-gain privilege via setuid binaries.
func (c *Config) Apply() error {
	if c.Disabled {
		return nil
	}
	nrs, err := c.Resolve()
	if err != nil {
		return fmt.Errorf("resolve seccomp config: %w", err)
	}

	if err := unix.Prctl(unix.PR_SET_NO_NEW_PRIVS, 1, 0, 0, 0); err != nil {
		return fmt.Errorf("set no_new_privs: %w", err)
	}

	prog, err := buildFilter(nrs)
	if err != nil {
		return err
	}
	fprog := unix.SockFprog{
		Len:    uint16(len(prog)),
		Filter: &prog[0],
	}
	if err := unix.Prctl(unix.PR_SET_SECCOMP, unix.SECCOMP_MODE_FILTER,
		uintptr(unsafe.Pointer(&fprog)), 0, 0); err != nil {
		return fmt.Errorf("load seccomp filter: %w", err)
	}
	return nil
}

// nativeAuditArch is the AUDIT_ARCH_* value the filter pins syscall
// numbers to; a syscall arriving under a foreign architecture (e.g.
// via a 32-bit compat entry point) is killed outright, since its
// numbers would not match the deny table.
func nativeAuditArch() (uint32, error) {
	switch runtime.GOARCH {
	case "amd64":
		return unix.AUDIT_ARCH_X86_64, nil
	case "arm64":
		return unix.AUDIT_ARCH_AARCH64, nil
	case "386":
		return unix.AUDIT_ARCH_I386, nil
	case "arm":
		return unix.AUDIT_ARCH_ARM, nil
	case "riscv64":
		return unix.AUDIT_ARCH_RISCV64, nil
	default:
		return 0, fmt.Errorf("no audit arch known for %s", runtime.GOARCH)
	}
}

// buildFilter assembles the classic-BPF program: verify the
// architecture, then compare the syscall number against each denied
// entry (EPERM on match), falling through to allow.
func buildFilter(denied []uint32) ([]unix.SockFilter, error) {
	arch, err := nativeAuditArch()
	if err != nil {
		return nil, err
	}

	const (
		offNr   = 0 // offsetof(seccomp_data, nr)
		offArch = 4 // offsetof(seccomp_data, arch)
	)
	retDeny := uint32(unix.SECCOMP_RET_ERRNO) | (uint32(unix.EPERM) & unix.SECCOMP_RET_DATA)

	prog := []unix.SockFilter{
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: offArch},
		{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, Jt: 1, Jf: 0, K: arch},
		{Code: unix.BPF_RET | unix.BPF_K, K: unix.SECCOMP_RET_KILL_PROCESS},
		{Code: unix.BPF_LD | unix.BPF_W | unix.BPF_ABS, K: offNr},
	}
	for _, nr := range denied {
		prog = append(prog,
			unix.SockFilter{Code: unix.BPF_JMP | unix.BPF_JEQ | unix.BPF_K, Jt: 0, Jf: 1, K: nr},
			unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: retDeny},
		)
	}
	prog = append(prog, unix.SockFilter{Code: unix.BPF_RET | unix.BPF_K, K: unix.SECCOMP_RET_ALLOW})
	return prog, nil
}

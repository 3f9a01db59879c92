// Package capabilities narrows the Linux capability bounding set
// during container attach: everything outside the computed keep set
// is dropped, so not even a setuid binary inside the sandbox can
// re-acquire it. The keep set is derived from the container's three
// confinement toggles (ipc_allowed, raw_sockets_allowed,
// af_sockets_allowed); the drop runs after the namespace unshare and
// before the credential switch, while the process still holds
// CAP_SETPCAP.
package capabilities

import (
	"fmt"
	"strings"

	"golang.org/x/sys/unix"
)

// Capability represents a Linux capability by name.
type Capability string

const (
	CAP_CHOWN            Capability = "CAP_CHOWN"
	CAP_DAC_OVERRIDE     Capability = "CAP_DAC_OVERRIDE"
	CAP_DAC_READ_SEARCH  Capability = "CAP_DAC_READ_SEARCH"
	CAP_FOWNER           Capability = "CAP_FOWNER"
	CAP_FSETID           Capability = "CAP_FSETID"
	CAP_KILL             Capability = "CAP_KILL"
	CAP_SETGID           Capability = "CAP_SETGID"
	CAP_SETUID           Capability = "CAP_SETUID"
	CAP_SETPCAP          Capability = "CAP_SETPCAP"
	CAP_LINUX_IMMUTABLE  Capability = "CAP_LINUX_IMMUTABLE"
	CAP_NET_BIND_SERVICE Capability = "CAP_NET_BIND_SERVICE"
	CAP_NET_BROADCAST    Capability = "CAP_NET_BROADCAST"
	CAP_NET_ADMIN        Capability = "CAP_NET_ADMIN"
	CAP_NET_RAW          Capability = "CAP_NET_RAW"
	CAP_IPC_LOCK         Capability = "CAP_IPC_LOCK"
	CAP_IPC_OWNER        Capability = "CAP_IPC_OWNER"
	CAP_SYS_MODULE       Capability = "CAP_SYS_MODULE"
	CAP_SYS_RAWIO        Capability = "CAP_SYS_RAWIO"
	CAP_SYS_CHROOT       Capability = "CAP_SYS_CHROOT"
	CAP_SYS_PTRACE       Capability = "CAP_SYS_PTRACE"
	CAP_SYS_PACCT        Capability = "CAP_SYS_PACCT"
	CAP_SYS_ADMIN        Capability = "CAP_SYS_ADMIN"
	CAP_SYS_BOOT         Capability = "CAP_SYS_BOOT"
	CAP_SYS_NICE         Capability = "CAP_SYS_NICE"
	CAP_SYS_RESOURCE     Capability = "CAP_SYS_RESOURCE"
	CAP_SYS_TIME         Capability = "CAP_SYS_TIME"
	CAP_SYS_TTY_CONFIG   Capability = "CAP_SYS_TTY_CONFIG"
	CAP_MKNOD            Capability = "CAP_MKNOD"
	CAP_LEASE            Capability = "CAP_LEASE"
	CAP_AUDIT_WRITE      Capability = "CAP_AUDIT_WRITE"
	CAP_AUDIT_CONTROL    Capability = "CAP_AUDIT_CONTROL"
	CAP_SETFCAP          Capability = "CAP_SETFCAP"
	CAP_MAC_OVERRIDE     Capability = "CAP_MAC_OVERRIDE"
	CAP_MAC_ADMIN        Capability = "CAP_MAC_ADMIN"
	CAP_SYSLOG           Capability = "CAP_SYSLOG"
	CAP_WAKE_ALARM       Capability = "CAP_WAKE_ALARM"
	CAP_BLOCK_SUSPEND    Capability = "CAP_BLOCK_SUSPEND"
	CAP_AUDIT_READ       Capability = "CAP_AUDIT_READ"
)

// capabilityMap maps capability names to their kernel values.
var capabilityMap = map[Capability]uintptr{
	CAP_CHOWN:            unix.CAP_CHOWN,
	CAP_DAC_OVERRIDE:     unix.CAP_DAC_OVERRIDE,
	CAP_DAC_READ_SEARCH:  unix.CAP_DAC_READ_SEARCH,
	CAP_FOWNER:           unix.CAP_FOWNER,
	CAP_FSETID:           unix.CAP_FSETID,
	CAP_KILL:             unix.CAP_KILL,
	CAP_SETGID:           unix.CAP_SETGID,
	CAP_SETUID:           unix.CAP_SETUID,
	CAP_SETPCAP:          unix.CAP_SETPCAP,
	CAP_LINUX_IMMUTABLE:  unix.CAP_LINUX_IMMUTABLE,
	CAP_NET_BIND_SERVICE: unix.CAP_NET_BIND_SERVICE,
	CAP_NET_BROADCAST:    unix.CAP_NET_BROADCAST,
	CAP_NET_ADMIN:        unix.CAP_NET_ADMIN,
	CAP_NET_RAW:          unix.CAP_NET_RAW,
	CAP_IPC_LOCK:         unix.CAP_IPC_LOCK,
	CAP_IPC_OWNER:        unix.CAP_IPC_OWNER,
	CAP_SYS_MODULE:       unix.CAP_SYS_MODULE,
	CAP_SYS_RAWIO:        unix.CAP_SYS_RAWIO,
	CAP_SYS_CHROOT:       unix.CAP_SYS_CHROOT,
	CAP_SYS_PTRACE:       unix.CAP_SYS_PTRACE,
	CAP_SYS_PACCT:        unix.CAP_SYS_PACCT,
	CAP_SYS_ADMIN:        unix.CAP_SYS_ADMIN,
	CAP_SYS_BOOT:         unix.CAP_SYS_BOOT,
	CAP_SYS_NICE:         unix.CAP_SYS_NICE,
	CAP_SYS_RESOURCE:     unix.CAP_SYS_RESOURCE,
	CAP_SYS_TIME:         unix.CAP_SYS_TIME,
	CAP_SYS_TTY_CONFIG:   unix.CAP_SYS_TTY_CONFIG,
	CAP_MKNOD:            unix.CAP_MKNOD,
	CAP_LEASE:            unix.CAP_LEASE,
	CAP_AUDIT_WRITE:      unix.CAP_AUDIT_WRITE,
	CAP_AUDIT_CONTROL:    unix.CAP_AUDIT_CONTROL,
	CAP_SETFCAP:          unix.CAP_SETFCAP,
	CAP_MAC_OVERRIDE:     unix.CAP_MAC_OVERRIDE,
	CAP_MAC_ADMIN:        unix.CAP_MAC_ADMIN,
	CAP_SYSLOG:           unix.CAP_SYSLOG,
	CAP_WAKE_ALARM:       unix.CAP_WAKE_ALARM,
	CAP_BLOCK_SUSPEND:    unix.CAP_BLOCK_SUSPEND,
	CAP_AUDIT_READ:       unix.CAP_AUDIT_READ,
}

// DefaultKeep is the baseline keep set for a sandboxed payload: file
// ownership and mode operations, signal delivery, credential changes
// within the already-dropped identity, and low-port binding. Nothing
// that mutates mounts, modules, clocks, or other processes' memory
// survives.
func DefaultKeep() []Capability {
	return []Capability{
		CAP_CHOWN,
		CAP_DAC_OVERRIDE,
		CAP_FOWNER,
		CAP_FSETID,
		CAP_KILL,
		CAP_SETGID,
		CAP_SETUID,
		CAP_SETPCAP,
		CAP_NET_BIND_SERVICE,
		CAP_NET_RAW,
		CAP_AUDIT_WRITE,
		CAP_SETFCAP,
	}
}

// Config is the set of capabilities retained in the bounding set at
// attach time. Everything not listed is dropped.
type Config struct {
	Keep []Capability
}

// FromContainerSpec derives the keep set from the container's three
// confinement toggles: raw_sockets_allowed=false removes CAP_NET_RAW,
// af_sockets_allowed=false additionally removes CAP_NET_BIND_SERVICE,
// and ipc_allowed=true adds CAP_IPC_LOCK/CAP_IPC_OWNER (the IPC
// namespace still bounds what those reach).
func FromContainerSpec(ipcAllowed, rawSocketsAllowed, afSocketsAllowed bool) Config {
	keep := DefaultKeep()
	if !rawSocketsAllowed {
		keep = remove(keep, CAP_NET_RAW)
	}
	if !afSocketsAllowed {
		keep = remove(keep, CAP_NET_BIND_SERVICE)
	}
	if ipcAllowed {
		keep = append(keep, CAP_IPC_LOCK, CAP_IPC_OWNER)
	}
	return Config{Keep: keep}
}

// Resolve validates the keep set and returns the kernel values to
// retain.
func (c *Config) Resolve() (map[uintptr]bool, error) {
	kept := make(map[uintptr]bool, len(c.Keep))
	for _, cap := range c.Keep {
		v, ok := capabilityMap[cap]
		if !ok {
			return nil, fmt.Errorf("unknown capability: %s", cap)
		}
		kept[v] = true
	}
	return kept, nil
}

// Apply drops every capability outside the keep set from the calling
// process's bounding set. Capabilities the running kernel does not
// know (EINVAL above its CAP_LAST_CAP) are skipped.
func (c *Config) Apply() error {
	kept, err := c.Resolve()
	if err != nil {
		return fmt.Errorf("resolve capability config: %w", err)
	}

	for i := uintptr(0); i <= unix.CAP_LAST_CAP; i++ {
		if kept[i] {
			continue
		}
		if err := unix.Prctl(unix.PR_CAPBSET_DROP, i, 0, 0, 0); err != nil {
			if err == unix.EINVAL {
				continue
			}
			return fmt.Errorf("drop capability %d from bounding set: %w", i, err)
		}
	}
	return nil
}

func remove(caps []Capability, victim Capability) []Capability {
	out := caps[:0]
	for _, c := range caps {
		if c != victim {
			out = append(out, c)
		}
	}
	return out
}

// ParseCapability normalizes a capability name ("net_raw",
// "CAP_NET_RAW") to its canonical constant.
func ParseCapability(s string) (Capability, error) {
	s = strings.ToUpper(s)
	if !strings.HasPrefix(s, "CAP_") {
		s = "CAP_" + s
	}
	cap := Capability(s)
	if _, ok := capabilityMap[cap]; !ok {
		return "", fmt.Errorf("unknown capability: %s", s)
	}
	return cap, nil
}

func (c Capability) String() string {
	return string(c)
}

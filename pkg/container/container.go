// Package container owns the lifecycle of a single confinement
// container: namespace entry, capability/seccomp/LSM enrichment, and
// resource accounting teardown. It backs the ContainerCreate/Attach/
// Destroy trio of hostprim/linux's HostPrimitives implementation.
//
// There is no forked child here: Attach calls namespace.Unshare on
// the calling process directly and returns once the caller itself is
// inside the new namespaces with hardening applied, since the caller
// goes on to replace its own process image with the payload.
package container

import (
	"sync"

	"github.com/isolatehq/isolate/pkg/capabilities"
	"github.com/isolatehq/isolate/pkg/cgroup"
	"github.com/isolatehq/isolate/pkg/errors"
	"github.com/isolatehq/isolate/pkg/logger"
	"github.com/isolatehq/isolate/pkg/namespace"
	"github.com/isolatehq/isolate/pkg/seccomp"
	"github.com/isolatehq/isolate/pkg/security"
)

var log = logger.New("container")

// Spec mirrors hostprim.ContainerSpec; defined locally so this package
// has no dependency on the orchestration layer above it.
type Spec struct {
	Name              string
	Root              string
	NetworkMode       string
	IPCAllowed        bool
	RawSocketsAllowed bool
	AFSocketsAllowed  bool
}

// Container is a created-but-not-yet-attached confinement container.
type Container struct {
	ID         string
	Spec       Spec
	Accounting *cgroup.Accounting

	mu       sync.Mutex
	attached bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Container{}
)

// Create allocates the accounting group for a container and registers
// it under spec.Name so a later Attach/Destroy by id can find it. It
// does not touch namespaces or process credentials, both of which
// happen in Attach.
func Create(spec Spec) (*Container, error) {
	acct, err := cgroup.New(spec.Name)
	if err != nil {
		return nil, errors.Wrap(errors.ErrPrimitiveFailed, "create accounting group", err).
			WithField("container", spec.Name)
	}

	c := &Container{ID: spec.Name, Spec: spec, Accounting: acct}

	registryMu.Lock()
	registry[c.ID] = c
	registryMu.Unlock()

	log.WithField("container_id", c.ID).Debug("container created")
	return c, nil
}

// Adopt registers an already-provisioned container in this process's
// registry without touching its accounting group. A re-exec'd child
// uses it to attach to a container its parent created: the registry
// is process-local, so the child must reconstruct the entry from the
// spec its parent handed over.
func Adopt(spec Spec) *Container {
	c := &Container{ID: spec.Name, Spec: spec}
	registryMu.Lock()
	registry[c.ID] = c
	registryMu.Unlock()
	return c
}

// Lookup returns the container registered under id, if any.
func Lookup(id string) (*Container, bool) {
	registryMu.Lock()
	defer registryMu.Unlock()
	c, ok := registry[id]
	return c, ok
}

// Attach moves the calling process into the container's namespaces and
// applies its LSM and capability hardening, in that order; the seccomp
// filter is armed separately by ArmSyscallFilter after the pivot.
// Namespaces must exist before pivot_root or hostname changes make
// sense, and the security layers must be dropped before the eventual
// credential switch removes the privilege needed to drop them at all.
//
// CLONE_NEWPID is part of the unshared set when requested, but per the
// namespace package's documented limitation it only isolates children
// the caller forks afterward, never the caller itself; there is no
// caller-visible PID remap before the exec.
func (c *Container) Attach() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.attached {
		return nil
	}

	// IPCAllowed governs the capability (CAP_IPC_LOCK/CAP_IPC_OWNER
	// below), not namespace membership: the IPC namespace is always
	// unshared.
	flags := namespace.Flags(namespace.UTS, namespace.Mount, namespace.IPC, namespace.PID)
	if c.Spec.NetworkMode != "inherit_host" {
		flags |= namespace.Flags(namespace.Network)
	}

	if err := namespace.Unshare(flags); err != nil {
		return errors.Wrap(errors.ErrPrimitiveFailed, "unshare namespaces", err).
			WithField("container_id", c.ID)
	}

	if err := namespace.SetHostname(c.ID); err != nil {
		log.WithError(err).WithField("container_id", c.ID).Warn("failed to set hostname")
	}

	secConf := security.Config{}
	if err := secConf.Apply(); err != nil {
		log.WithError(err).WithField("container_id", c.ID).Warn("failed to apply LSM profile")
	}

	capConf := capabilities.FromContainerSpec(c.Spec.IPCAllowed, c.Spec.RawSocketsAllowed, c.Spec.AFSocketsAllowed)
	if err := capConf.Apply(); err != nil {
		return errors.Wrap(errors.ErrPrimitiveFailed, "apply capabilities", err).
			WithField("container_id", c.ID)
	}

	c.attached = true
	log.WithField("container_id", c.ID).Info("attached to container")
	return nil
}

// ArmSyscallFilter installs the container's syscall deny filter on
// the calling process. It is a separate step from Attach because the
// filter denies mount-tree mutation, so it can only be loaded after
// the pivot into the private root; arming it inside Attach would
// break the pivot that follows. A failure is returned for the caller
// to downgrade to a warning.
func (c *Container) ArmSyscallFilter() error {
	sc := seccomp.FromContainerSpec(c.Spec.AFSocketsAllowed)
	if err := sc.Apply(); err != nil {
		return errors.Wrap(errors.ErrPrimitiveFailed, "apply seccomp filter", err).
			WithField("container_id", c.ID)
	}
	return nil
}

// Destroy removes the container's accounting group and forgets it.
// Best-effort.
func (c *Container) Destroy() {
	registryMu.Lock()
	delete(registry, c.ID)
	registryMu.Unlock()

	if c.Accounting != nil {
		c.Accounting.Remove()
	}
	log.WithField("container_id", c.ID).Debug("container destroyed")
}

// Package linux is the production implementation of the host
// primitives: it wires pkg/principal, pkg/rootfs, pkg/container, and
// pkg/cgroup behind the single hostprim.HostPrimitives interface the
// orchestrator depends on, so the orchestrator itself never imports
// a kernel-facing package directly.
package linux

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/isolatehq/isolate/pkg/cgroup"
	"github.com/isolatehq/isolate/pkg/container"
	"github.com/isolatehq/isolate/pkg/hostprim"
	"github.com/isolatehq/isolate/pkg/logger"
	"github.com/isolatehq/isolate/pkg/principal"
	"github.com/isolatehq/isolate/pkg/rootfs"
)

var log = logger.New("hostprim/linux")

// Host is the zero-value-ready real HostPrimitives implementation.
type Host struct{}

// New returns a ready-to-use real Host.
func New() *Host { return &Host{} }

var _ hostprim.HostPrimitives = (*Host)(nil)

func (*Host) PrincipalLookup(name string) (hostprim.Identity, bool, error) {
	e, ok, err := principal.Lookup(name)
	if err != nil {
		return hostprim.Identity{}, false, err
	}
	return hostprim.Identity{UID: e.UID, GID: e.GID}, ok, nil
}

func (*Host) PrincipalCreateEphemeral(name string) (hostprim.Identity, error) {
	e, err := principal.CreateEphemeral(name)
	if err != nil {
		return hostprim.Identity{}, err
	}
	return hostprim.Identity{UID: e.UID, GID: e.GID}, nil
}

func (*Host) PrincipalDestroy(name string) {
	principal.Destroy(name)
}

func (*Host) RootDirCreate(path string) error {
	return rootfs.CreateRoot(path)
}

func (*Host) BindMount(source, target string, mode hostprim.MountMode) error {
	m := rootfs.ReadOnly
	if mode == hostprim.ReadWrite {
		m = rootfs.ReadWrite
	}
	return rootfs.BindMount(source, target, m)
}

func (*Host) OverlayMountDev(target string) error {
	return rootfs.MountDev(target)
}

func (*Host) Unmount(target string) {
	if err := rootfs.Unmount(target); err != nil {
		log.WithError(err).WithField("target", target).Warn("unmount failed, continuing")
	}
}

func (*Host) DirRemoveRecursive(path string) {
	if err := rootfs.RemoveRecursive(path); err != nil {
		log.WithError(err).WithField("path", path).Warn("directory removal failed, continuing")
	}
}

func (*Host) ContainerCreate(spec hostprim.ContainerSpec) (string, error) {
	c, err := container.Create(container.Spec{
		Name:              spec.Name,
		Root:              spec.Root,
		NetworkMode:       string(spec.NetworkMode),
		IPCAllowed:        spec.IPCAllowed,
		RawSocketsAllowed: spec.RawSocketsAllowed,
		AFSocketsAllowed:  spec.AFSocketsAllowed,
	})
	if err != nil {
		return "", err
	}
	return c.ID, nil
}

func (*Host) ContainerAttach(containerID string) error {
	c, ok := container.Lookup(containerID)
	if !ok {
		return fmt.Errorf("no such container %q", containerID)
	}
	if err := c.Attach(); err != nil {
		return err
	}
	if err := rootfs.PivotRoot(c.Spec.Root); err != nil {
		return err
	}
	// The filter denies mount-tree mutation, so it can only be armed
	// once the pivot is done. Optional hardening: a kernel without
	// seccomp still runs the payload, just without the filter.
	if err := c.ArmSyscallFilter(); err != nil {
		log.WithError(err).Warn("failed to arm syscall filter, continuing without it")
	}
	return nil
}

func (*Host) ContainerDestroy(containerID string) {
	c, ok := container.Lookup(containerID)
	if !ok {
		return
	}
	c.Destroy()
}

func (*Host) AccountingAddRule(containerName string, metric hostprim.AccountingMetric, limit int64) error {
	c, ok := container.Lookup(containerName)
	if !ok {
		return fmt.Errorf("no such container %q", containerName)
	}
	if c.Accounting == nil {
		return fmt.Errorf("container %q has no accounting group", containerName)
	}
	return c.Accounting.AddRule(cgroup.AccountingMetric(metric), limit)
}

func (*Host) AccountingJoin(containerName string, pid int) error {
	c, ok := container.Lookup(containerName)
	if !ok {
		return fmt.Errorf("no such container %q", containerName)
	}
	if c.Accounting == nil {
		return fmt.Errorf("container %q has no accounting group", containerName)
	}
	return c.Accounting.AddProcess(pid)
}

// CredentialSwitch sets gid then uid for the calling process.
// Setresgid/Setresuid each set real, effective, and saved IDs in one
// call, so there is no window where only one of the three is
// updated. If the uid switch fails after the gid switch succeeded,
// the original gids are restored, so either both change or neither.
func (*Host) CredentialSwitch(uid, gid int) error {
	rgid, egid, sgid := unix.Getresgid()
	if err := unix.Setresgid(gid, gid, gid); err != nil {
		return fmt.Errorf("setresgid(%d): %w", gid, err)
	}
	if err := unix.Setresuid(uid, uid, uid); err != nil {
		if rerr := unix.Setresgid(rgid, egid, sgid); rerr != nil {
			return fmt.Errorf("setresuid(%d): %w (restoring gids failed: %v)", uid, err, rerr)
		}
		return fmt.Errorf("setresuid(%d): %w", uid, err)
	}
	return nil
}

func (*Host) FileWrite(path string, data []byte, mode uint32) error {
	return os.WriteFile(path, data, os.FileMode(mode))
}

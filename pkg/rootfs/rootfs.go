// Package rootfs implements the filesystem-facing host primitives:
// private root creation with a fixed subdirectory skeleton, bind
// mounts with an optional read-only remount, a minimal device
// filesystem, lazy unmount, recursive removal, and the pivot_root
// that commits the calling process to the private root.
package rootfs

import (
	"fmt"
	"os"
	"path/filepath"

	"golang.org/x/sys/unix"
)

// Skeleton lists the fixed subdirectories created under every private
// root, in creation order. /tmp gets the sticky bit
// separately because MkdirAll can't express a non-default mode for an
// intermediate path segment.
var Skeleton = []string{
	"bin", "lib", "usr/lib", "usr/local/lib", "dev", "tmp",
	"libexec", "etc", "var/log", "var/tmp", "var/run",
}

// MountMode mirrors hostprim.MountMode; defined locally so this
// package has no dependency on the orchestration layer above it.
type MountMode int

const (
	ReadOnly MountMode = iota
	ReadWrite
)

// CreateRoot removes any previous directory at path and recreates it
// with mode 0755, then lays down the fixed subdirectory skeleton,
// including a sticky /tmp.
func CreateRoot(path string) error {
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove previous root %q: %w", path, err)
	}
	if err := os.MkdirAll(path, 0755); err != nil {
		return fmt.Errorf("create root %q: %w", path, err)
	}
	for _, sub := range Skeleton {
		full := filepath.Join(path, sub)
		if err := os.MkdirAll(full, 0755); err != nil {
			return fmt.Errorf("create skeleton directory %q: %w", full, err)
		}
	}
	tmp := filepath.Join(path, "tmp")
	if err := os.Chmod(tmp, 0777|os.ModeSticky); err != nil {
		return fmt.Errorf("set sticky bit on %q: %w", tmp, err)
	}
	return nil
}

// BindMount bind-mounts source onto target. In ReadOnly mode the
// initial bind is remounted MS_BIND|MS_RDONLY, since Linux requires a
// read-only bind mount to be applied as a second remount pass; a
// plain single-call bind mount ignores MS_RDONLY.
func BindMount(source, target string, mode MountMode) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create bind target %q: %w", target, err)
	}
	if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind mount %q onto %q: %w", source, target, err)
	}
	if mode == ReadOnly {
		if err := unix.Mount(source, target, "", unix.MS_BIND|unix.MS_REMOUNT|unix.MS_RDONLY, ""); err != nil {
			return fmt.Errorf("remount %q read-only: %w", target, err)
		}
	}
	return nil
}

// MountDev mounts a tmpfs at target and populates it with the minimal
// device nodes a payload needs: null, zero, random, urandom, and the
// three standard streams (bound from the host's, since mknod-ing a
// character device for stdio inside a user namespace commonly lacks
// the privilege mknod itself needs). Callers treat a failure here as
// a warning, not a fatal error.
func MountDev(target string) error {
	if err := os.MkdirAll(target, 0755); err != nil {
		return fmt.Errorf("create dev target %q: %w", target, err)
	}
	if err := unix.Mount("tmpfs", target, "tmpfs", unix.MS_NOSUID|unix.MS_STRICTATIME, "mode=755"); err != nil {
		return fmt.Errorf("mount tmpfs on %q: %w", target, err)
	}

	nodes := []struct {
		name string
		mode uint32
		dev  int
	}{
		{"null", unix.S_IFCHR | 0666, makedev(1, 3)},
		{"zero", unix.S_IFCHR | 0666, makedev(1, 5)},
		{"random", unix.S_IFCHR | 0666, makedev(1, 8)},
		{"urandom", unix.S_IFCHR | 0666, makedev(1, 9)},
	}
	for _, n := range nodes {
		path := filepath.Join(target, n.name)
		if err := unix.Mknod(path, n.mode, n.dev); err != nil && !os.IsExist(err) {
			return fmt.Errorf("mknod %q: %w", path, err)
		}
	}
	for _, stream := range []string{"stdin", "stdout", "stderr"} {
		if err := bindStdStream(target, stream); err != nil {
			return fmt.Errorf("bind %s: %w", stream, err)
		}
	}
	return nil
}

func bindStdStream(devTarget, name string) error {
	src := filepath.Join("/proc/self/fd", map[string]string{"stdin": "0", "stdout": "1", "stderr": "2"}[name])
	dst := filepath.Join(devTarget, name)
	if err := os.WriteFile(dst, nil, 0644); err != nil {
		return err
	}
	return unix.Mount(src, dst, "", unix.MS_BIND, "")
}

// Unmount unmounts target with MNT_DETACH (lazy unmount).
// Best-effort: callers log failures, never propagate them.
func Unmount(target string) error {
	return unix.Unmount(target, unix.MNT_DETACH)
}

// RemoveRecursive removes path and its contents, best-effort.
func RemoveRecursive(path string) error {
	return os.RemoveAll(path)
}

// PivotRoot replaces the calling process's root filesystem with
// newRoot, unmounting and discarding the old root. It must run after
// every bind mount under newRoot is in place and before the
// credential drop, since pivot_root requires CAP_SYS_ADMIN in the
// caller's current mount namespace.
//
// pivot_root(2) demands that newRoot be a mount point and that the
// namespace's root not be shared-propagation (systemd hosts mark "/"
// MS_SHARED), so the standard preamble runs first: remount "/"
// recursively private, then bind newRoot onto itself.
func PivotRoot(newRoot string) error {
	if err := unix.Mount("", "/", "", unix.MS_REC|unix.MS_PRIVATE, ""); err != nil {
		return fmt.Errorf("make root mount private: %w", err)
	}
	if err := unix.Mount(newRoot, newRoot, "", unix.MS_BIND|unix.MS_REC, ""); err != nil {
		return fmt.Errorf("bind new root onto itself: %w", err)
	}

	oldRootRel := ".isolate-old-root"
	oldRootAbs := filepath.Join(newRoot, oldRootRel)
	if err := os.MkdirAll(oldRootAbs, 0700); err != nil {
		return fmt.Errorf("create pivot_root old-root directory: %w", err)
	}
	if err := unix.PivotRoot(newRoot, oldRootAbs); err != nil {
		return fmt.Errorf("pivot_root: %w", err)
	}
	if err := os.Chdir("/"); err != nil {
		return fmt.Errorf("chdir to new root: %w", err)
	}
	oldRoot := filepath.Join("/", oldRootRel)
	if err := unix.Unmount(oldRoot, unix.MNT_DETACH); err != nil {
		return fmt.Errorf("unmount old root: %w", err)
	}
	return os.RemoveAll(oldRoot)
}

func makedev(major, minor int) int {
	return int(unix.Mkdev(uint32(major), uint32(minor)))
}

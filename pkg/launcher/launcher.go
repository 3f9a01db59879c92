// Package launcher implements the privilege check that gates
// orchestration and the final process-image replacement that hands
// the calling process to the payload once the isolation context is
// attached and credentials are dropped. There is no fork here:
// syscall.Exec is execve(2), and after it succeeds no supervisor
// remains in the calling process.
package launcher

import (
	"os"
	"path/filepath"
	"syscall"

	"github.com/isolatehq/isolate/pkg/errors"
)

// CheckPrivilege reports whether the calling process holds the
// privilege the orchestrator's host primitives require: creating
// principals, mounting, entering namespaces, writing cgroup
// controllers all demand it. isRoot is injected rather than read
// directly from os.Geteuid so tests can exercise both branches
// without requiring an actual root-owned test runner.
func CheckPrivilege(isRoot bool) error {
	if !isRoot {
		return errors.Unprivileged("isolate must run with root privilege to provision namespaces, cgroups, and mounts")
	}
	return nil
}

// IsPrivileged reports whether the calling process is effectively
// root, the real check CheckPrivilege's isRoot argument is built from
// in production.
func IsPrivileged() bool {
	return os.Geteuid() == 0
}

// Launch replaces the calling process image with the payload at
// rootPath/basename, using basename as argv[0] and forwarding
// extraArgs as the remaining arguments, inside the environment env
// computed by orchestrator.Environment. In production rootPath is
// always "/": by the time Launch runs, ContainerAttach has already
// pivot_root'd the calling process into the private root, so the
// payload's in-container path is "/"+basename, not the host-side path
// it was provisioned under. Tests may pass a real directory containing
// a payload to exercise Launch without a namespace/pivot_root
// available. It does not return on success; on failure it returns an
// *errors.IsolateError classified ErrLaunchFailed; the failure is
// post-privilege-drop and cannot be recovered by rollback.
func Launch(rootPath, basename string, extraArgs []string, env []string) error {
	target := filepath.Join(rootPath, basename)
	argv := append([]string{basename}, extraArgs...)

	if err := syscall.Exec(target, argv, env); err != nil {
		return errors.LaunchFailed(err).
			WithField("path", target).
			WithHint("verify the payload and any interpreter it needs exist inside the sandbox root")
	}
	// syscall.Exec only returns on error; a nil return here is
	// unreachable, but Go requires a return statement.
	return nil
}

// Package hostprim defines the narrow set of host primitives the
// orchestrator composes into an isolation context: one interface
// isolating every syscall-touching operation, implemented for real
// kernels by hostprim/linux and for tests by hostprim/fake.
package hostprim

// MountMode distinguishes a read-only bind mount from a read-write one.
type MountMode int

const (
	ReadOnly MountMode = iota
	ReadWrite
)

// AccountingMetric names a resource accounting rule's subject.
type AccountingMetric string

const (
	MetricMemory    AccountingMetric = "memory"
	MetricProcesses AccountingMetric = "processes"
	MetricOpenFiles AccountingMetric = "open_files"
	MetricCPU       AccountingMetric = "cpu_percent"
)

// NetworkMode is the confinement container's network posture. The only
// mode implemented today is InheritHost (no firewall primitive
// exists yet), but the type exists so a future per-rule firewall
// primitive has somewhere to land without breaking this interface.
type NetworkMode string

const InheritHost NetworkMode = "inherit_host"

// ContainerSpec is the input to container_create.
type ContainerSpec struct {
	Name              string
	Root              string
	NetworkMode       NetworkMode
	IPCAllowed        bool
	RawSocketsAllowed bool
	AFSocketsAllowed  bool
}

// Identity is a resolved (uid, gid) pair.
type Identity struct {
	UID int
	GID int
}

// HostPrimitives is the complete host-facing contract. Every
// operation is synchronous, and every error returned carries enough
// information for the caller to classify it into one of the
// machine-readable error kinds.
type HostPrimitives interface {
	// PrincipalLookup resolves an existing principal's identity by
	// name. ok is false when no such principal exists; that is not an
	// error.
	PrincipalLookup(name string) (id Identity, ok bool, err error)

	// PrincipalCreateEphemeral creates (or, idempotently, reuses) a
	// principal named name and returns its identity.
	PrincipalCreateEphemeral(name string) (Identity, error)

	// PrincipalDestroy removes a principal created by
	// PrincipalCreateEphemeral. Best-effort: implementations log
	// failures but never return an error the caller must act on.
	PrincipalDestroy(name string)

	// RootDirCreate removes any previous directory at path and
	// (re)creates it with mode 0755.
	RootDirCreate(path string) error

	// BindMount bind-mounts source onto target in the given mode.
	BindMount(source, target string, mode MountMode) error

	// OverlayMountDev mounts a minimal device filesystem at target,
	// providing at least stdin/stdout/stderr/null.
	OverlayMountDev(target string) error

	// Unmount unmounts target. Best-effort.
	Unmount(target string)

	// DirRemoveRecursive removes path and its contents. Best-effort.
	DirRemoveRecursive(path string)

	// ContainerCreate creates the confinement container described by
	// spec and returns its id.
	ContainerCreate(spec ContainerSpec) (containerID string, err error)

	// ContainerAttach makes the calling process a member of the
	// container; subsequent primitive calls see only the container's
	// view of the filesystem and process table.
	ContainerAttach(containerID string) error

	// ContainerDestroy tears down the container. Best-effort.
	ContainerDestroy(containerID string)

	// AccountingAddRule installs one resource-accounting rule. A
	// failure here is always a warning to the caller, never fatal;
	// callers should log it and continue rather than propagate it as
	// an error that aborts provisioning.
	AccountingAddRule(containerName string, metric AccountingMetric, limit int64) error

	// AccountingJoin places pid under the container's accounting
	// rules. Like AccountingAddRule, a failure is a warning to the
	// caller: the payload still runs, just unmetered.
	AccountingJoin(containerName string, pid int) error

	// CredentialSwitch sets gid then uid for the calling process. Must
	// be atomic from the caller's perspective: either both succeed, or
	// the process's credentials are left exactly as they were.
	CredentialSwitch(uid, gid int) error

	// FileWrite writes bytes to path with the given mode, used to
	// compose the in-container /etc/passwd and /etc/group stubs.
	FileWrite(path string, data []byte, mode uint32) error
}

// DefaultContainerCapabilities are the fixed container-creation
// toggles: IPC and raw sockets are always withheld, AF_INET/AF_INET6
// sockets are always granted. The policy's network rules are not
// consulted here; no firewall primitive exists yet to bind them to,
// so they remain documentation only.
func DefaultContainerCapabilities() (ipcAllowed, rawSocketsAllowed, afSocketsAllowed bool) {
	return false, false, true
}

// Package orchestrator implements the transactional provisioning
// pipeline that turns a parsed Policy into an attached,
// credential-dropped isolation context ready for the launcher to exec
// into. It consults the policy, drives the host primitives in a fixed
// acquisition order, and records every acquisition in the journal so
// a failure at any step unwinds cleanly in reverse.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/google/uuid"

	"github.com/isolatehq/isolate/pkg/errors"
	"github.com/isolatehq/isolate/pkg/hostprim"
	"github.com/isolatehq/isolate/pkg/journal"
	"github.com/isolatehq/isolate/pkg/logger"
	"github.com/isolatehq/isolate/pkg/policy"
	"github.com/isolatehq/isolate/pkg/trace"
)

var log = logger.New("orchestrator")

// State is one point in the orchestrator's state machine:
// Idle -> Provisioning -> Attached -> Dropped -> HandedOff, with a
// terminal RolledBack reachable from Provisioning or Attached.
type State int

const (
	Idle State = iota
	Provisioning
	Attached
	Dropped
	HandedOff
	RolledBack
)

func (s State) String() string {
	switch s {
	case Idle:
		return "Idle"
	case Provisioning:
		return "Provisioning"
	case Attached:
		return "Attached"
	case Dropped:
		return "Dropped"
	case HandedOff:
		return "HandedOff"
	case RolledBack:
		return "RolledBack"
	default:
		return "Unknown"
	}
}

// rootParent is the well-known parent directory for ephemeral
// per-invocation root filesystems.
const rootParent = "/var/lib/isolate"

// Context is the ephemeral per-invocation aggregate: the resolved
// principal, the confinement handle, the private root, and the
// journal that owns their teardown.
type Context struct {
	Tag           string
	UID, GID      int
	ContainerID   string
	ContainerSpec hostprim.ContainerSpec
	RootPath      string
	PayloadInRoot string // basename of the payload inside RootPath
	Journal       *journal.Journal
	State         State
}

// NewTag synthesizes a unique invocation tag, used as the container
// name, the ephemeral principal name, the root directory path, and
// the journal's crash-forensics snapshot name. The pid prefix lets a
// forensics reader correlate a tag back to the invoking process
// without consulting the journal snapshot.
func NewTag() string {
	return fmt.Sprintf("isolate-%d-%s", os.Getpid(), uuid.New().String()[:8])
}

// Provision runs the acquisition steps against p, using host for
// every OS-facing operation and recording every acquisition on j.
// tag is the invocation tag from NewTag; payloadPath is the
// host-absolute path of the binary the caller asked to confine. On
// any failure Provision rolls j back itself and returns a typed
// *errors.IsolateError; the returned Context is nil in that case.
func Provision(ctx context.Context, tag string, p policy.Policy, payloadPath string, host hostprim.HostPrimitives, j *journal.Journal) (*Context, error) {
	ic := &Context{Journal: j, State: Provisioning, Tag: tag, RootPath: filepath.Join(rootParent, tag)}

	steps := []struct {
		name string
		fn   func() error
	}{
		{"principal_resolution", func() error { return stepPrincipalResolution(ic, p, host, j) }},
		{"root_filesystem", func() error { return stepRootFilesystem(ic, p, payloadPath, host, j) }},
		{"workspace", func() error { return stepWorkspace(ic, p, host, j) }},
		{"device_filesystem", func() error { return stepDeviceFilesystem(ic, host, j) }},
		{"filesystem_capabilities", func() error { return stepFilesystemCapabilities(ic, p, host, j) }},
		{"container_creation", func() error { return stepContainerCreation(ic, host, j) }},
		{"resource_accounting", func() error { return stepResourceAccounting(ic, p, host, j) }},
		{"network_policy", func() error { return stepNetworkPolicy(ic, p) }},
	}

	for _, step := range steps {
		_, span := trace.StartStep(ctx, "orchestrator."+step.name)
		err := step.fn()
		trace.FinishStep(span, err)
		if err != nil {
			log.WithError(err).WithField("step", step.name).Error("provisioning failed, rolling back")
			j.Rollback()
			ic.State = RolledBack
			return nil, err
		}
	}

	return ic, nil
}

// Attach enters the container and drops credentials: after this
// returns successfully, privilege has been shed and the process can
// no longer roll back anything recorded so far. A failure during
// Attach still rolls back everything recorded before it, since the
// credential switch itself is the last thing attempted.
func Attach(ctx context.Context, ic *Context, host hostprim.HostPrimitives) error {
	_, span := trace.StartStep(ctx, "orchestrator.attach")
	err := host.ContainerAttach(ic.ContainerID)
	trace.FinishStep(span, err)
	if err != nil {
		wrapped := errors.Primitive("container_attach", err)
		ic.Journal.Rollback()
		ic.State = RolledBack
		return wrapped
	}
	ic.State = Attached

	_, span = trace.StartStep(ctx, "orchestrator.credential_drop")
	err = host.CredentialSwitch(ic.UID, ic.GID)
	trace.FinishStep(span, err)
	if err != nil {
		wrapped := errors.Primitive("credential_switch", err)
		ic.Journal.Rollback()
		ic.State = RolledBack
		return wrapped
	}
	ic.State = Dropped
	return nil
}

// Environment computes the payload's starting environment: EnvClear
// replaces rather than extends the caller's environment, env rules
// are applied next, and the minimal default triplet
// (USER/HOME/LD_LIBRARY_PATH) is injected last but only where no
// rule already set that name. inherited is the caller's os.Environ();
// callers in tests can pass a synthetic slice.
func Environment(p policy.Policy, principalName string, inherited []string) []string {
	var base map[string]string
	if p.EnvClear {
		base = make(map[string]string)
	} else {
		base = envToMap(inherited)
	}

	for _, rule := range p.EnvRules {
		base[rule.Name] = rule.Value
	}

	defaults := map[string]string{
		"USER":            principalName,
		"HOME":            "/tmp",
		"LD_LIBRARY_PATH": defaultLibrarySearchPath,
	}
	for k, v := range defaults {
		if _, ok := base[k]; !ok {
			base[k] = v
		}
	}

	out := make([]string, 0, len(base))
	for k, v := range base {
		out = append(out, k+"="+v)
	}
	return out
}

const defaultLibrarySearchPath = "/lib:/usr/lib:/usr/local/lib"

func envToMap(env []string) map[string]string {
	m := make(map[string]string, len(env))
	for _, kv := range env {
		for i := 0; i < len(kv); i++ {
			if kv[i] == '=' {
				m[kv[:i]] = kv[i+1:]
				break
			}
		}
	}
	return m
}

// Principal resolution: ephemeral principals are created under the
// invocation tag and journaled; named principals must already exist.
func stepPrincipalResolution(ic *Context, p policy.Policy, host hostprim.HostPrimitives, j *journal.Journal) error {
	switch p.Principal.Kind {
	case policy.PrincipalEphemeralAuto:
		id, err := host.PrincipalCreateEphemeral(ic.Tag)
		if err != nil {
			return errors.Primitive("principal_create_ephemeral", err)
		}
		ic.UID, ic.GID = id.UID, id.GID
		name := ic.Tag
		j.Record(journal.Entry{
			Kind:   journal.PrincipalCreated,
			Handle: name,
			Release: func() {
				host.PrincipalDestroy(name)
			},
		})
		return nil

	case policy.PrincipalNamed:
		id, ok, err := host.PrincipalLookup(p.Principal.Name)
		if err != nil {
			return errors.Primitive("principal_lookup", err)
		}
		if !ok {
			return errors.PolicyViolation(fmt.Sprintf("named principal %q does not exist", p.Principal.Name))
		}
		ic.UID, ic.GID = id.UID, id.GID
		return nil

	default:
		return errors.Internal("unknown principal kind", nil).WithField("kind", int(p.Principal.Kind))
	}
}

// passwdLine and groupLine render the two-entry (super-user, resolved
// principal) /etc/passwd and /etc/group stubs for the in-container
// filesystem. No shadow file, exactly two lines each.
func passwdLine(name string, uid, gid int) string {
	return fmt.Sprintf("%s:x:%d:%d::/tmp:/bin/false\n", name, uid, gid)
}

func groupLine(name string, gid int) string {
	return fmt.Sprintf("%s:x:%d:\n", name, gid)
}

// Root filesystem: private root skeleton, payload copy, passwd/group
// stubs.
func stepRootFilesystem(ic *Context, p policy.Policy, payloadPath string, host hostprim.HostPrimitives, j *journal.Journal) error {
	if err := host.RootDirCreate(ic.RootPath); err != nil {
		return errors.Primitive("root_dir_create", err)
	}
	rootPath := ic.RootPath
	j.Record(journal.Entry{
		Kind:   journal.RootDirCreated,
		Handle: rootPath,
		Release: func() {
			host.DirRemoveRecursive(rootPath)
		},
	})

	base := filepath.Base(payloadPath)
	ic.PayloadInRoot = base
	dst := filepath.Join(ic.RootPath, base)
	data, err := os.ReadFile(payloadPath)
	if err != nil {
		return errors.Primitive("copy payload", err)
	}
	if err := host.FileWrite(dst, data, 0755); err != nil {
		return errors.Primitive("copy payload", err)
	}

	principalName := p.Principal.Name
	if p.Principal.Kind == policy.PrincipalEphemeralAuto {
		principalName = ic.Tag
	}
	passwd := passwdLine("root", 0, 0) + passwdLine(principalName, ic.UID, ic.GID)
	group := groupLine("root", 0) + groupLine(principalName, ic.GID)
	if err := host.FileWrite(filepath.Join(ic.RootPath, "etc", "passwd"), []byte(passwd), 0644); err != nil {
		return errors.Primitive("file_write /etc/passwd", err)
	}
	if err := host.FileWrite(filepath.Join(ic.RootPath, "etc", "group"), []byte(group), 0644); err != nil {
		return errors.Primitive("file_write /etc/group", err)
	}
	return nil
}

// Workspace bind mount. A failure here is fatal: the caller asked for
// the workspace explicitly.
func stepWorkspace(ic *Context, p policy.Policy, host hostprim.HostPrimitives, j *journal.Journal) error {
	if p.WorkspacePath == "" {
		return nil
	}
	target := filepath.Join(ic.RootPath, "workspace")
	if err := host.BindMount(p.WorkspacePath, target, hostprim.ReadWrite); err != nil {
		return errors.Primitive("bind_mount workspace", err)
	}
	j.Record(journal.Entry{
		Kind:   journal.WorkspaceMounted,
		Handle: target,
		Release: func() {
			host.Unmount(target)
		},
	})
	return nil
}

// Device filesystem. A failure here is downgraded to a warning: some
// hosts forbid device-node creation under nested confinement, and the
// payload may simply not need /dev.
func stepDeviceFilesystem(ic *Context, host hostprim.HostPrimitives, j *journal.Journal) error {
	target := filepath.Join(ic.RootPath, "dev")
	if err := host.OverlayMountDev(target); err != nil {
		log.WithError(err).WithField("target", target).Warn("failed to mount device filesystem, continuing without it")
		return nil
	}
	j.Record(journal.Entry{
		Kind:   journal.DevMounted,
		Handle: target,
		Release: func() {
			host.Unmount(target)
		},
	})
	return nil
}

// Filesystem rule materialization. Non-existent paths and
// non-directories are warned and skipped, never fatal.
func stepFilesystemCapabilities(ic *Context, p policy.Policy, host hostprim.HostPrimitives, j *journal.Journal) error {
	for _, rule := range p.FileRules {
		if !rule.Perms.Has(policy.PermRead) {
			continue
		}
		info, err := os.Stat(rule.Path)
		if err != nil {
			log.WithField("path", rule.Path).Warn("file rule path does not exist, skipping")
			continue
		}
		if !info.IsDir() {
			log.WithField("path", rule.Path).Warn("file rule path is not a directory, skipping")
			continue
		}

		target := filepath.Join(ic.RootPath, rule.Path)
		mode := hostprim.ReadOnly
		if rule.Perms.Has(policy.PermWrite) {
			mode = hostprim.ReadWrite
		}
		if err := host.BindMount(rule.Path, target, mode); err != nil {
			return errors.Primitive("bind_mount file rule", err).WithField("path", rule.Path)
		}
		targetCopy := target
		j.Record(journal.Entry{
			Kind:   journal.BindMounted,
			Handle: targetCopy,
			Release: func() {
				host.Unmount(targetCopy)
			},
		})
	}
	return nil
}

// Container creation. Capability toggles are fixed: IPC and raw
// sockets withheld, AF_INET/AF_INET6 sockets granted.
func stepContainerCreation(ic *Context, host hostprim.HostPrimitives, j *journal.Journal) error {
	ipcAllowed, rawSocketsAllowed, afSocketsAllowed := hostprim.DefaultContainerCapabilities()
	spec := hostprim.ContainerSpec{
		Name:              ic.Tag,
		Root:              ic.RootPath,
		NetworkMode:       hostprim.InheritHost,
		IPCAllowed:        ipcAllowed,
		RawSocketsAllowed: rawSocketsAllowed,
		AFSocketsAllowed:  afSocketsAllowed,
	}
	id, err := host.ContainerCreate(spec)
	if err != nil {
		return errors.Primitive("container_create", err)
	}
	ic.ContainerID = id
	ic.ContainerSpec = spec
	j.Record(journal.Entry{
		Kind:   journal.ContainerCreated,
		Handle: id,
		Release: func() {
			host.ContainerDestroy(id)
		},
	})
	return nil
}

// Resource accounting. A per-rule failure is downgraded to a warning
// (the controller may be absent on the host); only non-zero limits
// produce a rule at all.
func stepResourceAccounting(ic *Context, p policy.Policy, host hostprim.HostPrimitives, j *journal.Journal) error {
	rules := []struct {
		metric hostprim.AccountingMetric
		limit  int64
	}{
		{hostprim.MetricMemory, p.Limits.MemoryBytes},
		{hostprim.MetricProcesses, p.Limits.MaxProcesses},
		{hostprim.MetricOpenFiles, p.Limits.MaxFiles},
		{hostprim.MetricCPU, p.Limits.MaxCPUPercent},
	}
	for _, r := range rules {
		if r.limit == 0 {
			continue
		}
		if err := host.AccountingAddRule(ic.Tag, r.metric, r.limit); err != nil {
			log.WithError(err).WithField("metric", r.metric).Warn("accounting rule rejected by host, continuing without it")
			continue
		}
		metric := r.metric
		j.Record(journal.Entry{
			Kind:   journal.AccountingRuleAdded,
			Handle: ic.Tag + "/" + string(metric),
			Release: func() {
				// Accounting rules are torn down as a unit with the
				// container's accounting group (ContainerDestroy), so
				// there is nothing per-rule to release here; the entry
				// exists so -v diagnostics show what was acquired.
			},
		})
	}
	return nil
}

// Network policy. The host primitives offer no per-rule firewall yet,
// so rules stay in memory as documentation; nothing is acquired and
// nothing is recorded.
func stepNetworkPolicy(ic *Context, p policy.Policy) error {
	_ = ic
	for _, rule := range p.NetworkRules {
		log.WithField("rule", rule.String()).Debug("network rule retained, no enforcement primitive")
	}
	return nil
}

// PrincipalName returns the name the resolved principal is known by,
// used for Environment's USER default; stepRootFilesystem derives the
// same name for the /etc/passwd stub.
func PrincipalName(p policy.Policy, ic *Context) string {
	if p.Principal.Kind == policy.PrincipalNamed {
		return p.Principal.Name
	}
	return ic.Tag
}

// CredentialsString renders (uid,gid) for -v diagnostics.
func (ic *Context) CredentialsString() string {
	return strconv.Itoa(ic.UID) + ":" + strconv.Itoa(ic.GID)
}

// Package fake provides an in-memory HostPrimitives implementation so
// the orchestrator's transactional logic can be exercised in tests
// without root privilege or a real kernel. It mirrors the structure of
// hostprim/linux but every operation mutates a map instead of the OS.
package fake

import (
	"fmt"
	"sort"
	"sync"

	"github.com/isolatehq/isolate/pkg/hostprim"
)

// Host is a fake HostPrimitives backed by in-memory state. Build one
// with New: the zero value's maps are nil. Host is safe for sequential use by one
// orchestrator invocation; it is not designed for concurrent fuzzing
// across goroutines.
type Host struct {
	mu sync.Mutex

	principals map[string]hostprim.Identity
	dirs       map[string]bool
	mounts     map[string]string // target -> source
	containers map[string]hostprim.ContainerSpec
	rules      map[string][]ruleRecord
	joined     map[string][]int
	files      map[string][]byte
	attached   string
	credential hostprim.Identity
	hasCred    bool

	nextUID int

	// Failure injection switches, each making one primitive always
	// return an error.
	FailAccounting bool // when true, AccountingAddRule always errors
	FailDevMount   bool // when true, OverlayMountDev always errors
}

type ruleRecord struct {
	Metric hostprim.AccountingMetric
	Limit  int64
}

// New returns a ready-to-use fake Host.
func New() *Host {
	return &Host{
		principals: make(map[string]hostprim.Identity),
		dirs:       make(map[string]bool),
		mounts:     make(map[string]string),
		containers: make(map[string]hostprim.ContainerSpec),
		rules:      make(map[string][]ruleRecord),
		joined:     make(map[string][]int),
		files:      make(map[string][]byte),
		nextUID:    2000,
	}
}

// SeedPrincipal pre-registers a named principal, for exercising the
// Named(n) resolution path without EphemeralAuto creation.
func (h *Host) SeedPrincipal(name string, id hostprim.Identity) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.principals[name] = id
}

func (h *Host) PrincipalLookup(name string) (hostprim.Identity, bool, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id, ok := h.principals[name]
	return id, ok, nil
}

func (h *Host) PrincipalCreateEphemeral(name string) (hostprim.Identity, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if id, ok := h.principals[name]; ok {
		return id, nil
	}
	id := hostprim.Identity{UID: h.nextUID, GID: h.nextUID}
	h.nextUID++
	h.principals[name] = id
	return id, nil
}

func (h *Host) PrincipalDestroy(name string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.principals, name)
}

func (h *Host) RootDirCreate(path string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dirs, path)
	h.dirs[path] = true
	return nil
}

func (h *Host) BindMount(source, target string, mode hostprim.MountMode) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.mounts[target] = source
	return nil
}

func (h *Host) OverlayMountDev(target string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailDevMount {
		return fmt.Errorf("fake: dev mount disabled")
	}
	h.mounts[target] = "devfs"
	return nil
}

func (h *Host) Unmount(target string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.mounts, target)
}

func (h *Host) DirRemoveRecursive(path string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.dirs, path)
}

func (h *Host) ContainerCreate(spec hostprim.ContainerSpec) (string, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	id := "fake-" + spec.Name
	h.containers[id] = spec
	return id, nil
}

func (h *Host) ContainerAttach(containerID string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.containers[containerID]; !ok {
		return fmt.Errorf("fake: no such container %q", containerID)
	}
	h.attached = containerID
	return nil
}

func (h *Host) ContainerDestroy(containerID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.containers, containerID)
	delete(h.rules, containerID)
}

func (h *Host) AccountingAddRule(containerName string, metric hostprim.AccountingMetric, limit int64) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailAccounting {
		return fmt.Errorf("fake: accounting controller unavailable")
	}
	h.rules[containerName] = append(h.rules[containerName], ruleRecord{Metric: metric, Limit: limit})
	return nil
}

func (h *Host) AccountingJoin(containerName string, pid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.FailAccounting {
		return fmt.Errorf("fake: accounting controller unavailable")
	}
	if _, ok := h.containers[containerName]; !ok {
		// ContainerCreate prefixes ids with "fake-"; accept the bare
		// name too since accounting is addressed by container name.
		if _, ok := h.containers["fake-"+containerName]; !ok {
			return fmt.Errorf("fake: no such container %q", containerName)
		}
	}
	h.joined[containerName] = append(h.joined[containerName], pid)
	return nil
}

func (h *Host) CredentialSwitch(uid, gid int) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.credential = hostprim.Identity{UID: uid, GID: gid}
	h.hasCred = true
	return nil
}

func (h *Host) FileWrite(path string, data []byte, mode uint32) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	cp := make([]byte, len(data))
	copy(cp, data)
	h.files[path] = cp
	return nil
}

// Introspection helpers used by orchestrator tests to assert
// rollback left no residue.

func (h *Host) DirExists(path string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.dirs[path]
}

func (h *Host) IsMounted(target string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.mounts[target]
	return ok
}

func (h *Host) ContainerExists(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.containers[id]
	return ok
}

func (h *Host) PrincipalExists(name string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	_, ok := h.principals[name]
	return ok
}

func (h *Host) Credential() (hostprim.Identity, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.credential, h.hasCred
}

func (h *Host) RulesFor(containerName string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, r := range h.rules[containerName] {
		out = append(out, fmt.Sprintf("%s=%d", r.Metric, r.Limit))
	}
	sort.Strings(out)
	return out
}

func (h *Host) JoinedPIDs(containerName string) []int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]int(nil), h.joined[containerName]...)
}

func (h *Host) FileContents(path string) ([]byte, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	b, ok := h.files[path]
	return b, ok
}

var _ hostprim.HostPrimitives = (*Host)(nil)

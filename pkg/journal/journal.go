// Package journal implements the transaction journal: an ordered
// record of acquired resources with release actions, rolled back in
// strict LIFO order. A JSON snapshot of the current entries is kept
// on disk (atomic temp-file-then-rename writes) so a crashed
// invocation leaves a forensics trail of what it had acquired.
package journal

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/isolatehq/isolate/pkg/logger"
)

var log = logger.New("journal")

// Kind identifies the class of resource an Entry releases.
type Kind string

const (
	PrincipalCreated    Kind = "PrincipalCreated"
	RootDirCreated      Kind = "RootDirCreated"
	WorkspaceMounted    Kind = "WorkspaceMounted"
	BindMounted         Kind = "BindMounted"
	DevMounted          Kind = "DevMounted"
	ContainerCreated    Kind = "ContainerCreated"
	AccountingRuleAdded Kind = "AccountingRuleAdded"
)

// Entry is one journal record: a resource acquisition plus the action
// that releases it. Handle is an opaque, human-readable identifier
// used only for diagnostics and the persisted snapshot; Release is
// the only thing rollback ever invokes.
type Entry struct {
	Kind    Kind
	Handle  string
	Release func()
}

// snapshotEntry is the JSON-serializable projection of an Entry: the
// release closure cannot be marshaled, so only the diagnostic fields
// survive into the persisted snapshot.
type snapshotEntry struct {
	Kind   Kind   `json:"kind"`
	Handle string `json:"handle"`
}

// Journal records acquired resources in acquisition order and releases
// them in strict reverse order on Rollback. It is owned exclusively by
// one orchestrator invocation for the lifetime of that invocation;
// it is not safe to share across invocations.
type Journal struct {
	mu           sync.Mutex
	entries      []Entry
	rolledBack   bool
	committed    bool
	snapshotPath string
}

// New returns an empty Journal. If snapshotPath is non-empty, every
// Record call persists an updated snapshot there so an external
// forensics pass can see what a crashed invocation had acquired;
// Commit and Rollback remove the file.
func New(snapshotPath string) *Journal {
	return &Journal{snapshotPath: snapshotPath}
}

// SnapshotPath returns the well-known crash-forensics path for a given
// invocation tag: /var/run/isolate/<tag>.journal, falling back to
// $TMPDIR (or /tmp) when /var/run/isolate is not writable, most
// commonly because the caller lacks privilege to create it, in which
// case the snapshot is a nice-to-have, not a correctness requirement.
func SnapshotPath(tag string) string {
	const preferredDir = "/var/run/isolate"
	if err := os.MkdirAll(preferredDir, 0755); err == nil {
		return filepath.Join(preferredDir, tag+".journal")
	}
	tmp := os.Getenv("TMPDIR")
	if tmp == "" {
		tmp = "/tmp"
	}
	return filepath.Join(tmp, "isolate-"+tag+".journal")
}

// Record appends entry to the journal. No deduplication: recording the
// same handle twice produces two release actions that both run on
// rollback.
func (j *Journal) Record(entry Entry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
	j.persistLocked()
}

// Len reports how many entries are currently recorded.
func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}

// Commit discards all entries without releasing them: the caller is
// declaring that responsibility for their lifetime has transferred
// elsewhere. That is legal only after a successful attach whose
// teardown is handed to the container's own destruction, never
// before process replacement. Commit is idempotent.
func (j *Journal) Commit() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.committed || j.rolledBack {
		return
	}
	j.committed = true
	j.entries = nil
	j.removeSnapshotLocked()
}

// Rollback invokes every recorded entry's Release in strict LIFO
// order, logging (never propagating) individual release failures.
// Release itself cannot return an error, so a release
// action that can fail must swallow and log internally. Rollback is
// idempotent: a second call, or a call after Commit, is a no-op.
func (j *Journal) Rollback() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.rolledBack || j.committed {
		return
	}
	j.rolledBack = true

	for i := len(j.entries) - 1; i >= 0; i-- {
		entry := j.entries[i]
		func() {
			defer func() {
				if r := recover(); r != nil {
					log.WithFields(map[string]interface{}{
						"kind": entry.Kind, "handle": entry.Handle, "panic": r,
					}).Warn("release action panicked during rollback, continuing")
				}
			}()
			entry.Release()
		}()
	}
	j.entries = nil
	j.removeSnapshotLocked()
}

// persistLocked writes the current entries to j.snapshotPath. Failures
// are logged, never returned: the snapshot is a forensics aid, and the
// orchestrator's correctness never depends on it existing.
func (j *Journal) persistLocked() {
	if j.snapshotPath == "" {
		return
	}
	snap := make([]snapshotEntry, len(j.entries))
	for i, e := range j.entries {
		snap[i] = snapshotEntry{Kind: e.Kind, Handle: e.Handle}
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		log.WithError(err).Warn("failed to marshal journal snapshot")
		return
	}
	tmp := j.snapshotPath + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		log.WithError(err).WithField("path", j.snapshotPath).Warn("failed to write journal snapshot")
		return
	}
	if err := os.Rename(tmp, j.snapshotPath); err != nil {
		log.WithError(err).WithField("path", j.snapshotPath).Warn("failed to finalize journal snapshot")
	}
}

func (j *Journal) removeSnapshotLocked() {
	if j.snapshotPath == "" {
		return
	}
	if err := os.Remove(j.snapshotPath); err != nil && !os.IsNotExist(err) {
		log.WithError(err).WithField("path", j.snapshotPath).Warn("failed to remove journal snapshot")
	}
}

// String renders the journal's current entries for -v diagnostics.
func (j *Journal) String() string {
	j.mu.Lock()
	defer j.mu.Unlock()
	s := fmt.Sprintf("journal(%d entries)", len(j.entries))
	for _, e := range j.entries {
		s += fmt.Sprintf("\n  %s(%s)", e.Kind, e.Handle)
	}
	return s
}

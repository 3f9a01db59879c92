// Package principal resolves and manages the OS identities payloads
// run under, by reading and appending lines of /etc/passwd and
// /etc/group directly. It backs the principal lookup, ephemeral
// creation, and destruction host primitives for a real kernel.
package principal

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"

	"github.com/isolatehq/isolate/pkg/errors"
	"github.com/isolatehq/isolate/pkg/logger"
)

var log = logger.New("principal")

const (
	passwdFile = "/etc/passwd"
	groupFile  = "/etc/group"

	// ephemeralUIDFloor is the first uid considered for ephemeral
	// principal allocation, chosen to stay clear of both system
	// accounts and the conventional interactive-user range.
	ephemeralUIDFloor = 61000
	ephemeralUIDCeil  = 65000
)

// mu serializes host /etc/passwd and /etc/group mutation across
// concurrent invocations in the same process; each invocation still
// gets its own uniquely tagged principal name, this lock only
// protects the shared files' read-modify-write cycle.
var mu sync.Mutex

// Entry is a resolved (uid, gid) pair for an existing principal.
type Entry struct {
	UID int
	GID int
}

// Lookup resolves an existing host principal's identity by name. ok is
// false, with a nil error, when the name does not exist.
func Lookup(name string) (Entry, bool, error) {
	mu.Lock()
	defer mu.Unlock()
	return lookupLocked(name)
}

func lookupLocked(name string) (Entry, bool, error) {
	uid, ok, err := readPasswdUIDFromFile(passwdFile, name)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		return Entry{}, false, nil
	}
	gid, ok, err := readGroupGIDFromFile(groupFile, name)
	if err != nil {
		return Entry{}, false, err
	}
	if !ok {
		// A passwd entry with no matching private group is unusual but
		// not fatal: fall back to gid == uid, the convention this
		// package itself uses when creating principals.
		return Entry{UID: uid, GID: uid}, true, nil
	}
	return Entry{UID: uid, GID: gid}, true, nil
}

// CreateEphemeral creates (or, idempotently, reuses) a principal named
// name with a freshly allocated uid/gid pair above ephemeralUIDFloor.
func CreateEphemeral(name string) (Entry, error) {
	mu.Lock()
	defer mu.Unlock()

	if existing, ok, err := lookupLocked(name); err != nil {
		return Entry{}, err
	} else if ok {
		return existing, nil
	}

	uid, err := nextFreeUIDFromFile(passwdFile)
	if err != nil {
		return Entry{}, err
	}

	if err := appendLine(groupFile, fmt.Sprintf("%s:x:%d:\n", name, uid)); err != nil {
		return Entry{}, errors.Wrap(errors.ErrPrimitiveFailed, "create ephemeral principal group entry", err).
			WithField("primitive", "principal_create_ephemeral").WithField("name", name)
	}
	if err := appendLine(passwdFile, fmt.Sprintf("%s:x:%d:%d:isolate ephemeral:/tmp:/bin/false\n", name, uid, uid)); err != nil {
		return Entry{}, errors.Wrap(errors.ErrPrimitiveFailed, "create ephemeral principal passwd entry", err).
			WithField("primitive", "principal_create_ephemeral").WithField("name", name)
	}

	log.WithFields(map[string]interface{}{"name": name, "uid": uid}).Info("ephemeral principal created")
	return Entry{UID: uid, GID: uid}, nil
}

// Destroy removes a principal created by CreateEphemeral. Best-effort:
// failures are logged, never returned.
func Destroy(name string) {
	mu.Lock()
	defer mu.Unlock()

	if err := removeLine(passwdFile, name); err != nil {
		log.WithError(err).WithField("name", name).Warn("failed to remove passwd entry for principal")
	}
	if err := removeLine(groupFile, name); err != nil {
		log.WithError(err).WithField("name", name).Warn("failed to remove group entry for principal")
	}
}

func readPasswdUIDFromFile(path, name string) (int, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 3 || parts[0] != name {
			continue
		}
		uid, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		return uid, true, nil
	}
	return 0, false, scanner.Err()
}

func readGroupGIDFromFile(path, name string) (int, bool, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, false, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		parts := strings.Split(line, ":")
		if len(parts) < 3 || parts[0] != name {
			continue
		}
		gid, err := strconv.Atoi(parts[2])
		if err != nil {
			continue
		}
		return gid, true, nil
	}
	return 0, false, scanner.Err()
}

// nextFreeUIDFromFile scans the passwd file at path for the first
// free uid at or above ephemeralUIDFloor.
func nextFreeUIDFromFile(path string) (int, error) {
	used := make(map[int]bool)
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		parts := strings.Split(strings.TrimSpace(scanner.Text()), ":")
		if len(parts) < 3 {
			continue
		}
		if uid, err := strconv.Atoi(parts[2]); err == nil {
			used[uid] = true
		}
	}
	if err := scanner.Err(); err != nil {
		return 0, err
	}

	for uid := ephemeralUIDFloor; uid < ephemeralUIDCeil; uid++ {
		if !used[uid] {
			return uid, nil
		}
	}
	return 0, errors.New(errors.ErrPrimitiveFailed, "no free uid available in ephemeral principal range").
		WithField("floor", ephemeralUIDFloor).WithField("ceiling", ephemeralUIDCeil)
}

func appendLine(path, line string) error {
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(line)
	return err
}

// removeLine rewrites path, dropping any line whose first
// colon-delimited field equals name. It is a no-op (no error) if name
// is not present.
func removeLine(path, name string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	var kept []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.SplitN(line, ":", 2)
		if len(fields) > 0 && fields[0] == name {
			continue
		}
		kept = append(kept, line)
	}
	ferr := scanner.Err()
	f.Close()
	if ferr != nil {
		return ferr
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	return os.WriteFile(path, []byte(strings.Join(kept, "\n")+"\n"), info.Mode())
}

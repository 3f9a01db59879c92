// Package cgroup writes resource-accounting ceilings for memory,
// process count, and CPU percentage into a per-invocation cgroup,
// with a v1-then-v2 fallback on every controller write. The
// orchestrator installs one rule per non-zero policy limit.
package cgroup

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/isolatehq/isolate/pkg/errors"
	"github.com/isolatehq/isolate/pkg/logger"
	"golang.org/x/sys/unix"
)

var log = logger.New("cgroup")

const cgroupRoot = "/sys/fs/cgroup"

// controllers lists every subsystem New provisions a directory under.
// open_files has no entry: this package maps it onto something other
// than a cgroup controller, so it needs no directory.
var controllers = []string{"memory", "cpu", "pids"}

// AccountingMetric mirrors hostprim.AccountingMetric; defined locally
// (rather than imported) so this package has no dependency on the
// orchestration layer above it.
type AccountingMetric string

const (
	MetricMemory    AccountingMetric = "memory"
	MetricProcesses AccountingMetric = "processes"
	MetricOpenFiles AccountingMetric = "open_files"
	MetricCPU       AccountingMetric = "cpu_percent"
)

// Accounting is the per-invocation resource-accounting group named
// after the orchestrator's invocation tag.
type Accounting struct {
	Name string
	Root string
}

// New provisions an accounting group named tag. Directory creation
// failures are fatal (accounting is best-effort only at the per-rule
// level, not at the group level); callers that can't even create the
// group should treat the whole accounting step as unavailable rather
// than call AddRule.
func New(tag string) (*Accounting, error) {
	a := &Accounting{Name: tag, Root: cgroupRoot}
	for _, c := range controllers {
		path := filepath.Join(a.Root, c, a.Name)
		if err := os.MkdirAll(path, 0755); err != nil {
			a.Remove()
			return nil, errors.Wrap(errors.ErrPrimitiveFailed, "create cgroup directory", err).
				WithField("primitive", "accounting_add_rule").WithField("path", path).
				WithHint("cgroups v1 or v2 must be mounted at /sys/fs/cgroup and the caller must hold root")
		}
	}
	log.WithField("tag", tag).Debug("accounting group created")
	return a, nil
}

// AddRule installs one accounting rule. A failure here is always
// downgraded to a warning by the caller; AddRule itself just returns
// the error so the orchestrator can decide how to log it.
func (a *Accounting) AddRule(metric AccountingMetric, limit int64) error {
	switch metric {
	case MetricMemory:
		return a.writeControllerValue("memory", "memory.limit_in_bytes", "memory.max", limit)
	case MetricCPU:
		// cgroup v1 expresses this as shares (default 1024); v2 as a
		// 1-10000 weight. The policy's cpu value is a percentage, so
		// treat it as a proportional share out of 100 scaled to each
		// controller's native range.
		v1 := (limit * 1024) / 100
		v2 := (limit * 10000) / 100
		return a.writeControllerValuePair("cpu", "cpu.shares", v1, "cpu.weight", v2)
	case MetricProcesses:
		return a.writeControllerValue("pids", "pids.max", "pids.max", limit)
	case MetricOpenFiles:
		// No open_files cgroup controller exists on either version; the
		// nearest host primitive is a process-wide rlimit, applied
		// directly rather than through a cgroup file.
		rlim := unix.Rlimit{Cur: uint64(limit), Max: uint64(limit)}
		if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &rlim); err != nil {
			return fmt.Errorf("setrlimit RLIMIT_NOFILE: %w", err)
		}
		return nil
	default:
		return fmt.Errorf("unknown accounting metric %q", metric)
	}
}

// AddProcess joins pid to every controller in this accounting group.
func (a *Accounting) AddProcess(pid int) error {
	for _, c := range controllers {
		path := filepath.Join(a.Root, c, a.Name, "cgroup.procs")
		if err := writeFile(path, strconv.Itoa(pid)); err != nil {
			return fmt.Errorf("join %s cgroup: %w", c, err)
		}
	}
	return nil
}

// Remove tears down the accounting group. Best-effort, matching every
// other teardown primitive.
func (a *Accounting) Remove() {
	for _, c := range controllers {
		path := filepath.Join(a.Root, c, a.Name)
		if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
			log.WithError(err).WithField("path", path).Warn("failed to remove cgroup directory")
		}
	}
}

func (a *Accounting) writeControllerValue(controller, v1File, v2File string, value int64) error {
	v1Path := filepath.Join(a.Root, controller, a.Name, v1File)
	if err := writeFile(v1Path, strconv.FormatInt(value, 10)); err == nil {
		return nil
	}
	v2Path := filepath.Join(a.Root, controller, a.Name, v2File)
	if err := writeFile(v2Path, strconv.FormatInt(value, 10)); err != nil {
		return fmt.Errorf("write %s controller (tried v1 %s and v2 %s): %w", controller, v1File, v2File, err)
	}
	return nil
}

func (a *Accounting) writeControllerValuePair(controller, v1File string, v1Value int64, v2File string, v2Value int64) error {
	v1Path := filepath.Join(a.Root, controller, a.Name, v1File)
	if err := writeFile(v1Path, strconv.FormatInt(v1Value, 10)); err == nil {
		return nil
	}
	v2Path := filepath.Join(a.Root, controller, a.Name, v2File)
	if err := writeFile(v2Path, strconv.FormatInt(v2Value, 10)); err != nil {
		return fmt.Errorf("write %s controller (tried v1 %s and v2 %s): %w", controller, v1File, v2File, err)
	}
	return nil
}

func writeFile(path, data string) error {
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = f.WriteString(data)
	return err
}

//go:build linux_root

// This file is excluded from ordinary `go test ./...` runs because it
// mutates real host state (it provisions a genuine ephemeral principal
// in /etc/passwd and /etc/group, and performs real mounts, unshare, and
// pivot_root). Run it only in a disposable container or VM as root:
//
//	go test -tags linux_root ./pkg/launcher/...
package launcher

import (
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/isolatehq/isolate/pkg/hostprim/linux"
	"github.com/isolatehq/isolate/pkg/journal"
	"github.com/isolatehq/isolate/pkg/orchestrator"
	"github.com/isolatehq/isolate/pkg/policy"
)

const helperEnvVar = "ISOLATE_LAUNCHER_E2E_HELPER"
const outEnvVar = "ISOLATE_LAUNCHER_E2E_OUT"

// TestFullPipelineExecsPayloadAtInContainerPath drives
// Provision -> Attach -> Launch end to end against the real Linux host
// primitives, exercising a full workspace round trip (a workspace
// round trip). It is the regression test for the bug where Launch was
// called with the host-side pre-pivot root path instead of the
// in-container "/": that bug made every real invocation fail with
// ErrLaunchFailed (ENOENT), since the payload only exists at
// "/"+basename once pivot_root has run.
//
// Launch never returns on success (it replaces the process image), so
// this only works by re-exec'ing the test binary into a child process:
// the child is the one whose image gets replaced, and the parent
// observes the result through a file the payload writes into a
// workspace mount.
func TestFullPipelineExecsPayloadAtInContainerPath(t *testing.T) {
	if os.Getuid() != 0 {
		t.Skip("requires root to provision namespaces, mounts, and an ephemeral principal")
	}

	if os.Getenv(helperEnvVar) == "1" {
		runFullPipelineHelper(t)
		return
	}

	workspaceDir := t.TempDir()
	outPath := filepath.Join(workspaceDir, "out")

	cmd := exec.Command(os.Args[0], "-test.run=TestFullPipelineExecsPayloadAtInContainerPath", "-test.v")
	cmd.Env = append(os.Environ(),
		helperEnvVar+"=1",
		outEnvVar+"="+outPath,
		"ISOLATE_LAUNCHER_E2E_WORKSPACE="+workspaceDir,
	)
	output, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("helper process failed: %v\n%s", err, output)
	}

	data, err := os.ReadFile(outPath)
	if err != nil {
		t.Fatalf("payload did not write its output file inside the sandbox workspace: %v", err)
	}
	const want = "hello from inside the sandbox\n"
	if string(data) != want {
		t.Errorf("unexpected payload output: got %q, want %q", data, want)
	}
}

// runFullPipelineHelper is the re-exec'd child: it provisions a real
// sandbox, attaches to it, and launches a shell script payload that
// writes to its bind-mounted workspace. /bin, /lib, /lib64, and
// /usr/lib are exposed read+exec so the shebang interpreter and its
// dynamic loader resolve inside the private root.
func runFullPipelineHelper(t *testing.T) {
	runtime.LockOSThread()

	payloadDir := t.TempDir()
	payloadPath := filepath.Join(payloadDir, "payload.sh")
	script := "#!/bin/sh\necho 'hello from inside the sandbox' > /workspace/out\n"
	if err := os.WriteFile(payloadPath, []byte(script), 0755); err != nil {
		t.Fatalf("write payload: %v", err)
	}

	p := policy.Default()
	p.WorkspacePath = os.Getenv("ISOLATE_LAUNCHER_E2E_WORKSPACE")
	for _, hostPath := range []string{"/bin", "/lib", "/lib64", "/usr/lib"} {
		p.FileRules = append(p.FileRules, policy.FileRule{
			Path:  hostPath,
			Perms: policy.PermRead | policy.PermExec,
		})
	}

	tag := orchestrator.NewTag()
	j := journal.New(journal.SnapshotPath(tag))
	host := linux.New()

	ic, err := orchestrator.Provision(t.Context(), tag, p, payloadPath, host, j)
	if err != nil {
		t.Fatalf("provision: %v", err)
	}
	if err := orchestrator.Attach(t.Context(), ic, host); err != nil {
		t.Fatalf("attach: %v", err)
	}

	env := orchestrator.Environment(p, orchestrator.PrincipalName(p, ic), os.Environ())
	err = Launch("/", ic.PayloadInRoot, nil, env)
	// Launch only returns on failure.
	t.Fatalf("launch: %v", err)
}

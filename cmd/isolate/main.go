// Command isolate runs a native executable under OS-level isolation
// driven by a declarative capability file. The binary has one verb
// (run a payload) plus a -d variant that writes a draft policy, so
// flags are registered on pflag directly rather than through a
// subcommand tree.
//
// A run is a two-process affair: the invoking process provisions
// every host-side resource, re-execs itself as a child that attaches
// to the prepared container and becomes the payload, then waits for
// the child and rolls the journal back. The split exists because the
// payload replaces the child's process image: only a surviving parent
// can reclaim the ephemeral principal and root directory afterwards.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"

	"github.com/spf13/pflag"

	"github.com/isolatehq/isolate/internal/detect"
	"github.com/isolatehq/isolate/pkg/container"
	"github.com/isolatehq/isolate/pkg/errors"
	"github.com/isolatehq/isolate/pkg/exitguard"
	"github.com/isolatehq/isolate/pkg/hostprim/linux"
	"github.com/isolatehq/isolate/pkg/journal"
	"github.com/isolatehq/isolate/pkg/launcher"
	"github.com/isolatehq/isolate/pkg/logger"
	"github.com/isolatehq/isolate/pkg/orchestrator"
	"github.com/isolatehq/isolate/pkg/policy"
	"github.com/isolatehq/isolate/pkg/trace"
	"github.com/isolatehq/isolate/pkg/version"
)

var log = logger.New("cli")

// childSpecEnv is the single private environment channel between the
// supervising parent and its re-exec'd child. It is unset in the
// child before the payload environment is assembled, so the payload
// never sees it.
const childSpecEnv = "ISOLATE_CHILD_SPEC"

// childSpec is everything the re-exec'd child needs to attach to the
// container its parent provisioned and become the payload.
type childSpec struct {
	Tag               string   `json:"tag"`
	RootPath          string   `json:"root_path"`
	UID               int      `json:"uid"`
	GID               int      `json:"gid"`
	NetworkMode       string   `json:"network_mode"`
	IPCAllowed        bool     `json:"ipc_allowed"`
	RawSocketsAllowed bool     `json:"raw_sockets_allowed"`
	AFSocketsAllowed  bool     `json:"af_sockets_allowed"`
	Payload           string   `json:"payload"`
	Args              []string `json:"args"`
	Env               []string `json:"env"`
	Verbose           bool     `json:"verbose"`
}

var (
	flagConfig  string
	flagVerbose bool
	flagDryRun  bool
	flagDetect  bool
	flagOutput  string
	flagHelp    bool
	flagVersion bool
)

func init() {
	pflag.StringVarP(&flagConfig, "config", "c", "", "policy document path (default <binary>.caps)")
	pflag.BoolVarP(&flagVerbose, "verbose", "v", false, "verbose stderr diagnostics")
	pflag.BoolVarP(&flagDryRun, "dry-run", "n", false, "parse and print the resolved policy, do not provision")
	pflag.BoolVarP(&flagDetect, "detect", "d", false, "write a draft policy document for <binary> instead of running it")
	pflag.StringVarP(&flagOutput, "output", "o", "", "draft policy output path (used with -d; default <binary>.caps)")
	pflag.BoolVarP(&flagHelp, "help", "h", false, "usage")
	pflag.BoolVarP(&flagVersion, "version", "V", false, "print version information and exit")
}

func main() {
	// The child is spawned with a bare argv; everything it needs rides
	// in the spec env var, so flag parsing never sees payload args.
	if raw := os.Getenv(childSpecEnv); raw != "" {
		os.Exit(runChild(raw))
	}

	pflag.Parse()

	if flagVersion {
		fmt.Println(version.Get().String())
		os.Exit(0)
	}

	if flagHelp {
		usage()
		os.Exit(1)
	}

	args := pflag.Args()
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}

	if flagVerbose {
		logger.SetLevel(logger.DebugLevel)
	}

	if flagDetect {
		os.Exit(runDetect(args[0]))
	}
	os.Exit(runIsolate(args[0], args[1:]))
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: isolate [-c FILE] [-v] [-n] <binary> [args...]")
	fmt.Fprintln(os.Stderr, "       isolate -d <binary> [-o FILE]")
	pflag.PrintDefaults()
}

func runDetect(binary string) int {
	out := flagOutput
	if out == "" {
		out = binary + ".caps"
	}
	if err := os.WriteFile(out, []byte(detect.Draft(binary)), 0644); err != nil {
		fmt.Fprintf(os.Stderr, "isolate: failed to write draft policy: %v\n", err)
		return 1
	}
	fmt.Fprintf(os.Stderr, "isolate: wrote draft policy to %s\n", out)
	return 0
}

// runIsolate is the supervising parent: provision, spawn the child,
// wait, roll back, and surface the payload's exit code.
func runIsolate(binary string, payloadArgs []string) int {
	binaryPath, err := resolveBinaryPath(binary)
	if err != nil {
		fmt.Fprintf(os.Stderr, "isolate: %v\n", err)
		return 1
	}

	configPath := flagConfig
	if configPath == "" {
		configPath = binaryPath + ".caps"
	}

	p, warnings, err := policy.ParseFile(configPath)
	if err != nil {
		diag := errors.Wrap(errors.ErrPolicyParse, "failed to read policy document", err)
		fmt.Fprintln(os.Stderr, diag.GetFullMessage())
		return 1
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "isolate: warning: %s\n", w.String())
	}

	if flagDryRun {
		printResolvedPolicy(p)
		return 0
	}

	if err := launcher.CheckPrivilege(launcher.IsPrivileged()); err != nil {
		ie := err.(*errors.IsolateError)
		fmt.Fprintln(os.Stderr, ie.GetFullMessage())
		return 1
	}

	tag := orchestrator.NewTag()
	shutdown, err := trace.Init(tag, flagVerbose)
	if err != nil {
		log.WithError(err).Warn("failed to initialize tracing, continuing without it")
		shutdown = func(context.Context) error { return nil }
	}
	defer shutdown(context.Background())

	j := journal.New(journal.SnapshotPath(tag))
	guard := exitguard.Install(j)
	// Every parent exit path, including a signal during the child's
	// run, ends in exactly one rollback.
	defer guard.RollbackAndRelease()

	host := linux.New()
	ctx := context.Background()

	ic, err := orchestrator.Provision(ctx, tag, p, binaryPath, host, j)
	if err != nil {
		reportFatal(err)
		return 1
	}

	principalName := orchestrator.PrincipalName(p, ic)
	env := orchestrator.Environment(p, principalName, os.Environ())

	code, err := superviseChild(ic, payloadArgs, env, host)
	if err != nil {
		reportFatal(err)
		return 1
	}
	return code
}

// superviseChild re-execs this binary as the attach-and-exec child,
// places it under the container's accounting rules, and waits for it.
// The returned int is the payload's exit code when the child ran at
// all; a non-nil error means the child could not be started or waited
// on.
func superviseChild(ic *orchestrator.Context, payloadArgs, env []string, host *linux.Host) (int, error) {
	spec := childSpec{
		Tag:      ic.Tag,
		RootPath: ic.RootPath,
		UID:      ic.UID,
		GID:      ic.GID,
		Payload:  ic.PayloadInRoot,
		Args:     payloadArgs,
		Env:      env,
		Verbose:  flagVerbose,
	}
	spec.NetworkMode = string(ic.ContainerSpec.NetworkMode)
	spec.IPCAllowed = ic.ContainerSpec.IPCAllowed
	spec.RawSocketsAllowed = ic.ContainerSpec.RawSocketsAllowed
	spec.AFSocketsAllowed = ic.ContainerSpec.AFSocketsAllowed

	data, err := json.Marshal(spec)
	if err != nil {
		return 1, errors.Internal("failed to encode child spec", err)
	}

	cmd := exec.Command("/proc/self/exe")
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	cmd.Env = []string{childSpecEnv + "=" + string(data)}

	if err := cmd.Start(); err != nil {
		return 1, errors.LaunchFailed(err).
			WithHint("verify /proc is mounted; the supervisor re-execs itself via /proc/self/exe")
	}
	log.WithField("pid", cmd.Process.Pid).Debug("child started")

	if err := host.AccountingJoin(ic.Tag, cmd.Process.Pid); err != nil {
		log.WithError(err).Warn("failed to place child under accounting rules, continuing unmetered")
	}

	if err := cmd.Wait(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return exitErr.ExitCode(), nil
		}
		return 1, errors.LaunchFailed(err)
	}
	return 0, nil
}

// runChild runs in the re-exec'd process: adopt the container the
// parent provisioned, attach to it, drop credentials, and become the
// payload. Diagnostics go to the inherited stderr; the parent turns a
// non-zero exit into its own non-zero exit.
func runChild(raw string) int {
	// Unshare, the credential switch, and exec must all happen on the
	// same kernel thread; locked for the remaining lifetime of this
	// goroutine, which either execs away or exits.
	runtime.LockOSThread()

	var spec childSpec
	if err := json.Unmarshal([]byte(raw), &spec); err != nil {
		fmt.Fprintf(os.Stderr, "isolate: malformed child spec: %v\n", err)
		return 1
	}
	if spec.Verbose {
		logger.SetLevel(logger.DebugLevel)
	}

	container.Adopt(container.Spec{
		Name:              spec.Tag,
		Root:              spec.RootPath,
		NetworkMode:       spec.NetworkMode,
		IPCAllowed:        spec.IPCAllowed,
		RawSocketsAllowed: spec.RawSocketsAllowed,
		AFSocketsAllowed:  spec.AFSocketsAllowed,
	})

	ic := &orchestrator.Context{
		Tag:         spec.Tag,
		UID:         spec.UID,
		GID:         spec.GID,
		ContainerID: spec.Tag,
		RootPath:    spec.RootPath,
		Journal:     journal.New(""),
	}

	host := linux.New()
	if err := orchestrator.Attach(context.Background(), ic, host); err != nil {
		reportFatal(err)
		return 1
	}

	// ContainerAttach pivot_roots into spec.RootPath, so the
	// private root is "/" by now and the payload lives at "/"+basename.
	if err := launcher.Launch("/", spec.Payload, spec.Args, spec.Env); err != nil {
		reportFatal(err)
		return 1
	}
	return 0
}

func resolveBinaryPath(binary string) (string, error) {
	if _, err := os.Stat(binary); err != nil {
		return "", fmt.Errorf("payload %q not found: %w", binary, err)
	}
	abs, err := filepath.Abs(binary)
	if err != nil {
		return "", err
	}
	return abs, nil
}

func reportFatal(err error) {
	if ie, ok := err.(*errors.IsolateError); ok {
		fmt.Fprintln(os.Stderr, ie.GetFullMessage())
		return
	}
	fmt.Fprintf(os.Stderr, "isolate: %v\n", err)
}

func printResolvedPolicy(p policy.Policy) {
	fmt.Fprintf(os.Stderr, "principal: %s\n", p.Principal)
	fmt.Fprintf(os.Stderr, "workspace: %s\n", p.WorkspacePath)
	fmt.Fprintf(os.Stderr, "env_clear: %t\n", p.EnvClear)
	fmt.Fprintf(os.Stderr, "network_default_deny: %t\n", p.NetworkDefaultDeny)
	fmt.Fprintf(os.Stderr, "fs_default_deny: %t\n", p.FSDefaultDeny)
	fmt.Fprintf(os.Stderr, "limits: memory=%d processes=%d files=%d cpu=%d\n",
		p.Limits.MemoryBytes, p.Limits.MaxProcesses, p.Limits.MaxFiles, p.Limits.MaxCPUPercent)
	for _, fr := range p.FileRules {
		fmt.Fprintf(os.Stderr, "file: %s:%s\n", fr.Path, fr.Perms)
	}
	for _, nr := range p.NetworkRules {
		fmt.Fprintf(os.Stderr, "network: %s\n", nr)
	}
	for _, er := range p.EnvRules {
		fmt.Fprintf(os.Stderr, "env: %s=%s\n", er.Name, er.Value)
	}
	fmt.Fprintf(os.Stderr, "policy digest: %s\n", p.Digest())
}

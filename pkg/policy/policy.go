// Package policy implements the capability document parser and the
// in-memory policy model it produces: a Policy is immutable once
// parsed and is shared read-only by every other component.
package policy

import (
	"fmt"
	"reflect"
	"sort"

	digest "github.com/opencontainers/go-digest"
)

// PrincipalKind distinguishes the two ways a Policy can name the
// identity the payload runs under.
type PrincipalKind int

const (
	// PrincipalEphemeralAuto requests a fresh per-invocation principal.
	PrincipalEphemeralAuto PrincipalKind = iota
	// PrincipalNamed references an existing principal on the host.
	PrincipalNamed
)

func (k PrincipalKind) String() string {
	switch k {
	case PrincipalEphemeralAuto:
		return "auto"
	case PrincipalNamed:
		return "named"
	default:
		return "unknown"
	}
}

// Principal is one of {EphemeralAuto, Named(name)}.
type Principal struct {
	Kind PrincipalKind
	Name string // only meaningful when Kind == PrincipalNamed
}

// EphemeralAuto returns the principal variant that requests creation of
// a fresh per-invocation principal.
func EphemeralAuto() Principal { return Principal{Kind: PrincipalEphemeralAuto} }

// Named returns the principal variant that references an existing host
// principal by name.
func Named(name string) Principal { return Principal{Kind: PrincipalNamed, Name: name} }

func (p Principal) String() string {
	if p.Kind == PrincipalNamed {
		return p.Name
	}
	return "auto"
}

// Perm is a subset of {R,W,X} granted to a FileRule.
type Perm uint8

const (
	PermRead Perm = 1 << iota
	PermWrite
	PermExec
)

// Has reports whether p grants every bit set in q.
func (p Perm) Has(q Perm) bool { return p&q == q }

func (p Perm) String() string {
	s := ""
	if p.Has(PermRead) {
		s += "r"
	}
	if p.Has(PermWrite) {
		s += "w"
	}
	if p.Has(PermExec) {
		s += "x"
	}
	return s
}

// FileRule grants access to one absolute, canonicalized host path.
type FileRule struct {
	Path  string
	Perms Perm
}

// Protocol is the transport a NetworkRule governs.
type Protocol string

const (
	ProtoTCP  Protocol = "tcp"
	ProtoUDP  Protocol = "udp"
	ProtoUnix Protocol = "unix"
	ProtoNone Protocol = "none"
)

// Direction constrains which way a NetworkRule's traffic may flow.
type Direction string

const (
	DirBoth Direction = "both"
	DirOut  Direction = "out"
	DirIn   Direction = "in"
)

// PortAny is the sentinel meaning "any port"; valid ports are
// [1,65535], so zero can never collide with a real port number.
const PortAny = 0

// NetworkRule is one entry of Policy.NetworkRules.
type NetworkRule struct {
	Protocol  Protocol
	Address   string
	Port      int
	Direction Direction
}

func (r NetworkRule) String() string {
	port := "any"
	if r.Port != PortAny {
		port = fmt.Sprintf("%d", r.Port)
	}
	return fmt.Sprintf("%s:%s:%s:%s", r.Protocol, r.Address, port, r.Direction)
}

// EnvRule is one (name, value) pair injected into the payload's
// environment.
type EnvRule struct {
	Name  string
	Value string
}

// Limits holds resource-accounting ceilings; zero means "unset".
type Limits struct {
	MemoryBytes   int64
	MaxProcesses  int64
	MaxFiles      int64
	MaxCPUPercent int64
}

// Policy is the deserialized capability document. It is immutable after
// Parse/ParseFile returns it and is shared read-only by every
// component downstream of the parser.
type Policy struct {
	Principal          Principal
	WorkspacePath      string
	FileRules          []FileRule
	NetworkRules       []NetworkRule
	EnvRules           []EnvRule
	EnvClear           bool
	NetworkDefaultDeny bool
	FSDefaultDeny      bool
	Limits             Limits
}

// Default returns the Policy used when no capability document exists:
// an ephemeral principal, both default-deny flags false, no limits, no
// rules. "Document not found" is recoverable and falls back to
// exactly this value.
func Default() Policy {
	return Policy{Principal: EphemeralAuto()}
}

// Equal reports whether p and other describe the same policy. Field
// order within rule slices is significant (it is evaluation order), so
// this is not order-insensitive set comparison.
func (p Policy) Equal(other Policy) bool {
	return reflect.DeepEqual(normalize(p), normalize(other))
}

// normalize turns nil rule slices into empty ones so Equal doesn't
// distinguish "no rules because the field was never touched" from "no
// rules because append never ran"; both arise naturally depending on
// whether a Policy came from Default() or from a parse with zero
// matching lines.
func normalize(p Policy) Policy {
	if p.FileRules == nil {
		p.FileRules = []FileRule{}
	}
	if p.NetworkRules == nil {
		p.NetworkRules = []NetworkRule{}
	}
	if p.EnvRules == nil {
		p.EnvRules = []EnvRule{}
	}
	return p
}

// Digest returns a content digest of the resolved policy, used only for
// diagnostics (the -n output prints it) so an operator can confirm
// which resolved policy a given document yields.
func (p Policy) Digest() digest.Digest {
	return digest.FromString(p.canonicalString())
}

// canonicalString renders p deterministically: file and network rules
// keep their order (it's evaluation order), env rules are stable-sorted
// by name, and field layout is fixed by construction.
func (p Policy) canonicalString() string {
	s := fmt.Sprintf("principal=%s;workspace=%s;env_clear=%t;net_deny=%t;fs_deny=%t;"+
		"mem=%d;procs=%d;files=%d;cpu=%d;",
		p.Principal, p.WorkspacePath, p.EnvClear, p.NetworkDefaultDeny, p.FSDefaultDeny,
		p.Limits.MemoryBytes, p.Limits.MaxProcesses, p.Limits.MaxFiles, p.Limits.MaxCPUPercent)
	for _, fr := range p.FileRules {
		s += fmt.Sprintf("file(%s,%s);", fr.Path, fr.Perms)
	}
	for _, nr := range p.NetworkRules {
		s += fmt.Sprintf("net(%s,%s,%d,%s);", nr.Protocol, nr.Address, nr.Port, nr.Direction)
	}
	env := append([]EnvRule(nil), p.EnvRules...)
	sort.SliceStable(env, func(i, j int) bool { return env[i].Name < env[j].Name })
	for _, er := range env {
		s += fmt.Sprintf("env(%s=%s);", er.Name, er.Value)
	}
	return s
}

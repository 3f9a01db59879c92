package policy

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
)

// pageSize is the minimum non-zero memory limit: a ceiling smaller
// than one system page cannot be accounted.
var pageSize = int64(os.Getpagesize())

const (
	maxNetworkRules = 16
	maxFileRules    = 32
	maxEnvRules     = 32
)

// Warning is a single recoverable parse problem: an unknown key, a
// malformed value, or a count cap that discarded an entry. Parsing
// never aborts on these; it records one Warning per offending line
// and keeps going.
type Warning struct {
	Line    int
	Key     string
	Message string
}

func (w Warning) String() string {
	if w.Key == "" {
		return fmt.Sprintf("line %d: %s", w.Line, w.Message)
	}
	return fmt.Sprintf("line %d: %s: %s", w.Line, w.Key, w.Message)
}

// ParseFile reads the capability document at path. A missing file is
// recoverable: it returns Default() plus a single warning, and a nil
// error. Any other open/read failure is
// reported as an ErrPolicyParse-classified error by the caller (the
// CLI in cmd/isolate wraps it; this package just returns the raw error).
func ParseFile(path string) (Policy, []Warning, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), []Warning{{Message: fmt.Sprintf("policy document %q not found, using default policy", path)}}, nil
		}
		return Policy{}, nil, fmt.Errorf("open policy document %q: %w", path, err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads a capability document from r and returns the resolved
// Policy together with every recoverable Warning encountered. Parse
// itself never returns a non-nil error for malformed input; malformed
// lines become warnings.
func Parse(r io.Reader) (Policy, []Warning, error) {
	p := Default()
	var warnings []Warning

	scanner := bufio.NewScanner(r)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		if idx := strings.IndexByte(line, '#'); idx >= 0 {
			line = line[:idx]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		key, value, ok := splitKeyValue(line)
		if !ok {
			warnings = append(warnings, Warning{Line: lineNo, Message: "malformed line, expected 'key: value'"})
			continue
		}

		if w := applyKey(&p, key, value, lineNo); w != nil {
			warnings = append(warnings, *w)
		}
	}
	if err := scanner.Err(); err != nil {
		return Policy{}, warnings, fmt.Errorf("read policy document: %w", err)
	}

	return p, warnings, nil
}

func splitKeyValue(line string) (key, value string, ok bool) {
	idx := strings.IndexByte(line, ':')
	if idx < 0 {
		return "", "", false
	}
	key = strings.TrimSpace(line[:idx])
	value = strings.TrimSpace(line[idx+1:])
	if key == "" {
		return "", "", false
	}
	return key, value, true
}

// applyKey mutates p according to one recognized-or-not key/value pair
// and returns a Warning when the line did not take effect.
func applyKey(p *Policy, key, value string, line int) *Warning {
	switch key {
	case "user":
		if value == "auto" {
			p.Principal = EphemeralAuto()
		} else if value == "" {
			return &Warning{Line: line, Key: key, Message: "empty principal name"}
		} else {
			p.Principal = Named(value)
		}

	case "memory":
		n, err := parseMemory(value)
		if err != nil {
			return &Warning{Line: line, Key: key, Message: err.Error()}
		}
		p.Limits.MemoryBytes = n

	case "processes":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return &Warning{Line: line, Key: key, Message: "expected non-negative integer"}
		}
		p.Limits.MaxProcesses = n

	case "files":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return &Warning{Line: line, Key: key, Message: "expected non-negative integer"}
		}
		p.Limits.MaxFiles = n

	case "cpu":
		n, err := strconv.ParseInt(value, 10, 64)
		if err != nil || n < 0 {
			return &Warning{Line: line, Key: key, Message: "expected non-negative integer"}
		}
		p.Limits.MaxCPUPercent = n

	case "network":
		if len(p.NetworkRules) >= maxNetworkRules {
			return &Warning{Line: line, Key: key, Message: "network rule cap (16) exceeded, discarding"}
		}
		rule, err := parseNetworkRule(value)
		if err != nil {
			return &Warning{Line: line, Key: key, Message: err.Error()}
		}
		p.NetworkRules = append(p.NetworkRules, rule)

	case "filesystem", "file":
		if len(p.FileRules) >= maxFileRules {
			return &Warning{Line: line, Key: key, Message: "file rule cap (32) exceeded, discarding"}
		}
		rule, err := parseFileRule(value)
		if err != nil {
			return &Warning{Line: line, Key: key, Message: err.Error()}
		}
		p.FileRules = append(p.FileRules, rule)

	case "env":
		if len(p.EnvRules) >= maxEnvRules {
			return &Warning{Line: line, Key: key, Message: "env rule cap (32) exceeded, discarding"}
		}
		name, val, err := parseEnvRule(value)
		if err != nil {
			return &Warning{Line: line, Key: key, Message: err.Error()}
		}
		p.EnvRules = append(p.EnvRules, EnvRule{Name: name, Value: val})

	case "network_default":
		deny, err := parseDenyAllow(value)
		if err != nil {
			return &Warning{Line: line, Key: key, Message: err.Error()}
		}
		p.NetworkDefaultDeny = deny

	case "filesystem_default":
		deny, err := parseDenyAllow(value)
		if err != nil {
			return &Warning{Line: line, Key: key, Message: err.Error()}
		}
		p.FSDefaultDeny = deny

	case "env_clear":
		b, err := parseBool(value)
		if err != nil {
			return &Warning{Line: line, Key: key, Message: err.Error()}
		}
		p.EnvClear = b

	case "workspace":
		if !strings.HasPrefix(value, "/") {
			return &Warning{Line: line, Key: key, Message: "workspace must be an absolute path"}
		}
		p.WorkspacePath = value

	default:
		return &Warning{Line: line, Key: key, Message: "unknown key, ignoring"}
	}
	return nil
}

func parseMemory(value string) (int64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty memory value")
	}
	mult := int64(1)
	numPart := value
	switch value[len(value)-1] {
	case 'b', 'B':
		numPart = value[:len(value)-1]
	case 'k', 'K':
		mult = 1 << 10
		numPart = value[:len(value)-1]
	case 'm', 'M':
		mult = 1 << 20
		numPart = value[:len(value)-1]
	case 'g', 'G':
		mult = 1 << 30
		numPart = value[:len(value)-1]
	}
	n, err := strconv.ParseInt(strings.TrimSpace(numPart), 10, 64)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("expected number with optional B/K/M/G suffix")
	}
	bytes := n * mult
	if bytes > 0 && bytes < pageSize {
		return 0, fmt.Errorf("memory limit %d bytes is below one system page (%d bytes)", bytes, pageSize)
	}
	return bytes, nil
}

func parseDenyAllow(value string) (bool, error) {
	switch value {
	case "deny":
		return true, nil
	case "allow":
		return false, nil
	default:
		return false, fmt.Errorf("expected 'deny' or 'allow'")
	}
}

func parseBool(value string) (bool, error) {
	switch value {
	case "true", "1":
		return true, nil
	case "false", "0":
		return false, nil
	default:
		return false, fmt.Errorf("expected true/false/1/0")
	}
}

func parseFileRule(value string) (FileRule, error) {
	path := value
	permStr := "r"
	if idx := strings.LastIndexByte(value, ':'); idx >= 0 {
		path = value[:idx]
		permStr = value[idx+1:]
	}
	if !strings.HasPrefix(path, "/") {
		return FileRule{}, fmt.Errorf("file path must be absolute")
	}
	perms, err := parsePerms(permStr)
	if err != nil {
		return FileRule{}, err
	}
	return FileRule{Path: cleanPath(path), Perms: perms}, nil
}

func parsePerms(s string) (Perm, error) {
	var p Perm
	for _, c := range s {
		switch c {
		case 'r', 'R':
			p |= PermRead
		case 'w', 'W':
			p |= PermWrite
		case 'x', 'X':
			p |= PermExec
		default:
			return 0, fmt.Errorf("invalid permission character %q, expected subset of rwxRWX", c)
		}
	}
	if p == 0 {
		return 0, fmt.Errorf("empty permission set")
	}
	return p, nil
}

// cleanPath canonicalizes an already-absolute path: no "." or ".."
// segments, no trailing slash except for root itself.
func cleanPath(path string) string {
	segs := strings.Split(path, "/")
	var out []string
	for _, s := range segs {
		switch s {
		case "", ".":
			continue
		case "..":
			if len(out) > 0 {
				out = out[:len(out)-1]
			}
		default:
			out = append(out, s)
		}
	}
	return "/" + strings.Join(out, "/")
}

func parseEnvRule(value string) (name, val string, err error) {
	idx := strings.IndexByte(value, '=')
	if idx <= 0 {
		return "", "", fmt.Errorf("expected NAME=VALUE")
	}
	return value[:idx], value[idx+1:], nil
}

// parseNetworkRule implements the colon-separated rule grammar
// protocol[:first[:second[:direction]]].
func parseNetworkRule(value string) (NetworkRule, error) {
	fields := strings.Split(value, ":")
	proto := Protocol(strings.ToLower(fields[0]))
	rest := fields[1:]

	switch proto {
	case ProtoNone:
		if len(rest) != 0 {
			return NetworkRule{}, fmt.Errorf("'none' takes no further fields")
		}
		return NetworkRule{Protocol: ProtoNone, Port: PortAny, Direction: DirBoth}, nil

	case ProtoUnix:
		if len(rest) == 0 || rest[0] == "" {
			return NetworkRule{}, fmt.Errorf("unix rule requires a path")
		}
		return NetworkRule{Protocol: ProtoUnix, Address: rest[0], Port: PortAny, Direction: DirBoth}, nil

	case ProtoTCP, ProtoUDP:
		rule := NetworkRule{Protocol: proto, Address: "0.0.0.0", Port: PortAny, Direction: DirBoth}
		if len(rest) == 0 {
			return NetworkRule{}, fmt.Errorf("%s rule requires at least a port or address", proto)
		}

		// Trailing direction token, if present, is stripped before the
		// address/port fields are interpreted.
		if last := rest[len(rest)-1]; isDirectionToken(last) {
			rule.Direction = normalizeDirection(last)
			rest = rest[:len(rest)-1]
		}

		switch len(rest) {
		case 0:
			return NetworkRule{}, fmt.Errorf("%s rule requires at least a port or address", proto)
		case 1:
			if port, err := strconv.Atoi(rest[0]); err == nil && port >= 1 && port <= 65535 {
				rule.Port = port
			} else {
				rule.Address = rest[0]
			}
		case 2:
			rule.Address = rest[0]
			port, err := strconv.Atoi(rest[1])
			if err != nil || port < 1 || port > 65535 {
				return NetworkRule{}, fmt.Errorf("invalid port %q", rest[1])
			}
			rule.Port = port
		default:
			return NetworkRule{}, fmt.Errorf("too many fields in %s rule", proto)
		}
		return rule, nil

	default:
		return NetworkRule{}, fmt.Errorf("unknown protocol %q", fields[0])
	}
}

func isDirectionToken(s string) bool {
	switch s {
	case "in", "inbound", "out", "outbound":
		return true
	default:
		return false
	}
}

func normalizeDirection(s string) Direction {
	switch s {
	case "in", "inbound":
		return DirIn
	case "out", "outbound":
		return DirOut
	default:
		return DirBoth
	}
}

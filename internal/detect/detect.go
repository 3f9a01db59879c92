// Package detect emits a conservative draft capability document in
// the grammar pkg/policy parses, giving the -d flag a producer to
// pair with the parser. It does not yet inspect the binary for the
// libraries or syscalls it actually uses; the draft is a commented
// starting point for the operator to edit.
package detect

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Draft renders a conservative default policy document for the
// binary at path: a fresh ephemeral principal, default-deny on both
// network and filesystem, and read-only access to the binary's own
// directory (the minimum a payload needs to find shared libraries
// next to it). Operators are expected to hand-edit the result before
// using it; it is a starting point, not a recommendation.
func Draft(path string) string {
	dir := filepath.Dir(path)
	if dir == "." {
		dir = "/"
	}

	var b strings.Builder
	fmt.Fprintf(&b, "# draft capability document for %s\n", path)
	fmt.Fprintf(&b, "# generated by isolate -d; review and edit before use\n\n")
	b.WriteString("user: auto\n")
	b.WriteString("network_default: deny\n")
	b.WriteString("filesystem_default: deny\n")
	b.WriteString("env_clear: true\n\n")
	fmt.Fprintf(&b, "filesystem: %s:r\n", dir)
	return b.String()
}

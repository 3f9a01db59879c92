package seccomp

import (
	"os"
	"path/filepath"
	"testing"
)

func TestDefaultDeniedExcludesSocket(t *testing.T) {
	denied := DefaultDenied()
	if len(denied) == 0 {
		t.Fatal("DefaultDenied returned an empty list")
	}
	for _, name := range denied {
		if name == "socket" {
			t.Error("socket must not be in the default deny list; it is governed by the container's socket toggle")
		}
	}

	want := map[string]bool{"mount": false, "ptrace": false, "reboot": false, "unshare": false}
	for _, name := range denied {
		if _, ok := want[name]; ok {
			want[name] = true
		}
	}
	for name, found := range want {
		if !found {
			t.Errorf("expected %s in the default deny list", name)
		}
	}
}

func TestFromContainerSpec(t *testing.T) {
	if c := FromContainerSpec(true); c.DenySocketCreation {
		t.Error("socket creation should be allowed when AF sockets are granted")
	}
	if c := FromContainerSpec(false); !c.DenySocketCreation {
		t.Error("socket creation should be denied when AF sockets are withheld")
	}
}

func TestResolveDefault(t *testing.T) {
	c := Config{}
	nrs, err := c.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nrs) != len(DefaultDenied()) {
		t.Errorf("expected %d syscall numbers, got %d", len(DefaultDenied()), len(nrs))
	}
}

func TestResolveAddsSocketWhenDenied(t *testing.T) {
	base := Config{}
	baseNrs, err := base.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	c := Config{DenySocketCreation: true}
	nrs, err := c.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nrs) != len(baseNrs)+1 {
		t.Errorf("expected socket denial to add exactly one entry: %d vs %d", len(nrs), len(baseNrs))
	}
}

func TestResolveUnknownSyscallIsError(t *testing.T) {
	c := Config{Profile: &Profile{Denied: []string{"mount", "frobnicate"}}}
	if _, err := c.Resolve(); err == nil {
		t.Error("expected an error for an unknown syscall name")
	}
}

func TestResolveDeduplicates(t *testing.T) {
	c := Config{Profile: &Profile{Denied: []string{"mount", "mount", "ptrace"}}}
	nrs, err := c.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(nrs) != 2 {
		t.Errorf("expected 2 deduplicated entries, got %d", len(nrs))
	}
}

func TestProfileSaveAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "profile.json")
	p := &Profile{Denied: []string{"mount", "ptrace"}}
	if err := p.Save(path); err != nil {
		t.Fatalf("save: %v", err)
	}

	loaded, err := LoadProfile(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(loaded.Denied) != 2 || loaded.Denied[0] != "mount" || loaded.Denied[1] != "ptrace" {
		t.Errorf("round trip mismatch: %v", loaded.Denied)
	}
}

func TestLoadProfileInvalidPath(t *testing.T) {
	if _, err := LoadProfile("/nonexistent/profile.json"); err == nil {
		t.Error("expected an error for a missing profile file")
	}
}

func TestLoadProfileInvalidJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	if err := os.WriteFile(path, []byte("{not json"), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProfile(path); err == nil {
		t.Error("expected an error for malformed JSON")
	}
}

func TestApplyDisabledIsNoop(t *testing.T) {
	c := Config{Disabled: true}
	if err := c.Apply(); err != nil {
		t.Errorf("disabled config should apply as a no-op, got %v", err)
	}
}

func TestBuildFilterShape(t *testing.T) {
	denied := []uint32{1, 2, 3}
	prog, err := buildFilter(denied)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// 4 header instructions, 2 per denial, 1 trailing allow.
	want := 4 + 2*len(denied) + 1
	if len(prog) != want {
		t.Errorf("expected %d instructions, got %d", want, len(prog))
	}
}

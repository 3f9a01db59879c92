package fake

import (
	"testing"

	"github.com/isolatehq/isolate/pkg/hostprim"
)

func TestPrincipalCreateEphemeralIdempotent(t *testing.T) {
	h := New()
	id1, err := h.PrincipalCreateEphemeral("isolate-abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id2, err := h.PrincipalCreateEphemeral("isolate-abc123")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if id1 != id2 {
		t.Errorf("expected idempotent creation to return the same identity, got %+v and %+v", id1, id2)
	}
}

func TestPrincipalLookupMissing(t *testing.T) {
	h := New()
	_, ok, err := h.PrincipalLookup("nosuchuser")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Error("expected lookup of unknown principal to report not-found")
	}
}

func TestRootDirCreateIsIdempotent(t *testing.T) {
	h := New()
	if err := h.RootDirCreate("/tmp/isolate-abc"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.DirExists("/tmp/isolate-abc") {
		t.Fatal("expected directory to exist after create")
	}
	if err := h.RootDirCreate("/tmp/isolate-abc"); err != nil {
		t.Fatalf("unexpected error on second create: %v", err)
	}
	if !h.DirExists("/tmp/isolate-abc") {
		t.Fatal("expected directory to still exist")
	}
}

func TestDirRemoveRecursiveClearsState(t *testing.T) {
	h := New()
	_ = h.RootDirCreate("/tmp/isolate-xyz")
	h.DirRemoveRecursive("/tmp/isolate-xyz")
	if h.DirExists("/tmp/isolate-xyz") {
		t.Error("expected directory to be gone after removal")
	}
}

func TestContainerLifecycle(t *testing.T) {
	h := New()
	id, err := h.ContainerCreate(hostprim.ContainerSpec{Name: "isolate-abc", NetworkMode: hostprim.InheritHost})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.ContainerExists(id) {
		t.Fatal("expected container to exist after create")
	}
	if err := h.ContainerAttach(id); err != nil {
		t.Fatalf("unexpected error attaching: %v", err)
	}
	h.ContainerDestroy(id)
	if h.ContainerExists(id) {
		t.Error("expected container to be gone after destroy")
	}
}

func TestAccountingAddRuleFailureIsReturnedNotPanicked(t *testing.T) {
	h := New()
	h.FailAccounting = true
	if err := h.AccountingAddRule("isolate-abc", "memory", 1024); err == nil {
		t.Error("expected accounting failure to surface as an error the caller can downgrade to a warning")
	}
}

func TestAccountingJoinRecordsPID(t *testing.T) {
	h := New()
	id, err := h.ContainerCreate(hostprim.ContainerSpec{Name: "isolate-join", NetworkMode: hostprim.InheritHost})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := h.AccountingJoin("isolate-join", 4242); err != nil {
		t.Fatalf("unexpected error joining by name: %v", err)
	}
	if err := h.AccountingJoin(id, 4243); err != nil {
		t.Fatalf("unexpected error joining by id: %v", err)
	}
	pids := h.JoinedPIDs("isolate-join")
	if len(pids) != 1 || pids[0] != 4242 {
		t.Errorf("expected pid 4242 joined under the container name, got %v", pids)
	}
}

func TestAccountingJoinUnknownContainerIsError(t *testing.T) {
	h := New()
	if err := h.AccountingJoin("no-such-container", 1); err == nil {
		t.Error("expected an error joining an unknown container")
	}
}

func TestCredentialSwitchRecordsBothIDsTogether(t *testing.T) {
	h := New()
	if err := h.CredentialSwitch(2001, 2001); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	id, ok := h.Credential()
	if !ok || id.UID != 2001 || id.GID != 2001 {
		t.Errorf("expected credential to be recorded, got %+v ok=%v", id, ok)
	}
}

func TestBindMountAndUnmount(t *testing.T) {
	h := New()
	if err := h.BindMount("/tmp/demo", "/root/workspace", 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !h.IsMounted("/root/workspace") {
		t.Fatal("expected target to be mounted")
	}
	h.Unmount("/root/workspace")
	if h.IsMounted("/root/workspace") {
		t.Error("expected target to be unmounted")
	}
}

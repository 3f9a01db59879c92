package launcher

import (
	"testing"

	"github.com/isolatehq/isolate/pkg/errors"
)

func TestCheckPrivilegeUnprivilegedIsClassifiedAndHinted(t *testing.T) {
	err := CheckPrivilege(false)
	if err == nil {
		t.Fatal("expected an error when the caller is not privileged")
	}
	if !errors.IsCode(err, errors.ErrUnprivileged) {
		t.Errorf("expected ErrUnprivileged, got %v", errors.Code(err))
	}
	ie := err.(*errors.IsolateError)
	if ie.Hint == "" {
		t.Error("expected an actionable hint on an Unprivileged error")
	}
}

func TestCheckPrivilegePrivilegedSucceeds(t *testing.T) {
	if err := CheckPrivilege(true); err != nil {
		t.Errorf("expected no error for a privileged caller, got %v", err)
	}
}

func TestLaunchMissingPayloadIsLaunchFailed(t *testing.T) {
	err := Launch(t.TempDir(), "does-not-exist", nil, nil)
	if err == nil {
		t.Fatal("expected an error launching a nonexistent payload")
	}
	if !errors.IsCode(err, errors.ErrLaunchFailed) {
		t.Errorf("expected ErrLaunchFailed, got %v", errors.Code(err))
	}
}

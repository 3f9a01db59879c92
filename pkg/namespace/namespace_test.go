package namespace

import (
	"os"
	"testing"

	"golang.org/x/sys/unix"
)

func TestFlags(t *testing.T) {
	tests := []struct {
		name     string
		types    []Type
		expected uintptr
	}{
		{"UTS", []Type{UTS}, unix.CLONE_NEWUTS},
		{"PID", []Type{PID}, unix.CLONE_NEWPID},
		{"IPC", []Type{IPC}, unix.CLONE_NEWIPC},
		{"Mount", []Type{Mount}, unix.CLONE_NEWNS},
		{"Network", []Type{Network}, unix.CLONE_NEWNET},
		{"User", []Type{User}, unix.CLONE_NEWUSER},
		{"UTS+PID", []Type{UTS, PID}, unix.CLONE_NEWUTS | unix.CLONE_NEWPID},
		{
			"all",
			[]Type{UTS, IPC, PID, Mount, Network, User},
			unix.CLONE_NEWUTS | unix.CLONE_NEWIPC | unix.CLONE_NEWPID | unix.CLONE_NEWNS | unix.CLONE_NEWNET | unix.CLONE_NEWUSER,
		},
		{"empty", nil, 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Flags(tt.types...); got != tt.expected {
				t.Errorf("Flags() = %#x, want %#x", got, tt.expected)
			}
		})
	}
}

func TestTypeValuesAreDistinctBits(t *testing.T) {
	types := []Type{UTS, IPC, PID, Mount, Network, User}
	seen := make(map[Type]bool)
	for _, ty := range types {
		if seen[ty] {
			t.Errorf("duplicate Type value: %d", ty)
		}
		seen[ty] = true
	}
}

func TestFlagsContainment(t *testing.T) {
	flags := Flags(UTS, PID)
	if flags&unix.CLONE_NEWUTS == 0 {
		t.Error("expected CLONE_NEWUTS to be set")
	}
	if flags&unix.CLONE_NEWNET != 0 {
		t.Error("expected CLONE_NEWNET to be unset")
	}
}

func TestUnshareRequiresPrivilegeOrUserNS(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("skipping negative-path test when running as root")
	}
	// Unprivileged, CLONE_NEWNS without CLONE_NEWUSER should fail; this
	// exercises the error-wrapping path without needing root.
	if err := Unshare(Flags(Mount)); err == nil {
		t.Skip("kernel permitted unprivileged mount namespace unshare; nothing to assert")
	}
}

func TestSetHostnameEmptyIsNoop(t *testing.T) {
	if err := SetHostname(""); err != nil {
		t.Errorf("SetHostname(\"\") = %v, want nil", err)
	}
}

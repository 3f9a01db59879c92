package capabilities

import (
	"testing"
)

func contains(caps []Capability, want Capability) bool {
	for _, c := range caps {
		if c == want {
			return true
		}
	}
	return false
}

func TestDefaultKeep(t *testing.T) {
	keep := DefaultKeep()

	if len(keep) == 0 {
		t.Fatal("DefaultKeep returned an empty list")
	}

	for _, want := range []Capability{CAP_CHOWN, CAP_SETUID, CAP_SETGID, CAP_NET_BIND_SERVICE, CAP_KILL} {
		if !contains(keep, want) {
			t.Errorf("expected %s in the default keep set", want)
		}
	}

	for _, banned := range []Capability{CAP_SYS_ADMIN, CAP_SYS_MODULE, CAP_SYS_PTRACE, CAP_SYS_BOOT, CAP_SYS_TIME} {
		if contains(keep, banned) {
			t.Errorf("%s must never be in the default keep set", banned)
		}
	}
}

func TestFromContainerSpecDefaultToggles(t *testing.T) {
	// The container is always created with IPC and raw sockets
	// withheld and AF sockets granted.
	c := FromContainerSpec(false, false, true)

	if contains(c.Keep, CAP_NET_RAW) {
		t.Error("raw sockets withheld should remove CAP_NET_RAW")
	}
	if !contains(c.Keep, CAP_NET_BIND_SERVICE) {
		t.Error("AF sockets granted should retain CAP_NET_BIND_SERVICE")
	}
	if contains(c.Keep, CAP_IPC_LOCK) || contains(c.Keep, CAP_IPC_OWNER) {
		t.Error("IPC withheld should not add IPC capabilities")
	}
}

func TestFromContainerSpecNoAFSockets(t *testing.T) {
	c := FromContainerSpec(false, false, false)
	if contains(c.Keep, CAP_NET_BIND_SERVICE) {
		t.Error("AF sockets withheld should remove CAP_NET_BIND_SERVICE")
	}
	if contains(c.Keep, CAP_NET_RAW) {
		t.Error("raw sockets withheld should remove CAP_NET_RAW")
	}
}

func TestFromContainerSpecIPCAllowed(t *testing.T) {
	c := FromContainerSpec(true, false, true)
	if !contains(c.Keep, CAP_IPC_LOCK) || !contains(c.Keep, CAP_IPC_OWNER) {
		t.Error("IPC allowed should add CAP_IPC_LOCK and CAP_IPC_OWNER")
	}
}

func TestResolveValidatesNames(t *testing.T) {
	c := Config{Keep: []Capability{CAP_CHOWN, Capability("CAP_BOGUS")}}
	if _, err := c.Resolve(); err == nil {
		t.Error("expected an error for an unknown capability name")
	}
}

func TestResolveReturnsKernelValues(t *testing.T) {
	c := Config{Keep: []Capability{CAP_CHOWN, CAP_KILL}}
	kept, err := c.Resolve()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(kept) != 2 {
		t.Errorf("expected 2 kernel values, got %d", len(kept))
	}
}

func TestParseCapability(t *testing.T) {
	tests := []struct {
		in      string
		want    Capability
		wantErr bool
	}{
		{"CAP_NET_RAW", CAP_NET_RAW, false},
		{"net_raw", CAP_NET_RAW, false},
		{"SYS_ADMIN", CAP_SYS_ADMIN, false},
		{"chown", CAP_CHOWN, false},
		{"CAP_NOT_A_THING", "", true},
	}
	for _, tt := range tests {
		got, err := ParseCapability(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("ParseCapability(%q): expected error", tt.in)
			}
			continue
		}
		if err != nil {
			t.Errorf("ParseCapability(%q): unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("ParseCapability(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestCapabilityString(t *testing.T) {
	if CAP_SYS_ADMIN.String() != "CAP_SYS_ADMIN" {
		t.Errorf("unexpected String: %s", CAP_SYS_ADMIN.String())
	}
}

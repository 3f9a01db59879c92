// Package namespace translates a confinement container's requested
// isolation into Linux namespace flags and applies them to the
// calling process via unshare(2). Attaching means the current process
// enters the container, not a freshly forked one, so there is no
// clone-flags path here.
package namespace

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// Type is one kind of Linux namespace the confinement container can
// request isolation of.
type Type int

const (
	UTS     Type = 1 << iota // hostname and domain name
	IPC                      // inter-process communication
	PID                      // process IDs (see Unshare's doc comment for the caveat)
	Mount                    // mount points
	Network                  // network devices, stacks, ports
	User                     // user and group IDs
)

// Flags converts a set of Type values into the corresponding
// CLONE_NEW* bitmask accepted by unshare(2).
func Flags(types ...Type) uintptr {
	var flags uintptr
	for _, t := range types {
		switch t {
		case UTS:
			flags |= unix.CLONE_NEWUTS
		case IPC:
			flags |= unix.CLONE_NEWIPC
		case PID:
			flags |= unix.CLONE_NEWPID
		case Mount:
			flags |= unix.CLONE_NEWNS
		case Network:
			flags |= unix.CLONE_NEWNET
		case User:
			flags |= unix.CLONE_NEWUSER
		}
	}
	return flags
}

// Unshare moves the calling process into new namespaces per flags.
//
// CLONE_NEWPID is a documented exception: unshare(2) only places the
// caller's *future children* into a new PID namespace, never the
// caller itself. The attach and the subsequent execve both run in the
// same process that calls Unshare, so process-ID isolation applies to
// the payload's children rather than the payload itself. Mount, UTS,
// IPC, and User namespaces are fully entered by the caller.
func Unshare(flags uintptr) error {
	if err := unix.Unshare(int(flags)); err != nil {
		return fmt.Errorf("unshare(0x%x): %w", flags, err)
	}
	return nil
}

// SetHostname sets the UTS namespace hostname, valid only after a
// successful Unshare(Flags(UTS)) (or a flag set that includes UTS).
func SetHostname(name string) error {
	if name == "" {
		return nil
	}
	if err := unix.Sethostname([]byte(name)); err != nil {
		return fmt.Errorf("sethostname: %w", err)
	}
	return nil
}

package devmgr

import (
	"fmt"
	"io"

	"github.com/tinyrange/vdm/internal/cfgtree"
)

// Device is the contract every device type implements. Construct runs under
// the instance's critical section with the instance's configuration subtree;
// Destruct runs without any section and is called exactly once per instance,
// including when Construct itself failed.
type Device interface {
	Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error
	Destruct(in *Instance) error
}

// ResetReason tells a reset handler what triggered the reset.
type ResetReason int

const (
	ResetFull ResetReason = iota
	ResetKeyboard
	ResetACPI
	ResetTripleFault
	ResetGuestRequest
)

func (r ResetReason) String() string {
	switch r {
	case ResetFull:
		return "full"
	case ResetKeyboard:
		return "keyboard"
	case ResetACPI:
		return "acpi"
	case ResetTripleFault:
		return "triple-fault"
	case ResetGuestRequest:
		return "guest-request"
	default:
		return fmt.Sprintf("reason(%d)", int(r))
	}
}

// The optional lifecycle interfaces. A device implements the ones it cares
// about; the manager probes with type assertions during broadcasts. All of
// them except Relocate run under the instance's critical section.

type PowerOnHandler interface {
	PowerOn(in *Instance) error
}

type ResetHandler interface {
	Reset(in *Instance, reason ResetReason)
}

type SuspendHandler interface {
	Suspend(in *Instance)
}

type ResumeHandler interface {
	Resume(in *Instance)
}

type PowerOffHandler interface {
	PowerOff(in *Instance)
}

// RelocateHandler is notified when the embedder moves its mapping of guest
// structures by delta bytes. It runs without the instance section and must
// not fail; a device that cannot relocate should not register for it.
type RelocateHandler interface {
	Relocate(in *Instance, delta int64)
}

// InterfaceProvider lets a device export extra interfaces to other devices
// under string identifiers ("vdm.pic", "vdm.dma", ...). LookupInterface must
// be safe to call without any lock; returning nil means not implemented.
type InterfaceProvider interface {
	LookupInterface(id string) any
}

// Snapshotter saves and restores device state. Both calls happen under the
// instance section while the whole machine is suspended.
type Snapshotter interface {
	CaptureState(w io.Writer) error
	RestoreState(r io.Reader) error
}

// State is an instance's position in the lifecycle machine.
//
//	Unconstructed -> Constructing -> Constructed -> Running
//	Running <-> Suspended
//	Running | Suspended -> Off
//	Constructed | Off -> Destructing -> Destroyed
//
// A failed Construct goes Constructing -> Destructing -> Destroyed; Destruct
// still runs so a half-built device can release what it grabbed.
type State uint32

const (
	StateUnconstructed State = iota
	StateConstructing
	StateConstructed
	StateRunning
	StateSuspended
	StateOff
	StateDestructing
	StateDestroyed
)

func (s State) String() string {
	switch s {
	case StateUnconstructed:
		return "unconstructed"
	case StateConstructing:
		return "constructing"
	case StateConstructed:
		return "constructed"
	case StateRunning:
		return "running"
	case StateSuspended:
		return "suspended"
	case StateOff:
		return "off"
	case StateDestructing:
		return "destructing"
	case StateDestroyed:
		return "destroyed"
	default:
		return fmt.Sprintf("state(%d)", uint32(s))
	}
}

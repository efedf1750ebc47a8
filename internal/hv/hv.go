// Package hv defines the boundary between the device framework and the
// surrounding hypervisor: guest memory access, interrupt delivery into the
// CPU core, and the execution context a dispatch arrives from. The framework
// never executes guest code itself; an embedder implements these interfaces
// and calls into the dispatch entry points.
package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrMemoryRange = errors.New("access outside guest memory")
)

// ExecutionContext tells framework code which path a call arrived on.
// ContextUser is the ordinary emulation path and may block. ContextHot is the
// dispatch fast path (typically the VM-exit handler on a CPU thread) and must
// never block; operations that cannot complete there return a deferral status
// so the caller can retry from ContextUser.
type ExecutionContext uint8

const (
	ContextUser ExecutionContext = iota
	ContextHot
)

func (ec ExecutionContext) String() string {
	switch ec {
	case ContextUser:
		return "user"
	case ContextHot:
		return "hot"
	default:
		return fmt.Sprintf("context(%d)", uint8(ec))
	}
}

// GuestMemory is the framework's view of guest RAM. DMA transfers and device
// access to guest buffers go through it; the framework never allocates or
// maps guest-visible memory itself.
type GuestMemory interface {
	io.ReaderAt
	io.WriterAt

	Size() uint64
}

// CPUNotifier receives the final interrupt events produced by the router's
// backends. The embedder points these at its CPU core; every method must be
// callable from the router's serialization goroutine.
type CPUNotifier interface {
	// RaiseINTR and LowerINTR drive the level-triggered INTR pin (PIC
	// output).
	RaiseINTR()
	LowerINTR()

	// DeliverInterrupt injects a fixed-delivery interrupt vector (I/O APIC
	// output).
	DeliverInterrupt(vector uint8, level bool) error

	// DeliverMSI performs a message-signalled write to the interrupt address
	// window.
	DeliverMSI(addr uint64, data uint64) error

	// WakeUp kicks a halted CPU so it notices pending events.
	WakeUp()
}

// SimpleCPUNotifier adapts plain functions to CPUNotifier. Nil fields are
// no-ops, so the zero value is a valid sink for tests.
type SimpleCPUNotifier struct {
	RaiseFunc   func()
	LowerFunc   func()
	DeliverFunc func(vector uint8, level bool) error
	MSIFunc     func(addr uint64, data uint64) error
	WakeFunc    func()
}

func (n SimpleCPUNotifier) RaiseINTR() {
	if n.RaiseFunc != nil {
		n.RaiseFunc()
	}
}

func (n SimpleCPUNotifier) LowerINTR() {
	if n.LowerFunc != nil {
		n.LowerFunc()
	}
}

func (n SimpleCPUNotifier) DeliverInterrupt(vector uint8, level bool) error {
	if n.DeliverFunc != nil {
		return n.DeliverFunc(vector, level)
	}
	return nil
}

func (n SimpleCPUNotifier) DeliverMSI(addr uint64, data uint64) error {
	if n.MSIFunc != nil {
		return n.MSIFunc(addr, data)
	}
	return nil
}

func (n SimpleCPUNotifier) WakeUp() {
	if n.WakeFunc != nil {
		n.WakeFunc()
	}
}

var _ CPUNotifier = SimpleCPUNotifier{}

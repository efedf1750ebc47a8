package iobus

import (
	"github.com/tinyrange/vdm/internal/hv"
)

// PortHandler receives port accesses with region-relative offsets. Size is
// 1, 2 or 4. Returning ErrNotHandled makes the access fall through to the
// caller's default behavior.
type PortHandler interface {
	PortIn(ec hv.ExecutionContext, offset uint16, size uint8) (uint64, error)
	PortOut(ec hv.ExecutionContext, offset uint16, size uint8, value uint64) error
}

// MMIOHandler receives memory-mapped accesses with region-relative offsets.
// The data slice length is the access width.
type MMIOHandler interface {
	MMIORead(ec hv.ExecutionContext, offset uint64, data []byte) error
	MMIOWrite(ec hv.ExecutionContext, offset uint64, data []byte) error
}

// MMIOFiller is an optional extension of MMIOHandler for repeated stores
// (memset-style guest accesses). A handler that does not implement it gets
// the run replayed as count individual MMIOWrite calls.
type MMIOFiller interface {
	MMIOFill(ec hv.ExecutionContext, offset uint64, value uint64, size uint8, count uint32) error
}

// PortFuncs adapts plain functions to PortHandler; nil fields report
// ErrNotHandled.
type PortFuncs struct {
	In  func(ec hv.ExecutionContext, offset uint16, size uint8) (uint64, error)
	Out func(ec hv.ExecutionContext, offset uint16, size uint8, value uint64) error
}

func (f PortFuncs) PortIn(ec hv.ExecutionContext, offset uint16, size uint8) (uint64, error) {
	if f.In != nil {
		return f.In(ec, offset, size)
	}
	return 0, ErrNotHandled
}

func (f PortFuncs) PortOut(ec hv.ExecutionContext, offset uint16, size uint8, value uint64) error {
	if f.Out != nil {
		return f.Out(ec, offset, size, value)
	}
	return ErrNotHandled
}

// MMIOFuncs adapts plain functions to MMIOHandler; nil fields report
// ErrNotHandled.
type MMIOFuncs struct {
	Read  func(ec hv.ExecutionContext, offset uint64, data []byte) error
	Write func(ec hv.ExecutionContext, offset uint64, data []byte) error
}

func (f MMIOFuncs) MMIORead(ec hv.ExecutionContext, offset uint64, data []byte) error {
	if f.Read != nil {
		return f.Read(ec, offset, data)
	}
	return ErrNotHandled
}

func (f MMIOFuncs) MMIOWrite(ec hv.ExecutionContext, offset uint64, data []byte) error {
	if f.Write != nil {
		return f.Write(ec, offset, data)
	}
	return ErrNotHandled
}

var (
	_ PortHandler = PortFuncs{}
	_ MMIOHandler = MMIOFuncs{}
)

package devmgr

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/dma"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/pcibus"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"
)

// HotHelpers is the slice of the helper table that is safe from the dispatch
// fast path: nothing in it blocks on another instance's section or on the
// interrupt router. Handlers running with hv.ContextHot get this and nothing
// more.
type HotHelpers interface {
	Logger() *slog.Logger

	// Counter returns the named counter in the instance's stats namespace,
	// creating it on first use.
	Counter(name string) *stats.Counter

	Now(d vclock.Domain) uint64
	Freq(d vclock.Domain) uint64

	// SetIRQNoWait posts a line change to the router without waiting for it
	// to be applied. SendMSI posts a message-signalled interrupt the same
	// way.
	SetIRQNoWait(ctrl irq.Controller, line uint32, level irq.Level, tag irq.Tag)
	SendMSI(addr, data uint64, tag irq.Tag)

	// PostMSI raises a message interrupt for one of the function's
	// allocated vectors, preferring MSI-X over MSI and falling back to
	// INTx while the guest has both disabled.
	PostMSI(f *pcibus.Function, vector int, tag irq.Tag)
}

// Helpers is the full user-context capability table handed to Construct.
// Everything a device needs from the framework goes through here; devices
// never hold a *Manager.
type Helpers interface {
	HotHelpers

	Instance() *Instance

	// SetSection replaces the instance's auto-created critical section.
	// Allowed once, and only while Construct is running; devices use it to
	// share one section between cooperating instances.
	SetSection(s *critsect.Section) error
	Section() *critsect.Section

	// I/O regions. Handles stay valid across map/unmap cycles and are
	// released automatically when the instance is destroyed.
	NewPortRegion(count uint16, h iobus.PortHandler, opts ...iobus.RegionOption) (iobus.Handle, error)
	NewMMIORegion(size uint64, h iobus.MMIOHandler, opts ...iobus.RegionOption) (iobus.Handle, error)
	MapPort(h iobus.Handle, base uint16) error
	MapMMIO(h iobus.Handle, base uint64) error
	Unmap(h iobus.Handle) error
	MappingAddress(h iobus.Handle) (uint64, bool)

	// NewTimer creates a timer whose callback runs under the instance's
	// critical section. Replace the section before creating timers.
	NewTimer(d vclock.Domain, name string, fn func(now uint64)) *vclock.Timer

	// SetIRQ changes an interrupt line and waits until the router has
	// applied the change.
	SetIRQ(ctrl irq.Controller, line uint32, level irq.Level, tag irq.Tag)

	// RegisterIRQBackend and RegisterMSITarget plug an interrupt controller
	// device into the router. For devices that are controllers (pic,
	// ioapic), not for ordinary line sources.
	RegisterIRQBackend(ctrl irq.Controller, b irq.LineBackend) error
	RegisterMSITarget(t irq.MSITarget) error

	// PCI. RegisterPCI attaches the function to the bus, honoring the
	// placement sentinels; the rest mirror the bus operations for the
	// device's own functions.
	RegisterPCI(f *pcibus.Function, devHint, funHint uint32, flags pcibus.RegisterFlag) error
	RegisterBAR(f *pcibus.Function, bar int, size uint64, kind pcibus.BARKind, h iobus.Handle, onMap pcibus.MapCallback) error
	RegisterMSI(f *pcibus.Function, vectors int) error
	RegisterMSIX(f *pcibus.Function, vectors, bar int) error
	InterceptConfig(f *pcibus.Function, rd pcibus.ConfigRead, wr pcibus.ConfigWrite) error
	SetINTx(f *pcibus.Function, level irq.Level, tag irq.Tag)
	SetINTxNoWait(f *pcibus.Function, level irq.Level, tag irq.Tag)

	// PCIDefaultConfigWrite applies the built-in write policy from inside a
	// config intercept hook, so a hook can post-process what the default
	// path did.
	PCIDefaultConfigWrite(f *pcibus.Function, reg uint16, size uint8, value uint32)

	// PCIConfigRead and PCIConfigWrite dispatch whole-bus configuration
	// accesses. They exist for the host bridge's CF8/CFC mechanism; a
	// device's own config space is reached through interception instead.
	PCIConfigRead(busNo, dev, fn uint8, reg uint16, size uint8) uint32
	PCIConfigWrite(busNo, dev, fn uint8, reg uint16, size uint8, value uint32)

	// ISA DMA.
	RegisterDMAChannel(ch int, fn dma.ChannelFunc) error
	SetDREQ(ch int, pending bool)
	DMARead(ch int, buf []byte, off uint32) (int, error)
	DMAWrite(ch int, buf []byte, off uint32) (int, error)

	// Guest memory.
	ReadGuest(p []byte, addr uint64) (int, error)
	WriteGuest(p []byte, addr uint64) (int, error)

	CPU() hv.CPUNotifier

	// NewThread creates a managed thread. It starts at PowerOn, parks at
	// its Sleeping checkpoints while the machine is suspended, and is
	// joined at PowerOff.
	NewThread(name string, body ThreadFunc) (*Thread, error)

	// LookupDevice finds another instance so its exported interfaces can be
	// queried.
	LookupDevice(typeName string, index int) (*Instance, bool)
}

type hotHelp struct{ in *Instance }

type userHelp struct{ hotHelp }

var (
	_ HotHelpers = hotHelp{}
	_ Helpers    = userHelp{}
)

func (h hotHelp) Logger() *slog.Logger { return h.in.log }

func (h hotHelp) Counter(name string) *stats.Counter { return h.in.stats.Counter(name) }

func (h hotHelp) Now(d vclock.Domain) uint64 { return h.in.mgr.clock.Now(d) }

func (h hotHelp) Freq(d vclock.Domain) uint64 { return h.in.mgr.clock.Freq(d) }

func (h hotHelp) SetIRQNoWait(ctrl irq.Controller, line uint32, level irq.Level, tag irq.Tag) {
	h.in.mgr.irq.SetLineNoWait(ctrl, line, level, tag, h.in.InstanceName())
}

func (h hotHelp) SendMSI(addr, data uint64, tag irq.Tag) {
	h.in.mgr.irq.SendMSI(addr, data, tag, h.in.InstanceName())
}

func (h hotHelp) PostMSI(f *pcibus.Function, vector int, tag irq.Tag) {
	h.in.mgr.mustPCI().PostMSI(f, vector, tag)
}

func (h userHelp) Instance() *Instance { return h.in }

func (h userHelp) SetSection(s *critsect.Section) error {
	if s == nil {
		return errors.New("devmgr: nil critical section")
	}
	in := h.in
	in.mu.Lock()
	defer in.mu.Unlock()
	if !in.constructing {
		return fmt.Errorf("devmgr: %s: the section can only be replaced during Construct", in.InstanceName())
	}
	if in.sectReplaced {
		return fmt.Errorf("devmgr: %s: the section was already replaced", in.InstanceName())
	}
	in.sectReplaced = true
	in.sect.Store(s)
	return nil
}

func (h userHelp) Section() *critsect.Section { return h.in.Section() }

func (h userHelp) NewPortRegion(count uint16, ph iobus.PortHandler, opts ...iobus.RegionOption) (iobus.Handle, error) {
	hnd, err := h.in.mgr.io.NewPortRegion(h.in, count, ph, opts...)
	if err != nil {
		return hnd, err
	}
	h.in.trackHandle(hnd)
	return hnd, nil
}

func (h userHelp) NewMMIORegion(size uint64, mh iobus.MMIOHandler, opts ...iobus.RegionOption) (iobus.Handle, error) {
	hnd, err := h.in.mgr.io.NewMMIORegion(h.in, size, mh, opts...)
	if err != nil {
		return hnd, err
	}
	h.in.trackHandle(hnd)
	return hnd, nil
}

func (h userHelp) MapPort(hnd iobus.Handle, base uint16) error { return h.in.mgr.io.MapPort(hnd, base) }

func (h userHelp) MapMMIO(hnd iobus.Handle, base uint64) error { return h.in.mgr.io.MapMMIO(hnd, base) }

func (h userHelp) Unmap(hnd iobus.Handle) error { return h.in.mgr.io.Unmap(hnd) }

func (h userHelp) MappingAddress(hnd iobus.Handle) (uint64, bool) {
	return h.in.mgr.io.MappingAddress(hnd)
}

func (h userHelp) NewTimer(d vclock.Domain, name string, fn func(now uint64)) *vclock.Timer {
	t := h.in.mgr.clock.NewTimer(d, h.in.Section(), h.in.InstanceName()+"/"+name, fn)
	h.in.trackTimer(t)
	return t
}

func (h userHelp) SetIRQ(ctrl irq.Controller, line uint32, level irq.Level, tag irq.Tag) {
	h.in.mgr.irq.SetLine(ctrl, line, level, tag, h.in.InstanceName())
}

func (h userHelp) RegisterIRQBackend(ctrl irq.Controller, b irq.LineBackend) error {
	return h.in.mgr.irq.RegisterBackend(ctrl, b)
}

func (h userHelp) RegisterMSITarget(t irq.MSITarget) error {
	return h.in.mgr.irq.RegisterMSITarget(t)
}

func (h userHelp) RegisterPCI(f *pcibus.Function, devHint, funHint uint32, flags pcibus.RegisterFlag) error {
	bus := h.in.mgr.pci
	if bus == nil {
		return errors.New("devmgr: no pci bus in this machine")
	}
	return bus.RegisterFunction(f, devHint, funHint, flags)
}

func (h userHelp) RegisterBAR(f *pcibus.Function, bar int, size uint64, kind pcibus.BARKind, hnd iobus.Handle, onMap pcibus.MapCallback) error {
	return h.in.mgr.mustPCI().RegisterBAR(f, bar, size, kind, hnd, onMap)
}

func (h userHelp) RegisterMSI(f *pcibus.Function, vectors int) error {
	return h.in.mgr.mustPCI().RegisterMSI(f, vectors)
}

func (h userHelp) RegisterMSIX(f *pcibus.Function, vectors, bar int) error {
	return h.in.mgr.mustPCI().RegisterMSIX(f, vectors, bar)
}

func (h userHelp) InterceptConfig(f *pcibus.Function, rd pcibus.ConfigRead, wr pcibus.ConfigWrite) error {
	return h.in.mgr.mustPCI().InterceptConfig(f, rd, wr)
}

func (h userHelp) PCIDefaultConfigWrite(f *pcibus.Function, reg uint16, size uint8, value uint32) {
	h.in.mgr.mustPCI().DefaultConfigWrite(f, reg, size, value)
}

func (h userHelp) SetINTx(f *pcibus.Function, level irq.Level, tag irq.Tag) {
	h.in.mgr.mustPCI().SetINTx(f, level, tag)
}

func (h userHelp) SetINTxNoWait(f *pcibus.Function, level irq.Level, tag irq.Tag) {
	h.in.mgr.mustPCI().SetINTxNoWait(f, level, tag)
}

func (h userHelp) PCIConfigRead(busNo, dev, fn uint8, reg uint16, size uint8) uint32 {
	return h.in.mgr.mustPCI().ConfigRead(busNo, dev, fn, reg, size)
}

func (h userHelp) PCIConfigWrite(busNo, dev, fn uint8, reg uint16, size uint8, value uint32) {
	h.in.mgr.mustPCI().ConfigWrite(busNo, dev, fn, reg, size, value)
}

func (h userHelp) RegisterDMAChannel(ch int, fn dma.ChannelFunc) error {
	ctrl := h.in.mgr.dma
	if ctrl == nil {
		return errors.New("devmgr: no dma controller in this machine")
	}
	return ctrl.RegisterChannel(ch, fn)
}

func (h userHelp) SetDREQ(ch int, pending bool) {
	h.in.mgr.mustDMA().SetDREQ(ch, pending)
}

func (h userHelp) DMARead(ch int, buf []byte, off uint32) (int, error) {
	ctrl := h.in.mgr.dma
	if ctrl == nil {
		return 0, errors.New("devmgr: no dma controller in this machine")
	}
	return ctrl.ReadMemory(ch, buf, off)
}

func (h userHelp) DMAWrite(ch int, buf []byte, off uint32) (int, error) {
	ctrl := h.in.mgr.dma
	if ctrl == nil {
		return 0, errors.New("devmgr: no dma controller in this machine")
	}
	return ctrl.WriteMemory(ch, buf, off)
}

func (h userHelp) ReadGuest(p []byte, addr uint64) (int, error) {
	mem := h.in.mgr.mem
	if mem == nil {
		return 0, errors.New("devmgr: no guest memory in this machine")
	}
	return mem.ReadAt(p, int64(addr))
}

func (h userHelp) WriteGuest(p []byte, addr uint64) (int, error) {
	mem := h.in.mgr.mem
	if mem == nil {
		return 0, errors.New("devmgr: no guest memory in this machine")
	}
	return mem.WriteAt(p, int64(addr))
}

func (h userHelp) CPU() hv.CPUNotifier { return h.in.mgr.cpu }

func (h userHelp) NewThread(name string, body ThreadFunc) (*Thread, error) {
	if name == "" {
		return nil, errors.New("devmgr: thread without a name")
	}
	if body == nil {
		return nil, errors.New("devmgr: thread without a body")
	}
	t := newThread(h.in, name, body)
	h.in.mu.Lock()
	h.in.threads = append(h.in.threads, t)
	h.in.mu.Unlock()
	h.in.mgr.maybeStartThread(t)
	return t, nil
}

func (h userHelp) LookupDevice(typeName string, index int) (*Instance, bool) {
	return h.in.mgr.Find(typeName, index)
}

// ThreadFunc is a managed thread body. It must return promptly once ctx is
// cancelled and should call t.Sleeping at points where suspension is safe.
type ThreadFunc func(ctx context.Context, t *Thread) error

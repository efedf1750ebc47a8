// Package pcibus models PCI bus 0: function registration with the classic
// device-number sentinels, config space dispatch with interception, BAR
// watching that maps regions through the I/O dispatch table, INTx swizzling
// into the interrupt router, and MSI and MSI-X message delivery.
//
// The bus has one lock of its own. Config access and BAR reprogramming run
// under it; BAR map callbacks run under it and nothing else, which is the one
// deliberate exception to the usual rule that device code runs under the
// device's critical section.
package pcibus

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/stats"
)

// Device and function number sentinels, preserved verbatim for compatibility
// with existing device descriptions.
const (
	DevSameAsPrevious uint32 = 0xfffffffd
	DevFirstUnused    uint32 = 0xfffffffe
	FunFirstUnused    uint32 = 0xfffffffe
)

type RegisterFlag uint32

const (
	// FlagOptional marks a function the machine can run without; when the
	// bus is full, registration reports ErrNoFreeSlot bare so the caller
	// can skip the device instead of failing construction.
	FlagOptional RegisterFlag = 1 << 0
)

var ErrNoFreeSlot = errors.New("pcibus: no free device slot")

// ConfigRead and ConfigWrite intercept config space access. Hooks run under
// the bus lock and may call DefaultConfigRead / DefaultConfigWrite to reach
// the built-in behavior, so partial interception keeps the default backing.
type (
	ConfigRead  func(f *Function, reg uint16, size uint8) (uint32, error)
	ConfigWrite func(f *Function, reg uint16, size uint8, value uint32) error
)

type slotKey struct {
	dev uint8
	fn  uint8
}

type Option func(*Bus)

// WithPIRQRouting overrides the PIC line and I/O APIC GSI each of the four
// INTx lanes routes to.
func WithPIRQRouting(pic, gsi [4]uint32) Option {
	return func(b *Bus) {
		b.pirqPIC = pic
		b.pirqGSI = gsi
	}
}

type Bus struct {
	log    *slog.Logger
	router *irq.Router
	iot    *iobus.Table

	// lock guards config space, BAR state and INTx bookkeeping for every
	// function on the bus. It orders before the I/O table's internal lock
	// and is never a device's section.
	lock *critsect.Section

	slots   map[slotKey]*Function
	order   []*Function
	lastDev int // most recently assigned device number, -1 before any

	pirqPIC [4]uint32
	pirqGSI [4]uint32

	configReads  stats.Counter
	configWrites stats.Counter
	barRemaps    stats.Counter
	intxChanges  stats.Counter
}

// New builds the bus and registers it as the router's PCI controller
// backend.
func New(router *irq.Router, iot *iobus.Table, log *slog.Logger, opts ...Option) (*Bus, error) {
	if log == nil {
		log = slog.Default()
	}
	b := &Bus{
		log:     log,
		router:  router,
		iot:     iot,
		lock:    critsect.New("pci-bus"),
		slots:   make(map[slotKey]*Function),
		lastDev: -1,
		pirqPIC: [4]uint32{5, 9, 10, 11},
		pirqGSI: [4]uint32{16, 17, 18, 19},
	}
	for _, opt := range opts {
		opt(b)
	}
	if err := router.RegisterBackend(irq.ControllerPCI, b); err != nil {
		return nil, fmt.Errorf("pcibus: %w", err)
	}
	return b, nil
}

// LockHeldByCaller reports whether the calling goroutine holds the bus lock.
// Map callbacks and config hooks can assert with it.
func (b *Bus) LockHeldByCaller() bool { return b.lock.IsOwner() }

// RegisterFunction places a function on the bus, resolving the device and
// function number sentinels deterministically: an explicit number wins,
// DevFirstUnused takes the lowest fully-free device starting at 1,
// DevSameAsPrevious reuses the number assigned by the previous registration,
// and FunFirstUnused takes the lowest free function on the chosen device.
func (b *Bus) RegisterFunction(f *Function, devHint, funHint uint32, flags RegisterFlag) error {
	if f == nil {
		return errors.New("pcibus: nil function")
	}
	if f.bus != nil {
		return fmt.Errorf("pcibus: %s already registered", f.name)
	}

	_ = b.lock.Enter(nil)
	defer b.lock.Leave()

	var dev uint32
	switch devHint {
	case DevSameAsPrevious:
		if b.lastDev < 0 {
			return fmt.Errorf("pcibus: %s wants the previous device number but none was assigned", f.name)
		}
		dev = uint32(b.lastDev)
	case DevFirstUnused:
		found := false
		for d := uint32(1); d < 32; d++ {
			if b.deviceFreeLocked(uint8(d)) {
				dev, found = d, true
				break
			}
		}
		if !found {
			if flags&FlagOptional != 0 {
				return ErrNoFreeSlot
			}
			return fmt.Errorf("pcibus: register %s: %w", f.name, ErrNoFreeSlot)
		}
	default:
		if devHint >= 32 {
			return fmt.Errorf("pcibus: %s: device number %d out of range", f.name, devHint)
		}
		dev = devHint
	}

	var fun uint32
	switch funHint {
	case FunFirstUnused:
		found := false
		for fn := uint32(0); fn < 8; fn++ {
			if _, used := b.slots[slotKey{uint8(dev), uint8(fn)}]; !used {
				fun, found = fn, true
				break
			}
		}
		if !found {
			if flags&FlagOptional != 0 {
				return ErrNoFreeSlot
			}
			return fmt.Errorf("pcibus: register %s: %w", f.name, ErrNoFreeSlot)
		}
	default:
		if funHint >= 8 {
			return fmt.Errorf("pcibus: %s: function number %d out of range", f.name, funHint)
		}
		fun = funHint
	}

	key := slotKey{uint8(dev), uint8(fun)}
	if other, used := b.slots[key]; used {
		return fmt.Errorf("pcibus: %02x.%x already taken by %s", key.dev, key.fn, other.name)
	}

	f.bus = b
	f.dev = key.dev
	f.fn = key.fn
	b.slots[key] = f
	b.order = append(b.order, f)
	b.lastDev = int(dev)

	b.log.Debug("registered pci function", "name", f.name,
		"slot", fmt.Sprintf("00:%02x.%x", key.dev, key.fn))
	return nil
}

func (b *Bus) deviceFreeLocked(dev uint8) bool {
	for fn := uint8(0); fn < 8; fn++ {
		if _, used := b.slots[slotKey{dev, fn}]; used {
			return false
		}
	}
	return true
}

// Functions returns the registered functions in registration order.
func (b *Bus) Functions() []*Function {
	_ = b.lock.Enter(nil)
	defer b.lock.Leave()
	out := make([]*Function, len(b.order))
	copy(out, b.order)
	return out
}

func (b *Bus) checkAttached(f *Function) error {
	if f == nil || f.bus != b {
		return errors.New("pcibus: function not registered on this bus")
	}
	return nil
}

// RegisterBAR binds an I/O table region to a base address register. The bus
// watches config writes and maps or unmaps the handle as the guest programs
// the BAR; onMap (optional) is told after each change, under the bus lock
// only. A 64-bit kind consumes bar and bar+1.
func (b *Bus) RegisterBAR(f *Function, bar int, size uint64, kind BARKind, h iobus.Handle, onMap MapCallback) error {
	if err := b.checkAttached(f); err != nil {
		return err
	}
	if bar < 0 || bar >= BARCount || (kind.is64() && bar >= BARCount-1) {
		return fmt.Errorf("pcibus: %s: bar %d out of range for %s", f.name, bar, kind)
	}
	if size == 0 || size&(size-1) != 0 {
		return fmt.Errorf("pcibus: %s bar %d: size 0x%x not a power of two", f.name, bar, size)
	}
	switch {
	case kind == BARPort && (size < 4 || size > 0x10000):
		return fmt.Errorf("pcibus: %s bar %d: port size 0x%x out of range", f.name, bar, size)
	case kind == BARMem32 && (size < 16 || size > 1<<31):
		return fmt.Errorf("pcibus: %s bar %d: mem32 size 0x%x out of range", f.name, bar, size)
	case kind.is64() && size < 16:
		return fmt.Errorf("pcibus: %s bar %d: size 0x%x too small", f.name, bar, size)
	}

	_ = b.lock.Enter(nil)
	defer b.lock.Leave()

	if f.bars[bar].used {
		return fmt.Errorf("pcibus: %s bar %d already registered", f.name, bar)
	}
	if kind.is64() && f.bars[bar+1].used {
		return fmt.Errorf("pcibus: %s bar %d: upper half %d already registered", f.name, bar, bar+1)
	}

	f.bars[bar] = barInfo{used: true, kind: kind, size: size, handle: h, onMap: onMap}
	f.write32(uint16(regBAR0+4*bar), kind.flagBits())
	if kind.is64() {
		f.bars[bar+1] = barInfo{used: true, upper: true}
		f.write32(uint16(regBAR0+4*(bar+1)), 0)
	}
	return nil
}

// RegisterMSI builds an MSI capability with the given vector count.
func (b *Bus) RegisterMSI(f *Function, vectors int) error {
	if err := b.checkAttached(f); err != nil {
		return err
	}
	_ = b.lock.Enter(nil)
	defer b.lock.Leave()
	return f.addMSILocked(vectors)
}

// InterceptConfig wraps the function's config space access. A nil hook
// leaves that direction on the default path.
func (b *Bus) InterceptConfig(f *Function, rd ConfigRead, wr ConfigWrite) error {
	if err := b.checkAttached(f); err != nil {
		return err
	}
	_ = b.lock.Enter(nil)
	defer b.lock.Leave()
	f.rdHook = rd
	f.wrHook = wr
	return nil
}

func configAccessOK(busNo uint8, reg uint16, size uint8) bool {
	if busNo != 0 {
		return false
	}
	switch size {
	case 1, 2, 4:
	default:
		return false
	}
	return int(reg)+int(size) <= configSpaceSize
}

func allOnes(size uint8) uint32 {
	return ^uint32(0) >> (32 - 8*uint32(size))
}

// ConfigRead performs a guest config read. Absent functions and bad accesses
// read as all-ones, matching a master abort.
func (b *Bus) ConfigRead(busNo, dev, fn uint8, reg uint16, size uint8) uint32 {
	if !configAccessOK(busNo, reg, size) {
		return ^uint32(0)
	}

	_ = b.lock.Enter(nil)
	defer b.lock.Leave()
	b.configReads.Inc()

	f := b.slots[slotKey{dev, fn}]
	if f == nil {
		return allOnes(size)
	}
	if f.rdHook != nil {
		v, err := f.rdHook(f, reg, size)
		if err != nil {
			return allOnes(size)
		}
		return v & allOnes(size)
	}
	return b.defaultReadLocked(f, reg, size)
}

// ConfigWrite performs a guest config write. Writes to absent functions are
// discarded.
func (b *Bus) ConfigWrite(busNo, dev, fn uint8, reg uint16, size uint8, value uint32) {
	if !configAccessOK(busNo, reg, size) {
		return
	}

	_ = b.lock.Enter(nil)
	defer b.lock.Leave()
	b.configWrites.Inc()

	f := b.slots[slotKey{dev, fn}]
	if f == nil {
		return
	}
	if f.wrHook != nil {
		if err := f.wrHook(f, reg, size, value); err != nil {
			b.log.Debug("config write hook rejected access",
				"function", f.name, "reg", fmt.Sprintf("0x%x", reg), "err", err)
		}
		return
	}
	b.defaultWriteLocked(f, reg, size, value)
}

// DefaultConfigRead is the built-in read behavior, callable from intercept
// hooks. Calling it anywhere else is a programming error.
func (b *Bus) DefaultConfigRead(f *Function, reg uint16, size uint8) uint32 {
	if !b.lock.IsOwner() {
		panic("pcibus: DefaultConfigRead outside a config hook")
	}
	if !configAccessOK(0, reg, size) {
		return ^uint32(0)
	}
	return b.defaultReadLocked(f, reg, size)
}

// DefaultConfigWrite is the built-in write behavior, callable from intercept
// hooks. Calling it anywhere else is a programming error.
func (b *Bus) DefaultConfigWrite(f *Function, reg uint16, size uint8, value uint32) {
	if !b.lock.IsOwner() {
		panic("pcibus: DefaultConfigWrite outside a config hook")
	}
	if !configAccessOK(0, reg, size) {
		return
	}
	b.defaultWriteLocked(f, reg, size, value)
}

func (b *Bus) defaultReadLocked(f *Function, reg uint16, size uint8) uint32 {
	var v uint32
	for i := uint16(0); i < uint16(size); i++ {
		v |= uint32(f.config[reg+i]) << (8 * i)
	}
	return v
}

// defaultWriteLocked applies a guest write with per-register policy. The
// write is merged into each intersecting aligned dword so unaligned and
// narrow accesses see the same special-casing as dword writes.
func (b *Bus) defaultWriteLocked(f *Function, reg uint16, size uint8, value uint32) {
	end := reg + uint16(size)
	for d := reg &^ 3; d < end; d += 4 {
		old := f.read32(d)
		merged := old
		for i := uint16(0); i < 4; i++ {
			off := d + i
			if off >= reg && off < end {
				byteVal := uint32(byte(value >> (8 * (off - reg))))
				merged = merged&^(0xff<<(8*i)) | byteVal<<(8*i)
			}
		}
		b.writeDwordLocked(f, d, old, merged)
	}
}

func (b *Bus) writeDwordLocked(f *Function, reg uint16, old, val uint32) {
	switch {
	case reg == regCommand:
		oldCmd := uint16(old)
		newCmd := oldCmd&^commandWritable | uint16(val)&commandWritable
		f.write16(regCommand, newCmd)
		if newCmd != oldCmd {
			b.remapAllLocked(f)
		}
	case reg >= regBAR0 && reg < regBAR0+4*BARCount:
		idx := int(reg-regBAR0) / 4
		f.storeBARLocked(idx, val)
		if f.bars[idx].upper {
			idx--
		}
		if f.bars[idx].used {
			b.remapBARLocked(f, idx)
		}
	case reg == regInterruptLine:
		// Only the interrupt line byte is writable in this dword; the pin
		// is fixed at construction.
		f.config[regInterruptLine] = byte(val)
	case f.msiOff != 0 && reg >= uint16(f.msiOff) && reg < uint16(f.msiOff)+msiCapSize:
		f.msiWriteLocked(reg, 4, val)
	case f.msixOff != 0 && reg >= uint16(f.msixOff) && reg < uint16(f.msixOff)+msixCapSize:
		wasOn := f.msixEnabledLocked() && !f.msixFunctionMaskedLocked()
		f.msixWriteLocked(reg, 4, val)
		if !wasOn {
			b.msixReplayLocked(f)
		}
	}
}

func (b *Bus) remapAllLocked(f *Function) {
	for idx := range f.bars {
		if f.bars[idx].used && !f.bars[idx].upper {
			b.remapBARLocked(f, idx)
		}
	}
}

// remapBARLocked reconciles a BAR's I/O table mapping with the function's
// config state. The map callback runs here, under the bus lock only.
func (b *Bus) remapBARLocked(f *Function, idx int) {
	bar := &f.bars[idx]
	addr, valid := f.barAddrLocked(idx)
	want := valid && f.barEnabledLocked(idx)

	if want && bar.mapped && bar.addr == addr {
		return
	}

	if bar.mapped {
		if err := b.iot.Unmap(bar.handle); err != nil {
			b.log.Error("bar unmap failed", "function", f.name, "bar", idx, "err", err)
		}
		old := bar.addr
		bar.mapped = false
		bar.addr = 0
		b.barRemaps.Inc()
		if bar.onMap != nil {
			bar.onMap(f, idx, old, false)
		}
	}
	if !want {
		return
	}

	var err error
	if bar.kind == BARPort {
		if addr+bar.size > 0x10000 {
			err = fmt.Errorf("port window 0x%x+0x%x beyond port space", addr, bar.size)
		} else {
			err = b.iot.MapPort(bar.handle, uint16(addr))
		}
	} else {
		err = b.iot.MapMMIO(bar.handle, addr)
	}
	if err != nil {
		b.log.Warn("bar mapping failed", "function", f.name, "bar", idx,
			"addr", fmt.Sprintf("0x%x", addr), "err", err)
		return
	}

	bar.mapped = true
	bar.addr = addr
	b.barRemaps.Inc()
	if bar.onMap != nil {
		bar.onMap(f, idx, addr, true)
	}
}

// PostMSI sends the function's message for a vector. An enabled MSI-X
// capability takes precedence over MSI; with neither enabled it falls back to
// a flip-flop on the INTx pin so the interrupt is not lost.
func (b *Bus) PostMSI(f *Function, vector int, tag irq.Tag) {
	_ = b.lock.Enter(nil)
	if f.msixEnabledLocked() {
		b.postMSIXLocked(f, vector, tag)
		b.lock.Leave()
		return
	}
	addr, data, ok := f.msiMessageLocked(vector)
	b.lock.Leave()

	if !ok {
		b.SetINTxNoWait(f, irq.LevelFlipFlop, tag)
		return
	}
	b.router.SendMSI(addr, data, tag, f.name)
}

// SetINTx drives the function's INTx pin and waits until the router applied
// it. Asserting a pin the function does not declare is a programming error.
func (b *Bus) SetINTx(f *Function, level irq.Level, tag irq.Tag) {
	b.router.SetLine(irq.ControllerPCI, b.intxLine(f), level, tag, f.name)
}

// SetINTxNoWait drives the pin without waiting.
func (b *Bus) SetINTxNoWait(f *Function, level irq.Level, tag irq.Tag) {
	b.router.SetLineNoWait(irq.ControllerPCI, b.intxLine(f), level, tag, f.name)
}

func (b *Bus) intxLine(f *Function) uint32 {
	if f.config[regInterruptPin] == 0 {
		panic(fmt.Sprintf("pcibus: %s asserts INTx without an interrupt pin", f.name))
	}
	return uint32(f.dev)<<3 | uint32(f.fn)
}

// SetLineLevel implements the router's PCI controller backend. The line
// encodes the asserting function's slot; the bus swizzles it onto one of the
// four INTx lanes and forwards the lane's wired-or state to the PIC and I/O
// APIC backends directly, since this already runs at the serialization
// point.
func (b *Bus) SetLineLevel(line uint32, high bool, tag irq.Tag) {
	dev := uint8(line>>3) & 0x1f
	fn := uint8(line) & 0x7

	_ = b.lock.Enter(nil)
	f := b.slots[slotKey{dev, fn}]
	if f == nil || f.config[regInterruptPin] == 0 {
		b.lock.Leave()
		b.log.Warn("intx change for unknown function", "line", line)
		return
	}
	f.intxAsserted = high
	lane := b.laneOf(f)
	laneHigh := b.laneAssertedLocked(lane)
	picLine, gsi := b.pirqPIC[lane], b.pirqGSI[lane]
	b.intxChanges.Inc()
	b.lock.Leave()

	if pic := b.router.Backend(irq.ControllerPIC); pic != nil {
		pic.SetLineLevel(picLine, laneHigh, tag)
	}
	if apic := b.router.Backend(irq.ControllerIOAPIC); apic != nil {
		apic.SetLineLevel(gsi, laneHigh, tag)
	}
}

func (b *Bus) laneOf(f *Function) uint32 {
	pin := uint32(f.config[regInterruptPin])
	return (uint32(f.dev) + pin - 1) & 3
}

// laneAssertedLocked computes the wired-or of every function routed to the
// lane, honoring the INTx disable command bit.
func (b *Bus) laneAssertedLocked(lane uint32) bool {
	for _, f := range b.order {
		if !f.intxAsserted || f.config[regInterruptPin] == 0 {
			continue
		}
		if f.commandLocked()&CommandINTxDisable != 0 {
			continue
		}
		if b.laneOf(f) == lane {
			return true
		}
	}
	return false
}

// RegisterStats attaches the bus counters under prefix.
func (b *Bus) RegisterStats(reg *stats.Registry, prefix string) error {
	pairs := []struct {
		name string
		c    *stats.Counter
	}{
		{"/config-reads", &b.configReads},
		{"/config-writes", &b.configWrites},
		{"/bar-remaps", &b.barRemaps},
		{"/intx-changes", &b.intxChanges},
	}
	for _, p := range pairs {
		if err := reg.Register(prefix+p.name, p.c); err != nil {
			return err
		}
	}
	return nil
}

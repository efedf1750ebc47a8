package pcibus

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vdm/internal/iobus"
)

const (
	configSpaceSize = 256

	regVendorID      = 0x00
	regDeviceID      = 0x02
	regCommand       = 0x04
	regStatus        = 0x06
	regRevisionID    = 0x08
	regClassCode     = 0x09 // prog-if, subclass, base class
	regHeaderType    = 0x0e
	regBAR0          = 0x10
	regSubsysVendor  = 0x2c
	regSubsysID      = 0x2e
	regCapPtr        = 0x34
	regInterruptLine = 0x3c
	regInterruptPin  = 0x3d

	// BARCount is the number of 32-bit base address registers in a type 0
	// header. A 64-bit BAR consumes two consecutive slots.
	BARCount = 6

	capBase = 0x40

	CommandIOEnable    = 0x0001
	CommandMemEnable   = 0x0002
	CommandBusMaster   = 0x0004
	CommandINTxDisable = 0x0400

	StatusCapList = 0x0010

	commandWritable = CommandIOEnable | CommandMemEnable | CommandBusMaster | CommandINTxDisable
)

// MSI capability layout (64-bit address capable).
const (
	capIDMSI      = 0x05
	msiOffControl = 2
	msiOffAddrLo  = 4
	msiOffAddrHi  = 8
	msiOffData    = 12
	msiCapSize    = 16

	msiCtlEnable   = 0x0001
	msiCtlMMEMask  = 0x0070 // multiple message enable
	msiCtl64Bit    = 0x0080
	msiCtlWritable = msiCtlEnable | msiCtlMMEMask
)

type BARKind uint8

const (
	BARPort BARKind = iota
	BARMem32
	BARMem64
	BARMem64Prefetch
)

func (k BARKind) String() string {
	switch k {
	case BARPort:
		return "port"
	case BARMem32:
		return "mem32"
	case BARMem64:
		return "mem64"
	case BARMem64Prefetch:
		return "mem64-prefetch"
	default:
		return fmt.Sprintf("barkind(%d)", uint8(k))
	}
}

func (k BARKind) is64() bool { return k == BARMem64 || k == BARMem64Prefetch }

func (k BARKind) flagBits() uint32 {
	switch k {
	case BARPort:
		return 0x1
	case BARMem64:
		return 0x4
	case BARMem64Prefetch:
		return 0xc
	default:
		return 0x0
	}
}

func (k BARKind) addrBits() uint32 {
	if k == BARPort {
		return 0xffff_fffc
	}
	return 0xffff_fff0
}

// MapCallback runs after the bus reprogrammed a BAR mapping. It is invoked
// with ONLY the bus lock held; the owning device's critical section is
// deliberately not entered, and the callback must not assume it is. addr is
// the new base when mapped is true, the old base when false.
type MapCallback func(f *Function, bar int, addr uint64, mapped bool)

type barInfo struct {
	used  bool
	upper bool // high half of a 64-bit BAR, points back via lowIdx
	kind  BARKind
	size  uint64

	handle iobus.Handle
	onMap  MapCallback

	mapped bool
	addr   uint64
}

// FunctionConfig is the static identity of a PCI function.
type FunctionConfig struct {
	VendorID          uint16
	DeviceID          uint16
	RevisionID        uint8
	ClassCode         uint32 // base<<16 | subclass<<8 | prog-if
	SubsystemVendorID uint16
	SubsystemID       uint16
	InterruptPin      uint8 // 0 none, 1..4 for INTA..INTD
}

// Function is one PCI function: 256 bytes of config space, its BAR records
// and capability list. All mutable state is guarded by the owning bus's
// lock; before registration the function is private to its creator.
type Function struct {
	name string

	bus *Bus // nil until registered
	dev uint8
	fn  uint8

	config  [configSpaceSize]byte
	bars    [BARCount]barInfo
	nextCap uint8

	msiOff     uint8 // 0 when no MSI capability
	msiVectors uint8

	msixOff     uint8 // 0 when no MSI-X capability
	msixVectors uint16
	msixTable   []byte   // vector table backing the bus-owned region
	msixPBA     []uint64 // pending bits, one per vector

	rdHook ConfigRead
	wrHook ConfigWrite

	intxAsserted bool
}

func NewFunction(name string, cfg FunctionConfig) *Function {
	f := &Function{name: name, nextCap: capBase}

	binary.LittleEndian.PutUint16(f.config[regVendorID:], cfg.VendorID)
	binary.LittleEndian.PutUint16(f.config[regDeviceID:], cfg.DeviceID)
	f.config[regRevisionID] = cfg.RevisionID
	f.config[regClassCode] = byte(cfg.ClassCode)
	f.config[regClassCode+1] = byte(cfg.ClassCode >> 8)
	f.config[regClassCode+2] = byte(cfg.ClassCode >> 16)
	f.config[regHeaderType] = 0x00
	binary.LittleEndian.PutUint16(f.config[regSubsysVendor:], cfg.SubsystemVendorID)
	binary.LittleEndian.PutUint16(f.config[regSubsysID:], cfg.SubsystemID)
	if cfg.InterruptPin <= 4 {
		f.config[regInterruptPin] = cfg.InterruptPin
	}
	return f
}

func (f *Function) Name() string { return f.name }

// Slot reports the assigned device and function numbers; valid after
// registration.
func (f *Function) Slot() (dev, fn uint8) { return f.dev, f.fn }

// ConfigByte reads one raw byte of config space. Before registration the
// function is private to its creator; afterwards only config hooks may call
// it, since they run with the bus lock held.
func (f *Function) ConfigByte(reg uint16) byte {
	f.checkHookContext()
	return f.config[reg&(configSpaceSize-1)]
}

// SetConfigByte stores one raw byte of config space, bypassing the write
// policy. Same calling rules as ConfigByte; hooks use it to make registers
// writable that the default policy ignores.
func (f *Function) SetConfigByte(reg uint16, v byte) {
	f.checkHookContext()
	f.config[reg&(configSpaceSize-1)] = v
}

func (f *Function) checkHookContext() {
	if f.bus != nil && !f.bus.lock.IsOwner() {
		panic(fmt.Sprintf("pcibus: %s: raw config access outside a config hook", f.name))
	}
}

func (f *Function) read16(reg uint16) uint16 {
	return binary.LittleEndian.Uint16(f.config[reg:])
}

func (f *Function) write16(reg uint16, v uint16) {
	binary.LittleEndian.PutUint16(f.config[reg:], v)
}

func (f *Function) read32(reg uint16) uint32 {
	return binary.LittleEndian.Uint32(f.config[reg:])
}

func (f *Function) write32(reg uint16, v uint32) {
	binary.LittleEndian.PutUint32(f.config[reg:], v)
}

func (f *Function) commandLocked() uint16 { return f.read16(regCommand) }

// addCapabilityLocked links a capability block at the front of the list and
// returns its offset.
func (f *Function) addCapabilityLocked(id uint8, size int) (uint8, error) {
	size = (size + 3) &^ 3
	off := f.nextCap
	if int(off)+size > configSpaceSize {
		return 0, fmt.Errorf("pcibus: %s: capability space exhausted", f.name)
	}
	f.config[off] = id
	f.config[off+1] = f.config[regCapPtr]
	f.config[regCapPtr] = off
	f.write16(regStatus, f.read16(regStatus)|StatusCapList)
	f.nextCap = off + uint8(size)
	return off, nil
}

func (f *Function) addMSILocked(vectors int) error {
	if f.msiOff != 0 {
		return fmt.Errorf("pcibus: %s already has an MSI capability", f.name)
	}
	if vectors < 1 || vectors > 32 || vectors&(vectors-1) != 0 {
		return fmt.Errorf("pcibus: %s: msi vector count %d not a power of two in 1..32", f.name, vectors)
	}

	off, err := f.addCapabilityLocked(capIDMSI, msiCapSize)
	if err != nil {
		return err
	}

	mmc := uint16(0)
	for v := vectors; v > 1; v >>= 1 {
		mmc++
	}
	f.write16(uint16(off)+msiOffControl, mmc<<1|msiCtl64Bit)
	f.msiOff = off
	f.msiVectors = uint8(vectors)
	return nil
}

// msiMessageLocked resolves the programmed MSI message for a vector. ok is
// false while the capability is absent or disabled.
func (f *Function) msiMessageLocked(vector int) (addr, data uint64, ok bool) {
	if f.msiOff == 0 {
		return 0, 0, false
	}
	base := uint16(f.msiOff)
	ctl := f.read16(base + msiOffControl)
	if ctl&msiCtlEnable == 0 {
		return 0, 0, false
	}

	enabled := 1 << ((ctl & msiCtlMMEMask) >> 4)
	if vector < 0 || vector >= enabled || vector >= int(f.msiVectors) {
		return 0, 0, false
	}

	addr = uint64(f.read32(base+msiOffAddrHi))<<32 | uint64(f.read32(base+msiOffAddrLo))
	d := f.read16(base + msiOffData)
	if enabled > 1 {
		d = d&^uint16(enabled-1) | uint16(vector)
	}
	return addr, uint64(d), true
}

// msiWriteLocked applies a guest write inside the MSI capability, honoring
// the writable-bit masks.
func (f *Function) msiWriteLocked(reg uint16, size uint8, value uint32) {
	base := uint16(f.msiOff)
	for i := uint16(0); i < uint16(size); i++ {
		off := reg + i
		b := byte(value >> (8 * i))
		switch {
		case off == base+msiOffControl:
			mask := byte(msiCtlWritable)
			f.config[off] = f.config[off]&^mask | b&mask
		case off == base+msiOffControl+1:
			// Upper control byte is read-only.
		case off >= base+msiOffAddrLo && off < base+msiOffData+2:
			f.config[off] = b
		}
	}
}

// storeBARLocked applies a guest dword write to a BAR register, keeping flag
// bits and masking address bits to the BAR's size. Writing all-ones leaves
// the sizing mask visible, which is how guests probe BAR sizes.
func (f *Function) storeBARLocked(idx int, value uint32) {
	bar := &f.bars[idx]
	reg := uint16(regBAR0 + 4*idx)

	if bar.upper {
		low := &f.bars[idx-1]
		mask := uint32((low.size - 1) >> 32)
		f.write32(reg, value&^mask)
		return
	}
	if !bar.used {
		return
	}
	mask := uint32(bar.size-1) & bar.kind.addrBits()
	f.write32(reg, value&bar.kind.addrBits()&^mask|bar.kind.flagBits())
}

// barAddrLocked decodes the guest-programmed base of a BAR. ok is false when
// the register still holds zero or the sizing pattern.
func (f *Function) barAddrLocked(idx int) (uint64, bool) {
	bar := &f.bars[idx]
	reg := uint16(regBAR0 + 4*idx)

	low := f.read32(reg) & bar.kind.addrBits()
	addr := uint64(low)
	if bar.kind.is64() {
		addr |= uint64(f.read32(reg+4)) << 32
	}

	if addr == 0 {
		return 0, false
	}
	sizing := uint64(bar.kind.addrBits() &^ uint32(bar.size-1))
	if bar.kind.is64() {
		sizing |= ^(bar.size - 1) & 0xffff_ffff_0000_0000
	}
	if addr == sizing {
		return 0, false
	}
	return addr, true
}

// barEnabledLocked reports whether the command register currently enables
// decoding for the BAR's space.
func (f *Function) barEnabledLocked(idx int) bool {
	cmd := f.commandLocked()
	if f.bars[idx].kind == BARPort {
		return cmd&CommandIOEnable != 0
	}
	return cmd&CommandMemEnable != 0
}

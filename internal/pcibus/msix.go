package pcibus

import (
	"encoding/binary"
	"fmt"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
)

// MSI-X capability layout. The vector table and pending-bit array live in a
// bus-owned MMIO region behind a dedicated BAR; the device never sees those
// accesses.
const (
	capIDMSIX      = 0x11
	msixOffControl = 2
	msixOffTable   = 4
	msixOffPBA     = 8
	msixCapSize    = 12

	msixCtlEnable       = 0x8000
	msixCtlFunctionMask = 0x4000

	msixEntrySize    = 16
	msixEntryAddrLo  = 0
	msixEntryAddrHi  = 4
	msixEntryData    = 8
	msixEntryControl = 12
	msixEntryMasked  = 0x01

	// MSIXMaxVectors is the architectural limit of the 11-bit table size
	// field.
	MSIXMaxVectors = 2048
)

// RegisterMSIX builds an MSI-X capability with the given vector count and
// provisions the table BAR: the bus creates and owns the backing MMIO region
// itself. Vectors start out masked, as after reset. Posting while the
// capability is enabled delivers through the table; masked vectors latch a
// pending bit that fires on unmask.
func (b *Bus) RegisterMSIX(f *Function, vectors, bar int) error {
	if err := b.checkAttached(f); err != nil {
		return err
	}

	_ = b.lock.Enter(nil)
	defer b.lock.Leave()

	if f.msixOff != 0 {
		return fmt.Errorf("pcibus: %s already has an msi-x capability", f.name)
	}
	if vectors < 1 || vectors > MSIXMaxVectors {
		return fmt.Errorf("pcibus: %s: msi-x vector count %d out of range", f.name, vectors)
	}
	if int(f.nextCap)+msixCapSize > configSpaceSize {
		return fmt.Errorf("pcibus: %s: capability space exhausted", f.name)
	}

	size := msixRegionSize(vectors)
	h, err := b.iot.NewMMIORegion(b, size, &msixRegion{bus: b, f: f},
		iobus.WithName(f.name+"/msix"))
	if err != nil {
		return err
	}
	if err := b.RegisterBAR(f, bar, size, BARMem32, h, nil); err != nil {
		_ = b.iot.Release(h)
		return err
	}
	return f.addMSIXLocked(vectors, bar)
}

// msixRegionSize covers the table plus the pending-bit array, rounded up to
// the next power of two for BAR sizing.
func msixRegionSize(vectors int) uint64 {
	need := uint64(vectors)*msixEntrySize + uint64((vectors+63)/64)*8
	size := uint64(16)
	for size < need {
		size <<= 1
	}
	return size
}

// DeviceName and Section make the bus an I/O region owner, so table accesses
// dispatch under the bus lock rather than any device section.
func (b *Bus) DeviceName() string { return "pci-bus" }

func (b *Bus) Section() *critsect.Section { return b.lock }

func (f *Function) addMSIXLocked(vectors, bar int) error {
	off, err := f.addCapabilityLocked(capIDMSIX, msixCapSize)
	if err != nil {
		return err
	}

	f.write16(uint16(off)+msixOffControl, uint16(vectors-1))
	f.write32(uint16(off)+msixOffTable, uint32(bar))
	f.write32(uint16(off)+msixOffPBA, uint32(vectors)*msixEntrySize|uint32(bar))

	f.msixOff = off
	f.msixVectors = uint16(vectors)
	f.msixTable = make([]byte, vectors*msixEntrySize)
	f.msixPBA = make([]uint64, (vectors+63)/64)
	for v := 0; v < vectors; v++ {
		f.msixTable[v*msixEntrySize+msixEntryControl] = msixEntryMasked
	}
	return nil
}

func (f *Function) msixEnabledLocked() bool {
	return f.msixOff != 0 && f.read16(uint16(f.msixOff)+msixOffControl)&msixCtlEnable != 0
}

func (f *Function) msixFunctionMaskedLocked() bool {
	return f.read16(uint16(f.msixOff)+msixOffControl)&msixCtlFunctionMask != 0
}

func (f *Function) msixVectorMaskedLocked(v int) bool {
	return f.msixTable[v*msixEntrySize+msixEntryControl]&msixEntryMasked != 0
}

func (f *Function) msixMessageLocked(v int) (addr, data uint64) {
	e := f.msixTable[v*msixEntrySize:]
	addr = uint64(binary.LittleEndian.Uint32(e[msixEntryAddrHi:]))<<32 |
		uint64(binary.LittleEndian.Uint32(e[msixEntryAddrLo:]))
	return addr, uint64(binary.LittleEndian.Uint32(e[msixEntryData:]))
}

func (f *Function) msixPendingLocked(v int) bool { return f.msixPBA[v/64]&(1<<(v%64)) != 0 }

func (f *Function) msixSetPendingLocked(v int) { f.msixPBA[v/64] |= 1 << (v % 64) }

func (f *Function) msixClearPendingLocked(v int) { f.msixPBA[v/64] &^= 1 << (v % 64) }

// msixWriteLocked applies a guest write inside the MSI-X capability. Only the
// enable and function-mask bits are writable; the table size and the
// table/PBA locators are fixed.
func (f *Function) msixWriteLocked(reg uint16, size uint8, value uint32) {
	base := uint16(f.msixOff)
	for i := uint16(0); i < uint16(size); i++ {
		off := reg + i
		if off == base+msixOffControl+1 {
			mask := byte((msixCtlEnable | msixCtlFunctionMask) >> 8)
			f.config[off] = f.config[off]&^mask | byte(value>>(8*i))&mask
		}
	}
}

// postMSIXLocked delivers vector through the MSI-X table. Posting a vector
// the device never registered is a programming error.
func (b *Bus) postMSIXLocked(f *Function, vector int, tag irq.Tag) {
	if vector < 0 || vector >= int(f.msixVectors) {
		panic(fmt.Sprintf("pcibus: %s posts msi-x vector %d of %d", f.name, vector, f.msixVectors))
	}
	if f.msixFunctionMaskedLocked() || f.msixVectorMaskedLocked(vector) {
		f.msixSetPendingLocked(vector)
		return
	}
	f.msixClearPendingLocked(vector)
	addr, data := f.msixMessageLocked(vector)
	b.router.SendMSI(addr, data, tag, f.name)
}

// msixReplayLocked fires every pending vector that became deliverable after
// an enable or unmask transition.
func (b *Bus) msixReplayLocked(f *Function) {
	if !f.msixEnabledLocked() || f.msixFunctionMaskedLocked() {
		return
	}
	for v := 0; v < int(f.msixVectors); v++ {
		if f.msixPendingLocked(v) && !f.msixVectorMaskedLocked(v) {
			f.msixClearPendingLocked(v)
			addr, data := f.msixMessageLocked(v)
			b.router.SendMSI(addr, data, 0, f.name)
		}
	}
}

// msixRegion serves one function's vector table and pending-bit array. The
// dispatch table enters the bus lock around every access because the bus
// owns the region.
type msixRegion struct {
	bus *Bus
	f   *Function
}

func (m *msixRegion) MMIORead(_ hv.ExecutionContext, offset uint64, data []byte) error {
	f := m.f
	tableLen := uint64(len(f.msixTable))
	for i := range data {
		off := offset + uint64(i)
		switch {
		case off < tableLen:
			data[i] = f.msixTable[off]
		case (off-tableLen)/8 < uint64(len(f.msixPBA)):
			pb := off - tableLen
			data[i] = byte(f.msixPBA[pb/8] >> (8 * (pb % 8)))
		default:
			data[i] = 0
		}
	}
	return nil
}

func (m *msixRegion) MMIOWrite(_ hv.ExecutionContext, offset uint64, data []byte) error {
	f := m.f
	tableLen := uint64(len(f.msixTable))
	touched := false
	for i := range data {
		off := offset + uint64(i)
		if off >= tableLen {
			// The pending-bit array is read-only.
			continue
		}
		f.msixTable[off] = data[i]
		touched = true
	}
	if touched {
		m.bus.msixReplayLocked(f)
	}
	return nil
}

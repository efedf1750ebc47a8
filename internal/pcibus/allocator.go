package pcibus

import (
	"errors"
	"fmt"
)

var (
	ErrMMIOExhausted = errors.New("pcibus: mmio window exhausted")
	ErrPortExhausted = errors.New("pcibus: port window exhausted")
)

// Allocator hands out naturally aligned addresses from a fixed MMIO window
// and a fixed port window. It never reuses an address.
type Allocator struct {
	mmioNext  uint64
	mmioLimit uint64
	portNext  uint32
	portLimit uint32
}

func NewAllocator(mmioBase, mmioSize uint64, portBase, portSize uint32) *Allocator {
	return &Allocator{
		mmioNext:  mmioBase,
		mmioLimit: mmioBase + mmioSize,
		portNext:  portBase,
		portLimit: portBase + portSize,
	}
}

func alignUp(v, align uint64) uint64 {
	return (v + align - 1) &^ (align - 1)
}

// AllocMMIO reserves size bytes of guest physical space aligned to align.
// Zero align means natural alignment.
func (a *Allocator) AllocMMIO(size, align uint64) (uint64, error) {
	if align == 0 {
		align = size
	}
	base := alignUp(a.mmioNext, align)
	if base+size > a.mmioLimit || base+size < base {
		return 0, fmt.Errorf("%w: need 0x%x at 0x%x", ErrMMIOExhausted, size, base)
	}
	a.mmioNext = base + size
	return base, nil
}

// AllocPort reserves size ports aligned to the window size.
func (a *Allocator) AllocPort(size uint32) (uint32, error) {
	base := uint32(alignUp(uint64(a.portNext), uint64(size)))
	if base+size > a.portLimit {
		return 0, fmt.Errorf("%w: need 0x%x at 0x%x", ErrPortExhausted, size, base)
	}
	a.portNext = base + size
	return base, nil
}

// AssignResources programs every BAR the guest has not touched from the
// allocator, enables the matching decode bits and writes the routed PIC line
// into each function's interrupt line register, then reconciles the I/O
// table mappings. Call it once after device construction, before guest
// startup; firmware-style reprogramming through config space still works
// afterwards.
func (b *Bus) AssignResources(alloc *Allocator) error {
	_ = b.lock.Enter(nil)
	defer b.lock.Leave()

	for _, f := range b.order {
		var cmd uint16
		for idx := range f.bars {
			bar := &f.bars[idx]
			if !bar.used || bar.upper {
				continue
			}
			if _, valid := f.barAddrLocked(idx); valid {
				// Already programmed; keep the address, just decode it.
				cmd |= decodeBit(bar.kind)
				continue
			}

			var addr uint64
			var err error
			if bar.kind == BARPort {
				var p uint32
				p, err = alloc.AllocPort(uint32(bar.size))
				addr = uint64(p)
			} else {
				addr, err = alloc.AllocMMIO(bar.size, 0)
			}
			if err != nil {
				return fmt.Errorf("pcibus: assign %s bar %d: %w", f.name, idx, err)
			}

			f.storeBARLocked(idx, uint32(addr))
			if bar.kind.is64() {
				f.storeBARLocked(idx+1, uint32(addr>>32))
			}
			cmd |= decodeBit(bar.kind)
		}

		if cmd != 0 {
			f.write16(regCommand, f.commandLocked()|cmd)
		}
		if f.config[regInterruptPin] != 0 {
			f.config[regInterruptLine] = byte(b.pirqPIC[b.laneOf(f)])
		}
		b.remapAllLocked(f)
	}
	return nil
}

func decodeBit(kind BARKind) uint16 {
	if kind == BARPort {
		return CommandIOEnable
	}
	return CommandMemEnable
}

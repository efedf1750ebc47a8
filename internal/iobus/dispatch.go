package iobus

import (
	"encoding/binary"
	"fmt"
	"sort"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/hv"
)

// Dispatch entry points. The embedder's CPU loop calls these on every guest
// I/O access. Lookup happens under the table lock; the handler itself runs
// under the owning instance's critical section only. On the hot path a
// contended section, or a region not registered for hot dispatch, yields
// ErrDeferred so the caller can retry from the user context.

func (t *Table) PortIn(ec hv.ExecutionContext, port uint16, size uint8) (uint64, error) {
	if err := checkPortSize(size); err != nil {
		return 0, err
	}

	r, ok := t.lookupPort(port)
	if !ok {
		t.misses.Inc()
		return 0, ErrNotHandled
	}
	if ec == hv.ContextHot && !r.hot {
		return 0, ErrDeferred
	}

	sect := r.owner.Section()
	if err := enterFor(sect, ec); err != nil {
		return 0, err
	}
	defer sect.Leave()

	base, ok := t.revalidatePort(r, port)
	if !ok {
		t.misses.Inc()
		return 0, ErrNotHandled
	}
	t.portIns.Inc()
	return r.ph.PortIn(ec, port-base, size)
}

func (t *Table) PortOut(ec hv.ExecutionContext, port uint16, size uint8, value uint64) error {
	if err := checkPortSize(size); err != nil {
		return err
	}

	r, ok := t.lookupPort(port)
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	if ec == hv.ContextHot && !r.hot {
		return ErrDeferred
	}

	sect := r.owner.Section()
	if err := enterFor(sect, ec); err != nil {
		return err
	}
	defer sect.Leave()

	base, ok := t.revalidatePort(r, port)
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	t.portOuts.Inc()
	return r.ph.PortOut(ec, port-base, size, value)
}

func (t *Table) MMIORead(ec hv.ExecutionContext, addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("iobus: mmio read of %d bytes at 0x%x", len(data), addr)
	}

	r, ok := t.lookupMMIO(addr, uint64(len(data)))
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	if ec == hv.ContextHot && !r.hot {
		return ErrDeferred
	}

	sect := r.owner.Section()
	if err := enterFor(sect, ec); err != nil {
		return err
	}
	defer sect.Leave()

	base, ok := t.revalidateMMIO(r, addr, uint64(len(data)))
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	t.mmioReads.Inc()
	return r.mh.MMIORead(ec, addr-base, data)
}

func (t *Table) MMIOWrite(ec hv.ExecutionContext, addr uint64, data []byte) error {
	if len(data) == 0 || len(data) > 8 {
		return fmt.Errorf("iobus: mmio write of %d bytes at 0x%x", len(data), addr)
	}

	r, ok := t.lookupMMIO(addr, uint64(len(data)))
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	if ec == hv.ContextHot && !r.hot {
		return ErrDeferred
	}

	sect := r.owner.Section()
	if err := enterFor(sect, ec); err != nil {
		return err
	}
	defer sect.Leave()

	base, ok := t.revalidateMMIO(r, addr, uint64(len(data)))
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	t.mmioWrites.Inc()
	return r.mh.MMIOWrite(ec, addr-base, data)
}

// MMIOFill stores count copies of the low size bytes of value starting at
// addr. The whole run must stay inside one region. Handlers implementing
// MMIOFiller take the run in a single call; any other handler sees count
// little-endian writes.
func (t *Table) MMIOFill(ec hv.ExecutionContext, addr uint64, value uint64, size uint8, count uint32) error {
	switch size {
	case 1, 2, 4:
	default:
		return fmt.Errorf("iobus: invalid mmio fill size %d", size)
	}
	if count == 0 {
		return nil
	}
	span := uint64(size) * uint64(count)
	if addr+span < addr {
		return fmt.Errorf("iobus: mmio fill wraps the address space at 0x%x", addr)
	}

	r, ok := t.lookupMMIO(addr, span)
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	if ec == hv.ContextHot && !r.hot {
		return ErrDeferred
	}

	sect := r.owner.Section()
	if err := enterFor(sect, ec); err != nil {
		return err
	}
	defer sect.Leave()

	base, ok := t.revalidateMMIO(r, addr, span)
	if !ok {
		t.misses.Inc()
		return ErrNotHandled
	}
	t.mmioFills.Inc()
	if fh, ok := r.mh.(MMIOFiller); ok {
		return fh.MMIOFill(ec, addr-base, value, size, count)
	}

	var word [8]byte
	binary.LittleEndian.PutUint64(word[:], value)
	off := addr - base
	for i := uint32(0); i < count; i++ {
		if err := r.mh.MMIOWrite(ec, off, word[:size]); err != nil {
			return err
		}
		off += uint64(size)
	}
	return nil
}

func enterFor(s *critsect.Section, ec hv.ExecutionContext) error {
	if ec == hv.ContextHot {
		return s.Enter(ErrDeferred)
	}
	return s.Enter(nil)
}

func checkPortSize(size uint8) error {
	switch size {
	case 1, 2, 4:
		return nil
	default:
		return fmt.Errorf("iobus: invalid port access size %d", size)
	}
}

func (t *Table) lookupPort(port uint16) (*region, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.ports[port]
	return r, ok
}

// lookupMMIO finds the mapped region fully containing [addr, addr+size).
// Accesses straddling a region boundary are not handled.
func (t *Table) lookupMMIO(addr, size uint64) (*region, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	idx := sort.Search(len(t.mmio), func(i int) bool { return t.mmio[i].base > addr })
	if idx == 0 {
		return nil, false
	}
	r := t.mmio[idx-1]
	if addr+size > r.base+r.size {
		return nil, false
	}
	return r, true
}

// revalidatePort re-checks the mapping once the section is held, in case the
// region was unmapped or moved between lookup and lock acquisition.
func (t *Table) revalidatePort(r *region, port uint16) (uint16, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !r.mapped {
		return 0, false
	}
	base := uint16(r.base)
	if port < base || uint32(port) >= uint32(base)+uint32(r.ports) {
		return 0, false
	}
	return base, true
}

func (t *Table) revalidateMMIO(r *region, addr, size uint64) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	if !r.mapped || addr < r.base || addr+size > r.base+r.size {
		return 0, false
	}
	return r.base, true
}

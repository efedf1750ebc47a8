// Package iobus implements the I/O dispatch table: port and MMIO regions
// registered by device instances, mapped and unmapped at runtime, and looked
// up on every guest access. A region keeps its handle across map/unmap
// cycles, so devices can reprogram decoders (BARs, chip selects) without
// re-registering callbacks.
package iobus

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/stats"
)

var (
	// ErrNotHandled reports that no mapped region claimed the access; the
	// caller applies its fallback (all-ones reads, dropped writes).
	ErrNotHandled = errors.New("iobus: access not handled")

	// ErrDeferred reports that the access cannot complete on the hot path
	// and must be retried from the user context.
	ErrDeferred = errors.New("iobus: deferred to user context")

	ErrBadHandle = errors.New("iobus: bad region handle")
)

type Handle uint32

const InvalidHandle = ^Handle(0)

// Owner is the slice of a device instance the table needs: a name for
// diagnostics and the critical section to hold around handler calls.
type Owner interface {
	DeviceName() string
	Section() *critsect.Section
}

type regionKind uint8

const (
	kindPort regionKind = iota
	kindMMIO
)

type region struct {
	handle Handle
	name   string
	owner  Owner
	kind   regionKind
	ports  uint16 // port count, port regions
	size   uint64 // byte size, mmio regions
	hot    bool   // also dispatchable from ContextHot

	mapped bool
	base   uint64

	ph PortHandler
	mh MMIOHandler
}

func (r *region) describe() string {
	if r.name != "" {
		return r.name
	}
	return fmt.Sprintf("%s/region%d", r.owner.DeviceName(), r.handle)
}

type RegionOption func(*region)

// WithName labels the region in logs and errors.
func WithName(name string) RegionOption {
	return func(r *region) { r.name = name }
}

// WithHotContext marks the region dispatchable from the hot path. Without it
// a hot-path access returns ErrDeferred for retry in the user context.
func WithHotContext() RegionOption {
	return func(r *region) { r.hot = true }
}

// Table is the dispatch table. Its internal lock only guards the lookup
// structures; handlers run under the owning instance's critical section, not
// the table lock.
type Table struct {
	log *slog.Logger

	mu      sync.RWMutex
	regions []*region
	ports   map[uint16]*region // mapped port number -> region
	mmio    []*region          // mapped mmio regions sorted by base

	portIns    stats.Counter
	portOuts   stats.Counter
	mmioReads  stats.Counter
	mmioWrites stats.Counter
	mmioFills  stats.Counter
	misses     stats.Counter
}

func New(log *slog.Logger) *Table {
	if log == nil {
		log = slog.Default()
	}
	return &Table{
		log:   log,
		ports: make(map[uint16]*region),
	}
}

// NewPortRegion registers a region of count consecutive ports and returns its
// handle. The region starts unmapped.
func (t *Table) NewPortRegion(owner Owner, count uint16, h PortHandler, opts ...RegionOption) (Handle, error) {
	if owner == nil {
		return InvalidHandle, errors.New("iobus: port region without an owner")
	}
	if count == 0 {
		return InvalidHandle, errors.New("iobus: port region with zero ports")
	}
	if h == nil {
		return InvalidHandle, errors.New("iobus: port region without a handler")
	}

	r := &region{owner: owner, kind: kindPort, ports: count, ph: h}
	for _, opt := range opts {
		opt(r)
	}

	t.mu.Lock()
	r.handle = Handle(len(t.regions))
	t.regions = append(t.regions, r)
	t.mu.Unlock()

	t.log.Debug("registered port region", "region", r.describe(), "ports", count)
	return r.handle, nil
}

// NewMMIORegion registers a memory-mapped region of size bytes and returns
// its handle. The region starts unmapped.
func (t *Table) NewMMIORegion(owner Owner, size uint64, h MMIOHandler, opts ...RegionOption) (Handle, error) {
	if owner == nil {
		return InvalidHandle, errors.New("iobus: mmio region without an owner")
	}
	if size == 0 {
		return InvalidHandle, errors.New("iobus: mmio region with zero size")
	}
	if h == nil {
		return InvalidHandle, errors.New("iobus: mmio region without a handler")
	}

	r := &region{owner: owner, kind: kindMMIO, size: size, mh: h}
	for _, opt := range opts {
		opt(r)
	}

	t.mu.Lock()
	r.handle = Handle(len(t.regions))
	t.regions = append(t.regions, r)
	t.mu.Unlock()

	t.log.Debug("registered mmio region", "region", r.describe(), "size", size)
	return r.handle, nil
}

func (t *Table) regionLocked(h Handle) (*region, error) {
	if int(h) >= len(t.regions) || t.regions[h] == nil {
		return nil, fmt.Errorf("%w: %d", ErrBadHandle, h)
	}
	return t.regions[h], nil
}

// MapPort places a port region at base. The range must fit the port space
// and not overlap any mapped region.
func (t *Table) MapPort(h Handle, base uint16) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.regionLocked(h)
	if err != nil {
		return err
	}
	if r.kind != kindPort {
		return fmt.Errorf("iobus: map port: %s is not a port region", r.describe())
	}
	if r.mapped {
		return fmt.Errorf("iobus: %s already mapped at 0x%x", r.describe(), r.base)
	}
	last := uint32(base) + uint32(r.ports) - 1
	if last > 0xffff {
		return fmt.Errorf("iobus: %s does not fit at port 0x%x", r.describe(), base)
	}
	for p := uint32(base); p <= last; p++ {
		if other, ok := t.ports[uint16(p)]; ok {
			return fmt.Errorf("iobus: port 0x%x already claimed by %s", p, other.describe())
		}
	}

	for p := uint32(base); p <= last; p++ {
		t.ports[uint16(p)] = r
	}
	r.mapped = true
	r.base = uint64(base)

	t.log.Debug("mapped port region", "region", r.describe(), "base", fmt.Sprintf("0x%x", base))
	return nil
}

// MapMMIO places an MMIO region at base. Overlap with another mapped region
// is an error; overlap with guest RAM is allowed and the region wins lookup
// until unmapped.
func (t *Table) MapMMIO(h Handle, base uint64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.regionLocked(h)
	if err != nil {
		return err
	}
	if r.kind != kindMMIO {
		return fmt.Errorf("iobus: map mmio: %s is not an mmio region", r.describe())
	}
	if r.mapped {
		return fmt.Errorf("iobus: %s already mapped at 0x%x", r.describe(), r.base)
	}
	if base+r.size < base {
		return fmt.Errorf("iobus: %s wraps the address space at 0x%x", r.describe(), base)
	}
	for _, other := range t.mmio {
		if base < other.base+other.size && other.base < base+r.size {
			return fmt.Errorf("iobus: 0x%x-0x%x overlaps %s", base, base+r.size-1, other.describe())
		}
	}

	r.mapped = true
	r.base = base
	idx := sort.Search(len(t.mmio), func(i int) bool { return t.mmio[i].base > base })
	t.mmio = append(t.mmio, nil)
	copy(t.mmio[idx+1:], t.mmio[idx:])
	t.mmio[idx] = r

	t.log.Debug("mapped mmio region", "region", r.describe(), "base", fmt.Sprintf("0x%x", base))
	return nil
}

// Unmap removes the region from dispatch. The handle stays valid and the
// region can be mapped again later.
func (t *Table) Unmap(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.regionLocked(h)
	if err != nil {
		return err
	}
	if !r.mapped {
		return fmt.Errorf("iobus: %s is not mapped", r.describe())
	}

	switch r.kind {
	case kindPort:
		last := r.base + uint64(r.ports) - 1
		for p := r.base; p <= last; p++ {
			delete(t.ports, uint16(p))
		}
	case kindMMIO:
		for i, other := range t.mmio {
			if other == r {
				t.mmio = append(t.mmio[:i], t.mmio[i+1:]...)
				break
			}
		}
	}
	r.mapped = false
	r.base = 0

	t.log.Debug("unmapped region", "region", r.describe())
	return nil
}

// Release retires a region for good: it is unmapped if needed and its handle
// becomes invalid. Used when a device instance is destroyed.
func (t *Table) Release(h Handle) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	r, err := t.regionLocked(h)
	if err != nil {
		return err
	}
	if r.mapped {
		switch r.kind {
		case kindPort:
			last := r.base + uint64(r.ports) - 1
			for p := r.base; p <= last; p++ {
				delete(t.ports, uint16(p))
			}
		case kindMMIO:
			for i, other := range t.mmio {
				if other == r {
					t.mmio = append(t.mmio[:i], t.mmio[i+1:]...)
					break
				}
			}
		}
	}
	t.regions[h] = nil

	t.log.Debug("released region", "region", r.describe())
	return nil
}

// MappingAddress reports where the region is currently mapped. The second
// result is false while unmapped.
func (t *Table) MappingAddress(h Handle) (uint64, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()

	r, err := t.regionLocked(h)
	if err != nil || !r.mapped {
		return 0, false
	}
	return r.base, true
}

// RegisterStats attaches the table's dispatch counters under prefix.
func (t *Table) RegisterStats(reg *stats.Registry, prefix string) error {
	pairs := []struct {
		name string
		c    *stats.Counter
	}{
		{"/port-ins", &t.portIns},
		{"/port-outs", &t.portOuts},
		{"/mmio-reads", &t.mmioReads},
		{"/mmio-writes", &t.mmioWrites},
		{"/mmio-fills", &t.mmioFills},
		{"/misses", &t.misses},
	}
	for _, p := range pairs {
		if err := reg.Register(prefix+p.name, p.c); err != nil {
			return err
		}
	}
	return nil
}

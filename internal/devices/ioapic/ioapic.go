// Package ioapic emulates the legacy x86 I/O APIC: a 24-input redirection
// table behind the IOREGSEL/IOWIN register window at 0xFEC00000. Accepted
// interrupts go straight to the CPU notifier; level-triggered entries hold
// remote-IRR until the matching EOI comes back.
package ioapic

import (
	"encoding/binary"
	"encoding/gob"
	"fmt"
	"io"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/devmgr"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/stats"
)

const (
	// BaseAddress is the conventional MMIO base for the first I/O APIC.
	BaseAddress uint64 = 0xfec00000

	windowSize = 0x20

	regSelect = 0x00
	regWindow = 0x10

	indexID            = 0x00
	indexVersion       = 0x01
	indexArbitration   = 0x02
	indexRedirTable    = 0x10
	apicVersion        = 0x11
	redirectionEntries = 24
)

// InterfaceID names the interface exported through queryInterface; the
// concrete type is *Device. The local APIC side uses EOI to complete
// level-triggered interrupts.
const InterfaceID = "vdm.ioapic"

func init() {
	if err := devmgr.DefaultRegistry.RegisterType(devmgr.Registration{
		Name:        "ioapic",
		APIVersion:  devmgr.CurrentAPIVersion,
		Schema:      devmgr.SchemaV1,
		Class:       devmgr.ClassIOAPIC,
		Description: "82093AA I/O APIC",
		New:         func() devmgr.Device { return &Device{} },
	}); err != nil {
		panic(err)
	}
}

type Device struct {
	help devmgr.Helpers
	cpu  hv.CPUNotifier

	index   uint8
	id      uint8
	entries [redirectionEntries]entry

	interrupts *stats.Counter
	drops      *stats.Counter
}

var (
	_ devmgr.Device            = (*Device)(nil)
	_ devmgr.ResetHandler      = (*Device)(nil)
	_ devmgr.Snapshotter       = (*Device)(nil)
	_ devmgr.InterfaceProvider = (*Device)(nil)
)

func (d *Device) Construct(in *devmgr.Instance, cfg *cfgtree.Node, help devmgr.Helpers) error {
	d.help = help
	d.cpu = help.CPU()
	d.interrupts = help.Counter("interrupts")
	d.drops = help.Counter("drops")
	d.resetEntries()

	h, err := help.NewMMIORegion(windowSize, regs{d}, iobus.WithName("ioapic"), iobus.WithHotContext())
	if err != nil {
		return err
	}
	if err := help.MapMMIO(h, cfg.Uint64Def("base", BaseAddress)); err != nil {
		return err
	}
	return help.RegisterIRQBackend(irq.ControllerIOAPIC, lineBackend{d})
}

func (d *Device) Destruct(in *devmgr.Instance) error { return nil }

func (d *Device) Reset(in *devmgr.Instance, reason devmgr.ResetReason) {
	d.index = 0
	d.id = 0
	d.resetEntries()
}

func (d *Device) resetEntries() {
	for i := range d.entries {
		d.entries[i] = newEntry()
	}
}

func (d *Device) LookupInterface(id string) any {
	if id == InterfaceID {
		return d
	}
	return nil
}

// EOI completes every level-triggered interrupt that was delivered with the
// given vector: remote-IRR clears and a still-high line delivers again.
func (d *Device) EOI(vector uint8) {
	sect := d.help.Section()
	sect.Enter(nil)
	defer sect.Leave()
	for line := range d.entries {
		e := &d.entries[line]
		if e.rte.vector() != vector {
			continue
		}
		e.rte.setRemoteIRR(false)
		d.evaluate(uint32(line), false)
	}
}

func (d *Device) readRegister(index uint8) uint32 {
	switch {
	case index == indexID:
		return uint32(d.id&0x0f) << 24
	case index == indexVersion:
		return apicVersion | uint32(redirectionEntries-1)<<16
	case index == indexArbitration:
		return 0
	case index >= indexRedirTable:
		return d.readRedirection(index - indexRedirTable)
	default:
		return 0
	}
}

func (d *Device) writeRegister(index uint8, value uint32) {
	switch {
	case index == indexID:
		d.id = uint8(value>>24) & 0x0f
	case index == indexVersion, index == indexArbitration:
		// Read-only.
	case index >= indexRedirTable:
		d.writeRedirection(index-indexRedirTable, value)
	}
}

func (d *Device) entryAt(index uint8) *entry {
	n := int(index / 2)
	if n >= len(d.entries) {
		return nil
	}
	return &d.entries[n]
}

func (d *Device) readRedirection(index uint8) uint32 {
	e := d.entryAt(index)
	if e == nil {
		return 0
	}
	if index&1 == 1 {
		return uint32(uint64(e.rte) >> 32)
	}
	return uint32(uint64(e.rte))
}

func (d *Device) writeRedirection(index uint8, value uint32) {
	e := d.entryAt(index)
	if e == nil {
		return
	}

	mask := rteWriteMask & 0xffffffff
	shift := 0
	if index&1 == 1 {
		mask = rteWriteMask >> 32 << 32
		shift = 32
	}

	wasMasked := e.rte.masked()
	raw := uint64(e.rte)&^mask | uint64(value)<<shift&mask
	e.rte = rte(raw)

	// Unmasking while the input sits high counts as a rising edge for an
	// edge-triggered entry; the edge the guest missed must not be lost.
	forceEdge := wasMasked && !e.rte.masked() && e.lineHigh
	d.evaluate(uint32(index/2), forceEdge)
}

// evaluate decides whether the entry's current state produces an interrupt
// and sends it. edge reports that this call is the rising edge itself.
func (d *Device) evaluate(line uint32, edge bool) {
	e := &d.entries[line]
	if e.rte.masked() {
		return
	}
	isLevel := e.rte.levelCapable()
	switch {
	case isLevel && (!e.lineHigh || e.rte.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}
	e.rte.setRemoteIRR(isLevel)

	d.interrupts.Inc()
	d.help.Counter(fmt.Sprintf("irq%d", line)).Inc()
	if d.cpu == nil {
		d.drops.Inc()
		return
	}
	if err := d.cpu.DeliverInterrupt(e.rte.vector(), isLevel); err != nil {
		d.drops.Inc()
	}
}

// lineBackend is the router-facing input side.
type lineBackend struct{ d *Device }

func (b lineBackend) SetLineLevel(line uint32, high bool, tag irq.Tag) {
	d := b.d
	if line >= redirectionEntries {
		return
	}
	sect := d.help.Section()
	sect.Enter(nil)
	defer sect.Leave()
	e := &d.entries[line]
	if high {
		edge := !e.lineHigh
		e.lineHigh = true
		d.evaluate(line, edge)
	} else {
		// Remote IRR is not touched here. For a level entry it stays set
		// until the EOI arrives, even if the input drops in the meantime.
		e.lineHigh = false
	}
}

// regs is the IOREGSEL/IOWIN register window.
type regs struct{ d *Device }

func (r regs) MMIORead(ec hv.ExecutionContext, off uint64, data []byte) error {
	d := r.d
	var value uint32
	switch off {
	case regSelect:
		value = uint32(d.index)
	case regWindow:
		value = d.readRegister(d.index)
	default:
		return iobus.ErrNotHandled
	}
	var tmp [8]byte
	binary.LittleEndian.PutUint32(tmp[:], value)
	copy(data, tmp[:])
	return nil
}

func (r regs) MMIOWrite(ec hv.ExecutionContext, off uint64, data []byte) error {
	d := r.d
	switch off {
	case regSelect:
		if len(data) == 0 {
			return iobus.ErrNotHandled
		}
		d.index = data[0]
	case regWindow:
		if len(data) != 4 && len(data) != 8 {
			return iobus.ErrNotHandled
		}
		d.writeRegister(d.index, binary.LittleEndian.Uint32(data))
	default:
		return iobus.ErrNotHandled
	}
	return nil
}

// State capture ------------------------------------------------------------

type entryState struct {
	Value    uint64
	LineHigh bool
}

type deviceState struct {
	Index   uint8
	ID      uint8
	Entries [redirectionEntries]entryState
}

func (d *Device) CaptureState(w io.Writer) error {
	var st deviceState
	st.Index = d.index
	st.ID = d.id
	for i, e := range d.entries {
		st.Entries[i] = entryState{Value: uint64(e.rte), LineHigh: e.lineHigh}
	}
	return gob.NewEncoder(w).Encode(st)
}

func (d *Device) RestoreState(r io.Reader) error {
	var st deviceState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("ioapic: restore: %w", err)
	}
	d.index = st.Index
	d.id = st.ID
	for i := range d.entries {
		d.entries[i] = entry{rte: rte(st.Entries[i].Value), lineHigh: st.Entries[i].LineHigh}
	}
	return nil
}

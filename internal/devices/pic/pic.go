// Package pic emulates the dual 8259A interrupt controller pair of a legacy
// PC: command/data ports at 0x20 and 0xA0, the ELCR edge/level registers at
// 0x4D0, cascade on line 2. It registers itself as the router's PIC backend
// and drives the CPU's INTR pin through the machine's notifier.
package pic

import (
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
	primaryBase   uint16 = 0x20
	secondaryBase uint16 = 0xa0
	elcrBase      uint16 = 0x4d0

	cascadeLine  = 2
	spuriousLine = 7
	lineMask     = 0x7

	// Lines that are edge-only in hardware have their ELCR bits wired low.
	elcrPrimaryMask   = 0xf8
	elcrSecondaryMask = 0xde
)

// InterfaceID is the QueryInterface identifier under which the device exports
// its Acknowledger.
const InterfaceID = "vdm.pic"

// Acknowledger is the INTA cycle as seen by the CPU loop: Acknowledge returns
// the vector to inject and whether a real request backed it. With nothing
// pending the spurious vector comes back and ok is false.
type Acknowledger interface {
	Acknowledge() (uint8, bool)
}

func init() {
	if err := devmgr.DefaultRegistry.RegisterType(devmgr.Registration{
		Name:        "pic",
		APIVersion:  devmgr.CurrentAPIVersion,
		Schema:      devmgr.SchemaV1,
		Class:       devmgr.ClassPIC,
		Description: "dual 8259A programmable interrupt controller",
		New:         func() devmgr.Device { return &Device{} },
	}); err != nil {
		panic(err)
	}
}

// Device is the instance state. All fields are guarded by the instance's
// critical section; the port handlers and the router backend both run under
// it.
type Device struct {
	help devmgr.Helpers
	cpu  hv.CPUNotifier

	chips [2]*chip
	intr  bool

	acks     *stats.Counter
	spurious *stats.Counter
}

var (
	_ devmgr.Device            = (*Device)(nil)
	_ devmgr.ResetHandler      = (*Device)(nil)
	_ devmgr.Snapshotter       = (*Device)(nil)
	_ devmgr.InterfaceProvider = (*Device)(nil)
	_ Acknowledger             = (*Device)(nil)
)

func (d *Device) Construct(in *devmgr.Instance, cfg *cfgtree.Node, help devmgr.Helpers) error {
	d.help = help
	d.cpu = help.CPU()
	d.chips[0] = newChip(true)
	d.chips[1] = newChip(false)
	d.acks = help.Counter("acks")
	d.spurious = help.Counter("spurious")

	mappings := []struct {
		name string
		base uint16
		h    iobus.PortHandler
	}{
		{"pic0", primaryBase, chipPorts{d, 0}},
		{"pic1", secondaryBase, chipPorts{d, 1}},
		{"elcr", elcrBase, elcrPorts{d}},
	}
	for _, m := range mappings {
		h, err := help.NewPortRegion(2, m.h, iobus.WithName(m.name), iobus.WithHotContext())
		if err != nil {
			return err
		}
		if err := help.MapPort(h, m.base); err != nil {
			return err
		}
	}

	return help.RegisterIRQBackend(irq.ControllerPIC, lineBackend{d})
}

func (d *Device) Destruct(in *devmgr.Instance) error { return nil }

func (d *Device) Reset(in *devmgr.Instance, reason devmgr.ResetReason) {
	d.chips[0].reset(false, false)
	d.chips[1].reset(false, false)
	d.syncOutputs()
}

func (d *Device) LookupInterface(id string) any {
	if id == InterfaceID {
		return d
	}
	return nil
}

// Acknowledge runs one INTA cycle against the pair, resolving the cascade to
// the secondary chip when the primary's line 2 wins.
func (d *Device) Acknowledge() (uint8, bool) {
	sect := d.help.Section()
	sect.Enter(nil)
	defer sect.Leave()
	return d.acknowledgeLocked()
}

func (d *Device) acknowledgeLocked() (uint8, bool) {
	defer d.syncOutputs()

	vec, ok := d.chips[0].acknowledge()
	if !ok {
		d.spurious.Inc()
		return vec, false
	}
	if vec&lineMask == cascadeLine {
		secVec, secOK := d.chips[1].acknowledge()
		if !secOK {
			// The secondary withdrew between the cascade raise and the
			// INTA cycle; deliver its spurious vector (IRQ 15).
			d.spurious.Inc()
			return secVec, false
		}
		vec = secVec
	}
	d.acks.Inc()
	d.help.Counter(fmt.Sprintf("irq%d", d.lineOf(vec))).Inc()
	return vec, true
}

// lineOf recovers the 0-15 line number from a delivered vector. Vector bases
// are 8-aligned, so the low bits are the chip-local line.
func (d *Device) lineOf(vec uint8) int {
	line := int(vec & lineMask)
	if vec&^lineMask == d.chips[1].vectorBase {
		return line + 8
	}
	return line
}

// syncOutputs recomputes the cascade into the primary's line 2 and moves the
// INTR pin when the combined pending state changed. Callers hold the section.
func (d *Device) syncOutputs() {
	d.chips[0].setLine(cascadeLine, d.chips[1].interruptPending())
	pending := d.chips[0].interruptPending()
	if pending == d.intr {
		return
	}
	d.intr = pending
	if d.cpu == nil {
		return
	}
	if pending {
		d.cpu.RaiseINTR()
		d.cpu.WakeUp()
	} else {
		d.cpu.LowerINTR()
	}
}

// lineBackend receives line changes from the router's serialization point.
type lineBackend struct{ d *Device }

func (b lineBackend) SetLineLevel(line uint32, high bool, _ irq.Tag) {
	if line >= 16 {
		return
	}
	d := b.d
	sect := d.help.Section()
	sect.Enter(nil)
	defer sect.Leave()
	if line < 8 {
		d.chips[0].setLine(uint8(line), high)
	} else {
		d.chips[1].setLine(uint8(line-8), high)
	}
	d.syncOutputs()
}

// chipPorts handles the command/data port pair of one chip. Multi-byte
// accesses are split into byte writes the way the ISA bus would, bytes
// falling outside the pair reading as open bus.
type chipPorts struct {
	d   *Device
	idx int
}

func (p chipPorts) PortIn(ec hv.ExecutionContext, off uint16, size uint8) (uint64, error) {
	c := p.d.chips[p.idx]
	var value uint64
	for i := uint8(0); i < size; i++ {
		b := byte(0xff)
		switch off + uint16(i) {
		case 0:
			b = c.readCommand()
		case 1:
			b = c.readData()
		}
		value |= uint64(b) << (8 * i)
	}
	// A poll-mode read acknowledges, which can change the pin.
	p.d.syncOutputs()
	return value, nil
}

func (p chipPorts) PortOut(ec hv.ExecutionContext, off uint16, size uint8, value uint64) error {
	c := p.d.chips[p.idx]
	for i := uint8(0); i < size; i++ {
		b := byte(value >> (8 * i))
		switch off + uint16(i) {
		case 0:
			c.writeCommand(b)
		case 1:
			c.writeData(b)
		}
	}
	p.d.syncOutputs()
	return nil
}

type elcrPorts struct{ d *Device }

func (p elcrPorts) PortIn(ec hv.ExecutionContext, off uint16, size uint8) (uint64, error) {
	if size != 1 || off > 1 {
		return 0, iobus.ErrNotHandled
	}
	return uint64(p.d.chips[off].elcr), nil
}

func (p elcrPorts) PortOut(ec hv.ExecutionContext, off uint16, size uint8, value uint64) error {
	if size != 1 || off > 1 {
		return iobus.ErrNotHandled
	}
	mask := byte(elcrPrimaryMask)
	if off == 1 {
		mask = elcrSecondaryMask
	}
	p.d.chips[off].elcr = byte(value) & mask
	p.d.syncOutputs()
	return nil
}

// State capture ------------------------------------------------------------

type chipState struct {
	Stage           uint8
	VectorBase      byte
	NeedICW4        bool
	IMR             byte
	ISR             byte
	ELCR            byte
	Lines           byte
	LineLow         byte
	LowPriority     uint8
	AutoEOI         bool
	RotateOnAutoEOI bool
	SpecialMask     bool
	ReadISR         bool
	PollNext        bool
}

type deviceState struct {
	Primary   chipState
	Secondary chipState
}

func (d *Device) CaptureState(w io.Writer) error {
	st := deviceState{
		Primary:   d.chips[0].capture(),
		Secondary: d.chips[1].capture(),
	}
	return gob.NewEncoder(w).Encode(st)
}

func (d *Device) RestoreState(r io.Reader) error {
	var st deviceState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("pic: restore: %w", err)
	}
	d.chips[0].restore(st.Primary)
	d.chips[1].restore(st.Secondary)
	d.syncOutputs()
	return nil
}

func (c *chip) capture() chipState {
	return chipState{
		Stage:           uint8(c.stage),
		VectorBase:      c.vectorBase,
		NeedICW4:        c.needICW4,
		IMR:             c.imr,
		ISR:             c.isr,
		ELCR:            c.elcr,
		Lines:           c.lines,
		LineLow:         c.lineLow,
		LowPriority:     c.lowPriority,
		AutoEOI:         c.autoEOI,
		RotateOnAutoEOI: c.rotateOnAutoEOI,
		SpecialMask:     c.specialMask,
		ReadISR:         c.readISR,
		PollNext:        c.pollNext,
	}
}

func (c *chip) restore(st chipState) {
	c.stage = initStage(st.Stage)
	c.vectorBase = st.VectorBase
	c.needICW4 = st.NeedICW4
	c.imr = st.IMR
	c.isr = st.ISR
	c.elcr = st.ELCR
	c.lines = st.Lines
	c.lineLow = st.LineLow
	c.lowPriority = st.LowPriority
	c.autoEOI = st.AutoEOI
	c.rotateOnAutoEOI = st.RotateOnAutoEOI
	c.specialMask = st.SpecialMask
	c.readISR = st.ReadISR
	c.pollNext = st.PollNext
}

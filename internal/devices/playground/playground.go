// Package playground implements a synthetic PCI function that touches every
// framework surface: two handler BARs plus an MSI-X table BAR, MSI and MSI-X
// with an INTx fallback mode, config space interception, a virtual-clock
// timer, a worker thread draining a small job queue, and an ISA DMA channel
// moving guest memory through an on-device buffer. It exists for tests and
// demos, not for any guest driver.
package playground

import (
	"encoding/gob"
	"fmt"
	"io"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/devmgr"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/pcibus"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"
)

// BAR0 register file. All registers are dwords; the guest-visible buffer
// occupies the top half of the window.
const (
	regIdent         = 0x00 // RO
	regInversion     = 0x04 // stores the complement of what was written
	regScratch       = 0x08
	regIRQMode       = 0x0c // bit 0: 0 = INTx level, 1 = MSI edge
	regIRQStatus     = 0x10 // RO
	regIRQRaise      = 0x14 // WO, sets status bits and delivers
	regIRQAck        = 0x18 // WO, write-one-to-clear
	regTimerInterval = 0x20 // ns of virtual time, 0 stops the timer
	regTimerTicks    = 0x24 // RO
	regWorkPush      = 0x30 // WO
	regWorkSumLo     = 0x34 // RO
	regWorkSumHi     = 0x38 // RO
	regWorkDepth     = 0x3c // RO
	regDMADoorbell   = 0x40 // WO, any value rings
	regDMACtl        = 0x44
	regDMABufOff     = 0x48
	regDMAMoved      = 0x4c // RO

	identValue = 0x010000ed

	regionSize = 0x1000
	bufferBase = 0x800
	bufferSize = regionSize - bufferBase

	statusTimer    = 1 << 0
	statusWork     = 1 << 1
	statusDMA      = 1 << 2
	statusOverflow = 1 << 3

	dmaCtlToGuest = 1 << 0 // buffer to guest memory; clear means guest to buffer
	dmaCtlIRQ     = 1 << 1

	irqModeMSI = 1 << 0

	// MSI vector assignment.
	vectorTimer = 0
	vectorEvent = 1

	queueDepth = 16

	// Config bytes the intercept hook makes writable; the default policy
	// drops them.
	cfgCacheLine    = 0x0c
	cfgLatencyTimer = 0x0d
)

// InterfaceID is the QueryInterface identifier under which the device exports
// itself.
const InterfaceID = "vdm.playground"

func init() {
	if err := devmgr.DefaultRegistry.RegisterType(devmgr.Registration{
		Name:        "playground",
		APIVersion:  devmgr.CurrentAPIVersion,
		Schema:      devmgr.SchemaV1,
		Class:       devmgr.ClassMisc,
		Description: "synthetic pci exerciser device",
		New:         func() devmgr.Device { return &Device{} },
	}); err != nil {
		panic(err)
	}
}

// Device is the instance state, guarded by the instance's critical section
// except where noted.
type Device struct {
	help devmgr.Helpers
	fn   *pcibus.Function

	inversion uint32
	scratch   uint32
	irqMode   uint32
	status    uint32
	intxHigh  bool

	interval uint32 // ns, 0 = stopped
	ticks    uint32
	timer    *vclock.Timer

	queue   [queueDepth]uint32
	qhead   int
	qcount  int
	workSum uint64
	workCh  chan struct{}

	dmaCh     int
	dmaCtl    uint32
	dmaBufOff uint32
	dmaMoved  uint32

	buf   [bufferSize]byte
	latch [4]byte // port BAR echo latch

	irqs      *stats.Counter
	remaps    *stats.Counter
	doorbells *stats.Counter
	workDone  *stats.Counter
	dmaBytes  *stats.Counter
}

var (
	_ devmgr.Device            = (*Device)(nil)
	_ devmgr.ResetHandler      = (*Device)(nil)
	_ devmgr.Snapshotter       = (*Device)(nil)
	_ devmgr.InterfaceProvider = (*Device)(nil)
)

func (d *Device) Construct(in *devmgr.Instance, cfg *cfgtree.Node, help devmgr.Helpers) error {
	d.help = help
	d.dmaCh = int(cfg.Int64Def("dma", 3))
	d.workCh = make(chan struct{}, 1)

	d.irqs = help.Counter("irqs")
	d.remaps = help.Counter("bar-remaps")
	d.doorbells = help.Counter("doorbells")
	d.workDone = help.Counter("work-done")
	d.dmaBytes = help.Counter("dma-bytes")

	d.fn = pcibus.NewFunction("playground", pcibus.FunctionConfig{
		VendorID:     0x1234,
		DeviceID:     0x11e8,
		RevisionID:   0x10,
		ClassCode:    0x00ff00,
		InterruptPin: 1,
	})
	if err := help.RegisterPCI(d.fn, pcibus.DevFirstUnused, pcibus.FunFirstUnused, 0); err != nil {
		return err
	}

	hMem, err := help.NewMMIORegion(regionSize, regs{d}, iobus.WithName("playground-regs"))
	if err != nil {
		return err
	}
	if err := help.RegisterBAR(d.fn, 0, regionSize, pcibus.BARMem32, hMem, d.barMapped); err != nil {
		return err
	}

	hEcho, err := help.NewPortRegion(8, echoPorts{d}, iobus.WithName("playground-echo"))
	if err != nil {
		return err
	}
	if err := help.RegisterBAR(d.fn, 1, 8, pcibus.BARPort, hEcho, nil); err != nil {
		return err
	}

	if err := help.RegisterMSI(d.fn, 2); err != nil {
		return err
	}
	if err := help.RegisterMSIX(d.fn, 2, 2); err != nil {
		return err
	}
	if err := help.InterceptConfig(d.fn, nil, d.configWritten); err != nil {
		return err
	}

	d.timer = help.NewTimer(vclock.DomainVirtual, "tick", d.timerFired)

	if err := help.RegisterDMAChannel(d.dmaCh, d.dmaSlice); err != nil {
		return err
	}
	if _, err := help.NewThread("worker", d.runWorker); err != nil {
		return err
	}
	return nil
}

func (d *Device) Destruct(in *devmgr.Instance) error { return nil }

func (d *Device) Reset(in *devmgr.Instance, reason devmgr.ResetReason) {
	d.timer.Stop()
	d.inversion = 0
	d.scratch = 0
	d.irqMode = 0
	d.interval = 0
	d.ticks = 0
	d.qhead, d.qcount = 0, 0
	d.workSum = 0
	d.dmaCtl, d.dmaBufOff, d.dmaMoved = 0, 0, 0
	d.buf = [bufferSize]byte{}
	d.latch = [4]byte{}
	d.help.SetDREQ(d.dmaCh, false)
	d.clearStatusLocked(^uint32(0))
}

func (d *Device) LookupInterface(id string) any {
	if id == InterfaceID {
		return d
	}
	return nil
}

// barMapped runs under the bus lock only, so it sticks to atomics and the
// logger.
func (d *Device) barMapped(f *pcibus.Function, bar int, addr uint64, mapped bool) {
	d.remaps.Inc()
	d.help.Logger().Debug("playground bar remapped",
		"bar", bar, "addr", fmt.Sprintf("0x%x", addr), "mapped", mapped)
}

// configWritten makes the cache line size and latency timer bytes stick,
// after the default policy has handled everything it cares about. Runs under
// the bus lock; it must not touch section-guarded state.
func (d *Device) configWritten(f *pcibus.Function, reg uint16, size uint8, value uint32) error {
	d.help.PCIDefaultConfigWrite(f, reg, size, value)
	for i := uint16(0); i < uint16(size); i++ {
		off := reg + i
		if off == cfgCacheLine || off == cfgLatencyTimer {
			f.SetConfigByte(off, byte(value>>(8*i)))
		}
	}
	return nil
}

// raiseLocked sets status bits and delivers the interrupt for them. In MSI
// mode every event is an edge message; in INTx mode the pin follows the
// wired-or of the status register.
func (d *Device) raiseLocked(bits uint32) {
	d.status |= bits
	d.irqs.Inc()
	if d.irqMode&irqModeMSI != 0 {
		vec := vectorEvent
		if bits&statusTimer != 0 {
			vec = vectorTimer
		}
		d.help.PostMSI(d.fn, vec, irq.Tag(d.irqs.Value()))
		return
	}
	if !d.intxHigh {
		d.intxHigh = true
		d.help.SetINTxNoWait(d.fn, irq.LevelHigh, irq.Tag(d.irqs.Value()))
	}
}

func (d *Device) clearStatusLocked(bits uint32) {
	d.status &^= bits
	if d.status == 0 && d.intxHigh {
		d.intxHigh = false
		d.help.SetINTxNoWait(d.fn, irq.LevelLow, irq.Tag(d.irqs.Value()))
	}
}

func (d *Device) timerFired(now uint64) {
	d.ticks++
	if d.interval != 0 {
		d.timer.SetRelative(uint64(d.interval))
	}
	d.raiseLocked(statusTimer)
}

func (d *Device) readRegLocked(reg uint32) uint32 {
	switch reg {
	case regIdent:
		return identValue
	case regInversion:
		return d.inversion
	case regScratch:
		return d.scratch
	case regIRQMode:
		return d.irqMode
	case regIRQStatus:
		return d.status
	case regTimerInterval:
		return d.interval
	case regTimerTicks:
		return d.ticks
	case regWorkSumLo:
		return uint32(d.workSum)
	case regWorkSumHi:
		return uint32(d.workSum >> 32)
	case regWorkDepth:
		return uint32(d.qcount)
	case regDMACtl:
		return d.dmaCtl
	case regDMABufOff:
		return d.dmaBufOff
	case regDMAMoved:
		return d.dmaMoved
	}
	return 0
}

func (d *Device) writeRegLocked(reg, v uint32) {
	switch reg {
	case regInversion:
		d.inversion = ^v
	case regScratch:
		d.scratch = v
	case regIRQMode:
		d.setIRQModeLocked(v & irqModeMSI)
	case regIRQRaise:
		if v != 0 {
			d.raiseLocked(v)
		}
	case regIRQAck:
		d.clearStatusLocked(v)
	case regTimerInterval:
		d.interval = v
		if v == 0 {
			d.timer.Stop()
		} else {
			d.timer.SetRelative(uint64(v))
		}
	case regWorkPush:
		d.pushWorkLocked(v)
	case regDMADoorbell:
		d.doorbells.Inc()
		d.help.SetDREQ(d.dmaCh, true)
	case regDMACtl:
		d.dmaCtl = v & (dmaCtlToGuest | dmaCtlIRQ)
	case regDMABufOff:
		d.dmaBufOff = v & (bufferSize - 1)
	}
}

func (d *Device) setIRQModeLocked(mode uint32) {
	if mode == d.irqMode {
		return
	}
	// Leaving INTx mode must not strand an asserted pin.
	if d.intxHigh {
		d.intxHigh = false
		d.help.SetINTxNoWait(d.fn, irq.LevelLow, irq.Tag(d.irqs.Value()))
	}
	d.irqMode = mode
}

func (d *Device) pushWorkLocked(v uint32) {
	if d.qcount == queueDepth {
		d.raiseLocked(statusOverflow)
		return
	}
	d.queue[(d.qhead+d.qcount)%queueDepth] = v
	d.qcount++
	select {
	case d.workCh <- struct{}{}:
	default:
	}
}

// regs is the BAR0 handler. Bytes below the buffer resolve through the
// dword register file; partial register writes merge read-modify-write.
type regs struct{ d *Device }

var _ iobus.MMIOHandler = regs{}

func (m regs) MMIORead(_ hv.ExecutionContext, off uint64, data []byte) error {
	d := m.d
	for i := range data {
		o := off + uint64(i)
		if o >= bufferBase {
			data[i] = d.buf[o-bufferBase]
			continue
		}
		v := d.readRegLocked(uint32(o) &^ 3)
		data[i] = byte(v >> (8 * (uint32(o) & 3)))
	}
	return nil
}

func (m regs) MMIOWrite(_ hv.ExecutionContext, off uint64, data []byte) error {
	d := m.d
	for len(data) > 0 {
		if off >= bufferBase {
			n := copy(d.buf[off-bufferBase:], data)
			off += uint64(n)
			data = data[n:]
			continue
		}
		reg := uint32(off) &^ 3
		merged := d.readRegLocked(reg)
		n := 0
		for i := 0; i < len(data) && uint32(off)+uint32(i) < reg+4; i++ {
			sh := 8 * (uint32(off) + uint32(i) - reg)
			merged = merged&^(0xff<<sh) | uint32(data[i])<<sh
			n++
		}
		d.writeRegLocked(reg, merged)
		off += uint64(n)
		data = data[n:]
	}
	return nil
}

// echoPorts is the BAR1 handler: a four-byte latch that reads back directly
// at offsets 0-3 and complemented at offsets 4-7.
type echoPorts struct{ d *Device }

var _ iobus.PortHandler = echoPorts{}

func (p echoPorts) PortIn(_ hv.ExecutionContext, off uint16, size uint8) (uint64, error) {
	d := p.d
	var v uint64
	for i := uint16(0); i < uint16(size); i++ {
		o := off + i
		var b byte
		switch {
		case o < 4:
			b = d.latch[o]
		case o < 8:
			b = ^d.latch[o-4]
		}
		v |= uint64(b) << (8 * i)
	}
	return v, nil
}

func (p echoPorts) PortOut(_ hv.ExecutionContext, off uint16, size uint8, value uint64) error {
	d := p.d
	for i := uint16(0); i < uint16(size); i++ {
		if o := off + i; o < 4 {
			d.latch[o] = byte(value >> (8 * i))
		}
	}
	return nil
}

type deviceState struct {
	Inversion  uint32
	Scratch    uint32
	IRQMode    uint32
	Status     uint32
	IntxHigh   bool
	Interval   uint32
	Ticks      uint32
	Queue      []uint32
	WorkSum    uint64
	DMACtl     uint32
	DMABufOff  uint32
	DMAMoved   uint32
	Buffer     []byte
	Latch      [4]byte
	TimerDelta uint64
	TimerArmed bool
}

func (d *Device) CaptureState(w io.Writer) error {
	st := deviceState{
		Inversion: d.inversion,
		Scratch:   d.scratch,
		IRQMode:   d.irqMode,
		Status:    d.status,
		IntxHigh:  d.intxHigh,
		Interval:  d.interval,
		Ticks:     d.ticks,
		WorkSum:   d.workSum,
		DMACtl:    d.dmaCtl,
		DMABufOff: d.dmaBufOff,
		DMAMoved:  d.dmaMoved,
		Buffer:    d.buf[:],
		Latch:     d.latch,
	}
	for i := 0; i < d.qcount; i++ {
		st.Queue = append(st.Queue, d.queue[(d.qhead+i)%queueDepth])
	}
	if abs, armed := d.timer.Expire(); armed {
		st.TimerArmed = true
		st.TimerDelta = abs - d.help.Now(vclock.DomainVirtual)
	}
	return gob.NewEncoder(w).Encode(st)
}

func (d *Device) RestoreState(r io.Reader) error {
	var st deviceState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("playground: restore: %w", err)
	}
	if len(st.Buffer) != bufferSize {
		return fmt.Errorf("playground: restore: buffer length %d", len(st.Buffer))
	}
	if len(st.Queue) > queueDepth {
		return fmt.Errorf("playground: restore: queue depth %d", len(st.Queue))
	}

	d.inversion = st.Inversion
	d.scratch = st.Scratch
	d.irqMode = st.IRQMode
	d.status = st.Status
	d.intxHigh = st.IntxHigh
	d.interval = st.Interval
	d.ticks = st.Ticks
	d.workSum = st.WorkSum
	d.dmaCtl = st.DMACtl
	d.dmaBufOff = st.DMABufOff
	d.dmaMoved = st.DMAMoved
	copy(d.buf[:], st.Buffer)
	d.latch = st.Latch

	d.qhead = 0
	d.qcount = len(st.Queue)
	copy(d.queue[:], st.Queue)

	if st.TimerArmed {
		d.timer.SetRelative(st.TimerDelta)
	} else {
		d.timer.Stop()
	}
	if d.intxHigh {
		d.help.SetINTxNoWait(d.fn, irq.LevelHigh, irq.Tag(d.irqs.Value()))
	}
	if d.qcount > 0 {
		select {
		case d.workCh <- struct{}{}:
		default:
		}
	}
	return nil
}

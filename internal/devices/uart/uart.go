// Package uart emulates a 16550A serial port: divisor latch, 16-byte
// transmit and receive FIFOs with programmable trigger level, receive
// timeout, modem status loopback, and the OUT2 interrupt gate. Transmit
// drains to an attached console writer on a managed thread; a second
// thread pumps console input into the receive FIFO.
package uart

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
	"github.com/tinyrange/vdm/internal/vclock"
)

const (
	registerCount = 8

	regData    = 0 // receive buffer, transmit holding, divisor low with DLAB
	regIER     = 1 // divisor high with DLAB
	regIIR     = 2 // FCR on write
	regLCR     = 3
	regMCR     = 4
	regLSR     = 5
	regMSR     = 6
	regScratch = 7

	lcrDLAB = 1 << 7

	mcrDTR  = 1 << 0
	mcrRTS  = 1 << 1
	mcrOUT1 = 1 << 2
	mcrOUT2 = 1 << 3
	mcrLoop = 1 << 4

	lsrDataReady = 1 << 0
	lsrOverrun   = 1 << 1
	lsrTHRE      = 1 << 5
	lsrTEMT      = 1 << 6

	// Overrun, parity, framing and break, cleared together on an LSR read.
	lsrErrorBits = 0x1e

	msrDeltaCTS = 1 << 0
	msrDeltaDSR = 1 << 1
	msrDeltaRI  = 1 << 2 // trailing edge only
	msrDeltaDCD = 1 << 3
	msrCTS      = 1 << 4
	msrDSR      = 1 << 5
	msrRI       = 1 << 6
	msrDCD      = 1 << 7

	iirNone       = 0x01
	iirLineStatus = 0x06
	iirRXReady    = 0x04
	iirRXTimeout  = 0x0c
	iirTXEmpty    = 0x02
	iirModem      = 0x00
	iirFIFOBits   = 0xc0

	fifoSize = 16

	// inputClock is the reference clock the divisor latch divides.
	inputClock = 1843200
)

// InterfaceID is the QueryInterface identifier under which the device exports
// itself for console attachment and direct input injection.
const InterfaceID = "vdm.uart"

func init() {
	if err := devmgr.DefaultRegistry.RegisterType(devmgr.Registration{
		Name:        "uart",
		APIVersion:  devmgr.CurrentAPIVersion,
		Schema:      devmgr.SchemaV1,
		Class:       devmgr.ClassSerial,
		Description: "16550A compatible serial port",
		New:         func() devmgr.Device { return &Device{} },
	}); err != nil {
		panic(err)
	}
}

// Device is the instance state. Register and FIFO fields are guarded by the
// instance's critical section; the port handlers, the timer callback and both
// managed threads take it before touching them.
type Device struct {
	help devmgr.Helpers
	line uint32

	out io.Writer
	in  io.Reader

	dll, dlm, ier, fcr, lcr, mcr, lsr byte
	msrStatus, msrDelta, scr          byte

	rx, tx      ring
	pendingIIR  byte
	fifoEnabled bool
	fifoTrigger int
	skipLF      bool

	rxTimeout bool
	timer     *vclock.Timer

	irqHigh bool

	txCh     chan struct{}
	attachCh chan struct{}

	txBytes  *stats.Counter
	rxBytes  *stats.Counter
	overruns *stats.Counter
	irqs     *stats.Counter
}

var (
	_ devmgr.Device            = (*Device)(nil)
	_ devmgr.ResetHandler      = (*Device)(nil)
	_ devmgr.Snapshotter       = (*Device)(nil)
	_ devmgr.InterfaceProvider = (*Device)(nil)
)

func (d *Device) Construct(in *devmgr.Instance, cfg *cfgtree.Node, help devmgr.Helpers) error {
	d.help = help
	d.line = uint32(cfg.Int64Def("irq", 4))
	d.txBytes = help.Counter("tx-bytes")
	d.rxBytes = help.Counter("rx-bytes")
	d.overruns = help.Counter("overruns")
	d.irqs = help.Counter("irqs")
	d.txCh = make(chan struct{}, 1)
	d.attachCh = make(chan struct{}, 1)
	d.resetRegisters()

	d.timer = help.NewTimer(vclock.DomainVirtual, "rx-timeout", d.rxTimeoutFired)

	h, err := help.NewPortRegion(registerCount, ports{d}, iobus.WithName("16550"), iobus.WithHotContext())
	if err != nil {
		return err
	}
	if err := help.MapPort(h, uint16(cfg.Uint64Def("base", 0x3f8))); err != nil {
		return err
	}

	if _, err := help.NewThread("tx", d.runTX); err != nil {
		return err
	}
	_, err = help.NewThread("rx", d.runRX)
	return err
}

func (d *Device) Destruct(in *devmgr.Instance) error { return nil }

func (d *Device) Reset(in *devmgr.Instance, reason devmgr.ResetReason) {
	d.timer.Stop()
	d.resetRegisters()
	d.updateInterrupts()
}

func (d *Device) LookupInterface(id string) any {
	if id == InterfaceID {
		return d
	}
	return nil
}

func (d *Device) resetRegisters() {
	d.dll, d.dlm, d.ier, d.fcr, d.lcr, d.mcr = 0, 0, 0, 0, 0, 0
	d.lsr = lsrTHRE | lsrTEMT
	d.msrStatus = msrCTS | msrDSR | msrDCD
	d.msrDelta = 0
	d.scr = 0
	d.rx.clear()
	d.tx.clear()
	d.pendingIIR = iirNone
	d.fifoEnabled = false
	d.fifoTrigger = 1
	d.skipLF = false
	d.rxTimeout = false
}

func (d *Device) readRegister(off uint16) byte {
	switch off {
	case regData:
		if d.lcr&lcrDLAB != 0 {
			return d.dll
		}
		return d.readRX()
	case regIER:
		if d.lcr&lcrDLAB != 0 {
			return d.dlm
		}
		return d.ier
	case regIIR:
		return d.pendingIIR
	case regLCR:
		return d.lcr
	case regMCR:
		return d.mcr
	case regLSR:
		value := d.lsr
		if value&lsrErrorBits != 0 {
			d.lsr &^= lsrErrorBits
			d.updateInterrupts()
		}
		return value
	case regMSR:
		value := d.msrStatus | d.msrDelta
		d.msrDelta = 0
		d.updateInterrupts()
		return value
	case regScratch:
		return d.scr
	default:
		return 0
	}
}

func (d *Device) writeRegister(off uint16, value byte) {
	switch off {
	case regData:
		if d.lcr&lcrDLAB != 0 {
			d.dll = value
			return
		}
		d.writeTX(value)
	case regIER:
		if d.lcr&lcrDLAB != 0 {
			d.dlm = value
			return
		}
		d.ier = value & 0x0f
		d.updateInterrupts()
	case regIIR:
		d.setFCR(value)
	case regLCR:
		d.lcr = value
	case regMCR:
		d.setMCR(value)
	case regLSR:
		// Factory test write, ignored.
	case regMSR:
		// Read only.
	case regScratch:
		d.scr = value
	}
}

func (d *Device) writeTX(value byte) {
	if d.mcr&mcrLoop != 0 {
		// Loopback feeds the transmitter straight back into the receiver.
		d.receiveByte(value)
		return
	}
	capacity := 1
	if d.fifoEnabled {
		capacity = fifoSize
	}
	if d.tx.count < capacity {
		d.tx.push(value)
	}
	if d.tx.count >= capacity {
		d.lsr &^= lsrTHRE
	} else {
		d.lsr |= lsrTHRE
	}
	d.lsr &^= lsrTEMT
	d.updateInterrupts()
	select {
	case d.txCh <- struct{}{}:
	default:
	}
}

func (d *Device) receiveByte(value byte) {
	if d.fifoEnabled {
		if !d.rx.push(value) {
			d.lsr |= lsrOverrun
			d.overruns.Inc()
			d.updateInterrupts()
			return
		}
	} else {
		if d.lsr&lsrDataReady != 0 {
			d.lsr |= lsrOverrun
			d.overruns.Inc()
			d.updateInterrupts()
			return
		}
		d.rx.clear()
		d.rx.push(value)
	}
	d.rxBytes.Inc()
	d.lsr |= lsrDataReady
	d.armRXTimeout()
	d.updateInterrupts()
}

func (d *Device) readRX() byte {
	value, ok := d.rx.pop()
	if !ok {
		return 0
	}
	if d.rx.count == 0 {
		d.lsr &^= lsrDataReady
	}
	d.armRXTimeout()
	d.updateInterrupts()
	return value
}

func (d *Device) rxFull() bool {
	if d.fifoEnabled {
		return d.rx.count >= fifoSize
	}
	return d.lsr&lsrDataReady != 0
}

// armRXTimeout restarts the receive idle window. Any receiver activity resets
// it, and it runs only in FIFO mode while data is waiting.
func (d *Device) armRXTimeout() {
	d.rxTimeout = false
	if !d.fifoEnabled || d.rx.count == 0 {
		d.timer.Stop()
		return
	}
	d.timer.SetRelative(4 * d.charTimeNs())
}

// charTimeNs is one character frame, ten bit times at the divided clock.
func (d *Device) charTimeNs() uint64 {
	divisor := uint64(d.dlm)<<8 | uint64(d.dll)
	if divisor == 0 {
		divisor = 1
	}
	return divisor * 10 * 1_000_000_000 / inputClock
}

func (d *Device) rxTimeoutFired(now uint64) {
	if !d.fifoEnabled || d.rx.count == 0 {
		return
	}
	d.rxTimeout = true
	d.updateInterrupts()
}

func (d *Device) rxAtTrigger() bool {
	if d.fifoEnabled {
		return d.rx.count >= d.fifoTrigger
	}
	return d.lsr&lsrDataReady != 0
}

func (d *Device) updateInterrupts() {
	interrupt := byte(iirNone)

	switch {
	case d.ier&0x04 != 0 && d.lsr&lsrErrorBits != 0:
		interrupt = iirLineStatus
	case d.ier&0x01 != 0 && d.rxAtTrigger():
		interrupt = iirRXReady
	case d.ier&0x01 != 0 && d.rxTimeout && d.rx.count > 0:
		interrupt = iirRXTimeout
	case d.ier&0x02 != 0 && d.lsr&lsrTHRE != 0:
		interrupt = iirTXEmpty
	case d.ier&0x08 != 0 && d.msrDelta != 0:
		interrupt = iirModem
	}

	d.pendingIIR = interrupt
	if d.fifoEnabled {
		d.pendingIIR |= iirFIFOBits
	}

	// OUT2 gates the physical pin.
	asserted := interrupt != iirNone && d.mcr&mcrOUT2 != 0
	if asserted == d.irqHigh {
		return
	}
	d.irqHigh = asserted
	level := irq.LevelLow
	if asserted {
		level = irq.LevelHigh
		d.irqs.Inc()
	}
	d.help.SetIRQNoWait(irq.ControllerPIC, d.line, level, irq.Tag(d.irqs.Value()))
}

func (d *Device) setFCR(value byte) {
	enabled := value&0x01 != 0
	if enabled != d.fifoEnabled {
		// Switching FIFO mode discards both queues.
		d.fifoEnabled = enabled
		d.clearRXFIFO()
		d.clearTXFIFO()
	}
	if value&0x02 != 0 {
		d.clearRXFIFO()
	}
	if value&0x04 != 0 {
		d.clearTXFIFO()
	}

	d.fcr = value

	switch value & 0xc0 {
	case 0x40:
		d.fifoTrigger = 4
	case 0x80:
		d.fifoTrigger = 8
	case 0xc0:
		d.fifoTrigger = 14
	default:
		d.fifoTrigger = 1
	}
	d.updateInterrupts()
}

func (d *Device) clearRXFIFO() {
	d.rx.clear()
	d.lsr &^= lsrDataReady
	d.armRXTimeout()
}

func (d *Device) clearTXFIFO() {
	d.tx.clear()
	d.lsr |= lsrTHRE | lsrTEMT
}

func (d *Device) setMCR(value byte) {
	prev := d.mcr
	d.mcr = value & 0x1f

	if prev&mcrLoop != 0 && d.mcr&mcrLoop == 0 {
		d.clearRXFIFO()
	}

	d.refreshModemStatus()
	d.updateInterrupts()
}

// refreshModemStatus recomputes the status half of the MSR and accumulates
// change flags into the delta half.
func (d *Device) refreshModemStatus() {
	old := d.msrStatus
	var status byte
	if d.mcr&mcrLoop != 0 {
		// Diagnostic loopback wires the control outputs to the status inputs.
		if d.mcr&mcrDTR != 0 {
			status |= msrDSR
		}
		if d.mcr&mcrRTS != 0 {
			status |= msrCTS
		}
		if d.mcr&mcrOUT1 != 0 {
			status |= msrRI
		}
		if d.mcr&mcrOUT2 != 0 {
			status |= msrDCD
		}
	} else {
		status = msrCTS | msrDSR | msrDCD
		if d.mcr&mcrOUT1 != 0 {
			status |= msrRI
		}
	}
	d.msrStatus = status

	diff := old ^ status
	if diff&msrCTS != 0 {
		d.msrDelta |= msrDeltaCTS
	}
	if diff&msrDSR != 0 {
		d.msrDelta |= msrDeltaDSR
	}
	if old&msrRI != 0 && status&msrRI == 0 {
		d.msrDelta |= msrDeltaRI
	}
	if diff&msrDCD != 0 {
		d.msrDelta |= msrDeltaDCD
	}
}

// ports decodes the eight-register window. Wide accesses touch successive
// registers a byte at a time.
type ports struct{ d *Device }

func (p ports) PortIn(ec hv.ExecutionContext, off uint16, size uint8) (uint64, error) {
	var value uint64
	for i := uint8(0); i < size; i++ {
		value |= uint64(p.d.readRegister(off+uint16(i))) << (8 * i)
	}
	return value, nil
}

func (p ports) PortOut(ec hv.ExecutionContext, off uint16, size uint8, value uint64) error {
	for i := uint8(0); i < size; i++ {
		p.d.writeRegister(off+uint16(i), byte(value>>(8*i)))
	}
	return nil
}

type deviceState struct {
	DLL, DLM, IER, FCR, LCR, MCR, LSR byte
	MSRStatus, MSRDelta, Scratch      byte

	RXBuf   [fifoSize]byte
	RXHead  int
	RXCount int
	TXBuf   [fifoSize]byte
	TXHead  int
	TXCount int

	PendingIIR  byte
	FIFOEnabled bool
	FIFOTrigger int
	SkipLF      bool

	RXTimeout  bool
	TimerDelta uint64
	TimerArmed bool
	IRQHigh    bool
}

func (d *Device) CaptureState(w io.Writer) error {
	st := deviceState{
		DLL: d.dll, DLM: d.dlm, IER: d.ier, FCR: d.fcr, LCR: d.lcr,
		MCR: d.mcr, LSR: d.lsr,
		MSRStatus: d.msrStatus, MSRDelta: d.msrDelta, Scratch: d.scr,
		RXBuf: d.rx.buf, RXHead: d.rx.head, RXCount: d.rx.count,
		TXBuf: d.tx.buf, TXHead: d.tx.head, TXCount: d.tx.count,
		PendingIIR:  d.pendingIIR,
		FIFOEnabled: d.fifoEnabled,
		FIFOTrigger: d.fifoTrigger,
		SkipLF:      d.skipLF,
		RXTimeout:   d.rxTimeout,
		IRQHigh:     d.irqHigh,
	}
	if exp, ok := d.timer.Expire(); ok {
		st.TimerArmed = true
		if now := d.help.Now(vclock.DomainVirtual); exp > now {
			st.TimerDelta = exp - now
		}
	}
	return gob.NewEncoder(w).Encode(&st)
}

func (d *Device) RestoreState(r io.Reader) error {
	var st deviceState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("uart: restore: %w", err)
	}
	if st.RXCount < 0 || st.RXCount > fifoSize || st.RXHead < 0 || st.RXHead >= fifoSize {
		return fmt.Errorf("uart: restore: bad receive fifo state %d/%d", st.RXHead, st.RXCount)
	}
	if st.TXCount < 0 || st.TXCount > fifoSize || st.TXHead < 0 || st.TXHead >= fifoSize {
		return fmt.Errorf("uart: restore: bad transmit fifo state %d/%d", st.TXHead, st.TXCount)
	}

	d.dll, d.dlm, d.ier, d.fcr, d.lcr = st.DLL, st.DLM, st.IER, st.FCR, st.LCR
	d.mcr, d.lsr = st.MCR, st.LSR
	d.msrStatus, d.msrDelta, d.scr = st.MSRStatus, st.MSRDelta, st.Scratch
	d.rx = ring{buf: st.RXBuf, head: st.RXHead, count: st.RXCount}
	d.tx = ring{buf: st.TXBuf, head: st.TXHead, count: st.TXCount}
	d.pendingIIR = st.PendingIIR
	d.fifoEnabled = st.FIFOEnabled
	d.fifoTrigger = st.FIFOTrigger
	d.skipLF = st.SkipLF
	d.rxTimeout = st.RXTimeout
	d.irqHigh = st.IRQHigh

	if st.TimerArmed {
		d.timer.SetRelative(st.TimerDelta)
	} else {
		d.timer.Stop()
	}

	level := irq.LevelLow
	if d.irqHigh {
		level = irq.LevelHigh
	}
	d.help.SetIRQNoWait(irq.ControllerPIC, d.line, level, irq.Tag(d.irqs.Value()))

	if d.tx.count > 0 {
		select {
		case d.txCh <- struct{}{}:
		default:
		}
	}
	return nil
}

// ring is a fixed byte queue used for both FIFO directions.
type ring struct {
	buf   [fifoSize]byte
	head  int
	count int
}

func (r *ring) push(b byte) bool {
	if r.count >= fifoSize {
		return false
	}
	r.buf[(r.head+r.count)%fifoSize] = b
	r.count++
	return true
}

func (r *ring) pop() (byte, bool) {
	if r.count == 0 {
		return 0, false
	}
	b := r.buf[r.head]
	r.head = (r.head + 1) % fifoSize
	r.count--
	return b, true
}

func (r *ring) popInto(p []byte) int {
	n := 0
	for n < len(p) {
		b, ok := r.pop()
		if !ok {
			break
		}
		p[n] = b
		n++
	}
	return n
}

func (r *ring) clear() {
	r.head = 0
	r.count = 0
}

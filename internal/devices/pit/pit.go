// Package pit emulates the 8254 programmable interval timer at ports
// 0x40-0x43, with the channel 2 gate and speaker bits at port 0x61. Counter
// values are derived from the virtual clock, so reads never drift from the
// interrupt schedule; channel 0 drives IRQ 0 through a one-shot virtual timer
// re-armed every period.
package pit

import (
	"encoding/gob"
	"fmt"
	"io"
	"time"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/devmgr"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"
)

const (
	channelPortBase uint16 = 0x40
	gatePort        uint16 = 0x61

	inputFrequency = 1193182
	tickNs         = uint64(time.Second / inputFrequency)
)

// InterfaceID names the interface exported through queryInterface. The
// concrete type behind it is *Device; a speaker backend uses it to poll the
// channel 2 output without going through port 0x61.
const InterfaceID = "vdm.pit"

func init() {
	if err := devmgr.DefaultRegistry.RegisterType(devmgr.Registration{
		Name:        "pit",
		APIVersion:  devmgr.CurrentAPIVersion,
		Schema:      devmgr.SchemaV1,
		Class:       devmgr.ClassTimer,
		Description: "8254 programmable interval timer",
		New:         func() devmgr.Device { return &Device{} },
	}); err != nil {
		panic(err)
	}
}

// Device state is guarded by the instance section; port handlers and the
// channel 0 timer callback all run under it.
type Device struct {
	help devmgr.Helpers

	channels [3]channel
	timer    *vclock.Timer

	speakerData bool
	refresh     bool

	irqs *stats.Counter
}

var (
	_ devmgr.Device            = (*Device)(nil)
	_ devmgr.ResetHandler      = (*Device)(nil)
	_ devmgr.Snapshotter       = (*Device)(nil)
	_ devmgr.InterfaceProvider = (*Device)(nil)
)

func (d *Device) Construct(in *devmgr.Instance, cfg *cfgtree.Node, help devmgr.Helpers) error {
	d.help = help
	d.irqs = help.Counter("irqs")
	d.resetChannels()
	d.timer = help.NewTimer(vclock.DomainVirtual, "ch0", d.channel0Fired)

	h, err := help.NewPortRegion(4, timerPorts{d}, iobus.WithName("8254"), iobus.WithHotContext())
	if err != nil {
		return err
	}
	if err := help.MapPort(h, channelPortBase); err != nil {
		return err
	}
	h, err = help.NewPortRegion(1, gatePorts{d}, iobus.WithName("nmi-sts"), iobus.WithHotContext())
	if err != nil {
		return err
	}
	return help.MapPort(h, gatePort)
}

func (d *Device) Destruct(in *devmgr.Instance) error { return nil }

func (d *Device) LookupInterface(id string) any {
	if id == InterfaceID {
		return d
	}
	return nil
}

// Channel2OutputHigh reports the current channel 2 output level.
func (d *Device) Channel2OutputHigh() bool {
	sect := d.help.Section()
	sect.Enter(nil)
	defer sect.Leave()
	ch := &d.channels[2]
	_ = ch.currentCount(d.now())
	return ch.outputHigh
}

func (d *Device) Reset(in *devmgr.Instance, reason devmgr.ResetReason) {
	d.timer.Stop()
	d.resetChannels()
	d.speakerData = false
	d.refresh = false
}

func (d *Device) resetChannels() {
	for i := range d.channels {
		d.channels[i] = newChannel(i != 2)
	}
}

func (d *Device) now() uint64 { return d.help.Now(vclock.DomainVirtual) }

// channel0Fired runs on the scheduler goroutine under the instance section.
// The IRQ 0 pulse goes out as a flip-flop so the PIC sees a clean edge per
// period.
func (d *Device) channel0Fired(now uint64) {
	ch := &d.channels[0]
	if !ch.running || ch.nullCount {
		return
	}
	d.irqs.Inc()
	d.help.SetIRQNoWait(irq.ControllerPIC, 0, irq.LevelFlipFlop, irq.Tag(d.irqs.Value()))
	if ch.mode == mode0 {
		ch.outputHigh = true
		ch.running = false
		return
	}
	ch.loadedAt = now
	ch.outputHigh = true
	d.timer.SetRelative(uint64(ch.effectiveReload()) * tickNs)
}

func (d *Device) armChannel0() {
	ch := &d.channels[0]
	d.timer.Stop()
	if !ch.running {
		return
	}
	d.timer.SetRelative(uint64(ch.effectiveReload()) * tickNs)
}

func (d *Device) writeControl(now uint64, v byte) {
	sel := v >> 6
	if sel == 3 {
		d.readBack(now, readBackCommand(v))
		return
	}
	ch := &d.channels[sel]
	access := accessMode(v >> 4 & 0x3)
	if access == accessLatch {
		ch.latchCount(now)
		return
	}
	m := countMode(v >> 1 & 0x7)
	switch m {
	case 6:
		m = mode2
	case 7:
		m = mode3
	}
	ch.setControl(access, m, v&1 != 0)
	if sel == 0 {
		d.timer.Stop()
	}
}

func (d *Device) readBack(now uint64, cmd readBackCommand) {
	for i := range d.channels {
		if !cmd.selects(i) {
			continue
		}
		ch := &d.channels[i]
		if cmd.latchStatus() {
			ch.latchStatus()
		}
		if cmd.latchCount() {
			ch.latchCount(now)
		}
	}
}

// timerPorts covers 0x40-0x43.
type timerPorts struct{ d *Device }

func (p timerPorts) PortIn(ec hv.ExecutionContext, off uint16, size uint8) (uint64, error) {
	if size != 1 {
		return 0, iobus.ErrNotHandled
	}
	d := p.d
	switch off {
	case 0, 1, 2:
		return uint64(d.channels[off].read(d.now())), nil
	default:
		// The control word register is write-only.
		return 0xff, nil
	}
}

func (p timerPorts) PortOut(ec hv.ExecutionContext, off uint16, size uint8, value uint64) error {
	if size != 1 {
		return iobus.ErrNotHandled
	}
	d := p.d
	now := d.now()
	switch off {
	case 0, 1, 2:
		if d.channels[off].write(now, byte(value)) && off == 0 {
			d.armChannel0()
		}
	default:
		d.writeControl(now, byte(value))
	}
	return nil
}

// gatePorts covers port 0x61: bit 0 gates channel 2, bit 1 is the speaker
// data latch, bit 4 toggles on every read the way the refresh detect bit
// does, bit 5 mirrors the channel 2 output.
type gatePorts struct{ d *Device }

func (p gatePorts) PortIn(ec hv.ExecutionContext, off uint16, size uint8) (uint64, error) {
	if size != 1 || off != 0 {
		return 0, iobus.ErrNotHandled
	}
	d := p.d
	ch2 := &d.channels[2]
	// Pull the lazy counter state forward so the output bit is current.
	_ = ch2.currentCount(d.now())

	var v byte
	if ch2.gate {
		v |= 1 << 0
	}
	if d.speakerData {
		v |= 1 << 1
	}
	if d.refresh {
		v |= 1 << 4
	}
	if ch2.outputHigh {
		v |= 1 << 5
	}
	d.refresh = !d.refresh
	return uint64(v), nil
}

func (p gatePorts) PortOut(ec hv.ExecutionContext, off uint16, size uint8, value uint64) error {
	if size != 1 || off != 0 {
		return iobus.ErrNotHandled
	}
	d := p.d
	d.speakerData = value&(1<<1) != 0
	d.channels[2].setGate(d.now(), value&1 != 0)
	return nil
}

// State capture ------------------------------------------------------------

type channelState struct {
	Access     uint8
	Mode       uint8
	BCD        bool
	Pending    uint16
	ExpectHigh bool
	Reload     uint16
	Elapsed    uint64
	Running    bool
	NullCount  bool
	OutputHigh bool
	Gate       bool

	CountLatched  bool
	CountLatch    uint16
	StatusLatched bool
	StatusLatch   byte
	ReadHigh      bool
	ReadLatch     uint16
}

type deviceState struct {
	Channels    [3]channelState
	SpeakerData bool
	Refresh     bool
	TimerDelta  uint64
	TimerArmed  bool
}

func (d *Device) CaptureState(w io.Writer) error {
	now := d.now()
	var st deviceState
	for i := range d.channels {
		st.Channels[i] = d.channels[i].capture(now)
	}
	st.SpeakerData = d.speakerData
	st.Refresh = d.refresh
	if exp, armed := d.timer.Expire(); armed {
		st.TimerArmed = true
		if exp > now {
			st.TimerDelta = exp - now
		}
	}
	return gob.NewEncoder(w).Encode(st)
}

func (d *Device) RestoreState(r io.Reader) error {
	var st deviceState
	if err := gob.NewDecoder(r).Decode(&st); err != nil {
		return fmt.Errorf("pit: restore: %w", err)
	}
	now := d.now()
	for i := range d.channels {
		d.channels[i].restore(now, st.Channels[i])
	}
	d.speakerData = st.SpeakerData
	d.refresh = st.Refresh
	if st.TimerArmed {
		d.timer.SetRelative(st.TimerDelta)
	} else {
		d.timer.Stop()
	}
	return nil
}

func (ch *channel) capture(now uint64) channelState {
	elapsed := uint64(0)
	if now > ch.loadedAt {
		elapsed = now - ch.loadedAt
	}
	return channelState{
		Access:        uint8(ch.access),
		Mode:          uint8(ch.mode),
		BCD:           ch.bcd,
		Pending:       ch.pending,
		ExpectHigh:    ch.expectHigh,
		Reload:        ch.reload,
		Elapsed:       elapsed,
		Running:       ch.running,
		NullCount:     ch.nullCount,
		OutputHigh:    ch.outputHigh,
		Gate:          ch.gate,
		CountLatched:  ch.countLatched,
		CountLatch:    ch.countLatch,
		StatusLatched: ch.statusLatched,
		StatusLatch:   ch.statusLatch,
		ReadHigh:      ch.readHigh,
		ReadLatch:     ch.readLatch,
	}
}

func (ch *channel) restore(now uint64, st channelState) {
	*ch = channel{
		access:        accessMode(st.Access),
		mode:          countMode(st.Mode),
		bcd:           st.BCD,
		pending:       st.Pending,
		expectHigh:    st.ExpectHigh,
		reload:        st.Reload,
		loadedAt:      now - min(st.Elapsed, now),
		running:       st.Running,
		nullCount:     st.NullCount,
		outputHigh:    st.OutputHigh,
		gate:          st.Gate,
		countLatched:  st.CountLatched,
		countLatch:    st.CountLatch,
		statusLatched: st.StatusLatched,
		statusLatch:   st.StatusLatch,
		readHigh:      st.ReadHigh,
		readLatch:     st.ReadLatch,
	}
}

package playground

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/tinyrange/vdm/internal/devmgr"
	"github.com/tinyrange/vdm/internal/dma"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/pcibus"
	"github.com/tinyrange/vdm/internal/vclock"
)

const (
	barMem uint64 = 0xe0000000
	barIO  uint16 = 0xc000
)

var pirqPIC = [4]uint32{5, 9, 10, 11}

type lineEvent struct {
	line uint32
	high bool
}

type lineRecorder struct {
	mu     sync.Mutex
	events []lineEvent
}

func (r *lineRecorder) SetLineLevel(line uint32, high bool, tag irq.Tag) {
	r.mu.Lock()
	r.events = append(r.events, lineEvent{line: line, high: high})
	r.mu.Unlock()
}

func (r *lineRecorder) level(line uint32) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := len(r.events) - 1; i >= 0; i-- {
		if r.events[i].line == line {
			return r.events[i].high
		}
	}
	return false
}

func (r *lineRecorder) countLine(line uint32) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.line == line {
			n++
		}
	}
	return n
}

type msiEvent struct {
	addr uint64
	data uint64
}

type msiRecorder struct {
	mu     sync.Mutex
	events []msiEvent
}

func (m *msiRecorder) MSIWrite(addr, data uint64) error {
	m.mu.Lock()
	m.events = append(m.events, msiEvent{addr: addr, data: data})
	m.mu.Unlock()
	return nil
}

func (m *msiRecorder) snapshot() []msiEvent {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]msiEvent(nil), m.events...)
}

type rig struct {
	iot  *iobus.Table
	rt   *irq.Router
	bus  *pcibus.Bus
	dmac *dma.Controller
	mem  *hv.BufferMemory
	mgr  *devmgr.Manager
	inst *devmgr.Instance
	dev  *Device
	pic  *lineRecorder
	msi  *msiRecorder
}

func newRig(t *testing.T) *rig {
	t.Helper()

	sched := vclock.NewScheduler(nil)
	t.Cleanup(func() { sched.Close() })

	iot := iobus.New(nil)
	rt := irq.New(nil)

	pic := &lineRecorder{}
	if err := rt.RegisterBackend(irq.ControllerPIC, pic); err != nil {
		t.Fatalf("register pic recorder: %v", err)
	}
	msi := &msiRecorder{}
	if err := rt.RegisterMSITarget(msi); err != nil {
		t.Fatalf("register msi recorder: %v", err)
	}

	bus, err := pcibus.New(rt, iot, nil,
		pcibus.WithPIRQRouting(pirqPIC, [4]uint32{16, 17, 18, 19}))
	if err != nil {
		t.Fatalf("new bus: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	served := make(chan struct{})
	go func() {
		defer close(served)
		_ = rt.Serve(ctx)
	}()
	t.Cleanup(func() {
		cancel()
		<-served
	})

	mem := hv.NewBufferMemory(0x20000)
	dmac := dma.New(nil, mem)
	if err := dmac.Attach(iot); err != nil {
		t.Fatalf("attach dma: %v", err)
	}

	mgr, err := devmgr.NewManager(devmgr.DefaultRegistry, devmgr.Deps{
		Clock:  sched,
		IO:     iot,
		IRQ:    rt,
		PCI:    bus,
		DMA:    dmac,
		Memory: mem,
	})
	if err != nil {
		t.Fatalf("new manager: %v", err)
	}
	t.Cleanup(mgr.DestroyAll)

	inst, err := mgr.CreateInstance("playground", 0, nil)
	if err != nil {
		t.Fatalf("create playground: %v", err)
	}
	dev, ok := inst.QueryInterface(InterfaceID).(*Device)
	if !ok {
		t.Fatalf("query %q: no device", InterfaceID)
	}
	return &rig{iot: iot, rt: rt, bus: bus, dmac: dmac, mem: mem,
		mgr: mgr, inst: inst, dev: dev, pic: pic, msi: msi}
}

func (r *rig) powerOn(t *testing.T) {
	t.Helper()
	if err := r.mgr.PowerOnAll(context.Background()); err != nil {
		t.Fatalf("power on: %v", err)
	}
}

func (r *rig) slot() (uint8, uint8) { return r.dev.fn.Slot() }

func (r *rig) picLine() uint32 {
	dev, _ := r.slot()
	return pirqPIC[dev&3] // INTA swizzle
}

func (r *rig) cfgWr(reg uint16, size uint8, value uint32) {
	dev, fn := r.slot()
	r.bus.ConfigWrite(0, dev, fn, reg, size, value)
}

func (r *rig) cfgRd(reg uint16, size uint8) uint32 {
	dev, fn := r.slot()
	return r.bus.ConfigRead(0, dev, fn, reg, size)
}

// mapDevice programs both BARs and enables decoding.
func (r *rig) mapDevice(t *testing.T) {
	t.Helper()
	r.cfgWr(0x10, 4, uint32(barMem))
	r.cfgWr(0x14, 4, uint32(barIO))
	r.cfgWr(0x04, 2, pcibus.CommandMemEnable|pcibus.CommandIOEnable)
}

func (r *rig) wr32(t *testing.T, off uint64, v uint32) {
	t.Helper()
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	if err := r.iot.MMIOWrite(hv.ContextUser, barMem+off, buf[:]); err != nil {
		t.Fatalf("mmio write 0x%03x: %v", off, err)
	}
}

func (r *rig) rd32(t *testing.T, off uint64) uint32 {
	t.Helper()
	var buf [4]byte
	if err := r.iot.MMIORead(hv.ContextUser, barMem+off, buf[:]); err != nil {
		t.Fatalf("mmio read 0x%03x: %v", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:])
}

// syncIRQ orders the test after pending router posts.
func (r *rig) syncIRQ() {
	r.rt.SetLine(irq.ControllerPIC, 15, irq.LevelLow, 0, "test-sync")
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(200 * time.Microsecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestIdentityAndRegisterFile(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)

	if got := r.rd32(t, regIdent); got != identValue {
		t.Fatalf("ident = 0x%08x, want 0x%08x", got, uint32(identValue))
	}

	r.wr32(t, regInversion, 0x12345678)
	if got := r.rd32(t, regInversion); got != 0xedcba987 {
		t.Fatalf("inversion = 0x%08x, want 0xedcba987", got)
	}

	// Partial register writes merge read-modify-write.
	r.wr32(t, regScratch, 0x11223344)
	if err := r.iot.MMIOWrite(hv.ContextUser, barMem+regScratch+1, []byte{0xaa}); err != nil {
		t.Fatalf("byte write: %v", err)
	}
	if got := r.rd32(t, regScratch); got != 0x1122aa44 {
		t.Fatalf("scratch = 0x%08x, want 0x1122aa44", got)
	}
}

func TestINTxFollowsStatus(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)
	line := r.picLine()

	r.wr32(t, regIRQRaise, statusWork)
	r.syncIRQ()
	if !r.pic.level(line) {
		t.Fatalf("intx low after raise")
	}
	if got := r.rd32(t, regIRQStatus); got != statusWork {
		t.Fatalf("status = 0x%x, want 0x%x", got, uint32(statusWork))
	}

	// A second source keeps the pin high until both are acknowledged.
	r.wr32(t, regIRQRaise, statusDMA)
	r.wr32(t, regIRQAck, statusWork)
	r.syncIRQ()
	if !r.pic.level(line) {
		t.Fatalf("intx dropped with dma bit still pending")
	}

	r.wr32(t, regIRQAck, statusDMA)
	r.syncIRQ()
	if r.pic.level(line) {
		t.Fatalf("intx still high after full ack")
	}
}

func TestMSIModeDelivery(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)

	// Enable MSI with both vectors and program the message.
	r.cfgWr(0x42, 2, 0x0011)
	r.cfgWr(0x44, 4, 0xfee00000)
	r.cfgWr(0x48, 4, 0)
	r.cfgWr(0x4c, 2, 0x0050)
	r.wr32(t, regIRQMode, irqModeMSI)

	line := r.picLine()
	before := r.pic.countLine(line)
	r.wr32(t, regIRQRaise, statusTimer)
	r.wr32(t, regIRQRaise, statusDMA)
	r.syncIRQ()

	got := r.msi.snapshot()
	if len(got) != 2 {
		t.Fatalf("msi events = %v, want 2", got)
	}
	if got[0] != (msiEvent{addr: 0xfee00000, data: 0x50}) {
		t.Fatalf("timer msi = %+v, want vector 0", got[0])
	}
	if got[1] != (msiEvent{addr: 0xfee00000, data: 0x51}) {
		t.Fatalf("event msi = %+v, want vector 1", got[1])
	}
	if r.pic.countLine(line) != before {
		t.Fatalf("intx traffic in msi mode")
	}

	// Status still accumulates and clears normally.
	if got := r.rd32(t, regIRQStatus); got != statusTimer|statusDMA {
		t.Fatalf("status = 0x%x", got)
	}
	r.wr32(t, regIRQAck, statusTimer|statusDMA)
	if got := r.rd32(t, regIRQStatus); got != 0 {
		t.Fatalf("status = 0x%x after ack", got)
	}
}

func TestMSIXModeDelivery(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)

	// MSI-X sits behind MSI in the capability chain, table on BAR 2.
	if got := r.cfgRd(0x34, 1); got != 0x50 {
		t.Fatalf("cap ptr = 0x%02x, want 0x50", got)
	}
	if got := r.cfgRd(0x50, 1); got != 0x11 {
		t.Fatalf("msi-x cap id = 0x%02x, want 0x11", got)
	}
	if got := r.cfgRd(0x51, 1); got != 0x40 {
		t.Fatalf("msi-x next ptr = 0x%02x, want 0x40", got)
	}
	if got := r.cfgRd(0x54, 4); got != 2 {
		t.Fatalf("table locator = 0x%x, want bir 2", got)
	}
	if got := r.cfgRd(0x58, 4); got != 0x22 {
		t.Fatalf("pba locator = 0x%x, want 0x22", got)
	}

	const barMSIX uint64 = 0xe0010000
	r.cfgWr(0x18, 4, uint32(barMSIX))

	wrTable := func(off uint64, v uint32) {
		var buf [4]byte
		binary.LittleEndian.PutUint32(buf[:], v)
		if err := r.iot.MMIOWrite(hv.ContextUser, barMSIX+off, buf[:]); err != nil {
			t.Fatalf("msix table write 0x%02x: %v", off, err)
		}
	}
	for vec := uint64(0); vec < 2; vec++ {
		wrTable(vec*16+0, 0xfee00000)
		wrTable(vec*16+4, 0)
		wrTable(vec*16+8, 0x60+uint32(vec))
		wrTable(vec*16+12, 0) // unmask
	}
	r.cfgWr(0x52, 2, 0x8000)
	r.wr32(t, regIRQMode, irqModeMSI)

	line := r.picLine()
	before := r.pic.countLine(line)
	r.wr32(t, regIRQRaise, statusTimer)
	r.wr32(t, regIRQRaise, statusWork)
	r.syncIRQ()

	got := r.msi.snapshot()
	if len(got) != 2 {
		t.Fatalf("msi events = %v, want 2", got)
	}
	if got[0] != (msiEvent{addr: 0xfee00000, data: 0x60}) {
		t.Fatalf("timer msi-x = %+v, want vector 0", got[0])
	}
	if got[1] != (msiEvent{addr: 0xfee00000, data: 0x61}) {
		t.Fatalf("event msi-x = %+v, want vector 1", got[1])
	}
	if r.pic.countLine(line) != before {
		t.Fatalf("intx traffic in msi-x mode")
	}
}

func TestTimerTicksPeriodically(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)

	r.wr32(t, regTimerInterval, 1_000_000) // 1ms of virtual time
	waitFor(t, "two timer ticks", func() bool {
		return r.rd32(t, regTimerTicks) >= 2
	})
	r.wr32(t, regTimerInterval, 0)

	if got := r.rd32(t, regIRQStatus); got&statusTimer == 0 {
		t.Fatalf("status = 0x%x, timer bit clear", got)
	}
	r.syncIRQ()
	if !r.pic.level(r.picLine()) {
		t.Fatalf("intx low with timer bit pending")
	}
}

func TestWorkerComputesFactorials(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)
	r.powerOn(t)

	r.wr32(t, regWorkPush, 5)
	r.wr32(t, regWorkPush, 10)

	// 5! + 10!
	const want = 120 + 3628800
	waitFor(t, "work sum", func() bool {
		return r.rd32(t, regWorkSumLo) == want
	})
	waitFor(t, "empty queue", func() bool {
		return r.rd32(t, regWorkDepth) == 0
	})
	if got := r.rd32(t, regWorkSumHi); got != 0 {
		t.Fatalf("sum high = 0x%x, want 0", got)
	}
	if got := r.rd32(t, regIRQStatus); got&statusWork == 0 {
		t.Fatalf("status = 0x%x, work bit clear", got)
	}
}

func TestWorkQueueOverflow(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)

	// The worker is parked until power-on, so the queue fills.
	for i := 0; i < queueDepth; i++ {
		r.wr32(t, regWorkPush, uint32(i))
	}
	if got := r.rd32(t, regWorkDepth); got != queueDepth {
		t.Fatalf("depth = %d, want %d", got, queueDepth)
	}
	if got := r.rd32(t, regIRQStatus); got&statusOverflow != 0 {
		t.Fatalf("overflow set while the queue still had room")
	}

	r.wr32(t, regWorkPush, 99)
	if got := r.rd32(t, regWorkDepth); got != queueDepth {
		t.Fatalf("depth = %d after overflow push", got)
	}
	if got := r.rd32(t, regIRQStatus); got&statusOverflow == 0 {
		t.Fatalf("status = 0x%x, overflow bit clear", got)
	}
}

// programByteChannel sets up a channel on the byte bank: mode, address,
// count (transfers minus one), page, then unmasks it.
func (r *rig) programByteChannel(t *testing.T, ch int, mode uint8, addr, count uint16, page uint8) {
	t.Helper()
	outb := func(port uint16, v uint8) {
		if err := r.iot.PortOut(hv.ContextUser, port, 1, uint64(v)); err != nil {
			t.Fatalf("out 0x%02x: %v", port, err)
		}
	}
	base := uint16(ch) << 1
	outb(0x0c, 0)
	outb(0x0b, mode|uint8(ch))
	outb(base, uint8(addr))
	outb(base, uint8(addr>>8))
	outb(base+1, uint8(count))
	outb(base+1, uint8(count>>8))
	pagePorts := [4]uint16{0x87, 0x83, 0x81, 0x82}
	outb(pagePorts[ch], page)
	outb(0x0a, uint8(ch)) // unmask
}

func TestDMARoundTrip(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)
	r.powerOn(t)

	payload := []byte("the quick brown fox jumps over..")
	if _, err := r.mem.WriteAt(payload, 0x4000); err != nil {
		t.Fatalf("seed memory: %v", err)
	}

	// Guest memory into the device buffer. Mode 0x48: single transfer,
	// memory to device.
	r.wr32(t, regDMACtl, 0)
	r.wr32(t, regDMABufOff, 0)
	r.programByteChannel(t, 3, 0x48, 0x4000, uint16(len(payload)-1), 0)
	r.wr32(t, regDMADoorbell, 1)
	if r.dmac.Run() {
		t.Fatalf("dma still pending after run")
	}

	if got := r.rd32(t, regDMAMoved); got != uint32(len(payload)) {
		t.Fatalf("moved = %d, want %d", got, len(payload))
	}
	buf := make([]byte, len(payload))
	if err := r.iot.MMIORead(hv.ContextUser, barMem+bufferBase, buf); err != nil {
		t.Fatalf("read buffer: %v", err)
	}
	if !bytes.Equal(buf, payload) {
		t.Fatalf("buffer = %q, want %q", buf, payload)
	}

	// Back out to guest memory from offset 0, with a completion interrupt.
	// Mode 0x44: single transfer, device to memory.
	r.wr32(t, regDMACtl, dmaCtlToGuest|dmaCtlIRQ)
	r.wr32(t, regDMABufOff, 0)
	r.programByteChannel(t, 3, 0x44, 0x5000, uint16(len(payload)-1), 0)
	r.wr32(t, regDMADoorbell, 1)
	if r.dmac.Run() {
		t.Fatalf("dma still pending after second run")
	}

	got := make([]byte, len(payload))
	if _, err := r.mem.ReadAt(got, 0x5000); err != nil {
		t.Fatalf("read memory: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("memory = %q, want %q", got, payload)
	}
	if st := r.rd32(t, regIRQStatus); st&statusDMA == 0 {
		t.Fatalf("status = 0x%x, dma bit clear", st)
	}
	r.syncIRQ()
	if !r.pic.level(r.picLine()) {
		t.Fatalf("intx low after dma completion")
	}
}

func TestEchoPortBARAndRemap(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)

	if err := r.iot.PortOut(hv.ContextUser, barIO, 4, 0xdeadbeef); err != nil {
		t.Fatalf("latch write: %v", err)
	}
	v, err := r.iot.PortIn(hv.ContextUser, barIO, 4)
	if err != nil {
		t.Fatalf("latch read: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("latch = 0x%08x, want 0xdeadbeef", v)
	}
	v, err = r.iot.PortIn(hv.ContextUser, barIO+4, 4)
	if err != nil {
		t.Fatalf("complement read: %v", err)
	}
	if v != 0x21524110 {
		t.Fatalf("complement = 0x%08x, want 0x21524110", v)
	}

	// Moving the BAR revokes the old window and preserves the latch.
	r.cfgWr(0x14, 4, uint32(barIO)+0x100)
	if _, err := r.iot.PortIn(hv.ContextUser, barIO, 4); !errors.Is(err, iobus.ErrNotHandled) {
		t.Fatalf("old window err = %v, want not handled", err)
	}
	v, err = r.iot.PortIn(hv.ContextUser, barIO+0x100, 4)
	if err != nil {
		t.Fatalf("new window read: %v", err)
	}
	if v != 0xdeadbeef {
		t.Fatalf("latch = 0x%08x after remap", v)
	}
}

func TestConfigInterceptMakesCacheLineStick(t *testing.T) {
	r := newRig(t)

	r.cfgWr(0x0c, 1, 0x10)
	r.cfgWr(0x0d, 1, 0x40)
	if got := r.cfgRd(0x0c, 4); got != 0x4010 {
		t.Fatalf("cache line dword = 0x%08x, want 0x00004010", got)
	}

	// The default policy still runs underneath: the header type byte in
	// the same dword stays read-only.
	r.cfgWr(0x0c, 4, 0xffaa5511)
	if got := r.cfgRd(0x0c, 4); got != 0x5511 {
		t.Fatalf("cache line dword = 0x%08x, want 0x00005511", got)
	}

	// And identity registers remain immutable.
	r.cfgWr(0x00, 4, 0x12345678)
	if got := r.cfgRd(0x00, 4); got != 0x11e81234 {
		t.Fatalf("identity = 0x%08x", got)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)

	r.wr32(t, regScratch, 0xfeedc0de)
	r.wr32(t, regInversion, 1)
	r.wr32(t, regWorkPush, 7)
	r.wr32(t, regWorkPush, 9)
	r.wr32(t, regIRQRaise, statusDMA)
	if err := r.iot.MMIOWrite(hv.ContextUser, barMem+bufferBase, []byte("snap")); err != nil {
		t.Fatalf("buffer write: %v", err)
	}

	var state bytes.Buffer
	sect := r.inst.Section()
	sect.Enter(nil)
	err := r.dev.CaptureState(&state)
	sect.Leave()
	if err != nil {
		t.Fatalf("capture: %v", err)
	}

	r2 := newRig(t)
	sect = r2.inst.Section()
	sect.Enter(nil)
	err = r2.dev.RestoreState(&state)
	sect.Leave()
	if err != nil {
		t.Fatalf("restore: %v", err)
	}
	r2.mapDevice(t)

	r2.syncIRQ()
	if !r2.pic.level(r2.picLine()) {
		t.Fatalf("restored intx not reasserted")
	}
	if got := r2.rd32(t, regScratch); got != 0xfeedc0de {
		t.Fatalf("scratch = 0x%08x", got)
	}
	if got := r2.rd32(t, regInversion); got != ^uint32(1) {
		t.Fatalf("inversion = 0x%08x", got)
	}
	if got := r2.rd32(t, regWorkDepth); got != 2 {
		t.Fatalf("depth = %d, want 2", got)
	}
	buf := make([]byte, 4)
	if err := r2.iot.MMIORead(hv.ContextUser, barMem+bufferBase, buf); err != nil {
		t.Fatalf("buffer read: %v", err)
	}
	if string(buf) != "snap" {
		t.Fatalf("buffer = %q", buf)
	}
}

func TestResetClearsState(t *testing.T) {
	r := newRig(t)
	r.mapDevice(t)
	r.powerOn(t)

	r.wr32(t, regScratch, 0x1234)
	r.wr32(t, regTimerInterval, 50_000_000)
	r.wr32(t, regIRQRaise, statusWork)
	r.syncIRQ()
	if !r.pic.level(r.picLine()) {
		t.Fatalf("intx low before reset")
	}

	r.mgr.ResetAll(devmgr.ResetFull)
	r.syncIRQ()

	if got := r.rd32(t, regScratch); got != 0 {
		t.Fatalf("scratch = 0x%x after reset", got)
	}
	if got := r.rd32(t, regTimerInterval); got != 0 {
		t.Fatalf("interval = %d after reset", got)
	}
	if got := r.rd32(t, regIRQStatus); got != 0 {
		t.Fatalf("status = 0x%x after reset", got)
	}
	if r.pic.level(r.picLine()) {
		t.Fatalf("intx still high after reset")
	}
}

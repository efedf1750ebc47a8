package vdm_test

import (
	"bytes"
	"context"
	"encoding/binary"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	vdm "github.com/tinyrange/vdm"
)

const (
	addrPort = 0xcf8
	dataPort = 0xcfc

	barMem = 0xe000_0000

	playgroundID = 0x11e81234
)

// startMachine builds a machine, runs its service loop in the background
// and tears everything down in reverse order when the test ends.
func startMachine(t *testing.T, opts ...vdm.Option) (*vdm.Machine, context.Context) {
	t.Helper()

	m, err := vdm.New(opts...)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		require.NoError(t, <-done)
		require.NoError(t, m.Close())
	})
	return m, ctx
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

func outb(t *testing.T, m *vdm.Machine, port uint16, v uint8) {
	t.Helper()
	require.NoError(t, m.PortOut(vdm.ContextUser, port, 1, uint64(v)))
}

func confAddr(dev, fn uint8, reg uint16) uint32 {
	return 1<<31 | uint32(dev)<<11 | uint32(fn)<<8 | uint32(reg&0xfc)
}

func cfgWr(t *testing.T, m *vdm.Machine, dev uint8, reg uint16, size uint8, value uint64) {
	t.Helper()
	require.NoError(t, m.PortOut(vdm.ContextUser, addrPort, 4, uint64(confAddr(dev, 0, reg))))
	require.NoError(t, m.PortOut(vdm.ContextUser, dataPort+reg&3, size, value))
}

func cfgRd(t *testing.T, m *vdm.Machine, dev uint8, reg uint16, size uint8) uint64 {
	t.Helper()
	require.NoError(t, m.PortOut(vdm.ContextUser, addrPort, 4, uint64(confAddr(dev, 0, reg))))
	got, err := m.PortIn(vdm.ContextUser, dataPort+reg&3, size)
	require.NoError(t, err)
	return got
}

// probeSlot scans bus 0 the way firmware does and returns the device
// number answering with the wanted vendor/device dword.
func probeSlot(t *testing.T, m *vdm.Machine, id uint32) uint8 {
	t.Helper()
	for dev := uint8(0); dev < 32; dev++ {
		if uint32(cfgRd(t, m, dev, 0, 4)) == id {
			return dev
		}
	}
	t.Fatalf("no function on bus 0 answers with %08x", id)
	return 0
}

func wr32(t *testing.T, m *vdm.Machine, addr uint64, v uint32) {
	t.Helper()
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	require.NoError(t, m.MMIOWrite(vdm.ContextUser, addr, b[:]))
}

func rd32(t *testing.T, m *vdm.Machine, addr uint64) uint32 {
	t.Helper()
	var b [4]byte
	require.NoError(t, m.MMIORead(vdm.ContextUser, addr, b[:]))
	return binary.LittleEndian.Uint32(b[:])
}

func TestMachineDefaults(t *testing.T) {
	m, _ := startMachine(t)

	require.Equal(t, uint64(16<<20), m.Memory().Size())

	_, err := m.PortIn(vdm.ContextUser, 0x5ff, 1)
	require.ErrorIs(t, err, vdm.ErrNotHandled)
}

func TestConfigSizesMemory(t *testing.T) {
	m, _ := startMachine(t, vdm.WithConfigYAML([]byte("machine:\n  memory-mb: 4\n")))
	require.Equal(t, uint64(4<<20), m.Memory().Size())
}

func TestBadDescriptionSurfaces(t *testing.T) {
	_, err := vdm.New(vdm.WithConfigYAML([]byte("devices: [uart]\n")))
	require.Error(t, err)
}

func TestCreateConfigured(t *testing.T) {
	desc := []byte(`
devices:
  pic:
    0: {}
  pit:
    0: {}
  uart:
    0:
      base: 760
`)
	m, _ := startMachine(t, vdm.WithConfigYAML(desc))
	require.NoError(t, m.CreateConfigured())

	for _, name := range []string{"pic", "pit", "uart"} {
		_, ok := m.Find(name, 0)
		require.True(t, ok, "missing %s", name)
	}

	// The serial port moved to 0x2f8; line status reads idle there and
	// nothing answers at the default base.
	got, err := m.PortIn(vdm.ContextUser, 760+5, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x60), got)
	_, err = m.PortIn(vdm.ContextUser, 0x3f8+5, 1)
	require.ErrorIs(t, err, vdm.ErrNotHandled)
}

func TestCreateDeviceErrors(t *testing.T) {
	m, _ := startMachine(t, vdm.WithConfigYAML([]byte("devices:\n  uart:\n    first: {}\n")))

	_, err := m.CreateDevice("flux-capacitor", 0)
	require.ErrorIs(t, err, vdm.ErrUnknownType)

	err = m.CreateConfigured()
	require.Error(t, err)
	require.Contains(t, err.Error(), "first")
}

// probeDevice is a minimal out-of-tree device built purely against the
// root package surface.
type probeDevice struct {
	help vdm.Helpers
}

func (d *probeDevice) Construct(in *vdm.Instance, cfg *vdm.ConfigNode, help vdm.Helpers) error {
	d.help = help
	h, err := help.NewPortRegion(1, vdm.PortFuncs{
		In: func(_ vdm.ExecutionContext, _ uint16, size uint8) (uint64, error) {
			if size != 1 {
				return 0, vdm.ErrNotHandled
			}
			return 0x5a, nil
		},
	}, vdm.WithRegionName("probe"))
	if err != nil {
		return err
	}
	return help.MapPort(h, uint16(cfg.Uint64Def("base", 0x500)))
}

func (d *probeDevice) Destruct(in *vdm.Instance) error { return nil }

func TestCustomDeviceType(t *testing.T) {
	reg := vdm.Registration{
		Name:       "probe",
		APIVersion: vdm.CurrentAPIVersion,
		Schema:     vdm.SchemaV1,
		Class:      vdm.ClassMisc,
		New:        func() vdm.Device { return &probeDevice{} },
	}
	desc := []byte("devices:\n  probe:\n    0:\n      base: 1296\n")
	m, _ := startMachine(t, vdm.WithDeviceType(reg), vdm.WithConfigYAML(desc))
	require.NoError(t, m.CreateConfigured())

	got, err := m.PortIn(vdm.ContextUser, 1296, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0x5a), got)

	// Types are process-global, so registering the same name again fails.
	_, err = vdm.New(vdm.WithDeviceType(reg))
	require.Error(t, err)
}

// consoleBuffer collects UART output. Its empty reader detaches the
// receive side immediately.
type consoleBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *consoleBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *consoleBuffer) Read(p []byte) (int, error) { return 0, io.EOF }

func (b *consoleBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestConsoleSeesTransmit(t *testing.T) {
	console := &consoleBuffer{}
	m, ctx := startMachine(t,
		vdm.WithConfigYAML([]byte("devices:\n  uart:\n    0: {}\n")),
		vdm.WithConsole(console))
	require.NoError(t, m.CreateConfigured())
	require.NoError(t, m.PowerOn(ctx))

	outb(t, m, 0x3f8, 'h')
	waitFor(t, "first byte on the console", func() bool {
		return strings.Contains(console.String(), "h")
	})
	outb(t, m, 0x3f8, 'i')
	waitFor(t, "second byte on the console", func() bool {
		return strings.Contains(console.String(), "hi")
	})
}

const pciDesc = `
devices:
  pcihost:
    0: {}
  playground:
    0:
      dma: 3
`

func TestHostBridgeProbing(t *testing.T) {
	m, _ := startMachine(t, vdm.WithConfigYAML([]byte(pciDesc)))
	require.NoError(t, m.CreateConfigured())

	dev := probeSlot(t, m, playgroundID)
	require.NotZero(t, dev)

	// The host bridge itself answers at 0:0.0 and empty slots float.
	require.Equal(t, uint64(0x12378086), cfgRd(t, m, 0, 0, 4))
	require.Equal(t, uint64(0xffffffff), cfgRd(t, m, 31, 0, 4))
}

type msiSink struct {
	mu     sync.Mutex
	events [][2]uint64
}

func (s *msiSink) record(addr, data uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, [2]uint64{addr, data})
	return nil
}

func (s *msiSink) snapshot() [][2]uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][2]uint64(nil), s.events...)
}

func TestMSIDeliveryReachesCPU(t *testing.T) {
	sink := &msiSink{}
	m, _ := startMachine(t,
		vdm.WithConfigYAML([]byte(pciDesc)),
		vdm.WithCPUNotifier(vdm.SimpleCPUNotifier{MSIFunc: sink.record}))
	require.NoError(t, m.CreateConfigured())

	dev := probeSlot(t, m, playgroundID)
	cfgWr(t, m, dev, 0x10, 4, barMem)
	cfgWr(t, m, dev, 0x04, 2, 0x0002)

	// Enable MSI with two vectors and a distinctive message.
	cfgWr(t, m, dev, 0x42, 2, 0x0011)
	cfgWr(t, m, dev, 0x44, 4, 0xfee00000)
	cfgWr(t, m, dev, 0x48, 4, 0)
	cfgWr(t, m, dev, 0x4c, 2, 0x0050)

	wr32(t, m, barMem+0x0c, 1) // interrupt mode: MSI
	wr32(t, m, barMem+0x14, 1) // raise the timer cause

	waitFor(t, "first message", func() bool { return len(sink.snapshot()) >= 1 })
	ev := sink.snapshot()[0]
	require.Equal(t, uint64(0xfee00000), ev[0])
	require.Equal(t, uint64(0x50), ev[1])

	wr32(t, m, barMem+0x14, 4) // raise the DMA cause, second vector
	waitFor(t, "second message", func() bool { return len(sink.snapshot()) >= 2 })
	require.Equal(t, uint64(0x51), sink.snapshot()[1][1])
}

func TestDMADoorbellMovesMemory(t *testing.T) {
	m, _ := startMachine(t, vdm.WithConfigYAML([]byte(pciDesc)))
	require.NoError(t, m.CreateConfigured())

	dev := probeSlot(t, m, playgroundID)
	cfgWr(t, m, dev, 0x10, 4, barMem)
	cfgWr(t, m, dev, 0x04, 2, 0x0002)

	payload := []byte("machine level dma exercise bytes")
	require.Len(t, payload, 32)
	_, err := m.Memory().WriteAt(payload, 0x4000)
	require.NoError(t, err)

	// Program channel 3 for a single-mode guest-to-device transfer.
	outb(t, m, 0x0c, 0)
	outb(t, m, 0x0b, 0x4b)
	outb(t, m, 0x06, 0x00)
	outb(t, m, 0x06, 0x40)
	outb(t, m, 0x07, 31)
	outb(t, m, 0x07, 0)
	outb(t, m, 0x82, 0)
	outb(t, m, 0x0a, 3)

	wr32(t, m, barMem+0x44, 0) // direction: guest memory to buffer
	wr32(t, m, barMem+0x48, 0)
	wr32(t, m, barMem+0x40, 1) // doorbell

	waitFor(t, "transfer completion", func() bool {
		return rd32(t, m, barMem+0x4c) == 32
	})

	got := make([]byte, 32)
	for off := 0; off < len(got); off += 4 {
		binary.LittleEndian.PutUint32(got[off:], rd32(t, m, barMem+0x800+uint64(off)))
	}
	require.Equal(t, payload, got)
}

func TestSnapshotAcrossSuspend(t *testing.T) {
	m, ctx := startMachine(t, vdm.WithConfigYAML([]byte("devices:\n  uart:\n    0: {}\n")))
	require.NoError(t, m.CreateConfigured())
	require.NoError(t, m.PowerOn(ctx))

	outb(t, m, 0x3f8+7, 0xab) // scratch register
	require.NoError(t, m.Suspend())

	var snap bytes.Buffer
	require.NoError(t, m.CaptureState(&snap))

	outb(t, m, 0x3f8+7, 0x11)
	require.NoError(t, m.RestoreState(bytes.NewReader(snap.Bytes())))

	got, err := m.PortIn(vdm.ContextUser, 0x3f8+7, 1)
	require.NoError(t, err)
	require.Equal(t, uint64(0xab), got)

	require.NoError(t, m.Resume())
}

func TestResetBroadcast(t *testing.T) {
	m, ctx := startMachine(t, vdm.WithConfigYAML([]byte("devices:\n  uart:\n    0: {}\n")))
	require.NoError(t, m.CreateConfigured())
	require.NoError(t, m.PowerOn(ctx))

	outb(t, m, 0x3f8+7, 0x42)
	m.Reset(vdm.ResetFull)

	got, err := m.PortIn(vdm.ContextUser, 0x3f8+7, 1)
	require.NoError(t, err)
	require.Zero(t, got)
}

func TestStatsAggregate(t *testing.T) {
	m, _ := startMachine(t, vdm.WithConfigYAML([]byte("devices:\n  pic:\n    0: {}\n")))
	require.NoError(t, m.CreateConfigured())

	_, _ = m.PortIn(vdm.ContextUser, 0x5ff, 1)

	samples := m.Stats()
	require.NotEmpty(t, samples)
	for i := 1; i < len(samples); i++ {
		require.Less(t, samples[i-1].Name, samples[i].Name)
	}

	byName := make(map[string]uint64, len(samples))
	for _, s := range samples {
		byName[s.Name] = s.Value
	}
	require.Contains(t, byName, "io/misses")
	require.NotZero(t, byName["io/misses"])

	var devSeen bool
	for name := range byName {
		if strings.HasPrefix(name, "dev/pic/0/") {
			devSeen = true
		}
	}
	require.True(t, devSeen, "no device counters in %v", samples)

	var table bytes.Buffer
	require.NoError(t, m.WriteStats(&table))
	require.Contains(t, table.String(), "io/misses")
}

func TestTimeFreezesAcrossSuspend(t *testing.T) {
	// A pic alongside the PCI pair gives the routed INTx a sink.
	desc := pciDesc + "  pic:\n    0: {}\n"
	m, ctx := startMachine(t, vdm.WithConfigYAML([]byte(desc)))
	require.NoError(t, m.CreateConfigured())
	require.NoError(t, m.PowerOn(ctx))

	dev := probeSlot(t, m, playgroundID)
	cfgWr(t, m, dev, 0x10, 4, barMem)
	cfgWr(t, m, dev, 0x04, 2, 0x0002)

	// A 1ms periodic timer ticks while running and holds still while
	// suspended.
	wr32(t, m, barMem+0x20, 1_000_000)
	waitFor(t, "timer ticks", func() bool { return rd32(t, m, barMem+0x24) >= 2 })

	require.NoError(t, m.Suspend())
	frozen := rd32(t, m, barMem+0x24)
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, frozen, rd32(t, m, barMem+0x24))

	require.NoError(t, m.Resume())
	waitFor(t, "timer resumes", func() bool { return rd32(t, m, barMem+0x24) > frozen })

	wr32(t, m, barMem+0x20, 0)
}

func TestRunStopsOnCancel(t *testing.T) {
	m, err := vdm.New()
	require.NoError(t, err)
	defer func() { require.NoError(t, m.Close()) }()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not stop")
	}
}

// Command vdm assembles the demo machine and exercises it the way guest
// firmware would: it programs the interrupt controllers, transmits on the
// serial port, runs the PIT, probes the PCI bus and moves memory over ISA
// DMA, all through the machine's dispatch surface.
package main

import (
	"context"
	"encoding/binary"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sync"
	"time"

	"golang.org/x/term"

	vdm "github.com/tinyrange/vdm"
	"github.com/tinyrange/vdm/internal/devices/pic"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "vdm: %v\n", err)
		os.Exit(1)
	}
}

const demoDescription = `
machine:
  memory-mb: 16
devices:
  pic:
    0: {}
  pit:
    0: {}
  uart:
    0: {}
  pcihost:
    0: {}
  playground:
    0:
      dma: 3
`

func run() error {
	configPath := flag.String("config", "", "machine description YAML (empty runs the built-in demo machine)")
	script := flag.Bool("script", true, "run the scripted guest exercise")
	consoleFlag := flag.Bool("console", false, "attach the terminal to the serial port until Ctrl-]")
	statsFlag := flag.Bool("stats", false, "print the counter table on exit")
	snapshotPath := flag.String("snapshot", "", "write a device snapshot to this file before exiting")
	debug := flag.Bool("debug", false, "enable debug logging")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Run the demo machine and poke its devices like guest firmware would.\n\n")
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *debug {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	desc := []byte(demoDescription)
	if *configPath != "" {
		data, err := os.ReadFile(*configPath)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		desc = data
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	sessionCtx, endSession := context.WithCancel(ctx)
	defer endSession()

	var conIn io.Reader = detachedReader{}
	restore := func() {}
	if *consoleFlag && term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return fmt.Errorf("enable raw mode: %w", err)
		}
		restore = func() { _ = term.Restore(int(os.Stdin.Fd()), old) }
		conIn = exitReader{r: newChanReader(sessionCtx, os.Stdin), end: endSession}
	}
	defer restore()

	cpu := newGuestCPU()
	m, err := vdm.New(
		vdm.WithConfigYAML(desc),
		vdm.WithCPUNotifier(cpu.notifier()),
		vdm.WithConsole(console{in: conIn, out: os.Stdout}),
	)
	if err != nil {
		return err
	}
	defer m.Close()

	runDone := make(chan error, 1)
	go func() { runDone <- m.Run(sessionCtx) }()
	defer func() {
		endSession()
		if err := <-runDone; err != nil {
			slog.Error("service loop", "error", err)
		}
	}()

	if err := m.CreateConfigured(); err != nil {
		return err
	}
	if err := m.PowerOn(sessionCtx); err != nil {
		return err
	}
	cpu.serve(sessionCtx, m)

	if *script {
		if err := runScript(sessionCtx, m, cpu); err != nil {
			return err
		}
	}

	if *snapshotPath != "" {
		if err := snapshotTo(m, *snapshotPath); err != nil {
			return err
		}
	}

	if *consoleFlag {
		slog.Info("console attached, Ctrl-] ends the session")
		<-sessionCtx.Done()
	}

	m.PowerOff()
	if err := m.Wait(); err != nil {
		return fmt.Errorf("device threads: %w", err)
	}

	if *statsFlag {
		restore()
		fmt.Println()
		if err := m.WriteStats(os.Stdout); err != nil {
			return err
		}
	}
	return nil
}

// console splices separate reader and writer halves into the machine's
// serial console.
type console struct {
	in  io.Reader
	out io.Writer
}

func (c console) Read(p []byte) (int, error)  { return c.in.Read(p) }
func (c console) Write(p []byte) (int, error) { return c.out.Write(p) }

// detachedReader keeps the receive side idle when no terminal is attached.
type detachedReader struct{}

func (detachedReader) Read([]byte) (int, error) { return 0, io.EOF }

// chanReader funnels a blocking reader through a goroutine so a pending
// read can be abandoned when the session ends. The pump may stay blocked in
// the underlying Read past cancellation; it exits with the process.
type chanReader struct {
	ctx    context.Context
	chunks chan []byte
	rest   []byte
}

func newChanReader(ctx context.Context, r io.Reader) *chanReader {
	c := &chanReader{ctx: ctx, chunks: make(chan []byte)}
	go func() {
		defer close(c.chunks)
		for {
			buf := make([]byte, 256)
			n, err := r.Read(buf)
			if n > 0 {
				select {
				case c.chunks <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()
	return c
}

func (c *chanReader) Read(p []byte) (int, error) {
	if len(c.rest) == 0 {
		select {
		case chunk, ok := <-c.chunks:
			if !ok {
				return 0, io.EOF
			}
			c.rest = chunk
		case <-c.ctx.Done():
			return 0, io.EOF
		}
	}
	n := copy(p, c.rest)
	c.rest = c.rest[n:]
	return n, nil
}

// exitReader passes terminal input through and ends the session on
// Ctrl-]. Bytes after the escape in the same read are dropped.
type exitReader struct {
	r   io.Reader
	end context.CancelFunc
}

func (e exitReader) Read(p []byte) (int, error) {
	n, err := e.r.Read(p)
	for i := 0; i < n; i++ {
		if p[i] == 0x1d {
			e.end()
			return i, io.EOF
		}
	}
	return n, err
}

// guestCPU stands in for the virtual CPU: it latches INTR and runs an
// acknowledge loop against the PIC, tallying vectors and sending EOIs.
type guestCPU struct {
	intr chan struct{}

	mu      sync.Mutex
	vectors map[uint8]int
}

func newGuestCPU() *guestCPU {
	return &guestCPU{
		intr:    make(chan struct{}, 1),
		vectors: make(map[uint8]int),
	}
}

func (c *guestCPU) notifier() vdm.SimpleCPUNotifier {
	return vdm.SimpleCPUNotifier{
		RaiseFunc: func() {
			select {
			case c.intr <- struct{}{}:
			default:
			}
		},
		MSIFunc: func(addr, data uint64) error {
			slog.Debug("msi message", "addr", fmt.Sprintf("%#x", addr), "data", fmt.Sprintf("%#x", data))
			return nil
		},
	}
}

func (c *guestCPU) serve(ctx context.Context, m *vdm.Machine) {
	inst, ok := m.Find("pic", 0)
	if !ok {
		return
	}
	ack, ok := inst.QueryInterface(pic.InterfaceID).(pic.Acknowledger)
	if !ok {
		return
	}
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.intr:
			}
			for ctx.Err() == nil {
				vec, pending := ack.Acknowledge()
				if !pending {
					break
				}
				c.mu.Lock()
				c.vectors[vec]++
				c.mu.Unlock()
				if vec >= 0x70 && vec < 0x78 {
					_ = m.PortOut(vdm.ContextUser, 0xa0, 1, 0x20)
				}
				_ = m.PortOut(vdm.ContextUser, 0x20, 1, 0x20)
			}
		}
	}()
}

func (c *guestCPU) taken(vec uint8) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.vectors[vec]
}

const (
	addrPort = 0xcf8
	dataPort = 0xcfc

	playgroundID = 0x11e81234
	barMem       = 0xe000_0000
	barIO        = 0xc000

	// 1.193182 MHz / 11932 is roughly a 100 Hz tick.
	pitDivisor = 11932
)

func runScript(ctx context.Context, m *vdm.Machine, cpu *guestCPU) error {
	slog.Info("programming the interrupt controllers")
	picSetup := []portWrite{
		// ICW1-4 for both chips: vectors 0x08 and 0x70, cascade on line 2.
		{0x20, 0x11}, {0x21, 0x08}, {0x21, 0x04}, {0x21, 0x01},
		{0xa0, 0x11}, {0xa1, 0x70}, {0xa1, 0x02}, {0xa1, 0x01},
		// PIRQ lines are level triggered.
		{0x4d1, 0x02},
		// Unmask the timer, the cascade and PIRQ B.
		{0x21, 0xfa}, {0xa1, 0xfd},
	}
	for _, w := range picSetup {
		if err := m.PortOut(vdm.ContextUser, w.port, 1, uint64(w.value)); err != nil {
			return fmt.Errorf("pic setup port %#x: %w", w.port, err)
		}
	}

	slog.Info("serial transmit")
	if err := transmit(ctx, m, "hello from the scripted guest\r\n"); err != nil {
		return err
	}

	slog.Info("starting the pit", "divisor", pitDivisor)
	for _, w := range []portWrite{
		{0x43, 0x34}, // counter 0, lo/hi access, rate generator
		{0x40, pitDivisor & 0xff},
		{0x40, pitDivisor >> 8},
	} {
		if err := m.PortOut(vdm.ContextUser, w.port, 1, uint64(w.value)); err != nil {
			return fmt.Errorf("pit setup: %w", err)
		}
	}
	if err := waitUntil(ctx, "timer interrupts", func() bool { return cpu.taken(0x08) >= 3 }); err != nil {
		return err
	}
	slog.Info("timer ticking", "acknowledged", cpu.taken(0x08))

	slog.Info("probing pci bus 0")
	playgroundDev := uint8(0xff)
	for dev := uint8(0); dev < 32; dev++ {
		id, err := cfgRead(m, dev, 0, 4)
		if err != nil {
			return err
		}
		if uint32(id) == 0xffffffff {
			continue
		}
		slog.Info("pci function", "dev", dev, "id", fmt.Sprintf("%08x", id))
		if uint32(id) == playgroundID {
			playgroundDev = dev
		}
	}
	if playgroundDev == 0xff {
		slog.Info("no playground function, skipping the pci and dma stages")
		return nil
	}

	// Map both BARs and enable decoding.
	for _, w := range []struct {
		reg   uint16
		size  uint8
		value uint64
	}{
		{0x10, 4, barMem},
		{0x14, 4, barIO},
		{0x04, 2, 0x0003},
	} {
		if err := cfgWrite(m, playgroundDev, w.reg, w.size, w.value); err != nil {
			return err
		}
	}

	ident, err := mmioRead32(m, barMem+0x00)
	if err != nil {
		return err
	}
	if err := mmioWrite32(m, barMem+0x04, 0x1234_5678); err != nil {
		return err
	}
	inverted, err := mmioRead32(m, barMem+0x04)
	if err != nil {
		return err
	}
	slog.Info("playground mapped", "ident", fmt.Sprintf("%08x", ident), "inverted", fmt.Sprintf("%08x", inverted))

	slog.Info("queueing factorial work")
	intxBefore := cpu.taken(0x71)
	for _, n := range []uint32{5, 10} {
		if err := mmioWrite32(m, barMem+0x30, n); err != nil {
			return err
		}
	}
	if err := waitUntil(ctx, "worker results", func() bool {
		sum, err := mmioRead32(m, barMem+0x34)
		return err == nil && sum == 3628920
	}); err != nil {
		return err
	}
	if err := waitUntil(ctx, "worker interrupt", func() bool { return cpu.taken(0x71) > intxBefore }); err != nil {
		return err
	}
	if err := mmioWrite32(m, barMem+0x18, 0x2); err != nil { // ack the work cause
		return err
	}
	slog.Info("worker finished", "sum", 3628920)

	slog.Info("isa dma transfer")
	payload := []byte("dma pushes this through channel 3")
	if _, err := m.Memory().WriteAt(payload, 0x4000); err != nil {
		return err
	}
	count := len(payload) - 1
	dmaSetup := []portWrite{
		{0x0c, 0},    // clear the flip-flop
		{0x0b, 0x4b}, // single mode, memory to device, channel 3
		{0x06, 0x00}, {0x06, 0x40}, // address 0x4000
		{0x07, uint8(count)}, {0x07, uint8(count >> 8)},
		{0x82, 0}, // page
		{0x0a, 3}, // unmask
	}
	for _, w := range dmaSetup {
		if err := m.PortOut(vdm.ContextUser, w.port, 1, uint64(w.value)); err != nil {
			return fmt.Errorf("dma setup: %w", err)
		}
	}
	if err := mmioWrite32(m, barMem+0x44, 0x2); err != nil { // guest to device, irq on done
		return err
	}
	if err := mmioWrite32(m, barMem+0x48, 0); err != nil {
		return err
	}
	if err := mmioWrite32(m, barMem+0x40, 1); err != nil { // doorbell
		return err
	}
	if err := waitUntil(ctx, "dma completion", func() bool {
		moved, err := mmioRead32(m, barMem+0x4c)
		return err == nil && moved == uint32(len(payload))
	}); err != nil {
		return err
	}
	back := make([]byte, (len(payload)+3)&^3)
	for off := 0; off < len(back); off += 4 {
		v, err := mmioRead32(m, barMem+0x800+uint64(off))
		if err != nil {
			return err
		}
		binary.LittleEndian.PutUint32(back[off:], v)
	}
	if string(back[:len(payload)]) != string(payload) {
		return fmt.Errorf("dma readback mismatch: %q", back[:len(payload)])
	}
	if err := mmioWrite32(m, barMem+0x18, 0x4); err != nil { // ack the dma cause
		return err
	}
	slog.Info("dma verified", "bytes", len(payload))

	// The echo BAR reads back the complement of what was latched.
	if err := m.PortOut(vdm.ContextUser, barIO, 4, 0xdeadbeef); err != nil {
		return err
	}
	comp, err := m.PortIn(vdm.ContextUser, barIO+4, 4)
	if err != nil {
		return err
	}
	slog.Info("echo port", "latched", "0xdeadbeef", "complement", fmt.Sprintf("%#x", comp))

	// Stop the rate generator by dropping counter 0 into a mode that
	// waits for a new count.
	if err := m.PortOut(vdm.ContextUser, 0x43, 1, 0x30); err != nil {
		return err
	}
	return nil
}

type portWrite struct {
	port  uint16
	value uint8
}

// transmit feeds the UART one byte at a time, polling the line status
// register for transmit space the way real firmware does.
func transmit(ctx context.Context, m *vdm.Machine, s string) error {
	for _, b := range []byte(s) {
		if err := waitUntil(ctx, "transmit space", func() bool {
			lsr, err := m.PortIn(vdm.ContextUser, 0x3f8+5, 1)
			return err == nil && lsr&0x20 != 0
		}); err != nil {
			return err
		}
		if err := m.PortOut(vdm.ContextUser, 0x3f8, 1, uint64(b)); err != nil {
			return err
		}
	}
	return nil
}

func waitUntil(ctx context.Context, what string, cond func() bool) error {
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		if cond() {
			return nil
		}
		time.Sleep(500 * time.Microsecond)
	}
	return fmt.Errorf("timed out waiting for %s", what)
}

func snapshotTo(m *vdm.Machine, path string) error {
	if err := m.Suspend(); err != nil {
		return fmt.Errorf("suspend: %w", err)
	}
	defer func() {
		if err := m.Resume(); err != nil {
			slog.Error("resume after snapshot", "error", err)
		}
	}()

	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := m.CaptureState(f); err != nil {
		f.Close()
		return fmt.Errorf("capture: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	slog.Info("snapshot written", "path", path, "bytes", info.Size())
	return nil
}

func confAddr(dev uint8, reg uint16) uint32 {
	return 1<<31 | uint32(dev)<<11 | uint32(reg&0xfc)
}

func cfgRead(m *vdm.Machine, dev uint8, reg uint16, size uint8) (uint64, error) {
	if err := m.PortOut(vdm.ContextUser, addrPort, 4, uint64(confAddr(dev, reg))); err != nil {
		return 0, err
	}
	return m.PortIn(vdm.ContextUser, dataPort+reg&3, size)
}

func cfgWrite(m *vdm.Machine, dev uint8, reg uint16, size uint8, value uint64) error {
	if err := m.PortOut(vdm.ContextUser, addrPort, 4, uint64(confAddr(dev, reg))); err != nil {
		return err
	}
	return m.PortOut(vdm.ContextUser, dataPort+reg&3, size, value)
}

func mmioRead32(m *vdm.Machine, addr uint64) (uint32, error) {
	var b [4]byte
	if err := m.MMIORead(vdm.ContextUser, addr, b[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b[:]), nil
}

func mmioWrite32(m *vdm.Machine, addr uint64, v uint32) error {
	var b [4]byte
	binary.LittleEndian.PutUint32(b[:], v)
	return m.MMIOWrite(vdm.ContextUser, addr, b[:])
}

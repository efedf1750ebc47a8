package vdm

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/devices/uart"
	"github.com/tinyrange/vdm/internal/devmgr"
	"github.com/tinyrange/vdm/internal/dma"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/pcibus"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"
)

// defaultMemoryMB sizes the private guest memory buffer when the embedder
// supplies neither memory nor a machine.memory-mb key.
const defaultMemoryMB = 16

// Machine is the assembled southbridge. All methods are safe for
// concurrent use.
type Machine struct {
	clock *vclock.Scheduler
	iot   *iobus.Table
	rt    *irq.Router
	bus   *pcibus.Bus
	dmac  *dma.Controller
	mgr   *devmgr.Manager
	mem   hv.GuestMemory
	cfg   *cfgtree.Node
	reg   *stats.Registry

	console         io.ReadWriter
	mu              sync.Mutex
	consoleAttached bool

	dmaWork chan struct{}
}

// New builds a Machine from the options: clock scheduler, I/O dispatch
// table, interrupt router, PCI bus, DMA controller and device manager,
// with component counters collected into one registry. Devices are not
// created yet; use CreateConfigured or CreateDevice afterwards.
func New(opts ...Option) (*Machine, error) {
	var o machineOptions
	for _, opt := range opts {
		opt(&o)
	}

	cfg := o.cfg
	if cfg == nil && o.yaml != nil {
		parsed, err := cfgtree.Load(o.yaml)
		if err != nil {
			return nil, fmt.Errorf("vdm: machine description: %w", err)
		}
		cfg = parsed
	}

	for _, reg := range o.types {
		if err := devmgr.DefaultRegistry.RegisterType(reg); err != nil {
			return nil, err
		}
	}

	mem := o.mem
	if mem == nil {
		mb := cfg.Child("machine").Uint64Def("memory-mb", defaultMemoryMB)
		mem = hv.NewBufferMemory(mb << 20)
	}

	clock := vclock.NewScheduler(o.log, o.clock...)
	fail := func(err error) (*Machine, error) {
		_ = clock.Close()
		return nil, err
	}

	iot := iobus.New(o.log)
	rt := irq.New(o.log)
	bus, err := pcibus.New(rt, iot, o.log)
	if err != nil {
		return fail(err)
	}
	dmac := dma.New(o.log, mem)
	if err := dmac.Attach(iot); err != nil {
		return fail(err)
	}
	if o.cpu != nil {
		if err := rt.RegisterMSITarget(msiToCPU{cpu: o.cpu}); err != nil {
			return fail(err)
		}
	}

	mgr, err := devmgr.NewManager(devmgr.DefaultRegistry, devmgr.Deps{
		Log:    o.log,
		Clock:  clock,
		IO:     iot,
		IRQ:    rt,
		PCI:    bus,
		DMA:    dmac,
		Memory: mem,
		CPU:    o.cpu,
	})
	if err != nil {
		return fail(err)
	}

	reg := stats.NewRegistry()
	for _, c := range []struct {
		prefix   string
		register func(*stats.Registry, string) error
	}{
		{"io", iot.RegisterStats},
		{"irq", rt.RegisterStats},
		{"pci", bus.RegisterStats},
		{"dma", dmac.RegisterStats},
	} {
		if err := c.register(reg, c.prefix); err != nil {
			return fail(err)
		}
	}

	m := &Machine{
		clock:   clock,
		iot:     iot,
		rt:      rt,
		bus:     bus,
		dmac:    dmac,
		mgr:     mgr,
		mem:     mem,
		cfg:     cfg,
		reg:     reg,
		console: o.console,
		dmaWork: make(chan struct{}, 1),
	}
	dmac.SetScheduleHook(func() {
		select {
		case m.dmaWork <- struct{}{}:
		default:
		}
	})
	return m, nil
}

// msiToCPU forwards router-delivered MSI messages to the embedder's CPU.
type msiToCPU struct {
	cpu hv.CPUNotifier
}

func (t msiToCPU) MSIWrite(addr, data uint64) error {
	return t.cpu.DeliverMSI(addr, data)
}

var _ irq.MSITarget = msiToCPU{}

// CreateDevice constructs one instance of a registered type. Its
// configuration comes from devices/<type>/<index> in the machine
// description; a missing node means defaults throughout.
func (m *Machine) CreateDevice(typeName string, index int) (*Instance, error) {
	cfg := m.cfg.Child("devices").Child(typeName).Child(strconv.Itoa(index))
	inst, err := m.mgr.CreateInstance(typeName, index, cfg)
	if err != nil {
		return nil, err
	}
	m.maybeAttachConsole(inst)
	return inst, nil
}

// CreateConfigured constructs every device listed under devices in the
// machine description. Types are walked in name order, instances in
// index order.
func (m *Machine) CreateConfigured() error {
	devices := m.cfg.Child("devices")
	for _, typeName := range devices.Children() {
		node := devices.Child(typeName)
		indices := make([]int, 0, len(node.Children()))
		for _, key := range node.Children() {
			idx, err := strconv.Atoi(key)
			if err != nil {
				return fmt.Errorf("vdm: devices/%s: bad instance index %q", typeName, key)
			}
			indices = append(indices, idx)
		}
		sort.Ints(indices)
		for _, idx := range indices {
			if _, err := m.CreateDevice(typeName, idx); err != nil {
				return err
			}
		}
	}
	return nil
}

// Find returns the instance of a type created with the given index.
func (m *Machine) Find(typeName string, index int) (*Instance, bool) {
	return m.mgr.Find(typeName, index)
}

// Memory returns the guest physical address space the machine DMAs
// against.
func (m *Machine) Memory() GuestMemory { return m.mem }

func (m *Machine) maybeAttachConsole(inst *devmgr.Instance) {
	if m.console == nil {
		return
	}
	dev, ok := inst.QueryInterface(uart.InterfaceID).(*uart.Device)
	if !ok {
		return
	}
	m.mu.Lock()
	already := m.consoleAttached
	m.consoleAttached = true
	m.mu.Unlock()
	if already {
		return
	}
	dev.AttachConsole(m.console, m.console)
}

// PowerOn powers on every created device and starts their worker
// threads under ctx. Hot-plugged devices created later power on
// immediately.
func (m *Machine) PowerOn(ctx context.Context) error {
	return m.mgr.PowerOnAll(ctx)
}

// Suspend quiesces all devices and freezes the virtual clocks.
func (m *Machine) Suspend() error {
	if err := m.mgr.SuspendAll(); err != nil {
		return err
	}
	m.clock.Pause()
	return nil
}

// Resume thaws the clocks and resumes all devices.
func (m *Machine) Resume() error {
	m.clock.Resume()
	return m.mgr.ResumeAll()
}

// Reset pulls the reset line on every device.
func (m *Machine) Reset(reason ResetReason) {
	m.mgr.ResetAll(reason)
}

// Relocate tells every device the embedder moved its mapping of guest
// structures by delta bytes. Handlers run without their sections.
func (m *Machine) Relocate(delta int64) {
	m.mgr.RelocateAll(delta)
}

// PowerOff powers off all devices and stops their threads.
func (m *Machine) PowerOff() {
	m.mgr.PowerOffAll()
}

// Wait blocks until every device worker thread has exited and returns
// the first error any of them reported.
func (m *Machine) Wait() error {
	return m.mgr.Wait()
}

// Close destroys all devices and stops the clock scheduler. The machine
// is unusable afterwards.
func (m *Machine) Close() error {
	m.mgr.DestroyAll()
	return m.clock.Close()
}

// Run serves interrupt routing and the DMA pump until ctx ends. It
// returns nil on a clean shutdown. Device worker threads run under the
// context given to PowerOn, not under Run.
func (m *Machine) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return m.rt.Serve(ctx)
	})
	g.Go(func() error {
		m.pumpDMA(ctx)
		return nil
	})
	return g.Wait()
}

// pumpDMA executes pending DMA work whenever the controller signals
// that a channel may have become runnable.
func (m *Machine) pumpDMA(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.dmaWork:
		}
		for m.dmac.Run() {
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// CaptureState writes a snapshot of every device to w. The machine must
// be suspended.
func (m *Machine) CaptureState(w io.Writer) error {
	return m.mgr.CaptureAll(w)
}

// RestoreState loads a snapshot written by CaptureState into the same
// device complement. The machine must be suspended.
func (m *Machine) RestoreState(r io.Reader) error {
	return m.mgr.RestoreAll(r)
}

// Stats returns every component and device counter, sorted by name.
func (m *Machine) Stats() []Sample {
	samples := append(m.reg.Snapshot(), m.mgr.Stats()...)
	sort.Slice(samples, func(i, j int) bool { return samples[i].Name < samples[j].Name })
	return samples
}

// WriteStats renders the machine's counters as an aligned table.
func (m *Machine) WriteStats(w io.Writer) error {
	return stats.WriteTable(w, m.Stats())
}

// PortIn dispatches a port read from the embedder's CPU loop.
func (m *Machine) PortIn(ec ExecutionContext, port uint16, size uint8) (uint64, error) {
	return m.iot.PortIn(ec, port, size)
}

// PortOut dispatches a port write.
func (m *Machine) PortOut(ec ExecutionContext, port uint16, size uint8, value uint64) error {
	return m.iot.PortOut(ec, port, size, value)
}

// MMIORead dispatches a memory-mapped read of len(data) bytes.
func (m *Machine) MMIORead(ec ExecutionContext, addr uint64, data []byte) error {
	return m.iot.MMIORead(ec, addr, data)
}

// MMIOWrite dispatches a memory-mapped write.
func (m *Machine) MMIOWrite(ec ExecutionContext, addr uint64, data []byte) error {
	return m.iot.MMIOWrite(ec, addr, data)
}

// MMIOFill dispatches a repeated store of count copies of the low size
// bytes of value.
func (m *Machine) MMIOFill(ec ExecutionContext, addr uint64, value uint64, size uint8, count uint32) error {
	return m.iot.MMIOFill(ec, addr, value, size, count)
}

package devmgr

import (
	"bytes"
	"context"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/dma"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/pcibus"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"
)

// DefaultRegistry is the process-wide registry device packages register
// their types into from init functions.
var DefaultRegistry = NewRegistry()

// Deps are the framework services the manager injects into instances. Clock,
// IO and IRQ are mandatory; the rest are optional machine features and the
// matching helpers fail or panic when a device uses them anyway.
type Deps struct {
	Log    *slog.Logger
	Clock  *vclock.Scheduler
	IO     *iobus.Table
	IRQ    *irq.Router
	PCI    *pcibus.Bus
	DMA    *dma.Controller
	Memory hv.GuestMemory
	CPU    hv.CPUNotifier
}

// Manager owns the device instances of one machine: it creates them from
// registered types, walks them through the lifecycle broadcasts, and tears
// them down exactly once. All lifecycle operations are serialized against
// each other.
type Manager struct {
	log      *slog.Logger
	registry *Registry

	clock *vclock.Scheduler
	io    *iobus.Table
	irq   *irq.Router
	pci   *pcibus.Bus
	dma   *dma.Controller
	mem   hv.GuestMemory
	cpu   hv.CPUNotifier

	opMu sync.Mutex // serializes create/broadcast/destroy

	mu        sync.Mutex
	instances []*Instance // creation order
	byName    map[string]*Instance
	counts    map[string]int

	runMu  sync.Mutex
	runCtx context.Context
	eg     *errgroup.Group
}

func NewManager(registry *Registry, deps Deps) (*Manager, error) {
	if registry == nil {
		return nil, errors.New("devmgr: nil registry")
	}
	if deps.Clock == nil || deps.IO == nil || deps.IRQ == nil {
		return nil, errors.New("devmgr: manager needs a clock scheduler, an i/o table and an interrupt router")
	}
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}
	return &Manager{
		log:      log,
		registry: registry,
		clock:    deps.Clock,
		io:       deps.IO,
		irq:      deps.IRQ,
		pci:      deps.PCI,
		dma:      deps.DMA,
		mem:      deps.Memory,
		cpu:      deps.CPU,
		byName:   make(map[string]*Instance),
		counts:   make(map[string]int),
	}, nil
}

func (m *Manager) mustPCI() *pcibus.Bus {
	if m.pci == nil {
		panic("devmgr: no pci bus in this machine")
	}
	return m.pci
}

func (m *Manager) mustDMA() *dma.Controller {
	if m.dma == nil {
		panic("devmgr: no dma controller in this machine")
	}
	return m.dma
}

// CreateInstance constructs instance index of the named type with cfg as its
// configuration subtree (nil means empty). Construct runs under the
// instance's freshly created critical section; if it fails, Destruct still
// runs and the error is returned with nothing left behind.
func (m *Manager) CreateInstance(typeName string, index int, cfg *cfgtree.Node) (*Instance, error) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	if index < 0 {
		return nil, fmt.Errorf("devmgr: negative instance index %d", index)
	}
	reg, ok := m.registry.Lookup(typeName)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, typeName)
	}

	m.mu.Lock()
	count := m.counts[typeName]
	m.mu.Unlock()
	if count >= reg.maxInstances() {
		return nil, fmt.Errorf("%w: %q allows %d", ErrTooManyInstances, typeName, reg.maxInstances())
	}

	dev := reg.New()
	if dev == nil {
		return nil, fmt.Errorf("devmgr: constructor of %q returned nil", typeName)
	}

	in := &Instance{
		name:  typeName,
		index: index,
		mgr:   m,
		reg:   reg,
		dev:   dev,
		stats: stats.NewRegistry(),
	}
	instName := in.InstanceName()

	m.mu.Lock()
	if _, exists := m.byName[instName]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("devmgr: instance %s already exists", instName)
	}
	m.mu.Unlock()

	in.log = m.log.With("device", instName)
	in.sect.Store(critsect.New(instName))

	m.log.Debug("constructing device", "device", instName, "type", typeName)
	in.setState(StateConstructing)

	sect := in.sect.Load()
	sect.Enter(nil)
	in.mu.Lock()
	in.constructing = true
	in.mu.Unlock()
	err := dev.Construct(in, cfg, in.Help())
	in.mu.Lock()
	in.constructing = false
	in.mu.Unlock()
	sect.Leave()

	if err != nil {
		m.destructInstance(in)
		return nil, fmt.Errorf("devmgr: construct %s: %w", instName, err)
	}
	in.setState(StateConstructed)

	m.mu.Lock()
	m.instances = append(m.instances, in)
	m.byName[instName] = in
	m.counts[typeName] = count + 1
	m.mu.Unlock()

	// Hot plug into a running machine powers the instance on right away.
	if m.running() {
		if err := m.powerOnOne(in); err != nil {
			m.removeInstance(in)
			m.destructInstance(in)
			return nil, err
		}
	}
	return in, nil
}

// Find returns the instance of a type by index.
func (m *Manager) Find(typeName string, index int) (*Instance, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	in, ok := m.byName[fmt.Sprintf("%s#%d", typeName, index)]
	return in, ok
}

// Instances returns all live instances in creation order.
func (m *Manager) Instances() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, len(m.instances))
	copy(out, m.instances)
	return out
}

func (m *Manager) snapshotList() []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, len(m.instances))
	copy(out, m.instances)
	return out
}

// orderedBy returns the instances with flag carriers first, creation order
// preserved within each group.
func (m *Manager) orderedBy(flag Flag) []*Instance {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*Instance, 0, len(m.instances))
	for _, in := range m.instances {
		if in.reg.Flags&flag != 0 {
			out = append(out, in)
		}
	}
	for _, in := range m.instances {
		if in.reg.Flags&flag == 0 {
			out = append(out, in)
		}
	}
	return out
}

func (m *Manager) removeInstance(in *Instance) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, other := range m.instances {
		if other == in {
			m.instances = append(m.instances[:i], m.instances[i+1:]...)
			break
		}
	}
	delete(m.byName, in.InstanceName())
	if m.counts[in.name] > 0 {
		m.counts[in.name]--
	}
}

func (m *Manager) running() bool {
	m.runMu.Lock()
	defer m.runMu.Unlock()
	return m.eg != nil
}

func (m *Manager) maybeStartThread(t *Thread) {
	m.runMu.Lock()
	ctx, eg := m.runCtx, m.eg
	m.runMu.Unlock()
	if eg == nil || t.in.State() != StateRunning {
		return
	}
	t.start(ctx, eg)
}

func (m *Manager) startInstanceThreads(in *Instance) {
	m.runMu.Lock()
	ctx, eg := m.runCtx, m.eg
	m.runMu.Unlock()
	if eg == nil {
		return
	}
	for _, t := range in.threadList() {
		t.start(ctx, eg)
	}
}

// PowerOnAll moves every instance from Constructed to Running in creation
// order and starts their threads under ctx. On a callback error the walk
// stops; earlier instances stay Running and the caller is expected to power
// off and destroy.
func (m *Manager) PowerOnAll(ctx context.Context) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	list := m.snapshotList()
	for _, in := range list {
		if st := in.State(); st != StateConstructed {
			return fmt.Errorf("%w: power on with %s %s", ErrBadState, in.InstanceName(), st)
		}
	}

	m.runMu.Lock()
	if m.eg == nil {
		m.eg, m.runCtx = errgroup.WithContext(ctx)
	}
	m.runMu.Unlock()

	for _, in := range list {
		if err := m.powerOnOne(in); err != nil {
			return err
		}
	}
	m.log.Info("devices powered on", "count", len(list))
	return nil
}

func (m *Manager) powerOnOne(in *Instance) error {
	if h, ok := in.dev.(PowerOnHandler); ok {
		sect := in.Section()
		sect.Enter(nil)
		err := h.PowerOn(in)
		sect.Leave()
		if err != nil {
			return fmt.Errorf("devmgr: power on %s: %w", in.InstanceName(), err)
		}
	}
	in.setState(StateRunning)
	m.startInstanceThreads(in)
	return nil
}

// ResetAll delivers a reset notification to every running or suspended
// instance, reset-first types ahead of the rest. Reset does not change
// lifecycle states.
func (m *Manager) ResetAll(reason ResetReason) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.log.Info("resetting devices", "reason", reason)
	for _, in := range m.orderedBy(FlagFirstReset) {
		if st := in.State(); st != StateRunning && st != StateSuspended {
			continue
		}
		if h, ok := in.dev.(ResetHandler); ok {
			sect := in.Section()
			sect.Enter(nil)
			h.Reset(in, reason)
			sect.Leave()
		}
	}
}

// SuspendAll moves every instance from Running to Suspended, suspend-first
// types ahead of the rest, then gates all device threads so they park at
// their next checkpoint.
func (m *Manager) SuspendAll() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	list := m.orderedBy(FlagFirstSuspend)
	for _, in := range list {
		if st := in.State(); st != StateRunning {
			return fmt.Errorf("%w: suspend with %s %s", ErrBadState, in.InstanceName(), st)
		}
	}
	for _, in := range list {
		if h, ok := in.dev.(SuspendHandler); ok {
			sect := in.Section()
			sect.Enter(nil)
			h.Suspend(in)
			sect.Leave()
		}
		in.setState(StateSuspended)
	}
	for _, in := range list {
		for _, t := range in.threadList() {
			t.suspendGate()
		}
	}
	return nil
}

// ResumeAll is the inverse of SuspendAll: threads are released first, then
// the instances move back to Running in creation order.
func (m *Manager) ResumeAll() error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	list := m.snapshotList()
	for _, in := range list {
		if st := in.State(); st != StateSuspended {
			return fmt.Errorf("%w: resume with %s %s", ErrBadState, in.InstanceName(), st)
		}
	}
	for _, in := range list {
		for _, t := range in.threadList() {
			t.resumeGate()
		}
	}
	for _, in := range list {
		if h, ok := in.dev.(ResumeHandler); ok {
			sect := in.Section()
			sect.Enter(nil)
			h.Resume(in)
			sect.Leave()
		}
		in.setState(StateRunning)
		m.startInstanceThreads(in)
	}
	return nil
}

// PowerOffAll moves every running or suspended instance to Off, power-off
// first types ahead of the rest, and stops their threads. Instances that
// never powered on are left alone.
func (m *Manager) PowerOffAll() {
	m.opMu.Lock()
	defer m.opMu.Unlock()
	m.powerOffLocked()
}

func (m *Manager) powerOffLocked() {
	for _, in := range m.orderedBy(FlagFirstPowerOff) {
		if st := in.State(); st != StateRunning && st != StateSuspended {
			continue
		}
		if h, ok := in.dev.(PowerOffHandler); ok {
			sect := in.Section()
			sect.Enter(nil)
			h.PowerOff(in)
			sect.Leave()
		}
		in.setState(StateOff)
		for _, t := range in.threadList() {
			t.stop()
		}
	}
}

// DestroyAll powers off anything still live and then destructs every
// instance in creation order. Each device's Destruct runs exactly once, even
// for instances whose Construct failed earlier.
func (m *Manager) DestroyAll() {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	m.powerOffLocked()
	list := m.snapshotList()
	for _, in := range list {
		m.destructInstance(in)
	}

	m.mu.Lock()
	m.instances = nil
	m.byName = make(map[string]*Instance)
	m.counts = make(map[string]int)
	m.mu.Unlock()
}

func (m *Manager) destructInstance(in *Instance) {
	if !in.markDestructed() {
		return
	}
	for _, t := range in.threadList() {
		t.stop()
	}
	in.setState(StateDestructing)
	if err := in.dev.Destruct(in); err != nil {
		m.log.Error("device destruct failed", "device", in.InstanceName(), "err", err)
	}
	in.mu.Lock()
	timers := in.timers
	handles := in.handles
	in.timers, in.handles = nil, nil
	in.mu.Unlock()
	for _, t := range timers {
		t.Stop()
	}
	for _, h := range handles {
		if err := m.io.Release(h); err != nil {
			m.log.Error("releasing region failed", "device", in.InstanceName(), "err", err)
		}
	}
	in.setState(StateDestroyed)
	m.log.Debug("destroyed device", "device", in.InstanceName())
}

// RelocateAll tells every instance the embedder moved its view of guest
// structures by delta bytes. Runs without instance sections.
func (m *Manager) RelocateAll(delta int64) {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	for _, in := range m.snapshotList() {
		if h, ok := in.dev.(RelocateHandler); ok {
			h.Relocate(in, delta)
		}
	}
}

// Wait joins all device threads. It returns once every thread has stopped,
// with the first real error any of them produced.
func (m *Manager) Wait() error {
	m.runMu.Lock()
	eg := m.eg
	m.runMu.Unlock()
	if eg == nil {
		return nil
	}
	return eg.Wait()
}

// Stats merges every instance's counters under dev/<name>/<index>/.
func (m *Manager) Stats() []stats.Sample {
	var out []stats.Sample
	for _, in := range m.snapshotList() {
		prefix := fmt.Sprintf("dev/%s/%d/", in.name, in.index)
		for _, s := range in.stats.Snapshot() {
			out = append(out, stats.Sample{Name: prefix + s.Name, Value: s.Value})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

const snapshotMagic = "vdm-state-1"

type snapshotFrame struct {
	Name  string
	Index int
	Data  []byte
}

// CaptureAll writes the state of every Snapshotter instance to w, creation
// order, one gob frame per instance. The whole machine must be suspended.
func (m *Manager) CaptureAll(w io.Writer) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	list := m.snapshotList()
	for _, in := range list {
		if st := in.State(); st != StateSuspended {
			return fmt.Errorf("%w: capture with %s %s", ErrBadState, in.InstanceName(), st)
		}
	}

	enc := gob.NewEncoder(w)
	if err := enc.Encode(snapshotMagic); err != nil {
		return fmt.Errorf("devmgr: capture: %w", err)
	}
	for _, in := range list {
		snap, ok := in.dev.(Snapshotter)
		if !ok {
			continue
		}
		var buf bytes.Buffer
		sect := in.Section()
		sect.Enter(nil)
		err := snap.CaptureState(&buf)
		sect.Leave()
		if err != nil {
			return fmt.Errorf("devmgr: capture %s: %w", in.InstanceName(), err)
		}
		frame := snapshotFrame{Name: in.name, Index: in.index, Data: buf.Bytes()}
		if err := enc.Encode(frame); err != nil {
			return fmt.Errorf("devmgr: capture %s: %w", in.InstanceName(), err)
		}
	}
	return nil
}

// RestoreAll feeds previously captured frames back into the matching
// instances. The machine must be suspended and every frame must name an
// instance that exists and snapshots.
func (m *Manager) RestoreAll(r io.Reader) error {
	m.opMu.Lock()
	defer m.opMu.Unlock()

	for _, in := range m.snapshotList() {
		if st := in.State(); st != StateSuspended {
			return fmt.Errorf("%w: restore with %s %s", ErrBadState, in.InstanceName(), st)
		}
	}

	dec := gob.NewDecoder(r)
	var magic string
	if err := dec.Decode(&magic); err != nil {
		return fmt.Errorf("devmgr: restore: %w", err)
	}
	if magic != snapshotMagic {
		return fmt.Errorf("devmgr: restore: bad stream header %q", magic)
	}
	for {
		var frame snapshotFrame
		if err := dec.Decode(&frame); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("devmgr: restore: %w", err)
		}
		m.mu.Lock()
		in, ok := m.byName[fmt.Sprintf("%s#%d", frame.Name, frame.Index)]
		m.mu.Unlock()
		if !ok {
			return fmt.Errorf("devmgr: restore: no instance %s#%d", frame.Name, frame.Index)
		}
		snap, ok := in.dev.(Snapshotter)
		if !ok {
			return fmt.Errorf("devmgr: restore: %s does not snapshot", in.InstanceName())
		}
		sect := in.Section()
		sect.Enter(nil)
		err := snap.RestoreState(bytes.NewReader(frame.Data))
		sect.Leave()
		if err != nil {
			return fmt.Errorf("devmgr: restore %s: %w", in.InstanceName(), err)
		}
	}
}

package devmgr

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"
)

type mgrRig struct {
	mgr *Manager
	reg *Registry
	mem *hv.BufferMemory
	iot *iobus.Table
}

func newMgrRig(t *testing.T) *mgrRig {
	t.Helper()

	sched := vclock.NewScheduler(nil)
	t.Cleanup(func() { _ = sched.Close() })

	iot := iobus.New(nil)
	router := irq.New(nil)
	mem := hv.NewBufferMemory(0x1000)

	reg := NewRegistry()
	mgr, err := NewManager(reg, Deps{Clock: sched, IO: iot, IRQ: router, Memory: mem})
	require.NoError(t, err)
	t.Cleanup(mgr.DestroyAll)

	return &mgrRig{mgr: mgr, reg: reg, mem: mem, iot: iot}
}

func (r *mgrRig) register(t *testing.T, reg Registration) {
	t.Helper()
	require.NoError(t, r.reg.RegisterType(reg))
}

type eventLog struct {
	mu     sync.Mutex
	events []string
}

func (l *eventLog) add(s string) {
	l.mu.Lock()
	l.events = append(l.events, s)
	l.mu.Unlock()
}

func (l *eventLog) take() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := l.events
	l.events = nil
	return out
}

func (l *eventLog) count(s string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, e := range l.events {
		if e == s {
			n++
		}
	}
	return n
}

// eventDev records every lifecycle callback it receives.
type eventDev struct {
	log *eventLog
}

func (d *eventDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error {
	d.log.add("construct " + in.InstanceName())
	return nil
}

func (d *eventDev) Destruct(in *Instance) error {
	d.log.add("destruct " + in.InstanceName())
	return nil
}

func (d *eventDev) PowerOn(in *Instance) error {
	d.log.add("power-on " + in.InstanceName())
	return nil
}

func (d *eventDev) Reset(in *Instance, reason ResetReason) {
	d.log.add("reset " + in.InstanceName() + " " + reason.String())
}

func (d *eventDev) Suspend(in *Instance)  { d.log.add("suspend " + in.InstanceName()) }
func (d *eventDev) Resume(in *Instance)   { d.log.add("resume " + in.InstanceName()) }
func (d *eventDev) PowerOff(in *Instance) { d.log.add("power-off " + in.InstanceName()) }

func eventType(name string, log *eventLog, flags Flag, max int) Registration {
	return Registration{
		Name:         name,
		APIVersion:   "v1.1.0",
		Schema:       SchemaV1,
		Class:        ClassMisc,
		MaxInstances: max,
		Flags:        flags,
		New:          func() Device { return &eventDev{log: log} },
	}
}

func TestBroadcastsFollowCreationOrderWithFirstFlags(t *testing.T) {
	rig := newMgrRig(t)
	log := &eventLog{}
	rig.register(t, eventType("alpha", log, 0, 1))
	rig.register(t, eventType("beta", log, 0, 1))
	rig.register(t, eventType("gamma", log, FlagFirstPowerOff|FlagFirstSuspend, 1))

	for _, name := range []string{"alpha", "beta", "gamma"} {
		_, err := rig.mgr.CreateInstance(name, 0, nil)
		require.NoError(t, err)
	}
	require.Equal(t, []string{"construct alpha#0", "construct beta#0", "construct gamma#0"}, log.take())

	require.NoError(t, rig.mgr.PowerOnAll(context.Background()))
	require.Equal(t, []string{"power-on alpha#0", "power-on beta#0", "power-on gamma#0"}, log.take())

	rig.mgr.ResetAll(ResetKeyboard)
	require.Equal(t, []string{
		"reset alpha#0 keyboard", "reset beta#0 keyboard", "reset gamma#0 keyboard",
	}, log.take())

	require.NoError(t, rig.mgr.SuspendAll())
	require.Equal(t, []string{"suspend gamma#0", "suspend alpha#0", "suspend beta#0"}, log.take())

	require.NoError(t, rig.mgr.ResumeAll())
	require.Equal(t, []string{"resume alpha#0", "resume beta#0", "resume gamma#0"}, log.take())

	rig.mgr.PowerOffAll()
	require.Equal(t, []string{"power-off gamma#0", "power-off alpha#0", "power-off beta#0"}, log.take())

	rig.mgr.DestroyAll()
	require.Equal(t, []string{"destruct alpha#0", "destruct beta#0", "destruct gamma#0"}, log.take())
}

func TestLifecycleStates(t *testing.T) {
	rig := newMgrRig(t)
	log := &eventLog{}
	rig.register(t, eventType("dev", log, 0, 1))

	in, err := rig.mgr.CreateInstance("dev", 0, nil)
	require.NoError(t, err)
	require.Equal(t, StateConstructed, in.State())

	require.ErrorIs(t, rig.mgr.SuspendAll(), ErrBadState)
	require.ErrorIs(t, rig.mgr.ResumeAll(), ErrBadState)

	require.NoError(t, rig.mgr.PowerOnAll(context.Background()))
	require.Equal(t, StateRunning, in.State())
	require.ErrorIs(t, rig.mgr.PowerOnAll(context.Background()), ErrBadState)

	require.NoError(t, rig.mgr.SuspendAll())
	require.Equal(t, StateSuspended, in.State())

	require.NoError(t, rig.mgr.ResumeAll())
	require.Equal(t, StateRunning, in.State())

	rig.mgr.PowerOffAll()
	require.Equal(t, StateOff, in.State())

	rig.mgr.DestroyAll()
	require.Equal(t, StateDestroyed, in.State())
	_, found := rig.mgr.Find("dev", 0)
	require.False(t, found)
}

// failingDev grabs real resources and then fails its Construct, so the test
// can verify the manager unwinds everything and still calls Destruct.
type failingDev struct {
	log *eventLog
}

func (d *failingDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error {
	h, err := help.NewPortRegion(1, iobus.PortFuncs{}, iobus.WithName("fail-port"))
	if err != nil {
		return err
	}
	if err := help.MapPort(h, 0x80); err != nil {
		return err
	}
	help.NewTimer(vclock.DomainVirtual, "tick", func(uint64) {})
	return errors.New("construct exploded")
}

func (d *failingDev) Destruct(in *Instance) error {
	d.log.add("destruct " + in.InstanceName())
	return nil
}

func TestConstructFailureRunsDestructAndReleasesRegions(t *testing.T) {
	rig := newMgrRig(t)
	log := &eventLog{}
	rig.register(t, Registration{
		Name:       "flaky",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return &failingDev{log: log} },
	})

	_, err := rig.mgr.CreateInstance("flaky", 0, nil)
	require.ErrorContains(t, err, "construct exploded")
	require.Equal(t, 1, log.count("destruct flaky#0"))

	// The port region grabbed during the failed construct is gone.
	_, err = rig.iot.PortIn(hv.ContextUser, 0x80, 1)
	require.ErrorIs(t, err, iobus.ErrNotHandled)

	// Destroying the rest of the machine must not destruct it again.
	rig.mgr.DestroyAll()
	require.Equal(t, 1, log.count("destruct flaky#0"))
}

func TestDestructRunsExactlyOnce(t *testing.T) {
	rig := newMgrRig(t)
	log := &eventLog{}
	rig.register(t, eventType("once", log, 0, 1))

	_, err := rig.mgr.CreateInstance("once", 0, nil)
	require.NoError(t, err)

	rig.mgr.DestroyAll()
	rig.mgr.DestroyAll()
	require.Equal(t, 1, log.count("destruct once#0"))
}

func TestInstanceLimitsAndDuplicates(t *testing.T) {
	rig := newMgrRig(t)
	log := &eventLog{}
	rig.register(t, eventType("solo", log, 0, 1))
	rig.register(t, eventType("pair", log, 0, 2))

	_, err := rig.mgr.CreateInstance("missing", 0, nil)
	require.ErrorIs(t, err, ErrUnknownType)

	_, err = rig.mgr.CreateInstance("solo", 0, nil)
	require.NoError(t, err)
	_, err = rig.mgr.CreateInstance("solo", 1, nil)
	require.ErrorIs(t, err, ErrTooManyInstances)

	_, err = rig.mgr.CreateInstance("pair", 0, nil)
	require.NoError(t, err)
	_, err = rig.mgr.CreateInstance("pair", 0, nil)
	require.ErrorContains(t, err, "already exists")
}

// sectionDev replaces its critical section during Construct and records what
// the helper said each time.
type sectionDev struct {
	shared    *critsect.Section
	help      Helpers
	firstErr  error
	secondErr error
}

func (d *sectionDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error {
	d.help = help
	d.firstErr = help.SetSection(d.shared)
	d.secondErr = help.SetSection(d.shared)
	return nil
}

func (d *sectionDev) Destruct(in *Instance) error { return nil }

func TestSetSectionOnceAndOnlyDuringConstruct(t *testing.T) {
	rig := newMgrRig(t)
	dev := &sectionDev{shared: critsect.New("shared")}
	rig.register(t, Registration{
		Name:       "sect",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return dev },
	})

	in, err := rig.mgr.CreateInstance("sect", 0, nil)
	require.NoError(t, err)

	require.NoError(t, dev.firstErr)
	require.ErrorContains(t, dev.secondErr, "already replaced")
	require.Same(t, dev.shared, in.Section())

	err = dev.help.SetSection(critsect.New("late"))
	require.ErrorContains(t, err, "during Construct")
}

// ifaceDev exports itself under one identifier.
type ifaceDev struct{ nopDev }

func (d *ifaceDev) LookupInterface(id string) any {
	if id == "test.echo" {
		return d
	}
	return nil
}

func TestQueryInterface(t *testing.T) {
	rig := newMgrRig(t)
	rig.register(t, Registration{
		Name:       "iface",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return &ifaceDev{} },
	})
	rig.register(t, Registration{
		Name:       "plain",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return nopDev{} },
	})

	in, err := rig.mgr.CreateInstance("iface", 0, nil)
	require.NoError(t, err)
	require.NotNil(t, in.QueryInterface("test.echo"))
	require.Nil(t, in.QueryInterface("test.other"))

	plain, err := rig.mgr.CreateInstance("plain", 0, nil)
	require.NoError(t, err)
	require.Nil(t, plain.QueryInterface("test.echo"))
}

// relocDev records each relocation and whether its section was held.
type relocDev struct {
	nopDev
	deltas []int64
	owned  bool
}

func (d *relocDev) Relocate(in *Instance, delta int64) {
	d.deltas = append(d.deltas, delta)
	d.owned = d.owned || in.Section().IsOwner()
}

func TestRelocateReachesHandlersWithoutSections(t *testing.T) {
	rig := newMgrRig(t)
	dev := &relocDev{}
	rig.register(t, Registration{
		Name:       "reloc",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return dev },
	})
	rig.register(t, Registration{
		Name:       "plain",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return nopDev{} },
	})

	_, err := rig.mgr.CreateInstance("reloc", 0, nil)
	require.NoError(t, err)
	_, err = rig.mgr.CreateInstance("plain", 0, nil)
	require.NoError(t, err)

	rig.mgr.RelocateAll(0x1000)
	rig.mgr.RelocateAll(-0x40)

	require.Equal(t, []int64{0x1000, -0x40}, dev.deltas)
	require.False(t, dev.owned)
}

func TestHotHelpersCannotReachBlockingCalls(t *testing.T) {
	rig := newMgrRig(t)
	rig.register(t, Registration{
		Name:       "plain",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return nopDev{} },
	})
	in, err := rig.mgr.CreateInstance("plain", 0, nil)
	require.NoError(t, err)

	_, ok := in.HelpFor(hv.ContextHot).(Helpers)
	require.False(t, ok, "hot helper table must not expose the blocking interface")
	_, ok = in.HelpFor(hv.ContextUser).(Helpers)
	require.True(t, ok)
}

// threadDev runs one managed thread that counts iterations.
type threadDev struct {
	ticks atomic.Uint64
}

func (d *threadDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error {
	_, err := help.NewThread("ticker", func(ctx context.Context, th *Thread) error {
		for {
			if err := th.Sleeping(ctx); err != nil {
				return nil
			}
			d.ticks.Add(1)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Millisecond):
			}
		}
	})
	return err
}

func (d *threadDev) Destruct(in *Instance) error { return nil }

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestManagedThreadFollowsMachineLifecycle(t *testing.T) {
	rig := newMgrRig(t)
	dev := &threadDev{}
	rig.register(t, Registration{
		Name:       "ticker",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return dev },
	})

	_, err := rig.mgr.CreateInstance("ticker", 0, nil)
	require.NoError(t, err)
	time.Sleep(20 * time.Millisecond)
	require.Zero(t, dev.ticks.Load(), "thread must not run before power on")

	require.NoError(t, rig.mgr.PowerOnAll(context.Background()))
	waitFor(t, "thread to start ticking", func() bool { return dev.ticks.Load() > 0 })

	require.NoError(t, rig.mgr.SuspendAll())
	time.Sleep(50 * time.Millisecond) // drain the in-flight iteration
	frozen := dev.ticks.Load()
	time.Sleep(50 * time.Millisecond)
	require.Equal(t, frozen, dev.ticks.Load(), "thread must park while suspended")

	require.NoError(t, rig.mgr.ResumeAll())
	waitFor(t, "thread to resume", func() bool { return dev.ticks.Load() > frozen })

	rig.mgr.PowerOffAll()
	final := dev.ticks.Load()
	time.Sleep(20 * time.Millisecond)
	require.Equal(t, final, dev.ticks.Load(), "thread must stop at power off")
	require.NoError(t, rig.mgr.Wait())
}

type brokenThreadDev struct{}

func (d *brokenThreadDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error {
	_, err := help.NewThread("doomed", func(ctx context.Context, th *Thread) error {
		return errors.New("thread exploded")
	})
	return err
}

func (d *brokenThreadDev) Destruct(in *Instance) error { return nil }

func TestThreadErrorSurfacesThroughWait(t *testing.T) {
	rig := newMgrRig(t)
	rig.register(t, Registration{
		Name:       "doomed",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return &brokenThreadDev{} },
	})

	_, err := rig.mgr.CreateInstance("doomed", 0, nil)
	require.NoError(t, err)
	require.NoError(t, rig.mgr.PowerOnAll(context.Background()))

	require.ErrorContains(t, rig.mgr.Wait(), "thread exploded")
	rig.mgr.PowerOffAll()
}

func TestHotPlugIntoRunningMachine(t *testing.T) {
	rig := newMgrRig(t)
	log := &eventLog{}
	rig.register(t, eventType("early", log, 0, 1))
	rig.register(t, eventType("late", log, 0, 1))

	_, err := rig.mgr.CreateInstance("early", 0, nil)
	require.NoError(t, err)
	require.NoError(t, rig.mgr.PowerOnAll(context.Background()))

	in, err := rig.mgr.CreateInstance("late", 0, nil)
	require.NoError(t, err)
	require.Equal(t, StateRunning, in.State())
	require.Equal(t, 1, log.count("power-on late#0"))
}

// memDev exercises the guest memory helpers and cross-device lookup during
// its Construct.
type memDev struct {
	neighborOK bool
}

func (d *memDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error {
	if _, err := help.WriteGuest([]byte("hi mem"), 0x100); err != nil {
		return err
	}
	_, d.neighborOK = help.LookupDevice("early", 0)
	help.Counter("pokes").Add(2)
	return nil
}

func (d *memDev) Destruct(in *Instance) error { return nil }

func TestHelpersGuestMemoryLookupAndStats(t *testing.T) {
	rig := newMgrRig(t)
	log := &eventLog{}
	rig.register(t, eventType("early", log, 0, 1))
	dev := &memDev{}
	rig.register(t, Registration{
		Name:       "mem",
		APIVersion: "v1.0.0",
		Schema:     SchemaV1,
		New:        func() Device { return dev },
	})

	_, err := rig.mgr.CreateInstance("early", 0, nil)
	require.NoError(t, err)
	_, err = rig.mgr.CreateInstance("mem", 0, nil)
	require.NoError(t, err)

	require.True(t, dev.neighborOK)
	require.Equal(t, []byte("hi mem"), rig.mem.Bytes()[0x100:0x106])
	require.Contains(t, rig.mgr.Stats(), stats.Sample{Name: "dev/mem/0/pokes", Value: 2})
}

// snapDev keeps one register worth of state for snapshot tests.
type snapDev struct {
	value uint32
}

func (d *snapDev) Construct(in *Instance, cfg *cfgtree.Node, help Helpers) error { return nil }
func (d *snapDev) Destruct(in *Instance) error                                   { return nil }

func (d *snapDev) CaptureState(w io.Writer) error {
	return binary.Write(w, binary.LittleEndian, d.value)
}

func (d *snapDev) RestoreState(r io.Reader) error {
	return binary.Read(r, binary.LittleEndian, &d.value)
}

func TestSnapshotRoundTrip(t *testing.T) {
	rig := newMgrRig(t)
	var devs []*snapDev
	rig.register(t, Registration{
		Name:         "snappy",
		APIVersion:   "v1.0.0",
		Schema:       SchemaV1,
		MaxInstances: 2,
		New: func() Device {
			d := &snapDev{}
			devs = append(devs, d)
			return d
		},
	})

	for i := 0; i < 2; i++ {
		_, err := rig.mgr.CreateInstance("snappy", i, nil)
		require.NoError(t, err)
	}
	require.NoError(t, rig.mgr.PowerOnAll(context.Background()))

	var buf bytes.Buffer
	require.ErrorIs(t, rig.mgr.CaptureAll(&buf), ErrBadState)

	devs[0].value = 0x11111111
	devs[1].value = 0x22222222
	require.NoError(t, rig.mgr.SuspendAll())
	require.NoError(t, rig.mgr.CaptureAll(&buf))

	devs[0].value = 0
	devs[1].value = 0
	require.NoError(t, rig.mgr.RestoreAll(&buf))
	require.Equal(t, uint32(0x11111111), devs[0].value)
	require.Equal(t, uint32(0x22222222), devs[1].value)
}

func TestRestoreRejectsGarbage(t *testing.T) {
	rig := newMgrRig(t)
	require.Error(t, rig.mgr.RestoreAll(bytes.NewReader([]byte("not a snapshot"))))
}

package devmgr

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/tinyrange/vdm/internal/critsect"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"
)

// Instance is one constructed device. It carries the identity (type name and
// index), the critical section handlers run under, the per-instance stats
// namespace, and the bookkeeping the manager needs to tear everything down
// again. Devices reach the framework through the instance's helper tables,
// never through the manager directly.
type Instance struct {
	name  string
	index int
	mgr   *Manager
	reg   Registration
	dev   Device
	log   *slog.Logger
	stats *stats.Registry

	// sect is replaceable once during Construct, so reads go through an
	// atomic pointer while dispatch is live.
	sect  atomic.Pointer[critsect.Section]
	state atomic.Uint32

	mu           sync.Mutex
	constructing bool
	sectReplaced bool
	destructed   bool
	handles      []iobus.Handle
	timers       []*vclock.Timer
	threads      []*Thread
}

// Name returns the device type name, Index the instance number within that
// type, and InstanceName the combined "name#index" form used in logs,
// section names and snapshots.
func (in *Instance) Name() string { return in.name }

func (in *Instance) Index() int { return in.index }

func (in *Instance) InstanceName() string {
	return fmt.Sprintf("%s#%d", in.name, in.index)
}

// DeviceName and Section make the instance an iobus.Owner, so regions
// registered through the helpers dispatch under this instance's section.
func (in *Instance) DeviceName() string { return in.InstanceName() }

func (in *Instance) Section() *critsect.Section { return in.sect.Load() }

func (in *Instance) State() State { return State(in.state.Load()) }

func (in *Instance) setState(s State) { in.state.Store(uint32(s)) }

func (in *Instance) Logger() *slog.Logger { return in.log }

// QueryInterface asks the device for an extra interface by identifier. It
// takes no locks and may be called from any goroutine; nil means the device
// does not provide the interface.
func (in *Instance) QueryInterface(id string) any {
	if p, ok := in.dev.(InterfaceProvider); ok {
		return p.LookupInterface(id)
	}
	return nil
}

// Help returns the full user-context helper table. HelpFor returns the table
// appropriate to an execution context; for ContextHot that is the restricted
// HotHelpers with no blocking entry points.
func (in *Instance) Help() Helpers { return userHelp{hotHelp{in}} }

func (in *Instance) HelpFor(ec hv.ExecutionContext) HotHelpers {
	if ec == hv.ContextHot {
		return hotHelp{in}
	}
	return userHelp{hotHelp{in}}
}

func (in *Instance) trackHandle(h iobus.Handle) {
	in.mu.Lock()
	in.handles = append(in.handles, h)
	in.mu.Unlock()
}

func (in *Instance) trackTimer(t *vclock.Timer) {
	in.mu.Lock()
	in.timers = append(in.timers, t)
	in.mu.Unlock()
}

func (in *Instance) threadList() []*Thread {
	in.mu.Lock()
	defer in.mu.Unlock()
	out := make([]*Thread, len(in.threads))
	copy(out, in.threads)
	return out
}

// markDestructed flips the destruct guard; only the first caller gets true,
// which is what makes Destruct exactly-once.
func (in *Instance) markDestructed() bool {
	in.mu.Lock()
	defer in.mu.Unlock()
	if in.destructed {
		return false
	}
	in.destructed = true
	return true
}

var _ iobus.Owner = (*Instance)(nil)

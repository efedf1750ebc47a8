// Package irq routes interrupt line changes and MSI messages from devices to
// the interrupt controllers. Every change funnels through one FIFO serviced
// by Serve, so controller backends observe a single global order no matter
// which goroutine raised the line. SetLine blocks until its change has been
// applied at that serialization point; SetLineNoWait just enqueues.
package irq

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/tinyrange/vdm/internal/stats"
)

type Controller uint8

const (
	ControllerPIC Controller = iota
	ControllerIOAPIC
	ControllerPCI

	controllerCount = 3
)

func (c Controller) String() string {
	switch c {
	case ControllerPIC:
		return "pic"
	case ControllerIOAPIC:
		return "ioapic"
	case ControllerPCI:
		return "pci"
	default:
		return fmt.Sprintf("controller(%d)", uint8(c))
	}
}

// Level encodes the requested line state. The values are wire-compatible
// with existing device descriptions: Low clears the line, High (bit 0)
// asserts it, FlipFlop (bit 1 ored with High) pulses Low then High as one
// atomic step so edge-triggered controllers see a fresh edge.
type Level uint32

const (
	LevelLow      Level = 0
	LevelHigh     Level = 1
	LevelFlipFlop Level = 2 | LevelHigh
)

func (l Level) String() string {
	switch l {
	case LevelLow:
		return "low"
	case LevelHigh:
		return "high"
	case LevelFlipFlop:
		return "flipflop"
	default:
		return fmt.Sprintf("level(%d)", uint32(l))
	}
}

// Tag is an opaque tracing cookie carried with every change. The router
// remembers the last tag per line so a stuck interrupt can be attributed.
type Tag uint32

// LineBackend applies line levels for one controller kind. Calls arrive only
// on the Serve goroutine. For ControllerPCI the line value encodes the
// device's slot and INTx pin as assigned by the PCI bus.
type LineBackend interface {
	SetLineLevel(line uint32, high bool, tag Tag)
}

// LineBackendFunc adapts a function to LineBackend.
type LineBackendFunc func(line uint32, high bool, tag Tag)

func (f LineBackendFunc) SetLineLevel(line uint32, high bool, tag Tag) { f(line, high, tag) }

// MSITarget receives message-signalled interrupt writes on the Serve
// goroutine.
type MSITarget interface {
	MSIWrite(addr uint64, data uint64) error
}

type reqKind uint8

const (
	reqLine reqKind = iota
	reqMSI
)

type request struct {
	kind   reqKind
	ctrl   Controller
	line   uint32
	level  Level
	tag    Tag
	source string
	addr   uint64 // msi
	data   uint64 // msi
	done   chan struct{}
}

type lineKey struct {
	ctrl Controller
	line uint32
}

type lineChange struct {
	tag    Tag
	source string
}

// queueDepth bounds outstanding posted changes. A full queue blocks the
// poster; dropping an edge would lose device interrupts.
const queueDepth = 1024

type Router struct {
	log *slog.Logger

	mu       sync.RWMutex
	backends [controllerCount]LineBackend
	msi      MSITarget
	last     map[lineKey]lineChange

	queue chan request

	applied   stats.Counter
	flipflops stats.Counter
	msis      stats.Counter
}

func New(log *slog.Logger) *Router {
	if log == nil {
		log = slog.Default()
	}
	return &Router{
		log:   log,
		last:  make(map[lineKey]lineChange),
		queue: make(chan request, queueDepth),
	}
}

// RegisterBackend attaches the controller's backend. One backend per
// controller kind; devices register during construction, before any line
// moves.
func (r *Router) RegisterBackend(c Controller, b LineBackend) error {
	if int(c) >= controllerCount {
		return fmt.Errorf("irq: unknown controller %s", c)
	}
	if b == nil {
		return fmt.Errorf("irq: nil backend for %s", c)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.backends[c] != nil {
		return fmt.Errorf("irq: %s backend already registered", c)
	}
	r.backends[c] = b
	return nil
}

func (r *Router) RegisterMSITarget(t MSITarget) error {
	if t == nil {
		return fmt.Errorf("irq: nil msi target")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.msi != nil {
		return fmt.Errorf("irq: msi target already registered")
	}
	r.msi = t
	return nil
}

func (r *Router) backend(c Controller) LineBackend {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.backends[c]
}

// Backend returns the registered backend for a controller, or nil. The PCI
// bus uses it to fan swizzled INTx lanes out to the PIC and I/O APIC while
// already running at the serialization point.
func (r *Router) Backend(c Controller) LineBackend {
	if int(c) >= controllerCount {
		return nil
	}
	return r.backend(c)
}

func (r *Router) HasBackend(c Controller) bool { return r.Backend(c) != nil }

// Serve applies queued changes until ctx ends. Run it on the goroutine that
// should own interrupt delivery (typically the primary CPU loop); it must
// outlive all device line activity.
func (r *Router) Serve(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case req := <-r.queue:
			r.apply(req)
		}
	}
}

func (r *Router) apply(req request) {
	switch req.kind {
	case reqLine:
		b := r.backend(req.ctrl)
		if req.level == LevelFlipFlop {
			b.SetLineLevel(req.line, false, req.tag)
			b.SetLineLevel(req.line, true, req.tag)
			r.flipflops.Inc()
		} else {
			b.SetLineLevel(req.line, req.level == LevelHigh, req.tag)
		}
		r.applied.Inc()

		r.mu.Lock()
		r.last[lineKey{req.ctrl, req.line}] = lineChange{tag: req.tag, source: req.source}
		r.mu.Unlock()

		r.log.Debug("line change applied",
			"controller", req.ctrl, "line", req.line, "level", req.level,
			"tag", req.tag, "source", req.source)
	case reqMSI:
		r.mu.RLock()
		target := r.msi
		r.mu.RUnlock()
		if err := target.MSIWrite(req.addr, req.data); err != nil {
			r.log.Error("msi delivery failed",
				"addr", fmt.Sprintf("0x%x", req.addr), "data", req.data,
				"tag", req.tag, "source", req.source, "err", err)
		}
		r.msis.Inc()
	}

	if req.done != nil {
		close(req.done)
	}
}

func (r *Router) checkLine(ctrl Controller, level Level, source string) {
	if int(ctrl) >= controllerCount || r.backend(ctrl) == nil {
		panic(fmt.Sprintf("irq: %s line set by %q with no backend registered", ctrl, source))
	}
	switch level {
	case LevelLow, LevelHigh, LevelFlipFlop:
	default:
		panic(fmt.Sprintf("irq: invalid level %d from %q", uint32(level), source))
	}
}

// SetLine requests a line change and blocks until the router has applied it.
// Callers must not hold locks the backend needs; device critical sections are
// safe because backends only take their own.
func (r *Router) SetLine(ctrl Controller, line uint32, level Level, tag Tag, source string) {
	r.checkLine(ctrl, level, source)

	done := make(chan struct{})
	r.queue <- request{kind: reqLine, ctrl: ctrl, line: line, level: level,
		tag: tag, source: source, done: done}
	<-done
}

// SetLineNoWait requests a line change without waiting for it to apply.
// Order is preserved per caller and nothing is coalesced.
func (r *Router) SetLineNoWait(ctrl Controller, line uint32, level Level, tag Tag, source string) {
	r.checkLine(ctrl, level, source)

	r.queue <- request{kind: reqLine, ctrl: ctrl, line: line, level: level,
		tag: tag, source: source}
}

// SendMSI posts a message-signalled interrupt. Like a posted write it does
// not wait for delivery.
func (r *Router) SendMSI(addr, data uint64, tag Tag, source string) {
	r.mu.RLock()
	target := r.msi
	r.mu.RUnlock()
	if target == nil {
		panic(fmt.Sprintf("irq: msi from %q with no target registered", source))
	}

	r.queue <- request{kind: reqMSI, addr: addr, data: data, tag: tag, source: source}
}

// LastChange reports the tag and source of the most recent applied change on
// a line.
func (r *Router) LastChange(ctrl Controller, line uint32) (Tag, string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.last[lineKey{ctrl, line}]
	return c.tag, c.source, ok
}

// RegisterStats attaches the router's counters under prefix.
func (r *Router) RegisterStats(reg *stats.Registry, prefix string) error {
	if err := reg.Register(prefix+"/applied", &r.applied); err != nil {
		return err
	}
	if err := reg.Register(prefix+"/flipflops", &r.flipflops); err != nil {
		return err
	}
	return reg.Register(prefix+"/msis", &r.msis)
}

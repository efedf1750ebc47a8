// Package vdm assembles the device-emulation framework into a virtual
// machine southbridge: a clock scheduler, an I/O dispatch table, an
// interrupt router, a PCI bus, a DMA controller and a device instance
// manager, wired together and populated from a YAML machine description.
//
// The hypervisor side stays abstract. The embedder hands the Machine guest
// memory and a CPU notifier, feeds it port and MMIO traffic from its exit
// handler, and keeps Run going in the background for interrupt delivery
// and DMA.
package vdm

import (
	"io"
	"log/slog"

	"github.com/tinyrange/vdm/internal/cfgtree"
	"github.com/tinyrange/vdm/internal/devmgr"
	"github.com/tinyrange/vdm/internal/hv"
	"github.com/tinyrange/vdm/internal/iobus"
	"github.com/tinyrange/vdm/internal/irq"
	"github.com/tinyrange/vdm/internal/pcibus"
	"github.com/tinyrange/vdm/internal/stats"
	"github.com/tinyrange/vdm/internal/vclock"

	// The built-in device complement registers itself on import.
	_ "github.com/tinyrange/vdm/internal/devices/ioapic"
	_ "github.com/tinyrange/vdm/internal/devices/pcihost"
	_ "github.com/tinyrange/vdm/internal/devices/pic"
	_ "github.com/tinyrange/vdm/internal/devices/pit"
	_ "github.com/tinyrange/vdm/internal/devices/playground"
	_ "github.com/tinyrange/vdm/internal/devices/uart"
)

// -----------------------------------------------------------------------------
// Type Aliases - These re-export types from the internal packages
// -----------------------------------------------------------------------------

// Device is the contract a device implementation satisfies. Construct wires
// the device up through its Helpers; Destruct releases what Construct took.
type Device = devmgr.Device

// Registration describes a device type for the registry.
type Registration = devmgr.Registration

// Helpers is the full device-side API, usable from user context only.
type Helpers = devmgr.Helpers

// HotHelpers is the restricted subset of Helpers that is safe from the
// hot (non-blocking) dispatch path.
type HotHelpers = devmgr.HotHelpers

// Instance is one constructed device with its name, section and state.
type Instance = devmgr.Instance

// Thread is a managed device worker goroutine.
type Thread = devmgr.Thread

// Snapshotter is implemented by devices that carry save-state.
type Snapshotter = devmgr.Snapshotter

// ResetHandler is implemented by devices that react to a bus reset.
type ResetHandler = devmgr.ResetHandler

// RelocateHandler is implemented by devices that track host addresses of
// guest structures.
type RelocateHandler = devmgr.RelocateHandler

// InterfaceProvider exposes device-specific interfaces to QueryInterface.
type InterfaceProvider = devmgr.InterfaceProvider

// ResetReason says what pulled the reset line.
type ResetReason = devmgr.ResetReason

// State is an instance's lifecycle state.
type State = devmgr.State

// Class groups device types for broadcast ordering.
type Class = devmgr.Class

// Flag adjusts broadcast ordering for a device type.
type Flag = devmgr.Flag

// ConfigNode is one node of the machine description tree. A nil node is
// usable with every read method and yields defaults.
type ConfigNode = cfgtree.Node

// ExecutionContext says which dispatch path an access arrived on.
type ExecutionContext = hv.ExecutionContext

// GuestMemory is the guest physical address space.
type GuestMemory = hv.GuestMemory

// CPUNotifier is how the machine pokes the embedder's virtual CPU.
type CPUNotifier = hv.CPUNotifier

// SimpleCPUNotifier adapts plain functions to CPUNotifier; nil fields
// are no-ops.
type SimpleCPUNotifier = hv.SimpleCPUNotifier

// Level is an interrupt line level.
type Level = irq.Level

// Tag traces one interrupt cause through the router for logging.
type Tag = irq.Tag

// Controller selects which interrupt controller a line belongs to.
type Controller = irq.Controller

// LineBackend sinks routed line changes, normally a PIC or I/O APIC.
type LineBackend = irq.LineBackend

// LineBackendFunc adapts a function to LineBackend.
type LineBackendFunc = irq.LineBackendFunc

// MSITarget sinks routed message-signalled interrupts.
type MSITarget = irq.MSITarget

// Handle names a registered I/O region.
type Handle = iobus.Handle

// PortHandler receives port accesses with region-relative offsets.
type PortHandler = iobus.PortHandler

// MMIOHandler receives memory-mapped accesses with region-relative offsets.
type MMIOHandler = iobus.MMIOHandler

// MMIOFiller is an optional MMIOHandler extension for repeated stores.
type MMIOFiller = iobus.MMIOFiller

// PortFuncs adapts plain functions to PortHandler.
type PortFuncs = iobus.PortFuncs

// MMIOFuncs adapts plain functions to MMIOHandler.
type MMIOFuncs = iobus.MMIOFuncs

// RegionOption configures a registered I/O region.
type RegionOption = iobus.RegionOption

// Function is one PCI function on the bus.
type Function = pcibus.Function

// FunctionConfig seeds a function's config header.
type FunctionConfig = pcibus.FunctionConfig

// BARKind says whether a base address register decodes ports or memory.
type BARKind = pcibus.BARKind

// Domain selects which of the machine's clocks a timer follows.
type Domain = vclock.Domain

// Timer is a one-shot timer created through Helpers.NewTimer.
type Timer = vclock.Timer

// Sample is one named counter value from Stats.
type Sample = stats.Sample

// -----------------------------------------------------------------------------
// Constants
// -----------------------------------------------------------------------------

// Interrupt line levels.
const (
	LevelLow      = irq.LevelLow
	LevelHigh     = irq.LevelHigh
	LevelFlipFlop = irq.LevelFlipFlop
)

// Interrupt controllers.
const (
	ControllerPIC    = irq.ControllerPIC
	ControllerIOAPIC = irq.ControllerIOAPIC
	ControllerPCI    = irq.ControllerPCI
)

// Dispatch contexts.
const (
	ContextUser = hv.ContextUser
	ContextHot  = hv.ContextHot
)

// Clock domains.
const (
	DomainVirtual = vclock.DomainVirtual
	DomainReal    = vclock.DomainReal
	DomainTSC     = vclock.DomainTSC
)

// BAR kinds.
const (
	BARPort          = pcibus.BARPort
	BARMem32         = pcibus.BARMem32
	BARMem64         = pcibus.BARMem64
	BARMem64Prefetch = pcibus.BARMem64Prefetch
)

// Device and function number sentinels for RegisterPCI.
const (
	DevSameAsPrevious = pcibus.DevSameAsPrevious
	DevFirstUnused    = pcibus.DevFirstUnused
	FunFirstUnused    = pcibus.FunFirstUnused
)

// Reset reasons.
const (
	ResetFull         = devmgr.ResetFull
	ResetKeyboard     = devmgr.ResetKeyboard
	ResetACPI         = devmgr.ResetACPI
	ResetTripleFault  = devmgr.ResetTripleFault
	ResetGuestRequest = devmgr.ResetGuestRequest
)

// Device classes.
const (
	ClassArch    = devmgr.ClassArch
	ClassBus     = devmgr.ClassBus
	ClassPIC     = devmgr.ClassPIC
	ClassIOAPIC  = devmgr.ClassIOAPIC
	ClassTimer   = devmgr.ClassTimer
	ClassSerial  = devmgr.ClassSerial
	ClassStorage = devmgr.ClassStorage
	ClassDMA     = devmgr.ClassDMA
	ClassMisc    = devmgr.ClassMisc
)

// Broadcast ordering flags.
const (
	FlagFirstReset    = devmgr.FlagFirstReset
	FlagFirstSuspend  = devmgr.FlagFirstSuspend
	FlagFirstPowerOff = devmgr.FlagFirstPowerOff
)

// Registration versioning.
const (
	CurrentAPIVersion = devmgr.CurrentAPIVersion
	SchemaV1          = devmgr.SchemaV1
)

// Common sentinel errors.
var (
	// ErrNotHandled reports a port or MMIO access nothing claimed.
	ErrNotHandled = iobus.ErrNotHandled

	// ErrDeferred reports a hot-path access that needs the user-context
	// path. The embedder retries the same access with ContextUser.
	ErrDeferred = iobus.ErrDeferred

	ErrUnknownType      = devmgr.ErrUnknownType
	ErrTooManyInstances = devmgr.ErrTooManyInstances
	ErrBadState         = devmgr.ErrBadState
)

// WithRegionName re-exports the I/O region naming option for device code.
func WithRegionName(name string) RegionOption { return iobus.WithName(name) }

// WithHotRegion marks an I/O region safe for hot-context dispatch.
func WithHotRegion() RegionOption { return iobus.WithHotContext() }

// RegisterDeviceType adds a device type to the registry new Machines draw
// from. Built-in devices register themselves the same way from package
// init, so types are process-global and names must be unique.
func RegisterDeviceType(reg Registration) error {
	return devmgr.DefaultRegistry.RegisterType(reg)
}

// LoadConfig parses a YAML machine description into a config tree.
func LoadConfig(data []byte) (*ConfigNode, error) {
	return cfgtree.Load(data)
}

// WriteStats renders samples as an aligned two-column table.
func WriteStats(w io.Writer, samples []Sample) error {
	return stats.WriteTable(w, samples)
}

// -----------------------------------------------------------------------------
// Machine Options
// -----------------------------------------------------------------------------

// Option configures a Machine.
type Option func(*machineOptions)

type machineOptions struct {
	log     *slog.Logger
	mem     hv.GuestMemory
	cpu     hv.CPUNotifier
	yaml    []byte
	cfg     *cfgtree.Node
	console io.ReadWriter
	types   []devmgr.Registration
	clock   []vclock.Option
}

// WithLogger sets the structured logger every component logs through.
// The default is slog.Default.
func WithLogger(log *slog.Logger) Option {
	return func(o *machineOptions) { o.log = log }
}

// WithGuestMemory supplies the guest physical address space. Without it
// the machine allocates a private buffer sized from the machine
// description's machine.memory-mb key.
func WithGuestMemory(mem GuestMemory) Option {
	return func(o *machineOptions) { o.mem = mem }
}

// WithCPUNotifier connects the embedder's virtual CPU. INTR line changes,
// vector deliveries and MSI messages are forwarded to it.
func WithCPUNotifier(cpu CPUNotifier) Option {
	return func(o *machineOptions) { o.cpu = cpu }
}

// WithConfigYAML supplies the machine description as YAML text. Parse
// errors surface from New.
func WithConfigYAML(data []byte) Option {
	return func(o *machineOptions) { o.yaml = data }
}

// WithConfig supplies an already parsed machine description. It takes
// precedence over WithConfigYAML.
func WithConfig(root *ConfigNode) Option {
	return func(o *machineOptions) { o.cfg = root }
}

// WithConsole attaches rw to the first serial port the machine creates.
// Transmitted bytes are written to rw and reads feed the receiver.
func WithConsole(rw io.ReadWriter) Option {
	return func(o *machineOptions) { o.console = rw }
}

// WithDeviceType registers an extra device type before the machine is
// built. Registration errors surface from New.
func WithDeviceType(reg Registration) Option {
	return func(o *machineOptions) { o.types = append(o.types, reg) }
}

// WithTSCFrequency pins the virtual TSC rate instead of deriving it from
// the host.
func WithTSCFrequency(hz uint64) Option {
	return func(o *machineOptions) { o.clock = append(o.clock, vclock.WithTSCFrequency(hz)) }
}

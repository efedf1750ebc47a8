// Package devmgr is the device instance manager: a registry of device types,
// the lifecycle state machine for their instances, and the capability table
// (Helpers) instances use to reach the rest of the framework. Types are
// registered once with a version-checked Registration; instances are created
// from configuration, driven through power-on, suspend, resume, reset and
// power-off broadcasts, and destructed exactly once.
package devmgr

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/mod/semver"
)

// CurrentAPIVersion is the device API version this build of the framework
// implements. A type built against a newer minor or a different major is
// refused at registration time.
const CurrentAPIVersion = "v1.3.0"

var (
	ErrUnknownType      = errors.New("devmgr: unknown device type")
	ErrTooManyInstances = errors.New("devmgr: instance limit reached")
	ErrBadState         = errors.New("devmgr: operation not valid in this state")
)

// Schema identifies the layout of the Registration struct itself, so a stale
// binary registering against a rebuilt framework fails loudly instead of
// misinterpreting fields.
type Schema uint32

const SchemaV1 Schema = 1

// Class describes what kind of hardware a device type emulates. Purely
// informational except where noted on the flags.
type Class uint32

const (
	ClassArch Class = 1 << iota
	ClassBus
	ClassPIC
	ClassIOAPIC
	ClassTimer
	ClassSerial
	ClassStorage
	ClassDMA
	ClassMisc
)

// Flag adjusts broadcast ordering for a device type. Flagged instances
// receive the matching notification before all unflagged ones, still in
// creation order among themselves.
type Flag uint32

const (
	FlagFirstReset Flag = 1 << iota
	FlagFirstSuspend
	FlagFirstPowerOff
)

// Registration describes a device type. Name and New are mandatory;
// MaxInstances of zero means one.
type Registration struct {
	Name         string
	APIVersion   string // semver the type was built against, e.g. "v1.2.0"
	Schema       Schema
	Class        Class
	MaxInstances int
	Description  string
	Flags        Flag
	New          func() Device
}

func (r Registration) maxInstances() int {
	if r.MaxInstances <= 0 {
		return 1
	}
	return r.MaxInstances
}

const maxTypeNameLen = 31

// Registry holds the known device types. A single registry is typically
// shared by every machine in the process.
type Registry struct {
	mu    sync.Mutex
	types map[string]Registration
}

func NewRegistry() *Registry {
	return &Registry{types: make(map[string]Registration)}
}

// RegisterType adds a device type. The registration is validated: the name
// must be usable as an instance name prefix, the schema must match this
// build, and the API version must be a semver within the range this framework
// accepts (same major as CurrentAPIVersion, minor at or below it).
func (r *Registry) RegisterType(reg Registration) error {
	if reg.Name == "" {
		return errors.New("devmgr: registration without a name")
	}
	if len(reg.Name) > maxTypeNameLen {
		return fmt.Errorf("devmgr: type name %q longer than %d chars", reg.Name, maxTypeNameLen)
	}
	if strings.ContainsAny(reg.Name, "#/ \t") {
		return fmt.Errorf("devmgr: type name %q contains reserved characters", reg.Name)
	}
	if reg.Schema != SchemaV1 {
		return fmt.Errorf("devmgr: type %q built against registration schema %d, want %d", reg.Name, reg.Schema, SchemaV1)
	}
	if reg.New == nil {
		return fmt.Errorf("devmgr: type %q has no constructor", reg.Name)
	}
	if !semver.IsValid(reg.APIVersion) {
		return fmt.Errorf("devmgr: type %q has invalid API version %q", reg.Name, reg.APIVersion)
	}
	if semver.Major(reg.APIVersion) != semver.Major(CurrentAPIVersion) {
		return fmt.Errorf("devmgr: type %q wants API %s, this framework implements %s", reg.Name, reg.APIVersion, CurrentAPIVersion)
	}
	if semver.Compare(reg.APIVersion, CurrentAPIVersion) > 0 {
		return fmt.Errorf("devmgr: type %q wants API %s, newer than %s", reg.Name, reg.APIVersion, CurrentAPIVersion)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.types[reg.Name]; ok {
		return fmt.Errorf("devmgr: type %q already registered", reg.Name)
	}
	r.types[reg.Name] = reg
	return nil
}

// Lookup returns the registration for a type name.
func (r *Registry) Lookup(name string) (Registration, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	reg, ok := r.types[name]
	return reg, ok
}

// Types returns the registered type names in no particular order.
func (r *Registry) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([]string, 0, len(r.types))
	for name := range r.types {
		out = append(out, name)
	}
	return out
}

// Package critsect implements the recursive critical sections that serialize
// access to device instance state. A section knows which goroutine owns it,
// how deep the recursion is, and whether anyone is waiting, which is what the
// dispatch layers need for their no-block fast paths and their lock
// diagnostics.
package critsect

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tinyrange/vdm/internal/stats"
)

// ErrBusy is the status TryEnter reports when the section is held by another
// goroutine.
var ErrBusy = errors.New("critsect: section busy")

type Section struct {
	name string

	mu        sync.Mutex
	cond      *sync.Cond
	owner     uint64 // goroutine id, 0 when free
	ownerTID  int    // OS thread of the owner, diagnostics only
	recursion int
	waiters   int

	enters     stats.Counter
	contended  stats.Counter
	recursions stats.Counter
}

func New(name string) *Section {
	s := &Section{name: name}
	s.cond = sync.NewCond(&s.mu)
	return s
}

func (s *Section) Name() string { return s.name }

// Enter acquires the section. Re-entry by the owning goroutine succeeds
// immediately and deepens the recursion. If the section is held elsewhere and
// busy is non-nil, Enter returns busy without blocking; with a nil busy it
// waits its turn.
func (s *Section) Enter(busy error) error {
	gid := goroutineID()

	s.mu.Lock()
	s.enters.Inc()
	if s.owner == gid {
		s.recursion++
		s.recursions.Inc()
		s.mu.Unlock()
		return nil
	}
	if s.owner != 0 {
		s.contended.Inc()
		if busy != nil {
			s.mu.Unlock()
			return busy
		}
		s.waiters++
		for s.owner != 0 {
			s.cond.Wait()
		}
		s.waiters--
	}
	s.owner = gid
	s.ownerTID = osThreadID()
	s.recursion = 1
	s.mu.Unlock()
	return nil
}

// TryEnter is Enter with the package's own busy status.
func (s *Section) TryEnter() error { return s.Enter(ErrBusy) }

// Leave drops one recursion level. Releasing the last level frees the section
// and wakes a waiter. Calling Leave from a goroutine that does not own the
// section is a programming error and panics.
func (s *Section) Leave() {
	gid := goroutineID()

	s.mu.Lock()
	if s.owner != gid {
		owner, tid := s.owner, s.ownerTID
		s.mu.Unlock()
		panic(fmt.Sprintf("critsect: %q left by goroutine %d, owned by goroutine %d (tid %d)",
			s.name, gid, owner, tid))
	}
	s.recursion--
	if s.recursion == 0 {
		s.owner = 0
		s.ownerTID = 0
		s.cond.Signal()
	}
	s.mu.Unlock()
}

// IsOwner reports whether the calling goroutine holds the section.
func (s *Section) IsOwner() bool {
	gid := goroutineID()
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.owner == gid
}

// Recursion reports the nesting depth as seen by the owning goroutine; zero
// means free.
func (s *Section) Recursion() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.recursion
}

// HasWaiters reports whether any goroutine is blocked in Enter.
func (s *Section) HasWaiters() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.waiters > 0
}

// RegisterStats attaches the section's counters to a registry under prefix.
func (s *Section) RegisterStats(r *stats.Registry, prefix string) error {
	if err := r.Register(prefix+"/enters", &s.enters); err != nil {
		return err
	}
	if err := r.Register(prefix+"/contended", &s.contended); err != nil {
		return err
	}
	return r.Register(prefix+"/recursions", &s.recursions)
}

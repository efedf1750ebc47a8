// Package vclock provides the framework's clock domains and one-shot timers.
// The virtual domain advances only while the machine runs, the real domain
// follows the host monotonic clock, and the TSC domain is the virtual domain
// scaled to a nominal counter frequency. Timer callbacks run on the
// scheduler's servicing goroutine with the timer's critical section entered.
package vclock

import (
	"container/heap"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tinyrange/vdm/internal/critsect"
)

type Domain uint8

const (
	DomainVirtual Domain = iota
	DomainReal
	DomainTSC
)

func (d Domain) String() string {
	switch d {
	case DomainVirtual:
		return "virtual"
	case DomainReal:
		return "real"
	case DomainTSC:
		return "tsc"
	default:
		return fmt.Sprintf("domain(%d)", uint8(d))
	}
}

const nsPerSec = 1_000_000_000

// DefaultTSCFrequency is the nominal TSC rate when the embedder does not
// supply one.
const DefaultTSCFrequency = 1_000_000_000

type Option func(*Scheduler)

func WithTSCFrequency(hz uint64) Option {
	return func(s *Scheduler) { s.tscFreq = hz }
}

// Scheduler owns the clock domains and services every timer from one
// goroutine. Close stops that goroutine and waits for it.
type Scheduler struct {
	log     *slog.Logger
	tscFreq uint64
	birth   time.Time

	mu        sync.Mutex
	paused    bool
	virtBase  uint64    // accumulated virtual ns up to virtStamp
	virtStamp time.Time // host stamp of the last resume
	virtHeap  timerHeap // virtual and tsc timers, keyed in virtual ns
	realHeap  timerHeap // real timers, keyed in host ns

	wake      chan struct{}
	done      chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
}

func NewScheduler(log *slog.Logger, opts ...Option) *Scheduler {
	if log == nil {
		log = slog.Default()
	}
	s := &Scheduler{
		log:     log,
		tscFreq: DefaultTSCFrequency,
		birth:   time.Now(),
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		exited:  make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.virtStamp = s.birth
	go s.run()
	return s
}

// Close stops the servicing goroutine and waits for it to exit. Armed timers
// never fire afterwards.
func (s *Scheduler) Close() error {
	s.closeOnce.Do(func() {
		close(s.done)
		<-s.exited
	})
	return nil
}

// Pause freezes the virtual and TSC domains. Real timers keep firing.
func (s *Scheduler) Pause() {
	s.mu.Lock()
	if !s.paused {
		s.virtBase += uint64(time.Since(s.virtStamp))
		s.paused = true
	}
	s.mu.Unlock()
	s.kick()
}

// Resume thaws the virtual and TSC domains.
func (s *Scheduler) Resume() {
	s.mu.Lock()
	if s.paused {
		s.virtStamp = time.Now()
		s.paused = false
	}
	s.mu.Unlock()
	s.kick()
}

// Now reads the current value of a clock domain in its native units
// (nanoseconds for virtual and real, counter ticks for TSC).
func (s *Scheduler) Now(d Domain) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nowLocked(d)
}

// Freq reports a domain's rate in units per second.
func (s *Scheduler) Freq(d Domain) uint64 {
	if d == DomainTSC {
		return s.tscFreq
	}
	return nsPerSec
}

func (s *Scheduler) nowLocked(d Domain) uint64 {
	switch d {
	case DomainReal:
		return uint64(time.Since(s.birth))
	case DomainVirtual:
		return s.virtNowLocked()
	case DomainTSC:
		return scale(s.virtNowLocked(), s.tscFreq, nsPerSec)
	default:
		panic(fmt.Sprintf("vclock: unknown domain %d", d))
	}
}

func (s *Scheduler) virtNowLocked() uint64 {
	if s.paused {
		return s.virtBase
	}
	return s.virtBase + uint64(time.Since(s.virtStamp))
}

// scale computes v*num/den without overflowing for the time ranges involved.
func scale(v, num, den uint64) uint64 {
	q, r := v/den, v%den
	return q*num + r*num/den
}

func (s *Scheduler) kick() {
	select {
	case s.wake <- struct{}{}:
	default:
	}
}

func (s *Scheduler) run() {
	defer close(s.exited)

	sleep := time.NewTimer(time.Hour)
	defer sleep.Stop()

	for {
		due := s.collectDue()
		for _, t := range due {
			s.dispatch(t)
		}
		if len(due) > 0 {
			continue
		}

		d := s.nextSleep()
		if !sleep.Stop() {
			select {
			case <-sleep.C:
			default:
			}
		}
		sleep.Reset(d)

		select {
		case <-sleep.C:
		case <-s.wake:
		case <-s.done:
			return
		}
	}
}

// collectDue pops every expired timer, marking it disarmed before its
// callback runs so the callback can re-arm.
func (s *Scheduler) collectDue() []*Timer {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*Timer
	if !s.paused {
		vnow := s.virtNowLocked()
		for len(s.virtHeap) > 0 && s.virtHeap[0].key <= vnow {
			t := heap.Pop(&s.virtHeap).(*Timer)
			t.armed = false
			due = append(due, t)
		}
	}
	rnow := uint64(time.Since(s.birth))
	for len(s.realHeap) > 0 && s.realHeap[0].key <= rnow {
		t := heap.Pop(&s.realHeap).(*Timer)
		t.armed = false
		due = append(due, t)
	}
	return due
}

func (s *Scheduler) nextSleep() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()

	d := time.Hour
	if !s.paused && len(s.virtHeap) > 0 {
		vnow := s.virtNowLocked()
		if head := s.virtHeap[0].key; head <= vnow {
			d = 0
		} else if v := time.Duration(head - vnow); v < d {
			d = v
		}
	}
	if len(s.realHeap) > 0 {
		rnow := uint64(time.Since(s.birth))
		if head := s.realHeap[0].key; head <= rnow {
			d = 0
		} else if v := time.Duration(head - rnow); v < d {
			d = v
		}
	}
	return d
}

func (s *Scheduler) dispatch(t *Timer) {
	if t.sect != nil {
		_ = t.sect.Enter(nil)
		defer t.sect.Leave()
	}
	t.fn(s.Now(t.domain))
}

// NewTimer creates a disarmed one-shot timer. The callback runs on the
// scheduler goroutine with sect entered; a nil sect means no lock is taken.
func (s *Scheduler) NewTimer(d Domain, sect *critsect.Section, name string, fn func(now uint64)) *Timer {
	if fn == nil {
		panic("vclock: timer " + name + " has no callback")
	}
	return &Timer{
		sched:     s,
		domain:    d,
		sect:      sect,
		name:      name,
		fn:        fn,
		heapIndex: -1,
	}
}

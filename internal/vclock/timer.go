package vclock

import (
	"container/heap"

	"github.com/tinyrange/vdm/internal/critsect"
)

// Timer is a one-shot timer owned by a scheduler. All state is guarded by the
// scheduler's lock; methods are safe from any goroutine, including the
// timer's own callback.
type Timer struct {
	sched  *Scheduler
	domain Domain
	sect   *critsect.Section
	name   string
	fn     func(now uint64)

	armed     bool
	expire    uint64 // in domain units
	key       uint64 // heap ordering key (virtual or real ns)
	heapIndex int
}

func (t *Timer) Name() string { return t.name }
func (t *Timer) Clock() Domain { return t.domain }

// SetExpire arms the timer for an absolute deadline in the timer's domain
// units. Re-arming an armed timer moves the deadline. A deadline already in
// the past fires as soon as the scheduler gets to it.
func (t *Timer) SetExpire(abs uint64) {
	s := t.sched
	s.mu.Lock()
	t.removeLocked()
	t.expire = abs
	t.key = abs
	if t.domain == DomainTSC {
		t.key = scale(abs, nsPerSec, s.tscFreq)
	}
	t.armed = true
	heap.Push(t.heapLocked(), t)
	s.mu.Unlock()
	s.kick()
}

// SetRelative arms the timer d domain-units from now.
func (t *Timer) SetRelative(d uint64) {
	t.SetExpire(t.sched.Now(t.domain) + d)
}

// Stop disarms the timer. A callback already dispatched keeps running; Stop
// only guarantees no new dispatch.
func (t *Timer) Stop() {
	s := t.sched
	s.mu.Lock()
	t.removeLocked()
	s.mu.Unlock()
}

func (t *Timer) IsArmed() bool {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.armed
}

// Expire returns the armed deadline in domain units, and whether the timer is
// armed at all.
func (t *Timer) Expire() (uint64, bool) {
	t.sched.mu.Lock()
	defer t.sched.mu.Unlock()
	return t.expire, t.armed
}

func (t *Timer) removeLocked() {
	if t.armed && t.heapIndex >= 0 {
		heap.Remove(t.heapLocked(), t.heapIndex)
	}
	t.armed = false
}

func (t *Timer) heapLocked() *timerHeap {
	if t.domain == DomainReal {
		return &t.sched.realHeap
	}
	return &t.sched.virtHeap
}

type timerHeap []*Timer

func (h timerHeap) Len() int           { return len(h) }
func (h timerHeap) Less(i, j int) bool { return h[i].key < h[j].key }

func (h timerHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].heapIndex = i
	h[j].heapIndex = j
}

func (h *timerHeap) Push(x any) {
	t := x.(*Timer)
	t.heapIndex = len(*h)
	*h = append(*h, t)
}

func (h *timerHeap) Pop() any {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	t.heapIndex = -1
	*h = old[:n-1]
	return t
}

package devmgr

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Thread is a goroutine owned by a device instance and driven by the machine
// lifecycle: started at power-on, parked at its Sleeping checkpoints while
// the machine is suspended, cancelled and joined at power-off. Bodies run in
// the manager's errgroup, so a failing thread takes the machine's run loop
// down with a real error instead of dying silently.
type Thread struct {
	name string
	in   *Instance

	mu        sync.Mutex
	body      ThreadFunc
	running   bool
	suspended bool
	resumeCh  chan struct{}
	cancel    context.CancelFunc
	done      chan struct{}
}

func newThread(in *Instance, name string, body ThreadFunc) *Thread {
	ch := make(chan struct{})
	close(ch)
	return &Thread{name: name, in: in, body: body, resumeCh: ch}
}

func (t *Thread) Name() string { return t.name }

// Sleeping is the suspension checkpoint. While the machine runs it returns
// immediately with nil; while suspended it blocks until resume. A non-nil
// return means the thread was cancelled and the body must exit.
func (t *Thread) Sleeping(ctx context.Context) error {
	t.mu.Lock()
	ch := t.resumeCh
	t.mu.Unlock()

	select {
	case <-ch:
		return ctx.Err()
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (t *Thread) start(ctx context.Context, eg *errgroup.Group) {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return
	}
	tctx, cancel := context.WithCancel(ctx)
	t.running = true
	t.cancel = cancel
	t.done = make(chan struct{})
	done := t.done
	t.mu.Unlock()

	t.in.log.Debug("starting device thread", "thread", t.name)
	eg.Go(func() error {
		defer close(done)
		err := t.body(tctx, t)
		if err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("devmgr: thread %s/%s: %w", t.in.InstanceName(), t.name, err)
		}
		return nil
	})
}

// stop cancels the thread and waits for the body to return. Safe to call on
// a thread that never started.
func (t *Thread) stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
}

// suspendGate closes the running window; the thread parks at its next
// Sleeping call. resumeGate reopens it. Neither waits for the thread to
// actually reach a checkpoint, so a suspend broadcast cannot deadlock
// against a thread that is blocked on a device section.
func (t *Thread) suspendGate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.suspended {
		return
	}
	t.suspended = true
	t.resumeCh = make(chan struct{})
}

func (t *Thread) resumeGate() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.suspended {
		return
	}
	t.suspended = false
	close(t.resumeCh)
}

package subsampling

import (
	"context"
	"sync"
)

// Timeline is the single logical thread every tile state change runs on.
// Decode completions are posted to it instead of touching tiles directly.
// Post must not block and must run functions in the order they were posted.
type Timeline interface {
	Post(fn func())
}

// SerialTimeline runs posted functions one at a time on its own goroutine
type SerialTimeline struct {
	mu      sync.Mutex
	cond    *sync.Cond
	queue   []func()
	closed  bool
	stopped chan struct{}
}

// NewSerialTimeline starts the timeline goroutine. Close stops it.
func NewSerialTimeline() *SerialTimeline {
	t := &SerialTimeline{stopped: make(chan struct{})}
	t.cond = sync.NewCond(&t.mu)
	go t.run()
	return t
}

func (t *SerialTimeline) Post(fn func()) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.closed {
		return
	}
	t.queue = append(t.queue, fn)
	t.cond.Signal()
}

func (t *SerialTimeline) run() {
	defer close(t.stopped)
	for {
		t.mu.Lock()
		for len(t.queue) == 0 && !t.closed {
			t.cond.Wait()
		}
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return
		}
		fn := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		fn()
	}
}

// Close stops accepting work. Functions already queued still run; Done is
// closed after the last one. Close does not wait, so it may be called from a
// function running on the timeline.
func (t *SerialTimeline) Close() {
	t.mu.Lock()
	t.closed = true
	t.cond.Signal()
	t.mu.Unlock()
}

// Done is closed once the timeline goroutine has exited
func (t *SerialTimeline) Done() <-chan struct{} {
	return t.stopped
}

// ManualTimeline queues posted functions until the owner drains them. It
// suits hosts with their own event loop, command line tools and tests.
type ManualTimeline struct {
	mu     sync.Mutex
	queue  []func()
	notify chan struct{}
}

func NewManualTimeline() *ManualTimeline {
	return &ManualTimeline{notify: make(chan struct{}, 1)}
}

func (t *ManualTimeline) Post(fn func()) {
	t.mu.Lock()
	t.queue = append(t.queue, fn)
	t.mu.Unlock()

	select {
	case t.notify <- struct{}{}:
	default:
	}
}

// RunPending runs every queued function, including those posted while
// draining, and returns how many ran.
func (t *ManualTimeline) RunPending() int {
	ran := 0
	for {
		t.mu.Lock()
		if len(t.queue) == 0 {
			t.mu.Unlock()
			return ran
		}
		fn := t.queue[0]
		t.queue[0] = nil
		t.queue = t.queue[1:]
		t.mu.Unlock()

		fn()
		ran++
	}
}

// Pending returns the number of queued functions
func (t *ManualTimeline) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.queue)
}

// Wait blocks until something is queued or ctx is done
func (t *ManualTimeline) Wait(ctx context.Context) error {
	if t.Pending() > 0 {
		return nil
	}
	select {
	case <-t.notify:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

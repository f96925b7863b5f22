package coalesce

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

var ErrTaskPanic = errors.New("coalesce: task panicked")

// Loop is a cooperative single-threaded task queue. Tasks only ever run on
// the goroutine calling Tick, Drain or Run; Post and Do may be called from
// anywhere, which is how a multi-goroutine host funnels its calls onto one
// executor.
type Loop struct {
	mu    sync.Mutex
	queue []func()
	wake  chan struct{}
}

func NewLoop() *Loop {
	return &Loop{wake: make(chan struct{}, 1)}
}

func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// Tick runs the tasks queued before the call and returns how many ran. Tasks
// posted while ticking wait for the next tick. If a task panics the tasks
// after it are put back at the front of the queue and the panic propagates.
func (l *Loop) Tick() int {
	l.mu.Lock()
	batch := l.queue
	l.queue = nil
	l.mu.Unlock()

	i := 0
	defer func() {
		if i >= len(batch) {
			return
		}
		rest := batch[i+1:]
		if len(rest) == 0 {
			return
		}
		l.mu.Lock()
		l.queue = append(append([]func(){}, rest...), l.queue...)
		l.mu.Unlock()
	}()

	for ; i < len(batch); i++ {
		batch[i]()
	}
	return len(batch)
}

// Drain ticks until the queue is empty and returns the total tasks run.
func (l *Loop) Drain() (n int) {
	for {
		ran := l.Tick()
		if ran == 0 {
			return n
		}
		n += ran
	}
}

func (l *Loop) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.queue)
}

// Run serves the queue on the calling goroutine until ctx is done.
func (l *Loop) Run(ctx context.Context) error {
	for {
		l.Drain()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-l.wake:
		}
	}
}

// Do posts fn to the loop and waits for it to finish. It must not be called
// from a task running on the loop itself.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan error, 1)
	l.Post(func() {
		done <- runTask(fn)
	})

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func runTask(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrTaskPanic, r)
		}
	}()
	fn()
	return nil
}

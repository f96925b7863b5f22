// Package coalesce collapses repeated synchronous requests into a single
// invocation on the next tick of a cooperative scheduler.
//
//	c := coalesce.New(loop, flush)
//	c.Request()
//	c.Request() // still one pending firing
//	loop.Tick() // flush runs once
package coalesce

// Scheduler is anything that can run a task on a later tick of the same
// logical thread.
type Scheduler interface {
	Post(fn func())
}

// SchedulerFunc adapts a function to Scheduler.
type SchedulerFunc func(fn func())

func (f SchedulerFunc) Post(fn func()) { f(fn) }

type Coalescer struct {
	fn       func()
	sched    Scheduler
	pending  bool
	disposed bool
	fired    int
}

func New(sched Scheduler, fn func()) *Coalescer {
	if sched == nil {
		panic("coalesce: nil scheduler")
	}
	return &Coalescer{fn: fn, sched: sched}
}

// Request schedules fn for the next tick unless a firing is already pending.
func (c *Coalescer) Request() {
	if c.disposed || c.pending {
		return
	}
	c.pending = true
	c.sched.Post(c.fire)
}

func (c *Coalescer) fire() {
	if !c.pending || c.disposed {
		return
	}
	c.pending = false
	c.invoke()
}

// Flush runs fn now. A pending tick firing becomes a no-op.
func (c *Coalescer) Flush() {
	if c.disposed {
		return
	}
	c.pending = false
	c.invoke()
}

func (c *Coalescer) invoke() {
	c.fired++
	c.fn()
}

// Dispose permanently suppresses future firings.
func (c *Coalescer) Dispose() {
	c.disposed = true
	c.pending = false
}

func (c *Coalescer) Pending() bool  { return c.pending }
func (c *Coalescer) Disposed() bool { return c.disposed }

// Fired counts how many times fn actually ran.
func (c *Coalescer) Fired() int { return c.fired }

// Group hands out one Coalescer per key. Go funcs are not comparable, so the
// identity that makes wrapping idempotent is a caller supplied comparable key.
type Group struct {
	sched Scheduler
	byKey map[any]*Coalescer
}

func NewGroup(sched Scheduler) *Group {
	return &Group{sched: sched, byKey: map[any]*Coalescer{}}
}

// Wrap returns the coalescer registered under key, creating it around fn on
// first use. Later calls ignore fn. A disposed key stays disposed.
func (g *Group) Wrap(key any, fn func()) *Coalescer {
	if c, ok := g.byKey[key]; ok {
		return c
	}
	c := New(g.sched, fn)
	g.byKey[key] = c
	return c
}

// Dispose disposes the coalescer under key, if any.
func (g *Group) Dispose(key any) {
	if c, ok := g.byKey[key]; ok {
		c.Dispose()
	}
}

func (g *Group) Len() int { return len(g.byKey) }

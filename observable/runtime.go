// Package observable is a fine-grained reactive store. Raw targets (Record,
// Sequence) are wrapped into read and write views; reads made while an
// observer is running become (target, key) dependencies of that observer,
// writes are logged and coalesced into a flush that re-runs exactly the
// observers depending on the written keys.
//
//	rt := observable.New()
//	state, set := rt.Observe(observable.RecordOf(map[string]any{"x": 1}))
//	var doubled int
//	rt.Autorun(func() { doubled = observable.GetAs[int](state, "x") * 2 })
//	set(func(w *observable.View) { w.Set("x", 5) })
//	// doubled == 10
//
// A Runtime is single-threaded and holds no locks. Hosts with several
// goroutines funnel every call through one executor, e.g. coalesce.Loop.Do.
package observable

import (
	"fmt"

	"github.com/delaneyj/watchparty/coalesce"
	"github.com/delaneyj/watchparty/layered"
	"go.uber.org/zap"
)

type Runtime struct {
	logger  *zap.Logger
	sched   coalesce.Scheduler
	loop    *coalesce.Loop
	flusher *coalesce.Coalescer

	refs *RefTable

	// stack of current observers; a nil entry means untracked
	stack   []*Observer
	running *layered.Set[*Observer]
	lastSeq uint64

	log       []record
	writes    uint64
	spanDepth int
	handlers  WatchHandlers
	closed    bool
}

type Option func(*Runtime)

func WithLogger(logger *zap.Logger) Option {
	return func(rt *Runtime) {
		if logger != nil {
			rt.logger = logger
		}
	}
}

// WithScheduler sets where coalesced flushes are posted. By default the
// runtime owns a coalesce.Loop, reachable through Loop.
func WithScheduler(s coalesce.Scheduler) Option {
	return func(rt *Runtime) {
		rt.sched = s
	}
}

func New(opts ...Option) *Runtime {
	rt := &Runtime{
		logger:  zap.NewNop(),
		refs:    NewRefTable(),
		running: layered.New[*Observer](),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.sched == nil {
		rt.loop = coalesce.NewLoop()
		rt.sched = rt.loop
	}
	rt.flusher = coalesce.New(rt.sched, rt.flush)
	return rt
}

// Loop is the runtime's own scheduler, nil when WithScheduler was used.
func (rt *Runtime) Loop() *coalesce.Loop { return rt.loop }

func (rt *Runtime) Refs() *RefTable { return rt.refs }

func (rt *Runtime) Logger() *zap.Logger { return rt.logger }

// Pending is the number of write records waiting for a flush.
func (rt *Runtime) Pending() int { return len(rt.log) }

// Writes counts the writes logged so far; it is the Seq of the latest one.
func (rt *Runtime) Writes() uint64 { return rt.writes }

// Close stops all future flushes and drops pending writes. Views stay
// readable.
func (rt *Runtime) Close() {
	if rt.closed {
		return
	}
	rt.closed = true
	rt.flusher.Dispose()
	rt.log = nil
	rt.handlers = nil
	rt.logger.Debug("runtime closed", zap.Int("edges", rt.refs.Len()))
}

// Wrap returns the read and write views of t, creating them on first use.
// The same pair is returned for the lifetime of t.
func (rt *Runtime) Wrap(t Target) (read, write *View) {
	b := t.base()
	if b.pair == nil {
		if b.owner != nil && b.owner != rt {
			panic(fmt.Errorf("%w: target %d", ErrForeignTarget, b.id))
		}
		b.owner = rt
		b.pair = newPair(rt, t)
	} else if b.owner != rt {
		panic(fmt.Errorf("%w: target %d", ErrForeignTarget, b.id))
	}
	return b.pair.read, b.pair.write
}

func (rt *Runtime) wrapValue(value any, writable bool) any {
	t, ok := value.(Target)
	if !ok {
		return value
	}
	read, write := rt.Wrap(t)
	if writable {
		return write
	}
	return read
}

// SetWatchHandlers fills the single watch handler slot; nil clears it. Use a
// Multiplexer to serve several logical handlers.
func (rt *Runtime) SetWatchHandlers(h WatchHandlers) {
	rt.handlers = h
}

func (rt *Runtime) WatchHandlers() WatchHandlers { return rt.handlers }

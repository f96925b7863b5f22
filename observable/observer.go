package observable

import (
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

// Observer is a re-runnable computation. Every read it makes through a view
// while current becomes one of its dependencies; when any of them changes
// the next flush runs it again.
type Observer struct {
	rt       *Runtime
	seq      uint64
	fn       func()
	parent   *Observer
	children mapset.Set[*Observer]

	cancelled bool
	runs      int
}

// Autorun runs fn immediately as a new observer and returns its handle. An
// observer started while another one is running becomes its child and is
// cancelled before the parent's next run. Started inside an observer that
// has already been cancelled, it is returned cancelled and fn never runs.
func (rt *Runtime) Autorun(fn func()) *Observer {
	rt.lastSeq++
	o := &Observer{
		rt:       rt,
		seq:      rt.lastSeq,
		fn:       fn,
		children: mapset.NewThreadUnsafeSet[*Observer](),
	}
	if parent := rt.Current(); parent != nil {
		if parent.cancelled {
			o.cancelled = true
			rt.logger.Debug("autorun started by a cancelled observer",
				zap.Uint64("observer", o.seq),
				zap.Uint64("parent", parent.seq),
			)
			return o
		}
		o.parent = parent
		parent.children.Add(o)
	}
	o.run()
	return o
}

func (o *Observer) run() {
	if o.cancelled {
		return
	}
	o.cancelChildren()
	o.rt.refs.Clear(o)
	o.runs++

	o.rt.enter(o)
	defer o.rt.exit(o)
	o.fn()
}

// Cancel stops o and everything started inside it. It is idempotent.
func (o *Observer) Cancel() {
	if o.cancelled {
		return
	}
	o.cancelled = true
	o.cancelChildren()
	o.rt.refs.Clear(o)
	if o.parent != nil {
		o.parent.children.Remove(o)
		o.parent = nil
	}
}

func (o *Observer) cancelChildren() {
	if o.children.Cardinality() == 0 {
		return
	}
	for _, child := range o.children.ToSlice() {
		child.Cancel()
	}
	o.children.Clear()
}

func (o *Observer) eachDescendant(fn func(d *Observer)) {
	o.children.Each(func(child *Observer) bool {
		fn(child)
		child.eachDescendant(fn)
		return false
	})
}

func (o *Observer) Cancelled() bool { return o.cancelled }

// Runs counts executions, the first one included.
func (o *Observer) Runs() int { return o.runs }

// Children is the number of live observers started by o's latest run.
func (o *Observer) Children() int { return o.children.Cardinality() }

func (o *Observer) Parent() *Observer { return o.parent }

// Current is the observer reads are attributed to, nil when untracked.
func (rt *Runtime) Current() *Observer {
	if len(rt.stack) == 0 {
		return nil
	}
	return rt.stack[len(rt.stack)-1]
}

func (rt *Runtime) enter(o *Observer) {
	if o != nil && rt.running.Has(o) {
		rt.logger.Debug("observer re-entered while running",
			zap.Uint64("observer", o.seq),
			zap.Int("depth", len(rt.stack)),
		)
	}
	rt.stack = append(rt.stack, o)
	rt.running.Save()
	if o != nil {
		rt.running.Add(o)
	}
}

func (rt *Runtime) exit(o *Observer) {
	last := len(rt.stack) - 1
	if last < 0 || rt.stack[last] != o {
		panic("observable: observer stack out of balance")
	}
	rt.stack[last] = nil
	rt.stack = rt.stack[:last]
	rt.running.Restore()
}

// Running reports whether o is somewhere on the observer stack.
func (rt *Runtime) Running(o *Observer) bool {
	return rt.running.Has(o)
}

func (rt *Runtime) track(t Target, key any) {
	o := rt.Current()
	if o == nil || o.cancelled {
		return
	}
	rt.refs.Add(t, key, o)
}

// WithoutObserver runs fn with no current observer, so its reads register
// nothing.
func (rt *Runtime) WithoutObserver(fn func()) {
	rt.enter(nil)
	defer rt.exit(nil)
	fn()
}

// Untracked is WithoutObserver for computations returning a value.
func Untracked[T any](rt *Runtime, fn func() T) T {
	var t T
	rt.WithoutObserver(func() {
		t = fn()
	})
	return t
}

// BindObserver returns a function that runs fn with o as the current
// observer, re-establishing dependency attribution from callbacks invoked
// after the observer's own run has returned. A nil o binds whatever
// observer is current at the time of the call to BindObserver.
func (rt *Runtime) BindObserver(fn func(), o *Observer) func() {
	if o == nil {
		o = rt.Current()
	}
	return func() {
		rt.enter(o)
		defer rt.exit(o)
		fn()
	}
}

package observable

type setOptions struct {
	lazy bool
}

type SetOption func(*setOptions)

// LazyFlush leaves the writes for the next scheduler tick instead of
// draining the write log before the setter returns.
func LazyFlush() SetOption {
	return func(o *setOptions) {
		o.lazy = true
	}
}

// Setter runs writer against the write view it was created for.
type Setter func(writer func(w *View), opts ...SetOption)

// Observe wraps initial and returns its read view with a setter for its
// write view. Unless LazyFlush is given, the setter flushes before it
// returns so the caller's next read sees settled state.
//
// A setter called from inside a running observer that depends on what it
// writes re-runs that observer once more, nested inside the current run.
func (rt *Runtime) Observe(initial Target) (*View, Setter) {
	read, write := rt.Wrap(initial)
	set := func(writer func(w *View), opts ...SetOption) {
		var o setOptions
		for _, opt := range opts {
			opt(&o)
		}
		writer(write)
		if !o.lazy {
			rt.Flush()
		}
	}
	return read, set
}

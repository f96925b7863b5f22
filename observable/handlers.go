package observable

// AssignEvent describes one elementary write forwarded by a flush.
type AssignEvent struct {
	// Seq numbers the write in the order it was made, see Runtime.Writes.
	Seq     uint64
	Target  Target
	Key     any
	Value   any
	Old     any
	Deleted bool
	// InSpan marks writes made by a composite sequence method.
	InSpan bool
}

// ApplyEvent describes one composite sequence call, forwarded once per call.
type ApplyEvent struct {
	Seq    uint64
	Target Target
	Method string
	Args   []any
}

// WatchHandlers receives the raw change stream of every flush.
type WatchHandlers interface {
	OnFlushStart()
	OnAssign(AssignEvent)
	OnApply(ApplyEvent)
	OnFlushEnd()
}

// HandlerFuncs adapts optional funcs to WatchHandlers. Nil fields are
// skipped.
type HandlerFuncs struct {
	FlushStart func()
	Assign     func(AssignEvent)
	Apply      func(ApplyEvent)
	FlushEnd   func()
}

func (h HandlerFuncs) OnFlushStart() {
	if h.FlushStart != nil {
		h.FlushStart()
	}
}

func (h HandlerFuncs) OnAssign(e AssignEvent) {
	if h.Assign != nil {
		h.Assign(e)
	}
}

func (h HandlerFuncs) OnApply(e ApplyEvent) {
	if h.Apply != nil {
		h.Apply(e)
	}
}

func (h HandlerFuncs) OnFlushEnd() {
	if h.FlushEnd != nil {
		h.FlushEnd()
	}
}

// Multiplexer fans the single watch handler slot of a runtime out to any
// number of logical handlers, called in registration order.
type Multiplexer struct {
	entries []*muxEntry
}

type muxEntry struct {
	h       WatchHandlers
	removed bool
}

func NewMultiplexer() *Multiplexer {
	return &Multiplexer{}
}

// Install puts m into rt's handler slot, replacing whatever was there.
func (m *Multiplexer) Install(rt *Runtime) *Multiplexer {
	rt.SetWatchHandlers(m)
	return m
}

// Add registers h and returns the function removing it again. Handlers
// added or removed during a flush take effect from the next event.
func (m *Multiplexer) Add(h WatchHandlers) (remove func()) {
	e := &muxEntry{h: h}
	m.entries = append(m.entries, e)
	return func() {
		if e.removed {
			return
		}
		e.removed = true
		for i, x := range m.entries {
			if x == e {
				m.entries = append(m.entries[:i:i], m.entries[i+1:]...)
				break
			}
		}
	}
}

func (m *Multiplexer) Len() int { return len(m.entries) }

func (m *Multiplexer) each(fn func(h WatchHandlers)) {
	entries := m.entries
	for _, e := range entries {
		if !e.removed {
			fn(e.h)
		}
	}
}

func (m *Multiplexer) OnFlushStart() {
	m.each(func(h WatchHandlers) { h.OnFlushStart() })
}

func (m *Multiplexer) OnAssign(e AssignEvent) {
	m.each(func(h WatchHandlers) { h.OnAssign(e) })
}

func (m *Multiplexer) OnApply(e ApplyEvent) {
	m.each(func(h WatchHandlers) { h.OnApply(e) })
}

func (m *Multiplexer) OnFlushEnd() {
	m.each(func(h WatchHandlers) { h.OnFlushEnd() })
}

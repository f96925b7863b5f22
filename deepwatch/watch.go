// Package deepwatch reports every mutation anywhere in the graph reachable
// from a watched root, by path. Shared sub-values and cycles are handled by
// per-watcher reference counting of the slots reaching each value.
package deepwatch

import (
	"fmt"
	"slices"

	"github.com/delaneyj/watchparty/observable"
	"go.uber.org/zap"
)

type ID uint64

type State uint8

const (
	Unwatched State = iota
	Registered
	Notifying
)

func (s State) String() string {
	switch s {
	case Registered:
		return "registered"
	case Notifying:
		return "notifying"
	default:
		return "unwatched"
	}
}

// Change is one write below a watched root. Value and Old are raw.
type Change struct {
	// Seq is the runtime's number for the write, see observable.Runtime.Writes.
	Seq     uint64
	Path    *Path
	Value   any
	Old     any
	Deleted bool
	InSpan  bool
}

// Call is one composite sequence call below a watched root; Path leads to
// the sequence itself.
type Call struct {
	Seq    uint64
	Path   *Path
	Method string
	Args   []any
}

// Handler callbacks are all optional. When OnApply is set, writes made by a
// composite call are folded into its Call and not delivered to OnAssign.
type Handler struct {
	OnAssign     func(Change)
	OnApply      func(Call)
	OnFlushStart func()
	OnFlushEnd   func()
}

type watcher struct {
	id    ID
	root  observable.Target
	deep  bool
	h     Handler
	state State

	nodes map[uint64]struct{}
	dirty []*parentRef
	paths *trie
	// bumped whenever a minimal edge changes; invalidates cached paths
	gen uint64
}

type Registry struct {
	logger    *zap.Logger
	pathLimit int

	lastID   ID
	watchers map[ID]*watcher
	// value id -> watcher -> ref
	refs map[uint64]map[ID]*parentRef
	// edges looked at by settle, for tests
	settleVisits int

	notifying []*watcher
	remove    func()
}

type Option func(*Registry)

func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithPathCacheLimit bounds the interned path nodes kept per watcher. Zero
// means unbounded.
func WithPathCacheLimit(n int) Option {
	return func(r *Registry) {
		r.pathLimit = n
	}
}

// New registers a registry as one handler of mux. Install mux on the
// runtime owning the watched values.
func New(mux *observable.Multiplexer, opts ...Option) *Registry {
	r := &Registry{
		logger:    zap.NewNop(),
		pathLimit: 4096,
		watchers:  map[ID]*watcher{},
		refs:      map[uint64]map[ID]*parentRef{},
	}
	for _, opt := range opts {
		opt(r)
	}
	r.remove = mux.Add(observable.HandlerFuncs{
		Assign:   r.onAssign,
		Apply:    r.onApply,
		FlushEnd: r.onFlushEnd,
	})
	return r
}

// Close unwatches everything and detaches the registry from its
// multiplexer.
func (r *Registry) Close() {
	for _, id := range r.ids() {
		r.Unwatch(id)
	}
	r.remove()
}

// WatchDeep reports writes anywhere below root, which is a Target or a
// *observable.View.
func (r *Registry) WatchDeep(root any, h Handler) ID {
	return r.watch(root, h, true)
}

func (r *Registry) WatchDeepFunc(root any, fn func(Change)) ID {
	return r.watch(root, Handler{OnAssign: fn}, true)
}

// WatchShallow reports writes to root's own keys only; paths have length 1.
func (r *Registry) WatchShallow(root any, fn func(Change)) ID {
	return r.watch(root, Handler{OnAssign: fn}, false)
}

func (r *Registry) watch(root any, h Handler, deep bool) ID {
	var t observable.Target
	switch x := root.(type) {
	case *observable.View:
		t = x.Raw()
	case observable.Target:
		t = x
	default:
		panic(fmt.Sprintf("deepwatch: cannot watch %T", root))
	}

	r.lastID++
	w := &watcher{
		id:    r.lastID,
		root:  t,
		deep:  deep,
		h:     h,
		state: Registered,
		nodes: map[uint64]struct{}{},
		paths: newTrie(r.pathLimit),
	}
	r.watchers[w.id] = w
	r.registerRoot(w)

	r.logger.Debug("watch",
		zap.Uint64("watcher", uint64(w.id)),
		zap.Bool("deep", deep),
		zap.Int("refs", len(w.nodes)),
	)
	return w.id
}

// Unwatch removes every ref of the watcher. Called while the watcher is
// being notified, it suppresses the rest of that flush's callbacks.
func (r *Registry) Unwatch(id ID) {
	w, ok := r.watchers[id]
	if !ok {
		return
	}
	for n := range w.nodes {
		byWatcher := r.refs[n]
		delete(byWatcher, id)
		if len(byWatcher) == 0 {
			delete(r.refs, n)
		}
	}
	r.logger.Debug("unwatch",
		zap.Uint64("watcher", uint64(id)),
		zap.Int("refs", len(w.nodes)),
	)
	w.nodes = nil
	w.dirty = nil
	w.paths = nil
	w.state = Unwatched
	delete(r.watchers, id)
}

func (r *Registry) State(id ID) State {
	if w, ok := r.watchers[id]; ok {
		return w.state
	}
	return Unwatched
}

// Refs is the number of values the watcher currently tracks, root included.
func (r *Registry) Refs(id ID) int {
	if w, ok := r.watchers[id]; ok {
		return len(w.nodes)
	}
	return 0
}

// Len is the number of live watchers.
func (r *Registry) Len() int { return len(r.watchers) }

func (r *Registry) ids() []ID {
	ids := make([]ID, 0, len(r.watchers))
	for id := range r.watchers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// watching lists the watchers holding a ref on t, in watch order.
func (r *Registry) watching(t observable.Target) []*watcher {
	byWatcher := r.refs[t.ID()]
	if len(byWatcher) == 0 {
		return nil
	}
	ws := make([]*watcher, 0, len(byWatcher))
	for id := range byWatcher {
		if w, ok := r.watchers[id]; ok {
			ws = append(ws, w)
		}
	}
	slices.SortFunc(ws, func(a, b *watcher) int {
		switch {
		case a.id < b.id:
			return -1
		case a.id > b.id:
			return 1
		}
		return 0
	})
	return ws
}

func (r *Registry) onAssign(e observable.AssignEvent) {
	for _, w := range r.watching(e.Target) {
		if w.state == Unwatched {
			continue
		}
		r.settle(w)
		ref := r.lookup(e.Target.ID(), w)
		if ref == nil {
			continue
		}
		if w.deep {
			r.rewire(w, ref, e.Key)
			r.settle(w)
		}

		if w.h.OnAssign == nil || (e.InSpan && w.h.OnApply != nil) {
			continue
		}
		path := w.paths.child(r.pathTo(w, ref), e.Key)
		if !r.begin(w) {
			continue
		}
		w.h.OnAssign(Change{
			Seq:     e.Seq,
			Path:    path,
			Value:   e.Value,
			Old:     e.Old,
			Deleted: e.Deleted,
			InSpan:  e.InSpan,
		})
	}
}

// rewire moves the edge (ref, key) from the child registered there to the
// child the slot holds now. The new child is registered first so a value
// moving between slots keeps its refs.
func (r *Registry) rewire(w *watcher, ref *parentRef, key any) {
	if key == observable.LengthKey {
		return
	}
	old := ref.out[key]
	next := childAt(ref.value, key)
	if old == next {
		return
	}

	e := edgeKey{ref.value.ID(), key}
	if next != nil {
		ref.out[key] = next
		r.walk(w, []visit{{value: next, edge: e, dist: ref.dist + 1}})
	} else {
		delete(ref.out, key)
	}
	if old != nil {
		r.unregister(w, old, e)
	}
}

// childAt reads the slot from raw storage, so the bookkeeping follows the
// live graph even when a handler wrote again before this event arrived.
func childAt(t observable.Target, key any) observable.Target {
	var v any
	switch x := t.(type) {
	case *observable.Record:
		k, ok := key.(string)
		if !ok {
			return nil
		}
		v, _ = x.Get(k)
	case *observable.Sequence:
		i, ok := key.(int)
		if !ok {
			return nil
		}
		v = x.At(i)
	}
	c, _ := v.(observable.Target)
	return c
}

func (r *Registry) onApply(e observable.ApplyEvent) {
	for _, w := range r.watching(e.Target) {
		if w.state == Unwatched || w.h.OnApply == nil {
			continue
		}
		r.settle(w)
		ref := r.lookup(e.Target.ID(), w)
		if ref == nil {
			continue
		}
		path := r.pathTo(w, ref)
		if !r.begin(w) {
			continue
		}
		w.h.OnApply(Call{Seq: e.Seq, Path: path, Method: e.Method, Args: e.Args})
	}
}

// begin moves w to Notifying on its first callback of a flush. It reports
// false once w has been unwatched.
func (r *Registry) begin(w *watcher) bool {
	switch w.state {
	case Unwatched:
		return false
	case Notifying:
		return true
	}
	w.state = Notifying
	r.notifying = append(r.notifying, w)
	if w.h.OnFlushStart != nil {
		w.h.OnFlushStart()
	}
	return w.state == Notifying
}

func (r *Registry) onFlushEnd() {
	ws := r.notifying
	r.notifying = nil
	for _, w := range ws {
		if w.state != Notifying {
			continue
		}
		w.state = Registered
		if w.h.OnFlushEnd != nil {
			w.h.OnFlushEnd()
		}
	}
}

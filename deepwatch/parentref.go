package deepwatch

import (
	"cmp"
	"fmt"
	"math"
	"slices"

	"github.com/delaneyj/watchparty/observable"
	"go.uber.org/zap"
)

const unreachable = math.MaxInt

// edgeKey is one (parent, key) slot reaching a child.
type edgeKey struct {
	parent uint64
	key    any
}

func compareEdges(a, b edgeKey) int {
	if c := cmp.Compare(a.parent, b.parent); c != 0 {
		return c
	}
	return compareKeys(a.key, b.key)
}

func compareKeys(a, b any) int {
	ai, aInt := a.(int)
	bi, bInt := b.(int)
	switch {
	case aInt && bInt:
		return cmp.Compare(ai, bi)
	case aInt:
		return -1
	case bInt:
		return 1
	}
	return cmp.Compare(fmt.Sprint(a), fmt.Sprint(b))
}

// parentRef is the bookkeeping of one watcher for one reachable value.
type parentRef struct {
	value observable.Target
	root  bool

	// multiset of slots currently holding value
	edges map[edgeKey]int
	dist  int
	min   edgeKey
	// dist and min are stale until settled
	dirty bool

	// children registered from this value, by key
	out map[any]observable.Target

	path    *Path
	pathGen uint64
}

// keys lists the keys of out in a stable order.
func (ref *parentRef) keys() []any {
	keys := make([]any, 0, len(ref.out))
	for k := range ref.out {
		keys = append(keys, k)
	}
	slices.SortFunc(keys, compareKeys)
	return keys
}

type visit struct {
	value observable.Target
	edge  edgeKey
	dist  int
}

func (r *Registry) lookup(id uint64, w *watcher) *parentRef {
	return r.refs[id][w.id]
}

func (r *Registry) store(w *watcher, ref *parentRef) {
	id := ref.value.ID()
	byWatcher, ok := r.refs[id]
	if !ok {
		byWatcher = map[ID]*parentRef{}
		r.refs[id] = byWatcher
	}
	byWatcher[w.id] = ref
	w.nodes[id] = struct{}{}
}

func (r *Registry) registerRoot(w *watcher) {
	ref := &parentRef{
		value: w.root,
		root:  true,
		edges: map[edgeKey]int{},
		out:   map[any]observable.Target{},
	}
	r.store(w, ref)
	if w.deep {
		r.walk(w, r.children(ref, 1))
	}
}

func (r *Registry) children(ref *parentRef, dist int) []visit {
	var next []visit
	id := ref.value.ID()
	observable.EachChild(ref.value, func(key any, child observable.Target) {
		ref.out[key] = child
		next = append(next, visit{value: child, edge: edgeKey{id, key}, dist: dist})
	})
	return next
}

// walk registers every value reachable from queue breadth first. A value
// already registered for w only gains the reaching edge, which is what
// terminates the walk on cycles and shares refs between paths.
func (r *Registry) walk(w *watcher, queue []visit) {
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]

		if ref := r.lookup(v.value.ID(), w); ref != nil {
			ref.edges[v.edge]++
			if !ref.root && v.dist < ref.dist {
				ref.dist, ref.min = v.dist, v.edge
				w.gen++
				r.relax(w, ref)
			}
			continue
		}

		ref := &parentRef{
			value: v.value,
			edges: map[edgeKey]int{v.edge: 1},
			dist:  v.dist,
			min:   v.edge,
			out:   map[any]observable.Target{},
		}
		r.store(w, ref)
		queue = append(queue, r.children(ref, v.dist+1)...)
	}
}

// relax pushes a shortened distance down to the children of ref.
func (r *Registry) relax(w *watcher, ref *parentRef) {
	queue := []*parentRef{ref}
	for len(queue) > 0 {
		ref := queue[0]
		queue = queue[1:]
		id := ref.value.ID()
		for _, key := range ref.keys() {
			c := r.lookup(ref.out[key].ID(), w)
			if c == nil || c.root || ref.dist+1 >= c.dist {
				continue
			}
			c.dist, c.min = ref.dist+1, edgeKey{id, key}
			queue = append(queue, c)
		}
	}
}

// unregister removes one reaching edge of child. The last edge drops the
// ref and everything only it reached; losing the minimal edge marks the
// ref for a lazy recompute.
func (r *Registry) unregister(w *watcher, child observable.Target, e edgeKey) {
	if ref := r.release(w, child, e); ref != nil {
		r.drop(w, ref)
	}
}

// release is unregister without the drop; it returns the ref that lost its
// last edge, if any.
func (r *Registry) release(w *watcher, child observable.Target, e edgeKey) *parentRef {
	ref := r.lookup(child.ID(), w)
	if ref == nil {
		return nil
	}
	if n := ref.edges[e]; n > 1 {
		ref.edges[e] = n - 1
		return nil
	}
	delete(ref.edges, e)
	if ref.root {
		return nil
	}
	if len(ref.edges) == 0 {
		return ref
	}
	if ref.min == e {
		r.invalidate(w, ref)
	}
	return nil
}

// invalidate marks ref and every ref whose minimal edge hangs below it.
func (r *Registry) invalidate(w *watcher, ref *parentRef) {
	stack := []*parentRef{ref}
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if ref.dirty || ref.root {
			continue
		}
		ref.dirty = true
		w.dirty = append(w.dirty, ref)

		id := ref.value.ID()
		for key, child := range ref.out {
			if c := r.lookup(child.ID(), w); c != nil && !c.dirty && c.min == (edgeKey{id, key}) {
				stack = append(stack, c)
			}
		}
	}
	w.gen++
}

func (r *Registry) drop(w *watcher, ref *parentRef) {
	stack := []*parentRef{ref}
	for len(stack) > 0 {
		ref := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		id := ref.value.ID()
		byWatcher := r.refs[id]
		if byWatcher[w.id] != ref {
			continue
		}
		delete(byWatcher, w.id)
		if len(byWatcher) == 0 {
			delete(r.refs, id)
		}
		delete(w.nodes, id)
		ref.dirty = false
		w.gen++

		for _, k := range ref.keys() {
			if c := r.release(w, ref.out[k], edgeKey{id, k}); c != nil {
				stack = append(stack, c)
			}
		}
	}
}

// settle recomputes every invalidated ref of w in one pass over the dirty
// region. Each dirty ref is seeded from its clean parents, then distances
// spread through the region in increasing order, one unit per edge. Refs
// the spread never reaches only hang off each other (an orphaned cycle) and
// are swept.
func (r *Registry) settle(w *watcher) {
	for len(w.dirty) > 0 {
		region := make([]*parentRef, 0, len(w.dirty))
		for _, ref := range w.dirty {
			if ref.dirty && r.lookup(ref.value.ID(), w) == ref {
				region = append(region, ref)
			}
		}
		w.dirty = nil
		if len(region) == 0 {
			return
		}

		seeds := r.seed(w, region)
		r.spread(w, seeds)
		w.gen++

		for _, ref := range region {
			if !ref.dirty || r.lookup(ref.value.ID(), w) != ref {
				continue
			}
			r.logger.Debug("sweeping unreachable value",
				zap.Uint64("watcher", uint64(w.id)),
				zap.Uint64("value", ref.value.ID()),
				zap.Int("edges", len(ref.edges)),
			)
			r.drop(w, ref)
		}
	}
}

// pending is a dirty ref queued at a tentative distance.
type pending struct {
	ref  *parentRef
	dist int
}

// seed gives every ref of the region its best distance through a clean
// parent and returns the seeded ones, nearest first.
func (r *Registry) seed(w *watcher, region []*parentRef) []pending {
	var seeds []pending
	for _, ref := range region {
		ref.dist = unreachable
		edges := make([]edgeKey, 0, len(ref.edges))
		for e := range ref.edges {
			edges = append(edges, e)
		}
		slices.SortFunc(edges, compareEdges)

		for _, e := range edges {
			r.settleVisits++
			parent := r.lookup(e.parent, w)
			if parent == nil || parent.dirty {
				continue
			}
			if parent.dist+1 < ref.dist {
				ref.dist, ref.min = parent.dist+1, e
			}
		}
		if ref.dist != unreachable {
			seeds = append(seeds, pending{ref, ref.dist})
		}
	}
	slices.SortStableFunc(seeds, func(a, b pending) int {
		return cmp.Compare(a.dist, b.dist)
	})
	return seeds
}

// spread finalizes the region nearest first. Seeds and the FIFO of relaxed
// children are both ordered by distance, so merging them is enough.
func (r *Registry) spread(w *watcher, seeds []pending) {
	var queue []pending
	for len(seeds) > 0 || len(queue) > 0 {
		var next pending
		if len(queue) == 0 || (len(seeds) > 0 && seeds[0].dist <= queue[0].dist) {
			next, seeds = seeds[0], seeds[1:]
		} else {
			next, queue = queue[0], queue[1:]
		}
		ref := next.ref
		if !ref.dirty || next.dist != ref.dist {
			continue
		}
		ref.dirty = false

		id := ref.value.ID()
		for _, key := range ref.keys() {
			r.settleVisits++
			c := r.lookup(ref.out[key].ID(), w)
			if c == nil || !c.dirty || ref.dist+1 >= c.dist {
				continue
			}
			c.dist, c.min = ref.dist+1, edgeKey{id, key}
			queue = append(queue, pending{c, c.dist})
		}
	}
}

// pathTo follows minimal edges up to the root. Refs must be settled.
func (r *Registry) pathTo(w *watcher, ref *parentRef) *Path {
	if ref.root {
		return w.paths.root
	}
	if ref.path != nil && ref.pathGen == w.gen {
		return ref.path
	}
	parent := r.lookup(ref.min.parent, w)
	if parent == nil {
		panic(fmt.Sprintf("deepwatch: value %d has no parent ref %d", ref.value.ID(), ref.min.parent))
	}
	ref.path = w.paths.child(r.pathTo(w, parent), ref.min.key)
	ref.pathGen = w.gen
	return ref.path
}

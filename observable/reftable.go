package observable

import (
	"slices"

	mapset "github.com/deckarep/golang-set/v2"
)

type edge struct {
	target Target
	key    any
}

// RefTable is the dependency graph: (target, key) -> observers, plus the
// reverse index observer -> (target, key) so clearing one observer costs
// only the edges it holds.
type RefTable struct {
	forward map[edge]mapset.Set[*Observer]
	reverse map[*Observer]mapset.Set[edge]
	edges   int
}

func NewRefTable() *RefTable {
	return &RefTable{
		forward: map[edge]mapset.Set[*Observer]{},
		reverse: map[*Observer]mapset.Set[edge]{},
	}
}

func (t *RefTable) Add(target Target, key any, o *Observer) {
	e := edge{target: target, key: key}

	deps, ok := t.reverse[o]
	if !ok {
		deps = mapset.NewThreadUnsafeSet[edge]()
		t.reverse[o] = deps
	}
	if !deps.Add(e) {
		return
	}

	subs, ok := t.forward[e]
	if !ok {
		subs = mapset.NewThreadUnsafeSet[*Observer]()
		t.forward[e] = subs
	}
	subs.Add(o)
	t.edges++
}

// ForEachObserver visits the observers registered on (target, key) in
// creation order. fn may mutate the table.
func (t *RefTable) ForEachObserver(target Target, key any, fn func(o *Observer)) {
	subs, ok := t.forward[edge{target: target, key: key}]
	if !ok {
		return
	}
	observers := subs.ToSlice()
	slices.SortFunc(observers, func(a, b *Observer) int {
		return compareSeq(a.seq, b.seq)
	})
	for _, o := range observers {
		fn(o)
	}
}

func (t *RefTable) Observing(o *Observer) bool {
	deps, ok := t.reverse[o]
	return ok && deps.Cardinality() > 0
}

// Clear removes exactly the edges held by o.
func (t *RefTable) Clear(o *Observer) {
	deps, ok := t.reverse[o]
	if !ok {
		return
	}
	delete(t.reverse, o)

	deps.Each(func(e edge) bool {
		if subs, ok := t.forward[e]; ok {
			subs.Remove(o)
			if subs.Cardinality() == 0 {
				delete(t.forward, e)
			}
		}
		t.edges--
		return false
	})
}

// Len is the total number of edges.
func (t *RefTable) Len() int { return t.edges }

// Observers is the number of observers holding at least one edge.
func (t *RefTable) Observers() int { return len(t.reverse) }

// Dependencies is the number of edges held by o.
func (t *RefTable) Dependencies(o *Observer) int {
	if deps, ok := t.reverse[o]; ok {
		return deps.Cardinality()
	}
	return 0
}

func compareSeq(a, b uint64) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	}
	return 0
}

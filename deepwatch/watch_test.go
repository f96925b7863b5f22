package deepwatch_test

import (
	"testing"

	"github.com/delaneyj/watchparty/deepwatch"
	"github.com/delaneyj/watchparty/observable"
	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setup(t *testing.T) (*observable.Runtime, *deepwatch.Registry) {
	t.Helper()
	rt := observable.New()
	reg := deepwatch.New(observable.NewMultiplexer().Install(rt))
	t.Cleanup(reg.Close)
	return rt, reg
}

func paths(changes []deepwatch.Change) [][]any {
	out := make([][]any, len(changes))
	for i, c := range changes {
		out[i] = c.Path.Keys()
	}
	return out
}

func record(kv ...any) *observable.Record {
	r := observable.NewRecord()
	for i := 0; i < len(kv); i += 2 {
		r.Put(kv[i].(string), kv[i+1])
	}
	return r
}

func TestWatchDeepReportsPath(t *testing.T) {
	rt, reg := setup(t)
	s, set := rt.Observe(record("a", record("b", 1)))

	var changes []deepwatch.Change
	id := reg.WatchDeepFunc(s, func(c deepwatch.Change) {
		changes = append(changes, c)
	})
	assert.Equal(t, 2, reg.Refs(id))

	set(func(w *observable.View) { w.Child("a").Set("b", 2) })

	require.Len(t, changes, 1)
	if diff := cmp.Diff([]any{"a", "b"}, changes[0].Path.Keys()); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "a.b", changes[0].Path.String())
	assert.Equal(t, 2, changes[0].Value)
	assert.Equal(t, 1, changes[0].Old)
	assert.False(t, changes[0].Deleted)

	// the same slot reports the same interned path
	set(func(w *observable.View) { w.Child("a").Set("b", 3) })
	require.Len(t, changes, 2)
	assert.Same(t, changes[0].Path, changes[1].Path)
}

func TestSharedValueBetweenRoots(t *testing.T) {
	/*
	   rootA   rootB
	     s\     /t
	      shared
	*/
	rt, reg := setup(t)
	shared := record("n", 1)
	rootA := record("s", shared)
	rootB := record("t", shared)
	_, setA := rt.Observe(rootA)
	_, setB := rt.Observe(rootB)

	var gotA, gotB []deepwatch.Change
	reg.WatchDeepFunc(rootA, func(c deepwatch.Change) { gotA = append(gotA, c) })
	b := reg.WatchDeepFunc(rootB, func(c deepwatch.Change) { gotB = append(gotB, c) })

	setA(func(w *observable.View) { w.Child("s").Set("n", 2) })
	if diff := cmp.Diff([][]any{{"s", "n"}}, paths(gotA)); diff != "" {
		t.Errorf("rootA (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([][]any{{"t", "n"}}, paths(gotB)); diff != "" {
		t.Errorf("rootB (-want +got):\n%s", diff)
	}

	// rootB loses its only path to shared
	setB(func(w *observable.View) { w.Delete("t") })
	require.Len(t, gotB, 2)
	assert.True(t, gotB[1].Deleted)
	assert.Equal(t, 1, reg.Refs(b))

	setA(func(w *observable.View) { w.Child("s").Set("n", 3) })
	assert.Len(t, gotA, 2)
	assert.Len(t, gotB, 2)
}

func TestUnshiftIsOneCall(t *testing.T) {
	rt, reg := setup(t)
	root := record("list", observable.NewSequence("x", "y"))
	_, set := rt.Observe(root)

	var calls []deepwatch.Call
	var folded, elementary []deepwatch.Change
	reg.WatchDeep(root, deepwatch.Handler{
		OnAssign: func(c deepwatch.Change) { folded = append(folded, c) },
		OnApply:  func(c deepwatch.Call) { calls = append(calls, c) },
	})
	reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		elementary = append(elementary, c)
	})

	set(func(w *observable.View) { w.Child("list").Unshift("w") })

	require.Len(t, calls, 1)
	assert.Equal(t, "unshift", calls[0].Method)
	assert.Equal(t, []any{"w"}, calls[0].Args)
	if diff := cmp.Diff([]any{"list"}, calls[0].Path.Keys()); diff != "" {
		t.Errorf("call path (-want +got):\n%s", diff)
	}
	assert.Empty(t, folded)

	want := [][]any{
		{"list", 2},
		{"list", observable.LengthKey},
		{"list", 1},
		{"list", 0},
	}
	if diff := cmp.Diff(want, paths(elementary)); diff != "" {
		t.Errorf("elementary writes (-want +got):\n%s", diff)
	}
	for _, c := range elementary {
		assert.True(t, c.InSpan)
	}

	// plain writes still reach OnAssign
	set(func(w *observable.View) { w.Child("list").Set(0, "v") })
	require.Len(t, folded, 1)
	assert.Equal(t, "list[0]", folded[0].Path.String())
}

func TestCyclesTerminateAndOrphansAreSwept(t *testing.T) {
	/*
	   root
	    |a
	    a <-> b
	      b  a
	*/
	rt, reg := setup(t)
	a := observable.NewRecord()
	b := observable.NewRecord()
	a.Put("b", b)
	b.Put("a", a)
	root := record("a", a)
	_, set := rt.Observe(root)
	_, wb := rt.Wrap(b)

	var changes []deepwatch.Change
	id := reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})
	assert.Equal(t, 3, reg.Refs(id))

	set(func(*observable.View) { wb.Set("x", 1) })
	require.Len(t, changes, 1)
	if diff := cmp.Diff([]any{"a", "b", "x"}, changes[0].Path.Keys()); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}

	// a and b still reach each other but no longer the root
	set(func(w *observable.View) { w.Delete("a") })
	require.Len(t, changes, 2)
	assert.True(t, changes[1].Deleted)
	assert.Equal(t, 1, reg.Refs(id))

	set(func(*observable.View) { wb.Set("x", 2) })
	assert.Len(t, changes, 2)
}

func TestCycleBackToRoot(t *testing.T) {
	rt, reg := setup(t)
	root := observable.NewRecord()
	child := record("up", root)
	root.Put("child", child)
	_, set := rt.Observe(root)

	var changes []deepwatch.Change
	id := reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})
	assert.Equal(t, 2, reg.Refs(id))

	set(func(w *observable.View) { w.Child("child").Child("up").Set("n", 1) })
	require.Len(t, changes, 1)
	if diff := cmp.Diff([]any{"n"}, changes[0].Path.Keys()); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestPathFollowsShortestRemainingSlot(t *testing.T) {
	rt, reg := setup(t)
	x := record("v", 0)
	root := record("a", record("b", x), "c", observable.NewRecord())
	_, set := rt.Observe(root)
	_, wx := rt.Wrap(x)

	var changes []deepwatch.Change
	id := reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})

	set(func(w *observable.View) { w.Child("c").Set("x", x) })
	set(func(w *observable.View) { w.Child("a").Delete("b") })
	assert.Equal(t, 4, reg.Refs(id))

	changes = nil
	set(func(*observable.View) { wx.Set("v", 1) })
	require.Len(t, changes, 1)
	assert.Equal(t, "c.x.v", changes[0].Path.String())

	// a shorter slot wins as soon as it is registered
	set(func(w *observable.View) { w.Set("d", x) })
	changes = nil
	set(func(*observable.View) { wx.Set("v", 2) })
	require.Len(t, changes, 1)
	assert.Equal(t, "d.v", changes[0].Path.String())
}

func TestSequenceShiftMovesRefs(t *testing.T) {
	rt, reg := setup(t)
	r0 := record("v", 0)
	r1 := record("v", 0)
	root := record("list", observable.NewSequence(r0, r1))
	_, set := rt.Observe(root)
	_, w1 := rt.Wrap(r1)

	var changes []deepwatch.Change
	id := reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})
	assert.Equal(t, 4, reg.Refs(id))

	set(func(w *observable.View) { w.Child("list").Shift() })
	assert.Equal(t, 3, reg.Refs(id))

	changes = nil
	set(func(*observable.View) { w1.Set("v", 1) })
	require.Len(t, changes, 1)
	if diff := cmp.Diff([]any{"list", 0, "v"}, changes[0].Path.Keys()); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

func TestWatchShallow(t *testing.T) {
	rt, reg := setup(t)
	_, set := rt.Observe(record("a", record("b", 1)))
	root := observable.NewRecord()
	_, setRoot := rt.Observe(root.Put("a", record("b", 1)))

	var changes []deepwatch.Change
	id := reg.WatchShallow(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})
	assert.Equal(t, 1, reg.Refs(id))

	setRoot(func(w *observable.View) { w.Child("a").Set("b", 2) })
	assert.Empty(t, changes)

	setRoot(func(w *observable.View) { w.Set("c", 1) })
	require.Len(t, changes, 1)
	assert.Equal(t, 1, changes[0].Path.Len())
	assert.Equal(t, "c", changes[0].Path.Key())

	// other roots are not reported
	set(func(w *observable.View) { w.Set("c", 1) })
	assert.Len(t, changes, 1)
}

func TestWatcherStates(t *testing.T) {
	rt, reg := setup(t)
	root := record("a", 0, "b", 0)
	_, set := rt.Observe(root)

	var id deepwatch.ID
	var events []string
	id = reg.WatchDeep(root, deepwatch.Handler{
		OnFlushStart: func() { events = append(events, "start") },
		OnAssign: func(c deepwatch.Change) {
			assert.Equal(t, deepwatch.Notifying, reg.State(id))
			events = append(events, c.Path.String())
		},
		OnFlushEnd: func() { events = append(events, "end") },
	})
	assert.Equal(t, deepwatch.Registered, reg.State(id))

	set(func(w *observable.View) {
		w.Set("a", 1)
		w.Set("b", 1)
	})
	assert.Equal(t, []string{"start", "a", "b", "end"}, events)
	assert.Equal(t, deepwatch.Registered, reg.State(id))

	reg.Unwatch(id)
	assert.Equal(t, deepwatch.Unwatched, reg.State(id))
	assert.Equal(t, 0, reg.Refs(id))
	assert.Equal(t, 0, reg.Len())

	events = nil
	set(func(w *observable.View) { w.Set("a", 2) })
	assert.Empty(t, events)
	assert.NotPanics(t, func() { reg.Unwatch(id) })
}

func TestUnwatchWhileNotifying(t *testing.T) {
	rt, reg := setup(t)
	root := record("a", 0, "b", 0)
	_, set := rt.Observe(root)

	var id deepwatch.ID
	var events []string
	id = reg.WatchDeep(root, deepwatch.Handler{
		OnAssign: func(c deepwatch.Change) {
			events = append(events, c.Path.String())
			reg.Unwatch(id)
		},
		OnFlushEnd: func() { events = append(events, "end") },
	})

	set(func(w *observable.View) {
		w.Set("a", 1)
		w.Set("b", 1)
	})
	assert.Equal(t, []string{"a"}, events)
	assert.Equal(t, deepwatch.Unwatched, reg.State(id))
}

func TestPathString(t *testing.T) {
	rt, reg := setup(t)
	items := observable.NewSequence(record("name", "x"))
	root := record("items", items)
	_, set := rt.Observe(root)

	var got string
	reg.WatchDeepFunc(root, func(c deepwatch.Change) { got = c.Path.String() })

	set(func(w *observable.View) { w.Child("items").Child(0).Set("name", "y") })
	assert.Equal(t, "items[0].name", got)
}

func doublyLinked(n int) []*observable.Record {
	nodes := make([]*observable.Record, n)
	for i := range nodes {
		nodes[i] = record("v", 0)
	}
	for i := 0; i+1 < n; i++ {
		nodes[i].Put("next", nodes[i+1])
		nodes[i+1].Put("prev", nodes[i])
	}
	return nodes
}

func TestLongCycleIsSweptInOnePass(t *testing.T) {
	/*
	   root
	    |head
	    n0 <-> n1 <-> ... <-> n1999
	*/
	const n = 2000
	rt, reg := setup(t)
	nodes := doublyLinked(n)
	root := record("head", nodes[0])
	_, set := rt.Observe(root)

	var changes []deepwatch.Change
	id := reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})
	require.Equal(t, n+1, reg.Refs(id))

	before := reg.SettleVisits()
	set(func(w *observable.View) { w.Delete("head") })
	assert.Equal(t, 1, reg.Refs(id))
	assert.Less(t, reg.SettleVisits()-before, 8*n)

	require.Len(t, changes, 1)
	assert.Equal(t, "head", changes[0].Path.String())
	assert.True(t, changes[0].Deleted)

	// nothing below the old head reports anymore
	_, wlast := rt.Wrap(nodes[n-1])
	set(func(*observable.View) { wlast.Set("v", 1) })
	assert.Len(t, changes, 1)
}

func TestLongCycleReroutesThroughOtherRoot(t *testing.T) {
	/*
	   root
	    |head          |tail
	    n0 <-> ... <-> n1999
	*/
	const n = 2000
	rt, reg := setup(t)
	nodes := doublyLinked(n)
	root := record("head", nodes[0], "tail", nodes[n-1])
	_, set := rt.Observe(root)
	_, wfirst := rt.Wrap(nodes[0])

	var changes []deepwatch.Change
	id := reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})
	require.Equal(t, n+1, reg.Refs(id))

	set(func(*observable.View) { wfirst.Set("v", 1) })
	require.Len(t, changes, 1)
	assert.Equal(t, "head.v", changes[0].Path.String())

	before := reg.SettleVisits()
	set(func(w *observable.View) { w.Delete("head") })
	assert.Equal(t, n+1, reg.Refs(id))
	assert.Less(t, reg.SettleVisits()-before, 8*n)

	changes = nil
	set(func(*observable.View) { wfirst.Set("v", 2) })
	require.Len(t, changes, 1)
	keys := changes[0].Path.Keys()
	require.Len(t, keys, n+1)
	assert.Equal(t, "tail", keys[0])
	assert.Equal(t, "prev", keys[n-1])
	assert.Equal(t, "v", keys[n])

	// a node in the middle keeps its shorter route through the tail
	changes = nil
	_, wmid := rt.Wrap(nodes[n/2])
	set(func(*observable.View) { wmid.Set("v", 1) })
	require.Len(t, changes, 1)
	assert.Equal(t, n/2+1, changes[0].Path.Len())
}

func TestPathCacheOverflowKeepsHandedOutPaths(t *testing.T) {
	rt := observable.New()
	reg := deepwatch.New(observable.NewMultiplexer().Install(rt), deepwatch.WithPathCacheLimit(2))
	t.Cleanup(reg.Close)

	a := record("b", 0)
	c := record("d", 0)
	root := record("a", a, "c", c)
	_, set := rt.Observe(root)
	_, wa := rt.Wrap(a)
	_, wc := rt.Wrap(c)

	var changes []deepwatch.Change
	reg.WatchDeepFunc(root, func(c deepwatch.Change) {
		changes = append(changes, c)
	})

	set(func(*observable.View) { wa.Set("b", 1) })
	// two interned nodes fill the cache, c.d clears it
	set(func(*observable.View) { wc.Set("d", 1) })
	set(func(*observable.View) { wa.Set("b", 2) })
	require.Len(t, changes, 3)

	first, last := changes[0].Path, changes[2].Path
	assert.NotSame(t, first, last)
	assert.True(t, first.Equal(last))
	assert.True(t, last.Equal(first))
	assert.False(t, first.Equal(changes[1].Path))
	assert.Equal(t, "a.b", first.String())
	assert.Equal(t, "a.b", last.String())
	assert.Equal(t, "c.d", changes[1].Path.String())
	if diff := cmp.Diff([]any{"a", "b"}, first.Keys()); diff != "" {
		t.Errorf("path mismatch (-want +got):\n%s", diff)
	}
}

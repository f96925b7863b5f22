package observable

import (
	"fmt"
	"slices"
)

// Composite sequence methods. Each call is logged as one span: watch
// handlers receive a single ApplyEvent, followed by the elementary index,
// delete and length writes it decomposes into, all flagged InSpan.

func (v *View) mutator(method string) *Sequence {
	if !v.writable {
		panic(&ReadOnlyError{Op: method})
	}
	s := v.sequence()
	if s == nil {
		panic(fmt.Errorf("%w: %s on %v", ErrNotSequence, method, v.p.target))
	}
	return s
}

// Push appends values and returns the new length.
func (v *View) Push(values ...any) int {
	s := v.mutator("push")
	next := append(slices.Clone(s.items), unwrapAll(values)...)
	v.rt.beginSpan(v.p, "push", values)
	v.rt.rewrite(v.p, next)
	v.rt.endSpan(v.p, "push")
	return len(next)
}

// Pop removes and returns the last element, nil when empty.
func (v *View) Pop() any {
	s := v.mutator("pop")
	v.rt.beginSpan(v.p, "pop", nil)
	defer v.rt.endSpan(v.p, "pop")
	n := len(s.items)
	if n == 0 {
		return nil
	}
	last := s.items[n-1]
	v.rt.resize(v.p, n-1)
	return v.rt.wrapValue(last, true)
}

// Shift removes and returns the first element, nil when empty.
func (v *View) Shift() any {
	s := v.mutator("shift")
	v.rt.beginSpan(v.p, "shift", nil)
	defer v.rt.endSpan(v.p, "shift")
	if len(s.items) == 0 {
		return nil
	}
	first := s.items[0]
	v.rt.rewrite(v.p, slices.Clone(s.items[1:]))
	return v.rt.wrapValue(first, true)
}

// Unshift prepends values and returns the new length.
func (v *View) Unshift(values ...any) int {
	s := v.mutator("unshift")
	next := append(unwrapAll(values), s.items...)
	v.rt.beginSpan(v.p, "unshift", values)
	v.rt.rewrite(v.p, next)
	v.rt.endSpan(v.p, "unshift")
	return len(next)
}

// Splice removes deleteCount elements at start, inserts items in their
// place and returns the removed elements. A negative start counts from the
// end.
func (v *View) Splice(start, deleteCount int, items ...any) []any {
	s := v.mutator("splice")
	n := len(s.items)
	switch {
	case start < 0:
		start = max(n+start, 0)
	case start > n:
		start = n
	}
	deleteCount = min(max(deleteCount, 0), n-start)

	removed := slices.Clone(s.items[start : start+deleteCount])
	next := make([]any, 0, n-deleteCount+len(items))
	next = append(next, s.items[:start]...)
	next = append(next, unwrapAll(items)...)
	next = append(next, s.items[start+deleteCount:]...)

	args := append([]any{start, deleteCount}, items...)
	v.rt.beginSpan(v.p, "splice", args)
	v.rt.rewrite(v.p, next)
	v.rt.endSpan(v.p, "splice")

	for i, r := range removed {
		removed[i] = v.rt.wrapValue(r, true)
	}
	return removed
}

func (v *View) Reverse() {
	s := v.mutator("reverse")
	next := slices.Clone(s.items)
	slices.Reverse(next)
	v.rt.beginSpan(v.p, "reverse", nil)
	v.rt.rewrite(v.p, next)
	v.rt.endSpan(v.p, "reverse")
}

// Sort orders the sequence with less, keeping equal elements in place.
// less sees raw values, not views.
func (v *View) Sort(less func(a, b any) bool) {
	s := v.mutator("sort")
	next := slices.Clone(s.items)
	slices.SortStableFunc(next, func(a, b any) int {
		switch {
		case less(a, b):
			return -1
		case less(b, a):
			return 1
		}
		return 0
	})
	v.rt.beginSpan(v.p, "sort", nil)
	v.rt.rewrite(v.p, next)
	v.rt.endSpan(v.p, "sort")
}

// rewrite brings a sequence to next through elementary writes. Growing
// sequences are written from the top down so the length changes once;
// otherwise indexes go bottom up and the tail is truncated last. Indexes
// already holding their new value log nothing.
func (rt *Runtime) rewrite(p *pair, next []any) {
	s := p.target.(*Sequence)
	if len(next) > len(s.items) {
		for i := len(next) - 1; i >= 0; i-- {
			rt.assign(p, i, next[i])
		}
		return
	}
	for i, x := range next {
		rt.assign(p, i, x)
	}
	rt.resize(p, len(next))
}

func unwrapAll(values []any) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = unwrap(v)
	}
	return out
}

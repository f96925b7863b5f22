package observable

import (
	"fmt"
	"reflect"
)

// pair is the shared state behind the read and write views of one target.
type pair struct {
	target Target
	read   *View
	write  *View
	// last value seen through either view, per key
	seen map[any]seenValue
}

type seenValue struct {
	value  any
	exists bool
}

func newPair(rt *Runtime, t Target) *pair {
	p := &pair{target: t, seen: map[any]seenValue{}}
	p.read = &View{rt: rt, p: p}
	p.write = &View{rt: rt, p: p, writable: true}
	return p
}

// live reads the raw storage. frozen reports a non-configurable,
// non-writable slot.
func (p *pair) live(key any) (value any, exists, frozen bool) {
	switch t := p.target.(type) {
	case *Record:
		k := recordKey(key)
		value, exists = t.fields[k]
		return value, exists, t.Frozen(k)
	case *Sequence:
		if key == LengthKey {
			return len(t.items), true, false
		}
		i := sequenceKey(key)
		if i >= len(t.items) {
			return nil, false, false
		}
		return t.items[i], true, false
	}
	panic(fmt.Sprintf("observable: unknown target %T", p.target))
}

// lastSeen is what writes compare against: the cached value when the key
// has been seen through a view, the live value otherwise.
func (p *pair) lastSeen(key any) (any, bool) {
	if s, ok := p.seen[key]; ok {
		return s.value, s.exists
	}
	v, exists, _ := p.live(key)
	return v, exists
}

func (p *pair) remember(key, value any, exists bool) {
	p.seen[key] = seenValue{value: value, exists: exists}
}

func recordKey(key any) string {
	k, ok := key.(string)
	if !ok {
		panic(fmt.Errorf("%w: record key %v (%T)", ErrInvalidKey, key, key))
	}
	return k
}

func sequenceKey(key any) int {
	i, ok := key.(int)
	if !ok || i < 0 {
		panic(fmt.Errorf("%w: sequence index %v (%T)", ErrInvalidKey, key, key))
	}
	return i
}

// View is one of the two access objects paired with a target. Reads through
// either view register the (target, key) dependency of the current observer;
// only the write view may mutate.
type View struct {
	rt       *Runtime
	p        *pair
	writable bool
}

func (v *View) Raw() Target         { return v.p.target }
func (v *View) Writable() bool      { return v.writable }
func (v *View) Runtime() *Runtime   { return v.rt }
func (v *View) IsSequence() bool    { _, ok := v.p.target.(*Sequence); return ok }
func (v *View) String() string      { return fmt.Sprintf("View(%v, writable=%t)", v.p.target, v.writable) }
func (v *View) sequence() *Sequence { s, _ := v.p.target.(*Sequence); return s }

// Get returns the value under key. Targets come back wrapped in a view of
// the same mode, except values held in frozen slots, which are returned
// verbatim.
func (v *View) Get(key any) any {
	value, exists, frozen := v.p.live(key)
	v.p.remember(key, value, exists)
	v.rt.track(v.p.target, key)
	if frozen {
		return value
	}
	return v.rt.wrapValue(value, v.writable)
}

// Child is Get narrowed to nested targets; nil when key holds anything else.
func (v *View) Child(key any) *View {
	c, _ := v.Get(key).(*View)
	return c
}

func (v *View) Has(key any) bool {
	value, exists, _ := v.p.live(key)
	v.p.remember(key, value, exists)
	v.rt.track(v.p.target, key)
	return exists
}

// Len is the sequence length or the number of record keys.
func (v *View) Len() int {
	switch t := v.p.target.(type) {
	case *Sequence:
		v.p.remember(LengthKey, len(t.items), true)
		v.rt.track(t, LengthKey)
		return len(t.items)
	case *Record:
		v.rt.track(t, keysKey)
		return len(t.keys)
	}
	return 0
}

// Keys lists record keys (strings) or sequence indexes (ints).
func (v *View) Keys() []any {
	switch t := v.p.target.(type) {
	case *Record:
		v.rt.track(t, keysKey)
		keys := make([]any, len(t.keys))
		for i, k := range t.keys {
			keys[i] = k
		}
		return keys
	case *Sequence:
		n := v.Len()
		keys := make([]any, n)
		for i := range keys {
			keys[i] = i
		}
		return keys
	}
	return nil
}

// Each visits every entry through Get.
func (v *View) Each(fn func(key, value any)) {
	for _, k := range v.Keys() {
		fn(k, v.Get(k))
	}
}

func (v *View) Set(key, value any) {
	if !v.writable {
		panic(&ReadOnlyError{Op: "set", Key: key})
	}
	if s := v.sequence(); s != nil && key == LengthKey {
		n, ok := value.(int)
		if !ok || n < 0 {
			panic(fmt.Errorf("%w: length %v", ErrInvalidKey, value))
		}
		v.rt.resize(v.p, n)
		return
	}
	v.rt.assign(v.p, key, unwrap(value))
}

func (v *View) Delete(key any) {
	if !v.writable {
		panic(&ReadOnlyError{Op: "delete", Key: key})
	}
	v.rt.remove(v.p, key)
}

// GetAs is Get with a type assertion; the zero value is returned on
// mismatch.
func GetAs[T any](v *View, key any) T {
	t, _ := v.Get(key).(T)
	return t
}

// sameValue reports identity for comparable values. Values of
// non-comparable types never compare equal.
func sameValue(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	ta := reflect.TypeOf(a)
	if ta != reflect.TypeOf(b) || !ta.Comparable() {
		return false
	}
	return a == b
}

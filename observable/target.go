package observable

import (
	"fmt"
	"slices"
	"sort"
	"sync/atomic"
)

// Target is a raw mutable value that can be wrapped into views. The only
// implementations are *Record and *Sequence.
type Target interface {
	ID() uint64
	base() *targetBase
}

var lastTargetID atomic.Uint64

type targetBase struct {
	id    uint64
	owner *Runtime
	pair  *pair
}

func newTargetBase() targetBase {
	return targetBase{id: lastTargetID.Add(1)}
}

// ID is stable for the lifetime of the target and unique in the process.
func (b *targetBase) ID() uint64        { return b.id }
func (b *targetBase) base() *targetBase { return b }

type pseudoKey uint8

const (
	// LengthKey is the key under which a sequence's length is tracked and
	// reported.
	LengthKey pseudoKey = iota + 1
	// keysKey tracks the key set of a record (or the shape of a sequence).
	keysKey
)

func (k pseudoKey) String() string {
	switch k {
	case LengthKey:
		return "length"
	case keysKey:
		return "keys"
	default:
		return "unknown"
	}
}

// Record is a string keyed, insertion ordered bag of values. Its methods
// are raw: they bypass tracking and logging entirely.
type Record struct {
	targetBase
	keys   []string
	fields map[string]any
	frozen map[string]struct{}
}

func NewRecord() *Record {
	return &Record{
		targetBase: newTargetBase(),
		fields:     map[string]any{},
	}
}

// RecordOf builds a record from m. Keys are inserted in sorted order.
func RecordOf(m map[string]any) *Record {
	r := NewRecord()
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		r.Put(k, m[k])
	}
	return r
}

func (r *Record) Put(key string, value any) *Record {
	if _, ok := r.fields[key]; !ok {
		r.keys = append(r.keys, key)
	}
	r.fields[key] = unwrap(value)
	return r
}

func (r *Record) Get(key string) (any, bool) {
	v, ok := r.fields[key]
	return v, ok
}

func (r *Record) Keys() []string {
	return slices.Clone(r.keys)
}

func (r *Record) Len() int { return len(r.keys) }

// Freeze marks key as non-configurable and non-writable. Views hand out the
// value stored there verbatim and refuse to replace or delete it.
func (r *Record) Freeze(key string) *Record {
	if r.frozen == nil {
		r.frozen = map[string]struct{}{}
	}
	r.frozen[key] = struct{}{}
	return r
}

func (r *Record) Frozen(key string) bool {
	_, ok := r.frozen[key]
	return ok
}

func (r *Record) remove(key string) {
	if _, ok := r.fields[key]; !ok {
		return
	}
	delete(r.fields, key)
	if i := slices.Index(r.keys, key); i >= 0 {
		r.keys = slices.Delete(r.keys, i, i+1)
	}
}

func (r *Record) String() string {
	return fmt.Sprintf("Record#%d%v", r.id, r.keys)
}

// Sequence is an int indexed list of values. Its methods are raw.
type Sequence struct {
	targetBase
	items []any
}

func NewSequence(items ...any) *Sequence {
	s := &Sequence{targetBase: newTargetBase()}
	s.items = make([]any, len(items))
	for i, v := range items {
		s.items[i] = unwrap(v)
	}
	return s
}

func (s *Sequence) Len() int { return len(s.items) }

// At returns nil for indexes out of range.
func (s *Sequence) At(i int) any {
	if i < 0 || i >= len(s.items) {
		return nil
	}
	return s.items[i]
}

// Put stores v at i, growing the sequence with nils when needed.
func (s *Sequence) Put(i int, v any) *Sequence {
	if i < 0 {
		panic(fmt.Errorf("%w: %d", ErrInvalidKey, i))
	}
	if i >= len(s.items) {
		s.resize(i + 1)
	}
	s.items[i] = unwrap(v)
	return s
}

func (s *Sequence) Items() []any {
	return slices.Clone(s.items)
}

func (s *Sequence) resize(n int) {
	if n <= len(s.items) {
		clear(s.items[n:])
		s.items = s.items[:n]
		return
	}
	s.items = append(s.items, make([]any, n-len(s.items))...)
}

func (s *Sequence) String() string {
	return fmt.Sprintf("Sequence#%d(len=%d)", s.id, len(s.items))
}

// EachChild calls fn for every entry of t holding another Target, in key
// order. It reads raw storage and registers nothing.
func EachChild(t Target, fn func(key any, child Target)) {
	switch x := t.(type) {
	case *Record:
		for _, k := range x.keys {
			if c, ok := x.fields[k].(Target); ok {
				fn(k, c)
			}
		}
	case *Sequence:
		for i, v := range x.items {
			if c, ok := v.(Target); ok {
				fn(i, c)
			}
		}
	}
}

func unwrap(v any) any {
	if view, ok := v.(*View); ok {
		return view.p.target
	}
	return v
}

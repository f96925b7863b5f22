package observable

import (
	mapset "github.com/deckarep/golang-set/v2"
	"go.uber.org/zap"
)

type recordKind uint8

const (
	recordWrite recordKind = iota
	recordSpanStart
	recordSpanEnd
)

// record is one entry of the write log.
type record struct {
	kind   recordKind
	seq    uint64
	target Target
	key    any
	value  any
	old    any

	deleted    bool
	hadWatcher bool
	inSpan     bool
	// structural writes add or remove a record key
	structural bool

	method string
	args   []any
}

func (rt *Runtime) logWrite(r record) {
	if rt.closed {
		return
	}
	r.hadWatcher = rt.handlers != nil
	r.inSpan = rt.spanDepth > 0
	rt.writes++
	r.seq = rt.writes
	rt.log = append(rt.log, r)
	rt.flusher.Request()
}

func (rt *Runtime) assign(p *pair, key, value any) {
	switch t := p.target.(type) {
	case *Record:
		k := recordKey(key)
		if t.Frozen(k) {
			panic(&FrozenSlotError{Key: k})
		}
		old, existed := p.lastSeen(k)
		if existed && sameValue(old, value) {
			p.remember(k, value, true)
			return
		}
		_, live := t.fields[k]
		t.Put(k, value)
		p.remember(k, value, true)
		rt.logWrite(record{
			target:     t,
			key:        k,
			value:      value,
			old:        old,
			structural: !live,
		})

	case *Sequence:
		i := sequenceKey(key)
		old, existed := p.lastSeen(i)
		if existed && sameValue(old, value) {
			p.remember(i, value, true)
			return
		}
		grows := i >= len(t.items)
		oldLen, _ := p.lastSeen(LengthKey)
		t.Put(i, value)
		p.remember(i, value, true)
		rt.logWrite(record{target: t, key: i, value: value, old: old})
		if grows {
			rt.lengthChanged(p, t, oldLen)
		}
	}
}

// lengthChanged logs the new length of s against old, the length last seen
// before the mutation.
func (rt *Runtime) lengthChanged(p *pair, s *Sequence, old any) {
	n := len(s.items)
	p.remember(LengthKey, n, true)
	if sameValue(old, n) {
		return
	}
	rt.logWrite(record{target: s, key: LengthKey, value: n, old: old})
}

func (rt *Runtime) remove(p *pair, key any) {
	switch t := p.target.(type) {
	case *Record:
		k := recordKey(key)
		if t.Frozen(k) {
			panic(&FrozenSlotError{Key: k})
		}
		old, ok := t.fields[k]
		if !ok {
			return
		}
		t.remove(k)
		p.remember(k, nil, false)
		rt.logWrite(record{
			target:     t,
			key:        k,
			old:        old,
			deleted:    true,
			structural: true,
		})

	case *Sequence:
		if key == LengthKey {
			return
		}
		i := sequenceKey(key)
		if i >= len(t.items) {
			return
		}
		// deleting an element leaves a hole; the length is unchanged
		old := t.items[i]
		t.items[i] = nil
		p.remember(i, nil, false)
		rt.logWrite(record{target: t, key: i, old: old, deleted: true})
	}
}

// resize truncates or pads a sequence. Truncated indexes are logged as
// deletions, highest first, followed by the length write.
func (rt *Runtime) resize(p *pair, n int) {
	s := p.target.(*Sequence)
	cur := len(s.items)
	cached, _ := p.lastSeen(LengthKey)
	if cur == n && sameValue(cached, n) {
		return
	}
	for i := cur - 1; i >= n; i-- {
		old := s.items[i]
		p.remember(i, nil, false)
		rt.logWrite(record{target: s, key: i, old: old, deleted: true})
	}
	s.resize(n)
	rt.lengthChanged(p, s, cached)
}

func (rt *Runtime) beginSpan(p *pair, method string, args []any) {
	rt.logWrite(record{
		kind:   recordSpanStart,
		target: p.target,
		method: method,
		args:   args,
	})
	rt.spanDepth++
}

func (rt *Runtime) endSpan(p *pair, method string) {
	rt.spanDepth--
	rt.logWrite(record{kind: recordSpanEnd, target: p.target, method: method})
}

// Flush drains the write log now instead of on the next scheduler tick.
func (rt *Runtime) Flush() {
	rt.flusher.Flush()
}

func (rt *Runtime) flush() {
	if len(rt.log) == 0 {
		return
	}
	log := rt.log
	rt.log = nil

	h := rt.handlers
	if h != nil {
		h.OnFlushStart()
	}

	var queued []*Observer
	collected := mapset.NewThreadUnsafeSet[*Observer]()
	pruned := mapset.NewThreadUnsafeSet[*Observer]()
	collect := func(o *Observer) {
		if !collected.Add(o) {
			return
		}
		queued = append(queued, o)
		o.eachDescendant(func(d *Observer) {
			pruned.Add(d)
		})
	}

	for _, r := range log {
		switch r.kind {
		case recordSpanStart:
			if h != nil && r.hadWatcher {
				h.OnApply(ApplyEvent{Seq: r.seq, Target: r.target, Method: r.method, Args: r.args})
			}
		case recordSpanEnd:
		default:
			rt.refs.ForEachObserver(r.target, r.key, collect)
			if r.structural {
				rt.refs.ForEachObserver(r.target, keysKey, collect)
			}
			if h != nil && r.hadWatcher {
				h.OnAssign(AssignEvent{
					Seq:     r.seq,
					Target:  r.target,
					Key:     r.key,
					Value:   r.value,
					Old:     r.old,
					Deleted: r.deleted,
					InSpan:  r.inSpan,
				})
			}
		}
	}

	if h != nil {
		h.OnFlushEnd()
	}

	reran := 0
	for _, o := range queued {
		if pruned.Contains(o) || o.cancelled || !rt.refs.Observing(o) {
			continue
		}
		o.run()
		reran++
	}

	rt.logger.Debug("flush",
		zap.Int("records", len(log)),
		zap.Int("collected", len(queued)),
		zap.Int("pruned", pruned.Cardinality()),
		zap.Int("reran", reran),
	)
}

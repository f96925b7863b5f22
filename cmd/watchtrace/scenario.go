package main

import (
	"errors"
	"fmt"
	"os"
	"sort"

	"github.com/delaneyj/watchparty/observable"
	"gopkg.in/yaml.v3"
)

// Scenario is a scripted run: an initial store, the path of the value to
// watch and the writes to replay against it.
type Scenario struct {
	Name    string    `yaml:"name"`
	Initial yaml.Node `yaml:"initial"`
	Watch   []any     `yaml:"watch"`
	Steps   []Step    `yaml:"steps"`
}

type Step struct {
	Op    string      `yaml:"op"`
	Path  []any       `yaml:"path"`
	Value yaml.Node   `yaml:"value"`
	Args  []yaml.Node `yaml:"args"`
	Lazy  bool        `yaml:"lazy"`
}

func loadScenario(path string) (*Scenario, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var s Scenario
	if err := yaml.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if s.Initial.Kind != yaml.MappingNode && s.Initial.Kind != yaml.SequenceNode {
		return nil, fmt.Errorf("%s: initial must be a mapping or a sequence", path)
	}
	for i, st := range s.Steps {
		if _, ok := stepOps[st.Op]; !ok {
			return nil, fmt.Errorf("%s: step %d: unknown op %q", path, i+1, st.Op)
		}
	}
	if s.Name == "" {
		s.Name = path
	}
	return &s, nil
}

// builder turns yaml nodes into store values. Mappings become records with
// their document key order, sequences become sequences. An alias resolves
// to the very target built for its anchor, so anchors share sub-values.
type builder struct {
	built map[*yaml.Node]any
}

func newBuilder() *builder {
	return &builder{built: map[*yaml.Node]any{}}
}

func (b *builder) build(n *yaml.Node) (any, error) {
	if v, ok := b.built[n]; ok {
		return v, nil
	}
	switch n.Kind {
	case 0:
		return nil, nil
	case yaml.DocumentNode:
		if len(n.Content) == 0 {
			return nil, nil
		}
		return b.build(n.Content[0])
	case yaml.AliasNode:
		return b.build(n.Alias)
	case yaml.MappingNode:
		rec := observable.NewRecord()
		b.built[n] = rec
		for i := 0; i+1 < len(n.Content); i += 2 {
			v, err := b.build(n.Content[i+1])
			if err != nil {
				return nil, err
			}
			rec.Put(n.Content[i].Value, v)
		}
		return rec, nil
	case yaml.SequenceNode:
		seq := observable.NewSequence()
		b.built[n] = seq
		for i, c := range n.Content {
			v, err := b.build(c)
			if err != nil {
				return nil, err
			}
			seq.Put(i, v)
		}
		return seq, nil
	case yaml.ScalarNode:
		var v any
		if err := n.Decode(&v); err != nil {
			return nil, fmt.Errorf("line %d: %w", n.Line, err)
		}
		return v, nil
	}
	return nil, fmt.Errorf("line %d: unsupported yaml node kind %d", n.Line, n.Kind)
}

func (b *builder) buildAll(ns []yaml.Node) ([]any, error) {
	out := make([]any, len(ns))
	for i := range ns {
		v, err := b.build(&ns[i])
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

// resolveKey maps "length" on a sequence to the length pseudo-key.
func resolveKey(v *observable.View, key any) any {
	if s, ok := key.(string); ok && s == "length" && v.IsSequence() {
		return observable.LengthKey
	}
	return key
}

func walkPath(v *observable.View, path []any) (*observable.View, error) {
	for i, k := range path {
		c := v.Child(resolveKey(v, k))
		if c == nil {
			return nil, fmt.Errorf("path %v: nothing to descend into at element %d", path, i)
		}
		v = c
	}
	return v, nil
}

type stepFunc func(w *observable.View, st Step, b *builder) error

var stepOps = map[string]stepFunc{
	"set": func(w *observable.View, st Step, b *builder) error {
		parent, key, err := splitPath(w, st.Path)
		if err != nil {
			return err
		}
		v, err := b.build(&st.Value)
		if err != nil {
			return err
		}
		parent.Set(resolveKey(parent, key), v)
		return nil
	},
	"delete": func(w *observable.View, st Step, _ *builder) error {
		parent, key, err := splitPath(w, st.Path)
		if err != nil {
			return err
		}
		parent.Delete(resolveKey(parent, key))
		return nil
	},
	"push": func(w *observable.View, st Step, b *builder) error {
		return withArgs(w, st, b, func(s *observable.View, args []any) { s.Push(args...) })
	},
	"unshift": func(w *observable.View, st Step, b *builder) error {
		return withArgs(w, st, b, func(s *observable.View, args []any) { s.Unshift(args...) })
	},
	"pop": func(w *observable.View, st Step, b *builder) error {
		return withArgs(w, st, b, func(s *observable.View, _ []any) { s.Pop() })
	},
	"shift": func(w *observable.View, st Step, b *builder) error {
		return withArgs(w, st, b, func(s *observable.View, _ []any) { s.Shift() })
	},
	"reverse": func(w *observable.View, st Step, b *builder) error {
		return withArgs(w, st, b, func(s *observable.View, _ []any) { s.Reverse() })
	},
	"sort": func(w *observable.View, st Step, b *builder) error {
		return withArgs(w, st, b, func(s *observable.View, _ []any) {
			s.Sort(func(a, b any) bool { return fmt.Sprint(a) < fmt.Sprint(b) })
		})
	},
	"splice": func(w *observable.View, st Step, b *builder) error {
		return withArgs(w, st, b, func(s *observable.View, args []any) {
			start, count := 0, s.Len()
			if len(args) > 0 {
				start = toInt(args[0])
			}
			if len(args) > 1 {
				count = toInt(args[1])
			}
			var items []any
			if len(args) > 2 {
				items = args[2:]
			}
			s.Splice(start, count, items...)
		})
	},
}

func splitPath(w *observable.View, path []any) (*observable.View, any, error) {
	if len(path) == 0 {
		return nil, nil, errors.New("step needs a non-empty path")
	}
	parent, err := walkPath(w, path[:len(path)-1])
	if err != nil {
		return nil, nil, err
	}
	return parent, path[len(path)-1], nil
}

func withArgs(w *observable.View, st Step, b *builder, fn func(s *observable.View, args []any)) error {
	s, err := walkPath(w, st.Path)
	if err != nil {
		return err
	}
	args, err := b.buildAll(st.Args)
	if err != nil {
		return err
	}
	fn(s, args)
	return nil
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case float64:
		return int(n)
	}
	return 0
}

// stepClock maps write sequence numbers back to the step that made them, so
// writes of a lazy step are labelled with that step even though they are
// delivered by a later flush.
type stepClock struct {
	// starts[i] is the runtime write count before step i+1
	starts []uint64
}

// begin opens the next step and returns its 1-based number.
func (c *stepClock) begin(writes uint64) int {
	c.starts = append(c.starts, writes)
	return len(c.starts)
}

func (c *stepClock) of(seq uint64) int {
	return sort.Search(len(c.starts), func(i int) bool { return c.starts[i] >= seq })
}

// applyStep runs one step inside a setter. Store panics (read-only views,
// frozen slots, bad keys) come back as errors.
func applyStep(set observable.Setter, st Step, b *builder) (err error) {
	defer func() {
		if r := recover(); r != nil {
			switch x := r.(type) {
			case error:
				err = x
			default:
				err = fmt.Errorf("%v", x)
			}
		}
	}()

	var opts []observable.SetOption
	if st.Lazy {
		opts = append(opts, observable.LazyFlush())
	}
	set(func(w *observable.View) {
		err = stepOps[st.Op](w, st, b)
	}, opts...)
	return err
}

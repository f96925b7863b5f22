package main

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/delaneyj/watchparty/deepwatch"
	"github.com/delaneyj/watchparty/observable"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const scenarioYAML = `
name: todo
initial:
  owner: &owner {name: ada}
  reviewer: *owner
  items:
    - {title: one, done: false}
watch: []
steps:
  - {op: set, path: [owner, name], value: grace}
  - {op: push, path: [items], args: [{title: two, done: false}]}
  - {op: set, path: [items, 0, done], value: true}
  - {op: set, path: [items, length], value: 1, lazy: true}
`

func writeScenario(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestBuilderKeepsOrderAndAliases(t *testing.T) {
	sc, err := loadScenario(writeScenario(t, scenarioYAML))
	require.NoError(t, err)
	assert.Equal(t, "todo", sc.Name)
	assert.Len(t, sc.Steps, 4)

	v, err := newBuilder().build(&sc.Initial)
	require.NoError(t, err)
	root := v.(*observable.Record)
	assert.Equal(t, []string{"owner", "reviewer", "items"}, root.Keys())

	owner, _ := root.Get("owner")
	reviewer, _ := root.Get("reviewer")
	assert.Same(t, owner, reviewer)
}

func TestLoadScenarioRejectsUnknownOps(t *testing.T) {
	_, err := loadScenario(writeScenario(t, "initial: {a: 1}\nsteps:\n  - {op: frobnicate, path: [a]}\n"))
	require.ErrorContains(t, err, `unknown op "frobnicate"`)

	_, err = loadScenario(writeScenario(t, "initial: 3\n"))
	require.ErrorContains(t, err, "initial must be a mapping or a sequence")
}

func TestStepsReplayThroughWatcher(t *testing.T) {
	sc, err := loadScenario(writeScenario(t, scenarioYAML))
	require.NoError(t, err)

	rt := observable.New()
	defer rt.Close()
	reg := deepwatch.New(observable.NewMultiplexer().Install(rt))
	defer reg.Close()

	b := newBuilder()
	initial, err := b.build(&sc.Initial)
	require.NoError(t, err)
	state, set := rt.Observe(initial.(observable.Target))

	var got []string
	reg.WatchDeep(state, deepwatch.Handler{
		OnAssign: func(c deepwatch.Change) { got = append(got, "set "+c.Path.String()) },
		OnApply:  func(c deepwatch.Call) { got = append(got, "call "+c.Path.String()+"."+c.Method) },
	})

	for _, st := range sc.Steps {
		require.NoError(t, applyStep(set, st, b))
	}
	rt.Loop().Drain()

	assert.Equal(t, []string{
		"set owner.name",
		"call items.push",
		"set items[0].done",
		"set items[1]",
		"set items.length",
	}, got)
	assert.Equal(t, 1, state.Child("items").Len())
}

func TestStepErrorsAreReturned(t *testing.T) {
	rt := observable.New()
	defer rt.Close()
	_, set := rt.Observe(observable.RecordOf(map[string]any{"a": 1}))

	err := applyStep(set, Step{Op: "push", Path: []any{"a"}}, newBuilder())
	require.ErrorContains(t, err, "nothing to descend into")

	err = applyStep(set, Step{Op: "delete"}, newBuilder())
	require.ErrorContains(t, err, "non-empty path")
}

func TestJSONPrinter(t *testing.T) {
	rt := observable.New()
	defer rt.Close()
	reg := deepwatch.New(observable.NewMultiplexer().Install(rt))
	defer reg.Close()

	state, set := rt.Observe(observable.RecordOf(map[string]any{"a": 1}))
	var buf bytes.Buffer
	p, err := newPrinter("json", &buf)
	require.NoError(t, err)
	reg.WatchDeepFunc(state, func(c deepwatch.Change) { p.change(7, c) })

	set(func(w *observable.View) { w.Set("a", `say "hi"`) })
	p.summary(summary{Scenario: "s", Steps: 1, Changes: 1})

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Equal(t, `{"step":7,"event":"set","path":"a","value":"say \"hi\"","old":"1"}`, lines[0])
	assert.Equal(t, `{"event":"summary","scenario":"s","steps":1,"changes":1,"calls":0,"flushes":0,"reruns":0,"refs":0}`, lines[1])

	_, err = newPrinter("xml", &buf)
	assert.Error(t, err)
}

func TestLazyChangesKeepTheirStep(t *testing.T) {
	sc, err := loadScenario(writeScenario(t, `
initial: {a: 0, b: 0, c: 0}
steps:
  - {op: set, path: [a], value: 1, lazy: true}
  - {op: set, path: [b], value: 1, lazy: true}
  - {op: set, path: [c], value: 1}
  - {op: set, path: [a], value: 2, lazy: true}
`))
	require.NoError(t, err)

	rt := observable.New()
	defer rt.Close()
	reg := deepwatch.New(observable.NewMultiplexer().Install(rt))
	defer reg.Close()

	b := newBuilder()
	initial, err := b.build(&sc.Initial)
	require.NoError(t, err)
	state, set := rt.Observe(initial.(observable.Target))

	var steps stepClock
	var got []string
	reg.WatchDeepFunc(state, func(c deepwatch.Change) {
		got = append(got, fmt.Sprintf("%d:%s", steps.of(c.Seq), c.Path))
	})

	for _, st := range sc.Steps {
		steps.begin(rt.Writes())
		require.NoError(t, applyStep(set, st, b))
	}
	// the first three arrive together with step 3's flush
	assert.Equal(t, []string{"1:a", "2:b", "3:c"}, got)

	rt.Loop().Drain()
	assert.Equal(t, []string{"1:a", "2:b", "3:c", "4:a"}, got)
}

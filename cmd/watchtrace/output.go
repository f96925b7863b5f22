package main

import (
	"fmt"
	"io"

	"github.com/delaneyj/watchparty/deepwatch"
	"github.com/dustin/go-humanize"
	"github.com/valyala/quicktemplate"
)

type summary struct {
	Scenario string
	Steps    int
	Changes  int
	Calls    int
	Flushes  int
	Reruns   int
	Refs     int
}

type printer interface {
	change(step int, c deepwatch.Change)
	call(step int, c deepwatch.Call)
	summary(s summary)
}

func newPrinter(format string, w io.Writer) (printer, error) {
	switch format {
	case "text":
		return &textPrinter{w: w}, nil
	case "json":
		return &jsonPrinter{w: w}, nil
	}
	return nil, fmt.Errorf("unknown format %q, want text or json", format)
}

func pathString(p *deepwatch.Path) string {
	if p.Len() == 0 {
		return "<root>"
	}
	return p.String()
}

type textPrinter struct {
	w io.Writer
}

func (p *textPrinter) change(step int, c deepwatch.Change) {
	switch {
	case c.Deleted:
		fmt.Fprintf(p.w, "step %-3d delete  %s (was %v)\n", step, pathString(c.Path), c.Old)
	default:
		fmt.Fprintf(p.w, "step %-3d set     %s = %v (was %v)\n", step, pathString(c.Path), c.Value, c.Old)
	}
}

func (p *textPrinter) call(step int, c deepwatch.Call) {
	fmt.Fprintf(p.w, "step %-3d call    %s.%s%v\n", step, pathString(c.Path), c.Method, c.Args)
}

func (p *textPrinter) summary(s summary) {
	fmt.Fprintf(p.w, "%s: %s steps, %s changes and %s calls over %s flushes; autorun reran %s times; %s values watched\n",
		s.Scenario,
		humanize.Comma(int64(s.Steps)),
		humanize.Comma(int64(s.Changes)),
		humanize.Comma(int64(s.Calls)),
		humanize.Comma(int64(s.Flushes)),
		humanize.Comma(int64(s.Reruns)),
		humanize.Comma(int64(s.Refs)),
	)
}

// jsonPrinter writes one JSON object per line.
type jsonPrinter struct {
	w io.Writer
}

func (p *jsonPrinter) line(fn func(qw *quicktemplate.QWriter)) {
	w := quicktemplate.AcquireWriter(p.w)
	defer quicktemplate.ReleaseWriter(w)
	qw := w.N()
	qw.S("{")
	fn(qw)
	qw.S("}\n")
}

func (p *jsonPrinter) change(step int, c deepwatch.Change) {
	p.line(func(qw *quicktemplate.QWriter) {
		qw.S(`"step":`)
		qw.D(step)
		if c.Deleted {
			qw.S(`,"event":"delete","path":`)
		} else {
			qw.S(`,"event":"set","path":`)
		}
		qw.Q(c.Path.String())
		if !c.Deleted {
			qw.S(`,"value":`)
			qw.Q(fmt.Sprint(c.Value))
		}
		qw.S(`,"old":`)
		qw.Q(fmt.Sprint(c.Old))
		if c.InSpan {
			qw.S(`,"inSpan":true`)
		}
	})
}

func (p *jsonPrinter) call(step int, c deepwatch.Call) {
	p.line(func(qw *quicktemplate.QWriter) {
		qw.S(`"step":`)
		qw.D(step)
		qw.S(`,"event":"call","path":`)
		qw.Q(c.Path.String())
		qw.S(`,"method":`)
		qw.Q(c.Method)
		qw.S(`,"args":[`)
		for i, a := range c.Args {
			if i > 0 {
				qw.S(",")
			}
			qw.Q(fmt.Sprint(a))
		}
		qw.S("]")
	})
}

func (p *jsonPrinter) summary(s summary) {
	p.line(func(qw *quicktemplate.QWriter) {
		qw.S(`"event":"summary","scenario":`)
		qw.Q(s.Scenario)
		for _, f := range []struct {
			name string
			n    int
		}{
			{"steps", s.Steps},
			{"changes", s.Changes},
			{"calls", s.Calls},
			{"flushes", s.Flushes},
			{"reruns", s.Reruns},
			{"refs", s.Refs},
		} {
			qw.S(`,`)
			qw.Q(f.name)
			qw.S(`:`)
			qw.D(f.n)
		}
	})
}

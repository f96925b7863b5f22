package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"runtime/pprof"
	"time"

	"github.com/delaneyj/watchparty/deepwatch"
	"github.com/delaneyj/watchparty/observable"
	"github.com/jamiealquiza/tachymeter"
	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/urfave/cli/v3"
)

const (
	itersKey   = "iters"
	profileKey = "profile"
	maxKey     = "max"
)

var (
	ww = []int{1, 10, 100, 1_000}
	hh = []int{1, 10, 100, 1_000}
)

func main() {
	cmd := &cli.Command{
		Name:  "benchmark",
		Usage: "Measure write propagation through chains of autoruns",
		Flags: []cli.Flag{
			&cli.UintFlag{
				Name:  itersKey,
				Usage: "Writes measured per graph",
				Value: 100,
			},
			&cli.StringFlag{
				Name:  profileKey,
				Usage: "Write a CPU profile to this file, empty to disable",
				Value: "default.pgo",
			},
			&cli.UintFlag{
				Name:  maxKey,
				Usage: "Skip graphs with more autoruns than this",
				Value: 100_000,
			},
		},
		Action: run,
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func run(ctx context.Context, cmd *cli.Command) error {
	if path := cmd.String(profileKey); path != "" {
		f, err := os.Create(path)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	iters := int(cmd.Uint(itersKey))
	limit := int(cmd.Uint(maxKey))

	log.Printf("warming up")
	benchmarkPropagate(iters, limit, false, false)

	benchmarkPropagate(iters, limit, false, true)
	benchmarkPropagate(iters, limit, true, true)
	return nil
}

// chain builds h linked records after src, each kept one above the
// previous by an autorun, plus a final autorun reading the last one. It
// returns the head of the list.
func chain(rt *observable.Runtime, src *observable.View, h int) *observable.Record {
	var head, tail *observable.Record
	prev := src
	for j := 0; j < h; j++ {
		rec := observable.RecordOf(map[string]any{"v": 0})
		if head == nil {
			head = rec
		} else {
			tail.Put("next", rec)
		}
		tail = rec

		_, next := rt.Wrap(rec)
		from := prev
		rt.Autorun(func() {
			next.Set("v", observable.GetAs[int](from, "v")+1)
		})
		prev = next
	}
	last := prev
	rt.Autorun(func() {
		_ = last.Get("v")
	})
	return head
}

func benchmarkPropagate(iters, limit int, watched, shouldRender bool) {
	tbl := table.NewWriter()
	if watched {
		tbl.SetTitle("Observable propagation, deep watched")
	} else {
		tbl.SetTitle("Observable propagation")
	}
	tbl.SetOutputMirror(os.Stdout)
	tbl.AppendHeader(table.Row{"benchmark", "avg", "min", "p75", "p99", "max"})

	for _, w := range ww {
		for _, h := range hh {
			if w*(h+1) > limit {
				continue
			}
			tach := tachymeter.New(&tachymeter.Config{Size: iters})

			rt := observable.New()
			root := observable.NewRecord().Put("v", 1)
			src, set := rt.Observe(root)

			var reg *deepwatch.Registry
			if watched {
				reg = deepwatch.New(observable.NewMultiplexer().Install(rt))
			}
			for i := 0; i < w; i++ {
				head := chain(rt, src, h)
				if watched {
					reg.WatchDeepFunc(head, func(deepwatch.Change) {})
				}
			}
			rt.Loop().Drain()

			for i := 0; i < iters; i++ {
				start := time.Now()
				set(func(w *observable.View) {
					w.Set("v", observable.GetAs[int](w, "v")+1)
				})
				rt.Loop().Drain()
				tach.AddTime(time.Since(start))
			}
			if reg != nil {
				reg.Close()
			}
			rt.Close()

			calc := tach.Calc()
			tbl.AppendRows([]table.Row{
				{
					fmt.Sprintf("propagate: %d * %d", w, h),
					calc.Time.Avg,
					calc.Time.Min,
					calc.Time.P75,
					calc.Time.P99,
					calc.Time.Max,
				},
			})
		}
	}

	if shouldRender {
		tbl.Render()
	}
}

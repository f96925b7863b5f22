package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/delaneyj/watchparty/deepwatch"
	"github.com/delaneyj/watchparty/observable"
	"github.com/urfave/cli/v3"
	"go.uber.org/zap"
)

const (
	shallowKey = "shallow"
	formatKey  = "format"
	verboseKey = "verbose"
	unfoldKey  = "unfold"
)

func main() {
	cmd := &cli.Command{
		Name:  "watchtrace",
		Usage: "Replay scripted writes against an observable store and print what a watcher sees",
		Commands: []*cli.Command{
			{
				Name:      "run",
				Usage:     "Run one scenario file",
				ArgsUsage: "scenario.yaml",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  shallowKey,
						Usage: "Watch only the root's own keys",
					},
					&cli.StringFlag{
						Name:  formatKey,
						Usage: "Output format, text or json",
						Value: "text",
					},
					&cli.BoolFlag{
						Name:  verboseKey,
						Usage: "Log runtime and watcher internals to stderr",
					},
					&cli.BoolFlag{
						Name:  unfoldKey,
						Usage: "Report the single writes of sequence methods instead of one call each",
					},
				},
				Action: runScenario,
			},
		},
	}
	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

func newLogger(verbose bool) (*zap.Logger, error) {
	cfg := zap.NewProductionConfig()
	if verbose {
		cfg.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	}
	return cfg.Build()
}

func runScenario(ctx context.Context, cmd *cli.Command) error {
	path := cmd.Args().First()
	if path == "" {
		return cli.Exit("watchtrace run: missing scenario file", 2)
	}

	out, err := newPrinter(cmd.String(formatKey), os.Stdout)
	if err != nil {
		return err
	}
	logger, err := newLogger(cmd.Bool(verboseKey))
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	defer logger.Sync()

	sc, err := loadScenario(path)
	if err != nil {
		return err
	}

	rt := observable.New(observable.WithLogger(logger))
	defer rt.Close()
	mux := observable.NewMultiplexer().Install(rt)
	reg := deepwatch.New(mux, deepwatch.WithLogger(logger))
	defer reg.Close()

	b := newBuilder()
	initial, err := b.build(&sc.Initial)
	if err != nil {
		return err
	}
	state, set := rt.Observe(initial.(observable.Target))
	watched, err := walkPath(state, sc.Watch)
	if err != nil {
		return fmt.Errorf("watch: %w", err)
	}

	var (
		steps stepClock
		sum   = summary{Scenario: sc.Name, Steps: len(sc.Steps)}
	)
	onAssign := func(c deepwatch.Change) {
		sum.Changes++
		out.change(steps.of(c.Seq), c)
	}

	defer mux.Add(observable.HandlerFuncs{
		FlushEnd: func() { sum.Flushes++ },
	})()

	var id deepwatch.ID
	if cmd.Bool(shallowKey) {
		id = reg.WatchShallow(watched, onAssign)
	} else {
		h := deepwatch.Handler{OnAssign: onAssign}
		if !cmd.Bool(unfoldKey) {
			h.OnApply = func(c deepwatch.Call) {
				sum.Calls++
				out.call(steps.of(c.Seq), c)
			}
		}
		id = reg.WatchDeep(watched, h)
	}

	// reruns whenever the watched value's own keys change
	counter := rt.Autorun(func() {
		watched.Each(func(any, any) {})
	})

	for _, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return err
		}
		step := steps.begin(rt.Writes())
		if err := applyStep(set, st, b); err != nil {
			return fmt.Errorf("step %d (%s %v): %w", step, st.Op, st.Path, err)
		}
		logger.Debug("step applied",
			zap.Int("step", step),
			zap.String("op", st.Op),
			zap.Bool("lazy", st.Lazy),
			zap.Int("pending", rt.Pending()),
		)
	}
	// settle lazy writes
	rt.Loop().Drain()

	sum.Reruns = counter.Runs() - 1
	sum.Refs = reg.Refs(id)
	out.summary(sum)
	return nil
}

package main

import (
	"fmt"
	"log"
	"math/rand"
	"os"
	"strings"
	"time"

	"github.com/delaneyj/watchparty/deepwatch"
	"github.com/delaneyj/watchparty/observable"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
)

func main() {
	log.Print("Starting deep watch benchmark, please wait...")
	defer log.Print("Finished deep watch benchmark")

	perfTestCfgs := []benchmarkTestConfig{
		{
			name:       "small form",
			width:      4,
			depth:      3,
			watchers:   1,
			iterations: 100_000,
		},
		{
			name:          "shared store",
			width:         4,
			depth:         4,
			watchers:      16,
			iterations:    20_000,
			sharedSubtree: true,
		},
		{
			name:       "wide",
			width:      100,
			depth:      2,
			watchers:   4,
			iterations: 20_000,
		},
		{
			name:       "deep",
			width:      2,
			depth:      12,
			watchers:   2,
			iterations: 10_000,
		},
		{
			name:          "subtree churn",
			width:         4,
			depth:         4,
			watchers:      4,
			iterations:    5_000,
			swapFraction:  0.5,
			sharedSubtree: true,
		},
	}

	type results struct {
		callbacks int64
		duration  time.Duration
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.SetHeader([]string{
		"test", "size", "nodes", "watchers", "nTimes", "time",
		"callbacks", "updateRate", "title",
	})

	testRepeats := 5
	for _, cfg := range perfTestCfgs {
		log.Printf("Running '%s' config", cfg.name)

		runOnce := func() (int64, int) {
			return benchmarkRunTree(&cfg)
		}
		// run once to warm up
		runOnce()

		bestResult := &results{
			duration: time.Hour,
		}
		nodes := 0
		for i := 0; i < testRepeats; i++ {
			log.Printf("Running '%s' config, iteration %d/%d %d%%", cfg.name, i+1, testRepeats, (i+1)*100/testRepeats)
			start := time.Now()
			callbacks, n := runOnce()
			duration := time.Since(start)

			if duration < bestResult.duration {
				bestResult.duration = duration
				bestResult.callbacks = callbacks
				nodes = n
			}
		}

		makeTitle := func() string {
			sb := strings.Builder{}
			sb.WriteString(fmt.Sprintf("%dx%d %d watchers", cfg.width, cfg.depth, cfg.watchers))
			if cfg.sharedSubtree {
				sb.WriteString(" shared")
			}
			if cfg.swapFraction > 0 {
				sb.WriteString(fmt.Sprintf(" swap %0.2f%%", 100*cfg.swapFraction))
			}
			return sb.String()
		}

		updateRate := float64(cfg.iterations) / (float64(bestResult.duration) / float64(time.Millisecond))

		table.Append([]string{
			cfg.name,                                   // test
			fmt.Sprintf("%dx%d", cfg.width, cfg.depth), // size
			humanize.Comma(int64(nodes)),               // nodes
			fmt.Sprint(cfg.watchers),                   // watchers
			humanize.Comma(int64(cfg.iterations)),      // nTimes
			fmt.Sprint(bestResult.duration),            // time
			humanize.Comma(bestResult.callbacks),       // callbacks
			humanize.Comma(int64(updateRate)),          // updateRate
			makeTitle(),                                // title
		})
	}
	table.Render() // Send output
}

type benchmarkTestConfig struct {
	name          string  // friendly name for the test, should be unique
	width         int     // children per record
	depth         int     // levels of records below the root
	watchers      int     // deep watchers installed
	iterations    int     // writes per run
	sharedSubtree bool    // watchers watch overlapping subtrees instead of the root
	swapFraction  float64 // fraction of writes replacing a whole subtree
}

type benchmarkTree struct {
	root   *observable.Record
	inner  []*observable.Record
	leaves []*observable.Record
}

func benchmarkMakeTree(width, depth int) *benchmarkTree {
	tree := &benchmarkTree{}
	var grow func(level int) *observable.Record
	grow = func(level int) *observable.Record {
		rec := observable.NewRecord().Put("v", 0)
		if level == depth {
			tree.leaves = append(tree.leaves, rec)
			return rec
		}
		tree.inner = append(tree.inner, rec)
		for i := 0; i < width; i++ {
			rec.Put(fmt.Sprintf("c%d", i), grow(level+1))
		}
		return rec
	}
	tree.root = grow(0)
	return tree
}

// Write random leaves (or swap random subtrees) and count the callbacks
// delivered. Returns the callbacks and the number of records in the tree.
func benchmarkRunTree(cfg *benchmarkTestConfig) (int64, int) {
	random := rand.New(rand.NewSource(0))
	tree := benchmarkMakeTree(cfg.width, cfg.depth)

	rt := observable.New()
	defer rt.Close()
	reg := deepwatch.New(observable.NewMultiplexer().Install(rt))
	defer reg.Close()

	var callbacks int64
	count := func(deepwatch.Change) { callbacks++ }
	for i := 0; i < cfg.watchers; i++ {
		root := tree.root
		if cfg.sharedSubtree && len(tree.inner) > 1 {
			root = tree.inner[i%len(tree.inner)]
		}
		reg.WatchDeepFunc(root, count)
	}

	for i := 0; i < cfg.iterations; i++ {
		if random.Float64() < cfg.swapFraction {
			parent := tree.inner[random.Intn(len(tree.inner))]
			_, w := rt.Wrap(parent)
			w.Set(fmt.Sprintf("c%d", random.Intn(cfg.width)), benchmarkMakeTree(cfg.width, 1).root)
		} else {
			leaf := tree.leaves[random.Intn(len(tree.leaves))]
			_, w := rt.Wrap(leaf)
			w.Set("v", i)
		}
		rt.Flush()
	}

	return callbacks, len(tree.inner) + len(tree.leaves)
}

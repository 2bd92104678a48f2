// ioloop-cat prints files to stdout through the ioloop runtime. It exists
// to exercise the executor end to end: open, statx, read and deferred close
// all go through the rings.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/ehrlich-b/go-ioloop"
	"github.com/ehrlich-b/go-ioloop/fs"
)

// catFuture reads every path in sequence and writes the contents to stdout.
type catFuture struct {
	paths   []string
	current *fs.ReadFileFuture
	failed  error
}

func (c *catFuture) Poll() (struct{}, bool) {
	for {
		if c.current == nil {
			if len(c.paths) == 0 {
				return struct{}{}, true
			}
			fut, err := fs.ReadFile(c.paths[0])
			if err != nil {
				c.failed = err
				return struct{}{}, true
			}
			c.paths = c.paths[1:]
			c.current = fut
		}
		res, ok := c.current.Poll()
		if !ok {
			return struct{}{}, false
		}
		c.current = nil
		if res.Err != nil {
			c.failed = res.Err
			return struct{}{}, true
		}
		os.Stdout.Write(res.Val)
	}
}

func main() {
	var (
		ringDepth uint32
		preemptMs int
		showStats bool
	)

	root := &cobra.Command{
		Use:   "ioloop-cat [files...]",
		Short: "Print files through the ioloop io_uring runtime",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			metrics := ioloop.NewMetrics()
			cfg := ioloop.NewConfig().
				WithRingDepth(ringDepth).
				WithPreemptDuration(time.Duration(preemptMs) * time.Millisecond).
				WithObserver(ioloop.NewMetricsObserver(metrics))

			cat := &catFuture{paths: args}
			if _, err := ioloop.Run[struct{}](cfg, cat); err != nil {
				return err
			}
			if cat.failed != nil {
				return cat.failed
			}

			if showStats {
				metrics.Stop()
				snap := metrics.Snapshot()
				fmt.Fprintf(os.Stderr, "polls=%d queued=%d completed=%d closes=%d iterations=%d\n",
					snap.Polls, snap.TotalQueued, snap.TotalCompleted,
					snap.DeferredCloses, snap.LoopIterations)
			}
			return nil
		},
	}

	root.Flags().Uint32Var(&ringDepth, "ring-depth", ioloop.DefaultRingDepth, "submission queue depth")
	root.Flags().IntVar(&preemptMs, "preempt-ms", int(ioloop.DefaultPreemptDuration.Milliseconds()), "preemption budget in milliseconds")
	root.Flags().BoolVar(&showStats, "stats", false, "print loop statistics to stderr")

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "ioloop-cat:", err)
		os.Exit(1)
	}
}

// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/agent"
	"github.com/mbeema/loopmon/pkg/calltree"
	"github.com/mbeema/loopmon/pkg/config"
)

type demoOptions struct {
	duration  time.Duration
	interval  time.Duration
	threshold time.Duration
	stall     time.Duration
	stallEach time.Duration
	mode      string
	top       int
	logLevel  string
}

func newDemoCmd() *cobra.Command {
	opts := demoOptions{}
	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Profile a synthetic workload with injected stalls",
		Long: `Run a synthetic event-loop workload with periodic stalls under the
profiler and print the hottest functions of each profile.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger, err := newLogger(opts.logLevel)
			if err != nil {
				return err
			}
			defer logger.Sync()
			return runDemo(cmd.Context(), cmd.OutOrStdout(), opts, logger)
		},
	}
	f := cmd.Flags()
	f.DurationVar(&opts.duration, "duration", 6*time.Second, "how long to run the workload")
	f.DurationVar(&opts.interval, "interval", 2*time.Second, "profile report interval")
	f.DurationVar(&opts.threshold, "threshold", 50*time.Millisecond, "watchdog threshold (0 disables suspension)")
	f.DurationVar(&opts.stall, "stall", 120*time.Millisecond, "length of each injected stall")
	f.DurationVar(&opts.stallEach, "stall-every", time.Second, "time between injected stalls")
	f.StringVar(&opts.mode, "mode", "idle", "watchdog mode (idle or stall)")
	f.IntVar(&opts.top, "top", 5, "functions to print per profile")
	f.StringVar(&opts.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")
	return cmd
}

func demoConfig(opts demoOptions) *config.Config {
	cfg := config.DefaultConfig()
	cfg.ServiceName = "loopmon-demo"
	cfg.Health.Enabled = false
	cfg.Exporters.Stdout.Enabled = false
	cfg.Profiling.Enabled = true
	cfg.Profiling.Interval = opts.interval
	cfg.Profiling.Threshold = opts.threshold
	cfg.Profiling.Watchdog.Mode = opts.mode
	return cfg
}

func runDemo(ctx context.Context, out io.Writer, opts demoOptions, logger *zap.Logger) error {
	if ctx == nil {
		ctx = context.Background()
	}
	a, err := agent.New(demoConfig(opts), logger)
	if err != nil {
		return err
	}

	var mu sync.Mutex
	a.OnEvent(func(ev agent.Event) {
		mu.Lock()
		defer mu.Unlock()
		switch ev.Topic {
		case agent.TopicProfiling:
			printProfile(out, ev.Payload, opts.top)
		case "loop":
			fmt.Fprintf(out, "  %s\n", ev.Payload)
		}
	})

	if err := a.Start(ctx); err != nil {
		return err
	}
	loop := a.Loop()
	loop.Post(func() { startWorkload(a, opts) })

	select {
	case <-time.After(opts.duration):
	case <-ctx.Done():
	}
	err = a.Stop()

	mu.Lock()
	fmt.Fprintf(out, "watchdog activations: %d\n", a.Activations())
	mu.Unlock()
	return err
}

// startWorkload runs on the loop thread. Timers are unref'd so the agent
// alone decides when the loop ends.
func startWorkload(a *agent.Agent, opts demoOptions) {
	loop := a.Loop()
	loop.SetInterval(10*time.Millisecond, func() {
		loop.Call("parseRequest", func() { busy(300 * time.Microsecond) })
		loop.Call("renderResponse", func() { busy(200 * time.Microsecond) })
	}).Unref()

	loop.SetInterval(opts.stallEach, func() {
		loop.Call("rebuildIndex", func() { busy(opts.stall) })
	}).Unref()

	loop.SetInterval(50*time.Millisecond, func() {
		a.Pool().Submit(func(context.Context) error {
			busy(2 * time.Millisecond)
			return nil
		}, nil)
	}).Unref()
}

func busy(d time.Duration) {
	end := time.Now().Add(d)
	for time.Now().Before(end) {
	}
}

func printProfile(out io.Writer, payload string, top int) {
	p, err := calltree.ParseText(strings.NewReader(payload))
	if err != nil {
		fmt.Fprintf(out, "profile: %v\n", err)
		return
	}
	fns := append([]calltree.Function(nil), p.Functions...)
	sort.Slice(fns, func(i, j int) bool { return fns[i].Count > fns[j].Count })

	var total int64
	for _, f := range fns {
		total += f.Count
	}
	fmt.Fprintf(out, "profile at %s: %d samples\n", time.UnixMilli(p.Time).Format(time.TimeOnly), total)
	for i, f := range fns {
		if i == top || f.Count == 0 {
			break
		}
		fmt.Fprintf(out, "  %6d  %s\n", f.Count, f.Name)
	}
}

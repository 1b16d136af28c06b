// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/mbeema/loopmon/pkg/agent"
	"github.com/mbeema/loopmon/pkg/config"
)

var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "loopmon",
		Short: "Event-loop runtime monitor with a suspend-aware CPU profiler",
		Long: `loopmon runs a single-threaded event loop and reports its telemetry:
GC pauses, heap size, loop lag, worker-pool depth, memory and CPU profiles.

The CPU sampler is suspended while the loop waits for I/O so idle time does
not show up in profiles, and a watchdog timer resumes it when a wait runs
longer than the configured threshold.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd(), newDemoCmd(), newVersionCmd())
	agent.Version = version
	return root
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "loopmon %s (commit: %s, built: %s)\n", version, commit, buildDate)
		},
	}
}

// loadConfig reads a config directory, a file, or the first default
// location that exists, then applies environment overrides.
func loadConfig(path, dir string) (*config.Config, error) {
	var cfg *config.Config
	var err error
	switch {
	case dir != "":
		cfg, err = config.LoadDir(dir)
	case path != "":
		cfg, err = config.Load(path)
	default:
		cfg = config.DefaultConfig()
		for _, p := range []string{"configs/loopmon.yaml", "/etc/loopmon/loopmon.yaml", "/etc/loopmon.yaml"} {
			if _, statErr := os.Stat(p); statErr == nil {
				cfg, err = config.Load(p)
				break
			}
		}
	}
	if err != nil {
		return nil, err
	}
	cfg.ApplyEnvOverrides()
	return cfg, nil
}

// applyProperties merges --property assignments into cfg so they survive
// reloads.
func applyProperties(cfg *config.Config, assigned map[string]string) {
	if len(assigned) == 0 {
		return
	}
	if cfg.Properties == nil {
		cfg.Properties = make(map[string]string, len(assigned))
	}
	for k, v := range assigned {
		cfg.Properties[k] = v
	}
}

func newLogger(level string) (*zap.Logger, error) {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "info":
		zapLevel = zapcore.InfoLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.Config{
		Level:            zap.NewAtomicLevelAt(zapLevel),
		Encoding:         "console",
		EncoderConfig:    zap.NewProductionEncoderConfig(),
		OutputPaths:      []string{"stderr"},
		ErrorOutputPaths: []string{"stderr"},
	}
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

	return cfg.Build()
}

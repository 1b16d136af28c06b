// Copyright 2024-2026 Madhukar Beema, Distinguished Engineer. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/agent"
	"github.com/mbeema/loopmon/pkg/config"
)

func newRunCmd() *cobra.Command {
	var (
		configPath string
		configDir  string
		logLevel   string
		properties []string
	)

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the agent until SIGINT or SIGTERM",
		Long: `Run the agent. SIGHUP reloads the configuration; with --config-dir
changes to the directory are picked up automatically.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			assigned, err := config.ParseAssignments(properties)
			if err != nil {
				return err
			}
			cfg, err := loadConfig(configPath, configDir)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if logLevel != "" {
				cfg.LogLevel = logLevel
			}
			applyProperties(cfg, assigned)

			logger, err := newLogger(cfg.LogLevel)
			if err != nil {
				return fmt.Errorf("failed to create logger: %w", err)
			}
			defer logger.Sync()

			return runAgent(cfg, configPath, configDir, assigned, logger)
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to configuration file")
	cmd.Flags().StringVar(&configDir, "config-dir", "", "path to config directory (multi-file mode with auto-reload)")
	cmd.Flags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	cmd.Flags().StringArrayVarP(&properties, "property", "p", nil, "host property key=value (repeatable)")
	return cmd
}

func runAgent(cfg *config.Config, configPath, configDir string, assigned map[string]string, logger *zap.Logger) error {
	logger.Info("starting loopmon agent",
		zap.String("version", version),
		zap.String("commit", commit),
	)

	a, err := agent.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("failed to create agent: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := a.Start(ctx); err != nil {
		return fmt.Errorf("failed to start agent: %w", err)
	}

	reload := func(newCfg *config.Config, source string) {
		applyProperties(newCfg, assigned)
		if err := a.Reload(newCfg); err != nil {
			logger.Error("failed to apply reloaded config", zap.String("source", source), zap.Error(err))
		}
	}

	var watcher *config.Watcher
	if configDir != "" {
		watcher = config.NewWatcher(configDir, func(newCfg *config.Config, changedFile string) {
			newCfg.ApplyEnvOverrides()
			reload(newCfg, changedFile)
		}, logger)
		if err := watcher.Start(ctx); err != nil {
			a.Stop()
			return fmt.Errorf("failed to start config watcher: %w", err)
		}
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	hupCh := make(chan os.Signal, 1)
	signal.Notify(hupCh, syscall.SIGHUP)
	defer signal.Stop(sigCh)
	defer signal.Stop(hupCh)

	for {
		select {
		case sig := <-sigCh:
			logger.Info("received shutdown signal", zap.String("signal", sig.String()))
			if watcher != nil {
				watcher.Stop()
			}

			shutdownDone := make(chan struct{})
			go func() {
				if err := a.Stop(); err != nil {
					logger.Error("error during shutdown", zap.Error(err))
				}
				close(shutdownDone)
			}()

			select {
			case <-shutdownDone:
				logger.Info("loopmon agent stopped")
				return nil
			case <-time.After(30 * time.Second):
				return fmt.Errorf("shutdown timed out after 30s")
			}

		case <-hupCh:
			logger.Info("received SIGHUP, reloading configuration")
			newCfg, err := loadConfig(configPath, configDir)
			if err != nil {
				logger.Error("failed to reload config", zap.Error(err))
				continue
			}
			reload(newCfg, "SIGHUP")
		}
	}
}

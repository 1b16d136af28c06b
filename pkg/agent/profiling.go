// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/mbeema/loopmon/pkg/calltree"
	"github.com/mbeema/loopmon/pkg/config"
	"github.com/mbeema/loopmon/pkg/export"
	"github.com/mbeema/loopmon/pkg/watchdog"
)

// onProperty reacts to property changes. It runs on whichever goroutine
// called Set; profiling state is only touched on the loop thread.
func (a *Agent) onProperty(key, value string) {
	switch key {
	case config.KeyProfiling:
		on, err := config.ParseSwitch(value)
		if err != nil {
			a.logger.Warn("ignoring profiling switch", zap.String("value", value), zap.Error(err))
			return
		}
		was := a.profEnabled.Swap(on)
		if on {
			a.postProfiling(a.startProfiling)
			return
		}
		a.postProfiling(a.stopProfiling)
		if was {
			a.props.Set(config.KeyProfilingThreshold, "0")
		}
	case config.KeyProfilingInterval, config.KeyProfilingJSON:
		a.postProfiling(a.reschedule)
	}
}

func (a *Agent) postProfiling(fn func()) {
	if err := a.loop.Post(fn); err != nil {
		a.logger.Debug("event loop gone, profiling change dropped", zap.Error(err))
	}
}

// reportInterval is the explicit interval property, or 60s for JSON output
// and 5s for text.
func (a *Agent) reportInterval() time.Duration {
	pc := config.ProfilingConfig{
		Interval: a.props.Duration(config.KeyProfilingInterval, 0),
		JSON:     a.props.Bool(config.KeyProfilingJSON, false),
	}
	return pc.ReportInterval()
}

func (a *Agent) threshold() uint64 {
	return uint64(a.props.Duration(config.KeyProfilingThreshold, 0).Milliseconds())
}

func (a *Agent) beginSession() {
	a.engine.SetInterval(a.props.Duration(config.KeyProfilingSampleInterval, 0))
	if msg := a.wd.StartCpuProfiling(a.threshold()); msg != "" {
		a.logger.Warn("profiling started with a problem", zap.String("reason", msg))
	}
}

// startProfiling runs on the loop thread.
func (a *Agent) startProfiling() {
	if a.profActive {
		return
	}
	a.profActive = true
	a.beginSession()
	a.reschedule()
	a.logger.Info("profiling enabled",
		zap.Duration("interval", a.reportInterval()),
		zap.Uint64("threshold_ms", a.threshold()),
	)
}

// stopProfiling runs on the loop thread and discards the running session.
func (a *Agent) stopProfiling() {
	if !a.profActive {
		return
	}
	a.profActive = false
	if a.profTimer != nil {
		a.profTimer.Stop()
		a.profTimer = nil
	}
	if _, err := a.wd.StopCpuProfiling(); err != nil && !errors.Is(err, watchdog.ErrNotStarted) {
		a.logger.Warn("profiler stop failed", zap.Error(err))
	}
	a.wd.ActivationCount()
	a.logger.Info("profiling disabled")
}

// reschedule replaces the report timer. The timer does not keep the loop
// alive.
func (a *Agent) reschedule() {
	if !a.profActive {
		return
	}
	if a.profTimer != nil {
		a.profTimer.Stop()
	}
	a.profTimer = a.loop.SetInterval(a.reportInterval(), a.reportProfile)
	a.profTimer.Unref()
}

// reportProfile closes the current session, emits it and opens the next.
func (a *Agent) reportProfile() {
	tree, err := a.wd.StopCpuProfiling()
	activations := a.wd.ActivationCount()
	a.activations.Add(uint64(activations))
	if err != nil {
		a.healthStats.ProfileErrors.Add(1)
		a.logger.Warn("profile collection failed", zap.Error(err))
	} else {
		a.emitProfile(tree, activations)
	}
	a.beginSession()
}

func (a *Agent) emitProfile(tree *calltree.Tree, activations uint32) {
	payload, err := a.formatProfile(tree)
	if err != nil {
		a.healthStats.ProfileErrors.Add(1)
		a.logger.Warn("profile serialization failed", zap.Error(err))
		return
	}
	a.publish(Event{Topic: TopicProfiling, Payload: payload, Time: tree.End})
	a.healthStats.ProfilesCaptured.Add(1)

	data, err := calltree.PProf(tree, a.engine.Interval().Nanoseconds())
	if err != nil {
		a.logger.Warn("pprof encoding failed", zap.Error(err))
		return
	}
	a.exporter.ExportProfile(&export.Profile{
		ServiceName: a.cfg.Load().ServiceName,
		Start:       tree.Start,
		End:         tree.End,
		PProfData:   data,
		Activations: activations,
	})
	if activations > 0 {
		a.logger.Debug("watchdog activations", zap.Uint32("count", activations))
	}
}

func (a *Agent) formatProfile(tree *calltree.Tree) (string, error) {
	if a.props.Bool(config.KeyProfilingJSON, false) {
		b, err := json.Marshal(tree)
		return string(b), err
	}
	var buf bytes.Buffer
	if err := calltree.WriteText(&buf, tree); err != nil {
		return "", err
	}
	return buf.String(), nil
}

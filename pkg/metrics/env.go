// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package metrics

import (
	"errors"
	"fmt"
	"os"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/host"
)

// argSeparator joins command.line.arguments so arguments containing spaces
// stay distinguishable.
const argSeparator = "@@@"

// Environment describes the runtime and host the agent runs in.
type Environment struct {
	AgentVersion   string
	RuntimeName    string
	RuntimeVersion string
	RuntimeVendor  string
	OSName         string
	OSPlatform     string
	OSVersion      string
	OSArch         string
	PID            int
	Processors     int
	HeapSizeLimit  int64
	CommandLine    []string // argv, program first
}

// Line renders the environment as a multi-line record:
//
//	#EnvironmentSource
//	runtime.name=go
//	runtime.version=go1.23.4
//	...
//	command.line.arguments=run@@@-c@@@loopmon.yaml
func (e *Environment) Line() string {
	var b strings.Builder
	b.WriteString("#EnvironmentSource\n")
	kv := func(k, v string) {
		b.WriteString(k)
		b.WriteByte('=')
		b.WriteString(v)
		b.WriteByte('\n')
	}
	kv("runtime.name", e.RuntimeName)
	kv("runtime.version", e.RuntimeVersion)
	kv("runtime.vendor", e.RuntimeVendor)
	kv("loopmon.version", e.AgentVersion)
	kv("os.name", e.OSName)
	if e.OSPlatform != "" {
		kv("os.platform", e.OSPlatform)
	}
	kv("os.version", e.OSVersion)
	kv("os.arch", e.OSArch)
	kv("pid", strconv.Itoa(e.PID))
	kv("number.of.processors", strconv.Itoa(e.Processors))
	kv("heap.size.limit", strconv.FormatInt(e.HeapSizeLimit, 10))
	kv("command.line", strings.Join(e.CommandLine, " "))
	var args []string
	if len(e.CommandLine) > 1 {
		args = e.CommandLine[1:]
	}
	kv("command.line.arguments", strings.Join(args, argSeparator))
	return b.String()
}

// EnvSource reports the Environment. Register it with Collector.AddOnce; it
// does not change while the process runs.
type EnvSource struct {
	version string
}

func NewEnvSource(agentVersion string) *EnvSource {
	return &EnvSource{version: agentVersion}
}

func (s *EnvSource) Name() string { return "environment" }

// Collect always returns a report. Host lookups that fail leave their
// fields at the runtime's own view and are returned as the error.
func (s *EnvSource) Collect(now time.Time) ([]*Report, error) {
	env := &Environment{
		AgentVersion:   s.version,
		RuntimeName:    "go",
		RuntimeVersion: runtime.Version(),
		RuntimeVendor:  runtime.Compiler,
		OSName:         runtime.GOOS,
		OSArch:         runtime.GOARCH,
		PID:            os.Getpid(),
		Processors:     runtime.NumCPU(),
		HeapSizeLimit:  debug.SetMemoryLimit(-1),
		CommandLine:    os.Args,
	}

	var errs []error
	if info, err := host.Info(); err != nil {
		errs = append(errs, fmt.Errorf("host info: %w", err))
	} else {
		env.OSVersion = info.KernelVersion
		if info.KernelArch != "" {
			env.OSArch = info.KernelArch
		}
		env.OSPlatform = strings.TrimSpace(info.Platform + " " + info.PlatformVersion)
	}
	if n, err := cpu.Counts(true); err != nil {
		errs = append(errs, fmt.Errorf("cpu count: %w", err))
	} else if n > 0 {
		env.Processors = n
	}

	return []*Report{{
		Source: "environment",
		Line:   env.Line(),
		Metrics: []*Metric{
			gauge("system.cpu.logical.count", "{cpu}", float64(env.Processors), now),
			gauge("process.runtime.go.mem.limit", "By", float64(env.HeapSizeLimit), now),
		},
		Timestamp: now,
	}}, errors.Join(errs...)
}

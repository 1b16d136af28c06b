// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package config

import (
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Property keys understood by the agent.
const (
	KeyProfiling               = "loopmon.profiling"
	KeyProfilingInterval       = "loopmon.profiling.interval"
	KeyProfilingSampleInterval = "loopmon.profiling.sample_interval"
	KeyProfilingThreshold      = "loopmon.profiling.threshold"
	KeyProfilingJSON           = "loopmon.profiling.json"
)

// Properties is the host's string key/value store. Values are changed at
// runtime (config reload, --property flags) and observed through OnChange.
type Properties struct {
	mu        sync.RWMutex
	values    map[string]string
	listeners map[int]func(key, value string)
	nextID    int
}

func NewProperties() *Properties {
	return &Properties{
		values:    make(map[string]string),
		listeners: make(map[int]func(key, value string)),
	}
}

// Seed sets the profiling keys from cfg, overlaid with cfg.Properties.
// The merged values are applied in key order with KeyProfiling last, so a
// listener that starts profiling already sees the other settings.
func (p *Properties) Seed(cfg *Config) {
	pc := &cfg.Profiling
	merged := map[string]string{
		KeyProfiling:               onOff(pc.Enabled),
		KeyProfilingJSON:           onOff(pc.JSON),
		KeyProfilingInterval:       strconv.FormatInt(pc.Interval.Milliseconds(), 10),
		KeyProfilingSampleInterval: strconv.FormatInt(pc.SampleInterval.Milliseconds(), 10),
		KeyProfilingThreshold:      strconv.FormatInt(pc.Threshold.Milliseconds(), 10),
	}
	for k, v := range cfg.Properties {
		merged[k] = v
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if k != KeyProfiling {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		p.Set(k, merged[k])
	}
	p.Set(KeyProfiling, merged[KeyProfiling])
}

// Set stores value under key. Listeners run synchronously on the caller's
// goroutine, and only when the value actually changed.
func (p *Properties) Set(key, value string) {
	p.mu.Lock()
	old, had := p.values[key]
	if had && old == value {
		p.mu.Unlock()
		return
	}
	p.values[key] = value
	fns := make([]func(string, string), 0, len(p.listeners))
	ids := make([]int, 0, len(p.listeners))
	for id := range p.listeners {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	for _, id := range ids {
		fns = append(fns, p.listeners[id])
	}
	p.mu.Unlock()

	for _, fn := range fns {
		fn(key, value)
	}
}

func (p *Properties) Get(key string) (string, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	v, ok := p.values[key]
	return v, ok
}

func (p *Properties) String(key, def string) string {
	if v, ok := p.Get(key); ok {
		return v
	}
	return def
}

// Bool accepts on/off, true/false, yes/no and 1/0. Anything else yields def.
func (p *Properties) Bool(key string, def bool) bool {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	b, err := ParseSwitch(v)
	if err != nil {
		return def
	}
	return b
}

func (p *Properties) Int(key string, def int64) int64 {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil {
		return def
	}
	return n
}

// Duration reads a millisecond count or a Go duration string.
func (p *Properties) Duration(key string, def time.Duration) time.Duration {
	v, ok := p.Get(key)
	if !ok {
		return def
	}
	d, ok := parseDuration(v)
	if !ok || d < 0 {
		return def
	}
	return d
}

// OnChange registers fn for every subsequent change and returns a function
// that removes it.
func (p *Properties) OnChange(fn func(key, value string)) func() {
	p.mu.Lock()
	id := p.nextID
	p.nextID++
	p.listeners[id] = fn
	p.mu.Unlock()
	return func() {
		p.mu.Lock()
		delete(p.listeners, id)
		p.mu.Unlock()
	}
}

// Snapshot returns a copy of all values.
func (p *Properties) Snapshot() map[string]string {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make(map[string]string, len(p.values))
	for k, v := range p.values {
		out[k] = v
	}
	return out
}

// ParseSwitch parses an on/off style flag value.
func ParseSwitch(s string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "true", "yes", "1":
		return true, nil
	case "off", "false", "no", "0":
		return false, nil
	}
	return false, fmt.Errorf("invalid switch value %q", s)
}

// ParseAssignments parses key=value pairs as given on the command line.
func ParseAssignments(args []string) (map[string]string, error) {
	out := make(map[string]string, len(args))
	for _, a := range args {
		k, v, ok := strings.Cut(a, "=")
		k = strings.TrimSpace(k)
		if !ok || k == "" {
			return nil, fmt.Errorf("property %q: want key=value", a)
		}
		out[k] = strings.TrimSpace(v)
	}
	return out, nil
}

func onOff(b bool) string {
	if b {
		return "on"
	}
	return "off"
}

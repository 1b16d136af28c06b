// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package watchdog

import "sync/atomic"

// Counter counts forced resumes. It is safe to increment from the sampler
// thread while another thread reads it.
type Counter struct {
	n atomic.Uint32
}

// Increment adds one and returns the new value.
func (c *Counter) Increment() uint32 {
	return c.n.Add(1)
}

// Exchange stores v and returns the previous value.
func (c *Counter) Exchange(v uint32) uint32 {
	return c.n.Swap(v)
}

// Load returns the current value without clearing it.
func (c *Counter) Load() uint32 {
	return c.n.Load()
}

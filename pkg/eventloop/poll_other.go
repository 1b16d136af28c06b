// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

//go:build !linux

package eventloop

import (
	"errors"
	"time"

	"github.com/mbeema/loopmon/pkg/intercept"
)

var errNoWatch = errors.New("descriptor watching not supported on this platform")

// chanPoller only supports timers and wakes.
type chanPoller struct {
	wakeCh chan struct{}
}

func newPoller(*intercept.Interceptor) (poller, error) {
	return &chanPoller{wakeCh: make(chan struct{}, 1)}, nil
}

func (p *chanPoller) wait(timeout time.Duration, _ func(fd int)) error {
	if timeout < 0 {
		<-p.wakeCh
		return nil
	}
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-p.wakeCh:
	case <-t.C:
	}
	return nil
}

func (p *chanPoller) wake() error {
	select {
	case p.wakeCh <- struct{}{}:
	default:
	}
	return nil
}

func (p *chanPoller) add(int) error    { return errNoWatch }
func (p *chanPoller) remove(int) error { return errNoWatch }
func (p *chanPoller) close() error     { return nil }

func threadID() int { return 0 }

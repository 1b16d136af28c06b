// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package eventloop

import (
	"encoding/binary"
	"fmt"
	"sync"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"

	"github.com/mbeema/loopmon/pkg/intercept"
)

// epoller waits in epoll_pwait through the interceptor. An eventfd wakes it.
type epoller struct {
	ic     *intercept.Interceptor
	epfd   int
	efd    int
	events [64]unix.EpollEvent

	mu     sync.Mutex // guards efd against reuse after close
	closed bool
}

func newPoller(ic *intercept.Interceptor) (poller, error) {
	epfd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("epoll_create1: %w", err)
	}
	efd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		unix.Close(epfd)
		return nil, fmt.Errorf("eventfd: %w", err)
	}
	p := &epoller{ic: ic, epfd: epfd, efd: efd}
	if err := p.add(efd); err != nil {
		p.close()
		return nil, err
	}
	return p, nil
}

func (p *epoller) add(fd int) error {
	ev := unix.EpollEvent{Events: unix.EPOLLIN, Fd: int32(fd)}
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		return fmt.Errorf("epoll_ctl add %d: %w", fd, err)
	}
	return nil
}

func (p *epoller) remove(fd int) error {
	if err := unix.EpollCtl(p.epfd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		return fmt.Errorf("epoll_ctl del %d: %w", fd, err)
	}
	return nil
}

func (p *epoller) wait(timeout time.Duration, ready func(fd int)) error {
	ms := -1
	if timeout >= 0 {
		ms = int((timeout + time.Millisecond - 1) / time.Millisecond)
	}
	n, _, errno := p.ic.Syscall6(unix.SYS_EPOLL_PWAIT,
		uintptr(p.epfd),
		uintptr(unsafe.Pointer(&p.events[0])),
		uintptr(len(p.events)),
		uintptr(ms), 0, 0)
	if errno == unix.EINTR {
		return nil
	}
	if errno != 0 {
		return fmt.Errorf("epoll_pwait: %w", errno)
	}
	for i := 0; i < int(n); i++ {
		fd := int(p.events[i].Fd)
		if fd == p.efd {
			p.drain()
			continue
		}
		ready(fd)
	}
	return nil
}

func (p *epoller) drain() {
	var buf [8]byte
	unix.Read(p.efd, buf[:])
}

func (p *epoller) wake() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], 1)
	if _, err := unix.Write(p.efd, buf[:]); err != nil && err != unix.EAGAIN {
		return err
	}
	return nil
}

func (p *epoller) close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true
	unix.Close(p.efd)
	return unix.Close(p.epfd)
}

func threadID() int {
	return unix.Gettid()
}

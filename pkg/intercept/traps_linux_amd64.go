// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import "golang.org/x/sys/unix"

var waitTraps = []uintptr{
	unix.SYS_EPOLL_WAIT,
	unix.SYS_EPOLL_PWAIT,
	unix.SYS_POLL,
	unix.SYS_PPOLL,
	unix.SYS_SELECT,
	unix.SYS_PSELECT6,
}

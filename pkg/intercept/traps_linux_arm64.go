// Copyright 2024-2026 Madhukar Beema. All rights reserved.
// Use of this source code is governed by the Business Source License
// included in the LICENSE file of this repository.

package intercept

import "golang.org/x/sys/unix"

// arm64 has no legacy epoll_wait, poll or select entry points.
var waitTraps = []uintptr{
	unix.SYS_EPOLL_PWAIT,
	unix.SYS_PPOLL,
	unix.SYS_PSELECT6,
}

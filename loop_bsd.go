// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build darwin || netbsd || freebsd || openbsd || dragonfly
// +build darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import "github.com/ysyzqq/tlsreactor/internal/netpoll"

// epoll does not exist here, the fd-array backend is the only one.
const defaultPollerKind = netpoll.Poll

// pollerCapacity is how many descriptors a reactor registers at most: its
// connections plus the listener.
func pollerCapacity(maxConns int) int {
	return maxConns + 1
}

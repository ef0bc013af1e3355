// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package tlsreactor

import "github.com/ysyzqq/tlsreactor/internal/netpoll"

// 参考netty架构, linux下每个反应堆用epoll
const defaultPollerKind = netpoll.Epoll

// pollerCapacity is how many descriptors a reactor registers at most: its
// connections plus the listener. epoll only uses it as a hint for the size
// of the ready list.
func pollerCapacity(maxConns int) int {
	return maxConns + 1
}

// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build !linux && !darwin && !netbsd && !freebsd && !openbsd && !dragonfly
// +build !linux,!darwin,!netbsd,!freebsd,!openbsd,!dragonfly

package netpoll

func openPoll(int) (Poller, error) {
	return nil, ErrUnsupported
}

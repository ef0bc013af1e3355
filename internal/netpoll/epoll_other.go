// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build !linux
// +build !linux

package netpoll

func openEpoll(int) (Poller, error) {
	return nil, ErrUnsupported
}

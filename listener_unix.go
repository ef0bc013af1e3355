// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import (
	"net"
	"os"
	"sync"
	"syscall"

	"github.com/libp2p/go-reuseport"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
)

type listener struct {
	f             *os.File     // dup of the listening socket 监听的文件
	fd            int          // non-blocking fd the reactor polls
	ln            net.Listener // 内部的网络监听
	once          sync.Once
	lnaddr        net.Addr
	addr, network string
	logger        Logger
}

// initListener binds addr with SO_REUSEADDR and SO_REUSEPORT so that every
// reactor can own a listener on the same port.
func initListener(network, addr string, backlog int, logger Logger) (*listener, error) {
	l, err := reuseport.Listen(network, addr)
	if err != nil {
		return nil, classifyListenError(err)
	}
	ln := &listener{ln: l, lnaddr: l.Addr(), addr: addr, network: network, logger: logger}
	if err = ln.system(backlog); err != nil {
		ln.close()
		return nil, err
	}
	return ln, nil
}

// system takes the net listener and detaches it from it's parent
// event loop, grabs the file descriptor, and makes it non-blocking.
// 同过go/net 初始化
func (ln *listener) system(backlog int) error {
	var err error
	switch netln := ln.ln.(type) {
	case *net.TCPListener:
		ln.f, err = netln.File()
	case *net.UnixListener:
		ln.f, err = netln.File()
	default:
		err = errors.Errorf("unsupported listener %T", ln.ln)
	}
	if err != nil {
		return errors.WithMessagef(ErrSocketCreate, "detach listener: %v", err)
	}
	ln.fd = int(ln.f.Fd())

	// net.Listen picked its own backlog, re-issue listen(2) with ours.
	if err = unix.Listen(ln.fd, backlog); err != nil {
		return errors.WithMessagef(ErrSocketCreate, "listen: %v", os.NewSyscallError("listen", err))
	}
	if _, ok := ln.ln.(*net.TCPListener); ok {
		if err = netpoll.SetNoDelay(ln.fd, true); err != nil {
			return errors.WithMessagef(ErrSocketCreate, "%v", err)
		}
	}
	if err = unix.SetNonblock(ln.fd, true); err != nil {
		return errors.WithMessagef(ErrSocketCreate, "%v", os.NewSyscallError("setnonblock", err))
	}
	return nil
}

func (ln *listener) close() {
	ln.once.Do(
		func() {
			logger := ln.logger
			if logger == nil {
				logger = defaultLogger
			}
			if ln.f != nil {
				sniffErrorAndLog(logger, ln.f.Close())
			}
			if ln.ln != nil {
				sniffErrorAndLog(logger, ln.ln.Close())
			}
			if ln.network == "unix" {
				sniffErrorAndLog(logger, os.RemoveAll(ln.addr))
			}
		})
}

// classifyListenError tells address problems apart from socket problems.
func classifyListenError(err error) error {
	var errno syscall.Errno
	if errors.As(err, &errno) {
		switch errno {
		case unix.EADDRINUSE, unix.EADDRNOTAVAIL, unix.EACCES:
			return errors.WithMessagef(ErrBind, "%v", err)
		}
	}
	return errors.WithMessagef(ErrSocketCreate, "%v", err)
}

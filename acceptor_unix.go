// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import (
	"os"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
)

// acceptNonBlocking accepts one pending connection and makes it non-blocking.
// unix.EAGAIN means nothing was pending.
func acceptNonBlocking(fd int) (int, unix.Sockaddr, error) {
	nfd, sa, err := unix.Accept(fd) // 返回os提供的sock地址和对应的fd
	if err != nil {
		return -1, nil, err
	}
	unix.CloseOnExec(nfd)
	if err = unix.SetNonblock(nfd, true); err != nil {
		_ = unix.Close(nfd)
		return -1, nil, os.NewSyscallError("setnonblock", err)
	}
	if _, ok := sa.(*unix.SockaddrUnix); !ok {
		_ = netpoll.SetNoDelay(nfd, true)
	}
	return nfd, sa, nil
}

// transientAcceptError reports accept failures that only mean "not now".
func transientAcceptError(err error) bool {
	switch err {
	case unix.EAGAIN, unix.EINTR, unix.ECONNABORTED, unix.EMFILE, unix.ENFILE:
		return true
	}
	return false
}

// loopAccept takes one connection off the listener.
// 接收新的连接
func (el *eventloop) loopAccept(ev netpoll.Event) error {
	if ev.Failed() {
		el.svr.logger.Warnf("event-loop:%d listener %s hung up, no longer accepting", el.idx, el.ln.lnaddr)
		return el.closeListener()
	}
	if el.connections.full() {
		return nil
	}

	nfd, sa, err := el.accept(el.ln.fd)
	if err != nil {
		if transientAcceptError(err) {
			return nil
		}
		return errors.WithMessagef(ErrAccept, "event-loop:%d: %v", el.idx, os.NewSyscallError("accept", err))
	}

	sess, err := el.engine.NewSession(nfd)
	if err != nil {
		el.svr.logger.Warnf("event-loop:%d failed to create tls session for fd:%d, error:%v", el.idx, nfd, err)
		sniffErrorAndLog(el.svr.logger, el.closeFD(nfd))
		return nil
	}
	if ka := el.svr.opts.TCPKeepAlive; ka > 0 {
		if _, ok := sa.(*unix.SockaddrUnix); !ok {
			_ = netpoll.SetKeepAlive(nfd, int(ka/time.Second))
		}
	}

	c := el.connections.insert(nfd, sess)
	if c == nil {
		sniffErrorAndLog(el.svr.logger, sess.Close())
		sniffErrorAndLog(el.svr.logger, el.closeFD(nfd))
		return nil
	}
	c.remoteAddr = netpoll.SockaddrToTCPOrUnixAddr(sa)
	c.lastActive = el.now()
	// counted from here on, releaseConn undoes it whichever way the slot goes
	el.plusConnCount()
	if err = el.poller.Register(nfd, netpoll.InterestRead, c.idx); err != nil {
		el.connections.retire(c)
		return errors.WithMessagef(ErrPoller, "event-loop:%d register fd:%d: %v", el.idx, nfd, err)
	}
	c.interest = netpoll.InterestRead
	el.svr.stats.MarkStart(c.lastActive)

	if el.connections.full() {
		if err = el.pauseAccept(); err != nil {
			return err
		}
	}
	el.loopStep(c)
	return nil
}

// pauseAccept takes the listener out of the poller once the table is full;
// pending connections wait in the kernel backlog.
func (el *eventloop) pauseAccept() error {
	if !el.accepting {
		return nil
	}
	if err := el.poller.Unregister(el.ln.fd); err != nil {
		return errors.WithMessagef(ErrPoller, "event-loop:%d unregister listener: %v", el.idx, err)
	}
	el.accepting = false
	return nil
}

// rearmAccept puts the listener back once a slot is free again.
func (el *eventloop) rearmAccept() error {
	if el.accepting || !el.listening || el.connections.full() {
		return nil
	}
	if err := el.poller.Register(el.ln.fd, netpoll.InterestRead, listenerTag); err != nil {
		return errors.WithMessagef(ErrPoller, "event-loop:%d register listener: %v", el.idx, err)
	}
	el.accepting = true
	return nil
}

// closeListener stops accepting for good. The reactor keeps serving what it has.
func (el *eventloop) closeListener() error {
	if !el.listening {
		return nil
	}
	if el.accepting {
		if err := el.poller.Unregister(el.ln.fd); err != nil {
			el.svr.logger.Debugf("event-loop:%d failed to unregister listener, error:%v", el.idx, err)
		}
		el.accepting = false
	}
	el.listening = false
	el.ln.close()
	return nil
}

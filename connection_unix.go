// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import (
	"io"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

func closeSocket(fd int) error {
	return os.NewSyscallError("close", unix.Close(fd))
}

// loopStep runs the state machine of c for one dispatch and re-arms the poller.
func (el *eventloop) loopStep(c *conn) {
	c.queued = false
	c.lastActive = el.now()
	interest, more, err := c.step(&el.env)
	if err != nil {
		el.loopCloseConn(c, err)
		return
	}
	if interest != c.interest {
		if err = el.poller.Modify(c.fd, interest, c.idx); err != nil {
			el.loopCloseConn(c, errors.WithMessage(err, "re-arm"))
			return
		}
		c.interest = interest
	}
	if more {
		c.queued = true
		el.ready = append(el.ready, c.idx)
	}
}

// loopCloseConn retires c. Closing a slot that is no longer active is a
// no-op. The socket stays open until the reclamation pass.
// 关闭el里的连接
func (el *eventloop) loopCloseConn(c *conn, err error) {
	if c.tag != slotActive {
		return
	}
	switch c.state {
	case stateAccepting:
		c.flushHandshake(el.svr.stats)
	case stateWriting:
		c.settleReply(el.svr.stats)
	}
	c.state = stateClosed

	switch {
	case err == nil:
	case errors.Is(err, io.EOF), errors.Is(err, errIdleTimeout):
		el.svr.logger.Debugf("event-loop:%d closing fd:%d (%v): %v", el.idx, c.fd, c.remoteAddr, err)
	default:
		el.svr.logger.Warnf("event-loop:%d closing fd:%d (%v) with error: %v", el.idx, c.fd, c.remoteAddr, err)
	}

	if !el.draining {
		if first := el.svr.stats.RecordClose(c.session.Resumed()); first {
			el.svr.logger.Infof("TLS cipher suite is %s", c.session.CipherSuite())
		}
	}
	if err = el.poller.Unregister(c.fd); err != nil {
		el.svr.logger.Debugf("event-loop:%d failed to delete fd:%d from poller, error:%v", el.idx, c.fd, err)
	}
	el.connections.retire(c)
}

// releaseConn frees what a retired slot still holds; reclaim is its only caller.
func (el *eventloop) releaseConn(c *conn) {
	if err := c.session.Close(); err != nil {
		el.svr.logger.Debugf("event-loop:%d failed to close session of fd:%d, error:%v", el.idx, c.fd, err)
	}
	if err := el.closeFD(c.fd); err != nil {
		el.svr.logger.Errorf("event-loop:%d failed to close fd:%d, error:%v", el.idx, c.fd, err)
	}
	el.minusConnCount()
}

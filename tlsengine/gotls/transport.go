// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package gotls

import (
	"net"
	"strconv"
	"time"

	"golang.org/x/sys/unix"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
)

var errClosed = net.ErrClosed

// transport is the net.Conn a tls.Conn sees. Its bytes live in the session
// buffers and never touch the socket directly.
type transport struct {
	s      *session
	local  net.Addr
	remote net.Addr
}

type fdAddr int

func (fdAddr) Network() string  { return "fd" }
func (a fdAddr) String() string { return "fd:" + strconv.Itoa(int(a)) }

func newTransport(s *session) *transport {
	t := &transport{s: s, local: fdAddr(s.fd), remote: fdAddr(s.fd)}
	if sa, err := unix.Getsockname(s.fd); err == nil {
		if addr := netpoll.SockaddrToTCPOrUnixAddr(sa); addr != nil {
			t.local = addr
		}
	}
	if sa, err := unix.Getpeername(s.fd); err == nil {
		if addr := netpoll.SockaddrToTCPOrUnixAddr(sa); addr != nil {
			t.remote = addr
		}
	}
	return t
}

func (t *transport) Read(p []byte) (int, error)  { return t.s.read(p) }
func (t *transport) Write(p []byte) (int, error) { return t.s.write(p) }

// Close is a no-op, the session decides when the socket goes away.
func (t *transport) Close() error { return nil }

func (t *transport) LocalAddr() net.Addr  { return t.local }
func (t *transport) RemoteAddr() net.Addr { return t.remote }

func (t *transport) SetDeadline(time.Time) error      { return nil }
func (t *transport) SetReadDeadline(time.Time) error  { return nil }
func (t *transport) SetWriteDeadline(time.Time) error { return nil }

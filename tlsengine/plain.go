// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsengine

import (
	"io"
	"os"

	"golang.org/x/sys/unix"
)

// NewPlainFactory returns engines that move bytes on the socket untouched.
// The handshake completes immediately. It is meant for measuring the reactor
// on its own and for tests.
func NewPlainFactory() Factory {
	return func() (Engine, error) { return plainEngine{}, nil }
}

type plainEngine struct{}

func (plainEngine) NewSession(fd int) (Session, error) { return &plainSession{fd: fd}, nil }

func (plainEngine) Close() error { return nil }

type plainSession struct {
	fd int
}

func (s *plainSession) Handshake() (Status, error) { return StatusOK, nil }

func (s *plainSession) Read(p []byte) (int, Status, error) {
	n, err := unix.Read(s.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, StatusWantRead, nil
	case err != nil:
		return 0, StatusOK, os.NewSyscallError("read", err)
	case n == 0 && len(p) > 0:
		return 0, StatusOK, io.EOF
	}
	return n, StatusOK, nil
}

func (s *plainSession) Write(p []byte) (int, Status, error) {
	n, err := unix.Write(s.fd, p)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return 0, StatusWantWrite, nil
	case err != nil:
		return 0, StatusOK, os.NewSyscallError("write", err)
	case n < len(p):
		return n, StatusWantWrite, nil
	}
	return n, StatusOK, nil
}

func (s *plainSession) Resumed() bool { return false }

func (s *plainSession) CipherSuite() string { return "NONE" }

func (s *plainSession) Close() error { return nil }

// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package gotls

import (
	"crypto/tls"
	"io"
	"os"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ysyzqq/tlsreactor/pool/bytebuffer"
	"github.com/ysyzqq/tlsreactor/tlsengine"
)

type opKind int

const (
	opNone opKind = iota
	opHandshake
	opRead
	opWrite
)

func (k opKind) String() string {
	switch k {
	case opHandshake:
		return "handshake"
	case opRead:
		return "read"
	case opWrite:
		return "write"
	}
	return "none"
}

// session runs one tls.Conn. At most one operation is in flight at a time.
//
// Everything below mu is shared between the reactor goroutine and the worker
// running the current operation.
type session struct {
	e    *Engine
	fd   int
	conn *tls.Conn

	mu       sync.Mutex
	readable *sync.Cond // worker waits for ciphertext
	settled  *sync.Cond // reactor waits for the worker to park or finish

	in     *bytebuffer.ByteBuffer
	inOff  int
	inEOF  bool
	out    *bytebuffer.ByteBuffer
	outOff int

	// waiting is set while the worker is parked on an empty inbound buffer.
	waiting bool

	op      opKind
	running bool
	opDone  bool
	opN     int
	opErr   error

	closed   bool
	released bool

	handshaken bool
	resumed    bool
	cipher     string

	// plaintext read by the last read op that did not fit the caller's buffer
	pending []byte
	readErr error
	rbuf    []byte
	wbuf    []byte
}

func newSession(e *Engine, fd int) *session {
	s := &session{
		e:   e,
		fd:  fd,
		in:  bytebuffer.Get(),
		out: bytebuffer.Get(),
	}
	s.readable = sync.NewCond(&s.mu)
	s.settled = sync.NewCond(&s.mu)
	s.conn = tls.Server(newTransport(s), e.config)
	return s
}

func (s *session) Handshake() (tlsengine.Status, error) {
	s.mu.Lock()
	done := s.handshaken
	s.mu.Unlock()
	if done {
		return tlsengine.StatusOK, nil
	}

	if err := s.begin(opHandshake, func() (int, error) {
		return 0, s.conn.Handshake()
	}); err != nil {
		return tlsengine.StatusOK, err
	}
	status, err := s.advance()
	if err != nil || status != tlsengine.StatusOK {
		return status, err
	}
	_, err = s.collect()
	return tlsengine.StatusOK, err
}

func (s *session) Read(p []byte) (int, tlsengine.Status, error) {
	if len(p) == 0 {
		return 0, tlsengine.StatusOK, nil
	}

	s.mu.Lock()
	if len(s.pending) > 0 {
		n := copy(p, s.pending)
		s.pending = s.pending[n:]
		s.mu.Unlock()
		return n, tlsengine.StatusOK, nil
	}
	if s.readErr != nil {
		err := s.readErr
		s.mu.Unlock()
		return 0, tlsengine.StatusOK, err
	}
	if s.op == opNone {
		if cap(s.rbuf) < len(p) {
			s.rbuf = make([]byte, len(p))
		}
		s.rbuf = s.rbuf[:len(p)]
	}
	buf := s.rbuf
	s.mu.Unlock()

	if err := s.begin(opRead, func() (int, error) {
		return s.conn.Read(buf)
	}); err != nil {
		return 0, tlsengine.StatusOK, err
	}
	status, err := s.advance()
	if err != nil || status != tlsengine.StatusOK {
		return 0, status, err
	}

	n, err := s.collect()
	if n == 0 {
		if err == nil {
			// a record with no application data, e.g. a post-handshake message
			return 0, tlsengine.StatusWantRead, nil
		}
		return 0, tlsengine.StatusOK, err
	}

	s.mu.Lock()
	c := copy(p, buf[:n])
	if c < n {
		s.pending = buf[c:n]
	}
	s.readErr = err
	s.mu.Unlock()
	return c, tlsengine.StatusOK, nil
}

func (s *session) Write(p []byte) (int, tlsengine.Status, error) {
	if len(p) == 0 {
		return 0, tlsengine.StatusOK, nil
	}

	s.mu.Lock()
	if s.op == opNone {
		s.wbuf = append(s.wbuf[:0], p...)
	}
	buf := s.wbuf
	s.mu.Unlock()

	if err := s.begin(opWrite, func() (int, error) {
		return s.conn.Write(buf)
	}); err != nil {
		return 0, tlsengine.StatusOK, err
	}
	status, err := s.advance()
	if err != nil || status != tlsengine.StatusOK {
		return 0, status, err
	}
	n, err := s.collect()
	return n, tlsengine.StatusOK, err
}

func (s *session) Resumed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resumed
}

func (s *session) CipherSuite() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cipher
}

// Close wakes a parked worker and returns the buffers once no operation is
// in flight. The socket belongs to the caller.
func (s *session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.readable.Broadcast()
	running := s.running
	s.mu.Unlock()

	if !running {
		s.release()
	}
	return nil
}

func (s *session) release() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.released {
		return
	}
	s.released = true
	bytebuffer.Put(s.in)
	bytebuffer.Put(s.out)
	s.in, s.out = nil, nil
	s.pending, s.rbuf, s.wbuf = nil, nil, nil
}

// begin starts an operation of the given kind unless one is already in
// flight, in which case the caller is resuming it.
func (s *session) begin(kind opKind, fn func() (int, error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return errors.New("gotls: session closed")
	}
	if s.op == kind {
		return nil
	}
	if s.op != opNone {
		return errors.Errorf("gotls: %s requested while %s is in flight", kind, s.op)
	}

	s.op, s.running, s.opDone = kind, true, false
	s.opN, s.opErr = 0, nil
	if err := s.e.pool.Submit(func() {
		n, err := fn()
		s.finish(kind, n, err)
	}); err != nil {
		s.op, s.running = opNone, false
		return errors.Wrapf(err, "gotls: submit %s", kind)
	}
	return nil
}

func (s *session) finish(kind opKind, n int, err error) {
	var state tls.ConnectionState
	if kind == opHandshake && err == nil {
		state = s.conn.ConnectionState()
	}

	s.mu.Lock()
	s.opN, s.opErr = n, err
	s.opDone, s.running, s.waiting = true, false, false
	if kind == opHandshake && err == nil {
		s.handshaken = true
		s.resumed = state.DidResume
		s.cipher = tls.CipherSuiteName(state.CipherSuite)
	}
	closed := s.closed
	s.settled.Broadcast()
	s.mu.Unlock()

	if closed {
		s.release()
		return
	}
	s.e.notify(s)
}

// collect hands back the result of the finished operation.
func (s *session) collect() (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, err := s.opN, s.opErr
	s.op, s.opDone = opNone, false
	s.opN, s.opErr = 0, nil
	return n, err
}

// advance moves ciphertext between the socket and the transport until the
// operation finishes or cannot progress without the socket. StatusOK means
// the operation finished and its output is on the wire.
func (s *session) advance() (tlsengine.Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for {
		blocked, err := s.flushLocked()
		if err != nil {
			return tlsengine.StatusOK, err
		}
		fed, err := s.fillLocked()
		if err != nil {
			return tlsengine.StatusOK, err
		}

		if s.opDone {
			if blocked {
				return tlsengine.StatusWantWrite, nil
			}
			if len(s.out.B) > s.outOff {
				// the worker's last write landed after the flush
				continue
			}
			return tlsengine.StatusOK, nil
		}

		parked := s.waiting && s.inOff == len(s.in.B) && !s.inEOF
		if fed || !parked {
			if s.e.async {
				if blocked {
					return tlsengine.StatusWantWrite, nil
				}
				return tlsengine.StatusPending, nil
			}
			s.settled.Wait()
			continue
		}
		if len(s.out.B) > s.outOff && !blocked {
			continue
		}
		if blocked {
			return tlsengine.StatusWantWrite, nil
		}
		return tlsengine.StatusWantRead, nil
	}
}

// flushLocked writes queued ciphertext to the socket. blocked is true when
// the socket stopped accepting bytes before the queue drained.
func (s *session) flushLocked() (blocked bool, err error) {
	for s.outOff < len(s.out.B) {
		n, err := unix.Write(s.fd, s.out.B[s.outOff:])
		switch {
		case err == unix.EINTR:
			continue
		case err == unix.EAGAIN:
			return true, nil
		case err != nil:
			return false, os.NewSyscallError("write", err)
		}
		s.outOff += n
	}
	s.out.Reset()
	s.outOff = 0
	return false, nil
}

// fillLocked performs at most one socket read into the inbound buffer.
func (s *session) fillLocked() (fed bool, err error) {
	if s.inEOF {
		return false, nil
	}
	n, err := unix.Read(s.fd, s.e.scratch)
	switch {
	case err == unix.EAGAIN || err == unix.EINTR:
		return false, nil
	case err != nil:
		return false, os.NewSyscallError("read", err)
	case n == 0:
		s.inEOF = true
	default:
		_, _ = s.in.Write(s.e.scratch[:n])
	}
	s.readable.Broadcast()
	return true, nil
}

// read is the transport side of the inbound buffer; it runs on the worker.
func (s *session) read(p []byte) (int, error) {
	s.mu.Lock()
	for {
		if s.closed {
			s.waiting = false
			s.mu.Unlock()
			return 0, errClosed
		}
		if s.inOff < len(s.in.B) {
			n := copy(p, s.in.B[s.inOff:])
			s.inOff += n
			if s.inOff == len(s.in.B) {
				s.in.Reset()
				s.inOff = 0
			}
			s.waiting = false
			s.mu.Unlock()
			return n, nil
		}
		if s.inEOF {
			s.waiting = false
			s.mu.Unlock()
			return 0, io.EOF
		}
		if !s.waiting {
			s.waiting = true
			s.settled.Broadcast()
			s.mu.Unlock()
			s.e.notify(s)
			s.mu.Lock()
			continue
		}
		s.readable.Wait()
	}
}

func (s *session) write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, errClosed
	}
	_, _ = s.out.Write(p)
	return len(p), nil
}

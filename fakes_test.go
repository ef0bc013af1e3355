// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"golang.org/x/sys/unix"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
	"github.com/ysyzqq/tlsreactor/tlsengine"
)

var nopLogger Logger = zap.NewNop().Sugar()

// result is one scripted answer of a fakeSession.
type result struct {
	n      int
	status tlsengine.Status
	err    error
}

// fakeSession answers from scripts. An exhausted handshake script returns
// idle, an exhausted read script would-blocks and an exhausted write script
// writes everything.
type fakeSession struct {
	handshakes []result
	reads      []result
	writes     []result
	idle       tlsengine.Status

	handshakeCalls int
	readSizes      []int
	writeSizes     []int
	closes         int
	resumed        bool
}

func (s *fakeSession) Handshake() (tlsengine.Status, error) {
	s.handshakeCalls++
	if len(s.handshakes) == 0 {
		return s.idle, nil
	}
	r := s.handshakes[0]
	s.handshakes = s.handshakes[1:]
	return r.status, r.err
}

func (s *fakeSession) Read(p []byte) (int, tlsengine.Status, error) {
	s.readSizes = append(s.readSizes, len(p))
	if len(s.reads) == 0 {
		return 0, tlsengine.StatusWantRead, nil
	}
	r := s.reads[0]
	s.reads = s.reads[1:]
	n := r.n
	if n > len(p) {
		n = len(p)
	}
	return n, r.status, r.err
}

func (s *fakeSession) Write(p []byte) (int, tlsengine.Status, error) {
	s.writeSizes = append(s.writeSizes, len(p))
	if len(s.writes) == 0 {
		return len(p), tlsengine.StatusOK, nil
	}
	r := s.writes[0]
	s.writes = s.writes[1:]
	n := r.n
	if n > len(p) {
		n = len(p)
	}
	return n, r.status, r.err
}

func (s *fakeSession) Resumed() bool       { return s.resumed }
func (s *fakeSession) CipherSuite() string { return "FAKE" }

func (s *fakeSession) Close() error {
	s.closes++
	return nil
}

// fakeEngine hands out sessions built by newSession and queues completions.
type fakeEngine struct {
	newSession  func(fd int) *fakeSession
	sessions    map[int]*fakeSession
	completions []tlsengine.Completion
}

func newFakeEngine(newSession func(fd int) *fakeSession) *fakeEngine {
	if newSession == nil {
		newSession = func(int) *fakeSession { return &fakeSession{idle: tlsengine.StatusWantRead} }
	}
	return &fakeEngine{newSession: newSession, sessions: make(map[int]*fakeSession)}
}

func (e *fakeEngine) NewSession(fd int) (tlsengine.Session, error) {
	s := e.newSession(fd)
	e.sessions[fd] = s
	return s, nil
}

func (e *fakeEngine) Poll(events []tlsengine.Completion) int {
	n := copy(events, e.completions)
	e.completions = e.completions[n:]
	return n
}

func (e *fakeEngine) Close() error { return nil }

type registration struct {
	interest netpoll.Interest
	tag      int32
}

// fakePoller is level triggered for the listener: Wait reports it readable
// while it is registered and the backlog holds connections. Everything else
// comes from pending.
type fakePoller struct {
	listenFD   int
	backlog    func() int
	registered map[int]registration
	pending    []netpoll.Event
	waits      int
	timeouts   []time.Duration
	failWith   error // returned by Register for connection fds
}

func newFakePoller(listenFD int, backlog func() int) *fakePoller {
	return &fakePoller{listenFD: listenFD, backlog: backlog, registered: make(map[int]registration)}
}

func (p *fakePoller) Register(fd int, interest netpoll.Interest, tag int32) error {
	if _, ok := p.registered[fd]; ok {
		return netpoll.ErrRegistered
	}
	if p.failWith != nil && fd != p.listenFD {
		return p.failWith
	}
	p.registered[fd] = registration{interest, tag}
	return nil
}

func (p *fakePoller) Modify(fd int, interest netpoll.Interest, tag int32) error {
	if _, ok := p.registered[fd]; !ok {
		return netpoll.ErrNotRegistered
	}
	p.registered[fd] = registration{interest, tag}
	return nil
}

func (p *fakePoller) Unregister(fd int) error {
	if _, ok := p.registered[fd]; !ok {
		return netpoll.ErrNotRegistered
	}
	delete(p.registered, fd)
	return nil
}

func (p *fakePoller) Wait(events []netpoll.Event, timeout time.Duration) (int, error) {
	p.waits++
	p.timeouts = append(p.timeouts, timeout)
	n := 0
	if reg, ok := p.registered[p.listenFD]; ok && p.backlog() > 0 {
		events[n] = netpoll.Event{Tag: reg.tag, Flags: netpoll.FlagReadable}
		n++
	}
	m := copy(events[n:], p.pending)
	p.pending = p.pending[m:]
	return n + m, nil
}

func (p *fakePoller) Close() error { return nil }

func (p *fakePoller) listenerRegistered() bool {
	_, ok := p.registered[p.listenFD]
	return ok
}

// fakeAcceptor stands in for accept(2) and close(2).
type fakeAcceptor struct {
	mu      sync.Mutex
	pending int
	nextFD  int
	closed  map[int]int
}

func newFakeAcceptor(pending int) *fakeAcceptor {
	return &fakeAcceptor{pending: pending, nextFD: 1000, closed: make(map[int]int)}
}

func (a *fakeAcceptor) accept(int) (int, unix.Sockaddr, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.pending == 0 {
		return -1, nil, unix.EAGAIN
	}
	a.pending--
	fd := a.nextFD
	a.nextFD++
	return fd, &unix.SockaddrInet4{Port: 40000 + fd, Addr: [4]byte{127, 0, 0, 1}}, nil
}

func (a *fakeAcceptor) close(fd int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closed[fd]++
	return nil
}

func (a *fakeAcceptor) backlog() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending
}

const testListenFD = 7

// tickingClock advances by step on every reading.
func tickingClock(step time.Duration) func() time.Time {
	now := time.Unix(1600000000, 0)
	return func() time.Time {
		now = now.Add(step)
		return now
	}
}

type testLoop struct {
	el       *eventloop
	poller   *fakePoller
	acceptor *fakeAcceptor
	engine   *fakeEngine
	clock    time.Time
}

// newTestLoop wires an eventloop to fakes. The listener is registered.
func newTestLoop(t *testing.T, backlog int, engine *fakeEngine, options ...Option) *testLoop {
	t.Helper()
	opts := loadOptions(append([]Option{WithLogger(nopLogger)}, options...)...)
	opts.normalize()
	require.NoError(t, opts.validate())

	svr := &server{
		opts:   opts,
		logger: opts.Logger,
		stats:  NewStats(opts.Budget, false),
		cond:   sync.NewCond(&sync.Mutex{}),
	}
	if engine == nil {
		engine = newFakeEngine(nil)
	}
	acceptor := newFakeAcceptor(backlog)
	poller := newFakePoller(testListenFD, acceptor.backlog)

	tl := &testLoop{poller: poller, acceptor: acceptor, engine: engine, clock: time.Unix(1600000000, 0)}
	el := newEventloop(svr, &listener{fd: testListenFD, logger: nopLogger}, poller, engine)
	el.accept = acceptor.accept
	el.closeFD = acceptor.close
	el.now = func() time.Time { return tl.clock }
	tl.el = el
	require.NoError(t, el.startAccepting())
	return tl
}

// active lists the active slots in list order.
func (tl *testLoop) active() (conns []*conn) {
	tl.el.connections.iterate(func(c *conn) bool {
		conns = append(conns, c)
		return true
	})
	return
}

func (tl *testLoop) hangup(c *conn) {
	tl.poller.pending = append(tl.poller.pending, netpoll.Event{Tag: c.idx, Flags: netpoll.FlagError})
}

func (tl *testLoop) readable(c *conn) {
	tl.poller.pending = append(tl.poller.pending, netpoll.Event{Tag: c.idx, Flags: netpoll.FlagReadable})
}

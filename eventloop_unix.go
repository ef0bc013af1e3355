// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import (
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
	"github.com/ysyzqq/tlsreactor/tlsengine"
)

// listenerTag is the poller tag of the listening socket; slots use their index.
const listenerTag int32 = -1

type eventloop struct {
	idx         int                   // loop index in the server loops list 第几个
	svr         *server               // server in loop server的引用
	ln          *listener             // this loop's own reuseport listener
	poller      netpoll.Poller        // epoll or poll 轮询器
	engine      tlsengine.Engine      // creates the tls sessions
	async       tlsengine.AsyncEngine // non-nil when crypto completions are polled
	connections *connTable            // loop connections 连接
	connCount   int32                 // number of active connections in event-loop 活动连接数量
	served      int64                 // connections accepted over the run
	events      []netpoll.Event       // batch filled by Wait
	completions []tlsengine.Completion
	ready       []int32 // slots that hit the cycle limit, dispatched again next iteration
	spare       []int32
	env         stepEnv
	accepting   bool // listener registered with the poller
	listening   bool // listener still open
	draining    bool // shutting down, closes are not counted
	lastSweep   time.Time

	accept  func(fd int) (int, unix.Sockaddr, error)
	closeFD func(fd int) error
	now     func() time.Time
}

func newEventloop(svr *server, ln *listener, poller netpoll.Poller, engine tlsengine.Engine) *eventloop {
	opts := svr.opts
	el := &eventloop{
		svr:         svr,
		ln:          ln,
		poller:      poller,
		engine:      engine,
		connections: newConnTable(opts.MaxConns),
		events:      make([]netpoll.Event, opts.EventBatch),
		env: stepEnv{
			stats:   svr.stats,
			readBuf: make([]byte, opts.ReadSize),
			reply:   opts.Reply,
			now:     time.Now,
		},
		listening: true,
		accept:    acceptNonBlocking,
		closeFD:   closeSocket,
		now:       time.Now,
	}
	if opts.AsyncCrypto {
		el.async, _ = engine.(tlsengine.AsyncEngine)
		el.completions = make([]tlsengine.Completion, opts.EventBatch)
	}
	return el
}

// 同步加减, 要保证原子性
func (el *eventloop) plusConnCount() {
	atomic.AddInt32(&el.connCount, 1)
	atomic.AddInt64(&el.served, 1)
}

func (el *eventloop) minusConnCount() {
	atomic.AddInt32(&el.connCount, -1)
}

func (el *eventloop) loadConnCount() int32 {
	return atomic.LoadInt32(&el.connCount)
}

func (el *eventloop) loadServed() int64 {
	return atomic.LoadInt64(&el.served)
}

// startAccepting registers the listener; the loop owns it from here on.
func (el *eventloop) startAccepting() error {
	return el.rearmAccept()
}

// loopRun serves until the budget is spent, the server shuts down or the
// loop fails.
func (el *eventloop) loopRun() (err error) {
	defer el.closeAllConns()

	if err = el.startAccepting(); err != nil {
		return
	}
	for {
		if el.svr.stats.Done() || el.svr.isShutdown() {
			return nil
		}
		if err = el.loopOnce(); err != nil {
			return
		}
	}
}

// loopOnce is one iteration: crypto completions, wait, dispatch, idle sweep,
// reclamation, accept throttle. Slots retired anywhere before the reclamation
// pass keep their fd and session until it runs.
func (el *eventloop) loopOnce() error {
	if el.async != nil {
		el.loopAsyncPoll()
	}

	timeout := el.svr.opts.PollTimeout
	if len(el.ready) > 0 {
		timeout = 0
	}
	n, err := el.poller.Wait(el.events, timeout)
	if err != nil {
		return errors.WithMessagef(ErrPoller, "event-loop:%d wait: %v", el.idx, err)
	}

	ready := el.ready
	el.ready, el.spare = el.spare[:0], ready

	for i := 0; i < n; i++ {
		ev := el.events[i]
		if ev.Tag == listenerTag {
			if err = el.loopAccept(ev); err != nil {
				return err
			}
			continue
		}
		c := el.connections.get(ev.Tag)
		if c == nil {
			// closed earlier in this batch
			continue
		}
		if ev.Failed() {
			el.loopCloseConn(c, errors.Errorf("hangup on fd:%d", c.fd))
			continue
		}
		el.loopStep(c)
	}
	for _, idx := range ready {
		if c := el.connections.get(idx); c != nil && c.queued {
			el.loopStep(c)
		}
	}

	el.loopSweepIdle()
	el.loopReclaim()

	if !el.listening && el.connections.count == 0 {
		return ErrListenerClosed
	}
	return el.rearmAccept()
}

// loopAsyncPoll drains settled crypto work and re-drives the owning
// connections. Completions whose session no longer has an active slot are
// dropped.
func (el *eventloop) loopAsyncPoll() {
	start := el.now()
	for {
		n := el.async.Poll(el.completions)
		for i := 0; i < n; i++ {
			c := el.connections.findSession(el.completions[i].Session)
			el.completions[i] = tlsengine.Completion{}
			if c == nil {
				continue
			}
			el.loopStep(c)
		}
		if n < len(el.completions) {
			break
		}
	}
	el.svr.stats.RecordAsync(el.now().Sub(start))
}

// loopSweepIdle closes connections silent for longer than the idle timeout,
// checking at most twice per timeout.
func (el *eventloop) loopSweepIdle() {
	timeout := el.svr.opts.IdleTimeout
	if timeout <= 0 {
		return
	}
	now := el.now()
	if now.Sub(el.lastSweep) < timeout/2 {
		return
	}
	el.lastSweep = now
	el.connections.iterate(func(c *conn) bool {
		if now.Sub(c.lastActive) > timeout {
			el.loopCloseConn(c, errIdleTimeout)
		}
		return true
	})
}

// loopReclaim releases every slot retired in this iteration.
func (el *eventloop) loopReclaim() int {
	return el.connections.reclaim(el.releaseConn)
}

func (el *eventloop) closeAllConns() {
	// Close loops and all outstanding connections
	el.draining = true
	el.connections.iterate(func(c *conn) bool {
		el.loopCloseConn(c, nil)
		return true
	})
	el.loopReclaim()
	_ = el.closeListener()
}

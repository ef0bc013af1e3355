// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tlsreactor

import (
	"net"
	"time"

	"github.com/pkg/errors"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
	"github.com/ysyzqq/tlsreactor/tlsengine"
)

type connState uint8

const (
	stateAccepting connState = iota // handshake in progress
	stateReading                    // waiting for a request
	stateWriting                    // sending the reply
	stateClosed
)

func (s connState) String() string {
	switch s {
	case stateAccepting:
		return "accepting"
	case stateReading:
		return "reading"
	case stateWriting:
		return "writing"
	case stateClosed:
		return "closed"
	}
	return "unknown"
}

// maxCyclesPerDispatch bounds the request/reply cycles of one dispatch so a
// chatty connection cannot starve the rest of the batch.
const maxCyclesPerDispatch = 8

type conn struct {
	idx        int32             // slot index, also the poller tag
	tag        slotTag           // list membership
	prev, next int32             // active list links
	fd         int               // socket, owned until reclaimed
	session    tlsengine.Session // tls session bound to fd
	state      connState         // protocol state
	interest   netpoll.Interest  // what the poller watches fd for
	target     int               // reply bytes to send in this cycle
	sent       int               // reply bytes sent in this cycle
	queued     bool              // on the reactor's ready list
	lastActive time.Time         // last dispatch
	remoteAddr net.Addr          // peer
	handshake  time.Duration     // handshake steps not yet attributed
}

func (c *conn) open(fd int, sess tlsengine.Session) {
	c.fd = fd
	c.session = sess
	c.state = stateAccepting
	c.interest = netpoll.InterestNone
	c.target, c.sent = 0, 0
	c.queued = false
	c.handshake = 0
}

func (c *conn) reset() {
	c.fd = -1
	c.session = nil
	c.state = stateClosed
	c.interest = netpoll.InterestNone
	c.target, c.sent = 0, 0
	c.queued = false
	c.lastActive = time.Time{}
	c.remoteAddr = nil
	c.handshake = 0
}

// stepEnv is what a step needs from its reactor.
type stepEnv struct {
	stats   *Stats
	readBuf []byte // read quota
	reply   []byte // write quota
	now     func() time.Time
}

func (env *stepEnv) since(start time.Time) time.Duration {
	return env.now().Sub(start)
}

// step drives c as far as it goes without blocking and returns the interest
// the next step waits for. more reports that the cycle limit was hit while
// the connection could still make progress. A non-nil error finishes the
// connection; a clean close by the peer is io.EOF.
func (c *conn) step(env *stepEnv) (interest netpoll.Interest, more bool, err error) {
	cycles := 0
	for {
		switch c.state {
		case stateAccepting:
			start := env.now()
			status, err := c.session.Handshake()
			c.handshake += env.since(start)
			if err != nil {
				return netpoll.InterestNone, false, errors.WithMessage(err, "handshake")
			}
			if status != tlsengine.StatusOK {
				return c.waitFor(status, netpoll.InterestRead), false, nil
			}
			c.flushHandshake(env.stats)
			c.state = stateReading

		case stateReading:
			if cycles == maxCyclesPerDispatch {
				return netpoll.InterestRead, true, nil
			}
			limit := env.stats.ReadCap(len(env.readBuf))
			if limit == 0 {
				return netpoll.InterestNone, false, nil
			}
			start := env.now()
			n, status, err := c.session.Read(env.readBuf[:limit])
			env.stats.RecordRead(n, limit, env.since(start))
			if n > 0 {
				// data owes a reply even when the read also failed
				c.state = stateWriting
				c.target, c.sent = 0, 0
			}
			if err != nil {
				return netpoll.InterestNone, false, err
			}
			if n == 0 {
				return c.waitFor(status, netpoll.InterestRead), false, nil
			}
			cycles++

		case stateWriting:
			if c.target == 0 {
				c.target = env.stats.WriteCap(len(env.reply))
				c.sent = 0
				if c.target == 0 {
					// write budget spent, the reply is dropped
					c.settleReply(env.stats)
					continue
				}
			}
			start := env.now()
			n, status, err := c.session.Write(env.reply[c.sent:c.target])
			env.stats.RecordWrite(n, env.since(start))
			if err != nil {
				return netpoll.InterestNone, false, errors.WithMessage(err, "write")
			}
			c.sent += n
			if c.sent < c.target {
				return c.waitFor(status, netpoll.InterestWrite), false, nil
			}
			c.settleReply(env.stats)

		default:
			return netpoll.InterestNone, false, nil
		}
	}
}

// settleReply closes the current cycle and goes back to reading. Whatever
// part of the reply was not sent is handed back to the budget.
func (c *conn) settleReply(stats *Stats) {
	stats.SettleReply(c.target - c.sent)
	c.state = stateReading
	c.target, c.sent = 0, 0
}

// flushHandshake attributes the buffered handshake time once it is known
// whether the session was resumed.
func (c *conn) flushHandshake(stats *Stats) {
	if c.handshake > 0 {
		stats.RecordAccept(c.handshake, c.session.Resumed())
		c.handshake = 0
	}
}

// waitFor maps a non-OK status onto the interest the next step needs.
// Pending keeps the current interest; the engine reports the completion.
func (c *conn) waitFor(status tlsengine.Status, fallback netpoll.Interest) netpoll.Interest {
	switch status {
	case tlsengine.StatusWantRead:
		return netpoll.InterestRead
	case tlsengine.StatusWantWrite:
		return netpoll.InterestWrite
	case tlsengine.StatusPending:
		return c.interest
	}
	return fallback
}

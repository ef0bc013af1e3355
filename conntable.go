// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tlsreactor

import "github.com/ysyzqq/tlsreactor/tlsengine"

// slotTag is the list a slot belongs to. A slot is on exactly one of them.
type slotTag uint8

const (
	slotAvailable slotTag = iota // on the available stack
	slotActive                   // on the active list, owned by a live connection
	slotRetiring                 // closed, waiting for the reclamation pass
)

func (t slotTag) String() string {
	switch t {
	case slotAvailable:
		return "available"
	case slotActive:
		return "active"
	case slotRetiring:
		return "retiring"
	}
	return "unknown"
}

const nilSlot int32 = -1

// connTable is the arena of connection slots of one reactor.
//
// Slots are addressed by index and never move. Closing a connection only
// retires its slot; the socket and the session stay untouched until reclaim
// runs after the whole event batch was dispatched, so a stale event can never
// reach a reused slot or a reused fd.
type connTable struct {
	slots     []conn
	available []int32 // stack of free indices
	retiring  []int32 // closed in the current iteration
	head      int32   // first active slot
	count     int     // active slots
	capacity  int     // most active slots
}

// newConnTable sizes the arena at 2*capacity+1: a full active list plus every
// slot it can retire in one iteration, plus the one accepted in between.
func newConnTable(capacity int) *connTable {
	size := 2*capacity + 1
	t := &connTable{
		slots:     make([]conn, size),
		available: make([]int32, 0, size),
		retiring:  make([]int32, 0, size),
		head:      nilSlot,
		capacity:  capacity,
	}
	for i := size - 1; i >= 0; i-- {
		c := &t.slots[i]
		c.idx = int32(i)
		c.prev, c.next = nilSlot, nilSlot
		t.available = append(t.available, int32(i))
	}
	return t
}

func (t *connTable) full() bool {
	return t.count >= t.capacity
}

// insert binds fd and sess to an available slot and links it at the head of
// the active list. It returns nil when the table is full.
func (t *connTable) insert(fd int, sess tlsengine.Session) *conn {
	if t.full() || len(t.available) == 0 {
		return nil
	}
	idx := t.available[len(t.available)-1]
	t.available = t.available[:len(t.available)-1]

	c := &t.slots[idx]
	c.open(fd, sess)
	c.tag = slotActive
	c.prev, c.next = nilSlot, t.head
	if t.head != nilSlot {
		t.slots[t.head].prev = idx
	}
	t.head = idx
	t.count++
	return c
}

// get returns the active slot behind an event tag, nil for anything else.
func (t *connTable) get(tag int32) *conn {
	if tag < 0 || int(tag) >= len(t.slots) {
		return nil
	}
	if c := &t.slots[tag]; c.tag == slotActive {
		return c
	}
	return nil
}

// retire unlinks an active slot and queues it for reclamation.
func (t *connTable) retire(c *conn) bool {
	if c.tag != slotActive {
		return false
	}
	if c.prev != nilSlot {
		t.slots[c.prev].next = c.next
	} else {
		t.head = c.next
	}
	if c.next != nilSlot {
		t.slots[c.next].prev = c.prev
	}
	c.prev, c.next = nilSlot, nilSlot
	c.tag = slotRetiring
	t.retiring = append(t.retiring, c.idx)
	t.count--
	return true
}

// reclaim hands every retiring slot to release and makes it available again.
// Slots that are not retiring are skipped, so reclaiming twice is harmless.
func (t *connTable) reclaim(release func(c *conn)) (n int) {
	for _, idx := range t.retiring {
		c := &t.slots[idx]
		if c.tag != slotRetiring {
			continue
		}
		release(c)
		c.reset()
		c.tag = slotAvailable
		t.available = append(t.available, idx)
		n++
	}
	t.retiring = t.retiring[:0]
	return
}

// iterate walks the active list. f may retire the slot it is given.
func (t *connTable) iterate(f func(c *conn) bool) {
	for idx := t.head; idx != nilSlot; {
		c := &t.slots[idx]
		next := c.next
		if !f(c) {
			return
		}
		idx = next
	}
}

// findSession scans the active list for the slot owning sess.
func (t *connTable) findSession(sess tlsengine.Session) (found *conn) {
	if sess == nil {
		return nil
	}
	t.iterate(func(c *conn) bool {
		if c.session == sess {
			found = c
			return false
		}
		return true
	})
	return
}

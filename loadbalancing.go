// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

// eventLoopGroup holds the reactors of a server. Every reactor owns a
// reuseport listener, so the kernel spreads connections across them and the
// group only has to start, stop and report on its members.
type eventLoopGroup struct {
	eventLoops []*eventloop
}

// register adds a new event-loop into the group.
func (g *eventLoopGroup) register(el *eventloop) {
	el.idx = len(g.eventLoops)
	g.eventLoops = append(g.eventLoops, el)
}

// iterate iterates all the event-loops until f returns false.
func (g *eventLoopGroup) iterate(f func(int, *eventloop) bool) {
	for i, el := range g.eventLoops {
		if !f(i, el) {
			break
		}
	}
}

func (g *eventLoopGroup) len() int {
	return len(g.eventLoops)
}

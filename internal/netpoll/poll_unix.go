// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

// disabledFd marks an unused entry; poll(2) skips negative descriptors.
const disabledFd = -1

// fdPoller is the fd-array backend. Entries are handed out by a linear scan
// for the first disabled slot, so every registration change is O(capacity).
type fdPoller struct {
	fds  []unix.PollFd
	tags []int32
}

func openPoll(capacity int) (Poller, error) {
	if capacity <= 0 {
		capacity = 1
	}
	p := &fdPoller{
		fds:  make([]unix.PollFd, capacity),
		tags: make([]int32, capacity),
	}
	for i := range p.fds {
		p.release(i)
	}
	return p, nil
}

func pollInterest(interest Interest) int16 {
	var ev int16
	if interest&InterestRead != 0 {
		ev |= unix.POLLIN | unix.POLLPRI
	}
	if interest&InterestWrite != 0 {
		ev |= unix.POLLOUT
	}
	return ev
}

func (p *fdPoller) find(fd int) int {
	for i := range p.fds {
		if int(p.fds[i].Fd) == fd {
			return i
		}
	}
	return -1
}

func (p *fdPoller) release(i int) {
	p.fds[i] = unix.PollFd{Fd: disabledFd}
	p.tags[i] = 0
}

func (p *fdPoller) Register(fd int, interest Interest, tag int32) error {
	if p.find(fd) >= 0 {
		return ErrRegistered
	}
	i := p.find(disabledFd)
	if i < 0 {
		return ErrFull
	}
	p.fds[i] = unix.PollFd{Fd: int32(fd), Events: pollInterest(interest)}
	p.tags[i] = tag
	return nil
}

func (p *fdPoller) Modify(fd int, interest Interest, tag int32) error {
	i := p.find(fd)
	if i < 0 {
		return ErrNotRegistered
	}
	p.fds[i].Events = pollInterest(interest)
	p.fds[i].Revents = 0
	p.tags[i] = tag
	return nil
}

func (p *fdPoller) Unregister(fd int) error {
	i := p.find(fd)
	if i < 0 {
		return ErrNotRegistered
	}
	p.release(i)
	return nil
}

func (p *fdPoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if _, err := unix.Poll(p.fds, timeoutMillis(timeout)); err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("poll", err)
	}
	n := 0
	for i := range p.fds {
		re := p.fds[i].Revents
		if re == 0 || p.fds[i].Fd == disabledFd {
			continue
		}
		p.fds[i].Revents = 0
		var flags Flags
		if re&(unix.POLLIN|unix.POLLPRI) != 0 {
			flags |= FlagReadable
		}
		if re&unix.POLLOUT != 0 {
			flags |= FlagWritable
		}
		if re&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
			flags |= FlagError
		}
		events[n] = Event{Tag: p.tags[i], Flags: flags}
		if n++; n == len(events) {
			break
		}
	}
	return n, nil
}

func (p *fdPoller) Close() error {
	for i := range p.fds {
		p.release(i)
	}
	return nil
}

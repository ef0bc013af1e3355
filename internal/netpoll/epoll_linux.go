// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux
// +build linux

package netpoll

import (
	"os"
	"time"

	"golang.org/x/sys/unix"
)

const (
	readEvents  = unix.EPOLLIN | unix.EPOLLPRI
	writeEvents = unix.EPOLLOUT
	errEvents   = unix.EPOLLERR | unix.EPOLLHUP
)

// epoller keeps no per-fd state of its own: the kernel's interest list and
// ready list do the bookkeeping, and the tag rides in the event's data word.
type epoller struct {
	fd     int
	events []unix.EpollEvent
}

func openEpoll(capacity int) (Poller, error) {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("epoll_create1", err)
	}
	if capacity <= 0 {
		capacity = 128
	}
	return &epoller{fd: fd, events: make([]unix.EpollEvent, capacity)}, nil
}

func epollInterest(interest Interest) uint32 {
	var ev uint32
	if interest&InterestRead != 0 {
		ev |= readEvents
	}
	if interest&InterestWrite != 0 {
		ev |= writeEvents
	}
	return ev
}

func (p *epoller) Register(fd int, interest Interest, tag int32) error {
	ev := unix.EpollEvent{Events: epollInterest(interest), Fd: tag}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_ADD, fd, &ev); err != nil {
		if err == unix.EEXIST {
			return ErrRegistered
		}
		return os.NewSyscallError("epoll_ctl add", err)
	}
	return nil
}

func (p *epoller) Modify(fd int, interest Interest, tag int32) error {
	ev := unix.EpollEvent{Events: epollInterest(interest), Fd: tag}
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_MOD, fd, &ev); err != nil {
		if err == unix.ENOENT {
			return ErrNotRegistered
		}
		return os.NewSyscallError("epoll_ctl mod", err)
	}
	return nil
}

func (p *epoller) Unregister(fd int) error {
	if err := unix.EpollCtl(p.fd, unix.EPOLL_CTL_DEL, fd, nil); err != nil {
		if err == unix.ENOENT {
			return ErrNotRegistered
		}
		return os.NewSyscallError("epoll_ctl del", err)
	}
	return nil
}

func (p *epoller) Wait(events []Event, timeout time.Duration) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}
	if len(p.events) < len(events) {
		p.events = make([]unix.EpollEvent, len(events))
	}
	n, err := unix.EpollWait(p.fd, p.events[:len(events)], timeoutMillis(timeout))
	if err != nil {
		if err == unix.EINTR {
			return 0, nil
		}
		return 0, os.NewSyscallError("epoll_wait", err)
	}
	for i := 0; i < n; i++ {
		raw := p.events[i].Events
		var flags Flags
		if raw&readEvents != 0 {
			flags |= FlagReadable
		}
		if raw&writeEvents != 0 {
			flags |= FlagWritable
		}
		if raw&errEvents != 0 {
			flags |= FlagError
		}
		events[i] = Event{Tag: p.events[i].Fd, Flags: flags}
	}
	return n, nil
}

func (p *epoller) Close() error {
	return os.NewSyscallError("close", unix.Close(p.fd))
}

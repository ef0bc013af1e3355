// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package netpoll hides the readiness multiplexers the reactors run on.
// Two interchangeable backends satisfy the same Poller contract: epoll, whose
// registration changes cost O(1), and poll(2), which keeps a fixed fd array and
// scans it linearly for a free entry on every registration change.
package netpoll

import (
	"time"

	"github.com/pkg/errors"
)

// Interest is the readiness a registered descriptor is watched for.
type Interest uint8

const (
	// InterestRead asks for "data or connection ready" notifications.
	InterestRead Interest = 1 << iota
	// InterestWrite asks for "send buffer has room" notifications.
	InterestWrite

	// InterestNone keeps the descriptor registered without waking on it.
	InterestNone Interest = 0
)

// Flags describe what a ready descriptor reported.
type Flags uint8

const (
	// FlagReadable is set when the descriptor is readable (or acceptable).
	FlagReadable Flags = 1 << iota
	// FlagWritable is set when the descriptor is writable.
	FlagWritable
	// FlagError is set on error, hangup or an invalid descriptor.
	FlagError
)

// Event is one ready descriptor, identified by the tag it was registered with.
type Event struct {
	Tag   int32
	Flags Flags
}

// Failed reports an error/hangup that carries no readiness at all.
func (ev Event) Failed() bool {
	return ev.Flags&FlagError != 0 && ev.Flags&(FlagReadable|FlagWritable) == 0
}

// Poller is the contract both backends implement. A Poller is owned by a
// single reactor goroutine and is not safe for concurrent use.
type Poller interface {
	// Register starts watching fd. tag is handed back verbatim by Wait.
	Register(fd int, interest Interest, tag int32) error
	// Modify replaces the interest and tag of a registered fd.
	Modify(fd int, interest Interest, tag int32) error
	// Unregister stops watching fd. The fd itself is left open.
	Unregister(fd int) error
	// Wait blocks until a descriptor is ready, an error occurs or timeout
	// elapses (a negative timeout blocks indefinitely). Ready descriptors are
	// written to events in backend order.
	Wait(events []Event, timeout time.Duration) (int, error)
	// Close releases the backend.
	Close() error
}

// Kind selects a backend.
type Kind int

const (
	// Epoll is the readiness-list backend (linux only).
	Epoll Kind = iota
	// Poll is the fd-array backend.
	Poll
)

func (k Kind) String() string {
	switch k {
	case Epoll:
		return "epoll"
	case Poll:
		return "poll"
	default:
		return "unknown"
	}
}

// ParseKind maps a backend name onto its Kind.
func ParseKind(name string) (Kind, error) {
	switch name {
	case "epoll":
		return Epoll, nil
	case "poll":
		return Poll, nil
	}
	return 0, errors.Errorf("netpoll: unknown backend %q", name)
}

var (
	// ErrUnsupported is returned when a backend does not exist on this platform.
	ErrUnsupported = errors.New("netpoll: backend not supported on this platform")
	// ErrFull is returned by the poll backend when every fd entry is taken.
	ErrFull = errors.New("netpoll: no free event slot")
	// ErrNotRegistered is returned when modifying or removing an unknown fd.
	ErrNotRegistered = errors.New("netpoll: fd is not registered")
	// ErrRegistered is returned when the fd is already registered.
	ErrRegistered = errors.New("netpoll: fd is already registered")
)

// Open creates a backend able to hold capacity descriptors.
func Open(kind Kind, capacity int) (Poller, error) {
	switch kind {
	case Epoll:
		return openEpoll(capacity)
	case Poll:
		return openPoll(capacity)
	}
	return nil, errors.Wrapf(ErrUnsupported, "kind %d", kind)
}

// timeoutMillis rounds d up to whole milliseconds, keeping "negative means forever".
func timeoutMillis(d time.Duration) int {
	if d < 0 {
		return -1
	}
	return int((d + time.Millisecond - 1) / time.Millisecond)
}

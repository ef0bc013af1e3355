// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package tlsengine defines what a reactor needs from a TLS implementation.
//
// A Session is bound to one non-blocking socket and performs the handshake
// and record I/O on it. Every call returns immediately: progress that needs
// the socket to become readable or writable is reported as StatusWantRead or
// StatusWantWrite, and crypto work that is still running elsewhere is reported
// as StatusPending. None of these are errors.
package tlsengine

// Status is the non-error outcome of a session step.
type Status int

const (
	// StatusOK means the step completed.
	StatusOK Status = iota
	// StatusWantRead means the step needs the socket to become readable.
	StatusWantRead
	// StatusWantWrite means the step needs the socket to become writable.
	StatusWantWrite
	// StatusPending means crypto work for the step is still in flight; the
	// engine posts a Completion when it settles.
	StatusPending
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusWantRead:
		return "want-read"
	case StatusWantWrite:
		return "want-write"
	case StatusPending:
		return "pending"
	}
	return "unknown"
}

// Session is one TLS connection over a non-blocking socket.
//
// Read returns io.EOF when the peer closed the connection cleanly. Any other
// error is fatal for the session.
type Session interface {
	Handshake() (Status, error)
	Read(p []byte) (int, Status, error)
	Write(p []byte) (int, Status, error)
	// Resumed reports whether the handshake resumed an earlier session.
	Resumed() bool
	// CipherSuite names the negotiated suite, or "" before the handshake.
	CipherSuite() string
	// Close releases the session. It does not close the socket.
	Close() error
}

// Engine creates sessions. An engine belongs to a single reactor.
type Engine interface {
	NewSession(fd int) (Session, error)
	Close() error
}

// Completion tells the reactor that crypto work for Session settled.
type Completion struct {
	Session Session
}

// AsyncEngine is an Engine whose crypto runs off the reactor goroutine.
type AsyncEngine interface {
	Engine
	// Poll moves up to len(events) pending completions into events without
	// blocking and returns how many it moved.
	Poll(events []Completion) int
}

// Factory builds one Engine per reactor.
type Factory func() (Engine, error)

// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tlsreactor

import "github.com/pkg/errors"

var (
	// ErrSocketCreate occurs when the listening socket cannot be created or configured.
	ErrSocketCreate = errors.New("tlsreactor: socket creation failed")
	// ErrBind occurs when the listening address cannot be bound.
	ErrBind = errors.New("tlsreactor: bind failed")
	// ErrAccept occurs when accept(2) fails for a reason other than load.
	ErrAccept = errors.New("tlsreactor: accept failed")
	// ErrListenerClosed occurs when the listener hung up and the reactor has drained its connections.
	ErrListenerClosed = errors.New("tlsreactor: listener closed")
	// ErrPoller occurs when the multiplexer cannot be created or refuses a registration.
	ErrPoller = errors.New("tlsreactor: multiplexer failure")
	// ErrEngine occurs when the TLS engine cannot be created.
	ErrEngine = errors.New("tlsreactor: tls engine failure")
	// ErrInvalidOption occurs when the options do not describe a runnable server.
	ErrInvalidOption = errors.New("tlsreactor: invalid option")

	// errIdleTimeout closes connections that stayed silent for too long.
	errIdleTimeout = errors.New("idle timeout")
)

// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Package tlsreactor is a non-blocking TLS server built from one or more
// reactors. A reactor owns a listener, a multiplexer and a bounded table of
// connection slots, and drives every connection through handshake, read and
// reply without ever blocking on a socket. When its table is full it stops
// polling the listener, so excess connections wait in the kernel backlog
// instead of being refused.
//
// The TLS protocol itself is delegated to a tlsengine.Engine. A run ends when
// its Budget is spent, when its context is cancelled or when a reactor fails.
package tlsreactor

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ysyzqq/tlsreactor/tlsengine"
)

// Serve starts the reactors and blocks until the run is over. The Report is
// valid even when an error is returned.
//
// Cancelling ctx stops the run and returns ctx.Err(). A listener that cannot
// be created returns an error whose cause is ErrBind or ErrSocketCreate.
func Serve(ctx context.Context, factory tlsengine.Factory, opts ...Option) (Report, error) {
	if factory == nil {
		return Report{}, errors.WithMessage(ErrInvalidOption, "nil engine factory")
	}
	options := loadOptions(opts...)
	options.normalize()
	if err := options.validate(); err != nil {
		return Report{}, err
	}
	return serve(ctx, factory, options)
}

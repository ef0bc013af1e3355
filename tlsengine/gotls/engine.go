// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

// Package gotls is a tlsengine implementation on top of crypto/tls.
//
// crypto/tls only speaks to a blocking net.Conn, so each session runs its
// tls.Conn over an in-memory transport. The reactor goroutine shuttles
// ciphertext between that transport and the non-blocking socket, while the
// TLS operations themselves (handshake, record read, record write) run on a
// worker pool. A worker that runs out of ciphertext parks instead of touching
// the socket, which is what lets a step report want-read without blocking.
//
// In synchronous mode a step waits for the worker to settle, which only ever
// means waiting for CPU work. In asynchronous mode the step returns
// StatusPending instead and the engine hands the reactor a Completion once
// the worker settles.
package gotls

import (
	"crypto/tls"
	"sync"

	"github.com/pkg/errors"

	"github.com/ysyzqq/tlsreactor/pool/goroutine"
	"github.com/ysyzqq/tlsreactor/tlsengine"
)

const (
	defaultQueueSize = 1024
	defaultChunkSize = 16 * 1024
)

// Option configures the engines built by NewFactory.
type Option func(opts *Options)

// Options are the knobs of the engine.
type Options struct {
	// Async makes steps return StatusPending while crypto is in flight and
	// report settled work through Poll.
	Async bool

	// Pool runs the TLS operations. A shared default pool is used when nil.
	Pool *goroutine.Pool

	// QueueSize bounds the completion queue of each engine.
	QueueSize int

	// ChunkSize is how much ciphertext one socket read may pull in.
	ChunkSize int
}

// WithAsync toggles asynchronous completion reporting.
func WithAsync(async bool) Option {
	return func(opts *Options) {
		opts.Async = async
	}
}

// WithPool sets the worker pool TLS operations run on.
func WithPool(pool *goroutine.Pool) Option {
	return func(opts *Options) {
		opts.Pool = pool
	}
}

// WithQueueSize sets the completion queue bound.
func WithQueueSize(size int) Option {
	return func(opts *Options) {
		opts.QueueSize = size
	}
}

// WithChunkSize sets the socket read size.
func WithChunkSize(size int) Option {
	return func(opts *Options) {
		opts.ChunkSize = size
	}
}

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = defaultQueueSize
	}
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = defaultChunkSize
	}
	return opts
}

var (
	defaultPool     *goroutine.Pool
	defaultPoolOnce sync.Once
)

func sharedPool() *goroutine.Pool {
	defaultPoolOnce.Do(func() {
		defaultPool = goroutine.Default()
	})
	return defaultPool
}

// NewFactory returns a factory of engines that serve cfg.
func NewFactory(cfg *tls.Config, options ...Option) tlsengine.Factory {
	opts := loadOptions(options...)
	return func() (tlsengine.Engine, error) {
		return New(cfg, opts)
	}
}

// Engine creates crypto/tls sessions for one reactor.
type Engine struct {
	config      *tls.Config
	pool        *goroutine.Pool
	async       bool
	completions chan tlsengine.Completion
	done        chan struct{}
	closeOnce   sync.Once

	// scratch receives socket reads. Only the reactor goroutine touches it.
	scratch []byte
}

var _ tlsengine.AsyncEngine = (*Engine)(nil)

// New creates an engine. cfg must carry at least one certificate.
func New(cfg *tls.Config, opts *Options) (*Engine, error) {
	if cfg == nil || (len(cfg.Certificates) == 0 && cfg.GetCertificate == nil && cfg.GetConfigForClient == nil) {
		return nil, errors.New("gotls: server config has no certificate")
	}
	if opts == nil {
		opts = loadOptions()
	}
	pool := opts.Pool
	if pool == nil {
		pool = sharedPool()
	}
	return &Engine{
		config:      cfg,
		pool:        pool,
		async:       opts.Async,
		completions: make(chan tlsengine.Completion, opts.QueueSize),
		done:        make(chan struct{}),
		scratch:     make([]byte, opts.ChunkSize),
	}, nil
}

// NewSession binds a server-side TLS session to the non-blocking socket fd.
func (e *Engine) NewSession(fd int) (tlsengine.Session, error) {
	select {
	case <-e.done:
		return nil, errors.New("gotls: engine closed")
	default:
	}
	return newSession(e, fd), nil
}

// Poll drains settled operations without blocking.
func (e *Engine) Poll(events []tlsengine.Completion) int {
	n := 0
	for n < len(events) {
		select {
		case c := <-e.completions:
			events[n] = c
			n++
		default:
			return n
		}
	}
	return n
}

// Close stops delivering completions. Sessions must be closed by their owner.
func (e *Engine) Close() error {
	e.closeOnce.Do(func() {
		close(e.done)
	})
	return nil
}

// notify is called by workers, never with a session lock held.
func (e *Engine) notify(s *session) {
	if !e.async {
		return
	}
	select {
	case e.completions <- tlsengine.Completion{Session: s}:
	case <-e.done:
	}
}

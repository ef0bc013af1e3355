// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package tlsreactor

import (
	"crypto/rand"
	"time"

	"github.com/pkg/errors"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
)

const (
	// DefaultPort is the port the benchmark server listens on.
	DefaultPort = 11111
	// DefaultBacklog is the listen(2) backlog.
	DefaultBacklog = 100
	// DefaultMaxConns is the number of concurrent connections per reactor.
	DefaultMaxConns = 15
	// DefaultReadSize is the read quota of one READING step.
	DefaultReadSize = 16 * 1024
	// DefaultWriteSize is the size of the reply.
	DefaultWriteSize = 16 * 1024
	// DefaultMaxConnections is the connection budget of a run.
	DefaultMaxConnections = 100
	// DefaultPollTimeout bounds every multiplexer wait.
	DefaultPollTimeout = time.Millisecond
	// DefaultEventBatch is how many ready events one wait may return.
	DefaultEventBatch = 64
)

// PollerKind selects the multiplexer backend of the reactors.
type PollerKind = netpoll.Kind

const (
	// PollerEpoll is the readiness-list backend, linux only.
	PollerEpoll = netpoll.Epoll
	// PollerPoll is the fd-array backend available on every unix.
	PollerPoll = netpoll.Poll
)

// ParsePollerKind maps "epoll" or "poll" onto a PollerKind.
func ParsePollerKind(name string) (PollerKind, error) {
	return netpoll.ParseKind(name)
}

// BudgetMode tells what ends a run.
type BudgetMode int

const (
	// BudgetConnections ends the run once Limit connections were closed.
	BudgetConnections BudgetMode = iota
	// BudgetBytes ends the run once Limit bytes were both read and written.
	// Reads and writes are capped so that neither direction overshoots.
	BudgetBytes
)

func (m BudgetMode) String() string {
	switch m {
	case BudgetConnections:
		return "connections"
	case BudgetBytes:
		return "bytes"
	}
	return "unknown"
}

// Budget is the stop condition of a run. Exactly one mode applies.
type Budget struct {
	Mode  BudgetMode
	Limit int64
}

// ConnectionBudget ends the run after n connections.
func ConnectionBudget(n int64) Budget {
	return Budget{Mode: BudgetConnections, Limit: n}
}

// ByteBudget ends the run after n bytes in each direction.
func ByteBudget(n int64) Budget {
	return Budget{Mode: BudgetBytes, Limit: n}
}

func (b Budget) validate() error {
	switch b.Mode {
	case BudgetConnections:
		if b.Limit <= 0 {
			return errors.WithMessagef(ErrInvalidOption, "connection budget must be positive, got %d", b.Limit)
		}
	case BudgetBytes:
		if b.Limit < 0 {
			return errors.WithMessagef(ErrInvalidOption, "byte budget must not be negative, got %d", b.Limit)
		}
	default:
		return errors.WithMessagef(ErrInvalidOption, "unknown budget mode %d", b.Mode)
	}
	return nil
}

// Option is a function that will set up option.
type Option func(opts *Options)

func loadOptions(options ...Option) *Options {
	opts := new(Options)
	for _, option := range options {
		option(opts)
	}
	return opts
}

// Options are set when the client opens.
type Options struct {
	// Host is the address to bind, all interfaces when empty.
	Host string

	// Port is the TCP port to listen on.
	Port int

	// Backlog is the listen(2) backlog of every reactor's listener.
	Backlog int

	// Multicore indicates whether the server will be effectively created with multi-cores, if so,
	// then you must take care of synchronizing memory between all reactors.
	Multicore bool

	// NumReactors is set up to start the given number of reactors, it overrides Multicore.
	NumReactors int

	// MaxConns is the number of concurrent connections one reactor serves.
	MaxConns int

	// ReadSize is the most one READING step reads.
	ReadSize int

	// WriteSize is the reply size, ignored when Reply is set.
	WriteSize int

	// Reply is written back after every read. Random bytes when nil.
	Reply []byte

	// Budget ends the run.
	Budget Budget

	// Poller selects the multiplexer backend.
	Poller PollerKind

	// AsyncCrypto polls the engine for settled crypto work, the engine must be a tlsengine.AsyncEngine.
	AsyncCrypto bool

	// PollTimeout bounds every multiplexer wait.
	PollTimeout time.Duration

	// EventBatch is the most events one wait returns.
	EventBatch int

	// IdleTimeout closes connections without activity for this long, zero disables it.
	IdleTimeout time.Duration

	// TCPKeepAlive sets up a duration for (SO_KEEPALIVE) socket option.
	TCPKeepAlive time.Duration

	// LockOSThread pins every reactor to its own OS thread.
	LockOSThread bool

	// OnInitComplete is called once every reactor is bound, before any of
	// them starts serving, with the counters of the run.
	OnInitComplete func(stats *Stats)

	// Logger is the customized logger for logging info, if it is not set,
	// default standard logger from zap will be used.
	Logger Logger

	budgetSet bool
	pollerSet bool
}

// normalize fills in defaults for everything left unset.
func (opts *Options) normalize() {
	if opts.Port == 0 {
		opts.Port = DefaultPort
	}
	if opts.Backlog <= 0 {
		opts.Backlog = DefaultBacklog
	}
	if opts.MaxConns <= 0 {
		opts.MaxConns = DefaultMaxConns
	}
	if opts.ReadSize <= 0 {
		opts.ReadSize = DefaultReadSize
	}
	if opts.WriteSize <= 0 {
		opts.WriteSize = DefaultWriteSize
	}
	if opts.Reply == nil {
		opts.Reply = make([]byte, opts.WriteSize)
		_, _ = rand.Read(opts.Reply)
	}
	if !opts.budgetSet && opts.Budget == (Budget{}) {
		opts.Budget = ConnectionBudget(DefaultMaxConnections)
	}
	if !opts.pollerSet {
		opts.Poller = defaultPollerKind
	}
	if opts.PollTimeout <= 0 {
		opts.PollTimeout = DefaultPollTimeout
	}
	if opts.EventBatch <= 0 {
		opts.EventBatch = DefaultEventBatch
	}
	if opts.Logger == nil {
		opts.Logger = defaultLogger
	}
}

func (opts *Options) validate() error {
	if opts.Port < 0 || opts.Port > 65535 {
		return errors.WithMessagef(ErrInvalidOption, "port %d out of range", opts.Port)
	}
	if opts.NumReactors < 0 {
		return errors.WithMessagef(ErrInvalidOption, "negative reactor count %d", opts.NumReactors)
	}
	if len(opts.Reply) == 0 {
		return errors.WithMessage(ErrInvalidOption, "empty reply")
	}
	if opts.IdleTimeout < 0 {
		return errors.WithMessagef(ErrInvalidOption, "negative idle timeout %s", opts.IdleTimeout)
	}
	return opts.Budget.validate()
}

// WithOptions sets up all options.
func WithOptions(options Options) Option {
	return func(opts *Options) {
		*opts = options
	}
}

// WithHost sets up the address to bind.
func WithHost(host string) Option {
	return func(opts *Options) {
		opts.Host = host
	}
}

// WithPort sets up the port to listen on, 0 picks DefaultPort.
func WithPort(port int) Option {
	return func(opts *Options) {
		opts.Port = port
	}
}

// WithBacklog sets up the listen backlog.
func WithBacklog(backlog int) Option {
	return func(opts *Options) {
		opts.Backlog = backlog
	}
}

// WithMulticore sets up multi-cores in the server.
func WithMulticore(multicore bool) Option {
	return func(opts *Options) {
		opts.Multicore = multicore
	}
}

// WithNumReactors sets up the number of reactors.
func WithNumReactors(n int) Option {
	return func(opts *Options) {
		opts.NumReactors = n
	}
}

// WithMaxConns sets up the concurrent connections per reactor.
func WithMaxConns(n int) Option {
	return func(opts *Options) {
		opts.MaxConns = n
	}
}

// WithReadSize sets up the read quota.
func WithReadSize(n int) Option {
	return func(opts *Options) {
		opts.ReadSize = n
	}
}

// WithWriteSize sets up the size of the generated reply.
func WithWriteSize(n int) Option {
	return func(opts *Options) {
		opts.WriteSize = n
	}
}

// WithReply sets up the bytes written back for every read.
func WithReply(reply []byte) Option {
	return func(opts *Options) {
		opts.Reply = reply
	}
}

// WithBudget sets up the stop condition.
func WithBudget(budget Budget) Option {
	return func(opts *Options) {
		opts.Budget = budget
		opts.budgetSet = true
	}
}

// WithPoller sets up the multiplexer backend.
func WithPoller(kind PollerKind) Option {
	return func(opts *Options) {
		opts.Poller = kind
		opts.pollerSet = true
	}
}

// WithAsyncCrypto sets up completion polling of an asynchronous engine.
func WithAsyncCrypto(async bool) Option {
	return func(opts *Options) {
		opts.AsyncCrypto = async
	}
}

// WithPollTimeout sets up the bound of every multiplexer wait.
func WithPollTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.PollTimeout = d
	}
}

// WithEventBatch sets up how many events one wait returns.
func WithEventBatch(n int) Option {
	return func(opts *Options) {
		opts.EventBatch = n
	}
}

// WithIdleTimeout sets up the idle timeout of connections.
func WithIdleTimeout(d time.Duration) Option {
	return func(opts *Options) {
		opts.IdleTimeout = d
	}
}

// WithTCPKeepAlive sets up the SO_KEEPALIVE socket option with duration.
func WithTCPKeepAlive(tcpKeepAlive time.Duration) Option {
	return func(opts *Options) {
		opts.TCPKeepAlive = tcpKeepAlive
	}
}

// WithLockOSThread sets up pinning of reactors to OS threads.
func WithLockOSThread(lock bool) Option {
	return func(opts *Options) {
		opts.LockOSThread = lock
	}
}

// WithOnInitComplete sets up the hook called before the reactors start.
func WithOnInitComplete(f func(stats *Stats)) Option {
	return func(opts *Options) {
		opts.OnInitComplete = f
	}
}

// WithLogger sets up a customized logger.
func WithLogger(logger Logger) Option {
	return func(opts *Options) {
		opts.Logger = logger
	}
}

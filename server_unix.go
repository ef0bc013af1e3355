// Copyright 2019 Andy Pan. All rights reserved.
// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import (
	"context"
	"net"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"

	"github.com/ysyzqq/tlsreactor/internal/netpoll"
	"github.com/ysyzqq/tlsreactor/tlsengine"
)

type server struct {
	wg        sync.WaitGroup    // event-loop close WaitGroup 等待所有的事件轮询关闭
	opts      *Options          // options with server
	once      sync.Once         // make sure only signalShutdown once
	cond      *sync.Cond        // shutdown signaler 关闭等待
	shutdown  int32             // set once a shutdown was signaled
	err       error             // why the server shut down
	stats     *Stats            // counters shared by every reactor
	logger    Logger            // customized logger for logging info
	factory   tlsengine.Factory // one engine per reactor
	loopGroup eventLoopGroup    // the reactors
}

// waitForShutdown waits for a signal to shutdown.
func (svr *server) waitForShutdown() {
	svr.cond.L.Lock()
	for atomic.LoadInt32(&svr.shutdown) == 0 {
		svr.cond.Wait()
	}
	svr.cond.L.Unlock()
}

// signalShutdown signals a shutdown an begins server closing. Only the
// first reason is kept.
func (svr *server) signalShutdown(err error) {
	svr.once.Do(func() {
		svr.cond.L.Lock()
		svr.err = err
		atomic.StoreInt32(&svr.shutdown, 1)
		svr.stats.markEnd(time.Now())
		svr.cond.Signal()
		svr.cond.L.Unlock()
	})
}

func (svr *server) isShutdown() bool {
	return atomic.LoadInt32(&svr.shutdown) == 1
}

// activateReactors builds every reactor with its own listener, poller and
// engine. Nothing is started until all of them exist.
func (svr *server) activateReactors(numReactors int) error {
	opts := svr.opts
	addr := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	for i := 0; i < numReactors; i++ {
		ln, err := initListener("tcp", addr, opts.Backlog, svr.logger)
		if err != nil {
			return err
		}
		p, err := netpoll.Open(opts.Poller, pollerCapacity(opts.MaxConns))
		if err != nil {
			ln.close()
			return errors.WithMessagef(ErrPoller, "open %s: %v", opts.Poller, err)
		}
		engine, err := svr.factory()
		if err != nil {
			ln.close()
			sniffErrorAndLog(svr.logger, p.Close())
			return errors.WithMessagef(ErrEngine, "%v", err)
		}
		if opts.AsyncCrypto {
			if _, ok := engine.(tlsengine.AsyncEngine); !ok {
				svr.logger.Warnf("tls engine %T cannot report completions, async crypto is disabled", engine)
			}
		}
		svr.loopGroup.register(newEventloop(svr, ln, p, engine))
	}
	return nil
}

// startLoops runs every reactor on its own goroutine.
// 开始事件轮询
func (svr *server) startLoops() {
	svr.loopGroup.iterate(func(i int, el *eventloop) bool {
		svr.wg.Add(1)
		go func() {
			defer svr.wg.Done()
			if svr.opts.LockOSThread {
				runtime.LockOSThread()
				defer runtime.UnlockOSThread()
			}
			err := el.loopRun()
			if err != nil {
				svr.logger.Errorf("event-loop:%d exits with error: %v", el.idx, err)
			} else {
				svr.logger.Debugf("event-loop:%d exits", el.idx)
			}
			svr.signalShutdown(err)
		}()
		return true
	})
}

func (svr *server) closeLoops() {
	svr.loopGroup.iterate(func(i int, el *eventloop) bool {
		el.ln.close()
		sniffErrorAndLog(svr.logger, el.poller.Close())
		sniffErrorAndLog(svr.logger, el.engine.Close())
		return true
	})
}

func (svr *server) stop() {
	// Wait on a signal for shutdown
	svr.waitForShutdown()

	// Wait on all loops to complete reading events
	svr.wg.Wait()
	svr.closeLoops()

	svr.loopGroup.iterate(func(i int, el *eventloop) bool {
		svr.logger.Debugf("event-loop:%d served %d connections", el.idx, el.loadServed())
		return true
	})
}

func serve(ctx context.Context, factory tlsengine.Factory, options *Options) (Report, error) {
	// Figure out the correct number of loops/goroutines to use.
	numReactors := 1
	if options.Multicore {
		numReactors = runtime.NumCPU()
	}
	if options.NumReactors > 0 {
		numReactors = options.NumReactors
	}

	svr := &server{
		opts:    options,
		logger:  options.Logger,
		factory: factory,
		stats:   NewStats(options.Budget, numReactors > 1),
		cond:    sync.NewCond(&sync.Mutex{}),
	}
	report := func() Report {
		r := svr.stats.Snapshot()
		r.ReplySize = len(options.Reply)
		r.Async = options.AsyncCrypto
		return r
	}

	if err := svr.activateReactors(numReactors); err != nil {
		svr.closeLoops()
		svr.logger.Errorf("tlsreactor server is stopping with error: %v", err)
		return report(), err
	}
	if options.OnInitComplete != nil {
		options.OnInitComplete(svr.stats)
	}

	stopped := make(chan struct{})
	defer close(stopped)
	go func() {
		select {
		case <-ctx.Done():
			svr.signalShutdown(ctx.Err())
		case <-stopped:
		}
	}()

	svr.logger.Infof("tlsreactor serving on port %d with %d %s reactor(s), %d connections each, budget %d %s",
		options.Port, numReactors, options.Poller, options.MaxConns, options.Budget.Limit, options.Budget.Mode)
	svr.startLoops()
	svr.stop()
	return report(), svr.err
}

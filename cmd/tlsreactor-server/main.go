// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

// Command tlsreactor-server is a TLS benchmark server: it accepts connections,
// reads a request and writes a reply on each until the run budget is spent,
// then prints timing and throughput figures.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ysyzqq/tlsreactor"
	"github.com/ysyzqq/tlsreactor/tlsengine"
	"github.com/ysyzqq/tlsreactor/tlsengine/gotls"
)

const (
	exitOK    = 0
	exitFail  = 1
	exitUsage = 2
)

var (
	port        = flag.Int("p", tlsreactor.DefaultPort, "Port to listen on")
	version     = flag.Int("v", gotls.DefaultVersion, "TLS version: 1=TLS1.0 2=TLS1.1 3=TLS1.2 4=TLS1.3")
	downgrade   = flag.Bool("a", false, "Allow downgrade to any version from TLS1.0")
	ciphers     = flag.String("l", "", "Colon separated cipher suite list")
	certFile    = flag.String("c", "certs/server-cert.pem", "Certificate file")
	keyFile     = flag.String("k", "certs/server-key.pem", "Private key file")
	caFile      = flag.String("A", "", "CA file; when set client certificates are required")
	reactors    = flag.Int("t", 1, "Number of reactors, each on its own thread")
	maxConns    = flag.Int64("n", tlsreactor.DefaultMaxConnections, "Connections to serve before exiting")
	concurrency = flag.Int("N", tlsreactor.DefaultMaxConns, "Concurrent connections per reactor")
	readSize    = flag.Int("R", tlsreactor.DefaultReadSize, "Bytes to read per request")
	writeSize   = flag.Int("W", tlsreactor.DefaultWriteSize, "Bytes to write per reply")
	maxBytes    = flag.Int64("B", 0, "Bytes to read and write before exiting, overrides -n")
	pollerName  = flag.String("poller", "", "Multiplexer backend: epoll or poll")
	async       = flag.Bool("async", false, "Run crypto off the reactors and poll for completions")
	idle        = flag.Duration("idle", 0, "Close connections idle for this long, 0 disables")
	backlog     = flag.Int("backlog", tlsreactor.DefaultBacklog, "Listen backlog")
	plain       = flag.Bool("plain", false, "Serve plain TCP, no TLS")
	metricsAddr = flag.String("metrics", "", "Serve Prometheus metrics on this address")
	logLevel    = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
)

func main() {
	os.Exit(run())
}

func usagef(format string, args ...interface{}) int {
	fmt.Fprintf(os.Stderr, format+"\n", args...)
	flag.Usage()
	return exitUsage
}

func run() int {
	flag.Parse()

	level, err := tlsreactor.ParseLogLevel(*logLevel)
	if err != nil {
		return usagef("invalid log level %q", *logLevel)
	}
	logger := tlsreactor.NewLogger(level)

	budget := tlsreactor.ConnectionBudget(*maxConns)
	if *maxBytes != 0 {
		if *maxBytes < 0 {
			return usagef("invalid byte budget %d", *maxBytes)
		}
		budget = tlsreactor.ByteBudget(*maxBytes)
	} else if *maxConns <= 0 {
		return usagef("invalid connection budget %d", *maxConns)
	}

	opts := []tlsreactor.Option{
		tlsreactor.WithPort(*port),
		tlsreactor.WithBacklog(*backlog),
		tlsreactor.WithNumReactors(*reactors),
		tlsreactor.WithLockOSThread(*reactors > 1),
		tlsreactor.WithMaxConns(*concurrency),
		tlsreactor.WithReadSize(*readSize),
		tlsreactor.WithWriteSize(*writeSize),
		tlsreactor.WithBudget(budget),
		tlsreactor.WithAsyncCrypto(*async),
		tlsreactor.WithIdleTimeout(*idle),
		tlsreactor.WithLogger(logger),
	}
	if *pollerName != "" {
		kind, err := tlsreactor.ParsePollerKind(*pollerName)
		if err != nil {
			return usagef("%v", err)
		}
		opts = append(opts, tlsreactor.WithPoller(kind))
	}

	var factory tlsengine.Factory
	if *plain {
		factory = tlsengine.NewPlainFactory()
	} else {
		cfg, err := gotls.LoadConfig(gotls.ConfigOptions{
			CertFile:       *certFile,
			KeyFile:        *keyFile,
			CAFile:         *caFile,
			Version:        *version,
			AllowDowngrade: *downgrade,
			CipherList:     *ciphers,
		})
		if err != nil {
			logger.Errorf("failed to load TLS configuration: %v", err)
			return exitUsage
		}
		factory = gotls.NewFactory(cfg, gotls.WithAsync(*async))
	}

	var metrics *http.Server
	if *metricsAddr != "" {
		opts = append(opts, tlsreactor.WithOnInitComplete(func(stats *tlsreactor.Stats) {
			metrics = startMetricsServer(*metricsAddr, stats, logger)
		}))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	report, err := tlsreactor.Serve(ctx, factory, opts...)
	if metrics != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		_ = metrics.Shutdown(shutdownCtx)
		cancel()
	}
	if _, werr := report.WriteTo(os.Stderr); werr != nil {
		logger.Warnf("failed to print report: %v", werr)
	}

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		return exitOK
	case errors.Is(err, tlsreactor.ErrInvalidOption):
		logger.Errorf("%v", err)
		return exitUsage
	default:
		logger.Errorf("server failed: %v", err)
		return exitFail
	}
}

// startMetricsServer exposes the run counters and the Go runtime on /metrics.
func startMetricsServer(addr string, stats *tlsreactor.Stats, logger tlsreactor.Logger) *http.Server {
	registry := prometheus.NewRegistry()
	registry.MustRegister(stats, collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	gin.SetMode(gin.ReleaseMode)
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/metrics", gin.WrapH(promhttp.HandlerFor(registry, promhttp.HandlerOpts{})))
	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	srv := &http.Server{Addr: addr, Handler: router}
	go func() {
		logger.Infof("serving metrics on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Errorf("metrics server error: %v", err)
		}
	}()
	return srv
}

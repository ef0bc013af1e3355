// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package tlsreactor

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"io"
	"math/big"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ysyzqq/tlsreactor/tlsengine"
	"github.com/ysyzqq/tlsreactor/tlsengine/gotls"
)

const (
	testRequestSize = 16
	testReplySize   = 32
)

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func testCertificate(t *testing.T) tls.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      pkix.Name{CommonName: "localhost"},
		DNSNames:     []string{"localhost"},
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
		KeyUsage:     x509.KeyUsageDigitalSignature,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	return tls.Certificate{Certificate: [][]byte{der}, PrivateKey: key}
}

type serveResult struct {
	report Report
	err    error
}

// startServer runs Serve in the background and returns once every reactor
// is bound.
func startServer(t *testing.T, ctx context.Context, factory tlsengine.Factory, port int, options ...Option) <-chan serveResult {
	t.Helper()
	ready := make(chan struct{})
	done := make(chan serveResult, 1)
	options = append([]Option{
		WithHost("127.0.0.1"),
		WithPort(port),
		WithReply(bytes.Repeat([]byte{'r'}, testReplySize)),
		WithMaxConns(2),
		WithLogger(nopLogger),
		WithOnInitComplete(func(*Stats) { close(ready) }),
	}, options...)
	go func() {
		r, err := Serve(ctx, factory, options...)
		done <- serveResult{r, err}
	}()
	select {
	case <-ready:
	case res := <-done:
		t.Fatalf("server exited before serving: %v", res.err)
	case <-time.After(5 * time.Second):
		t.Fatal("server did not come up")
	}
	return done
}

func waitServed(t *testing.T, done <-chan serveResult) serveResult {
	t.Helper()
	select {
	case res := <-done:
		return res
	case <-time.After(10 * time.Second):
		t.Fatal("server did not finish")
	}
	return serveResult{}
}

// exchange sends one request, reads the whole reply and hangs up.
func exchange(t *testing.T, c net.Conn) {
	t.Helper()
	require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
	_, err := c.Write(bytes.Repeat([]byte{'q'}, testRequestSize))
	require.NoError(t, err)
	reply := make([]byte, testReplySize)
	_, err = io.ReadFull(c, reply)
	require.NoError(t, err)
	assert.Equal(t, bytes.Repeat([]byte{'r'}, testReplySize), reply)
	require.NoError(t, c.Close())
}

func dialPlain(t *testing.T, port int) net.Conn {
	t.Helper()
	c, err := net.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)))
	require.NoError(t, err)
	return c
}

func dialTLS(t *testing.T, port int, cfg *tls.Config) net.Conn {
	t.Helper()
	c, err := tls.Dial("tcp", net.JoinHostPort("127.0.0.1", strconv.Itoa(port)), cfg)
	require.NoError(t, err)
	return c
}

func assertExchanges(t *testing.T, r Report, n int64) {
	t.Helper()
	assert.Equal(t, n, r.Connections)
	assert.Equal(t, n*testRequestSize, r.ReadBytes)
	assert.Equal(t, n*testReplySize, r.WriteBytes)
	assert.Equal(t, testReplySize, r.ReplySize)
	assert.Greater(t, r.Elapsed, time.Duration(0))
}

func TestServePlain(t *testing.T) {
	port := freePort(t)
	done := startServer(t, context.Background(), tlsengine.NewPlainFactory(), port,
		WithBudget(ConnectionBudget(3)))

	for i := 0; i < 3; i++ {
		exchange(t, dialPlain(t, port))
	}
	res := waitServed(t, done)
	require.NoError(t, res.err)
	assertExchanges(t, res.report, 3)
}

func TestServePlainPollBackend(t *testing.T) {
	port := freePort(t)
	done := startServer(t, context.Background(), tlsengine.NewPlainFactory(), port,
		WithBudget(ConnectionBudget(2)), WithPoller(PollerPoll))

	for i := 0; i < 2; i++ {
		exchange(t, dialPlain(t, port))
	}
	res := waitServed(t, done)
	require.NoError(t, res.err)
	assertExchanges(t, res.report, 2)
}

func TestServeThrottledBacklog(t *testing.T) {
	port := freePort(t)
	done := startServer(t, context.Background(), tlsengine.NewPlainFactory(), port,
		WithBudget(ConnectionBudget(4)), WithMaxConns(1))

	// all four connect at once; only one is served at a time, the rest wait
	// in the backlog
	conns := make([]net.Conn, 4)
	for i := range conns {
		conns[i] = dialPlain(t, port)
	}
	for _, c := range conns {
		exchange(t, c)
	}
	res := waitServed(t, done)
	require.NoError(t, res.err)
	assertExchanges(t, res.report, 4)
}

func TestServeByteBudget(t *testing.T) {
	port := freePort(t)
	done := startServer(t, context.Background(), tlsengine.NewPlainFactory(), port,
		WithBudget(ByteBudget(2*testReplySize)), WithReply(bytes.Repeat([]byte{'r'}, testReplySize)),
		WithReadSize(testReplySize))

	// two full exchanges spend the budget in both directions
	for i := 0; i < 2; i++ {
		c := dialPlain(t, port)
		require.NoError(t, c.SetDeadline(time.Now().Add(5*time.Second)))
		_, err := c.Write(bytes.Repeat([]byte{'q'}, testReplySize))
		require.NoError(t, err)
		_, err = io.ReadFull(c, make([]byte, testReplySize))
		require.NoError(t, err)
		require.NoError(t, c.Close())
	}
	res := waitServed(t, done)
	require.NoError(t, res.err)
	assert.EqualValues(t, 2*testReplySize, res.report.ReadBytes)
	assert.EqualValues(t, 2*testReplySize, res.report.WriteBytes)
}

func TestServeZeroByteBudget(t *testing.T) {
	port := freePort(t)
	done := startServer(t, context.Background(), tlsengine.NewPlainFactory(), port,
		WithBudget(ByteBudget(0)))

	// one full request/reply cycle, then the run is over
	exchange(t, dialPlain(t, port))
	res := waitServed(t, done)
	require.NoError(t, res.err)
	assert.EqualValues(t, testRequestSize, res.report.ReadBytes)
	assert.EqualValues(t, testReplySize, res.report.WriteBytes)
}

func TestServeTLS(t *testing.T) {
	for _, async := range []bool{false, true} {
		async := async
		t.Run("async="+strconv.FormatBool(async), func(t *testing.T) {
			port := freePort(t)
			cfg := &tls.Config{Certificates: []tls.Certificate{testCertificate(t)}}
			done := startServer(t, context.Background(), gotls.NewFactory(cfg, gotls.WithAsync(async)), port,
				WithBudget(ConnectionBudget(3)), WithAsyncCrypto(async))

			client := &tls.Config{InsecureSkipVerify: true}
			for i := 0; i < 3; i++ {
				exchange(t, dialTLS(t, port, client))
			}
			res := waitServed(t, done)
			require.NoError(t, res.err)
			assertExchanges(t, res.report, 3)
			assert.Equal(t, async, res.report.Async)
			assert.Greater(t, res.report.AcceptTime, time.Duration(0))
		})
	}
}

func TestServeTLSResumption(t *testing.T) {
	port := freePort(t)
	cfg := &tls.Config{Certificates: []tls.Certificate{testCertificate(t)}}
	done := startServer(t, context.Background(), gotls.NewFactory(cfg), port,
		WithBudget(ConnectionBudget(2)))

	client := &tls.Config{InsecureSkipVerify: true, ClientSessionCache: tls.NewLRUClientSessionCache(4)}
	exchange(t, dialTLS(t, port, client))
	exchange(t, dialTLS(t, port, client))

	res := waitServed(t, done)
	require.NoError(t, res.err)
	assert.EqualValues(t, 2, res.report.Connections)
	assert.EqualValues(t, 1, res.report.Resumed)
	assert.EqualValues(t, 1, res.report.FullHandshakes())
}

func TestServeMultipleReactors(t *testing.T) {
	port := freePort(t)
	done := startServer(t, context.Background(), tlsengine.NewPlainFactory(), port,
		WithBudget(ConnectionBudget(6)), WithNumReactors(2))

	for i := 0; i < 6; i++ {
		exchange(t, dialPlain(t, port))
	}
	res := waitServed(t, done)
	require.NoError(t, res.err)
	assertExchanges(t, res.report, 6)
}

func TestServeCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	port := freePort(t)
	done := startServer(t, ctx, tlsengine.NewPlainFactory(), port)

	c := dialPlain(t, port)
	defer c.Close()
	cancel()

	res := waitServed(t, done)
	assert.ErrorIs(t, res.err, context.Canceled)
	assert.Zero(t, res.report.Connections, "connections closed by the shutdown are not counted")
}

func TestServeBindConflict(t *testing.T) {
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	port := l.Addr().(*net.TCPAddr).Port

	_, err = Serve(context.Background(), tlsengine.NewPlainFactory(),
		WithHost("127.0.0.1"), WithPort(port), WithLogger(nopLogger))
	require.Error(t, err)
	assert.Equal(t, ErrBind, errors.Cause(err))
}

func TestServeEngineFailure(t *testing.T) {
	factory := func() (tlsengine.Engine, error) { return nil, errors.New("no certificate") }
	_, err := Serve(context.Background(), factory,
		WithHost("127.0.0.1"), WithPort(freePort(t)), WithLogger(nopLogger))
	require.Error(t, err)
	assert.Equal(t, ErrEngine, errors.Cause(err))
	assert.Contains(t, err.Error(), "no certificate")
}

func TestServeInvalidOptions(t *testing.T) {
	cases := map[string][]Option{
		"negative port":      {WithPort(-1)},
		"negative reactors":  {WithNumReactors(-2)},
		"zero connections":   {WithBudget(ConnectionBudget(0))},
		"negative bytes":     {WithBudget(ByteBudget(-1))},
		"negative idle time": {WithIdleTimeout(-time.Second)},
	}
	for name, options := range cases {
		options := options
		t.Run(name, func(t *testing.T) {
			_, err := Serve(context.Background(), tlsengine.NewPlainFactory(), options...)
			assert.Equal(t, ErrInvalidOption, errors.Cause(err))
		})
	}

	_, err := Serve(context.Background(), nil)
	assert.Equal(t, ErrInvalidOption, errors.Cause(err))
}

// Copyright 2019 Andy Pan. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

//go:build linux || darwin || netbsd || freebsd || openbsd || dragonfly
// +build linux darwin netbsd freebsd openbsd dragonfly

package gotls

import (
	"crypto/tls"
	"fmt"
	"io"
	"net"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sys/unix"

	"github.com/ysyzqq/tlsreactor/tlsengine"
)

// socketPair returns a non-blocking server fd and the blocking client end.
func socketPair(t *testing.T) (int, net.Conn) {
	t.Helper()
	fds, err := unix.Socketpair(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	require.NoError(t, err)
	require.NoError(t, unix.SetNonblock(fds[0], true))

	f := os.NewFile(uintptr(fds[1]), "client")
	c, err := net.FileConn(f)
	require.NoError(t, err)
	_ = f.Close()

	t.Cleanup(func() {
		_ = unix.Close(fds[0])
		_ = c.Close()
	})
	return fds[0], c
}

// settle repeats step the way a reactor would until it reports StatusOK.
func settle(t *testing.T, step func() (tlsengine.Status, error)) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := step()
		require.NoError(t, err)
		if status == tlsengine.StatusOK {
			return
		}
		require.True(t, time.Now().Before(deadline), "step stuck at %s", status)
		time.Sleep(time.Millisecond)
	}
}

func newTestEngine(t *testing.T, cert tls.Certificate, options ...Option) *Engine {
	t.Helper()
	eng, err := New(&tls.Config{Certificates: []tls.Certificate{cert}}, loadOptions(options...))
	require.NoError(t, err)
	t.Cleanup(func() { _ = eng.Close() })
	return eng
}

func clientConfig() *tls.Config {
	return &tls.Config{ServerName: testServerName, InsecureSkipVerify: true}
}

// pingPong runs one request/reply exchange against a fresh session and
// returns it once the client has hung up.
func pingPong(t *testing.T, eng *Engine, cfg *tls.Config) tlsengine.Session {
	t.Helper()
	fd, raw := socketPair(t)

	errc := make(chan error, 1)
	go func() {
		c := tls.Client(raw, cfg)
		if _, err := c.Write([]byte("ping")); err != nil {
			errc <- err
			return
		}
		reply := make([]byte, 4)
		if _, err := io.ReadFull(c, reply); err != nil {
			errc <- err
			return
		}
		if string(reply) != "pong" {
			errc <- fmt.Errorf("unexpected reply %q", reply)
			return
		}
		errc <- c.Close()
	}()

	sess, err := eng.NewSession(fd)
	require.NoError(t, err)
	t.Cleanup(func() { _ = sess.Close() })

	settle(t, sess.Handshake)
	assert.NotEmpty(t, sess.CipherSuite())

	buf := make([]byte, 64)
	var n int
	settle(t, func() (status tlsengine.Status, err error) {
		n, status, err = sess.Read(buf)
		return
	})
	assert.Equal(t, "ping", string(buf[:n]))

	settle(t, func() (status tlsengine.Status, err error) {
		n, status, err = sess.Write([]byte("pong"))
		return
	})
	assert.Equal(t, 4, n)
	require.NoError(t, <-errc)

	deadline := time.Now().Add(5 * time.Second)
	for {
		_, _, err := sess.Read(buf)
		if err != nil {
			assert.ErrorIs(t, err, io.EOF)
			break
		}
		require.True(t, time.Now().Before(deadline), "no EOF after client close")
		time.Sleep(time.Millisecond)
	}
	return sess
}

func TestSessionSync(t *testing.T) {
	eng := newTestEngine(t, selfSigned(t))
	sess := pingPong(t, eng, clientConfig())
	assert.False(t, sess.Resumed())
	assert.Zero(t, eng.Poll(make([]tlsengine.Completion, 8)))
}

func TestSessionAsync(t *testing.T) {
	eng := newTestEngine(t, selfSigned(t), WithAsync(true))
	sess := pingPong(t, eng, clientConfig())

	events := make([]tlsengine.Completion, 8)
	var total int
	for n := eng.Poll(events); n > 0; n = eng.Poll(events) {
		for _, c := range events[:n] {
			assert.Equal(t, sess, c.Session)
		}
		total += n
	}
	assert.Positive(t, total)
}

func TestSessionResumption(t *testing.T) {
	eng := newTestEngine(t, selfSigned(t))
	cfg := clientConfig()
	cfg.ClientSessionCache = tls.NewLRUClientSessionCache(4)

	first := pingPong(t, eng, cfg)
	assert.False(t, first.Resumed())
	second := pingPong(t, eng, cfg)
	assert.True(t, second.Resumed())
}

func TestHandshakeFailure(t *testing.T) {
	cert := selfSigned(t)
	eng, err := New(&tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}, nil)
	require.NoError(t, err)
	defer eng.Close()

	fd, raw := socketPair(t)
	go func() {
		cfg := clientConfig()
		cfg.MaxVersion = tls.VersionTLS12
		_ = tls.Client(raw, cfg).Handshake()
	}()

	sess, err := eng.NewSession(fd)
	require.NoError(t, err)
	defer sess.Close()

	deadline := time.Now().Add(5 * time.Second)
	for {
		status, err := sess.Handshake()
		if err != nil {
			break
		}
		require.NotEqual(t, tlsengine.StatusOK, status)
		require.True(t, time.Now().Before(deadline), "handshake never failed")
		time.Sleep(time.Millisecond)
	}
	assert.Empty(t, sess.CipherSuite())
}

func TestCloseWakesParkedWorker(t *testing.T) {
	eng := newTestEngine(t, selfSigned(t))
	fd, _ := socketPair(t)

	sess, err := eng.NewSession(fd)
	require.NoError(t, err)

	// nothing was sent, so the worker parks waiting for a ClientHello
	status, err := sess.Handshake()
	require.NoError(t, err)
	assert.Equal(t, tlsengine.StatusWantRead, status)

	require.NoError(t, sess.Close())
	s := sess.(*session)
	assert.Eventually(t, func() bool {
		s.mu.Lock()
		defer s.mu.Unlock()
		return s.released
	}, 5*time.Second, time.Millisecond)

	_, err = sess.Handshake()
	assert.Error(t, err)
}

func TestOperationsDoNotInterleave(t *testing.T) {
	eng := newTestEngine(t, selfSigned(t))
	fd, _ := socketPair(t)

	sess, err := eng.NewSession(fd)
	require.NoError(t, err)
	defer sess.Close()

	status, err := sess.Handshake()
	require.NoError(t, err)
	require.Equal(t, tlsengine.StatusWantRead, status)

	_, _, err = sess.Write([]byte("early"))
	assert.Error(t, err)
}

func TestNewRequiresCertificate(t *testing.T) {
	_, err := New(&tls.Config{}, nil)
	assert.Error(t, err)
	_, err = NewFactory(nil)()
	assert.Error(t, err)
}

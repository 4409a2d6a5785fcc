// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hearth

import (
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoolGrowAndShrinkRespectBounds(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) {
		o.MinWorkers = 2
		o.MaxWorkers = 5
	}, nil)
	p := s.pool
	p.start()
	defer p.stop(time.Second)

	assert.Equal(t, 2, p.size())

	// grow returns with the new workers hot, so size is exact right away
	p.grow(10)
	assert.Equal(t, 5, p.size()) // ceiling applies

	p.shrink(10)
	require.Eventually(t, func() bool { return p.size() == 2 },
		time.Second, 5*time.Millisecond, "shrink must stop at the floor")
}

func TestPoolServesConnection(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) { o.MinWorkers = 1 }, lengthGateway("pong"))
	p := s.pool
	p.start()
	defer p.stop(time.Second)

	c, sock := newTestConn(s, "GET /ping HTTP/1.1\r\nConnection: close\r\n\r\n")
	require.NoError(t, p.put(c))

	require.Eventually(t, func() bool { return sock.closed.Load() },
		time.Second, 5*time.Millisecond)
	assert.Contains(t, sock.out.String(), "\r\n\r\npong")

	st := s.Stats()
	assert.Equal(t, int64(1), st.Requests)
	assert.Greater(t, st.BytesWritten, int64(0))
}

func TestPoolCountsOnlyServedRequests(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) { o.MinWorkers = 1 }, lengthGateway("pong"))
	p := s.pool
	p.start()
	defer p.stop(time.Second)

	// the peer hung up without sending anything: a dispatch, not a request
	c, sock := newTestConn(s, "")
	require.NoError(t, p.put(c))
	require.Eventually(t, func() bool { return sock.closed.Load() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(0), s.Stats().Requests)

	// two pipelined transactions on one dispatch count as two
	c2, sock2 := newTestConn(s,
		"GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\nConnection: close\r\n\r\n")
	require.NoError(t, p.put(c2))
	require.Eventually(t, func() bool { return sock2.closed.Load() },
		time.Second, 5*time.Millisecond)
	assert.Equal(t, int64(2), s.Stats().Requests)
}

func TestPoolRecoversFromGatewayPanic(t *testing.T) {
	t.Parallel()

	gw := GatewayFunc(func(r *Request) error { panic("handler bug") })
	s := newTestServer(t, func(o *Options) { o.MinWorkers = 1 }, gw)
	p := s.pool
	p.start()
	defer p.stop(time.Second)

	c, sock := newTestConn(s, "GET / HTTP/1.1\r\n\r\n")
	require.NoError(t, p.put(c))
	require.Eventually(t, func() bool { return sock.closed.Load() },
		time.Second, 5*time.Millisecond)

	// the worker survived and still serves
	assert.Equal(t, 1, p.size())
	c2, sock2 := newTestConn(s, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	require.NoError(t, p.put(c2))
	require.Eventually(t, func() bool { return sock2.closed.Load() },
		time.Second, 5*time.Millisecond)
}

func TestPoolPutTimesOutWhenFull(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) {
		o.AcceptQueueSize = 1
		o.AcceptQueuePutTimeout = 20 * time.Millisecond
	}, nil)
	p := s.pool // never started: nothing drains the queue

	c1, _ := newTestConn(s, "")
	require.NoError(t, p.put(c1))

	c2, _ := newTestConn(s, "")
	assert.ErrorIs(t, p.put(c2), ErrQueueFull)
}

func TestPoolStopJoinsAllWorkers(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) { o.MinWorkers = 4 }, nil)
	p := s.pool
	p.start()
	require.Equal(t, 4, p.size())

	done := make(chan struct{})
	go func() { p.stop(2 * time.Second); close(done) }()
	select {
	case <-done:
	case <-time.After(3 * time.Second):
		t.Fatal("pool.stop did not return")
	}
	assert.Equal(t, 0, p.size())
}

func TestPoolShutdownSignalNeverServes(t *testing.T) {
	t.Parallel()

	// a shrink signal and a real connection racing through the queue: the
	// connection must still be served, the signal must only kill a worker
	s := newTestServer(t, func(o *Options) {
		o.MinWorkers = 2
		o.MaxWorkers = 3
	}, lengthGateway("ok"))
	p := s.pool
	p.start()
	defer p.stop(time.Second)

	p.grow(1)
	p.shrink(1)
	c, sock := newTestConn(s, "GET / HTTP/1.1\r\nConnection: close\r\n\r\n")
	require.NoError(t, p.put(c))

	require.Eventually(t, func() bool { return sock.closed.Load() },
		time.Second, 5*time.Millisecond)
	assert.True(t, strings.Contains(sock.out.String(), "200 OK"))
	require.Eventually(t, func() bool { return p.size() == 2 },
		time.Second, 5*time.Millisecond)
}

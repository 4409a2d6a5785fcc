// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hearth

import (
	"io"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestManagerPutPipelinedFastPath(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	m := s.manager

	// a connection handed back with buffered bytes skips registration and
	// goes straight to the worker queue
	c, _ := newTestConn(s, "GET /a HTTP/1.1\r\n\r\nGET /b HTTP/1.1\r\n\r\n")
	one := make([]byte, 1)
	_, err := c.reader.Read(one)
	require.NoError(t, err)
	require.True(t, c.reader.HasData())

	m.put(c)
	assert.Equal(t, 0, m.connCount())
	assert.Len(t, s.pool.tasks, 1) // pool not started, the task sits queued
}

func TestManagerPutUnpollableCloses(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	c, sock := newTestConn(s, "") // fakeSock has no descriptor
	require.Equal(t, int32(-1), c.fd)

	s.manager.put(c)
	assert.True(t, sock.closed.Load())
	assert.Equal(t, 0, s.manager.connCount())
}

func TestManagerExpire(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) { o.IdleTimeout = 50 * time.Millisecond }, nil)
	m := s.manager

	fresh, freshSock := newTestConn(s, "")
	stale, staleSock := newTestConn(s, "")
	fresh.fd, stale.fd = 11, 12
	fresh.lastUsed = time.Now()
	stale.lastUsed = time.Now().Add(-time.Second)
	m.table[fresh.fd] = fresh
	m.table[stale.fd] = stale

	m.expire(time.Now())

	assert.Equal(t, 1, m.connCount())
	assert.True(t, staleSock.closed.Load())
	assert.False(t, freshSock.closed.Load())
}

func TestManagerCloseAll(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	m := s.manager

	var socks []*fakeSock
	for i := int32(1); i <= 3; i++ {
		c, sock := newTestConn(s, "")
		c.fd = i
		m.table[i] = c
		socks = append(socks, sock)
	}

	m.closeAll()
	assert.Equal(t, 0, m.connCount())
	for _, sock := range socks {
		assert.True(t, sock.closed.Load())
	}
}

func TestManagerDispatchDropsOnFullQueue(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) {
		o.AcceptQueueSize = 1
		o.AcceptQueuePutTimeout = 10 * time.Millisecond
	}, nil)
	m := s.manager

	c1, _ := newTestConn(s, "")
	m.dispatch(c1) // fills the queue

	c2, sock2 := newTestConn(s, "")
	m.dispatch(c2)
	assert.True(t, sock2.closed.Load())
	assert.Equal(t, int64(1), s.socketErrors.Load())
}

// handshakeAdapter performs its handshake inside Wrap, unlike StdTLSAdapter
// which defers it to the first read.
type handshakeAdapter struct{ err error }

func (a handshakeAdapter) Bind(l net.Listener) (net.Listener, error) { return l, nil }
func (a handshakeAdapter) Wrap(sock net.Conn) (net.Conn, map[string]string, error) {
	return nil, nil, a.err
}

func TestManagerAcceptRejectsPlaintextFromWrap(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, nil, nil)
	s.tlsAdapter = handshakeAdapter{err: ErrNoTLS}

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer l.Close()
	m := newConnManager(s, l, -1)

	peer, err := net.Dial("tcp", l.Addr().String())
	require.NoError(t, err)
	defer peer.Close()

	m.acceptOne()

	peer.SetReadDeadline(time.Now().Add(5 * time.Second))
	reply, err := io.ReadAll(peer)
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(reply), "HTTP/1.1 400 Bad Request\r\n"), string(reply))
	assert.Contains(t, string(reply), "plain HTTP request")
	assert.Equal(t, int64(1), s.socketErrors.Load())
}

func TestManagerStopIsSynchronous(t *testing.T) {
	t.Parallel()

	s := newTestServer(t, func(o *Options) { o.ExpirationInterval = 10 * time.Millisecond }, nil)
	// a loop with no listener: use an impossible descriptor so the poll only
	// ever times out
	m := newConnManager(s, nil, -1)

	looped := make(chan struct{})
	go func() {
		m.run(10 * time.Millisecond)
		close(looped)
	}()

	require.Eventually(t, func() bool { return m.looping.Load() },
		time.Second, time.Millisecond)
	m.stop()
	select {
	case <-looped:
	case <-time.After(time.Second):
		t.Fatal("manager loop still running after stop")
	}
}

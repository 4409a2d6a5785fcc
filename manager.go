// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Connection manager: a single-threaded event loop multiplexing readiness
// over the listening socket plus all idle kept-alive connections. A
// connection is never simultaneously polled here and processed by a worker;
// registration only happens after a worker has handed it back, and
// unregistration always precedes dispatch.

package hearth

import (
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/hearthd/hearth/internal/poller"
)

// acceptTimeout is the per-accept-call deadline. Hitting it is not an error;
// it only exists so a blocking accept cannot swallow interrupts indefinitely.
const acceptTimeout = 100 * time.Millisecond

// stopPollInterval is how often stop() re-checks that the loop has exited.
const stopPollInterval = 2 * time.Millisecond

type connManager struct {
	server *Server
	logger *zap.Logger

	listener   net.Listener
	listenerFD int32

	// mu guards the registration table. Workers register concurrently via
	// put(); the blocking poll call itself is made without holding it.
	mu    sync.Mutex
	table map[int32]*conn // fd -> idle registered connection

	stopRequested atomic.Bool
	looping       atomic.Bool
	lastExpiry    time.Time
}

func newConnManager(s *Server, l net.Listener, lfd int32) *connManager {
	return &connManager{
		server:     s,
		logger:     s.logger,
		listener:   l,
		listenerFD: lfd,
		table:      make(map[int32]*conn),
	}
}

// put is the hand-off point from a worker back to the manager after a
// keep-open transaction. A connection whose read buffer already holds
// pipelined bytes skips the multiplexer and goes straight back to the pool.
func (m *connManager) put(c *conn) {
	if c.reader.HasData() {
		m.dispatch(c)
		return
	}
	if c.fd < 0 {
		// not pollable; without readiness events it would idle forever
		c.close()
		return
	}
	m.mu.Lock()
	c.lastUsed = time.Now()
	m.table[c.fd] = c
	m.mu.Unlock()
}

// connCount is the number of registered idle connections (the listening
// sentinel excluded).
func (m *connManager) connCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.table)
}

// run is the manager loop. It returns once stop() has been requested.
func (m *connManager) run(interval time.Duration) {
	m.looping.Store(true)
	defer m.looping.Store(false)
	m.lastExpiry = time.Now()

	for !m.stopRequested.Load() {
		fds, conns := m.snapshot()
		events, err := poller.Ready(fds, interval)
		if err != nil {
			// The poll call itself failed, usually because a held
			// descriptor went bad. Probe and evict rather than crash.
			m.logger.Warn("readiness poll failed, probing descriptors", zap.Error(err))
			m.evictBroken()
			continue
		}
		for _, ev := range events {
			if ev.Index == 0 { // the listening-socket sentinel
				m.acceptOne()
				continue
			}
			c := conns[ev.Index]
			m.unregister(c)
			m.dispatch(c)
		}
		if now := time.Now(); now.Sub(m.lastExpiry) >= interval {
			m.expire(now)
			m.lastExpiry = now
		}
	}
}

// snapshot copies the registration table into parallel slices; index 0 is
// always the listening-socket sentinel.
func (m *connManager) snapshot() ([]int32, []*conn) {
	m.mu.Lock()
	defer m.mu.Unlock()
	fds := make([]int32, 1, len(m.table)+1)
	conns := make([]*conn, 1, len(m.table)+1)
	fds[0] = m.listenerFD
	for fd, c := range m.table {
		fds = append(fds, fd)
		conns = append(conns, c)
	}
	return fds, conns
}

func (m *connManager) unregister(c *conn) {
	m.mu.Lock()
	delete(m.table, c.fd)
	m.mu.Unlock()
}

// acceptOne accepts a single pending connection and dispatches it into the
// worker pool. Transient accept failures are swallowed; anything else is
// fatal and surfaces through the server's interrupt state.
func (m *connManager) acceptOne() {
	setAcceptDeadline(m.listener, time.Now().Add(acceptTimeout))
	sock, err := m.listener.Accept()
	if err != nil {
		if acceptIgnorable(err) {
			return
		}
		if errors.Is(err, net.ErrClosed) {
			m.stopRequested.Store(true)
			return
		}
		m.server.socketErrors.Add(1)
		m.server.SetInterrupt(err)
		return
	}
	m.server.accepts.Add(1)

	attrs := map[string]string{}
	if adapter := m.server.tlsAdapter; adapter != nil {
		wrapped, tlsAttrs, werr := adapter.Wrap(sock)
		if werr != nil {
			m.server.socketErrors.Add(1)
			if classifyTransportError(werr) == kindNoTLS {
				// an adapter that handshakes inside Wrap surfaces the
				// plaintext probe here; answer it off-loop so the linger
				// delay cannot stall accepts
				c := newConn(m.server, sock, nil)
				go func() {
					c.rejectPlaintext(werr)
					c.close()
				}()
				return
			}
			m.logger.Debug("tls wrap failed", zap.Error(werr))
			sock.Close()
			return
		}
		if wrapped == nil {
			// not really a TLS handshake (health-check ping); drop silently
			sock.Close()
			return
		}
		sock, attrs = wrapped, tlsAttrs
	}
	m.dispatch(newConn(m.server, sock, attrs))
}

// acceptIgnorable reports whether an accept failure is one of the benign
// conditions that can happen between readiness notification and accept.
func acceptIgnorable(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true // no connection arrived within the accept deadline
	}
	for _, errno := range []syscall.Errno{
		syscall.EINTR,
		syscall.EAGAIN,
		syscall.EWOULDBLOCK,
		syscall.ECONNABORTED,
		syscall.EPROTO,
	} {
		if errors.Is(err, errno) {
			return true
		}
	}
	return false
}

func setAcceptDeadline(l net.Listener, t time.Time) {
	type deadliner interface{ SetDeadline(time.Time) error }
	if d, ok := l.(deadliner); ok {
		d.SetDeadline(t)
	}
}

// dispatch moves a connection into the worker pool. On a full queue the
// connection is dropped loudly.
func (m *connManager) dispatch(c *conn) {
	if err := m.server.pool.put(c); err != nil {
		m.logger.Warn("worker queue full, dropping connection",
			zap.String("remote", c.remoteAddr.String()),
		)
		m.server.socketErrors.Add(1)
		c.close()
	}
}

// expire closes and unregisters every connection idle past the timeout.
func (m *connManager) expire(now time.Time) {
	idle := m.server.opts.IdleTimeout
	var expired []*conn
	m.mu.Lock()
	for fd, c := range m.table {
		if now.Sub(c.lastUsed) > idle {
			delete(m.table, fd)
			expired = append(expired, c)
		}
	}
	m.mu.Unlock()
	for _, c := range expired {
		c.close()
	}
}

// evictBroken probes every held descriptor and drops the broken ones. Runs
// after a failure of the poll call itself.
func (m *connManager) evictBroken() {
	var broken []*conn
	m.mu.Lock()
	for fd, c := range m.table {
		if !poller.Alive(fd) {
			delete(m.table, fd)
			broken = append(broken, c)
		}
	}
	m.mu.Unlock()
	for _, c := range broken {
		c.close()
	}
	if !poller.Alive(m.listenerFD) {
		m.logger.Error("listening socket descriptor is broken")
		m.stopRequested.Store(true)
	}
}

// closeAll closes every registered connection. Used at server stop.
func (m *connManager) closeAll() {
	m.mu.Lock()
	conns := make([]*conn, 0, len(m.table))
	for _, c := range m.table {
		conns = append(conns, c)
	}
	m.table = make(map[int32]*conn)
	m.mu.Unlock()
	for _, c := range conns {
		c.close()
	}
}

// stop flags the loop and blocks until it has observed the flag and exited.
func (m *connManager) stop() {
	m.stopRequested.Store(true)
	for m.looping.Load() {
		time.Sleep(stopPollInterval)
	}
}

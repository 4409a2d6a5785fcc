// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Connection wrapper: owns one accepted socket, its stream adapters, and the
// request loop that processes sequential transactions on it.

package hearth

import (
	"crypto/tls"
	"errors"
	"net"
	"strconv"
	"sync/atomic"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// lingerDelay gives the peer a chance to read our last response before the
// socket is reclaimed (RFC 9112 section 9.6).
const lingerDelay = time.Second

// conn wraps one accepted transport-level socket. It is uniquely owned at all
// times: by the manager while idle and registered with the multiplexer, or by
// a worker while actively processing. Registration/unregistration is the
// hand-off protocol.
type conn struct {
	server *Server
	sock   net.Conn
	fd     int32 // for readiness polling; -1 when not pollable
	reader *connReader
	writer *connWriter

	remoteAddr net.Addr
	lastUsed   time.Time // written and read only by the manager
	requests   int64     // cumulative requests served on this connection
	tlsAttrs   map[string]string
	linger     bool // suppress abrupt close so the peer can finish reading
	closed     atomic.Bool
}

func newConn(s *Server, sock net.Conn, tlsAttrs map[string]string) *conn {
	c := &conn{
		server:     s,
		sock:       sock,
		fd:         sockFD(sock),
		reader:     newConnReader(sock, s.opts.Timeout, s.opts.StreamBufSize),
		writer:     newConnWriter(sock, s.opts.Timeout),
		remoteAddr: sock.RemoteAddr(),
		lastUsed:   time.Now(),
		tlsAttrs:   tlsAttrs,
	}
	if c.tlsAttrs == nil {
		c.tlsAttrs = map[string]string{}
	}
	return c
}

// sockFD extracts the file descriptor for readiness polling. The descriptor
// stays valid while we own the socket. Returns -1 for non-syscall transports
// (pipes in tests).
func sockFD(sock net.Conn) int32 {
	under := sock
	if tc, ok := sock.(*tls.Conn); ok {
		under = tc.NetConn()
	}
	sc, ok := under.(syscall.Conn)
	if !ok {
		return -1
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1
	}
	fd := int32(-1)
	if err := raw.Control(func(x uintptr) { fd = int32(x) }); err != nil {
		return -1
	}
	return fd
}

// communicate runs exactly one transaction. keepOpen reports whether another
// transaction may follow on this socket; fatal is non-nil only when the
// gateway requested a server-wide shutdown.
func (c *conn) communicate() (keepOpen bool, fatal error) {
	req := newRequest(c.server, c)

	if err := req.parse(); err != nil {
		c.classifyAndAnswer(req, err)
		return false, nil
	}
	if !req.Ready {
		return false, nil
	}

	c.fillTLSAttrs()
	c.requests++

	if err := req.respond(); err != nil {
		if errors.Is(err, ErrShutdownRequested) {
			return false, err
		}
		c.classifyAndAnswer(req, err)
		return false, nil
	}

	return !req.closeConnection, nil
}

// classifyAndAnswer applies the per-connection error policy: silent drop for
// expected disconnects, best-effort 408/500, and the plaintext-on-TLS path.
func (c *conn) classifyAndAnswer(req *Request, err error) {
	if errors.Is(err, errNoRequest) {
		return // peer closed before sending anything
	}
	switch classifyTransportError(err) {
	case kindTimeout:
		// A timeout mid-request, or on a fresh connection that never sent a
		// request, gets a best-effort 408; an idle timeout between requests
		// is silent.
		if req.startedRequest || c.requests == 0 {
			req.simpleResponse(408, "Request Timeout")
		}
	case kindDisconnect:
		// expected; not an error
	case kindNoTLS:
		c.rejectPlaintext(err)
	default:
		c.server.logger.Error("unexpected error during request handling",
			zap.String("remote", c.remoteAddr.String()),
			zap.Error(err),
		)
		if !req.sentHeaders {
			req.simpleResponse(500, "Internal Server Error")
		}
	}
}

// rejectPlaintext answers a plaintext request that hit a TLS-only port with a
// synchronous plaintext 400 written to the raw socket, bypassing the broken
// TLS write path, then lingers so the client can read it.
func (c *conn) rejectPlaintext(err error) {
	raw := c.sock
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) && recordErr.Conn != nil {
		raw = recordErr.Conn
	} else if tc, ok := c.sock.(*tls.Conn); ok {
		raw = tc.NetConn()
	}
	body := "The client sent a plain HTTP request, but this server only speaks HTTPS on this port."
	raw.Write([]byte(
		"HTTP/1.1 400 Bad Request\r\n" +
			"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
			"Content-Type: text/plain\r\n" +
			"Connection: close\r\n\r\n" + body))
	c.linger = true
}

// fillTLSAttrs captures the handshake attributes once the first read has
// completed the handshake. Empty for plaintext connections.
func (c *conn) fillTLSAttrs() {
	tc, ok := c.sock.(*tls.Conn)
	if !ok || len(c.tlsAttrs) > 0 {
		return
	}
	state := tc.ConnectionState()
	if !state.HandshakeComplete {
		return
	}
	c.tlsAttrs["tls_version"] = tls.VersionName(state.Version)
	c.tlsAttrs["tls_cipher"] = tls.CipherSuiteName(state.CipherSuite)
	if state.ServerName != "" {
		c.tlsAttrs["tls_server_name"] = state.ServerName
	}
}

// close shuts the connection down. The read side is closed always; unless
// lingering, an explicit two-direction shutdown precedes the close,
// tolerating the allow-listed "already gone" shutdown errors.
func (c *conn) close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	type closeWriter interface{ CloseWrite() error }
	type closeReader interface{ CloseRead() error }

	if c.linger {
		// Half-close first and give the peer time to drain our response;
		// an immediate close could turn into a RST that erases it.
		if cw, ok := c.sock.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil && !ignorableShutdownError(err) {
				c.server.logger.Debug("linger half-close failed", zap.Error(err))
			}
			time.Sleep(lingerDelay)
		}
	} else {
		if cr, ok := c.sock.(closeReader); ok {
			if err := cr.CloseRead(); err != nil && !ignorableShutdownError(err) {
				c.server.logger.Debug("read-shutdown failed", zap.Error(err))
			}
		}
		if cw, ok := c.sock.(closeWriter); ok {
			if err := cw.CloseWrite(); err != nil && !ignorableShutdownError(err) {
				c.server.logger.Debug("write-shutdown failed", zap.Error(err))
			}
		}
	}
	c.sock.Close()
}

// forceReadShutdown half-closes the read direction from another goroutine to
// unblock a stuck read at server-stop time.
func (c *conn) forceReadShutdown() {
	type closeReader interface{ CloseRead() error }
	if cr, ok := c.sock.(closeReader); ok {
		cr.CloseRead()
	} else {
		c.sock.SetReadDeadline(time.Now())
	}
}

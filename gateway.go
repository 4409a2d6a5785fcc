// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// The two external collaborator contracts: the application gateway and the
// TLS adapter. The core consumes both and implements neither beyond the thin
// standard-library TLS adapter offered for convenience.

package hearth

import (
	"crypto/tls"
	"net"
)

// Gateway turns a parsed request into a response. Respond may call
// r.SetStatus, r.AddOutHeader, and r.Write zero or more times, and must
// eventually return; the core does not care what produced the bytes.
//
// Returning an error that wraps ErrShutdownRequested requests a server-wide
// shutdown. Any other error is treated as an unexpected handler failure.
type Gateway interface {
	Respond(r *Request) error
}

// GatewayFunc adapts a function to the Gateway contract.
type GatewayFunc func(*Request) error

func (f GatewayFunc) Respond(r *Request) error { return f(r) }

// TLSAdapter wraps accepted sockets for TLS. Wrap returning a nil connection
// (and nil error) means "not really a TLS handshake, drop silently", which
// tolerates health-check pings. An error classified as a plaintext-on-TLS
// condition triggers the plaintext-rejection path in the connection wrapper.
type TLSAdapter interface {
	// Bind is called once at listen time with the raw listening socket.
	Bind(l net.Listener) (net.Listener, error)

	// Wrap wraps one accepted socket, returning the wrapped socket and the
	// TLS attribute map exposed on the connection.
	Wrap(sock net.Conn) (net.Conn, map[string]string, error)
}

// StdTLSAdapter is a TLSAdapter over crypto/tls. The handshake is deferred
// to the first read on the connection, so handshake failures surface in the
// worker, not in the manager's accept path.
type StdTLSAdapter struct {
	Config *tls.Config
}

func (a *StdTLSAdapter) Bind(l net.Listener) (net.Listener, error) { return l, nil }

func (a *StdTLSAdapter) Wrap(sock net.Conn) (net.Conn, map[string]string, error) {
	return tls.Server(sock, a.Config), nil, nil
}

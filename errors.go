// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Error taxonomy. All platform-specific errno matching lives here, behind
// classifyTransportError, so the rest of the engine reasons about kinds only.

package hearth

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"syscall"
)

var (
	// ErrEntityTooLarge is returned by body decoders when a configured size
	// ceiling is exceeded.
	ErrEntityTooLarge = errors.New("hearth: entity too large")

	// ErrChunkFraming is returned by the chunked decoder when the framing of
	// the underlying stream cannot be trusted anymore. Not recoverable; the
	// connection must be closed.
	ErrChunkFraming = errors.New("hearth: malformed chunked encoding")

	// ErrTrailersNotReady is returned when trailer headers are requested
	// before the chunked body has been fully drained.
	ErrTrailersNotReady = errors.New("hearth: body not fully read, trailers not available")

	// ErrQueueFull is returned by the worker pool when a connection could not
	// be enqueued within the configured timeout. The caller must drop the
	// connection.
	ErrQueueFull = errors.New("hearth: worker queue full")

	// ErrShutdownRequested may be returned (or wrapped) by a Gateway to
	// request a server-wide shutdown from inside request handling. It is
	// re-raised out of the worker through the server's interrupt state.
	ErrShutdownRequested = errors.New("hearth: shutdown requested")

	// ErrNoTLS is reported by a TLSAdapter when the peer spoke plaintext to a
	// TLS-only port. Triggers the plaintext-rejection path in the connection
	// wrapper.
	ErrNoTLS = errors.New("hearth: plaintext request on a TLS socket")
)

// protocolError is a client-caused protocol violation. The state machine
// answers it with a simple response and ends the transaction.
type protocolError struct {
	status int    // 400, 405, 413, 414, 501, 505
	reason string // short human-readable explanation, sent as the body
}

func (e *protocolError) Error() string {
	return fmt.Sprintf("hearth: protocol error %d: %s", e.status, e.reason)
}

func protoErr(status int, reason string) *protocolError {
	return &protocolError{status: status, reason: reason}
}

// errKind buckets transport errors per the policy each bucket carries.
type errKind int

const (
	kindOther      errKind = iota // unexpected, log loudly, best-effort 500
	kindDisconnect                // expected peer disconnect, silently drop
	kindTimeout                   // socket i/o timeout, 408 if a request had started
	kindNoTLS                     // plaintext hit a TLS-only port
)

// classifyTransportError maps a transport-level error onto the taxonomy. The
// allow-list of "expected disconnect" conditions was assembled empirically
// across platforms; extend it here and nowhere else.
func classifyTransportError(err error) errKind {
	if err == nil {
		return kindOther
	}
	var recordErr tls.RecordHeaderError
	if errors.As(err, &recordErr) {
		return kindNoTLS
	}
	if errors.Is(err, ErrNoTLS) {
		return kindNoTLS
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return kindTimeout
	}
	if os.IsTimeout(err) {
		return kindTimeout
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) {
		return kindDisconnect
	}
	for _, errno := range expectedErrnos {
		if errors.Is(err, errno) {
			return kindDisconnect
		}
	}
	return kindOther
}

// expectedErrnos are transport failures that simply mean the peer is gone (or
// going). They are never logged as errors and never propagated.
var expectedErrnos = []syscall.Errno{
	syscall.EPIPE,
	syscall.ECONNRESET,
	syscall.ECONNABORTED,
	syscall.ENOTCONN,
	syscall.ESHUTDOWN,
	syscall.EINTR,
	syscall.EAGAIN,
	syscall.EWOULDBLOCK,
	syscall.EPROTOTYPE, // macOS quirk during close
	syscall.EHOSTDOWN,
	syscall.ENETRESET,
}

// ignorableShutdownError reports whether an error from shutting down an
// already half-dead socket can be ignored during close.
func ignorableShutdownError(err error) bool {
	if err == nil {
		return true
	}
	if errors.Is(err, net.ErrClosed) {
		return true
	}
	return classifyTransportError(err) == kindDisconnect
}

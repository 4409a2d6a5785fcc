// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hearth

import (
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyTransportError(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want errKind
	}{
		{"eof", io.EOF, kindDisconnect},
		{"unexpected eof", io.ErrUnexpectedEOF, kindDisconnect},
		{"net closed", net.ErrClosed, kindDisconnect},
		{"epipe", syscall.EPIPE, kindDisconnect},
		{"econnreset", syscall.ECONNRESET, kindDisconnect},
		{"wrapped reset", fmt.Errorf("write: %w", &net.OpError{Op: "write", Err: syscall.ECONNRESET}), kindDisconnect},
		{"timeout", timeoutErr{}, kindTimeout},
		{"record header", tls.RecordHeaderError{Msg: "not tls"}, kindNoTLS},
		{"no tls sentinel", ErrNoTLS, kindNoTLS},
		{"plain error", errors.New("boom"), kindOther},
		{"nil", nil, kindOther},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, classifyTransportError(tt.err))
		})
	}
}

func TestIgnorableShutdownError(t *testing.T) {
	t.Parallel()

	assert.True(t, ignorableShutdownError(nil))
	assert.True(t, ignorableShutdownError(net.ErrClosed))
	assert.True(t, ignorableShutdownError(syscall.ENOTCONN))
	assert.False(t, ignorableShutdownError(errors.New("boom")))
}

func TestProtocolErrorMessage(t *testing.T) {
	t.Parallel()

	err := protoErr(501, "Unknown transfer encoding")
	assert.Contains(t, err.Error(), "501")
	assert.Contains(t, err.Error(), "Unknown transfer encoding")

	var perr *protocolError
	assert.True(t, errors.As(fmt.Errorf("wrapped: %w", err), &perr))
	assert.Equal(t, 501, perr.status)
}

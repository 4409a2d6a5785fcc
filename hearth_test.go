// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hearth

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeAddr string

func (a fakeAddr) Network() string { return "fake" }
func (a fakeAddr) String() string  { return string(a) }

// fakeSock scripts the read side of a net.Conn from a byte slice and collects
// the write side into a buffer. Once the scripted input runs out, reads
// return finalErr (io.EOF when unset), simulating a peer close or timeout.
type fakeSock struct {
	in       *bytes.Reader
	finalErr error
	maxRead  int // cap on bytes delivered per Read call; 0 means no cap
	out      bytes.Buffer
	closed   atomic.Bool
}

func newFakeSock(input []byte) *fakeSock {
	return &fakeSock{in: bytes.NewReader(input)}
}

func (f *fakeSock) Read(p []byte) (int, error) {
	if f.maxRead > 0 && len(p) > f.maxRead {
		p = p[:f.maxRead]
	}
	n, err := f.in.Read(p)
	if errors.Is(err, io.EOF) && f.finalErr != nil {
		err = f.finalErr
	}
	return n, err
}

func (f *fakeSock) Write(p []byte) (int, error) { return f.out.Write(p) }

func (f *fakeSock) Close() error { f.closed.Store(true); return nil }

func (f *fakeSock) LocalAddr() net.Addr              { return fakeAddr("local") }
func (f *fakeSock) RemoteAddr() net.Addr             { return fakeAddr("remote") }
func (f *fakeSock) SetDeadline(time.Time) error      { return nil }
func (f *fakeSock) SetReadDeadline(time.Time) error  { return nil }
func (f *fakeSock) SetWriteDeadline(time.Time) error { return nil }

// timeoutErr satisfies net.Error with Timeout() == true.
type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

// newTestServer builds a server ready enough for transaction-level tests:
// a manager and a pool exist (unstarted), and the server reports ready so
// the keep-alive capacity gate behaves as it does in production.
func newTestServer(t *testing.T, mutate func(*Options), gw Gateway) *Server {
	t.Helper()
	opts := DefaultOptions()
	opts.MinWorkers = 1
	if mutate != nil {
		mutate(&opts)
	}
	if gw == nil {
		gw = GatewayFunc(func(r *Request) error { return nil })
	}
	s, err := NewServer(opts, gw)
	require.NoError(t, err)
	s.manager = newConnManager(s, nil, -1)
	s.pool = newWorkerPool(s)
	s.ready.Store(true)
	return s
}

// newTestConn wraps a fakeSock scripted with raw into a conn on s.
func newTestConn(s *Server, raw string) (*conn, *fakeSock) {
	sock := newFakeSock([]byte(raw))
	return newConn(s, sock, nil), sock
}

// parseOK parses raw and requires no transport error; protocol violations
// still yield a Request with Ready == false and a response in sock.out.
func parseOK(t *testing.T, raw string, mutate func(*Options)) (*Request, *fakeSock) {
	t.Helper()
	s := newTestServer(t, mutate, nil)
	c, sock := newTestConn(s, raw)
	req := newRequest(s, c)
	require.NoError(t, req.parse())
	return req, sock
}

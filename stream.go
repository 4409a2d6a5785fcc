// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Socket stream adapters. A raw bidirectional socket is presented as two
// independent buffered streams, each counting bytes moved. The same adapters
// serve plaintext and TLS-wrapped sockets.

package hearth

import (
	"bytes"
	"errors"
	"io"
	"net"
	"sync/atomic"
	"syscall"
	"time"
)

const defaultStreamBufSize = 8192

// connReader is the buffered read side of a connection.
type connReader struct {
	conn      net.Conn
	timeout   time.Duration // read timeout per operation, 0 means none
	lastRead  time.Time     // deadline of last read operation
	buf       []byte
	r, w      int // unconsumed bytes are buf[r:w]
	sawEOF    bool
	bytesRead atomic.Int64
}

func newConnReader(conn net.Conn, timeout time.Duration, bufSize int) *connReader {
	if bufSize <= 0 {
		bufSize = defaultStreamBufSize
	}
	return &connReader{
		conn:    conn,
		timeout: timeout,
		buf:     make([]byte, bufSize),
	}
}

// setReadDeadline refreshes the read deadline, skipping the syscall when the
// previous deadline is less than a second away from the new one.
func (cr *connReader) setReadDeadline() error {
	if cr.timeout <= 0 {
		return nil
	}
	if deadline := time.Now().Add(cr.timeout); deadline.Sub(cr.lastRead) >= time.Second {
		if err := cr.conn.SetReadDeadline(deadline); err != nil {
			return err
		}
		cr.lastRead = deadline
	}
	return nil
}

// fill performs one underlying read into the (empty) buffer.
func (cr *connReader) fill() error {
	if cr.sawEOF {
		return io.EOF
	}
	cr.r, cr.w = 0, 0
	if err := cr.setReadDeadline(); err != nil {
		return err
	}
	n, err := cr.conn.Read(cr.buf)
	if n > 0 {
		cr.w = n
		cr.bytesRead.Add(int64(n))
	}
	if err != nil {
		if errors.Is(err, io.EOF) {
			cr.sawEOF = true
			if n > 0 {
				return nil
			}
		}
		return err
	}
	return nil
}

// Read implements io.Reader over the buffered stream.
func (cr *connReader) Read(p []byte) (int, error) {
	if len(p) == 0 {
		return 0, nil
	}
	if cr.r == cr.w {
		if err := cr.fill(); err != nil {
			return 0, err
		}
	}
	n := copy(p, cr.buf[cr.r:cr.w])
	cr.r += n
	return n, nil
}

// ReadFull reads exactly len(p) bytes, looping over short underlying reads.
// The underlying transport may deliver short reads, especially under TLS.
func (cr *connReader) ReadFull(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		n, err := cr.Read(p[total:])
		total += n
		if err != nil {
			if errors.Is(err, io.EOF) && total > 0 {
				return total, io.ErrUnexpectedEOF
			}
			return total, err
		}
	}
	return total, nil
}

// ReadLine returns one line including its trailing '\n', reading at most max
// bytes. A line longer than max is returned truncated at max bytes without an
// error; the caller decides policy. On clean EOF with no bytes read it
// returns (nil, io.EOF).
func (cr *connReader) ReadLine(max int) ([]byte, error) {
	var line []byte
	for max <= 0 || len(line) < max {
		if cr.r == cr.w {
			if err := cr.fill(); err != nil {
				if errors.Is(err, io.EOF) && len(line) > 0 {
					return line, nil
				}
				return line, err
			}
		}
		window := cr.buf[cr.r:cr.w]
		if max > 0 {
			if room := max - len(line); room < len(window) {
				window = window[:room]
			}
		}
		if i := bytes.IndexByte(window, '\n'); i >= 0 {
			line = append(line, window[:i+1]...)
			cr.r += i + 1
			return line, nil
		}
		line = append(line, window...)
		cr.r += len(window)
	}
	return line, nil
}

// HasData reports whether the read buffer currently holds unconsumed bytes.
// Used to decide whether a handed-back connection already has a pipelined
// request queued up and can skip the multiplexer round-trip.
func (cr *connReader) HasData() bool { return cr.r < cr.w }

func (cr *connReader) BytesRead() int64 { return cr.bytesRead.Load() }

// connWriter is the write side of a connection. Writes are unbuffered but
// complete: partial underlying writes and would-block conditions are retried
// until the whole buffer is on the wire.
type connWriter struct {
	conn         net.Conn
	timeout      time.Duration
	lastWrite    time.Time
	bytesWritten atomic.Int64
}

func newConnWriter(conn net.Conn, timeout time.Duration) *connWriter {
	return &connWriter{conn: conn, timeout: timeout}
}

func (cw *connWriter) setWriteDeadline() error {
	if cw.timeout <= 0 {
		return nil
	}
	if deadline := time.Now().Add(cw.timeout); deadline.Sub(cw.lastWrite) >= time.Second {
		if err := cw.conn.SetWriteDeadline(deadline); err != nil {
			return err
		}
		cw.lastWrite = deadline
	}
	return nil
}

// Write writes the complete buffer, never silently dropping bytes.
func (cw *connWriter) Write(p []byte) (int, error) {
	total := 0
	for total < len(p) {
		if err := cw.setWriteDeadline(); err != nil {
			return total, err
		}
		n, err := cw.conn.Write(p[total:])
		total += n
		if n > 0 {
			cw.bytesWritten.Add(int64(n))
		}
		if err != nil {
			// A non-blocking transport may report would-block with part of
			// the buffer written. Retry the unwritten remainder.
			if errors.Is(err, syscall.EAGAIN) || errors.Is(err, syscall.EWOULDBLOCK) {
				continue
			}
			return total, err
		}
	}
	return total, nil
}

func (cw *connWriter) BytesWritten() int64 { return cw.bytesWritten.Load() }

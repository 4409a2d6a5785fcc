// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Body decoders. Three interchangeable readers over a connection's input
// stream: size-capped passthrough, fixed-length (Content-Length), and chunked
// transfer-coding (RFC 9112 section 7.1). All expose the same bounded,
// EOF-terminated contract.

package hearth

import (
	"errors"
	"io"
	"strconv"
	"strings"
)

// BodyReader is the uniform contract shared by the decoders.
type BodyReader interface {
	io.Reader
	// ReadLine returns one line including its trailing '\n', reading at most
	// max bytes (0 means no bound).
	ReadLine(max int) ([]byte, error)
	Close() error
}

// ReadLines reads lines until EOF or until roughly hint bytes have been
// returned (0 means no hint).
func ReadLines(br BodyReader, hint int) ([][]byte, error) {
	var lines [][]byte
	total := 0
	for {
		line, err := br.ReadLine(0)
		if len(line) > 0 {
			lines = append(lines, line)
			total += len(line)
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return lines, nil
			}
			return lines, err
		}
		if len(line) == 0 {
			return lines, nil
		}
		if hint > 0 && total >= hint {
			return lines, nil
		}
	}
}

// readLineLimited reads one '\n'-terminated line byte-wise from r, at most
// max bytes. The sources it runs over are buffered, so byte-wise is cheap.
func readLineLimited(r io.Reader, max int) ([]byte, error) {
	var line []byte
	var b [1]byte
	for max <= 0 || len(line) < max {
		n, err := r.Read(b[:])
		if n > 0 {
			line = append(line, b[0])
			if b[0] == '\n' {
				return line, nil
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) > 0 {
				return line, nil
			}
			return line, err
		}
	}
	return line, nil
}

// cappedReader passes reads through while enforcing a cumulative ceiling.
// Used while reading the request line and header section, with the ceiling
// set to the maximum header size.
type cappedReader struct {
	src   *connReader
	limit int64 // 0 means unlimited
	count int64
}

func newCappedReader(src *connReader, limit int64) *cappedReader {
	return &cappedReader{src: src, limit: limit}
}

func (r *cappedReader) Read(p []byte) (int, error) {
	n, err := r.src.Read(p)
	r.count += int64(n)
	if err == nil && r.limit > 0 && r.count > r.limit {
		err = ErrEntityTooLarge
	}
	return n, err
}

// ReadLine enforces the ceiling while the line is being read, not after: the
// underlying read is bounded by the remaining budget, so an unterminated line
// can never hold more than the budget in memory before failing.
func (r *cappedReader) ReadLine(max int) ([]byte, error) {
	bound := max
	if r.limit > 0 {
		budget := r.limit - r.count
		if budget <= 0 {
			return nil, ErrEntityTooLarge
		}
		if bound <= 0 || budget < int64(bound) {
			bound = int(budget)
		}
	}
	line, err := r.src.ReadLine(bound)
	r.count += int64(len(line))
	if err == nil && r.limit > 0 && r.count >= r.limit && (len(line) == 0 || line[len(line)-1] != '\n') {
		err = ErrEntityTooLarge
	}
	return line, err
}

func (r *cappedReader) Close() error { return nil }

// lengthReader reads exactly a declared Content-Length worth of bytes, then
// reports EOF with no further underlying I/O. This is what lets the next
// request on a kept-alive connection be read immediately after, never short
// by leftover body bytes.
type lengthReader struct {
	src       *connReader
	remaining int64
}

func newLengthReader(src *connReader, length int64) *lengthReader {
	return &lengthReader{src: src, remaining: length}
}

func (r *lengthReader) Read(p []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}
	if int64(len(p)) > r.remaining {
		p = p[:r.remaining]
	}
	n, err := r.src.Read(p)
	r.remaining -= int64(n)
	if errors.Is(err, io.EOF) && r.remaining > 0 {
		err = io.ErrUnexpectedEOF
	}
	return n, err
}

func (r *lengthReader) ReadLine(max int) ([]byte, error) {
	if r.remaining <= 0 {
		return nil, io.EOF
	}
	return readLineLimited(r, max)
}

// drain discards any unread remainder of the body, keeping the connection
// framing consistent for the next request.
func (r *lengthReader) drain() error {
	for r.remaining > 0 {
		var scratch [4096]byte
		if _, err := r.Read(scratch[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
	}
	return nil
}

func (r *lengthReader) Close() error { return nil }

// chunkedReader decodes chunked transfer-coding. A chunk-size of zero marks
// end-of-body; a trailer-header block may follow and is readable through
// ReadTrailers once the body has been drained. A framing mismatch is fatal:
// the connection must be closed.
type chunkedReader struct {
	src            *connReader
	limit          int64 // cumulative ceiling across all fetched bytes, 0 means none
	fetched        int64
	remainingChunk int64
	done           bool // zero chunk seen
	trailersRead   bool
	trailers       []Header
}

func newChunkedReader(src *connReader, limit int64) *chunkedReader {
	return &chunkedReader{src: src, limit: limit}
}

const maxChunkLineBytes = 1024

func (r *chunkedReader) Read(p []byte) (int, error) {
	if r.done {
		return 0, io.EOF
	}
	if r.remainingChunk == 0 {
		if err := r.nextChunk(); err != nil {
			return 0, err
		}
		if r.done {
			return 0, io.EOF
		}
	}
	if int64(len(p)) > r.remainingChunk {
		p = p[:r.remainingChunk]
	}
	n, err := r.src.Read(p)
	r.remainingChunk -= int64(n)
	r.fetched += int64(n)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = ErrChunkFraming
		}
		return n, err
	}
	if r.limit > 0 && r.fetched > r.limit {
		return n, ErrEntityTooLarge
	}
	if r.remainingChunk == 0 {
		if err := r.chunkCRLF(); err != nil {
			return n, err
		}
	}
	return n, nil
}

// nextChunk reads the chunk-size line: chunk-size [;chunk-ext] CRLF. Chunk
// extensions are recognized but not acted upon.
func (r *chunkedReader) nextChunk() error {
	line, err := r.src.ReadLine(maxChunkLineBytes)
	if err != nil {
		if errors.Is(err, io.EOF) {
			return ErrChunkFraming
		}
		return err
	}
	r.fetched += int64(len(line))
	if r.limit > 0 && r.fetched > r.limit {
		return ErrEntityTooLarge
	}
	text := strings.TrimRight(string(line), "\r\n")
	if i := strings.IndexByte(text, ';'); i >= 0 {
		text = text[:i]
	}
	text = strings.TrimSpace(text)
	size, perr := strconv.ParseInt(text, 16, 64)
	if perr != nil || size < 0 {
		return ErrChunkFraming
	}
	if r.limit > 0 && r.fetched+size > r.limit {
		return ErrEntityTooLarge
	}
	if size == 0 {
		r.done = true
		return nil
	}
	r.remainingChunk = size
	return nil
}

// chunkCRLF consumes the mandatory CRLF after chunk data. A mismatch means
// the stream framing cannot be trusted anymore.
func (r *chunkedReader) chunkCRLF() error {
	var crlf [2]byte
	if _, err := r.src.ReadFull(crlf[:]); err != nil {
		return ErrChunkFraming
	}
	r.fetched += 2
	if crlf[0] != '\r' || crlf[1] != '\n' {
		return ErrChunkFraming
	}
	return nil
}

func (r *chunkedReader) ReadLine(max int) ([]byte, error) {
	if r.done {
		return nil, io.EOF
	}
	return readLineLimited(r, max)
}

// ReadTrailers reads the trailer-header block following the zero chunk.
// Calling it before the body is fully drained is a usage error.
func (r *chunkedReader) ReadTrailers() ([]Header, error) {
	if !r.done {
		return nil, ErrTrailersNotReady
	}
	if r.trailersRead {
		return r.trailers, nil
	}
	for {
		line, err := r.src.ReadLine(maxChunkLineBytes)
		if err != nil {
			return nil, ErrChunkFraming
		}
		r.fetched += int64(len(line))
		if r.limit > 0 && r.fetched > r.limit {
			return nil, ErrEntityTooLarge
		}
		text := strings.TrimRight(string(line), "\r\n")
		if text == "" { // end of trailer section
			break
		}
		name, value, ok := strings.Cut(text, ":")
		if !ok {
			return nil, ErrChunkFraming
		}
		r.trailers = append(r.trailers, Header{
			Name:  titleCaseHeader(strings.TrimSpace(name)),
			Value: strings.TrimSpace(value),
		})
	}
	r.trailersRead = true
	return r.trailers, nil
}

// Close drains the trailer section if the body has been read to its end, so
// a kept-alive connection stays correctly framed.
func (r *chunkedReader) Close() error {
	if r.done && !r.trailersRead {
		if _, err := r.ReadTrailers(); err != nil {
			return err
		}
	}
	return nil
}

// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Response serialization: lazy header emission, chunked transfer-coding on
// the write side, and the minimal simple-response path used for
// protocol-level rejections.

package hearth

import (
	"strconv"
	"strings"
	"time"
)

// statusTexts covers the codes the engine itself emits; gateways supply full
// status strings directly.
var statusTexts = map[int]string{
	100: "Continue",
	200: "OK",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Request Entity Too Large",
	414: "Request-URI Too Long",
	500: "Internal Server Error",
	501: "Not Implemented",
	505: "HTTP Version Not Supported",
}

func statusLine(code int) string {
	text, ok := statusTexts[code]
	if !ok {
		text = "Unknown"
	}
	return strconv.Itoa(code) + " " + text
}

func httpDate(t time.Time) string {
	return t.UTC().Format("Mon, 02 Jan 2006 15:04:05 GMT")
}

// SetStatus sets the response status line, e.g. "200 OK".
func (r *Request) SetStatus(status string) { r.Status = status }

// AddOutHeader appends an outbound header. Order is preserved and duplicates
// are allowed.
func (r *Request) AddOutHeader(name, value string) {
	r.OutHeaders = append(r.OutHeaders, Header{Name: name, Value: value})
}

func (r *Request) hasOutHeader(name string) bool {
	for _, h := range r.OutHeaders {
		if strings.EqualFold(h.Name, name) {
			return true
		}
	}
	return false
}

func (r *Request) statusCode() int {
	code, err := strconv.Atoi(strings.SplitN(r.Status, " ", 2)[0])
	if err != nil {
		return 200
	}
	return code
}

// Write sends a response body chunk, emitting headers first if they have not
// gone out yet. In chunked-write mode each chunk is framed as
// <hex-size>CRLF<data>CRLF.
func (r *Request) Write(p []byte) (int, error) {
	if !r.sentHeaders {
		if err := r.sendHeaders(); err != nil {
			return 0, err
		}
	}
	if len(p) == 0 {
		return 0, nil
	}
	if r.chunkedWrite {
		buf := make([]byte, 0, len(p)+16)
		buf = strconv.AppendInt(buf, int64(len(p)), 16)
		buf = append(buf, '\r', '\n')
		buf = append(buf, p...)
		buf = append(buf, '\r', '\n')
		if _, err := r.conn.writer.Write(buf); err != nil {
			return 0, err
		}
		return len(p), nil
	}
	return r.conn.writer.Write(p)
}

// sendHeaders emits the status line and headers in one write. This is the
// first byte of the response, fired lazily on the first Write or explicitly
// at the end of the transaction.
func (r *Request) sendHeaders() error {
	code := r.statusCode()

	if code == 413 {
		// The request body can no longer be trusted; the framing is gone.
		r.closeConnection = true
	} else if !r.hasOutHeader("Content-Length") {
		// The length is only knowable by closing, unless the status class
		// forbids a body or chunked transfer-coding is available.
		if code >= 200 && code != 204 && code != 304 {
			if r.RespProto == (Proto{1, 1}) && r.Method != "HEAD" {
				r.chunkedWrite = true
				r.AddOutHeader("Transfer-Encoding", "chunked")
			} else {
				r.closeConnection = true
			}
		}
	}

	// No room for another kept-alive connection: close once done.
	if !r.closeConnection && !r.server.canAddKeepaliveConnection() {
		r.closeConnection = true
	}

	// HTTP/1.1 persistence is the default and needs no advertising; only the
	// explicit HTTP/1.0 Keep-Alive carries the timeout hint alongside it.
	announcedKeepAlive := false
	if !r.hasOutHeader("Connection") {
		if r.RespProto == (Proto{1, 1}) {
			if r.closeConnection {
				r.AddOutHeader("Connection", "close")
			}
		} else if !r.closeConnection {
			r.AddOutHeader("Connection", "Keep-Alive")
			announcedKeepAlive = true
		}
	}
	if announcedKeepAlive && !r.hasOutHeader("Keep-Alive") {
		if timeout := r.server.opts.IdleTimeout; timeout > 0 {
			r.AddOutHeader("Keep-Alive", "timeout="+strconv.Itoa(int(timeout.Seconds())))
		}
	}

	// RFC 9112 (section 9.3): a server that keeps the connection open must
	// read the whole declared body before the next request; drain whatever
	// the gateway left unread.
	if !r.closeConnection && !r.chunkedRead {
		if lr, ok := r.body.(*lengthReader); ok {
			if err := lr.drain(); err != nil {
				r.closeConnection = true
			}
		}
	}

	if !r.hasOutHeader("Date") {
		r.AddOutHeader("Date", httpDate(time.Now()))
	}
	if !r.hasOutHeader("Server") {
		r.AddOutHeader("Server", r.server.opts.ServerName)
	}

	var sb strings.Builder
	sb.WriteString(r.RespProto.String())
	sb.WriteByte(' ')
	sb.WriteString(r.Status)
	sb.WriteString("\r\n")
	for _, h := range r.OutHeaders {
		sb.WriteString(h.Name)
		sb.WriteString(": ")
		sb.WriteString(h.Value)
		sb.WriteString("\r\n")
	}
	sb.WriteString("\r\n")

	r.sentHeaders = true
	_, err := r.conn.writer.Write([]byte(sb.String()))
	return err
}

// simpleResponse hand-serializes a minimal response for protocol-level
// rejections, bypassing the gateway-driven path entirely.
func (r *Request) simpleResponse(code int, reason string) {
	status := statusLine(code)
	if reason == "" {
		reason = statusTexts[code]
	}
	body := reason

	var sb strings.Builder
	writeHead := func() {
		// The status line always advertises the server's protocol ceiling; the
		// effective version may not have been negotiated yet.
		sb.WriteString(r.server.proto.String())
		sb.WriteByte(' ')
		sb.WriteString(status)
		sb.WriteString("\r\n")
		sb.WriteString("Content-Length: ")
		sb.WriteString(strconv.Itoa(len(body)))
		sb.WriteString("\r\n")
		sb.WriteString("Content-Type: text/plain\r\n")
	}
	writeHead()

	if code == 413 || code == 414 {
		// The framing can no longer be trusted.
		r.closeConnection = true
		if r.RespProto == (Proto{1, 1}) {
			sb.WriteString("Connection: close\r\n")
		} else {
			// HTTP/1.0 (or undetermined) has no such convention; downgrade
			// to a generic rejection.
			status = statusLine(400)
			sb.Reset()
			writeHead()
		}
	}
	sb.WriteString("\r\n")
	sb.WriteString(body)

	r.conn.writer.Write([]byte(sb.String())) // best effort; we are aborting anyway
	r.sentHeaders = true
}

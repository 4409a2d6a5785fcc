// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Request parsing state machine. One Request represents one HTTP transaction
// within a connection; transactions are strictly sequential. See RFC 9112
// sections 2 and 3 for the framing rules enforced here.

package hearth

import (
	"errors"
	"io"
	"net/textproto"
	"net/url"
	"regexp"
	"strconv"
	"strings"
)

// parseState tracks the request through its transitions. stateError is an
// absorbing state reachable from any point before stateReady.
type parseState int

const (
	stateNew parseState = iota
	stateLineParsed
	stateHeadersParsed
	stateReady
	stateResponding
	stateDone
	stateError
)

// Proto is an HTTP protocol version.
type Proto struct {
	Major, Minor int
}

func (p Proto) String() string {
	return "HTTP/" + strconv.Itoa(p.Major) + "." + strconv.Itoa(p.Minor)
}

// parseProto accepts exactly "HTTP/<major>.<minor>" with integer components.
func parseProto(token string) (Proto, bool) {
	rest, ok := strings.CutPrefix(token, "HTTP/")
	if !ok {
		return Proto{}, false
	}
	major, minor, ok := strings.Cut(rest, ".")
	if !ok || strings.Contains(minor, ".") {
		return Proto{}, false
	}
	maj, err1 := strconv.Atoi(major)
	min, err2 := strconv.Atoi(minor)
	if err1 != nil || err2 != nil || maj < 0 || min < 0 {
		return Proto{}, false
	}
	return Proto{maj, min}, true
}

// lowerProto returns the lower of two protocol versions.
func lowerProto(a, b Proto) Proto {
	if a.Major < b.Major || (a.Major == b.Major && a.Minor < b.Minor) {
		return a
	}
	return b
}

// Header is one outbound (or trailer) header field. Order-preserving,
// duplicates allowed.
type Header struct {
	Name  string
	Value string
}

// HeaderPolicy is the injected header-filtering strategy. Allow may drop
// specific header names outright before storage; TransformKey normalizes
// names. Zero values mean "allow everything" and title-case normalization.
type HeaderPolicy struct {
	Allow        func(name string) bool
	TransformKey func(name string) string
}

func (hp HeaderPolicy) allow(name string) bool {
	if hp.Allow == nil {
		return true
	}
	return hp.Allow(name)
}

func (hp HeaderPolicy) transformKey(name string) string {
	if hp.TransformKey == nil {
		return titleCaseHeader(name)
	}
	return hp.TransformKey(name)
}

func titleCaseHeader(name string) string {
	return textproto.CanonicalMIMEHeaderKey(name)
}

// commaSeparatedHeaders fold repeated occurrences into one comma-joined
// value instead of overwriting.
var commaSeparatedHeaders = map[string]bool{
	"Accept":             true,
	"Accept-Charset":     true,
	"Accept-Encoding":    true,
	"Accept-Language":    true,
	"Accept-Ranges":      true,
	"Allow":              true,
	"Cache-Control":      true,
	"Connection":         true,
	"Content-Encoding":   true,
	"Content-Language":   true,
	"Expect":             true,
	"If-Match":           true,
	"If-None-Match":      true,
	"Pragma":             true,
	"Proxy-Authenticate": true,
	"Te":                 true,
	"Trailer":            true,
	"Transfer-Encoding":  true,
	"Upgrade":            true,
	"Vary":               true,
	"Via":                true,
	"Warning":            true,
	"Www-Authenticate":   true,
}

// quotedSlash matches a percent-encoded slash, which must be preserved
// undecoded to avoid conflating encoded slashes with path separators.
var quotedSlash = regexp.MustCompile(`(?i)%2f`)

// absoluteForm matches a request-target carrying a scheme.
var absoluteForm = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9+.-]*://`)

// errNoRequest means the peer closed the transport before sending anything;
// there is no request at all and no response is owed.
var errNoRequest = errors.New("hearth: no request")

// Request is one HTTP transaction within a connection.
type Request struct {
	server *Server
	conn   *conn
	head   *cappedReader // size-capped reader for the request line and headers
	state  parseState

	Method      string
	Target      string // raw request-target
	Authority   string
	Path        string
	QueryString string
	ReqProto    Proto // declared by the client
	RespProto   Proto // negotiated effective version
	InHeaders   map[string]string
	OutHeaders  []Header
	Status      string // e.g. "200 OK"

	body          BodyReader
	contentLength int64 // -1 when no Content-Length was declared

	Ready           bool // successfully parsed through stateReady
	closeConnection bool // this request mandates connection close
	chunkedRead     bool // request body uses chunked transfer-coding
	chunkedWrite    bool // response uses chunked transfer-coding
	sentHeaders     bool
	startedRequest  bool // some request bytes arrived (408 vs silent timeout)
	expect100       bool
}

func newRequest(s *Server, c *conn) *Request {
	return &Request{
		server:        s,
		conn:          c,
		head:          newCappedReader(c.reader, s.opts.MaxHeaderBytes),
		InHeaders:     make(map[string]string),
		contentLength: -1,
		Status:        "200 OK",
	}
}

// parse drives NEW -> READY. Protocol violations are answered with a simple
// response here; Ready stays false and the returned error is nil. Transport
// errors are returned to the connection wrapper for classification.
func (r *Request) parse() error {
	if err := r.readRequestLine(); err != nil {
		return r.abort(err)
	}
	r.state = stateLineParsed
	if err := r.readHeaderSection(); err != nil {
		return r.abort(err)
	}
	r.state = stateHeadersParsed
	r.state = stateReady
	r.Ready = true
	return nil
}

// abort enters the absorbing error state. Client-caused violations get their
// simple response right here; everything else propagates.
func (r *Request) abort(err error) error {
	lineParsed := r.state >= stateLineParsed
	r.state = stateError
	var perr *protocolError
	if errors.As(err, &perr) {
		r.simpleResponse(perr.status, perr.reason)
		return nil
	}
	if errors.Is(err, ErrEntityTooLarge) {
		if !lineParsed || r.Method == "" {
			r.simpleResponse(414, "Request-URI Too Long")
		} else {
			r.simpleResponse(413, "Request Entity Too Large")
		}
		return nil
	}
	return err
}

func (r *Request) readRequestLine() error {
	line, err := r.head.ReadLine(0)
	r.startedRequest = len(line) > 0
	if err != nil {
		if errors.Is(err, io.EOF) && !r.startedRequest {
			return errNoRequest
		}
		return err
	}

	// RFC 9112 (section 2.2): a server that is expecting to receive and
	// parse a request-line SHOULD ignore at least one empty line (CRLF)
	// received prior to the request-line. Exactly one; a second stray CRLF
	// is parsed as a (malformed) request line.
	if string(line) == "\r\n" || string(line) == "\n" {
		line, err = r.head.ReadLine(0)
		if err != nil {
			if errors.Is(err, io.EOF) && len(line) == 0 {
				return errNoRequest
			}
			return err
		}
	}

	text, ok := strings.CutSuffix(string(line), "\r\n")
	if !ok {
		return protoErr(400, "HTTP requires CRLF terminators")
	}

	parts := strings.Split(text, " ")
	if len(parts) != 3 {
		return protoErr(400, "Malformed Request-Line")
	}
	method, target, protoToken := parts[0], parts[1], parts[2]
	if method == "" || target == "" {
		return protoErr(400, "Malformed Request-Line")
	}

	reqProto, ok := parseProto(protoToken)
	if !ok {
		return protoErr(400, "Malformed Request-Line: bad version")
	}

	// HTTP method names are case-sensitive tokens; in strict mode a
	// non-uppercase method is rejected outright.
	if r.server.opts.Strict && method != strings.ToUpper(method) {
		return protoErr(400, "Malformed method name: According to RFC 2616 (padded by RFC 7230) it must be uppercase")
	}
	r.Method = method
	r.Target = target
	r.ReqProto = reqProto

	serverProto := r.server.proto
	if reqProto.Major != serverProto.Major {
		return protoErr(505, "Cannot fulfill request")
	}
	r.RespProto = lowerProto(reqProto, serverProto)

	return r.parseTarget(target)
}

func (r *Request) parseTarget(target string) error {
	opts := &r.server.opts

	if strings.Contains(target, "#") {
		return protoErr(400, "Illegal #fragment in Request-URI")
	}

	switch {
	case r.Method == "OPTIONS":
		// An asterisk-form or origin-form target is used as-is; an
		// absolute-form target is permitted only in proxy mode, otherwise it
		// is treated as an opaque path.
		if target == "*" {
			r.Path = "*"
			return nil
		}
		if absoluteForm.MatchString(target) && opts.ProxyMode {
			return r.parseAbsolute(target)
		}
		return r.parseOrigin(target, false)

	case r.Method == "CONNECT":
		if !opts.ProxyMode {
			return protoErr(405, "Method Not Allowed")
		}
		// authority-form: a bare authority:port, nothing else.
		if absoluteForm.MatchString(target) || strings.ContainsAny(target, "/?") {
			return protoErr(400, "Invalid path in Request-URI: request-target must match authority-form")
		}
		r.Authority = target
		return nil

	default:
		if absoluteForm.MatchString(target) {
			if opts.ProxyMode && !opts.Strict {
				return r.parseAbsolute(target)
			}
			return protoErr(400, "Absolute URI not allowed if server is not a proxy")
		}
		return r.parseOrigin(target, opts.Strict)
	}
}

func (r *Request) parseAbsolute(target string) error {
	u, err := url.ParseRequestURI(target)
	if err != nil || u.Host == "" {
		return protoErr(400, "Invalid path in Request-URI")
	}
	r.Authority = u.Host
	r.QueryString = u.RawQuery
	path := u.EscapedPath()
	decoded, derr := decodePath(path)
	if derr != nil {
		return protoErr(400, "Invalid path in Request-URI: "+derr.Error())
	}
	r.Path = decoded
	return nil
}

func (r *Request) parseOrigin(target string, mustBeRooted bool) error {
	path := target
	if i := strings.IndexByte(target, '?'); i >= 0 {
		path, r.QueryString = target[:i], target[i+1:]
	}
	if mustBeRooted && !strings.HasPrefix(path, "/") {
		return protoErr(400, "Invalid path in Request-URI: path must begin with a forward slash")
	}
	decoded, err := decodePath(path)
	if err != nil {
		return protoErr(400, "Invalid path in Request-URI: "+err.Error())
	}
	r.Path = decoded
	return nil
}

// decodePath percent-decodes a request path, preserving literal %2F
// (case-insensitively) undecoded.
func decodePath(path string) (string, error) {
	atoms := quotedSlash.Split(path, -1)
	for i, atom := range atoms {
		decoded, err := url.PathUnescape(atom)
		if err != nil {
			return "", err
		}
		atoms[i] = decoded
	}
	return strings.Join(atoms, "%2F"), nil
}

// readHeaderSection reads header lines until the bare-CRLF terminator, then
// applies protocol policy: persistence, transfer-coding, content length, and
// the synchronous 100-continue interim response.
func (r *Request) readHeaderSection() error {
	if err := readHeaderLines(r.head, r.server.headerPolicy, r.InHeaders); err != nil {
		return err
	}

	// Persistence: HTTP/1.1 defaults to persistent unless told to close;
	// HTTP/1.0 defaults to close unless told to keep alive.
	if r.RespProto.Major == 1 && r.RespProto.Minor >= 1 {
		r.closeConnection = headerTokenPresent(r.InHeaders["Connection"], "close")
	} else {
		r.closeConnection = !headerTokenPresent(r.InHeaders["Connection"], "keep-alive")
	}

	// Transfer-Encoding is only inspected for effective HTTP/1.1.
	if r.RespProto == (Proto{1, 1}) {
		if te, ok := r.InHeaders["Transfer-Encoding"]; ok {
			for _, coding := range strings.Split(te, ",") {
				coding = strings.ToLower(strings.TrimSpace(coding))
				if coding == "" {
					continue
				}
				if coding != "chunked" {
					r.closeConnection = true
					return protoErr(501, "Unknown transfer encoding")
				}
				r.chunkedRead = true
			}
		}
	}

	if !r.chunkedRead {
		if cl, ok := r.InHeaders["Content-Length"]; ok {
			n, err := strconv.ParseInt(strings.TrimSpace(cl), 10, 64)
			if err != nil || n < 0 {
				return protoErr(400, "Malformed Content-Length Header")
			}
			r.contentLength = n
			if limit := r.server.opts.MaxBodyBytes; limit > 0 && n > limit {
				return protoErr(413, "The entity sent with the request exceeds the maximum allowed bytes")
			}
		}
	}

	// The peer is blocked waiting for the interim response before sending
	// the body, so it must go out synchronously, before the gateway runs.
	if expect, ok := r.InHeaders["Expect"]; ok && strings.EqualFold(strings.TrimSpace(expect), "100-continue") {
		if r.ReqProto.Major == 1 && r.ReqProto.Minor >= 1 {
			r.expect100 = true
			if _, err := r.conn.writer.Write([]byte(r.server.proto.String() + " 100 Continue\r\n\r\n")); err != nil {
				return err
			}
		}
	}
	return nil
}

// readHeaderLines parses *( field-line CRLF ) CRLF into dst. Continuation
// lines (obsolete line folding) append to the previous field's value.
func readHeaderLines(src BodyReader, policy HeaderPolicy, dst map[string]string) error {
	var lastKey string
	for {
		line, err := src.ReadLine(0)
		if err != nil {
			return err
		}
		text := string(line)
		if text == "\r\n" || text == "\n" {
			return nil // end of header section
		}
		var ok bool
		if text, ok = strings.CutSuffix(text, "\r\n"); !ok {
			return protoErr(400, "Header line must end with CRLF")
		}

		if strings.HasPrefix(text, " ") || strings.HasPrefix(text, "\t") {
			if lastKey == "" {
				return protoErr(400, "Illegal continuation line without preceding header")
			}
			dst[lastKey] += strings.TrimSpace(text)
			continue
		}

		name, value, found := strings.Cut(text, ":")
		if !found {
			return protoErr(400, "Illegal header line")
		}
		key := policy.transformKey(strings.TrimSpace(name))
		value = strings.TrimSpace(value)
		if !policy.allow(key) {
			lastKey = ""
			continue
		}
		if existing, dup := dst[key]; dup && commaSeparatedHeaders[key] {
			dst[key] = existing + ", " + value
		} else {
			dst[key] = value
		}
		lastKey = key
	}
}

// headerTokenPresent reports whether a comma-separated header value contains
// the given token, case-insensitively.
func headerTokenPresent(value, token string) bool {
	for _, part := range strings.Split(value, ",") {
		if strings.EqualFold(strings.TrimSpace(part), token) {
			return true
		}
	}
	return false
}

// HeaderValue returns the inbound header value for name (title-cased lookup),
// or "" when absent.
func (r *Request) HeaderValue(name string) string {
	return r.InHeaders[titleCaseHeader(name)]
}

// Body returns the request body decoder. It is non-nil only while the
// gateway is being invoked.
func (r *Request) Body() BodyReader { return r.body }

// Trailers returns the trailer-header block of a chunked request body. It is
// an error to call it before the body has been fully drained.
func (r *Request) Trailers() ([]Header, error) {
	cr, ok := r.body.(*chunkedReader)
	if !ok {
		return nil, nil
	}
	return cr.ReadTrailers()
}

// respond drives READY -> RESPONDING -> DONE: selects the body decoder,
// invokes the gateway, and completes the response framing.
func (r *Request) respond() error {
	r.state = stateResponding

	limit := r.server.opts.MaxBodyBytes
	if r.chunkedRead {
		r.body = newChunkedReader(r.conn.reader, limit)
	} else {
		length := r.contentLength
		if length < 0 {
			length = 0
		}
		if limit > 0 && length > limit && !r.sentHeaders {
			r.simpleResponse(413, "The entity sent with the request exceeds the maximum allowed bytes")
			return nil
		}
		r.body = newLengthReader(r.conn.reader, length)
	}

	if err := r.server.gateway.Respond(r); err != nil {
		return err
	}

	if !r.sentHeaders {
		if err := r.sendHeaders(); err != nil {
			return err
		}
	}
	if r.chunkedWrite {
		// terminating zero-length chunk
		if _, err := r.conn.writer.Write([]byte("0\r\n\r\n")); err != nil {
			return err
		}
	}
	if err := r.body.Close(); err != nil {
		r.closeConnection = true
	}
	r.state = stateDone
	return nil
}

// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package hearth is a pooled, keep-alive-aware HTTP/1.x connection server.
//
// The engine is a single-process, multi-threaded design: one manager goroutine
// multiplexes readiness over the listening socket and all idle kept-alive
// connections, dispatching ready connections into a bounded worker pool that
// runs each connection's request loop to completion. Both HTTP/1.0 and
// HTTP/1.1 are supported, including chunked transfer-coding in both
// directions, Expect: 100-continue, and CONNECT/absolute-form targets in
// proxy mode. See RFC 9110 and RFC 9112.
//
// Application logic is supplied through the Gateway contract; TLS is supplied
// through the TLSAdapter contract. The core does not route, persist, or speak
// HTTP/2.
package hearth

// Version is the hearth engine version.
const Version = "0.9.0"

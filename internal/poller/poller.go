// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Package poller wraps the platform readiness-multiplexing primitive. All
// platform-specific polling constants live here; callers reason about file
// descriptors and readiness only.
package poller

import "time"

// Event reports one descriptor's readiness.
type Event struct {
	Index int  // index into the fds slice passed to Ready
	Hup   bool // peer hung up or the descriptor is in an error state
}

// MaxWait bounds a single poll call so stop requests and fresh registrations
// are observed promptly; the polling primitive cannot be woken up on
// arbitrary descriptors.
const MaxWait = 50 * time.Millisecond

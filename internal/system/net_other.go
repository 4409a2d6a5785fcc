// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Socket options for the non-Linux unixes.

//go:build unix && !linux

package system

import (
	"syscall"

	"golang.org/x/sys/unix"
)

func SetReusePort(rawConn syscall.RawConn) (err error) {
	rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	return
}

// SetDeferAccept is Linux-only; a no-op here.
func SetDeferAccept(rawConn syscall.RawConn) (err error) {
	return
}

// SetDualStack clears IPV6_V6ONLY so a socket bound to the IPv6 any-address
// also accepts IPv4-mapped peers.
func SetDualStack(rawConn syscall.RawConn) (err error) {
	rawConn.Control(func(fd uintptr) {
		err = unix.SetsockoptInt(int(fd), unix.IPPROTO_IPV6, unix.IPV6_V6ONLY, 0)
	})
	return
}

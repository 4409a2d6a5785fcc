// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build unix

package poller

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"
)

// Ready blocks until at least one of fds is ready for reading, hung up, or in
// error, or until the timeout elapses. The wait is capped at MaxWait so
// registrations made by other goroutines are observed promptly. A signal
// interruption returns an empty event set, not an error.
func Ready(fds []int32, timeout time.Duration) ([]Event, error) {
	if timeout < 0 || timeout > MaxWait {
		timeout = MaxWait
	}
	pfds := make([]unix.PollFd, len(fds))
	for i, fd := range fds {
		pfds[i] = unix.PollFd{Fd: fd, Events: unix.POLLIN}
	}
	n, err := unix.Poll(pfds, int(timeout.Milliseconds()))
	if err != nil {
		if errors.Is(err, unix.EINTR) || errors.Is(err, unix.EAGAIN) {
			return nil, nil
		}
		return nil, err
	}
	if n == 0 {
		return nil, nil
	}
	events := make([]Event, 0, n)
	for i := range pfds {
		re := pfds[i].Revents
		if re == 0 {
			continue
		}
		events = append(events, Event{
			Index: i,
			Hup:   re&(unix.POLLHUP|unix.POLLERR|unix.POLLNVAL) != 0,
		})
	}
	return events, nil
}

// Alive probes whether fd still refers to a valid open descriptor. Used to
// evict broken descriptors after a poll-call failure.
func Alive(fd int32) bool {
	var stat unix.Stat_t
	return unix.Fstat(int(fd), &stat) == nil
}

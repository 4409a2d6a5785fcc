// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

//go:build unix

package poller

import (
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadyReportsReadableDescriptors(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	defer w.Close()

	fd := int32(r.Fd())

	// nothing to read yet: the timeout elapses with no events
	events, err := Ready([]int32{fd}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)

	_, err = w.Write([]byte("x"))
	require.NoError(t, err)

	events, err = Ready([]int32{fd}, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, 0, events[0].Index)
	assert.False(t, events[0].Hup)
}

func TestReadySkipsNegativeDescriptors(t *testing.T) {
	t.Parallel()

	events, err := Ready([]int32{-1}, 10*time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadyReportsHangup(t *testing.T) {
	t.Parallel()

	r, w, err := os.Pipe()
	require.NoError(t, err)
	defer r.Close()
	require.NoError(t, w.Close())

	events, err := Ready([]int32{int32(r.Fd())}, time.Second)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.True(t, events[0].Hup)
}

func TestAlive(t *testing.T) {
	t.Parallel()

	r, _, err := os.Pipe()
	require.NoError(t, err)
	fd := int32(r.Fd())

	assert.True(t, Alive(fd))
	require.NoError(t, r.Close())
	assert.False(t, Alive(fd))
}

// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hearth

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatsRegistryLifecycle(t *testing.T) {
	t.Parallel()

	reg := NewStatsRegistry()
	s := newTestServer(t, nil, nil)

	reg.Register(s)
	snap := reg.Snapshot()
	require.Len(t, snap, 1)
	_, ok := snap[s.InstanceID()]
	assert.True(t, ok)

	reg.Unregister(s.InstanceID())
	assert.Empty(t, reg.Snapshot())
}

func TestStatsCollector(t *testing.T) {
	t.Parallel()

	reg := NewStatsRegistry()
	reg.Register(newTestServer(t, nil, nil))

	// seven metric families, one series each for the single server
	assert.Equal(t, 7, testutil.CollectAndCount(reg.Collector()))
}

func TestServerStatsString(t *testing.T) {
	t.Parallel()

	st := ServerStats{
		BindAddr:        "127.0.0.1:8080",
		Requests:        42,
		BytesRead:       1000,
		BytesWritten:    2000,
		IdleConnections: 3,
	}
	out := st.String()
	assert.True(t, strings.HasPrefix(out, "127.0.0.1:8080: "), out)
	assert.Contains(t, out, "42 reqs")
	assert.Contains(t, out, "3 idle")
}

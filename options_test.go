// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hearth

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidateFillsDefaults(t *testing.T) {
	t.Parallel()

	var opts Options
	require.NoError(t, opts.Validate())

	d := DefaultOptions()
	assert.Equal(t, d.Protocol, opts.Protocol)
	assert.Equal(t, d.ServerName, opts.ServerName)
	assert.Equal(t, d.Timeout, opts.Timeout)
	assert.Equal(t, d.MinWorkers, opts.MinWorkers)
	assert.Equal(t, d.AcceptQueueSize, opts.AcceptQueueSize)
	assert.Equal(t, d.StreamBufSize, opts.StreamBufSize)
}

func TestValidateRejections(t *testing.T) {
	t.Parallel()

	opts := DefaultOptions()
	opts.Protocol = "HTTP/one"
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.MinWorkers = 8
	opts.MaxWorkers = 4
	assert.Error(t, opts.Validate())

	opts = DefaultOptions()
	opts.MaxHeaderBytes = -1
	assert.Error(t, opts.Validate())
}

func TestLoadOptions(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "hearth.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
bind_addr: "127.0.0.1:9099"
server_name: yaml-test
max_body_bytes: 1048576
timeout: 3s
min_workers: 2
strict: false
`), 0o644))

	opts, err := LoadOptions(path)
	require.NoError(t, err)
	assert.Equal(t, "127.0.0.1:9099", opts.BindAddr)
	assert.Equal(t, "yaml-test", opts.ServerName)
	assert.Equal(t, int64(1<<20), opts.MaxBodyBytes)
	assert.Equal(t, 3*time.Second, opts.Timeout)
	assert.Equal(t, 2, opts.MinWorkers)
	assert.False(t, opts.Strict)

	// unset fields keep their defaults
	assert.Equal(t, "HTTP/1.1", opts.Protocol)
	assert.Equal(t, DefaultOptions().IdleTimeout, opts.IdleTimeout)

	_, err = LoadOptions(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

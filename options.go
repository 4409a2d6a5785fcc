// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

package hearth

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Options is the static server configuration.
type Options struct {
	// BindAddr is the listen address: "host:port" for TCP, a filesystem path
	// for a Unix domain socket, or "@name" for an abstract-namespace socket.
	// When socket activation is detected (LISTEN_FDS), BindAddr is ignored
	// and file descriptor 3 is inherited.
	BindAddr string `yaml:"bind_addr"`

	// Protocol is the protocol ceiling, "HTTP/1.1" or "HTTP/1.0".
	Protocol string `yaml:"protocol"`

	// ServerName is sent in the Server response header when the gateway
	// didn't set one.
	ServerName string `yaml:"server_name"`

	MaxHeaderBytes int64 `yaml:"max_header_bytes"` // 0 means unlimited
	MaxBodyBytes   int64 `yaml:"max_body_bytes"`   // 0 means unlimited

	// Timeout is the per-connection socket i/o timeout. It is the sole
	// mechanism keeping a blocked read or write from hanging a worker
	// forever during normal operation.
	Timeout time.Duration `yaml:"timeout"`

	// IdleTimeout expires kept-alive connections not touched for this long.
	IdleTimeout time.Duration `yaml:"idle_timeout"`

	// ExpirationInterval is how often the manager scans for expired
	// connections; it also bounds one manager loop iteration.
	ExpirationInterval time.Duration `yaml:"expiration_interval"`

	// KeepAliveCeiling caps the number of connections kept alive between
	// requests. 0 means no ceiling.
	KeepAliveCeiling int `yaml:"keepalive_ceiling"`

	MinWorkers int `yaml:"min_workers"`
	MaxWorkers int `yaml:"max_workers"` // 0 means no ceiling

	// AcceptQueueSize bounds the queue between the manager and the workers;
	// AcceptQueuePutTimeout is how long an enqueue may block before the
	// connection is dropped.
	AcceptQueueSize       int           `yaml:"accept_queue_size"`
	AcceptQueuePutTimeout time.Duration `yaml:"accept_queue_put_timeout"`

	// ShutdownTimeout is the worker-join budget during Stop.
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`

	StreamBufSize int `yaml:"stream_buf_size"`

	// ProxyMode permits absolute-form request targets and CONNECT.
	ProxyMode bool `yaml:"proxy_mode"`

	// Strict enables strict request-line validation (uppercase methods,
	// rooted origin-form paths).
	Strict bool `yaml:"strict"`

	// UnixSocketPerms are applied to a filesystem Unix socket after bind,
	// best effort. 0 leaves the umask result alone.
	UnixSocketPerms os.FileMode `yaml:"unix_socket_perms"`
}

// DefaultOptions returns the defaults the zero-config server runs with.
func DefaultOptions() Options {
	return Options{
		BindAddr:              "127.0.0.1:8080",
		Protocol:              "HTTP/1.1",
		ServerName:            "hearth/" + Version,
		MaxHeaderBytes:        64 << 10,
		MaxBodyBytes:          0,
		Timeout:               10 * time.Second,
		IdleTimeout:           10 * time.Second,
		ExpirationInterval:    500 * time.Millisecond,
		KeepAliveCeiling:      0,
		MinWorkers:            10,
		MaxWorkers:            0,
		AcceptQueueSize:       64,
		AcceptQueuePutTimeout: 10 * time.Second,
		ShutdownTimeout:       5 * time.Second,
		StreamBufSize:         defaultStreamBufSize,
		Strict:                true,
	}
}

// Validate checks option consistency, filling omitted values from defaults.
func (o *Options) Validate() error {
	d := DefaultOptions()
	if o.Protocol == "" {
		o.Protocol = d.Protocol
	}
	if _, ok := parseProto(o.Protocol); !ok {
		return fmt.Errorf("hearth: malformed protocol %q", o.Protocol)
	}
	if o.ServerName == "" {
		o.ServerName = d.ServerName
	}
	if o.Timeout <= 0 {
		o.Timeout = d.Timeout
	}
	if o.IdleTimeout <= 0 {
		o.IdleTimeout = d.IdleTimeout
	}
	if o.ExpirationInterval <= 0 {
		o.ExpirationInterval = d.ExpirationInterval
	}
	if o.MinWorkers <= 0 {
		o.MinWorkers = d.MinWorkers
	}
	if o.MaxWorkers > 0 && o.MaxWorkers < o.MinWorkers {
		return errors.New("hearth: max_workers below min_workers")
	}
	if o.AcceptQueueSize <= 0 {
		o.AcceptQueueSize = d.AcceptQueueSize
	}
	if o.AcceptQueuePutTimeout <= 0 {
		o.AcceptQueuePutTimeout = d.AcceptQueuePutTimeout
	}
	if o.ShutdownTimeout <= 0 {
		o.ShutdownTimeout = d.ShutdownTimeout
	}
	if o.StreamBufSize <= 0 {
		o.StreamBufSize = d.StreamBufSize
	}
	if o.MaxHeaderBytes < 0 || o.MaxBodyBytes < 0 {
		return errors.New("hearth: negative size ceiling")
	}
	return nil
}

// LoadOptions reads a YAML options file on top of the defaults.
func LoadOptions(path string) (Options, error) {
	opts := DefaultOptions()
	data, err := os.ReadFile(path)
	if err != nil {
		return opts, err
	}
	if err := yaml.Unmarshal(data, &opts); err != nil {
		return opts, fmt.Errorf("hearth: parsing %s: %w", path, err)
	}
	if err := opts.Validate(); err != nil {
		return opts, err
	}
	return opts, nil
}

// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Live statistics. Counters are updated by worker threads without
// fine-grained locking; the figures are approximate by design, a monitoring
// facility rather than a correctness-critical path.

package hearth

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
)

// WorkerStats is one worker's counters.
type WorkerStats struct {
	ID           int64
	Requests     int64
	BytesRead    int64
	BytesWritten int64
	WorkTime     time.Duration
}

// ServerStats is the read-on-demand statistics surface of one server.
type ServerStats struct {
	BindAddr        string
	Uptime          time.Duration
	Accepts         int64
	SocketErrors    int64
	Requests        int64
	BytesRead       int64
	BytesWritten    int64
	WorkTime        time.Duration
	ReadThroughput  float64 // bytes per second of work time
	WriteThroughput float64
	IdleConnections int
	Workers         []WorkerStats
}

// StatsRegistry tracks live servers explicitly: registration is tied to
// Prepare and unregistration to Stop, never an implicit side effect of
// construction. One registry is typically owned by whatever supervisor
// constructs servers.
type StatsRegistry struct {
	mu      sync.Mutex
	servers map[uuid.UUID]*Server
}

func NewStatsRegistry() *StatsRegistry {
	return &StatsRegistry{servers: make(map[uuid.UUID]*Server)}
}

func (r *StatsRegistry) Register(s *Server) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.servers[s.instanceID] = s
}

func (r *StatsRegistry) Unregister(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.servers, id)
}

// Snapshot aggregates every registered server's stats in a single pass.
func (r *StatsRegistry) Snapshot() map[uuid.UUID]ServerStats {
	r.mu.Lock()
	servers := make(map[uuid.UUID]*Server, len(r.servers))
	for id, s := range r.servers {
		servers[id] = s
	}
	r.mu.Unlock()

	out := make(map[uuid.UUID]ServerStats, len(servers))
	for id, s := range servers {
		out[id] = s.Stats()
	}
	return out
}

// Collector exposes the registry as a prometheus.Collector for external
// monitoring integration.
func (r *StatsRegistry) Collector() prometheus.Collector {
	return &statsCollector{registry: r}
}

type statsCollector struct {
	registry *StatsRegistry
}

var (
	descAccepts = prometheus.NewDesc("hearth_accepts_total",
		"Connections accepted.", []string{"server", "addr"}, nil)
	descSocketErrors = prometheus.NewDesc("hearth_socket_errors_total",
		"Socket-level errors.", []string{"server", "addr"}, nil)
	descRequests = prometheus.NewDesc("hearth_requests_total",
		"Requests served across all workers.", []string{"server", "addr"}, nil)
	descBytesRead = prometheus.NewDesc("hearth_bytes_read_total",
		"Request bytes read.", []string{"server", "addr"}, nil)
	descBytesWritten = prometheus.NewDesc("hearth_bytes_written_total",
		"Response bytes written.", []string{"server", "addr"}, nil)
	descIdleConns = prometheus.NewDesc("hearth_idle_connections",
		"Kept-alive connections currently registered with the manager.",
		[]string{"server", "addr"}, nil)
	descWorkers = prometheus.NewDesc("hearth_workers",
		"Live worker count.", []string{"server", "addr"}, nil)
)

func (c *statsCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- descAccepts
	ch <- descSocketErrors
	ch <- descRequests
	ch <- descBytesRead
	ch <- descBytesWritten
	ch <- descIdleConns
	ch <- descWorkers
}

func (c *statsCollector) Collect(ch chan<- prometheus.Metric) {
	for id, st := range c.registry.Snapshot() {
		labels := []string{id.String(), st.BindAddr}
		ch <- prometheus.MustNewConstMetric(descAccepts, prometheus.CounterValue, float64(st.Accepts), labels...)
		ch <- prometheus.MustNewConstMetric(descSocketErrors, prometheus.CounterValue, float64(st.SocketErrors), labels...)
		ch <- prometheus.MustNewConstMetric(descRequests, prometheus.CounterValue, float64(st.Requests), labels...)
		ch <- prometheus.MustNewConstMetric(descBytesRead, prometheus.CounterValue, float64(st.BytesRead), labels...)
		ch <- prometheus.MustNewConstMetric(descBytesWritten, prometheus.CounterValue, float64(st.BytesWritten), labels...)
		ch <- prometheus.MustNewConstMetric(descIdleConns, prometheus.GaugeValue, float64(st.IdleConnections), labels...)
		ch <- prometheus.MustNewConstMetric(descWorkers, prometheus.GaugeValue, float64(len(st.Workers)), labels...)
	}
}

// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Server facade: binds the listening socket, owns the connection manager and
// the worker pool, and implements the prepare/serve/stop lifecycle.

package hearth

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hearthd/hearth/internal/system"
)

// Server is one configured server instance. Lifecycle:
// UNPREPARED -> READY (Prepare) -> serving (Serve) -> STOPPED (Stop), and
// re-enterable: a fresh Prepare always re-binds the socket.
type Server struct {
	opts         Options
	proto        Proto
	gateway      Gateway
	tlsAdapter   TLSAdapter
	headerPolicy HeaderPolicy
	logger       *zap.Logger
	registry     *StatsRegistry
	instanceID   uuid.UUID

	listener   net.Listener
	listenerFD int32
	boundAddr  string
	manager    *connManager
	pool       *workerPool

	ready    atomic.Bool
	stopping atomic.Bool

	interruptMu sync.Mutex
	interrupt   error

	startTime    time.Time
	accepts      atomic.Int64
	socketErrors atomic.Int64
}

// ServerOption customizes a Server at construction time.
type ServerOption func(*Server)

func WithLogger(l *zap.Logger) ServerOption        { return func(s *Server) { s.logger = l } }
func WithTLSAdapter(a TLSAdapter) ServerOption     { return func(s *Server) { s.tlsAdapter = a } }
func WithHeaderPolicy(p HeaderPolicy) ServerOption { return func(s *Server) { s.headerPolicy = p } }
func WithStatsRegistry(r *StatsRegistry) ServerOption {
	return func(s *Server) { s.registry = r }
}

// NewServer constructs a server with static configuration. Prepare must be
// called before Serve.
func NewServer(opts Options, gateway Gateway, optFns ...ServerOption) (*Server, error) {
	if gateway == nil {
		return nil, errors.New("hearth: nil gateway")
	}
	if err := opts.Validate(); err != nil {
		return nil, err
	}
	proto, _ := parseProto(opts.Protocol)
	s := &Server{
		opts:       opts,
		proto:      proto,
		gateway:    gateway,
		logger:     zap.NewNop(),
		instanceID: uuid.New(),
	}
	for _, fn := range optFns {
		fn(s)
	}
	return s, nil
}

// Prepare resolves and binds the listening socket, allocates the connection
// manager and the worker pool, and marks the server ready.
func (s *Server) Prepare() error {
	if s.ready.Load() {
		return errors.New("hearth: already prepared")
	}

	l, err := s.listen()
	if err != nil {
		return err
	}
	if s.tlsAdapter != nil {
		if l, err = s.tlsAdapter.Bind(l); err != nil {
			l.Close()
			return err
		}
	}
	fd, err := listenerFD(l)
	if err != nil {
		l.Close()
		return fmt.Errorf("hearth: listener does not expose a descriptor: %w", err)
	}

	s.listener = l
	s.listenerFD = fd
	s.boundAddr = l.Addr().String()
	s.manager = newConnManager(s, l, fd)
	s.pool = newWorkerPool(s)
	s.pool.start()
	s.interruptMu.Lock()
	s.interrupt = nil
	s.interruptMu.Unlock()
	s.startTime = time.Now()
	s.accepts.Store(0)
	s.socketErrors.Store(0)
	if s.registry != nil {
		s.registry.Register(s)
	}
	s.ready.Store(true)
	s.logger.Info("server ready",
		zap.String("addr", s.boundAddr),
		zap.String("protocol", s.proto.String()),
		zap.Int("min_workers", s.opts.MinWorkers),
	)
	return nil
}

// listen creates the listening socket for the configured bind-address form:
// an inherited descriptor under socket activation, a filesystem or
// abstract-namespace Unix domain socket, or TCP.
func (s *Server) listen() (net.Listener, error) {
	if os.Getenv("LISTEN_FDS") != "" {
		// Socket activation: the supervisor passes the listening socket as
		// file descriptor 3.
		f := os.NewFile(3, "hearth-activation")
		if f == nil {
			return nil, errors.New("hearth: LISTEN_FDS set but fd 3 is not open")
		}
		l, err := net.FileListener(f)
		f.Close()
		return l, err
	}

	addr := s.opts.BindAddr
	switch {
	case strings.HasPrefix(addr, "@") || strings.HasPrefix(addr, "\x00"):
		// abstract-namespace socket; Go spells the NUL prefix as '@'
		name := "@" + strings.TrimLeft(addr, "@\x00")
		return net.Listen("unix", name)

	case strings.ContainsAny(addr, "/\\"):
		// UDS doesn't support SO_REUSEADDR, so remove a stale socket first.
		os.Remove(addr)
		l, err := net.Listen("unix", addr)
		if err != nil {
			return nil, err
		}
		if perms := s.opts.UnixSocketPerms; perms != 0 {
			os.Chmod(addr, perms) // best effort
		}
		return l, nil

	default:
		return s.listenTCP(addr)
	}
}

func (s *Server) listenTCP(addr string) (net.Listener, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("hearth: malformed bind address %q: %w", addr, err)
	}
	dualStack := host == "::" || host == ""

	lc := net.ListenConfig{
		Control: func(network, address string, rawConn syscall.RawConn) error {
			if err := system.SetReusePort(rawConn); err != nil {
				return err
			}
			system.SetDeferAccept(rawConn) // best effort
			if dualStack {
				system.SetDualStack(rawConn) // accept IPv4-mapped peers on the v6 any-address
			}
			return nil
		},
	}

	// Try each address-family candidate resolution yields until one binds.
	candidates := []string{host}
	if host != "" && net.ParseIP(host) == nil && host != "::" {
		if resolved, rerr := net.DefaultResolver.LookupHost(context.Background(), host); rerr == nil && len(resolved) > 0 {
			candidates = resolved
		}
	}
	var lastErr error
	for _, cand := range candidates {
		l, lerr := lc.Listen(context.Background(), "tcp", net.JoinHostPort(cand, port))
		if lerr == nil {
			return l, nil
		}
		lastErr = lerr
	}
	return nil, lastErr
}

func listenerFD(l net.Listener) (int32, error) {
	sc, ok := l.(syscall.Conn)
	if !ok {
		return -1, errors.New("not a syscall.Conn")
	}
	raw, err := sc.SyscallConn()
	if err != nil {
		return -1, err
	}
	fd := int32(-1)
	if err := raw.Control(func(x uintptr) { fd = int32(x) }); err != nil {
		return -1, err
	}
	return fd, nil
}

// Serve runs the connection manager's loop until stopped or interrupted.
// An unexpected panic from one iteration is logged and the loop continues;
// Serve itself must not die from an application-level bug. Once an interrupt
// is set, Serve waits for the stop to complete and returns the interrupt.
func (s *Server) Serve() error {
	for s.ready.Load() && !s.hasInterrupt() {
		s.runOnce()
	}
	for s.stopping.Load() {
		time.Sleep(5 * time.Millisecond)
	}
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	return s.interrupt
}

func (s *Server) runOnce() {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("manager loop panic, continuing", zap.Any("panic", r))
		}
	}()
	s.manager.run(s.opts.ExpirationInterval)
}

// Stop tears the server down deterministically. Idempotent: a no-op if the
// server is not ready.
func (s *Server) Stop() {
	if !s.ready.CompareAndSwap(true, false) {
		return
	}
	s.logger.Info("server stopping", zap.String("addr", s.boundAddr))
	s.manager.stop()
	s.selfConnect() // unstick a blocked accept
	s.listener.Close()
	s.manager.closeAll()
	s.pool.stop(s.opts.ShutdownTimeout)
	if s.registry != nil {
		s.registry.Unregister(s.instanceID)
	}
	s.logger.Info("server stopped", zap.String("addr", s.boundAddr))
}

// selfConnect makes a best-effort connection to our own listening socket so
// a blocking accept call returns promptly.
func (s *Server) selfConnect() {
	addr := s.listener.Addr()
	conn, err := net.DialTimeout(addr.Network(), addr.String(), 50*time.Millisecond)
	if err == nil {
		conn.Close()
	}
}

// SetInterrupt requests a server-wide shutdown from a worker. The stop runs
// asynchronously (the calling worker still has to drain its own shutdown
// task); Serve returns err once the stop completes.
func (s *Server) SetInterrupt(err error) {
	if !s.stopping.CompareAndSwap(false, true) {
		return
	}
	if errors.Is(err, ErrShutdownRequested) {
		s.logger.Info("shutdown requested from request handling", zap.Error(err))
	} else {
		s.logger.Error("fatal error from worker, shutting down", zap.Error(err))
	}
	go func() {
		s.Stop()
		s.interruptMu.Lock()
		s.interrupt = err
		s.interruptMu.Unlock()
		s.stopping.Store(false)
	}()
}

func (s *Server) hasInterrupt() bool {
	s.interruptMu.Lock()
	defer s.interruptMu.Unlock()
	return s.interrupt != nil
}

// canAddKeepaliveConnection is the capacity gate the response path consults
// before promising Keep-Alive: true when no ceiling is configured or the
// count of registered (non-listening) connections is below it.
func (s *Server) canAddKeepaliveConnection() bool {
	if !s.ready.Load() {
		return false
	}
	ceiling := s.opts.KeepAliveCeiling
	return ceiling <= 0 || s.manager.connCount() < ceiling
}

// Addr returns the bound listen address, once prepared.
func (s *Server) Addr() string { return s.boundAddr }

// InstanceID identifies this server instance in the stats registry.
func (s *Server) InstanceID() uuid.UUID { return s.instanceID }

// Stats aggregates live statistics on demand.
func (s *Server) Stats() ServerStats {
	st := ServerStats{
		BindAddr:     s.boundAddr,
		Accepts:      s.accepts.Load(),
		SocketErrors: s.socketErrors.Load(),
	}
	if !s.startTime.IsZero() {
		st.Uptime = time.Since(s.startTime)
	}
	if s.manager != nil {
		st.IdleConnections = s.manager.connCount()
	}
	if s.pool == nil {
		return st
	}
	s.pool.mu.Lock()
	workers := make([]*worker, 0, len(s.pool.workers))
	for w := range s.pool.workers {
		workers = append(workers, w)
	}
	s.pool.mu.Unlock()
	for _, w := range workers {
		ws := WorkerStats{
			ID:           w.id,
			Requests:     w.requests.Load(),
			BytesRead:    w.bytesRead.Load(),
			BytesWritten: w.bytesWritten.Load(),
			WorkTime:     time.Duration(w.workTime.Load()),
		}
		st.Workers = append(st.Workers, ws)
		st.Requests += ws.Requests
		st.BytesRead += ws.BytesRead
		st.BytesWritten += ws.BytesWritten
		st.WorkTime += ws.WorkTime
	}
	if secs := st.WorkTime.Seconds(); secs > 0 {
		st.ReadThroughput = float64(st.BytesRead) / secs
		st.WriteThroughput = float64(st.BytesWritten) / secs
	}
	return st
}

// helper used by tests and the hearthd binary to build a quick status string
func (st ServerStats) String() string {
	return st.BindAddr + ": " +
		strconv.FormatInt(st.Requests, 10) + " reqs, " +
		strconv.FormatInt(st.BytesRead, 10) + "B in, " +
		strconv.FormatInt(st.BytesWritten, 10) + "B out, " +
		strconv.Itoa(st.IdleConnections) + " idle"
}

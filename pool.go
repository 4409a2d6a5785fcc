// Copyright (c) 2025-2026 The Hearth Authors.
// All rights reserved.
// Use of this source code is governed by a BSD-style license that can be found in the LICENSE file.

// Worker pool: a dynamically resizable set of workers pulling ready
// connections from a bounded queue and running each connection's request
// loop to completion.

package hearth

import (
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// taskKind is a compile-time-checked tag: real work and shutdown signals
// travel the same queue as distinct variants, never compared by identity.
type taskKind uint8

const (
	taskServe taskKind = iota
	taskShutdown
)

type task struct {
	kind taskKind
	conn *conn
}

type workerPool struct {
	server *Server
	logger *zap.Logger

	tasks      chan task
	putTimeout time.Duration
	min, max   int // max 0 means no ceiling

	mu               sync.Mutex
	workers          map[*worker]struct{}
	pendingShutdowns int
	nextID           int64
}

type worker struct {
	id      int64
	pool    *workerPool
	polling atomic.Bool          // actively polling the queue; grow() spins on this
	current atomic.Pointer[conn] // connection being serviced, for forced unblock
	done    chan struct{}

	// statistics counters; read without locks, approximate by design
	requests     atomic.Int64
	bytesRead    atomic.Int64
	bytesWritten atomic.Int64
	workTime     atomic.Int64 // nanoseconds
}

func newWorkerPool(s *Server) *workerPool {
	return &workerPool{
		server:     s,
		logger:     s.logger,
		tasks:      make(chan task, s.opts.AcceptQueueSize),
		putTimeout: s.opts.AcceptQueuePutTimeout,
		min:        s.opts.MinWorkers,
		max:        s.opts.MaxWorkers,
		workers:    make(map[*worker]struct{}),
	}
}

func (p *workerPool) start() { p.grow(p.min) }

// grow spawns up to n more workers without exceeding the ceiling, then
// blocks until each new worker is actively polling the queue, so callers can
// rely on full capacity being hot when grow returns.
func (p *workerPool) grow(n int) {
	p.mu.Lock()
	if p.max > 0 {
		if room := p.max - len(p.workers); n > room {
			n = room
		}
	}
	spawned := make([]*worker, 0, n)
	for i := 0; i < n; i++ {
		p.nextID++
		w := &worker{id: p.nextID, pool: p, done: make(chan struct{})}
		p.workers[w] = struct{}{}
		spawned = append(spawned, w)
		go w.run()
	}
	p.mu.Unlock()

	for _, w := range spawned {
		for !w.polling.Load() {
			time.Sleep(time.Millisecond)
		}
	}
}

// shrink retires up to n workers, never going below the floor. Workers
// self-terminate as they dequeue a shutdown task; nothing mid-request is
// killed.
func (p *workerPool) shrink(n int) {
	p.mu.Lock()
	allowed := len(p.workers) - p.pendingShutdowns - p.min
	if n > allowed {
		n = allowed
	}
	if n > 0 {
		p.pendingShutdowns += n
	}
	p.mu.Unlock()
	for i := 0; i < n; i++ {
		p.tasks <- task{kind: taskShutdown}
	}
}

// put enqueues a ready connection, blocking up to the configured timeout.
// On ErrQueueFull the caller must drop the connection.
func (p *workerPool) put(c *conn) error {
	timer := time.NewTimer(p.putTimeout)
	defer timer.Stop()
	select {
	case p.tasks <- task{kind: taskServe, conn: c}:
		return nil
	case <-timer.C:
		return ErrQueueFull
	}
}

func (p *workerPool) size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.workers)
}

// stop retires every worker within a shared time budget. A worker still
// stuck after its share of the budget gets its connection's read direction
// forcibly shut down to unblock it, then is joined without further timeout.
func (p *workerPool) stop(timeout time.Duration) {
	p.mu.Lock()
	alive := make([]*worker, 0, len(p.workers))
	for w := range p.workers {
		alive = append(alive, w)
	}
	p.mu.Unlock()

	for range alive {
		p.tasks <- task{kind: taskShutdown}
	}

	deadline := time.Now().Add(timeout)
	for _, w := range alive {
		remaining := time.Until(deadline)
		if remaining < 0 {
			remaining = 0
		}
		timer := time.NewTimer(remaining)
		select {
		case <-w.done:
			timer.Stop()
			continue
		case <-timer.C:
		}
		if c := w.current.Load(); c != nil {
			c.forceReadShutdown()
		}
		<-w.done
	}
}

func (p *workerPool) remove(w *worker) {
	p.mu.Lock()
	delete(p.workers, w)
	if p.pendingShutdowns > 0 {
		p.pendingShutdowns--
	}
	p.mu.Unlock()
}

func (w *worker) run() {
	p := w.pool
	for {
		w.polling.Store(true)
		t := <-p.tasks
		w.polling.Store(false)
		if t.kind == taskShutdown {
			break
		}
		w.serve(t.conn)
	}
	p.remove(w)
	close(w.done)
}

// serve runs one connection's transaction and routes it onward. The worker
// itself must not die: a dead worker silently shrinks capacity without the
// pool's bookkeeping knowing, so unexpected failures are swallowed after
// logging.
func (w *worker) serve(c *conn) {
	w.current.Store(c)
	start := time.Now()
	br0, bw0 := c.reader.BytesRead(), c.writer.BytesWritten()
	rq0 := c.requests

	defer func() {
		w.requests.Add(c.requests - rq0)
		w.bytesRead.Add(c.reader.BytesRead() - br0)
		w.bytesWritten.Add(c.writer.BytesWritten() - bw0)
		w.workTime.Add(int64(time.Since(start)))
		w.current.Store(nil)
		if r := recover(); r != nil {
			w.pool.logger.Error("panic in request handling, dropping connection",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			c.close()
		}
	}()

	keepOpen, fatal := c.communicate()
	if fatal != nil {
		// shutdown requested from deep inside request handling
		c.close()
		w.pool.server.SetInterrupt(fatal)
		return
	}
	if keepOpen {
		w.pool.server.manager.put(c)
	} else {
		c.close()
	}
}

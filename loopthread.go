// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"fmt"
	"sync"

	"github.com/smileatl/mynetlib/internal/logging"
)

// eventLoopThread owns one worker: a goroutine pinned to its OS thread
// that constructs an EventLoop on its own stack and runs it. The loop
// pointer is published under the mutex once the loop exists, and
// cleared when the loop exits.
type eventLoopThread struct {
	mu   sync.Mutex
	cond *sync.Cond
	loop *EventLoop

	name   string
	initCb ThreadInitCallback
}

func newEventLoopThread(cb ThreadInitCallback, name string) *eventLoopThread {
	t := &eventLoopThread{name: name, initCb: cb}
	t.cond = sync.NewCond(&t.mu)
	return t
}

// startLoop launches the worker and blocks until its loop is live.
func (t *eventLoopThread) startLoop() *EventLoop {
	go t.threadFunc()

	t.mu.Lock()
	for t.loop == nil {
		t.cond.Wait()
	}
	loop := t.loop
	t.mu.Unlock()
	return loop
}

func (t *eventLoopThread) threadFunc() {
	loop := NewEventLoop()
	logging.Debugf("loop thread %s up", t.name)

	if t.initCb != nil {
		t.initCb(loop)
	}

	t.mu.Lock()
	t.loop = loop
	t.cond.Signal()
	t.mu.Unlock()

	loop.Run()

	t.mu.Lock()
	t.loop = nil
	t.mu.Unlock()
	loop.Close()
}

// EventLoopThreadPool keeps a fixed set of worker loops and hands them
// out round-robin. With zero workers the base loop serves everything.
type EventLoopThreadPool struct {
	baseLoop *EventLoop
	name     string

	started    bool
	numThreads int
	next       int

	threads []*eventLoopThread
	loops   []*EventLoop
}

func NewEventLoopThreadPool(baseLoop *EventLoop, name string) *EventLoopThreadPool {
	return &EventLoopThreadPool{baseLoop: baseLoop, name: name}
}

// SetThreadNum configures the worker count. Zero means single-threaded:
// the base loop carries all connections.
func (p *EventLoopThreadPool) SetThreadNum(n int) { p.numThreads = n }

// Start launches the workers. cb runs on every worker thread before its
// loop starts; with zero workers it runs once on the base loop.
func (p *EventLoopThreadPool) Start(cb ThreadInitCallback) {
	if p.started {
		logging.Fatalf("loop pool %q started twice", p.name)
	}
	p.baseLoop.assertInLoopThread()
	p.started = true

	for i := 0; i < p.numThreads; i++ {
		t := newEventLoopThread(cb, fmt.Sprintf("%s%d", p.name, i))
		p.threads = append(p.threads, t)
		p.loops = append(p.loops, t.startLoop())
	}
	if p.numThreads == 0 && cb != nil {
		cb(p.baseLoop)
	}
}

// GetNextLoop picks the loop for a fresh connection. Base-loop thread
// only.
func (p *EventLoopThreadPool) GetNextLoop() *EventLoop {
	p.baseLoop.assertInLoopThread()

	loop := p.baseLoop
	if len(p.loops) > 0 {
		loop = p.loops[p.next]
		p.next++
		if p.next >= len(p.loops) {
			p.next = 0
		}
	}
	return loop
}

func (p *EventLoopThreadPool) GetAllLoops() []*EventLoop {
	if len(p.loops) == 0 {
		return []*EventLoop{p.baseLoop}
	}
	return p.loops
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"runtime"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/smileatl/mynetlib/internal/eventfd"
	"github.com/smileatl/mynetlib/internal/logging"
)

// Upper bound for one epoll_wait so a quiet loop still drains pending
// work periodically.
const pollTimeMs = 10 * 1000

// One loop per thread: the registry maps kernel thread ids to loops so
// a second construction on the same thread can be refused.
var (
	loopRegistryMu sync.Mutex
	loopRegistry   = make(map[int]*EventLoop)
)

// EventLoop runs the reactor for one thread: it owns the poller, the
// wakeup eventfd, the timer queue, and the pending-task queue that
// serializes cross-thread work onto this thread.
//
// NewEventLoop pins the calling goroutine to its OS thread; Run must be
// called from that same goroutine.
type EventLoop struct {
	looping                atomic.Bool
	quitFlag               atomic.Bool
	eventHandling          atomic.Bool
	callingPendingFunctors atomic.Bool

	threadID int

	poller poller
	timers *timerQueue

	wakeupFd      *eventfd.EventFd
	wakeupChannel *Channel

	activeChannels       []*Channel
	currentActiveChannel *Channel

	mu              sync.Mutex
	pendingFunctors []func()

	pollReturnTime time.Time

	ctx interface{}
}

func NewEventLoop() *EventLoop {
	runtime.LockOSThread()
	tid := unix.Gettid()

	loopRegistryMu.Lock()
	if other, ok := loopRegistry[tid]; ok {
		loopRegistryMu.Unlock()
		logging.Fatalf("another event loop %p already runs on thread %d", other, tid)
	}
	l := &EventLoop{threadID: tid}
	loopRegistry[tid] = l
	loopRegistryMu.Unlock()

	l.poller = newDefaultPoller(l)

	efd, err := eventfd.New()
	if err != nil {
		logging.Fatalf("event loop wakeup fd: %v", err)
	}
	l.wakeupFd = efd
	l.wakeupChannel = NewChannel(l, efd.Fd())
	l.wakeupChannel.SetReadCallback(func(time.Time) { l.handleWakeupRead() })
	l.wakeupChannel.EnableReading()

	l.timers = newTimerQueue(l)

	logging.Debugf("event loop %p created on thread %d", l, tid)
	return l
}

// Run enters the poll/dispatch/drain cycle until Quit is observed. It
// must run on the thread the loop was constructed on.
func (l *EventLoop) Run() {
	if l.looping.Load() {
		logging.Fatalf("event loop %p is already running", l)
	}
	l.assertInLoopThread()
	l.looping.Store(true)
	l.quitFlag.Store(false)

	logging.Infof("event loop %p start looping", l)

	for !l.quitFlag.Load() {
		l.activeChannels = l.activeChannels[:0]
		l.pollReturnTime = l.poller.poll(pollTimeMs, &l.activeChannels)

		l.eventHandling.Store(true)
		for _, c := range l.activeChannels {
			l.currentActiveChannel = c
			c.HandleEvent(l.pollReturnTime)
		}
		l.currentActiveChannel = nil
		l.eventHandling.Store(false)

		l.doPendingFunctors()
	}

	logging.Infof("event loop %p stop looping", l)
	l.looping.Store(false)
}

// Quit may be called from any thread. Off-thread callers force a prompt
// return from epoll_wait; the loop observes the flag at the top of its
// next iteration.
func (l *EventLoop) Quit() {
	l.quitFlag.Store(true)
	if !l.IsInLoopThread() {
		l.wakeup()
	}
}

// RunInLoop executes fn on the loop thread: inline when already there,
// queued otherwise.
func (l *EventLoop) RunInLoop(fn func()) {
	if l.IsInLoopThread() {
		fn()
	} else {
		l.QueueInLoop(fn)
	}
}

// QueueInLoop enqueues fn for the next drain. The loop is woken when the
// caller is off-thread, and also when the loop is inside the drain
// itself so a re-enqueued task does not sit through a full poll timeout.
func (l *EventLoop) QueueInLoop(fn func()) {
	l.mu.Lock()
	l.pendingFunctors = append(l.pendingFunctors, fn)
	l.mu.Unlock()

	if !l.IsInLoopThread() || l.callingPendingFunctors.Load() {
		l.wakeup()
	}
}

// RunAt schedules cb once at the given time.
func (l *EventLoop) RunAt(when time.Time, cb TimerCallback) TimerID {
	return l.timers.addTimer(cb, when, 0)
}

// RunAfter schedules cb once after delay.
func (l *EventLoop) RunAfter(delay time.Duration, cb TimerCallback) TimerID {
	return l.timers.addTimer(cb, time.Now().Add(delay), 0)
}

// RunEvery schedules cb repeatedly with the given interval, first firing
// one interval from now.
func (l *EventLoop) RunEvery(interval time.Duration, cb TimerCallback) TimerID {
	return l.timers.addTimer(cb, time.Now().Add(interval), interval)
}

// CancelTimer stops a scheduled timer. Canceling an already-fired
// one-shot timer is a no-op.
func (l *EventLoop) CancelTimer(id TimerID) {
	l.timers.cancel(id)
}

func (l *EventLoop) UpdateChannel(c *Channel) {
	if c.OwnerLoop() != l {
		logging.Fatalf("channel fd=%d updated through a foreign loop", c.Fd())
	}
	l.poller.updateChannel(c)
}

func (l *EventLoop) RemoveChannel(c *Channel) {
	if c.OwnerLoop() != l {
		logging.Fatalf("channel fd=%d removed through a foreign loop", c.Fd())
	}
	l.poller.removeChannel(c)
}

func (l *EventLoop) HasChannel(c *Channel) bool {
	if c.OwnerLoop() != l {
		logging.Fatalf("channel fd=%d queried through a foreign loop", c.Fd())
	}
	return l.poller.hasChannel(c)
}

func (l *EventLoop) IsInLoopThread() bool {
	return unix.Gettid() == l.threadID
}

// PollReturnTime is the time the last epoll_wait returned.
func (l *EventLoop) PollReturnTime() time.Time { return l.pollReturnTime }

// SetContext attaches an opaque value to the loop; loop-thread use only.
func (l *EventLoop) SetContext(ctx interface{}) { l.ctx = ctx }
func (l *EventLoop) Context() interface{}      { return l.ctx }

// Close releases the loop's fds and its registry slot. Call it on the
// loop thread after Run has returned.
func (l *EventLoop) Close() {
	if l.looping.Load() {
		logging.Fatalf("event loop %p closed while looping", l)
	}
	l.timers.close()
	l.wakeupChannel.DisableAll()
	l.wakeupChannel.Remove()
	if err := l.wakeupFd.Close(); err != nil {
		logging.Errorf("close wakeup fd: %v", err)
	}
	l.poller.close()

	loopRegistryMu.Lock()
	delete(loopRegistry, l.threadID)
	loopRegistryMu.Unlock()
	runtime.UnlockOSThread()
}

// wakeup forces the loop out of epoll_wait by bumping the eventfd.
func (l *EventLoop) wakeup() {
	if err := l.wakeupFd.WriteEvent(1); err != nil {
		logging.Errorf("event loop wakeup: %v", err)
	}
}

func (l *EventLoop) handleWakeupRead() {
	if _, err := l.wakeupFd.ReadEvent(); err != nil {
		logging.Errorf("event loop wakeup read: %v", err)
	}
}

// doPendingFunctors swaps the queue out under the mutex before running
// it, so callbacks are free to enqueue more work without deadlocking;
// anything they add runs on the next iteration.
func (l *EventLoop) doPendingFunctors() {
	l.callingPendingFunctors.Store(true)

	l.mu.Lock()
	functors := l.pendingFunctors
	l.pendingFunctors = nil
	l.mu.Unlock()

	for _, fn := range functors {
		fn()
	}

	l.callingPendingFunctors.Store(false)
}

func (l *EventLoop) assertInLoopThread() {
	if !l.IsInLoopThread() {
		logging.Fatalf("event loop %p used off its thread %d (caller thread %d)",
			l, l.threadID, unix.Gettid())
	}
}

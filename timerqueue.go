// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"container/heap"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/smileatl/mynetlib/internal/logging"
)

var timerSeq atomic.Int64

type timer struct {
	cb         TimerCallback
	expiration time.Time
	interval   time.Duration
	repeat     bool
	seq        int64
}

func newTimer(cb TimerCallback, when time.Time, interval time.Duration) *timer {
	return &timer{
		cb:         cb,
		expiration: when,
		interval:   interval,
		repeat:     interval > 0,
		seq:        timerSeq.Inc(),
	}
}

func (t *timer) restart(now time.Time) {
	t.expiration = now.Add(t.interval)
}

// TimerID identifies a scheduled timer for cancellation. The sequence
// number disambiguates reused timer slots.
type TimerID struct {
	t   *timer
	seq int64
}

type timerHeap []*timer

func (h timerHeap) Len() int            { return len(h) }
func (h timerHeap) Less(i, j int) bool  { return h[i].expiration.Before(h[j].expiration) }
func (h timerHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timerHeap) Push(x interface{}) { *h = append(*h, x.(*timer)) }
func (h *timerHeap) Pop() interface{} {
	old := *h
	n := len(old)
	t := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return t
}

// timerQueue multiplexes all of a loop's timers onto one timerfd, kept
// armed for the earliest expiration. All state is confined to the loop
// thread; addTimer and cancel marshal themselves there.
type timerQueue struct {
	loop    *EventLoop
	timerFd int
	channel *Channel

	timers         timerHeap
	active         map[*timer]struct{}
	callingExpired bool
	canceling      map[*timer]struct{}
}

func newTimerQueue(loop *EventLoop) *timerQueue {
	fd, err := unix.TimerfdCreate(unix.CLOCK_MONOTONIC, unix.TFD_NONBLOCK|unix.TFD_CLOEXEC)
	if err != nil {
		logging.Fatalf("timerfd_create: %v", err)
	}
	tq := &timerQueue{
		loop:      loop,
		timerFd:   fd,
		active:    make(map[*timer]struct{}),
		canceling: make(map[*timer]struct{}),
	}
	tq.channel = NewChannel(loop, fd)
	tq.channel.SetReadCallback(func(time.Time) { tq.handleRead() })
	tq.channel.EnableReading()
	return tq
}

func (tq *timerQueue) addTimer(cb TimerCallback, when time.Time, interval time.Duration) TimerID {
	t := newTimer(cb, when, interval)
	tq.loop.RunInLoop(func() { tq.addTimerInLoop(t) })
	return TimerID{t: t, seq: t.seq}
}

func (tq *timerQueue) cancel(id TimerID) {
	tq.loop.RunInLoop(func() { tq.cancelInLoop(id) })
}

func (tq *timerQueue) addTimerInLoop(t *timer) {
	if tq.insert(t) {
		tq.resetTimerFd(t.expiration)
	}
}

func (tq *timerQueue) cancelInLoop(id TimerID) {
	t := id.t
	if t == nil || t.seq != id.seq {
		return
	}
	if _, ok := tq.active[t]; ok {
		delete(tq.active, t)
		for i, e := range tq.timers {
			if e == t {
				heap.Remove(&tq.timers, i)
				break
			}
		}
	} else if tq.callingExpired {
		// expired and mid-dispatch: block the re-insert instead
		tq.canceling[t] = struct{}{}
	}
}

func (tq *timerQueue) handleRead() {
	now := time.Now()
	tq.readTimerFd()

	expired := tq.getExpired(now)

	tq.callingExpired = true
	tq.canceling = make(map[*timer]struct{})
	for _, t := range expired {
		t.cb()
	}
	tq.callingExpired = false

	tq.reset(expired, now)
}

// getExpired pops every timer due at or before now.
func (tq *timerQueue) getExpired(now time.Time) []*timer {
	var expired []*timer
	for len(tq.timers) > 0 && !tq.timers[0].expiration.After(now) {
		t := heap.Pop(&tq.timers).(*timer)
		delete(tq.active, t)
		expired = append(expired, t)
	}
	return expired
}

func (tq *timerQueue) reset(expired []*timer, now time.Time) {
	for _, t := range expired {
		if _, canceled := tq.canceling[t]; t.repeat && !canceled {
			t.restart(now)
			tq.insert(t)
		}
	}
	if len(tq.timers) > 0 {
		tq.resetTimerFd(tq.timers[0].expiration)
	}
}

// insert reports whether the new timer became the earliest one.
func (tq *timerQueue) insert(t *timer) bool {
	earliestChanged := len(tq.timers) == 0 || t.expiration.Before(tq.timers[0].expiration)
	heap.Push(&tq.timers, t)
	tq.active[t] = struct{}{}
	return earliestChanged
}

func (tq *timerQueue) resetTimerFd(when time.Time) {
	d := time.Until(when)
	if d < 100*time.Microsecond {
		d = 100 * time.Microsecond
	}
	its := unix.ItimerSpec{Value: unix.NsecToTimespec(d.Nanoseconds())}
	if err := unix.TimerfdSettime(tq.timerFd, 0, &its, nil); err != nil {
		logging.Errorf("timerfd_settime: %v", err)
	}
}

func (tq *timerQueue) readTimerFd() {
	var buf [8]byte
	n, err := unix.Read(tq.timerFd, buf[:])
	if err != nil || n != 8 {
		logging.Errorf("timerfd read %d bytes: %v", n, err)
	}
}

func (tq *timerQueue) close() {
	tq.channel.DisableAll()
	tq.channel.Remove()
	if err := unix.Close(tq.timerFd); err != nil {
		logging.Errorf("close timerfd: %v", err)
	}
}

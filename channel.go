// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"runtime"
	"time"
	"weak"

	"golang.org/x/sys/unix"

	"github.com/smileatl/mynetlib/internal/logging"
)

// Interest masks. Read interest covers urgent data; write interest is
// armed only while the output buffer holds unsent bytes.
const (
	NoneEvent  uint32 = 0
	ReadEvent  uint32 = unix.EPOLLIN | unix.EPOLLPRI
	WriteEvent uint32 = unix.EPOLLOUT
)

// Channel binds one fd to its interest mask, its callbacks, and the loop
// that owns it. It never owns the fd; the containing object (connection,
// acceptor, loop wakeup) does. Every mutation happens on the owning
// loop's thread.
type Channel struct {
	loop    *EventLoop
	fd      int
	events  uint32
	revents uint32
	index   int // membership state inside the poller

	tied bool
	tie  weak.Pointer[Conn]

	handling    bool
	addedToLoop bool

	readCallback  func(time.Time)
	writeCallback func()
	closeCallback func()
	errorCallback func()
}

func NewChannel(loop *EventLoop, fd int) *Channel {
	return &Channel{
		loop:  loop,
		fd:    fd,
		index: channelNew,
	}
}

func (c *Channel) Fd() int               { return c.fd }
func (c *Channel) Events() uint32        { return c.events }
func (c *Channel) OwnerLoop() *EventLoop { return c.loop }

func (c *Channel) SetReadCallback(cb func(time.Time)) { c.readCallback = cb }
func (c *Channel) SetWriteCallback(cb func())         { c.writeCallback = cb }
func (c *Channel) SetCloseCallback(cb func())         { c.closeCallback = cb }
func (c *Channel) SetErrorCallback(cb func())         { c.errorCallback = cb }

// setRevents is called by the poller right before dispatch.
func (c *Channel) setRevents(revents uint32) { c.revents = revents }

func (c *Channel) IsNoneEvent() bool { return c.events == NoneEvent }
func (c *Channel) IsReading() bool   { return c.events&ReadEvent != 0 }
func (c *Channel) IsWriting() bool   { return c.events&WriteEvent != 0 }

func (c *Channel) EnableReading()  { c.events |= ReadEvent; c.update() }
func (c *Channel) DisableReading() { c.events &^= ReadEvent; c.update() }
func (c *Channel) EnableWriting()  { c.events |= WriteEvent; c.update() }
func (c *Channel) DisableWriting() { c.events &^= WriteEvent; c.update() }
func (c *Channel) DisableAll()     { c.events = NoneEvent; c.update() }

// tieTo guards dispatch on the liveness of the owning connection. Once
// tied, events fire only while the weak reference can still be
// strengthened; loop-internal channels stay untied.
func (c *Channel) tieTo(owner *Conn) {
	c.tie = weak.Make(owner)
	c.tied = true
}

func (c *Channel) update() {
	c.addedToLoop = true
	c.loop.UpdateChannel(c)
}

// Remove detaches the channel from its loop. The interest mask must be
// empty first.
func (c *Channel) Remove() {
	if !c.IsNoneEvent() {
		logging.Fatalf("channel fd=%d removed with live interest mask %d", c.fd, c.events)
	}
	c.addedToLoop = false
	c.loop.RemoveChannel(c)
}

// HandleEvent dispatches the fired events. If the channel is tied, the
// owner is pinned for the duration of the dispatch; a dead owner drops
// the events on the floor.
func (c *Channel) HandleEvent(receiveTime time.Time) {
	if c.tied {
		guard := c.tie.Value()
		if guard == nil {
			return
		}
		c.handleEventWithGuard(receiveTime)
		runtime.KeepAlive(guard)
		return
	}
	c.handleEventWithGuard(receiveTime)
}

// Dispatch order is fixed: close, error, read, write. A HUP with
// pending input is left to the read path, which surfaces it as a
// zero-byte read.
func (c *Channel) handleEventWithGuard(receiveTime time.Time) {
	logging.Debugf("channel fd=%d handle revents=%d", c.fd, c.revents)
	c.handling = true

	if c.revents&unix.EPOLLHUP != 0 && c.revents&unix.EPOLLIN == 0 {
		if c.closeCallback != nil {
			c.closeCallback()
		}
	}
	if c.revents&unix.EPOLLERR != 0 {
		if c.errorCallback != nil {
			c.errorCallback()
		}
	}
	if c.revents&(unix.EPOLLIN|unix.EPOLLPRI|unix.EPOLLRDHUP) != 0 {
		if c.readCallback != nil {
			c.readCallback(receiveTime)
		}
	}
	if c.revents&unix.EPOLLOUT != 0 {
		if c.writeCallback != nil {
			c.writeCallback()
		}
	}

	c.handling = false
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"time"

	"golang.org/x/sys/unix"

	"github.com/smileatl/mynetlib/internal/logging"
)

// Channel membership states inside the poller. A deleted channel stays
// in the fd map but is absent from the kernel set, so re-enabling it is
// a plain MOD-free re-add.
const (
	channelNew     = -1
	channelAdded   = 1
	channelDeleted = 2
)

const initEventListSize = 16

// epollPoller owns the epoll fd and the fd -> channel map for one loop.
// The kernel cookie for each registration is the fd itself; dispatch
// resolves it through the map.
type epollPoller struct {
	loop     *EventLoop
	epollFd  int
	events   []unix.EpollEvent
	channels map[int]*Channel
}

func newEpollPoller(loop *EventLoop) *epollPoller {
	fd, err := unix.EpollCreate1(unix.EPOLL_CLOEXEC)
	if err != nil {
		logging.Fatalf("epoll_create1: %v", err)
	}
	return &epollPoller{
		loop:     loop,
		epollFd:  fd,
		events:   make([]unix.EpollEvent, initEventListSize),
		channels: make(map[int]*Channel),
	}
}

func (p *epollPoller) poll(timeoutMs int, activeChannels *[]*Channel) time.Time {
	logging.Debugf("poll: watching %d fds", len(p.channels))

	n, err := unix.EpollWait(p.epollFd, p.events, timeoutMs)
	now := time.Now()

	switch {
	case n > 0:
		logging.Debugf("poll: %d events", n)
		p.fillActiveChannels(n, activeChannels)
		if n == len(p.events) {
			p.events = make([]unix.EpollEvent, 2*len(p.events))
		}
	case n == 0:
		logging.Debugf("poll: timeout")
	default:
		if err != unix.EINTR {
			logging.Errorf("epoll_wait: %v", err)
		}
	}
	return now
}

func (p *epollPoller) fillActiveChannels(n int, activeChannels *[]*Channel) {
	for i := 0; i < n; i++ {
		ev := p.events[i]
		c, ok := p.channels[int(ev.Fd)]
		if !ok {
			continue
		}
		c.setRevents(ev.Events)
		*activeChannels = append(*activeChannels, c)
	}
}

func (p *epollPoller) updateChannel(c *Channel) {
	index := c.index
	logging.Debugf("poller update: fd=%d events=%d index=%d", c.fd, c.events, index)

	if index == channelNew || index == channelDeleted {
		if index == channelNew {
			p.channels[c.fd] = c
		}
		c.index = channelAdded
		p.update(unix.EPOLL_CTL_ADD, c)
	} else {
		if c.IsNoneEvent() {
			p.update(unix.EPOLL_CTL_DEL, c)
			c.index = channelDeleted
		} else {
			p.update(unix.EPOLL_CTL_MOD, c)
		}
	}
}

func (p *epollPoller) removeChannel(c *Channel) {
	logging.Debugf("poller remove: fd=%d", c.fd)
	index := c.index
	if index != channelAdded && index != channelDeleted {
		logging.Fatalf("poller remove: fd=%d in unexpected state %d", c.fd, index)
	}
	delete(p.channels, c.fd)
	if index == channelAdded {
		p.update(unix.EPOLL_CTL_DEL, c)
	}
	c.index = channelNew
}

func (p *epollPoller) hasChannel(c *Channel) bool {
	got, ok := p.channels[c.fd]
	return ok && got == c
}

func (p *epollPoller) update(op int, c *Channel) {
	ev := unix.EpollEvent{Events: c.events, Fd: int32(c.fd)}
	if err := unix.EpollCtl(p.epollFd, op, c.fd, &ev); err != nil {
		if op == unix.EPOLL_CTL_DEL {
			logging.Errorf("epoll_ctl del fd=%d: %v", c.fd, err)
		} else {
			logging.Fatalf("epoll_ctl op=%d fd=%d: %v", op, c.fd, err)
		}
	}
}

func (p *epollPoller) close() {
	if err := unix.Close(p.epollFd); err != nil {
		logging.Errorf("close epoll fd: %v", err)
	}
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"os"
	"time"

	"github.com/smileatl/mynetlib/internal/logging"
)

// poller demultiplexes readiness for one loop. It runs exclusively on
// the loop's thread.
type poller interface {
	// poll blocks up to timeoutMs, appends fired channels to
	// activeChannels, and returns the wakeup time.
	poll(timeoutMs int, activeChannels *[]*Channel) time.Time
	updateChannel(c *Channel)
	removeChannel(c *Channel)
	hasChannel(c *Channel) bool
	close()
}

// newDefaultPoller returns the epoll backend. MYNETLIB_USE_POLL is
// accepted for compatibility but there is no poll(2) backend.
func newDefaultPoller(loop *EventLoop) poller {
	if os.Getenv("MYNETLIB_USE_POLL") != "" {
		logging.Warnf("MYNETLIB_USE_POLL is set but only the epoll backend exists; using epoll")
	}
	return newEpollPoller(loop)
}

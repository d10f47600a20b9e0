// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import "time"

// ConnectionCallback fires on both connect-up and connect-down;
// Conn.Connected discriminates.
type ConnectionCallback func(*Conn)

// MessageCallback fires after bytes were appended to the input buffer.
// The receive time is the poll-return time of the triggering iteration.
type MessageCallback func(*Conn, *Buffer, time.Time)

// WriteCompleteCallback fires whenever the output buffer has just
// emptied.
type WriteCompleteCallback func(*Conn)

// HighWaterMarkCallback fires each time the output buffer length
// crosses the configured threshold upward.
type HighWaterMarkCallback func(*Conn, int)

// CloseCallback is internal to the server: it unregisters the
// connection once its channel saw the close event.
type CloseCallback func(*Conn)

// TimerCallback runs on the loop thread when a timer expires.
type TimerCallback func()

// ThreadInitCallback runs on each freshly started loop thread before
// the loop enters its poll cycle.
type ThreadInitCallback func(*EventLoop)

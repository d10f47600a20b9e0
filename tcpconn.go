// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"net"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/sys/unix"

	"github.com/smileatl/mynetlib/internal/logging"
	"github.com/smileatl/mynetlib/internal/socket"
)

const defaultHighWaterMark = 64 * 1024 * 1024

// Connection states. Transitions happen only on the owning loop's
// thread; the atomic lets other threads observe the current state.
const (
	stateConnecting int32 = iota
	stateConnected
	stateDisconnecting
	stateDisconnected
)

// Conn is one accepted TCP connection: its channel, its buffered I/O,
// and its lifecycle state machine. Send and Shutdown may be called from
// any thread; everything else that mutates runs on the owning loop.
type Conn struct {
	loop  *EventLoop
	name  string
	state atomic.Int32

	fd      int
	channel *Channel

	localAddr *net.TCPAddr
	peerAddr  *net.TCPAddr

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	closeCallback         CloseCallback

	inputBuffer   *Buffer
	outputBuffer  *Buffer
	highWaterMark int

	ctx interface{}
}

func newConn(loop *EventLoop, name string, fd int, localAddr, peerAddr *net.TCPAddr) *Conn {
	if loop == nil {
		logging.Fatalf("connection %q constructed without a loop", name)
	}
	c := &Conn{
		loop:          loop,
		name:          name,
		fd:            fd,
		channel:       NewChannel(loop, fd),
		localAddr:     localAddr,
		peerAddr:      peerAddr,
		inputBuffer:   NewBuffer(),
		outputBuffer:  NewBuffer(),
		highWaterMark: defaultHighWaterMark,
	}
	c.state.Store(stateConnecting)

	c.channel.SetReadCallback(c.handleRead)
	c.channel.SetWriteCallback(c.handleWrite)
	c.channel.SetCloseCallback(c.handleClose)
	c.channel.SetErrorCallback(c.handleError)

	logging.Infof("connection %s up at fd=%d", name, fd)
	if err := socket.SetKeepAlive(fd, true); err != nil {
		logging.Errorf("connection %s SO_KEEPALIVE: %v", name, err)
	}
	return c
}

func (c *Conn) Name() string             { return c.name }
func (c *Conn) GetLoop() *EventLoop      { return c.loop }
func (c *Conn) LocalAddr() *net.TCPAddr  { return c.localAddr }
func (c *Conn) RemoteAddr() *net.TCPAddr { return c.peerAddr }

// Connected reports whether the connection is fully established and not
// yet shutting down.
func (c *Conn) Connected() bool { return c.state.Load() == stateConnected }

// SetContext attaches an opaque per-connection value, e.g. protocol
// parsing state. The user owns the concrete type.
func (c *Conn) SetContext(ctx interface{}) { c.ctx = ctx }
func (c *Conn) Context() interface{}       { return c.ctx }

// SetNoDelay toggles TCP_NODELAY.
func (c *Conn) SetNoDelay(on bool) {
	if err := socket.SetNoDelay(c.fd, on); err != nil {
		logging.Errorf("connection %s TCP_NODELAY: %v", c.name, err)
	}
}

// Send queues data for delivery. Off-thread callers get their bytes
// copied into the marshalled task; on-thread callers write directly.
func (c *Conn) Send(data []byte) {
	if c.state.Load() != stateConnected {
		return
	}
	if c.loop.IsInLoopThread() {
		c.sendInLoop(data)
	} else {
		owned := append([]byte(nil), data...)
		c.loop.RunInLoop(func() { c.sendInLoop(owned) })
	}
}

func (c *Conn) SendString(s string) {
	c.Send([]byte(s))
}

// Shutdown closes the write half once the output buffer has drained.
func (c *Conn) Shutdown() {
	c.loop.RunInLoop(func() {
		if c.state.CAS(stateConnected, stateDisconnecting) {
			c.shutdownInLoop()
		}
	})
}

func (c *Conn) sendInLoop(data []byte) {
	var nwrote int
	remaining := len(data)
	faultError := false

	if c.state.Load() == stateDisconnected {
		logging.Errorf("connection %s is disconnected, give up writing", c.name)
		return
	}

	// nothing buffered and no write interest: try the direct write
	if !c.channel.IsWriting() && c.outputBuffer.ReadableBytes() == 0 {
		n, err := unix.Write(c.fd, data)
		if n < 0 {
			n = 0
		}
		if err == nil {
			nwrote = n
			remaining = len(data) - nwrote
			if remaining == 0 && c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
		} else if err != unix.EWOULDBLOCK {
			logging.Errorf("connection %s write: %v", c.name, err)
			if err == unix.EPIPE || err == unix.ECONNRESET {
				faultError = true
			}
		}
	}

	if !faultError && remaining > 0 {
		oldLen := c.outputBuffer.ReadableBytes()
		if oldLen+remaining >= c.highWaterMark && oldLen < c.highWaterMark &&
			c.highWaterMark > 0 && c.highWaterMarkCallback != nil {
			buffered := oldLen + remaining
			c.loop.QueueInLoop(func() { c.highWaterMarkCallback(c, buffered) })
		}
		c.outputBuffer.Append(data[nwrote:])
		if !c.channel.IsWriting() {
			c.channel.EnableWriting()
		}
	}
}

func (c *Conn) shutdownInLoop() {
	// write interest still armed means the output buffer is not drained
	// yet; handleWrite issues the shutdown once it empties
	if !c.channel.IsWriting() {
		if err := socket.ShutdownWrite(c.fd); err != nil {
			logging.Errorf("connection %s shutdown: %v", c.name, err)
		}
	}
}

func (c *Conn) handleRead(receiveTime time.Time) {
	n, err := c.inputBuffer.ReadFd(c.fd)
	switch {
	case n > 0:
		if c.messageCallback != nil {
			c.messageCallback(c, c.inputBuffer, receiveTime)
		}
	case n == 0:
		c.handleClose()
	default:
		if err == unix.EAGAIN {
			return
		}
		logging.Errorf("connection %s read: %v", c.name, err)
		c.handleError()
		c.handleClose()
	}
}

func (c *Conn) handleWrite() {
	if !c.channel.IsWriting() {
		logging.Errorf("connection %s fd=%d is down, no more writing", c.name, c.fd)
		return
	}
	n, err := c.outputBuffer.WriteFd(c.fd)
	if n > 0 {
		c.outputBuffer.Retrieve(n)
		if c.outputBuffer.ReadableBytes() == 0 {
			c.channel.DisableWriting()
			if c.writeCompleteCallback != nil {
				c.loop.QueueInLoop(func() { c.writeCompleteCallback(c) })
			}
			if c.state.Load() == stateDisconnecting {
				c.shutdownInLoop()
			}
		}
	} else if err != nil && err != unix.EAGAIN {
		logging.Errorf("connection %s write: %v", c.name, err)
	}
}

func (c *Conn) handleClose() {
	logging.Infof("connection %s fd=%d closing, state=%d", c.name, c.fd, c.state.Load())
	c.state.Store(stateDisconnected)
	c.channel.DisableAll()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
	if c.closeCallback != nil {
		c.closeCallback(c)
	}
}

func (c *Conn) handleError() {
	errno := socket.Error(c.fd)
	logging.Errorf("connection %s SO_ERROR=%d", c.name, errno)
}

// connectEstablished finishes the handshake with the library: ties the
// channel to this connection, arms read interest, and announces the
// connection. Runs on the owning loop.
func (c *Conn) connectEstablished() {
	c.state.Store(stateConnected)
	c.channel.tieTo(c)
	c.channel.EnableReading()

	if c.connectionCallback != nil {
		c.connectionCallback(c)
	}
}

// connectDestroyed is the final lifecycle step, marshalled to the
// owning loop by the server after the connection left its map.
func (c *Conn) connectDestroyed() {
	st := c.state.Swap(stateDisconnected)
	if st == stateConnected || st == stateDisconnecting {
		// still registered: the close event never arrived
		c.channel.DisableAll()
		if c.connectionCallback != nil {
			c.connectionCallback(c)
		}
	}
	c.channel.Remove()
	unix.Close(c.fd)
	logging.Infof("connection %s destroyed", c.name)
}

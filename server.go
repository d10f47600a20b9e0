// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"fmt"
	"net"

	"go.uber.org/atomic"

	"github.com/smileatl/mynetlib/internal/logging"
	"github.com/smileatl/mynetlib/internal/socket"
)

// ServerOption customizes a Server at construction.
type ServerOption func(*Server)

// WithReusePort makes the listening socket SO_REUSEPORT so several
// processes can share the port.
func WithReusePort() ServerOption {
	return func(s *Server) { s.reusePort = true }
}

// Server wires the acceptor, the worker loop pool, and the
// per-connection lifecycle together. The base loop accepts; workers own
// the connections.
type Server struct {
	loop *EventLoop

	ipPort string
	name   string

	acceptor   *acceptor
	threadPool *EventLoopThreadPool

	connectionCallback    ConnectionCallback
	messageCallback       MessageCallback
	writeCompleteCallback WriteCompleteCallback
	highWaterMarkCallback HighWaterMarkCallback
	highWaterMark         int
	threadInitCallback    ThreadInitCallback

	reusePort bool

	started    atomic.Int32
	nextConnID int
	// confined to the base loop thread
	connections map[string]*Conn
}

func NewServer(loop *EventLoop, listenAddr *net.TCPAddr, name string, opts ...ServerOption) *Server {
	if loop == nil {
		logging.Fatalf("server %q constructed without a loop", name)
	}
	s := &Server{
		loop:        loop,
		ipPort:      listenAddr.String(),
		name:        name,
		nextConnID:  1,
		connections: make(map[string]*Conn),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.acceptor = newAcceptor(loop, listenAddr, s.reusePort)
	s.acceptor.newConnectionCallback = s.newConnection
	s.threadPool = NewEventLoopThreadPool(loop, name)
	return s
}

func (s *Server) GetLoop() *EventLoop { return s.loop }
func (s *Server) Name() string        { return s.name }
func (s *Server) IPPort() string      { return s.ipPort }

// ListenAddr is the bound listening address, with a port-0 request
// resolved to the assigned port.
func (s *Server) ListenAddr() *net.TCPAddr { return s.acceptor.localAddr() }

// SetThreadNum configures the worker loop count; zero keeps every
// connection on the base loop.
func (s *Server) SetThreadNum(n int) { s.threadPool.SetThreadNum(n) }

func (s *Server) SetThreadInitCallback(cb ThreadInitCallback)    { s.threadInitCallback = cb }
func (s *Server) SetConnectionCallback(cb ConnectionCallback)    { s.connectionCallback = cb }
func (s *Server) SetMessageCallback(cb MessageCallback)          { s.messageCallback = cb }
func (s *Server) SetWriteCompleteCallback(cb WriteCompleteCallback) {
	s.writeCompleteCallback = cb
}

// SetHighWaterMarkCallback installs the output-backpressure callback,
// fired once per upward crossing of threshold buffered bytes.
func (s *Server) SetHighWaterMarkCallback(cb HighWaterMarkCallback, threshold int) {
	s.highWaterMarkCallback = cb
	s.highWaterMark = threshold
}

// Start launches the worker pool and begins listening. Safe to call
// more than once; only the first call acts, and that first call must
// run on the base loop's thread. Later calls are no-ops from any thread.
func (s *Server) Start() {
	if s.started.Inc() == 1 {
		s.threadPool.Start(s.threadInitCallback)
		s.loop.RunInLoop(s.acceptor.listen)
	}
}

// newConnection runs on the base loop for every accepted fd: name it,
// pick a worker round-robin, and hand the connection over.
func (s *Server) newConnection(connFd int, peerAddr *net.TCPAddr) {
	ioLoop := s.threadPool.GetNextLoop()
	connName := fmt.Sprintf("%s-%s#%d", s.name, s.ipPort, s.nextConnID)
	s.nextConnID++

	logging.Infof("server %s: new connection %s from %s", s.name, connName, peerAddr)

	localAddr := socket.LocalAddr(connFd)
	conn := newConn(ioLoop, connName, connFd, localAddr, peerAddr)
	s.connections[connName] = conn

	conn.connectionCallback = s.connectionCallback
	conn.messageCallback = s.messageCallback
	conn.writeCompleteCallback = s.writeCompleteCallback
	if s.highWaterMarkCallback != nil {
		conn.highWaterMarkCallback = s.highWaterMarkCallback
		conn.highWaterMark = s.highWaterMark
	}
	conn.closeCallback = s.removeConnection

	ioLoop.RunInLoop(conn.connectEstablished)
}

func (s *Server) removeConnection(conn *Conn) {
	s.loop.RunInLoop(func() { s.removeConnectionInLoop(conn) })
}

// removeConnectionInLoop erases the map entry on the base loop, then
// marshals the final teardown to the worker that owns the connection.
// The closure keeps the connection alive across that last dispatch. A
// connection already gone from the map (server shutdown raced the peer
// close) is left alone.
func (s *Server) removeConnectionInLoop(conn *Conn) {
	if _, ok := s.connections[conn.Name()]; !ok {
		return
	}
	logging.Infof("server %s: remove connection %s", s.name, conn.Name())
	delete(s.connections, conn.Name())

	ioLoop := conn.GetLoop()
	ioLoop.QueueInLoop(conn.connectDestroyed)
}

// Close stops accepting and destroys every remaining connection on its
// owning loop. The base loop keeps running; quitting it is the
// caller's decision.
func (s *Server) Close() {
	s.loop.RunInLoop(func() {
		s.acceptor.close()
		for name, conn := range s.connections {
			delete(s.connections, name)
			c := conn
			c.GetLoop().RunInLoop(func() { c.connectDestroyed() })
		}
	})
}

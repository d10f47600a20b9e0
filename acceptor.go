// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"net"
	"os"
	"time"

	reuseport "github.com/kavu/go_reuseport"
	"golang.org/x/sys/unix"

	"github.com/smileatl/mynetlib/internal/logging"
	"github.com/smileatl/mynetlib/internal/socket"
)

const listenBacklog = 1024

// acceptor owns the listening socket on the base loop and hands
// accepted fds upward. The idle fd is a reserved /dev/null descriptor
// released to recover from EMFILE: without a spare slot the listening
// socket would stay readable forever while accept keeps failing.
type acceptor struct {
	loop    *EventLoop
	fd      int
	file    *os.File     // pins the detached reuseport listener fd
	ln      net.Listener // reuseport path only
	channel *Channel

	newConnectionCallback func(fd int, peerAddr *net.TCPAddr)

	listening   bool
	preListened bool
	idleFd      int
}

func newAcceptor(loop *EventLoop, listenAddr *net.TCPAddr, reusePort bool) *acceptor {
	a := &acceptor{loop: loop}

	if reusePort {
		// the SO_REUSEPORT socket comes from the reuseport listener;
		// detach its fd and drive it nonblocking ourselves
		ln, err := reuseport.Listen("tcp4", listenAddr.String())
		if err != nil {
			logging.Fatalf("reuseport listen %s: %v", listenAddr, err)
		}
		f, err := ln.(*net.TCPListener).File()
		if err != nil {
			logging.Fatalf("detach listener fd: %v", err)
		}
		// File() hands back a blocking dup; flip it once and keep the fd
		fd := int(f.Fd())
		if err := unix.SetNonblock(fd, true); err != nil {
			logging.Fatalf("listener nonblock: %v", err)
		}
		a.ln = ln
		a.file = f
		a.fd = fd
		a.preListened = true
	} else {
		fd, err := socket.CreateNonblocking()
		if err != nil {
			logging.Fatalf("listen socket: %v", err)
		}
		if err := socket.SetReuseAddr(fd, true); err != nil {
			logging.Errorf("listen socket SO_REUSEADDR: %v", err)
		}
		if err := socket.Bind(fd, listenAddr); err != nil {
			logging.Fatalf("%v", err)
		}
		a.fd = fd
	}

	idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
	if err != nil {
		logging.Fatalf("open /dev/null: %v", err)
	}
	a.idleFd = idleFd

	a.channel = NewChannel(loop, a.fd)
	a.channel.SetReadCallback(func(time.Time) { a.handleRead() })
	return a
}

func (a *acceptor) listen() {
	a.listening = true
	if !a.preListened {
		if err := socket.Listen(a.fd, listenBacklog); err != nil {
			logging.Fatalf("%v", err)
		}
	}
	a.channel.EnableReading()
}

// localAddr reports the bound address, resolving a port-0 bind.
func (a *acceptor) localAddr() *net.TCPAddr {
	return socket.LocalAddr(a.fd)
}

func (a *acceptor) handleRead() {
	connFd, sa, err := unix.Accept4(a.fd, unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC)
	if err == nil {
		peer := socket.SockaddrToTCPAddr(sa)
		if a.newConnectionCallback != nil {
			a.newConnectionCallback(connFd, peer)
		} else {
			unix.Close(connFd)
		}
		return
	}
	if err == unix.EAGAIN {
		return
	}
	logging.Errorf("accept: %v", err)

	if err == unix.EMFILE {
		// free the reserved slot, drain one pending connection from the
		// kernel queue, drop it, then re-reserve the slot
		unix.Close(a.idleFd)
		if fd, _, err := unix.Accept(a.fd); err == nil {
			unix.Close(fd)
		}
		idleFd, err := unix.Open("/dev/null", unix.O_RDONLY|unix.O_CLOEXEC, 0)
		if err != nil {
			logging.Errorf("reopen /dev/null: %v", err)
			idleFd = -1
		}
		a.idleFd = idleFd
	}
}

func (a *acceptor) close() {
	a.channel.DisableAll()
	a.channel.Remove()
	if a.idleFd >= 0 {
		unix.Close(a.idleFd)
	}
	if a.file != nil {
		a.file.Close()
		a.ln.Close()
	} else {
		unix.Close(a.fd)
	}
}

// Package socket holds the raw IPv4 TCP socket plumbing: nonblocking
// socket creation, bind/listen, socket options, and conversions between
// unix.Sockaddr and net.TCPAddr.
package socket

import (
	"net"
	"os"

	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

// CreateNonblocking returns a nonblocking, close-on-exec IPv4 TCP socket.
func CreateNonblocking() (int, error) {
	fd, err := unix.Socket(unix.AF_INET, unix.SOCK_STREAM|unix.SOCK_NONBLOCK|unix.SOCK_CLOEXEC, unix.IPPROTO_TCP)
	if err != nil {
		return -1, os.NewSyscallError("socket", err)
	}
	return fd, nil
}

// Bind binds fd to addr.
func Bind(fd int, addr *net.TCPAddr) error {
	sa, err := TCPAddrToSockaddr(addr)
	if err != nil {
		return err
	}
	if err := unix.Bind(fd, sa); err != nil {
		return errors.Wrapf(os.NewSyscallError("bind", err), "fd=%d addr=%s", fd, addr)
	}
	return nil
}

// Listen marks fd as a passive socket with the given backlog.
func Listen(fd, backlog int) error {
	if err := unix.Listen(fd, backlog); err != nil {
		return errors.Wrapf(os.NewSyscallError("listen", err), "fd=%d", fd)
	}
	return nil
}

// ShutdownWrite closes the write half of the connection.
func ShutdownWrite(fd int) error {
	if err := unix.Shutdown(fd, unix.SHUT_WR); err != nil {
		return os.NewSyscallError("shutdown", err)
	}
	return nil
}

func setBoolOpt(fd, level, opt int, on bool) error {
	v := 0
	if on {
		v = 1
	}
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, level, opt, v))
}

func SetReuseAddr(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEADDR, on)
}

func SetReusePort(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_REUSEPORT, on)
}

func SetKeepAlive(fd int, on bool) error {
	return setBoolOpt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, on)
}

func SetNoDelay(fd int, on bool) error {
	return setBoolOpt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, on)
}

func SetSendBuffer(fd, size int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_SNDBUF, size))
}

func SetRecvBuffer(fd, size int) error {
	return os.NewSyscallError("setsockopt", unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_RCVBUF, size))
}

// Error returns and clears the pending socket error on fd. When the
// getsockopt call itself fails its errno is returned instead.
func Error(fd int) int {
	v, err := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR)
	if err != nil {
		if errno, ok := err.(unix.Errno); ok {
			return int(errno)
		}
		return int(unix.EINVAL)
	}
	return v
}

// SockaddrToTCPAddr converts an accepted peer's unix.Sockaddr.
func SockaddrToTCPAddr(sa unix.Sockaddr) *net.TCPAddr {
	switch sa := sa.(type) {
	case *unix.SockaddrInet4:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port}
	case *unix.SockaddrInet6:
		return &net.TCPAddr{IP: append([]byte(nil), sa.Addr[:]...), Port: sa.Port, Zone: zoneName(sa.ZoneId)}
	}
	return nil
}

// TCPAddrToSockaddr converts addr for bind(2). A nil IP means INADDR_ANY.
func TCPAddrToSockaddr(addr *net.TCPAddr) (unix.Sockaddr, error) {
	sa := &unix.SockaddrInet4{Port: addr.Port}
	if ip := addr.IP.To4(); ip != nil {
		copy(sa.Addr[:], ip)
	} else if addr.IP != nil {
		return nil, errors.Errorf("not an IPv4 address: %s", addr.IP)
	}
	return sa, nil
}

// LocalAddr returns the locally bound address of fd.
func LocalAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getsockname(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}

// RemoteAddr returns the peer address of fd.
func RemoteAddr(fd int) *net.TCPAddr {
	sa, err := unix.Getpeername(fd)
	if err != nil {
		return nil
	}
	return SockaddrToTCPAddr(sa)
}

func zoneName(id uint32) string {
	if id == 0 {
		return ""
	}
	ifi, err := net.InterfaceByIndex(int(id))
	if err != nil {
		return ""
	}
	return ifi.Name
}

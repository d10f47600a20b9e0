// Package eventfd wraps the Linux eventfd(2) counter used to wake an
// event loop out of epoll_wait from another thread.
package eventfd

import (
	"encoding/binary"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// EventFd is a nonblocking, close-on-exec eventfd.
type EventFd struct {
	fd int
}

func New() (*EventFd, error) {
	fd, err := unix.Eventfd(0, unix.EFD_NONBLOCK|unix.EFD_CLOEXEC)
	if err != nil {
		return nil, os.NewSyscallError("eventfd", err)
	}
	return &EventFd{fd: fd}, nil
}

func (e *EventFd) Fd() int { return e.fd }

func (e *EventFd) Close() error {
	return unix.Close(e.fd)
}

// WriteEvent adds v to the eventfd counter. A short write is reported as
// an error; the caller decides whether it is fatal.
func (e *EventFd) WriteEvent(v uint64) error {
	var buf [8]byte
	binary.NativeEndian.PutUint64(buf[:], v)
	n, err := unix.Write(e.fd, buf[:])
	if err != nil {
		return os.NewSyscallError("write", err)
	}
	if n != 8 {
		return fmt.Errorf("eventfd: wrote %d bytes instead of 8", n)
	}
	return nil
}

// ReadEvent drains the counter and returns its value.
func (e *EventFd) ReadEvent() (uint64, error) {
	var buf [8]byte
	n, err := unix.Read(e.fd, buf[:])
	if err != nil {
		return 0, os.NewSyscallError("read", err)
	}
	if n != 8 {
		return 0, fmt.Errorf("eventfd: read %d bytes instead of 8", n)
	}
	return binary.NativeEndian.Uint64(buf[:]), nil
}

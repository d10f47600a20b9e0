// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"bytes"

	"golang.org/x/sys/unix"
)

const (
	// CheapPrepend is the reserved prefix, sized for a length header.
	CheapPrepend = 8
	// InitialSize is the initial capacity of the readable+writable area.
	InitialSize = 1024
)

var crlf = []byte("\r\n")

// Buffer is the byte queue backing connection I/O:
//
//	+-------------------+------------------+------------------+
//	| prependable bytes |  readable bytes  |  writable bytes  |
//	+-------------------+------------------+------------------+
//	0      <=      readerIndex   <=   writerIndex    <=     len(buf)
//
// It is not safe for concurrent use; a connection's buffers are only
// touched on the owning loop's thread.
type Buffer struct {
	buf         []byte
	readerIndex int
	writerIndex int
}

func NewBuffer() *Buffer {
	return &Buffer{
		buf:         make([]byte, CheapPrepend+InitialSize),
		readerIndex: CheapPrepend,
		writerIndex: CheapPrepend,
	}
}

func (b *Buffer) ReadableBytes() int { return b.writerIndex - b.readerIndex }

func (b *Buffer) WritableBytes() int { return len(b.buf) - b.writerIndex }

func (b *Buffer) PrependableBytes() int { return b.readerIndex }

// Peek returns the readable bytes without consuming them. The slice
// aliases the buffer and is invalidated by the next mutation.
func (b *Buffer) Peek() []byte {
	return b.buf[b.readerIndex:b.writerIndex]
}

// Retrieve consumes n readable bytes; n past the readable area consumes
// everything.
func (b *Buffer) Retrieve(n int) {
	if n < b.ReadableBytes() {
		b.readerIndex += n
	} else {
		b.RetrieveAll()
	}
}

func (b *Buffer) RetrieveAll() {
	b.readerIndex = CheapPrepend
	b.writerIndex = CheapPrepend
}

func (b *Buffer) RetrieveAsString(n int) string {
	if n > b.ReadableBytes() {
		n = b.ReadableBytes()
	}
	s := string(b.buf[b.readerIndex : b.readerIndex+n])
	b.Retrieve(n)
	return s
}

func (b *Buffer) RetrieveAllAsString() string {
	return b.RetrieveAsString(b.ReadableBytes())
}

// RetrieveUntil consumes the readable bytes before offset end; the byte
// at end stays unread. Pairs with FindCRLF.
func (b *Buffer) RetrieveUntil(end int) {
	b.Retrieve(end)
}

// FindCRLF returns the offset of the first "\r\n" within the readable
// bytes, or -1.
func (b *Buffer) FindCRLF() int {
	return bytes.Index(b.Peek(), crlf)
}

// EnsureWritable grows or compacts so at least n bytes are writable.
func (b *Buffer) EnsureWritable(n int) {
	if b.WritableBytes() < n {
		b.makeSpace(n)
	}
}

func (b *Buffer) Append(data []byte) {
	b.EnsureWritable(len(data))
	copy(b.buf[b.writerIndex:], data)
	b.writerIndex += len(data)
}

func (b *Buffer) AppendString(s string) {
	b.EnsureWritable(len(s))
	copy(b.buf[b.writerIndex:], s)
	b.writerIndex += len(s)
}

// Prepend writes data into the reserved prefix, immediately before the
// readable bytes. len(data) must not exceed PrependableBytes.
func (b *Buffer) Prepend(data []byte) {
	b.readerIndex -= len(data)
	copy(b.buf[b.readerIndex:], data)
}

func (b *Buffer) makeSpace(n int) {
	if b.WritableBytes()+b.PrependableBytes() < n+CheapPrepend {
		grown := make([]byte, b.writerIndex+n)
		copy(grown, b.buf)
		b.buf = grown
	} else {
		// slide the readable bytes back to the prefix
		readable := b.ReadableBytes()
		copy(b.buf[CheapPrepend:], b.buf[b.readerIndex:b.writerIndex])
		b.readerIndex = CheapPrepend
		b.writerIndex = b.readerIndex + readable
	}
}

// ReadFd drains fd into the buffer with a vectored read. A 64 KiB block
// on the stack catches whatever the writable area cannot hold, so one
// call reads up to the writable area plus 64 KiB regardless of buffer
// size; the buffer grows only when the block actually spills.
func (b *Buffer) ReadFd(fd int) (int, error) {
	var extra [65536]byte
	writable := b.WritableBytes()

	vecs := make([][]byte, 1, 2)
	vecs[0] = b.buf[b.writerIndex:]
	if writable < len(extra) {
		vecs = append(vecs, extra[:])
	}

	n, err := unix.Readv(fd, vecs)
	if err != nil {
		return n, err
	}
	if n <= writable {
		b.writerIndex += n
	} else {
		b.writerIndex = len(b.buf)
		b.Append(extra[:n-writable])
	}
	return n, nil
}

// WriteFd writes the readable bytes to fd. The caller consumes whatever
// was written via Retrieve.
func (b *Buffer) WriteFd(fd int) (int, error) {
	return unix.Write(fd, b.Peek())
}

// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"bytes"
	"os"
	"strings"
	"testing"
)

func TestBufferAppendRetrieve(t *testing.T) {
	buf := NewBuffer()
	if buf.ReadableBytes() != 0 {
		t.Fatalf("fresh buffer readable = %d", buf.ReadableBytes())
	}
	if buf.WritableBytes() != InitialSize {
		t.Fatalf("fresh buffer writable = %d", buf.WritableBytes())
	}
	if buf.PrependableBytes() != CheapPrepend {
		t.Fatalf("fresh buffer prependable = %d", buf.PrependableBytes())
	}

	s := strings.Repeat("x", 200)
	buf.AppendString(s)
	if buf.ReadableBytes() != 200 {
		t.Fatalf("readable = %d after append", buf.ReadableBytes())
	}

	got := buf.RetrieveAsString(50)
	if got != s[:50] {
		t.Fatalf("retrieved %q", got)
	}
	if buf.ReadableBytes() != 150 {
		t.Fatalf("readable = %d after partial retrieve", buf.ReadableBytes())
	}
	if buf.PrependableBytes() != CheapPrepend+50 {
		t.Fatalf("prependable = %d after partial retrieve", buf.PrependableBytes())
	}

	rest := buf.RetrieveAllAsString()
	if rest != s[50:] {
		t.Fatalf("retrieved rest %q", rest)
	}
	if buf.ReadableBytes() != 0 || buf.PrependableBytes() != CheapPrepend {
		t.Fatal("buffer not reset after retrieve all")
	}
}

func TestBufferRoundTrip(t *testing.T) {
	buf := NewBuffer()
	payload := []byte("the quick brown fox jumps over the lazy dog")
	buf.Append(payload)
	if got := buf.RetrieveAsString(len(payload)); got != string(payload) {
		t.Fatalf("round trip got %q", got)
	}
}

func TestBufferGrow(t *testing.T) {
	buf := NewBuffer()
	big := bytes.Repeat([]byte{0x5a}, InitialSize*3)
	buf.Append(big)
	if buf.ReadableBytes() != len(big) {
		t.Fatalf("readable = %d after growth", buf.ReadableBytes())
	}
	if !bytes.Equal(buf.Peek(), big) {
		t.Fatal("content corrupted by growth")
	}
}

func TestBufferCompaction(t *testing.T) {
	buf := NewBuffer()
	buf.Append(bytes.Repeat([]byte{1}, 800))
	buf.Retrieve(700)
	capBefore := len(buf.buf)

	// 100 readable left; 224 writable + 708 prependable is plenty for
	// 600 more without reallocating
	buf.Append(bytes.Repeat([]byte{2}, 600))
	if len(buf.buf) != capBefore {
		t.Fatalf("buffer reallocated: %d -> %d", capBefore, len(buf.buf))
	}
	if buf.ReadableBytes() != 700 {
		t.Fatalf("readable = %d after compaction", buf.ReadableBytes())
	}
	want := append(bytes.Repeat([]byte{1}, 100), bytes.Repeat([]byte{2}, 600)...)
	if !bytes.Equal(buf.Peek(), want) {
		t.Fatal("content corrupted by compaction")
	}
}

func TestBufferPrepend(t *testing.T) {
	buf := NewBuffer()
	buf.AppendString("payload")
	buf.Prepend([]byte{0, 0, 0, 7})
	if buf.PrependableBytes() != CheapPrepend-4 {
		t.Fatalf("prependable = %d after prepend", buf.PrependableBytes())
	}
	if got := buf.RetrieveAllAsString(); got != "\x00\x00\x00\x07payload" {
		t.Fatalf("got %q", got)
	}
}

func TestBufferFindCRLF(t *testing.T) {
	buf := NewBuffer()
	buf.AppendString("GET / HTTP/1.1\r\nHost: x\r\n")
	i := buf.FindCRLF()
	if i != 14 {
		t.Fatalf("FindCRLF = %d", i)
	}
	line := buf.RetrieveAsString(i)
	buf.Retrieve(2)
	if line != "GET / HTTP/1.1" {
		t.Fatalf("line = %q", line)
	}
	if buf.FindCRLF() != len("Host: x") {
		t.Fatalf("second FindCRLF = %d", buf.FindCRLF())
	}

	buf.RetrieveAll()
	buf.AppendString("no terminator")
	if buf.FindCRLF() != -1 {
		t.Fatal("FindCRLF found a CRLF that is not there")
	}
}

func TestBufferReadFd(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	payload := bytes.Repeat([]byte{0xab}, 5000)
	if _, err := w.Write(payload); err != nil {
		t.Fatal(err)
	}

	buf := NewBuffer()
	n, err := buf.ReadFd(int(r.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	if n != len(payload) {
		t.Fatalf("ReadFd n = %d", n)
	}
	// 1024 went into the writable area, the rest spilled and grew the buffer
	if buf.ReadableBytes() != len(payload) {
		t.Fatalf("readable = %d", buf.ReadableBytes())
	}
	if !bytes.Equal(buf.Peek(), payload) {
		t.Fatal("spilled content corrupted")
	}
}

func TestBufferWriteFd(t *testing.T) {
	r, w, err := os.Pipe()
	if err != nil {
		t.Fatal(err)
	}
	defer r.Close()
	defer w.Close()

	buf := NewBuffer()
	buf.AppendString("ship it")
	n, err := buf.WriteFd(int(w.Fd()))
	if err != nil {
		t.Fatal(err)
	}
	buf.Retrieve(n)
	if buf.ReadableBytes() != 0 {
		t.Fatalf("readable = %d after full write", buf.ReadableBytes())
	}

	got := make([]byte, 16)
	m, err := r.Read(got)
	if err != nil {
		t.Fatal(err)
	}
	if string(got[:m]) != "ship it" {
		t.Fatalf("peer read %q", got[:m])
	}
}

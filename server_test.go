// Copyright 2018 Joshua J Baker. All rights reserved.
// Use of this source code is governed by an MIT-style
// license that can be found in the LICENSE file.

package mynetlib

import (
	"bytes"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sys/unix"
)

type testServer struct {
	s    *Server
	loop *EventLoop
	addr *net.TCPAddr
	done chan struct{}
}

// startTestServer brings up a server on an ephemeral port with its base
// loop on a dedicated thread. configure runs before Start.
func startTestServer(t *testing.T, threads int, configure func(*Server)) *testServer {
	t.Helper()
	ts := &testServer{done: make(chan struct{})}
	ready := make(chan struct{})

	go func() {
		loop := NewEventLoop()
		s := NewServer(loop, &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}, "test")
		s.SetThreadNum(threads)
		if configure != nil {
			configure(s)
		}
		s.Start()
		ts.s = s
		ts.loop = loop
		ts.addr = s.ListenAddr()
		close(ready)
		loop.Run()
		loop.Close()
		close(ts.done)
	}()

	<-ready
	t.Cleanup(func() {
		ts.s.Close()
		ts.loop.Quit()
		<-ts.done
	})
	return ts
}

func dial(t *testing.T, addr *net.TCPAddr) *net.TCPConn {
	t.Helper()
	c, err := net.DialTCP("tcp", nil, addr)
	if err != nil {
		t.Fatal(err)
	}
	return c
}

func TestEchoSingleLoop(t *testing.T) {
	ts := startTestServer(t, 0, func(s *Server) {
		s.SetMessageCallback(func(c *Conn, buf *Buffer, _ time.Time) {
			c.SendString(buf.RetrieveAllAsString())
			c.Shutdown()
		})
	})

	client := dial(t, ts.addr)
	defer client.Close()

	if _, err := client.Write([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "hello\n" {
		t.Fatalf("echoed %q", got)
	}
}

func TestConnectionCallbackUpDown(t *testing.T) {
	var ups, downs int32
	down := make(chan struct{}, 1)
	ts := startTestServer(t, 1, func(s *Server) {
		s.SetConnectionCallback(func(c *Conn) {
			if c.Connected() {
				atomic.AddInt32(&ups, 1)
			} else {
				atomic.AddInt32(&downs, 1)
				down <- struct{}{}
			}
		})
		s.SetMessageCallback(func(c *Conn, buf *Buffer, _ time.Time) {
			buf.RetrieveAll()
		})
	})

	client := dial(t, ts.addr)
	client.Write([]byte("x"))
	client.Close()

	select {
	case <-down:
	case <-time.After(5 * time.Second):
		t.Fatal("connect-down callback never fired")
	}
	if atomic.LoadInt32(&ups) != 1 || atomic.LoadInt32(&downs) != 1 {
		t.Fatalf("ups=%d downs=%d", ups, downs)
	}
}

func TestRoundRobinDispatch(t *testing.T) {
	var mu sync.Mutex
	var tids []int

	ts := startTestServer(t, 3, func(s *Server) {
		s.SetMessageCallback(func(c *Conn, buf *Buffer, _ time.Time) {
			mu.Lock()
			tids = append(tids, unix.Gettid())
			mu.Unlock()
			c.SendString(buf.RetrieveAllAsString())
		})
	})

	for i := 0; i < 6; i++ {
		client := dial(t, ts.addr)
		if _, err := client.Write([]byte("ping")); err != nil {
			t.Fatal(err)
		}
		buf := make([]byte, 4)
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(client, buf); err != nil {
			t.Fatal(err)
		}
		client.Close()
	}

	mu.Lock()
	defer mu.Unlock()
	if len(tids) != 6 {
		t.Fatalf("saw %d messages", len(tids))
	}
	if tids[0] == tids[1] || tids[1] == tids[2] || tids[0] == tids[2] {
		t.Fatalf("first three connections share workers: %v", tids)
	}
	for i := 0; i < 3; i++ {
		if tids[i] != tids[i+3] {
			t.Fatalf("assignment not round-robin: %v", tids)
		}
	}
}

func TestHighWaterMarkFiresOnce(t *testing.T) {
	const (
		highWaterMark = 1 << 20
		payloadSize   = 32 << 20
	)

	var hwmFires int32
	hwmLen := make(chan int, 4)
	var writeCompletes int32
	connCh := make(chan *Conn, 1)

	ts := startTestServer(t, 1, func(s *Server) {
		s.SetConnectionCallback(func(c *Conn) {
			if c.Connected() {
				connCh <- c
			}
		})
		s.SetMessageCallback(func(c *Conn, buf *Buffer, _ time.Time) {
			buf.RetrieveAll()
		})
		s.SetHighWaterMarkCallback(func(c *Conn, n int) {
			atomic.AddInt32(&hwmFires, 1)
			hwmLen <- n
		}, highWaterMark)
		s.SetWriteCompleteCallback(func(c *Conn) {
			atomic.AddInt32(&writeCompletes, 1)
		})
	})

	client := dial(t, ts.addr)
	defer client.Close()
	client.SetReadBuffer(4096)

	var conn *Conn
	select {
	case conn = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i)
	}
	conn.Send(payload) // cross-thread: marshalled to the worker loop

	select {
	case n := <-hwmLen:
		if n < highWaterMark || n > payloadSize {
			t.Fatalf("high-water length = %d", n)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("high-water callback never fired")
	}

	// the peer has not read: write interest must be armed
	writing := make(chan bool, 1)
	conn.GetLoop().RunInLoop(func() { writing <- conn.channel.IsWriting() })
	if !<-writing {
		t.Fatal("output buffered but write interest not armed")
	}

	got := make([]byte, 0, payloadSize)
	buf := make([]byte, 64*1024)
	client.SetReadDeadline(time.Now().Add(30 * time.Second))
	for len(got) < payloadSize {
		n, err := client.Read(buf)
		if n > 0 {
			got = append(got, buf[:n]...)
		}
		if err != nil {
			t.Fatalf("read after %d bytes: %v", len(got), err)
		}
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted in flight")
	}

	deadline := time.Now().Add(5 * time.Second)
	for atomic.LoadInt32(&writeCompletes) == 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if atomic.LoadInt32(&writeCompletes) == 0 {
		t.Fatal("write-complete callback never fired after drain")
	}
	if n := atomic.LoadInt32(&hwmFires); n != 1 {
		t.Fatalf("high-water callback fired %d times", n)
	}
}

func TestGracefulShutdownDrainsBeforeEOF(t *testing.T) {
	const payloadSize = 16 << 20

	payload := make([]byte, payloadSize)
	for i := range payload {
		payload[i] = byte(i * 7)
	}

	ts := startTestServer(t, 1, func(s *Server) {
		s.SetConnectionCallback(func(c *Conn) {
			if c.Connected() {
				c.Send(payload)
				c.Shutdown()
			}
		})
	})

	client := dial(t, ts.addr)
	defer client.Close()

	client.SetReadDeadline(time.Now().Add(30 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != payloadSize {
		t.Fatalf("read %d of %d bytes before EOF", len(got), payloadSize)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("payload corrupted in flight")
	}
}

func TestCrossThreadSendPreservesOrder(t *testing.T) {
	connCh := make(chan *Conn, 1)
	ts := startTestServer(t, 1, func(s *Server) {
		s.SetConnectionCallback(func(c *Conn) {
			if c.Connected() {
				connCh <- c
			}
		})
	})

	client := dial(t, ts.addr)
	defer client.Close()

	var conn *Conn
	select {
	case conn = <-connCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server never saw the connection")
	}

	a := bytes.Repeat([]byte{'a'}, 1<<20)
	b := bytes.Repeat([]byte{'b'}, 1<<20)
	go func() {
		conn.Send(a)
		conn.Send(b)
		conn.Shutdown()
	}()

	client.SetReadDeadline(time.Now().Add(30 * time.Second))
	got, err := io.ReadAll(client)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, append(append([]byte(nil), a...), b...)) {
		t.Fatalf("read %d bytes, order or content wrong", len(got))
	}
}

func TestConnectionContext(t *testing.T) {
	type session struct{ hits int }

	result := make(chan int, 1)
	ts := startTestServer(t, 1, func(s *Server) {
		s.SetConnectionCallback(func(c *Conn) {
			if c.Connected() {
				c.SetContext(&session{})
			}
		})
		s.SetMessageCallback(func(c *Conn, buf *Buffer, _ time.Time) {
			sess := c.Context().(*session)
			sess.hits++
			buf.RetrieveAll()
			c.SendString("ok")
			if sess.hits == 2 {
				result <- sess.hits
			}
		})
	})

	client := dial(t, ts.addr)
	defer client.Close()
	reply := make([]byte, 2)
	for i := 0; i < 2; i++ {
		if _, err := client.Write([]byte("hit")); err != nil {
			t.Fatal(err)
		}
		client.SetReadDeadline(time.Now().Add(5 * time.Second))
		if _, err := io.ReadFull(client, reply); err != nil {
			t.Fatal(err)
		}
	}

	select {
	case hits := <-result:
		if hits != 2 {
			t.Fatalf("context hits = %d", hits)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("context state never accumulated")
	}
}

func TestSingleThreadedPoolUsesBaseLoop(t *testing.T) {
	var initLoop *EventLoop
	var mu sync.Mutex

	ts := startTestServer(t, 0, func(s *Server) {
		s.SetThreadInitCallback(func(l *EventLoop) {
			mu.Lock()
			initLoop = l
			mu.Unlock()
		})
	})

	mu.Lock()
	got := initLoop
	mu.Unlock()
	if got != ts.loop {
		t.Fatal("thread-init callback did not run on the base loop")
	}

	next := make(chan *EventLoop, 1)
	ts.loop.RunInLoop(func() { next <- ts.s.threadPool.GetNextLoop() })
	select {
	case l := <-next:
		if l != ts.loop {
			t.Fatal("zero-worker pool did not hand out the base loop")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("loop task never ran")
	}
}

func TestServerStartIdempotent(t *testing.T) {
	ts := startTestServer(t, 1, func(s *Server) {
		s.SetMessageCallback(func(c *Conn, buf *Buffer, _ time.Time) {
			c.SendString(buf.RetrieveAllAsString())
		})
	})

	// second and third Start must be no-ops
	ts.s.Start()
	ts.s.Start()

	client := dial(t, ts.addr)
	defer client.Close()
	if _, err := client.Write([]byte("still up")); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 8)
	client.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "still up" {
		t.Fatalf("echoed %q", buf)
	}
}

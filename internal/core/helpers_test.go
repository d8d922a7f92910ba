package core

import (
	"bytes"
	"context"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"fanrelay/internal/destination"
	"fanrelay/internal/link"
	"fanrelay/internal/retry"
	"fanrelay/internal/session"
	"fanrelay/internal/status"
)

// tcpSink is a TCP destination that records what it receives and can
// be killed and restarted on the same address.
type tcpSink struct {
	t    *testing.T
	addr string

	mu    sync.Mutex
	ln    net.Listener
	conns []net.Conn
	buf   bytes.Buffer
}

func newTCPSink(t *testing.T) *tcpSink {
	t.Helper()
	s := &tcpSink{t: t}
	s.listen("127.0.0.1:0")
	t.Cleanup(s.kill)
	return s
}

func (s *tcpSink) listen(addr string) {
	s.t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.t.Fatalf("listen %s: %v", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			s.mu.Lock()
			s.conns = append(s.conns, c)
			s.mu.Unlock()
			go s.read(c)
		}
	}()
}

func (s *tcpSink) read(c net.Conn) {
	b := make([]byte, 4096)
	for {
		n, err := c.Read(b)
		s.mu.Lock()
		s.buf.Write(b[:n])
		s.mu.Unlock()
		if err != nil {
			return
		}
	}
}

// kill closes the listener and every accepted connection.
func (s *tcpSink) kill() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ln != nil {
		s.ln.Close()
		s.ln = nil
	}
	for _, c := range s.conns {
		c.Close()
	}
	s.conns = nil
}

func (s *tcpSink) restart() { s.listen(s.addr) }

func (s *tcpSink) String() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *tcpSink) connCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

func (s *tcpSink) dest(t *testing.T) destination.Destination {
	return mustDest(t, s.addr, destination.TCP)
}

func mustDest(t *testing.T, addr string, proto destination.Protocol) destination.Destination {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatal(err)
	}
	p, err := strconv.Atoi(port)
	if err != nil {
		t.Fatal(err)
	}
	return destination.Destination{Host: host, Port: p, Protocol: proto}
}

func deadTCP(t *testing.T) destination.Destination {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	d := mustDest(t, ln.Addr().String(), destination.TCP)
	ln.Close()
	return d
}

func fastLinks(rec status.Reporter) link.Factory {
	return link.Config{
		Reporter:     rec,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		Backoff: &retry.Backoff{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2,
		},
	}.Factory()
}

// startTCPRelay runs a relay on a loopback port until the test ends.
func startTCPRelay(t *testing.T, rec *status.Recorder, src *destination.Source) *TCPRelay {
	t.Helper()
	r := &TCPRelay{
		Listen:      "127.0.0.1:0",
		Source:      src,
		Links:       fastLinks(rec),
		Session:     session.Config{Reporter: rec},
		GracePeriod: 2 * time.Second,
		Reporter:    rec,
		Logger:      zerolog.Nop(),
	}
	runMode(t, r)
	return r
}

func runMode(t *testing.T, m Mode) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	select {
	case <-m.Ready():
	case err := <-done:
		cancel()
		t.Fatalf("relay exited early: %v", err)
	case <-time.After(2 * time.Second):
		cancel()
		t.Fatal("relay not ready")
	}
	t.Cleanup(func() {
		cancel()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			t.Error("relay did not shut down")
		}
	})
}

func dialRelay(t *testing.T, m Mode) net.Conn {
	t.Helper()
	c, err := net.DialTimeout("tcp", m.ListenAddr().String(), 2*time.Second)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

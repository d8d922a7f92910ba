package link

import (
	"bytes"
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"fanrelay/internal/destination"
	"fanrelay/internal/retry"
	"fanrelay/internal/status"
)

// sink is a TCP destination that records everything it receives.
type sink struct {
	t    *testing.T
	addr string

	mu    sync.Mutex
	ln    net.Listener
	conns []net.Conn
	buf   bytes.Buffer
}

func startSink(t *testing.T) *sink {
	t.Helper()
	s := &sink{t: t}
	s.listen("127.0.0.1:0")
	t.Cleanup(s.stop)
	return s
}

func (s *sink) listen(addr string) {
	s.t.Helper()
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		s.t.Fatalf("listen %s: %v", addr, err)
	}
	s.mu.Lock()
	s.ln = ln
	s.addr = ln.Addr().String()
	s.mu.Unlock()
	go s.accept(ln)
}

func (s *sink) accept(ln net.Listener) {
	for {
		c, err := ln.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, c)
		s.mu.Unlock()
		go func() {
			b := make([]byte, 4096)
			for {
				n, err := c.Read(b)
				if n > 0 {
					s.mu.Lock()
					s.buf.Write(b[:n])
					s.mu.Unlock()
				}
				if err != nil {
					return
				}
			}
		}()
	}
}

// stop closes the listener and every accepted connection.
func (s *sink) stop() {
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

// restart listens again on the same address.
func (s *sink) restart() {
	s.listen(s.addr)
}

func (s *sink) received() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.buf.String()
}

func (s *sink) dest(t *testing.T) destination.Destination {
	t.Helper()
	return dest(t, s.addr, destination.TCP)
}

func dest(t *testing.T, addr string, proto destination.Protocol) destination.Destination {
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

// closedAddr returns a loopback address with nothing listening on it.
func closedAddr(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()
	return addr
}

// testConfig is a link config with a fast reconnect schedule.
func testConfig(rec *status.Recorder) Config {
	return Config{
		Reporter:     rec,
		DialTimeout:  time.Second,
		WriteTimeout: time.Second,
		Backoff: &retry.Backoff{
			InitialDelay: 20 * time.Millisecond,
			MaxDelay:     100 * time.Millisecond,
			Multiplier:   2.0,
		},
	}
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

func waitState(t *testing.T, l Link, want State) {
	t.Helper()
	waitFor(t, "state "+want.String(), func() bool { return l.State() == want })
}

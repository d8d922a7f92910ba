package link

import (
	"context"
	"errors"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"fanrelay/config"
	"fanrelay/internal/destination"
	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/metrics"
	"fanrelay/internal/retry"
	"fanrelay/internal/status"
	"fanrelay/internal/transport"
)

func TestState_String(t *testing.T) {
	tests := []struct {
		s    State
		want string
	}{
		{Disconnected, "disconnected"},
		{Connecting, "connecting"},
		{Connected, "connected"},
		{Backoff, "backoff"},
		{Closed, "closed"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.s.String(); got != tt.want {
			t.Errorf("State(%d).String() = %q, want %q", tt.s, got, tt.want)
		}
	}
}

func TestConfig_Defaults(t *testing.T) {
	c := Config{}.withDefaults()
	if c.DialTimeout != config.DefaultDialTimeout {
		t.Errorf("DialTimeout = %v", c.DialTimeout)
	}
	if c.WriteTimeout != config.DefaultWriteTimeout {
		t.Errorf("WriteTimeout = %v", c.WriteTimeout)
	}
	if c.StableAfter != config.DefaultStableAfter {
		t.Errorf("StableAfter = %v", c.StableAfter)
	}
	if c.QueueDepth != config.DefaultQueueDepth {
		t.Errorf("QueueDepth = %d", c.QueueDepth)
	}
	if c.Backoff == nil || c.TCPDialer == nil || c.UDPDialer == nil || c.Reporter == nil {
		t.Error("nil defaults left in config")
	}
}

func TestConfig_FactoryPicksByProtocol(t *testing.T) {
	f := Config{}.Factory()
	if _, ok := f(1, destination.Destination{Host: "127.0.0.1", Port: 1, Protocol: destination.TCP}).(*TCPLink); !ok {
		t.Error("tcp destination did not produce a TCPLink")
	}
	if _, ok := f(0, destination.Destination{Host: "127.0.0.1", Port: 1, Protocol: destination.UDP}).(*UDPLink); !ok {
		t.Error("udp destination did not produce a UDPLink")
	}
}

// ── TCP ──────────────────────────────────────────────────────────────

func TestTCPLink_ForwardsInOrder(t *testing.T) {
	s := startSink(t)
	rec := status.NewRecorder()
	l := NewTCP(s.dest(t), 1, testConfig(rec))
	l.Start(context.Background())
	defer l.Close()

	waitState(t, l, Connected)
	for _, u := range []string{"one ", "two ", "three"} {
		if err := l.Send([]byte(u)); err != nil {
			t.Fatalf("Send(%q): %v", u, err)
		}
	}
	waitFor(t, "delivery", func() bool { return s.received() == "one two three" })

	if n := rec.Count(status.Connect); n != 1 {
		t.Errorf("connect events = %d, want 1", n)
	}
	for _, e := range rec.Events() {
		if e.Kind == status.Connect && (e.Session != 1 || e.Destination != "tcp://"+s.addr) {
			t.Errorf("connect event not attributed: %+v", e)
		}
	}
}

func TestTCPLink_DropWhileDown(t *testing.T) {
	rec := status.NewRecorder()
	l := NewTCP(dest(t, closedAddr(t), destination.TCP), 1, testConfig(rec))
	l.Start(context.Background())
	defer l.Close()

	if !rec.WaitFor(status.ConnectError, 2, 2*time.Second) {
		t.Fatal("expected repeated connect errors")
	}

	err := l.Send([]byte("lost"))
	if !errors.Is(err, ferrors.ErrLinkDown) {
		t.Fatalf("Send while down = %v, want ErrLinkDown", err)
	}

	var attempts []int
	var drop *status.Event
	for _, e := range rec.Events() {
		e := e
		switch e.Kind {
		case status.ConnectError:
			attempts = append(attempts, e.Attempt)
			if e.Delay <= 0 {
				t.Errorf("connect error without retry delay: %+v", e)
			}
			var ne *ferrors.NetworkError
			if !errors.As(e.Err, &ne) || ne.Op != ferrors.OpDial {
				t.Errorf("connect error = %v, want dial NetworkError", e.Err)
			}
		case status.Drop:
			drop = &e
		}
	}
	if attempts[0] != 1 || attempts[1] != 2 {
		t.Errorf("attempts = %v, want 1, 2, ...", attempts)
	}
	if drop == nil || drop.Reason != status.ReasonNotConnected || drop.Bytes != 4 {
		t.Errorf("drop event = %+v", drop)
	}
	if l.LastError() == nil {
		t.Error("LastError not recorded")
	}
}

func TestTCPLink_QueuesUntilFirstConnect(t *testing.T) {
	s := startSink(t)
	release := make(chan struct{})
	cfg := testConfig(status.NewRecorder())
	cfg.TCPDialer = transport.DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		<-release
		var d net.Dialer
		return d.DialContext(ctx, network, address)
	})

	l := NewTCP(s.dest(t), 1, cfg)
	l.Start(context.Background())
	defer l.Close()

	for _, u := range []string{"early ", "bird"} {
		if err := l.Send([]byte(u)); err != nil {
			t.Fatalf("Send(%q) before connect: %v", u, err)
		}
	}
	close(release)
	waitFor(t, "queued units", func() bool { return s.received() == "early bird" })

	if err := l.Send([]byte("!")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "later unit", func() bool { return s.received() == "early bird!" })
}

func TestTCPLink_FirstDialFailureDropsQueued(t *testing.T) {
	release := make(chan struct{})
	rec := status.NewRecorder()
	cfg := testConfig(rec)
	cfg.TCPDialer = transport.DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		<-release
		return nil, errors.New("connection refused")
	})

	l := NewTCP(dest(t, closedAddr(t), destination.TCP), 1, cfg)
	l.Start(context.Background())
	defer l.Close()

	if err := l.Send([]byte("held")); err != nil {
		t.Fatalf("Send before first dial = %v", err)
	}
	close(release)
	if !rec.WaitFor(status.Drop, 1, 2*time.Second) {
		t.Fatal("queued unit not dropped after failed dial")
	}
	for _, e := range rec.Events() {
		if e.Kind == status.Drop && (e.Reason != status.ReasonNotConnected || e.Bytes != 4) {
			t.Errorf("drop event = %+v", e)
		}
	}
	if err := l.Send([]byte("late")); !errors.Is(err, ferrors.ErrLinkDown) {
		t.Errorf("Send after failed first dial = %v, want ErrLinkDown", err)
	}
}

func TestTCPLink_CloseDropsQueuedBeforeStart(t *testing.T) {
	rec := status.NewRecorder()
	l := NewTCP(dest(t, closedAddr(t), destination.TCP), 1, testConfig(rec))
	if err := l.Send([]byte("never")); err != nil {
		t.Fatal(err)
	}
	l.Close()
	if rec.Count(status.Drop) != 1 {
		t.Fatalf("drops = %d, want 1", rec.Count(status.Drop))
	}
	if e := rec.Events()[0]; e.Reason != status.ReasonClosed {
		t.Errorf("drop reason = %q", e.Reason)
	}
}

func TestTCPLink_ReconnectAfterRestart(t *testing.T) {
	s := startSink(t)
	rec := status.NewRecorder()
	l := NewTCP(s.dest(t), 1, testConfig(rec))
	l.Start(context.Background())
	defer l.Close()

	waitState(t, l, Connected)
	if err := l.Send([]byte("hello\n")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "hello", func() bool { return s.received() == "hello\n" })

	s.stop()
	if !rec.WaitFor(status.Disconnect, 1, 2*time.Second) {
		t.Fatal("no disconnect after destination went away")
	}
	if err := l.Send([]byte("again\n")); err == nil {
		t.Fatal("Send accepted while destination was down")
	}

	s.restart()
	if !rec.WaitFor(status.Connect, 2, 3*time.Second) {
		t.Fatal("link did not reconnect")
	}
	waitState(t, l, Connected)
	if err := l.Send([]byte("third\n")); err != nil {
		t.Fatal(err)
	}
	waitFor(t, "third", func() bool { return s.received() == "hello\nthird\n" })
}

// A connection that stayed up for StableAfter restarts the retry
// schedule; one that dropped straight away keeps it growing.
func TestTCPLink_BackoffResetsAfterStableConnection(t *testing.T) {
	var calls atomic.Int32
	dialer := transport.DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		switch calls.Add(1) {
		case 1, 3, 5:
			return nil, errors.New("connection refused")
		case 2:
			near, far := net.Pipe()
			time.AfterFunc(150*time.Millisecond, func() { far.Close() })
			return near, nil
		case 4:
			near, far := net.Pipe()
			far.Close()
			return near, nil
		default:
			<-ctx.Done()
			return nil, ctx.Err()
		}
	})
	rec := status.NewRecorder()
	cfg := testConfig(rec)
	cfg.TCPDialer = dialer
	cfg.DialTimeout = 5 * time.Second
	cfg.StableAfter = 80 * time.Millisecond
	cfg.Backoff = &retry.Backoff{
		InitialDelay: 10 * time.Millisecond,
		MaxDelay:     time.Second,
		Multiplier:   2,
	}

	l := NewTCP(destination.Destination{Host: "scripted", Port: 1, Protocol: destination.TCP}, 1, cfg)
	l.Start(context.Background())
	defer l.Close()

	if !rec.WaitFor(status.ConnectError, 3, 3*time.Second) {
		t.Fatal("expected three connect errors")
	}
	var got []status.Event
	for _, e := range rec.Events() {
		if e.Kind == status.ConnectError {
			got = append(got, e)
		}
	}
	want := []struct {
		attempt int
		delay   time.Duration
	}{
		{1, 10 * time.Millisecond},
		// Reset after the stable connection; its reconnect delay was
		// attempt 1.
		{2, 20 * time.Millisecond},
		// The short connection used attempt 3 without a reset.
		{4, 80 * time.Millisecond},
	}
	for i, w := range want {
		if got[i].Attempt != w.attempt || got[i].Delay != w.delay {
			t.Errorf("connect error %d: attempt %d delay %v, want %d %v",
				i+1, got[i].Attempt, got[i].Delay, w.attempt, w.delay)
		}
	}
}

// Every unit handed to Send is written, dropped or reported as a send
// error exactly once, even when the destination vanishes mid-stream.
func TestTCPLink_EveryUnitAccountedAcrossDisconnect(t *testing.T) {
	s := startSink(t)
	m := metrics.New()
	rec := status.NewRecorder()
	cfg := testConfig(rec)
	cfg.Metrics = m
	cfg.QueueDepth = 16

	l := NewTCP(s.dest(t), 1, cfg)
	l.Start(context.Background())
	waitState(t, l, Connected)

	const units = 2000
	for i := 0; i < units; i++ {
		if i == units/2 {
			s.stop()
		}
		l.Send([]byte{'x'}) //nolint:errcheck
	}
	l.Close()

	lost := 0
	for _, e := range rec.Events() {
		if e.Kind == status.Drop || e.Kind == status.SendError {
			lost += e.Bytes
		}
	}
	if got := int(m.TotalBytesOut()) + lost; got != units {
		t.Errorf("written %d + lost %d = %d, want %d", m.TotalBytesOut(), lost, got, units)
	}
}

func TestTCPLink_QueueFull(t *testing.T) {
	// The far end of a pipe never reads, so the writer blocks on the
	// first unit and the queue fills behind it.
	dialer := transport.DialerFunc(func(ctx context.Context, network, address string) (net.Conn, error) {
		near, far := net.Pipe()
		t.Cleanup(func() { far.Close() })
		return near, nil
	})
	rec := status.NewRecorder()
	cfg := testConfig(rec)
	cfg.TCPDialer = dialer
	cfg.QueueDepth = 1
	cfg.WriteTimeout = 10 * time.Second

	l := NewTCP(destination.Destination{Host: "pipe", Port: 1, Protocol: destination.TCP}, 1, cfg)
	l.Start(context.Background())
	waitState(t, l, Connected)

	var full bool
	for i := 0; i < 5 && !full; i++ {
		full = errors.Is(l.Send([]byte("x")), ferrors.ErrQueueFull)
	}
	if !full {
		t.Fatal("queue never reported full")
	}

	var sawQueueFull bool
	for _, e := range rec.Events() {
		if e.Kind == status.Drop && e.Reason == status.ReasonQueueFull {
			sawQueueFull = true
		}
	}
	if !sawQueueFull {
		t.Error("no queue_full drop reported")
	}

	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	if l.State() != Closed {
		t.Errorf("state after Close = %v", l.State())
	}
	if rec.Count(status.SendError) != 0 {
		t.Error("shutdown reported as a send error")
	}
}

func TestTCPLink_CloseBeforeStart(t *testing.T) {
	l := NewTCP(destination.Destination{Host: "127.0.0.1", Port: 1, Protocol: destination.TCP}, 1, Config{})
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	select {
	case <-l.Done():
	default:
		t.Fatal("Done not closed")
	}
	l.Start(context.Background())
	if l.State() != Closed {
		t.Errorf("Start after Close changed state to %v", l.State())
	}
	if err := l.Send([]byte("x")); !errors.Is(err, ferrors.ErrLinkClosed) {
		t.Errorf("Send after Close = %v", err)
	}
	// Idempotent.
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
}

func TestTCPLink_ContextCancelStops(t *testing.T) {
	s := startSink(t)
	ctx, cancel := context.WithCancel(context.Background())
	l := NewTCP(s.dest(t), 1, testConfig(status.NewRecorder()))
	l.Start(ctx)
	waitState(t, l, Connected)

	cancel()
	select {
	case <-l.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("link did not stop on cancel")
	}
	if l.State() != Closed {
		t.Errorf("state = %v, want closed", l.State())
	}
}

func TestTCPLink_MetricsBalanced(t *testing.T) {
	s := startSink(t)
	m := metrics.New()
	rec := status.NewRecorder()
	cfg := testConfig(rec)
	cfg.Reporter = status.Multi(rec, status.NewMetricsReporter(m))
	cfg.Metrics = m

	l := NewTCP(s.dest(t), 1, cfg)
	l.Start(context.Background())
	waitState(t, l, Connected)
	if got := m.ConnectedLinks(); got != 1 {
		t.Errorf("connected links = %d, want 1", got)
	}
	l.Send([]byte("12345")) //nolint:errcheck
	waitFor(t, "bytes out", func() bool { return m.TotalBytesOut() == 5 })

	l.Close()
	if got := m.ConnectedLinks(); got != 0 {
		t.Errorf("connected links after close = %d, want 0", got)
	}
}

// ── UDP ──────────────────────────────────────────────────────────────

func TestUDPLink_OneDatagramPerUnit(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	l := NewUDP(dest(t, pc.LocalAddr().String(), destination.UDP), 0, testConfig(status.NewRecorder()))
	l.Start(context.Background())
	defer l.Close()
	waitState(t, l, Connected)

	units := []string{"alpha", "", "gamma-gamma"}
	for _, u := range units {
		if err := l.Send([]byte(u)); err != nil {
			t.Fatalf("Send(%q): %v", u, err)
		}
	}

	pc.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	buf := make([]byte, 2048)
	for _, want := range units {
		n, _, err := pc.ReadFrom(buf)
		if err != nil {
			t.Fatal(err)
		}
		if got := string(buf[:n]); got != want {
			t.Errorf("datagram = %q, want %q", got, want)
		}
	}
}

func TestUDPLink_SendErrorKeepsConnected(t *testing.T) {
	// Bind then release a port so ICMP port-unreachable comes back.
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := pc.LocalAddr().String()
	pc.Close()

	rec := status.NewRecorder()
	l := NewUDP(dest(t, addr, destination.UDP), 0, testConfig(rec))
	l.Start(context.Background())
	defer l.Close()
	waitState(t, l, Connected)

	waitFor(t, "send error", func() bool {
		l.Send([]byte("ping")) //nolint:errcheck
		return rec.Count(status.SendError) > 0
	})
	if l.State() != Connected {
		t.Errorf("state after send error = %v, want connected", l.State())
	}
	if rec.Count(status.Disconnect) != 0 {
		t.Error("send error caused a disconnect")
	}
}

func TestUDPLink_CloseEmitsDisconnect(t *testing.T) {
	pc, err := net.ListenPacket("udp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	rec := status.NewRecorder()
	l := NewUDP(dest(t, pc.LocalAddr().String(), destination.UDP), 0, testConfig(rec))
	l.Start(context.Background())
	waitState(t, l, Connected)
	l.Close()

	if rec.Count(status.Connect) != 1 || rec.Count(status.Disconnect) != 1 {
		t.Errorf("connect/disconnect = %d/%d, want 1/1",
			rec.Count(status.Connect), rec.Count(status.Disconnect))
	}
	if err := l.Send([]byte("late")); !errors.Is(err, ferrors.ErrLinkClosed) {
		t.Errorf("Send after close = %v", err)
	}
}

// ── Set ──────────────────────────────────────────────────────────────

func TestSet_UnreachableDoesNotBlockOthers(t *testing.T) {
	good := startSink(t)
	rec := status.NewRecorder()
	dests := destination.NewSet(
		dest(t, closedAddr(t), destination.TCP),
		good.dest(t),
	)
	s := NewSet(7, dests, testConfig(rec).Factory())
	if s.Len() != 2 {
		t.Fatalf("Len = %d", s.Len())
	}
	s.Start(context.Background())
	defer s.Close()

	waitState(t, s.Links()[1], Connected)
	if got := s.Send([]byte("fan")); got != 1 {
		t.Errorf("accepted by %d links, want 1", got)
	}
	waitFor(t, "delivery", func() bool { return good.received() == "fan" })
	if s.Connected() != 1 {
		t.Errorf("Connected = %d, want 1", s.Connected())
	}
}

func TestSet_CloseStopsAll(t *testing.T) {
	a, b := startSink(t), startSink(t)
	s := NewSet(1, destination.NewSet(a.dest(t), b.dest(t)), testConfig(status.NewRecorder()).Factory())
	s.Start(context.Background())
	for _, l := range s.Links() {
		waitState(t, l, Connected)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	for _, l := range s.Links() {
		if l.State() != Closed {
			t.Errorf("%s state = %v after Close", l.Destination(), l.State())
		}
	}
}

func TestSet_UpdateKeepsUnchangedLinks(t *testing.T) {
	a, b, c := startSink(t), startSink(t), startSink(t)
	rec := status.NewRecorder()
	old := NewSet(0, destination.NewSet(a.dest(t), b.dest(t)), testConfig(rec).Factory())
	old.Start(context.Background())
	for _, l := range old.Links() {
		waitState(t, l, Connected)
	}
	la, lb := old.Links()[0], old.Links()[1]

	next, err := old.Update(context.Background(), destination.NewSet(b.dest(t), c.dest(t)))
	if err != nil {
		t.Fatal(err)
	}
	defer next.Close()

	if next.Len() != 2 {
		t.Fatalf("Len = %d, want 2", next.Len())
	}
	if next.Links()[0] != lb {
		t.Error("link for unchanged destination was replaced")
	}
	if la.State() != Closed {
		t.Errorf("removed link state = %v, want closed", la.State())
	}
	if lb.State() != Connected {
		t.Errorf("kept link state = %v, want connected", lb.State())
	}
	waitState(t, next.Links()[1], Connected)

	if got := next.Send([]byte("x")); got != 2 {
		t.Errorf("accepted by %d links, want 2", got)
	}
	waitFor(t, "b", func() bool { return b.received() == "x" })
	waitFor(t, "c", func() bool { return c.received() == "x" })
	if a.received() != "" {
		t.Errorf("removed destination received %q", a.received())
	}
}

func TestSet_Empty(t *testing.T) {
	s := NewSet(1, destination.NewSet(), Config{}.Factory())
	s.Start(context.Background())
	if n := s.Send([]byte("x")); n != 0 {
		t.Errorf("Send on empty set = %d", n)
	}
	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
}

package link

import (
	"context"
	"io"
	"net"
	"sync"
	"time"

	"fanrelay/internal/destination"
	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/retry"
	"fanrelay/internal/status"
	"fanrelay/util"
)

// TCPLink keeps one TCP connection to a destination alive.
//
// While connected, Send enqueues into a bounded per-connection queue
// drained by a writer goroutine; a reader goroutine discards whatever
// the destination sends and notices a peer close.  Either failing ends
// the connection, discards the queue and starts the backoff schedule.
//
// Units sent before the first dial has finished wait in a queue of the
// same depth that the first connection adopts.  They are dropped if
// that dial fails, so nothing waits longer than one DialTimeout.
type TCPLink struct {
	base

	// mu orders enqueues against the drain of a dead connection.
	mu    sync.Mutex
	cur   *tcpConn
	first chan []byte // nil once the first dial has resolved
}

// tcpConn is one established connection and its send queue.  The queue
// is never closed; the writer exits when dead is closed.
type tcpConn struct {
	conn  net.Conn
	queue chan []byte
	dead  chan struct{}
	once  sync.Once
	err   error
}

func (c *tcpConn) fail(err error) {
	c.once.Do(func() {
		c.err = err
		close(c.dead)
	})
}

func (c *tcpConn) isDead() bool {
	select {
	case <-c.dead:
		return true
	default:
		return false
	}
}

// reason is the drop reason for units the connection never wrote.  Only
// valid once dead is closed.
func (c *tcpConn) reason() string {
	if ferrors.Is(c.err, ferrors.ErrLinkClosed) {
		return status.ReasonClosed
	}
	return status.ReasonDisconnect
}

// NewTCP creates a TCP link.  It does nothing until Start.
func NewTCP(d destination.Destination, session uint64, cfg Config) *TCPLink {
	l := &TCPLink{}
	l.init(d, session, cfg)
	l.first = make(chan []byte, l.cfg.QueueDepth)
	return l
}

// Start launches the connect/reconnect loop.
func (l *TCPLink) Start(ctx context.Context) {
	l.start(ctx, l.run)
}

// Close stops the link, closes its connection and waits for all of its
// goroutines.
func (l *TCPLink) Close() error {
	err := l.close()
	l.dropFirst(status.ReasonClosed)
	return err
}

// Send enqueues unit for the writer.  The caller must not modify unit
// afterwards.
func (l *TCPLink) Send(unit []byte) error {
	if l.State() == Closed {
		l.drop(unit, status.ReasonClosed)
		return ferrors.ErrLinkClosed
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	q := l.first
	if cc := l.cur; cc != nil && !cc.isDead() {
		q = cc.queue
	}
	if q == nil {
		l.drop(unit, status.ReasonNotConnected)
		return ferrors.ErrLinkDown
	}

	select {
	case q <- unit:
		return nil
	default:
		l.drop(unit, status.ReasonQueueFull)
		return ferrors.ErrQueueFull
	}
}

// run is the management loop: dial, serve until the connection fails,
// back off, repeat.
func (l *TCPLink) run(ctx context.Context) {
	defer l.dropFirst(status.ReasonClosed)

	sched := l.cfg.Backoff.Schedule()
	addr := l.dest.Addr()

	for {
		if ctx.Err() != nil {
			return
		}

		l.setState(Connecting)
		l.logger.Trace().Msg("dialing")
		dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
		conn, err := l.cfg.TCPDialer.Dial(dctx, "tcp", addr)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			l.dropFirst(status.ReasonNotConnected)
			if !retry.Sleep(ctx, l.connectFailed(sched, err)) {
				return
			}
			continue
		}

		connectedAt := time.Now()
		l.serve(ctx, conn)
		if ctx.Err() != nil {
			return
		}

		if time.Since(connectedAt) >= l.cfg.StableAfter {
			sched.Reset()
		}
		delay := sched.Next()
		l.setState(Backoff)
		l.logger.Debug().Dur("retry_in", delay).Msg("reconnecting")
		if !retry.Sleep(ctx, delay) {
			return
		}
	}
}

// dropFirst discards whatever was sent before the first connection and
// stops accepting more.
func (l *TCPLink) dropFirst(reason string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.first == nil {
		return
	}
	l.dropQueued(l.first, reason)
	l.first = nil
}

// dropQueued reports every unit left in q.  Callers hold mu.
func (l *TCPLink) dropQueued(q chan []byte, reason string) {
	for {
		select {
		case u := <-q:
			l.drop(u, reason)
		default:
			return
		}
	}
}

// serve runs one established connection until it fails or ctx ends.
func (l *TCPLink) serve(ctx context.Context, conn net.Conn) {
	cc := &tcpConn{
		conn: conn,
		dead: make(chan struct{}),
	}
	l.mu.Lock()
	cc.queue = l.first
	l.first = nil
	if cc.queue == nil {
		cc.queue = make(chan []byte, l.cfg.QueueDepth)
	}
	l.cur = cc
	l.mu.Unlock()
	l.setState(Connected)
	l.emit(status.Event{Kind: status.Connect})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		l.writeLoop(cc)
	}()
	go func() {
		defer wg.Done()
		n, err := util.Discard(conn)
		if n > 0 {
			l.logger.Trace().Int64("bytes", n).Msg("discarded bytes from destination")
		}
		if err == nil {
			err = io.EOF
		}
		cc.fail(ferrors.Wrap(ferrors.OpRead, l.dest.Addr(), err))
	}()

	select {
	case <-cc.dead:
	case <-ctx.Done():
		cc.fail(ferrors.ErrLinkClosed)
	}

	l.setState(Disconnected)
	conn.Close()
	wg.Wait()

	// Nothing queued for a dead connection is ever delivered later.  Send
	// sees the connection dead once it holds mu, so nothing lands after
	// this drain.
	reason := cc.reason()
	l.mu.Lock()
	l.cur = nil
	l.dropQueued(cc.queue, reason)
	l.mu.Unlock()

	if reason == status.ReasonDisconnect {
		l.setErr(cc.err)
	}
	ev := status.Event{Kind: status.Disconnect, Reason: reason}
	if reason == status.ReasonDisconnect && !ferrors.IsClosed(cc.err) {
		ev.Err = cc.err
	}
	l.emit(ev)
}

// writeLoop drains the queue onto the connection in order.  A unit it
// takes but cannot write is reported exactly once: as a send error if
// the write itself failed first, as a drop otherwise.
func (l *TCPLink) writeLoop(cc *tcpConn) {
	for {
		select {
		case <-cc.dead:
			return
		case u := <-cc.queue:
			if cc.isDead() {
				l.drop(u, cc.reason())
				return
			}
			cc.conn.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)) //nolint:errcheck
			n, err := cc.conn.Write(u)
			if err != nil {
				werr := ferrors.Wrap(ferrors.OpWrite, l.dest.Addr(), err)
				if cc.isDead() {
					l.drop(u, cc.reason())
				} else {
					l.emit(status.Event{Kind: status.SendError, Bytes: len(u), Err: werr})
				}
				cc.fail(werr)
				return
			}
			l.cfg.Metrics.UnitSent(n)
			l.logger.Trace().Int("bytes", n).Msg("forwarded")
		}
	}
}

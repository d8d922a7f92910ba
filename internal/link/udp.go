package link

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"fanrelay/internal/destination"
	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/retry"
	"fanrelay/internal/status"
)

// UDPLink owns one connected datagram socket to a destination.
//
// Creating the socket can fail (resolution, no route) and is retried on
// the backoff schedule.  Once created the link stays Connected until
// Close: a send error, including an ICMP port-unreachable surfacing as
// ECONNREFUSED, is reported but does not take the link down, because
// there is no connection to re-establish.
type UDPLink struct {
	base

	conn atomic.Pointer[net.Conn]
}

// NewUDP creates a UDP link.  It does nothing until Start.
func NewUDP(d destination.Destination, session uint64, cfg Config) *UDPLink {
	l := &UDPLink{}
	l.init(d, session, cfg)
	return l
}

// Start launches the socket setup loop.
func (l *UDPLink) Start(ctx context.Context) {
	l.start(ctx, l.run)
}

// Close stops the link and closes its socket.
func (l *UDPLink) Close() error {
	return l.close()
}

// Send writes unit as exactly one datagram.  The write is synchronous
// but bounded by WriteTimeout.
func (l *UDPLink) Send(unit []byte) error {
	switch l.State() {
	case Connected:
	case Closed:
		l.drop(unit, status.ReasonClosed)
		return ferrors.ErrLinkClosed
	default:
		l.drop(unit, status.ReasonNotConnected)
		return ferrors.ErrLinkDown
	}

	cp := l.conn.Load()
	if cp == nil {
		l.drop(unit, status.ReasonNotConnected)
		return ferrors.ErrLinkDown
	}
	c := *cp

	c.SetWriteDeadline(time.Now().Add(l.cfg.WriteTimeout)) //nolint:errcheck
	n, err := c.Write(unit)
	if err != nil {
		if ferrors.IsClosed(err) {
			l.drop(unit, status.ReasonClosed)
			return ferrors.ErrLinkClosed
		}
		werr := ferrors.Wrap(ferrors.OpWrite, l.dest.Addr(), err)
		l.setErr(werr)
		l.emit(status.Event{Kind: status.SendError, Bytes: len(unit), Err: werr})
		return werr
	}
	l.cfg.Metrics.UnitSent(n)
	l.logger.Trace().Int("bytes", n).Msg("forwarded")
	return nil
}

func (l *UDPLink) run(ctx context.Context) {
	sched := l.cfg.Backoff.Schedule()

	for {
		if ctx.Err() != nil {
			return
		}
		l.setState(Connecting)
		dctx, cancel := context.WithTimeout(ctx, l.cfg.DialTimeout)
		c, err := l.cfg.UDPDialer.Dial(dctx, "udp", l.dest.Addr())
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if !retry.Sleep(ctx, l.connectFailed(sched, err)) {
				return
			}
			continue
		}

		l.conn.Store(&c)
		l.setState(Connected)
		l.emit(status.Event{Kind: status.Connect})

		<-ctx.Done()

		l.setState(Closed)
		l.conn.Store(nil)
		c.Close()
		l.emit(status.Event{Kind: status.Disconnect, Reason: status.ReasonClosed})
		return
	}
}

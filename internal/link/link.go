// Package link manages the outbound side of the relay: one Link per
// destination, each with its own connection, state machine and
// reconnect schedule.  A failing link never blocks its caller or its
// siblings; units it cannot take are dropped and reported.
package link

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"fanrelay/config"
	"fanrelay/internal/destination"
	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/metrics"
	"fanrelay/internal/retry"
	"fanrelay/internal/status"
	"fanrelay/internal/transport"
)

// State is a link's position in its connection lifecycle.
type State int32

const (
	Disconnected State = iota
	Connecting
	Connected
	Backoff
	Closed
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Backoff:
		return "backoff"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Link is the managed outbound path to one destination.
type Link interface {
	Destination() destination.Destination
	State() State
	// Start launches the management goroutine.  It returns at once;
	// connecting happens in the background.
	Start(ctx context.Context)
	// Send offers one unit.  It never blocks on the network.  A nil
	// error means the unit was accepted for delivery.
	Send(unit []byte) error
	// Close stops the link and waits for its goroutines.
	Close() error
	// Done is closed once the link has fully stopped.
	Done() <-chan struct{}
}

// Config carries everything a link needs besides its destination.
type Config struct {
	TCPDialer transport.Dialer // default: plain TCPDialer
	UDPDialer transport.Dialer // default: plain UDPDialer

	Reporter status.Reporter
	Metrics  *metrics.Collector
	Logger   zerolog.Logger

	DialTimeout  time.Duration
	WriteTimeout time.Duration
	// StableAfter is how long a connection must stay up before the
	// reconnect schedule is reset to its initial delay.
	StableAfter time.Duration
	// QueueDepth bounds the per-connection TCP send queue.
	QueueDepth int
	Backoff    *retry.Backoff
}

func (c Config) withDefaults() Config {
	if c.DialTimeout <= 0 {
		c.DialTimeout = config.DefaultDialTimeout
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = config.DefaultWriteTimeout
	}
	if c.StableAfter <= 0 {
		c.StableAfter = config.DefaultStableAfter
	}
	if c.QueueDepth <= 0 {
		c.QueueDepth = config.DefaultQueueDepth
	}
	if c.Backoff == nil {
		c.Backoff = retry.DefaultBackoff()
	}
	if c.TCPDialer == nil {
		c.TCPDialer = &transport.TCPDialer{Timeout: c.DialTimeout}
	}
	if c.UDPDialer == nil {
		c.UDPDialer = &transport.UDPDialer{Timeout: c.DialTimeout}
	}
	if c.Reporter == nil {
		c.Reporter = status.Discard
	}
	return c
}

// Factory builds a link for one destination within a session.  UDP
// links belong to the server and use session 0.
type Factory func(session uint64, d destination.Destination) Link

// Factory returns a Factory that picks TCPLink or UDPLink by protocol.
func (c Config) Factory() Factory {
	c = c.withDefaults()
	return func(session uint64, d destination.Destination) Link {
		if d.Protocol == destination.UDP {
			return NewUDP(d, session, c)
		}
		return NewTCP(d, session, c)
	}
}

// ── shared plumbing ──────────────────────────────────────────────────

// base holds what TCPLink and UDPLink have in common.
type base struct {
	dest    destination.Destination
	key     string
	session uint64
	cfg     Config
	logger  zerolog.Logger

	state atomic.Int32

	errMu   sync.Mutex
	lastErr error

	lifeMu  sync.Mutex
	started bool
	closed  bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func (b *base) init(d destination.Destination, session uint64, cfg Config) {
	cfg = cfg.withDefaults()
	l := cfg.Logger.With().Str("dest", d.Key()).Logger()
	if session != 0 {
		l = l.With().Uint64("session", session).Logger()
	}
	b.dest = d
	b.key = d.Key()
	b.session = session
	b.cfg = cfg
	b.logger = l
	b.done = make(chan struct{})
}

func (b *base) Destination() destination.Destination { return b.dest }

func (b *base) State() State { return State(b.state.Load()) }

func (b *base) Done() <-chan struct{} { return b.done }

// LastError returns the most recent connect or send failure.
func (b *base) LastError() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.lastErr
}

func (b *base) setState(s State) {
	b.state.Store(int32(s))
}

func (b *base) setErr(err error) {
	b.errMu.Lock()
	b.lastErr = err
	b.errMu.Unlock()
}

func (b *base) emit(e status.Event) {
	e.Destination = b.key
	e.Session = b.session
	status.Emit(b.cfg.Reporter, e)
}

func (b *base) drop(unit []byte, reason string) {
	b.emit(status.Event{Kind: status.Drop, Bytes: len(unit), Reason: reason})
}

// start runs fn on its own goroutine under a cancellable child of ctx.
// It is a no-op after the first call or after close.
func (b *base) start(ctx context.Context, fn func(context.Context)) {
	b.lifeMu.Lock()
	defer b.lifeMu.Unlock()
	if b.started || b.closed {
		return
	}
	b.started = true
	lctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel
	go func() {
		defer close(b.done)
		defer b.setState(Closed)
		fn(lctx)
	}()
}

// close cancels the management goroutine and waits for it.
func (b *base) close() error {
	b.lifeMu.Lock()
	if b.closed {
		b.lifeMu.Unlock()
		<-b.done
		return nil
	}
	b.closed = true
	if !b.started {
		b.setState(Closed)
		close(b.done)
		b.lifeMu.Unlock()
		return nil
	}
	cancel := b.cancel
	b.lifeMu.Unlock()

	cancel()
	<-b.done
	return nil
}

// connectFailed records a dial failure and returns the delay before the
// next attempt.
func (b *base) connectFailed(sched *retry.Schedule, err error) time.Duration {
	nerr := ferrors.Wrap(ferrors.OpDial, b.dest.Addr(), err)
	b.setErr(nerr)
	delay := sched.Next()
	b.setState(Backoff)
	b.emit(status.Event{
		Kind:    status.ConnectError,
		Attempt: sched.Attempts(),
		Delay:   delay,
		Err:     nerr,
	})
	return delay
}

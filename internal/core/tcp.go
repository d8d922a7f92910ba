package core

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"fanrelay/config"
	"fanrelay/internal/destination"
	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/link"
	"fanrelay/internal/session"
	"fanrelay/internal/status"
	"fanrelay/internal/transport"
)

// Accept error pauses grow from minAcceptPause to maxAcceptPause.
const (
	minAcceptPause = 5 * time.Millisecond
	maxAcceptPause = time.Second
)

// TCPRelay accepts clients and runs one FanoutSession per client.
// Clients are never serialised: each session has its own goroutine and
// its own links.
type TCPRelay struct {
	Listen      string // ":port"
	Source      *destination.Source
	Links       link.Factory
	Session     session.Config
	GracePeriod time.Duration
	Reporter    status.Reporter
	Logger      zerolog.Logger
	// Dialer, if set, is closed when Run returns.
	Dialer transport.Dialer

	listener
	nextID   atomic.Uint64
	sessions sync.WaitGroup
	active   atomic.Int64
}

// Sessions returns the number of live sessions.
func (r *TCPRelay) Sessions() int { return int(r.active.Load()) }

// Run serves until ctx is cancelled.  A bind failure is returned as a
// *errors.NetworkError with Op "listen".
func (r *TCPRelay) Run(ctx context.Context) (err error) {
	if r.Dialer != nil {
		defer func() { err = multierr.Append(err, r.Dialer.Close()) }()
	}

	ln, err := net.Listen("tcp", r.Listen)
	if err != nil {
		return r.bindFailed(r.Reporter, r.Listen, err)
	}
	r.bound(ln.Addr())
	r.Logger.Info().Str("addr", ln.Addr().String()).Msg("relay listening (tcp)")

	sctx, cancelSessions := context.WithCancel(ctx)
	defer cancelSessions()

	g, gctx := errgroup.WithContext(ctx)
	// Shut the listener down when the context expires.
	g.Go(func() error {
		<-gctx.Done()
		ln.Close()
		return nil
	})
	g.Go(func() error {
		return r.acceptLoop(ctx, sctx, ln)
	})
	err = g.Wait()

	cancelSessions()
	r.drain()
	return err
}

func (r *TCPRelay) acceptLoop(ctx, sctx context.Context, ln net.Listener) error {
	var pause time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if ferrors.IsClosed(err) {
				return ferrors.Wrap(ferrors.OpAccept, ln.Addr().String(), err)
			}
			pause *= 2
			if pause == 0 {
				pause = minAcceptPause
			}
			if pause > maxAcceptPause {
				pause = maxAcceptPause
			}
			status.Emit(r.Reporter, status.Event{
				Kind:  status.AcceptError,
				Delay: pause,
				Err:   ferrors.Wrap(ferrors.OpAccept, ln.Addr().String(), err),
			})
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(pause):
			}
			continue
		}
		pause = 0
		r.serve(sctx, conn)
	}
}

// serve starts a session for conn on the destination snapshot current
// at accept time.  Later reloads do not touch it.
func (r *TCPRelay) serve(ctx context.Context, conn net.Conn) {
	id := r.nextID.Add(1)
	dests, _ := r.Source.Current()
	s := session.New(id, conn, link.NewSet(id, dests, r.Links), r.Session)

	r.sessions.Add(1)
	r.active.Add(1)
	go func() {
		defer r.sessions.Done()
		defer r.active.Add(-1)
		if err := s.Run(ctx); err != nil {
			r.Logger.Debug().Err(err).Uint64("session", id).Msg("session ended")
		}
	}()
}

// drain waits for sessions to finish closing, bounded by GracePeriod.
func (r *TCPRelay) drain() {
	done := make(chan struct{})
	go func() {
		r.sessions.Wait()
		close(done)
	}()
	grace := r.GracePeriod
	if grace <= 0 {
		grace = config.DefaultGracePeriod
	}
	select {
	case <-done:
	case <-time.After(grace):
		r.Logger.Warn().Int("sessions", r.Sessions()).Dur("grace", grace).Msg("sessions still closing after grace period")
	}
}

// ── shared ───────────────────────────────────────────────────────────

// listener tracks the bound address for Ready and ListenAddr.
type listener struct {
	once  sync.Once
	ready chan struct{}
	mu    sync.Mutex
	addr  net.Addr
}

func (l *listener) readyCh() chan struct{} {
	l.once.Do(func() { l.ready = make(chan struct{}) })
	return l.ready
}

// Ready is closed once the socket is bound.
func (l *listener) Ready() <-chan struct{} { return l.readyCh() }

// ListenAddr returns the bound address, or nil before Ready.
func (l *listener) ListenAddr() net.Addr {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.addr
}

func (l *listener) bound(a net.Addr) {
	l.mu.Lock()
	l.addr = a
	l.mu.Unlock()
	close(l.readyCh())
}

func (l *listener) bindFailed(rep status.Reporter, addr string, err error) error {
	nerr := ferrors.Wrap(ferrors.OpListen, addr, err)
	status.Emit(rep, status.Event{Kind: status.BindFailure, Err: nerr})
	return nerr
}

// Package session represents one inbound TCP client and the links it
// fans out to.
//
// A FanoutSession owns its client connection and its link set.  It
// reads the client until EOF or cancellation, hands every chunk to each
// link and never writes anything back to the client.  Ending a session
// closes only its own links.
package session

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/link"
	"fanrelay/internal/metrics"
	"fanrelay/internal/status"
	"fanrelay/util"
)

// State is a session's lifecycle position.
type State int32

const (
	Active State = iota
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case Closing:
		return "closing"
	case Closed:
		return "closed"
	default:
		return "unknown"
	}
}

// Config tunes a session's read side.
type Config struct {
	// Pool supplies read buffers; its size is the largest unit a
	// session produces.  Nil selects util.BufPool.
	Pool *util.BufferPool
	// IdleTimeout ends the session when the client sends nothing for
	// this long.  Zero disables it.
	IdleTimeout time.Duration

	Reporter status.Reporter
	Metrics  *metrics.Collector
	Logger   zerolog.Logger
}

// FanoutSession binds one client connection to its destination links.
type FanoutSession struct {
	ID      uint64
	Peer    string
	Created time.Time

	conn  net.Conn
	links *link.Set
	cfg   Config
	log   zerolog.Logger

	state atomic.Int32
	bytes atomic.Int64
}

// New creates a session for conn.  The links must not have been started;
// Run starts them.
func New(id uint64, conn net.Conn, links *link.Set, cfg Config) *FanoutSession {
	if cfg.Pool == nil {
		cfg.Pool = util.BufPool
	}
	if cfg.Reporter == nil {
		cfg.Reporter = status.Discard
	}
	peer := conn.RemoteAddr().String()
	return &FanoutSession{
		ID:      id,
		Peer:    peer,
		Created: time.Now(),
		conn:    conn,
		links:   links,
		cfg:     cfg,
		log:     cfg.Logger.With().Uint64("session", id).Str("peer", peer).Logger(),
	}
}

// State returns the current lifecycle state.
func (s *FanoutSession) State() State { return State(s.state.Load()) }

// BytesIn returns how many bytes have been read from the client.
func (s *FanoutSession) BytesIn() int64 { return s.bytes.Load() }

// Links returns the session's link set.
func (s *FanoutSession) Links() *link.Set { return s.links }

// Run connects the links, relays the client until it goes away or ctx
// is cancelled, then closes every link and waits for them.  A clean EOF
// or cancellation returns nil; a read failure is returned as a
// *errors.NetworkError with Op "read".
func (s *FanoutSession) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	s.emit(status.Event{Kind: status.SessionOpen})
	s.links.Start(ctx)

	// Cancellation unblocks the read by closing the client.
	stop := context.AfterFunc(ctx, func() { s.conn.Close() })
	defer stop()

	err := s.readLoop()

	s.state.Store(int32(Closing))
	s.conn.Close()
	cancel()
	if cerr := s.links.Close(); cerr != nil {
		s.log.Debug().Err(cerr).Msg("closing links")
	}
	s.state.Store(int32(Closed))

	s.emit(status.Event{Kind: status.SessionClose, Bytes: int(s.bytes.Load()), Err: err})
	return err
}

func (s *FanoutSession) readLoop() error {
	buf := s.cfg.Pool.Get()
	defer s.cfg.Pool.Put(buf)

	for {
		if s.cfg.IdleTimeout > 0 {
			s.conn.SetReadDeadline(time.Now().Add(s.cfg.IdleTimeout)) //nolint:errcheck
		}
		n, err := s.conn.Read(*buf)
		if n > 0 {
			// The read buffer is reused; links get their own copy.
			unit := util.Clone((*buf)[:n])
			s.bytes.Add(int64(n))
			s.cfg.Metrics.UnitReceived(n)
			accepted := s.links.Send(unit)
			s.log.Trace().Int("bytes", n).Int("links", accepted).Msg("unit fanned out")
		}
		if err != nil {
			if ferrors.IsClosed(err) {
				return nil
			}
			if ferrors.IsTimeout(err) {
				s.log.Debug().Dur("idle", s.cfg.IdleTimeout).Msg("client idle, closing")
			}
			return ferrors.Wrap(ferrors.OpRead, s.Peer, err)
		}
	}
}

func (s *FanoutSession) emit(e status.Event) {
	e.Session = s.ID
	e.Peer = s.Peer
	status.Emit(s.cfg.Reporter, e)
}

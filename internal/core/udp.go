package core

import (
	"context"
	"net"
	"time"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"

	"fanrelay/internal/destination"
	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/link"
	"fanrelay/internal/metrics"
	"fanrelay/internal/status"
	"fanrelay/util"
)

// reloadPoll is how long a UDP read may block before the loop checks
// for a new destination list.
const reloadPoll = 500 * time.Millisecond

// UDPRelay reads datagrams on one socket and forwards each, whole, to
// every destination.  Its links live for the server lifetime and are
// replaced only when the destination list is reloaded.
type UDPRelay struct {
	Listen   string // ":port"
	Source   *destination.Source
	Links    link.Factory
	Reporter status.Reporter
	Metrics  *metrics.Collector
	Logger   zerolog.Logger

	listener
}

// Run serves until ctx is cancelled.
func (r *UDPRelay) Run(ctx context.Context) error {
	ua, err := net.ResolveUDPAddr("udp", r.Listen)
	if err != nil {
		return r.bindFailed(r.Reporter, r.Listen, err)
	}
	conn, err := net.ListenUDP("udp", ua)
	if err != nil {
		return r.bindFailed(r.Reporter, r.Listen, err)
	}
	defer conn.Close()
	r.bound(conn.LocalAddr())
	r.Logger.Info().Str("addr", conn.LocalAddr().String()).Msg("relay listening (udp)")

	dests, version := r.Source.Current()
	links := link.NewSet(0, dests, r.Links)
	links.Start(ctx)

	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	buf := make([]byte, util.MaxDatagramSize)
	var readErr error
	for {
		conn.SetReadDeadline(time.Now().Add(reloadPoll)) //nolint:errcheck
		n, peer, err := conn.ReadFromUDP(buf)

		if r.Source.Version() != version {
			links, version = r.swap(ctx, links)
		}

		if err != nil {
			if ctx.Err() != nil {
				break
			}
			if stop, rerr := r.readFailed(err); stop {
				readErr = rerr
				break
			}
			continue
		}

		unit := util.Clone(buf[:n])
		r.Metrics.UnitReceived(n)
		accepted := links.Send(unit)
		r.Logger.Trace().Str("peer", peer.String()).Int("bytes", n).Int("links", accepted).Msg("datagram fanned out")
	}

	return multierr.Append(readErr, links.Close())
}

// readFailed classifies an error from the inbound socket and reports
// whether the read loop has to stop.
func (r *UDPRelay) readFailed(err error) (bool, error) {
	switch {
	case ferrors.IsTimeout(err):
		return false, nil
	case ferrors.IsClosed(err):
		return true, ferrors.Wrap(ferrors.OpRead, r.Listen, err)
	}
	// ICMP errors from earlier sends can surface here on some
	// platforms; they do not affect the socket.
	status.Emit(r.Reporter, status.Event{
		Kind: status.ReadError,
		Err:  ferrors.Wrap(ferrors.OpRead, r.Listen, err),
	})
	return false, nil
}

// swap moves the links onto the current destination list.  Links to
// destinations in both lists keep their sockets.
func (r *UDPRelay) swap(ctx context.Context, old *link.Set) (*link.Set, uint64) {
	dests, version := r.Source.Current()
	next, err := old.Update(ctx, dests)
	if err != nil {
		r.Logger.Debug().Err(err).Msg("closing removed links")
	}
	r.Logger.Info().Uint64("version", version).Int("destinations", next.Len()).Msg("udp links updated")
	return next, version
}

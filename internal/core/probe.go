package core

import (
	"context"
	"net"
	"sync"
	"time"

	"fanrelay/internal/destination"
	"fanrelay/internal/transport"
)

// maxConcurrentProbes limits simultaneous probe dials.
const maxConcurrentProbes = 64

// ProbeResult records whether one destination accepted a connection.
type ProbeResult struct {
	Destination destination.Destination
	Reachable   bool
	Latency     time.Duration
	Err         error
}

// Probe dials every destination once, concurrently, and returns the
// results in destination order.  UDP destinations only prove that a
// socket can be created, since nothing answers a datagram connect.
func Probe(ctx context.Context, dests *destination.Set, timeout time.Duration, dialer transport.Dialer) []ProbeResult {
	all := dests.All()
	results := make([]ProbeResult, len(all))
	sem := make(chan struct{}, maxConcurrentProbes)
	var wg sync.WaitGroup

	if dialer == nil {
		dialer = &transport.TCPDialer{Timeout: timeout}
	}
	udp := &transport.UDPDialer{Timeout: timeout}

	for i, d := range all {
		wg.Add(1)
		go func(idx int, d destination.Destination) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			var (
				conn net.Conn
				err  error
			)
			start := time.Now()
			if d.Protocol == destination.UDP {
				conn, err = udp.Dial(pctx, "udp", d.Addr())
			} else {
				conn, err = dialer.Dial(pctx, "tcp", d.Addr())
			}
			results[idx] = ProbeResult{Destination: d, Latency: time.Since(start), Err: err}
			if err != nil {
				return
			}
			conn.Close()
			results[idx].Reachable = true
		}(i, d)
	}

	wg.Wait()
	return results
}

package transport

import (
	"context"
	"net"
	"time"
)

// TCPDialer establishes plain TCP connections to destinations.
type TCPDialer struct {
	// Timeout bounds connection establishment (0 = no limit beyond ctx).
	Timeout time.Duration
	// KeepAlive is the TCP keep-alive period; 0 uses the OS default,
	// negative disables it.
	KeepAlive time.Duration
}

// Dial connects to address over TCP.  Nagle is disabled so each
// forwarded unit leaves promptly.
func (d *TCPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout, KeepAlive: d.KeepAlive}
	conn, err := dialer.DialContext(ctx, network, address)
	if err != nil {
		return nil, err
	}
	if tc, ok := conn.(*net.TCPConn); ok {
		tc.SetNoDelay(true) //nolint:errcheck
	}
	return conn, nil
}

// Close is a no-op for stateless TCP dialers.
func (d *TCPDialer) Close() error { return nil }

// UDPDialer creates connected datagram sockets.  "Dialing" UDP sends
// nothing; it resolves the address and fixes the peer so Write and
// ICMP errors are scoped to one destination.
type UDPDialer struct {
	// Timeout bounds address resolution.
	Timeout time.Duration
}

// Dial returns a connected UDP socket for address.
func (d *UDPDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	dialer := net.Dialer{Timeout: d.Timeout}
	return dialer.DialContext(ctx, network, address)
}

// Close is a no-op for stateless UDP dialers.
func (d *UDPDialer) Close() error { return nil }

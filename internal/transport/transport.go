// Package transport provides abstractions for network connection
// establishment.  Destination links dial through a Dialer and never
// care whether the path is plain TCP, UDP or an SSH gateway.
package transport

import (
	"context"
	"net"
)

// Dialer opens outbound network connections.  Implementations include
// plain TCP/UDP dialers and an SSH-tunnelled dialer that routes
// traffic through an encrypted gateway.
type Dialer interface {
	// Dial establishes a connection to the given network address.
	Dial(ctx context.Context, network, address string) (net.Conn, error)

	// Close releases any long-lived resources held by the dialer
	// (e.g. an SSH session).  Stateless dialers return nil.
	Close() error
}

// DialerFunc adapts a function to Dialer with a no-op Close.
type DialerFunc func(ctx context.Context, network, address string) (net.Conn, error)

func (f DialerFunc) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	return f(ctx, network, address)
}

func (f DialerFunc) Close() error { return nil }

// Package core is the orchestration layer.  It composes links,
// sessions and transports into the two relay modes and provides a
// builder that selects the right one from a Config.
//
// Architecture layers (bottom → top):
//
//	transport  →  link  →  session  →  core  →  cmd (CLI)
//
// The builder in this package is the single dispatch point between the
// CLI configuration and a running relay.
package core

import (
	"context"
	"net"
)

// Mode is a complete relay.  Run binds the listening socket, serves
// until ctx is cancelled and returns after every session and link has
// been shut down.
type Mode interface {
	Run(ctx context.Context) error
	// Ready is closed once the listening socket is bound.
	Ready() <-chan struct{}
	// ListenAddr returns the bound address, or nil before Ready.
	ListenAddr() net.Addr
}

package config

import (
	"time"

	"fanrelay/util"
)

// ── Default values ───────────────────────────────────────────────────
//
// All tuneable defaults live here so they are easy to audit and reuse
// across CLI flags, the destinations file, and environment variable
// loading.

const (
	// DefaultSSHPort is the standard SSH port.
	DefaultSSHPort = 22

	// DefaultKeepAliveInterval is the SSH keepalive interval in seconds.
	DefaultKeepAliveInterval = 30

	// DefaultDialTimeout bounds one destination connect attempt.
	DefaultDialTimeout = 5 * time.Second

	// DefaultWriteTimeout bounds one write to a destination.
	DefaultWriteTimeout = 2 * time.Second

	// DefaultBackoffInitial is the first reconnect delay.
	DefaultBackoffInitial = 500 * time.Millisecond

	// DefaultBackoffMax caps the exponential reconnect delay.
	DefaultBackoffMax = 30 * time.Second

	// DefaultStableAfter is how long a connection must stay up before
	// the reconnect schedule starts over.
	DefaultStableAfter = 10 * time.Second

	// DefaultBufferSize is the largest TCP read handed to links.
	DefaultBufferSize = util.DefaultBufSize

	// DefaultQueueDepth bounds each TCP link's send queue.
	DefaultQueueDepth = 256

	// DefaultGracePeriod is how long shutdown waits for sessions.
	DefaultGracePeriod = 5 * time.Second

	// DefaultWatchDebounce coalesces bursts of file change events.
	DefaultWatchDebounce = 100 * time.Millisecond

	// DefaultConfigFile is read from the working directory when nothing
	// else names a destination.
	DefaultConfigFile = "config.txt"
)

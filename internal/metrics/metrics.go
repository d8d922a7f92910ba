// Package metrics provides lightweight, lock-free counters and gauges
// for tracking runtime statistics of a relay.
//
// All methods are safe for concurrent use.  A nil *Collector is a
// valid no-op receiver, so callers never need to nil-check.
package metrics

import (
	"encoding/json"
	"sync"
	"sync/atomic"
	"time"
)

// Collector tracks runtime metrics for a relay.
// A nil Collector is safe to use: all methods become no-ops.
type Collector struct {
	sessionsActive atomic.Int64
	sessionsTotal  atomic.Int64

	unitsIn  atomic.Int64
	bytesIn  atomic.Int64
	unitsOut atomic.Int64
	bytesOut atomic.Int64

	linksConnected atomic.Int64
	connects       atomic.Int64
	disconnects    atomic.Int64
	connectErrors  atomic.Int64
	drops          atomic.Int64
	sendErrors     atomic.Int64

	acceptErrors     atomic.Int64
	readErrors       atomic.Int64
	tunnelReconnects atomic.Int64
	reloads          atomic.Int64
	errorsTotal      atomic.Int64

	mu           sync.RWMutex
	startTime    time.Time
	lastReload   time.Time
	lastError    time.Time
	lastErrorMsg string
}

// New creates a metrics collector with the start time set to now.
func New() *Collector {
	return &Collector{startTime: time.Now()}
}

// ── Session metrics ──────────────────────────────────────────────────

// SessionOpened increments both the active and total session counters.
func (c *Collector) SessionOpened() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(1)
	c.sessionsTotal.Add(1)
}

// SessionClosed decrements the active session counter.
func (c *Collector) SessionClosed() {
	if c == nil {
		return
	}
	c.sessionsActive.Add(-1)
}

// ActiveSessions returns the number of live fan-out sessions.
func (c *Collector) ActiveSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsActive.Load()
}

// TotalSessions returns the lifetime session count.
func (c *Collector) TotalSessions() int64 {
	if c == nil {
		return 0
	}
	return c.sessionsTotal.Load()
}

// ── Inbound / outbound ───────────────────────────────────────────────

// UnitReceived records one inbound chunk or datagram of n bytes.
func (c *Collector) UnitReceived(n int) {
	if c == nil {
		return
	}
	c.unitsIn.Add(1)
	c.bytesIn.Add(int64(n))
}

// UnitSent records one unit of n bytes delivered to a destination.
func (c *Collector) UnitSent(n int) {
	if c == nil {
		return
	}
	c.unitsOut.Add(1)
	c.bytesOut.Add(int64(n))
}

// TotalBytesIn returns total bytes received from clients.
func (c *Collector) TotalBytesIn() int64 {
	if c == nil {
		return 0
	}
	return c.bytesIn.Load()
}

// TotalBytesOut returns total bytes written to destinations.
func (c *Collector) TotalBytesOut() int64 {
	if c == nil {
		return 0
	}
	return c.bytesOut.Load()
}

// ── Link metrics ─────────────────────────────────────────────────────

// LinkUp records a destination link reaching Connected.
func (c *Collector) LinkUp() {
	if c == nil {
		return
	}
	c.connects.Add(1)
	c.linksConnected.Add(1)
}

// LinkDown records a connected destination link going away.
func (c *Collector) LinkDown() {
	if c == nil {
		return
	}
	c.disconnects.Add(1)
	c.linksConnected.Add(-1)
}

// ConnectedLinks returns the number of links currently Connected.
func (c *Collector) ConnectedLinks() int64 {
	if c == nil {
		return 0
	}
	return c.linksConnected.Load()
}

// ConnectFailed records a failed dial to a destination.
func (c *Collector) ConnectFailed() {
	if c == nil {
		return
	}
	c.connectErrors.Add(1)
}

// Dropped records a unit that a link could not accept.
func (c *Collector) Dropped() {
	if c == nil {
		return
	}
	c.drops.Add(1)
}

// Drops returns the total number of dropped units.
func (c *Collector) Drops() int64 {
	if c == nil {
		return 0
	}
	return c.drops.Load()
}

// SendFailed records a write error on a destination link.
func (c *Collector) SendFailed() {
	if c == nil {
		return
	}
	c.sendErrors.Add(1)
}

// SendErrors returns the total number of destination write errors.
func (c *Collector) SendErrors() int64 {
	if c == nil {
		return 0
	}
	return c.sendErrors.Load()
}

// ── Server metrics ───────────────────────────────────────────────────

// AcceptFailed records a recoverable accept error.
func (c *Collector) AcceptFailed() {
	if c == nil {
		return
	}
	c.acceptErrors.Add(1)
}

// ReadFailed records a recoverable error reading the inbound socket.
func (c *Collector) ReadFailed() {
	if c == nil {
		return
	}
	c.readErrors.Add(1)
}

// TunnelReconnect records an SSH gateway re-establishment.
func (c *Collector) TunnelReconnect() {
	if c == nil {
		return
	}
	c.tunnelReconnects.Add(1)
}

// TunnelReconnects returns the total tunnel reconnection count.
func (c *Collector) TunnelReconnects() int64 {
	if c == nil {
		return 0
	}
	return c.tunnelReconnects.Load()
}

// Reloaded records a destination list reload.
func (c *Collector) Reloaded() {
	if c == nil {
		return
	}
	c.reloads.Add(1)
	c.mu.Lock()
	c.lastReload = time.Now()
	c.mu.Unlock()
}

// ── Error metrics ────────────────────────────────────────────────────

// RecordError increments the error counter and stores the message.
func (c *Collector) RecordError(msg string) {
	if c == nil {
		return
	}
	c.errorsTotal.Add(1)
	c.mu.Lock()
	c.lastError = time.Now()
	c.lastErrorMsg = msg
	c.mu.Unlock()
}

// ErrorCount returns the total number of errors recorded.
func (c *Collector) ErrorCount() int64 {
	if c == nil {
		return 0
	}
	return c.errorsTotal.Load()
}

// ── Snapshot ─────────────────────────────────────────────────────────

// Snapshot is a point-in-time view of all metrics.
type Snapshot struct {
	Uptime           string  `json:"uptime"`
	UptimeSeconds    float64 `json:"uptime_seconds"`
	SessionsActive   int64   `json:"sessions_active"`
	SessionsTotal    int64   `json:"sessions_total"`
	UnitsIn          int64   `json:"units_in"`
	BytesIn          int64   `json:"bytes_in"`
	UnitsOut         int64   `json:"units_out"`
	BytesOut         int64   `json:"bytes_out"`
	LinksConnected   int64   `json:"links_connected"`
	Connects         int64   `json:"connects"`
	Disconnects      int64   `json:"disconnects"`
	ConnectErrors    int64   `json:"connect_errors"`
	Drops            int64   `json:"drops"`
	SendErrors       int64   `json:"send_errors"`
	AcceptErrors     int64   `json:"accept_errors"`
	ReadErrors       int64   `json:"read_errors"`
	TunnelReconnects int64   `json:"tunnel_reconnects"`
	Reloads          int64   `json:"reloads"`
	ErrorsTotal      int64   `json:"errors_total"`
	LastReload       string  `json:"last_reload,omitempty"`
	LastError        string  `json:"last_error,omitempty"`
	LastErrorMessage string  `json:"last_error_message,omitempty"`
}

// Snapshot returns a copy of all current metrics.
func (c *Collector) Snapshot() Snapshot {
	if c == nil {
		return Snapshot{}
	}
	c.mu.RLock()
	defer c.mu.RUnlock()

	up := time.Since(c.startTime)
	s := Snapshot{
		Uptime:           up.Truncate(time.Second).String(),
		UptimeSeconds:    up.Seconds(),
		SessionsActive:   c.sessionsActive.Load(),
		SessionsTotal:    c.sessionsTotal.Load(),
		UnitsIn:          c.unitsIn.Load(),
		BytesIn:          c.bytesIn.Load(),
		UnitsOut:         c.unitsOut.Load(),
		BytesOut:         c.bytesOut.Load(),
		LinksConnected:   c.linksConnected.Load(),
		Connects:         c.connects.Load(),
		Disconnects:      c.disconnects.Load(),
		ConnectErrors:    c.connectErrors.Load(),
		Drops:            c.drops.Load(),
		SendErrors:       c.sendErrors.Load(),
		AcceptErrors:     c.acceptErrors.Load(),
		ReadErrors:       c.readErrors.Load(),
		TunnelReconnects: c.tunnelReconnects.Load(),
		Reloads:          c.reloads.Load(),
		ErrorsTotal:      c.errorsTotal.Load(),
	}
	if !c.lastReload.IsZero() {
		s.LastReload = c.lastReload.Format(time.RFC3339)
	}
	if !c.lastError.IsZero() {
		s.LastError = c.lastError.Format(time.RFC3339)
		s.LastErrorMessage = c.lastErrorMsg
	}
	return s
}

// JSON returns the snapshot as an indented JSON string.
func (c *Collector) JSON() string {
	s := c.Snapshot()
	data, _ := json.MarshalIndent(s, "", "  ")
	return string(data)
}

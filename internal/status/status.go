// Package status is the relay's event surface.  Links, sessions and
// servers report what happens to them as typed Events; reporters turn
// those into log lines and counters.
package status

import (
	"sync"
	"time"
)

// Kind classifies an Event.
type Kind int

const (
	Connect Kind = iota + 1
	Disconnect
	ConnectError
	Drop
	SendError
	SessionOpen
	SessionClose
	AcceptError
	BindFailure
	Reload
	ReadError
)

func (k Kind) String() string {
	switch k {
	case Connect:
		return "connect"
	case Disconnect:
		return "disconnect"
	case ConnectError:
		return "connect_error"
	case Drop:
		return "drop"
	case SendError:
		return "send_error"
	case SessionOpen:
		return "session_open"
	case SessionClose:
		return "session_close"
	case AcceptError:
		return "accept_error"
	case BindFailure:
		return "bind_failure"
	case Reload:
		return "reload"
	case ReadError:
		return "read_error"
	default:
		return "unknown"
	}
}

// Drop reasons.
const (
	ReasonNotConnected = "not_connected"
	ReasonQueueFull    = "queue_full"
	ReasonDisconnect   = "disconnect"
	ReasonClosed       = "closed"
)

// Event is one status report.  Fields that do not apply to a Kind are
// left zero.
type Event struct {
	Kind        Kind
	Time        time.Time
	Destination string        // destination key, for link events
	Session     uint64        // session ID, 0 for UDP and server events
	Peer        string        // client address, for session events
	Bytes       int           // unit size for Drop/SendError, total for SessionClose
	Reason      string        // Reason* constant for Drop
	Attempt     int           // consecutive failures, for ConnectError
	Delay       time.Duration // next retry delay, for ConnectError
	Err         error
}

// Reporter consumes events.  Report is called from hot paths and must
// not block.
type Reporter interface {
	Report(Event)
}

// ReporterFunc adapts a function to Reporter.
type ReporterFunc func(Event)

func (f ReporterFunc) Report(e Event) { f(e) }

// Discard drops every event.
var Discard Reporter = ReporterFunc(func(Event) {})

// Multi fans an event out to several reporters in order.
func Multi(rs ...Reporter) Reporter {
	flat := make(multi, 0, len(rs))
	for _, r := range rs {
		if r == nil {
			continue
		}
		if m, ok := r.(multi); ok {
			flat = append(flat, m...)
			continue
		}
		flat = append(flat, r)
	}
	return flat
}

type multi []Reporter

func (m multi) Report(e Event) {
	for _, r := range m {
		r.Report(e)
	}
}

// Emit stamps e with the current time if unset and reports it.  A nil
// reporter is ignored.
func Emit(r Reporter, e Event) {
	if r == nil {
		return
	}
	if e.Time.IsZero() {
		e.Time = time.Now()
	}
	r.Report(e)
}

// ── Recorder ─────────────────────────────────────────────────────────

// Recorder keeps every event in memory.  Tests use it to wait for
// specific transitions.
type Recorder struct {
	mu     sync.Mutex
	events []Event
	notify chan struct{}
}

// NewRecorder returns an empty Recorder.
func NewRecorder() *Recorder {
	return &Recorder{notify: make(chan struct{}, 1)}
}

func (r *Recorder) Report(e Event) {
	r.mu.Lock()
	r.events = append(r.events, e)
	r.mu.Unlock()
	select {
	case r.notify <- struct{}{}:
	default:
	}
}

// Events returns a copy of everything recorded so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of kind k were recorded.
func (r *Recorder) Count(k Kind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Kind == k {
			n++
		}
	}
	return n
}

// WaitFor blocks until at least n events of kind k have been recorded
// or timeout elapses.  It reports whether the count was reached.
func (r *Recorder) WaitFor(k Kind, n int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	for {
		if r.Count(k) >= n {
			return true
		}
		select {
		case <-r.notify:
		case <-deadline.C:
			return r.Count(k) >= n
		}
	}
}

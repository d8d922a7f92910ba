package status

import (
	"github.com/rs/zerolog"
)

// LogReporter writes events through zerolog.  Link state changes are
// info, failures warn, and per-unit events (drops, send errors) debug
// so a busy relay with a dead destination does not flood the log unless
// --debug is on.
type LogReporter struct {
	Logger zerolog.Logger
}

// NewLogReporter returns a LogReporter writing to l.
func NewLogReporter(l zerolog.Logger) *LogReporter {
	return &LogReporter{Logger: l}
}

func (r *LogReporter) Report(e Event) {
	var ev *zerolog.Event
	switch e.Kind {
	case Connect:
		ev = r.Logger.Info()
	case Disconnect:
		ev = r.Logger.Info()
	case ConnectError:
		// Only the first failure of a run is worth a warning; the rest
		// of the backoff sequence is noise.
		if e.Attempt <= 1 {
			ev = r.Logger.Warn()
		} else {
			ev = r.Logger.Debug()
		}
	case Drop:
		ev = r.Logger.Debug()
	case SendError:
		ev = r.Logger.Debug()
	case SessionOpen, SessionClose:
		ev = r.Logger.Info()
	case AcceptError, ReadError:
		ev = r.Logger.Warn()
	case BindFailure:
		ev = r.Logger.Error()
	case Reload:
		ev = r.Logger.Info()
	default:
		ev = r.Logger.Debug()
	}
	if ev == nil {
		return
	}

	ev = ev.Time("at", e.Time).Str("event", e.Kind.String())
	if e.Destination != "" {
		ev = ev.Str("dest", e.Destination)
	}
	if e.Session != 0 {
		ev = ev.Uint64("session", e.Session)
	}
	if e.Peer != "" {
		ev = ev.Str("peer", e.Peer)
	}
	if e.Bytes != 0 {
		ev = ev.Int("bytes", e.Bytes)
	}
	if e.Reason != "" {
		ev = ev.Str("reason", e.Reason)
	}
	if e.Attempt != 0 {
		ev = ev.Int("attempt", e.Attempt)
	}
	if e.Delay != 0 {
		ev = ev.Dur("retry_in", e.Delay)
	}
	if e.Err != nil {
		ev = ev.Err(e.Err)
	}
	ev.Msg(message(e.Kind))
}

func message(k Kind) string {
	switch k {
	case Connect:
		return "destination connected"
	case Disconnect:
		return "destination disconnected"
	case ConnectError:
		return "destination connect failed"
	case Drop:
		return "unit dropped"
	case SendError:
		return "destination send failed"
	case SessionOpen:
		return "client connected"
	case SessionClose:
		return "client disconnected"
	case AcceptError:
		return "accept failed"
	case ReadError:
		return "inbound read failed"
	case BindFailure:
		return "cannot bind listener"
	case Reload:
		return "destinations reloaded"
	default:
		return k.String()
	}
}

package status

import (
	"fanrelay/internal/metrics"
)

// MetricsReporter turns events into Collector counter updates.
type MetricsReporter struct {
	Collector *metrics.Collector
}

// NewMetricsReporter returns a reporter updating c.  A nil c yields a
// reporter whose updates are no-ops.
func NewMetricsReporter(c *metrics.Collector) *MetricsReporter {
	return &MetricsReporter{Collector: c}
}

func (r *MetricsReporter) Report(e Event) {
	c := r.Collector
	switch e.Kind {
	case Connect:
		c.LinkUp()
	case Disconnect:
		c.LinkDown()
	case ConnectError:
		c.ConnectFailed()
	case Drop:
		c.Dropped()
	case SendError:
		c.SendFailed()
		if e.Err != nil {
			c.RecordError(e.Destination + ": " + e.Err.Error())
		}
	case SessionOpen:
		c.SessionOpened()
	case SessionClose:
		c.SessionClosed()
	case AcceptError:
		c.AcceptFailed()
		if e.Err != nil {
			c.RecordError(e.Err.Error())
		}
	case ReadError:
		c.ReadFailed()
		if e.Err != nil {
			c.RecordError(e.Err.Error())
		}
	case BindFailure:
		if e.Err != nil {
			c.RecordError(e.Err.Error())
		}
	case Reload:
		c.Reloaded()
	}
}

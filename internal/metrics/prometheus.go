package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "fanrelay"

// promCollector exposes a Collector's counters to Prometheus.  Values
// are read from a Snapshot at scrape time, so the hot path stays on
// plain atomics.
type promCollector struct {
	c *Collector

	sessionsActive *prometheus.Desc
	sessionsTotal  *prometheus.Desc
	unitsIn        *prometheus.Desc
	bytesIn        *prometheus.Desc
	unitsOut       *prometheus.Desc
	bytesOut       *prometheus.Desc
	linksConnected *prometheus.Desc
	connects       *prometheus.Desc
	disconnects    *prometheus.Desc
	connectErrors  *prometheus.Desc
	drops          *prometheus.Desc
	sendErrors     *prometheus.Desc
	acceptErrors   *prometheus.Desc
	readErrors     *prometheus.Desc
	tunnelRecon    *prometheus.Desc
	reloads        *prometheus.Desc
	errorsTotal    *prometheus.Desc
	uptime         *prometheus.Desc
}

// NewPrometheusCollector wraps c as a prometheus.Collector.
func NewPrometheusCollector(c *Collector) prometheus.Collector {
	desc := func(name, help string) *prometheus.Desc {
		return prometheus.NewDesc(prometheus.BuildFQName(namespace, "", name), help, nil, nil)
	}
	return &promCollector{
		c:              c,
		sessionsActive: desc("sessions_active", "Fan-out sessions currently open."),
		sessionsTotal:  desc("sessions_total", "Fan-out sessions accepted since start."),
		unitsIn:        desc("units_received_total", "Inbound chunks or datagrams read."),
		bytesIn:        desc("bytes_received_total", "Inbound bytes read."),
		unitsOut:       desc("units_sent_total", "Units written to destinations."),
		bytesOut:       desc("bytes_sent_total", "Bytes written to destinations."),
		linksConnected: desc("links_connected", "Destination links currently connected."),
		connects:       desc("link_connects_total", "Destination connections established."),
		disconnects:    desc("link_disconnects_total", "Destination connections lost."),
		connectErrors:  desc("link_connect_errors_total", "Failed destination dials."),
		drops:          desc("drops_total", "Units dropped by unavailable or saturated links."),
		sendErrors:     desc("send_errors_total", "Destination write errors."),
		acceptErrors:   desc("accept_errors_total", "Recoverable accept errors."),
		readErrors:     desc("read_errors_total", "Recoverable inbound socket read errors."),
		tunnelRecon:    desc("tunnel_reconnects_total", "SSH gateway re-establishments."),
		reloads:        desc("reloads_total", "Destination list reloads."),
		errorsTotal:    desc("errors_total", "Errors recorded."),
		uptime:         desc("uptime_seconds", "Seconds since the relay started."),
	}
}

func (p *promCollector) Describe(ch chan<- *prometheus.Desc) {
	for _, d := range []*prometheus.Desc{
		p.sessionsActive, p.sessionsTotal, p.unitsIn, p.bytesIn, p.unitsOut,
		p.bytesOut, p.linksConnected, p.connects, p.disconnects, p.connectErrors,
		p.drops, p.sendErrors, p.acceptErrors, p.readErrors, p.tunnelRecon, p.reloads,
		p.errorsTotal, p.uptime,
	} {
		ch <- d
	}
}

func (p *promCollector) Collect(ch chan<- prometheus.Metric) {
	s := p.c.Snapshot()

	gauge := func(d *prometheus.Desc, v float64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.GaugeValue, v)
	}
	counter := func(d *prometheus.Desc, v int64) {
		ch <- prometheus.MustNewConstMetric(d, prometheus.CounterValue, float64(v))
	}

	gauge(p.sessionsActive, float64(s.SessionsActive))
	gauge(p.linksConnected, float64(s.LinksConnected))
	gauge(p.uptime, s.UptimeSeconds)
	counter(p.sessionsTotal, s.SessionsTotal)
	counter(p.unitsIn, s.UnitsIn)
	counter(p.bytesIn, s.BytesIn)
	counter(p.unitsOut, s.UnitsOut)
	counter(p.bytesOut, s.BytesOut)
	counter(p.connects, s.Connects)
	counter(p.disconnects, s.Disconnects)
	counter(p.connectErrors, s.ConnectErrors)
	counter(p.drops, s.Drops)
	counter(p.sendErrors, s.SendErrors)
	counter(p.acceptErrors, s.AcceptErrors)
	counter(p.readErrors, s.ReadErrors)
	counter(p.tunnelRecon, s.TunnelReconnects)
	counter(p.reloads, s.Reloads)
	counter(p.errorsTotal, s.ErrorsTotal)
}

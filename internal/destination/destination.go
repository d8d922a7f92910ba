// Package destination models the endpoints a relay fans out to: a
// parsed address, an ordered duplicate-free set of them, and a
// versioned source that hot reload can swap atomically.
package destination

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"

	"fanrelay/util"
)

// Protocol is the transport used to reach a destination.
type Protocol string

const (
	TCP Protocol = "tcp"
	UDP Protocol = "udp"
)

// ErrInvalid is wrapped by every Parse failure.
var ErrInvalid = errors.New("invalid destination")

// Destination is one fan-out target.  It is a comparable value and is
// never mutated after parsing.
type Destination struct {
	Host     string
	Port     int
	Protocol Protocol
}

// Addr returns host:port suitable for net.Dial.
func (d Destination) Addr() string {
	return util.FormatAddr(d.Host, d.Port)
}

// Key identifies the destination within a Set: protocol://host:port.
func (d Destination) Key() string {
	return string(d.Protocol) + "://" + d.Addr()
}

func (d Destination) String() string { return d.Key() }

// Parse reads one destination.  Accepted forms:
//
//	host
//	host:port
//	[v6addr]:port
//	v6addr
//	tcp://host:port, udp://host:port
//
// A missing port selects defaultPort, a missing scheme selects proto.
func Parse(spec string, defaultPort int, proto Protocol) (Destination, error) {
	raw := strings.TrimSpace(spec)
	if raw == "" {
		return Destination{}, fmt.Errorf("%w: empty", ErrInvalid)
	}

	d := Destination{Protocol: proto}
	if scheme, rest, ok := strings.Cut(raw, "://"); ok {
		switch p := Protocol(strings.ToLower(scheme)); p {
		case TCP, UDP:
			d.Protocol = p
		default:
			return Destination{}, fmt.Errorf("%w %q: unknown scheme %q", ErrInvalid, raw, scheme)
		}
		raw = rest
	}
	if d.Protocol != TCP && d.Protocol != UDP {
		return Destination{}, fmt.Errorf("%w %q: unknown protocol %q", ErrInvalid, spec, d.Protocol)
	}

	host, portStr, err := splitHostPort(raw)
	if err != nil {
		return Destination{}, fmt.Errorf("%w %q: %v", ErrInvalid, spec, err)
	}
	if host == "" {
		return Destination{}, fmt.Errorf("%w %q: missing host", ErrInvalid, spec)
	}
	d.Host = host

	if portStr == "" {
		d.Port = defaultPort
	} else {
		p, err := strconv.Atoi(portStr)
		if err != nil {
			return Destination{}, fmt.Errorf("%w %q: port %q is not a number", ErrInvalid, spec, portStr)
		}
		d.Port = p
	}
	if d.Port < 1 || d.Port > 65535 {
		return Destination{}, fmt.Errorf("%w %q: port %d out of range 1-65535", ErrInvalid, spec, d.Port)
	}
	return d, nil
}

// splitHostPort is net.SplitHostPort that tolerates a missing port and
// bare IPv6 literals.
func splitHostPort(s string) (host, port string, err error) {
	if ip := net.ParseIP(s); ip != nil {
		return s, "", nil
	}
	if strings.HasPrefix(s, "[") && strings.HasSuffix(s, "]") {
		inner := s[1 : len(s)-1]
		if net.ParseIP(inner) == nil {
			return "", "", fmt.Errorf("bad IPv6 literal %q", inner)
		}
		return inner, "", nil
	}
	if !strings.Contains(s, ":") {
		return s, "", nil
	}
	return net.SplitHostPort(s)
}

// ParseList parses every spec and returns the deduplicated set.
func ParseList(specs []string, defaultPort int, proto Protocol) (*Set, error) {
	dests := make([]Destination, 0, len(specs))
	for _, s := range specs {
		d, err := Parse(s, defaultPort, proto)
		if err != nil {
			return nil, err
		}
		dests = append(dests, d)
	}
	return NewSet(dests...), nil
}

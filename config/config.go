// Package config defines the runtime configuration for fanrelay and
// provides helpers for parsing user@host tunnel strings and resolving the
// destination list.
package config

import (
	"fmt"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"fanrelay/internal/destination"
	ferrors "fanrelay/internal/errors"
)

// Config holds every tuneable for a relay process.
type Config struct {
	// ── Listener ─────────────────────────────────────────────────────
	Port         int      // listen port, also the default destination port
	UDP          bool     // relay datagrams instead of TCP streams
	Destinations []string // -d / FANRELAY_DESTINATIONS specs
	ConfigFile   string   // destinations file (plain list or .toml)
	Watch        bool     // reload ConfigFile on change

	// ── Links ────────────────────────────────────────────────────────
	DialTimeout    time.Duration
	WriteTimeout   time.Duration
	IdleTimeout    time.Duration // 0 = sessions never time out
	BackoffInitial time.Duration
	BackoffMax     time.Duration
	BufferSize     int
	QueueDepth     int
	GracePeriod    time.Duration

	// ── SSH tunnel ───────────────────────────────────────────────────
	TunnelSpec        string // raw user@host[:port] from --tunnel
	TunnelEnabled     bool
	TunnelUser        string
	TunnelHost        string
	TunnelPort        int
	SSHKeyPath        string
	SSHPassword       bool // true → prompt once at startup
	UseSSHAgent       bool
	StrictHostKey     bool
	KnownHostsPath    string
	KeepAliveInterval int // seconds

	// ── Output ───────────────────────────────────────────────────────
	MetricsAddr string
	Debug       bool
	Verbose     int
	DryRun      bool
}

// Default returns a Config populated from defaults.go.
func Default() *Config {
	return &Config{
		DialTimeout:       DefaultDialTimeout,
		WriteTimeout:      DefaultWriteTimeout,
		BackoffInitial:    DefaultBackoffInitial,
		BackoffMax:        DefaultBackoffMax,
		BufferSize:        DefaultBufferSize,
		QueueDepth:        DefaultQueueDepth,
		GracePeriod:       DefaultGracePeriod,
		KeepAliveInterval: DefaultKeepAliveInterval,
	}
}

// Protocol returns the relay mode as a destination protocol.
func (c *Config) Protocol() destination.Protocol {
	if c.UDP {
		return destination.UDP
	}
	return destination.TCP
}

// ── Tunnel-spec parser ───────────────────────────────────────────────

// tunnelRe matches [user@]host[:port].
var tunnelRe = regexp.MustCompile(`^(?:([^@]+)@)?([^:]+)(?::(\d+))?$`)

// ParseTunnelSpec extracts user, host, and port from a string such as
// "admin@bastion.example.com:2222".  Port defaults to 22.
func ParseTunnelSpec(spec string) (user, host string, port int, err error) {
	m := tunnelRe.FindStringSubmatch(spec)
	if m == nil {
		return "", "", 0, fmt.Errorf("invalid tunnel spec %q – expected [user@]host[:port]", spec)
	}
	user = m[1]
	host = m[2]
	port = DefaultSSHPort
	if m[3] != "" {
		port, err = strconv.Atoi(m[3])
		if err != nil || port < 1 || port > 65535 {
			return "", "", 0, fmt.Errorf("invalid tunnel port %q", m[3])
		}
	}
	if host == "" {
		return "", "", 0, fmt.Errorf("tunnel host is required")
	}
	return user, host, port, nil
}

// ResolveTunnel parses TunnelSpec into the Tunnel* fields.  An empty
// spec leaves the tunnel disabled.
func (c *Config) ResolveTunnel() error {
	if c.TunnelSpec == "" {
		c.TunnelEnabled = false
		return nil
	}
	user, host, port, err := ParseTunnelSpec(c.TunnelSpec)
	if err != nil {
		return &ferrors.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: err.Error(),
			Hint:    "use --tunnel user@gateway[:port]",
		}
	}
	c.TunnelEnabled = true
	c.TunnelUser = user
	c.TunnelHost = host
	c.TunnelPort = port
	return nil
}

// ── Destinations ─────────────────────────────────────────────────────

// FallbackConfigFile returns DefaultConfigFile when neither c nor the
// environment names a destination or a destinations file, and that file
// exists in the working directory.  Otherwise it returns "".
func (c *Config) FallbackConfigFile() string {
	if c.ConfigFile != "" || len(c.Destinations) > 0 {
		return ""
	}
	if os.Getenv("FANRELAY_CONFIG") != "" || os.Getenv("FANRELAY_DESTINATIONS") != "" {
		return ""
	}
	fi, err := os.Stat(DefaultConfigFile)
	if err != nil || fi.IsDir() {
		return ""
	}
	return DefaultConfigFile
}

// LoadDestinations reads ConfigFile (if any) and combines its entries
// with Destinations into one deduplicated set.  File entries come
// first.  It is called again on every hot reload.
func (c *Config) LoadDestinations() (*destination.Set, error) {
	var specs []string
	if c.ConfigFile != "" {
		f, err := LoadFile(c.ConfigFile)
		if err != nil {
			return nil, err
		}
		specs = append(specs, f.Destinations...)
	}
	specs = append(specs, c.Destinations...)
	return c.ParseDestinations(specs)
}

// ParseDestinations parses specs against the relay's port and mode.
// A scheme that disagrees with the relay mode is rejected.
func (c *Config) ParseDestinations(specs []string) (*destination.Set, error) {
	proto := c.Protocol()
	dests := make([]destination.Destination, 0, len(specs))
	for _, s := range specs {
		d, err := destination.Parse(s, c.Port, proto)
		if err != nil {
			return nil, &ferrors.ConfigError{
				Field:   "destination",
				Value:   s,
				Message: err.Error(),
				Hint:    "expected host, host:port or [ipv6]:port, optionally prefixed tcp:// or udp://",
			}
		}
		if d.Protocol != proto {
			return nil, &ferrors.ConfigError{
				Field:   "destination",
				Value:   s,
				Message: fmt.Sprintf("%s destination on a %s relay", d.Protocol, proto),
				Hint:    "a relay forwards in one mode; use -u for UDP or drop the scheme",
			}
		}
		dests = append(dests, d)
	}
	set := destination.NewSet(dests...)
	if set.Len() == 0 {
		return nil, &ferrors.ConfigError{
			Field:   "destination",
			Message: "no destinations configured",
			Hint:    "pass -d host[:port] or list destinations in the file given with -c",
		}
	}
	return set, nil
}

// ── Validation ───────────────────────────────────────────────────────

// Validate checks that the configuration is internally consistent.
// Destination entries are checked by LoadDestinations.
func (c *Config) Validate() error {
	if c.Port < 1 || c.Port > 65535 {
		var v interface{}
		if c.Port != 0 {
			v = c.Port
		}
		return &ferrors.ConfigError{
			Field:   "port",
			Value:   v,
			Message: "listen port must be between 1 and 65535",
			Hint:    "fanrelay -p 9000 -d host1 -d host2",
		}
	}

	if len(c.Destinations) == 0 && c.ConfigFile == "" {
		return &ferrors.ConfigError{
			Field:   "destination",
			Message: "no destinations configured",
			Hint:    "pass -d host[:port] (repeatable) or -c FILE",
		}
	}

	if c.Watch && c.ConfigFile == "" {
		return &ferrors.ConfigError{
			Field:   "watch",
			Message: "nothing to watch without a destinations file",
			Hint:    "add -c FILE",
		}
	}

	if c.UDP && c.TunnelEnabled {
		return &ferrors.ConfigError{
			Field:   "tunnel",
			Value:   c.TunnelSpec,
			Message: "UDP is not supported through SSH tunnels",
			Hint:    "remove -u or --tunnel",
		}
	}

	if c.TunnelEnabled && c.TunnelHost == "" {
		return &ferrors.ConfigError{Field: "tunnel", Message: "tunnel host is required"}
	}

	for _, d := range []struct {
		field string
		v     time.Duration
	}{
		{"dial-timeout", c.DialTimeout},
		{"write-timeout", c.WriteTimeout},
		{"backoff-initial", c.BackoffInitial},
		{"backoff-max", c.BackoffMax},
	} {
		if d.v <= 0 {
			return &ferrors.ConfigError{Field: d.field, Value: d.v, Message: "must be positive"}
		}
	}
	if c.IdleTimeout < 0 {
		return &ferrors.ConfigError{Field: "idle-timeout", Value: c.IdleTimeout, Message: "must not be negative", Hint: "0 disables the idle timeout"}
	}
	if c.BackoffMax < c.BackoffInitial {
		return &ferrors.ConfigError{
			Field:   "backoff-max",
			Value:   c.BackoffMax,
			Message: fmt.Sprintf("smaller than --backoff-initial=%s", c.BackoffInitial),
		}
	}
	if c.BufferSize < 1 {
		return &ferrors.ConfigError{Field: "buffer-size", Value: c.BufferSize, Message: "must be at least 1"}
	}
	if c.QueueDepth < 1 {
		return &ferrors.ConfigError{Field: "queue-depth", Value: c.QueueDepth, Message: "must be at least 1"}
	}

	return nil
}

// String summarises the relay for the startup log line.
func (c *Config) String() string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s :%d", c.Protocol(), c.Port)
	if c.TunnelEnabled {
		fmt.Fprintf(&b, " via ssh %s@%s:%d", c.TunnelUser, c.TunnelHost, c.TunnelPort)
	}
	return b.String()
}

package config

// file.go - the destinations file.
//
// Two formats are accepted, chosen by extension:
//
//	relay.conf / destinations.txt   one destination per line, blank
//	                                lines and # comments ignored
//	relay.toml                      relay settings plus [[destination]]
//	                                tables
//
// Example TOML:
//
//	port = 9000
//	write_timeout = "1s"
//
//	[[destination]]
//	host = "10.0.0.5"
//	port = 9001
//
//	[[destination]]
//	host = "collector.internal"

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	toml "github.com/pelletier/go-toml/v2"

	"fanrelay/util"
)

// File is a parsed destinations file.  Durations are strings so the
// TOML stays readable ("1s", "250ms").
type File struct {
	Port           int    `toml:"port"`
	UDP            *bool  `toml:"udp"`
	DialTimeout    string `toml:"dial_timeout"`
	WriteTimeout   string `toml:"write_timeout"`
	IdleTimeout    string `toml:"idle_timeout"`
	BackoffInitial string `toml:"backoff_initial"`
	BackoffMax     string `toml:"backoff_max"`
	BufferSize     int    `toml:"buffer_size"`
	QueueDepth     int    `toml:"queue_depth"`
	MetricsAddr    string `toml:"metrics_addr"`

	Destination []FileDestination `toml:"destination"`

	// Destinations holds every entry as a destination spec, in file
	// order.  It is filled for both formats.
	Destinations []string `toml:"-"`
}

// FileDestination is one [[destination]] table.
type FileDestination struct {
	Host     string `toml:"host"`
	Port     int    `toml:"port"`
	Protocol string `toml:"protocol"`
}

// Spec renders the table as a string destination.Parse accepts.
func (d FileDestination) Spec() string {
	s := d.Host
	if d.Port != 0 {
		s = util.FormatAddr(d.Host, d.Port)
	} else if strings.Contains(d.Host, ":") && !strings.HasPrefix(d.Host, "[") {
		s = "[" + d.Host + "]"
	}
	if d.Protocol != "" {
		s = strings.ToLower(d.Protocol) + "://" + s
	}
	return s
}

// IsTOML reports whether path selects the TOML format.
func IsTOML(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".toml")
}

// LoadFile reads and parses the destinations file at path.
func LoadFile(path string) (*File, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read destinations file: %w", err)
	}
	if IsTOML(path) {
		return parseTOML(path, b)
	}
	return &File{Destinations: parseList(b)}, nil
}

func parseTOML(path string, b []byte) (*File, error) {
	var f File
	if err := toml.Unmarshal(b, &f); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	for i, d := range f.Destination {
		if strings.TrimSpace(d.Host) == "" {
			return nil, fmt.Errorf("parse %s: destination #%d has no host", path, i+1)
		}
		f.Destinations = append(f.Destinations, d.Spec())
	}
	return &f, nil
}

// parseList reads the plain format.  Anything after # is a comment.
func parseList(b []byte) []string {
	var out []string
	sc := bufio.NewScanner(bytes.NewReader(b))
	for sc.Scan() {
		line := sc.Text()
		if i := strings.Index(line, "#"); i >= 0 {
			line = line[:i]
		}
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		out = append(out, line)
	}
	return out
}

// ApplyFile copies settings from f into cfg, skipping any field whose
// flag was set explicitly (named in changed).
func ApplyFile(cfg *Config, f *File, changed map[string]bool) error {
	s := newSetter(changed)

	s.setInt("port", f.Port, &cfg.Port)
	s.setBool("udp", f.UDP, &cfg.UDP)
	s.setInt("buffer-size", f.BufferSize, &cfg.BufferSize)
	s.setInt("queue-depth", f.QueueDepth, &cfg.QueueDepth)
	s.setString("metrics-addr", f.MetricsAddr, &cfg.MetricsAddr)

	for _, d := range []struct {
		flag, value string
		dst         *time.Duration
	}{
		{"dial-timeout", f.DialTimeout, &cfg.DialTimeout},
		{"write-timeout", f.WriteTimeout, &cfg.WriteTimeout},
		{"idle-timeout", f.IdleTimeout, &cfg.IdleTimeout},
		{"backoff-initial", f.BackoffInitial, &cfg.BackoffInitial},
		{"backoff-max", f.BackoffMax, &cfg.BackoffMax},
	} {
		if err := s.setDuration(d.flag, d.value, d.dst); err != nil {
			return err
		}
	}
	return nil
}

// ── setter ───────────────────────────────────────────────────────────

// setter applies a value only if the corresponding flag was not set
// explicitly on the command line.
type setter struct {
	changed map[string]bool
}

func newSetter(changed map[string]bool) *setter {
	return &setter{changed: changed}
}

func (s *setter) setString(flag, value string, dst *string) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *setter) setInt(flag string, value int, dst *int) {
	if value <= 0 || s.changed[flag] {
		return
	}
	*dst = value
}

func (s *setter) setBool(flag string, value *bool, dst *bool) {
	if value == nil || s.changed[flag] {
		return
	}
	*dst = *value
}

func (s *setter) setDuration(flag, value string, dst *time.Duration) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	d, err := parseDuration(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	*dst = d
	return nil
}

func (s *setter) setIntFromString(flag, value string, dst *int) error {
	if value == "" || s.changed[flag] {
		return nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", flag, err)
	}
	if n <= 0 {
		return nil
	}
	*dst = n
	return nil
}

func (s *setter) setBoolFromString(flag, value string, dst *bool) {
	if value == "" || s.changed[flag] {
		return
	}
	*dst = parseBool(value)
}

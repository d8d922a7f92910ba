package config

// loader.go - configuration loading from environment variables.
//
// Precedence order (highest wins):
//   1. CLI flags  (handled by cmd/root.go)
//   2. Environment variables  (this file)
//   3. Destinations file settings  (file.go)
//   4. Defaults   (defaults.go)

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ── Environment variable mapping ─────────────────────────────────────
//
// Every supported env var uses the FANRELAY_ prefix.  Boolean values
// accept "1", "true", "yes" (case-insensitive).  Durations accept Go
// syntax ("1500ms") or a bare number of seconds.

// LoadFromEnv overlays environment variables onto cfg.  Only non-empty
// env vars override the existing value, and never a flag named in
// changed.
func LoadFromEnv(cfg *Config, changed map[string]bool) error {
	s := newSetter(changed)

	if err := s.setIntFromString("port", os.Getenv("FANRELAY_PORT"), &cfg.Port); err != nil {
		return err
	}
	s.setBoolFromString("udp", os.Getenv("FANRELAY_UDP"), &cfg.UDP)
	s.setString("config", os.Getenv("FANRELAY_CONFIG"), &cfg.ConfigFile)
	if v := os.Getenv("FANRELAY_DESTINATIONS"); v != "" && !changed["destination"] {
		cfg.Destinations = splitList(v)
	}

	for _, d := range []struct {
		flag, key string
		dst       *time.Duration
	}{
		{"dial-timeout", "FANRELAY_DIAL_TIMEOUT", &cfg.DialTimeout},
		{"write-timeout", "FANRELAY_WRITE_TIMEOUT", &cfg.WriteTimeout},
		{"idle-timeout", "FANRELAY_IDLE_TIMEOUT", &cfg.IdleTimeout},
	} {
		if err := s.setDuration(d.flag, os.Getenv(d.key), d.dst); err != nil {
			return err
		}
	}

	// SSH tunnel
	s.setString("tunnel", os.Getenv("FANRELAY_TUNNEL"), &cfg.TunnelSpec)
	s.setString("ssh-key", os.Getenv("FANRELAY_SSH_KEY"), &cfg.SSHKeyPath)
	s.setBoolFromString("ssh-agent", os.Getenv("FANRELAY_SSH_AGENT"), &cfg.UseSSHAgent)
	s.setBoolFromString("strict-hostkey", os.Getenv("FANRELAY_STRICT_HOSTKEY"), &cfg.StrictHostKey)
	s.setString("known-hosts", os.Getenv("FANRELAY_KNOWN_HOSTS"), &cfg.KnownHostsPath)

	// Output
	s.setString("metrics-addr", os.Getenv("FANRELAY_METRICS_ADDR"), &cfg.MetricsAddr)
	s.setBoolFromString("debug", os.Getenv("FANRELAY_DEBUG"), &cfg.Debug)
	if err := s.setIntFromString("verbose", os.Getenv("FANRELAY_VERBOSE"), &cfg.Verbose); err != nil {
		return err
	}
	return nil
}

// ── helpers ──────────────────────────────────────────────────────────

func parseBool(v string) bool {
	v = strings.ToLower(strings.TrimSpace(v))
	return v == "1" || v == "true" || v == "yes"
}

// parseDuration accepts Go duration syntax or whole seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if n, err := strconv.Atoi(v); err == nil {
		return secondsDuration(n), nil
	}
	return time.ParseDuration(v)
}

func secondsDuration(sec int) time.Duration {
	return time.Duration(sec) * time.Second
}

// splitList splits a comma or whitespace separated list.
func splitList(v string) []string {
	return strings.FieldsFunc(v, func(r rune) bool {
		return r == ',' || r == ' ' || r == '\t' || r == '\n'
	})
}

package core

import (
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"fanrelay/config"
	"fanrelay/internal/destination"
	"fanrelay/internal/link"
	"fanrelay/internal/metrics"
	"fanrelay/internal/retry"
	"fanrelay/internal/session"
	"fanrelay/internal/status"
	"fanrelay/internal/transport"
	"fanrelay/tunnel"
	"fanrelay/util"
)

// Options carries the runtime collaborators a relay reports to.
type Options struct {
	Logger   zerolog.Logger
	Reporter status.Reporter
	Metrics  *metrics.Collector
	// SSHPassword is the gateway password collected at startup, if any.
	SSHPassword string
}

// Build constructs the relay for cfg.  Destinations are read from
// source on every new session (TCP) or on reload (UDP).
func Build(cfg *config.Config, source *destination.Source, opts Options) (Mode, error) {
	if source == nil {
		return nil, fmt.Errorf("core: no destination source")
	}
	if opts.Reporter == nil {
		opts.Reporter = status.Discard
	}

	address := fmt.Sprintf(":%d", cfg.Port)
	dialer := NewDialer(cfg, opts)
	lc := linkConfig(cfg, dialer, opts)

	if cfg.UDP {
		return &UDPRelay{
			Listen:   address,
			Source:   source,
			Links:    lc.Factory(),
			Reporter: opts.Reporter,
			Metrics:  opts.Metrics,
			Logger:   opts.Logger,
		}, nil
	}

	return &TCPRelay{
		Listen: address,
		Source: source,
		Links:  lc.Factory(),
		Session: session.Config{
			Pool:        util.NewBufferPool(cfg.BufferSize),
			IdleTimeout: cfg.IdleTimeout,
			Reporter:    opts.Reporter,
			Metrics:     opts.Metrics,
			Logger:      opts.Logger,
		},
		GracePeriod: cfg.GracePeriod,
		Reporter:    opts.Reporter,
		Logger:      opts.Logger,
		Dialer:      dialer,
	}, nil
}

// ── shared helpers ───────────────────────────────────────────────────

// linkConfig translates relay settings into link settings.
func linkConfig(cfg *config.Config, dialer transport.Dialer, opts Options) link.Config {
	return link.Config{
		TCPDialer:    dialer,
		Reporter:     opts.Reporter,
		Metrics:      opts.Metrics,
		Logger:       opts.Logger,
		DialTimeout:  cfg.DialTimeout,
		WriteTimeout: cfg.WriteTimeout,
		StableAfter:  config.DefaultStableAfter,
		QueueDepth:   cfg.QueueDepth,
		Backoff: &retry.Backoff{
			InitialDelay: cfg.BackoffInitial,
			MaxDelay:     cfg.BackoffMax,
			Multiplier:   2.0,
			Jitter:       true,
		},
	}
}

// NewDialer creates the TCP dialer for destination links: an SSH
// dialer when a tunnel is configured, otherwise nil so links use a
// plain TCPDialer.
func NewDialer(cfg *config.Config, opts Options) transport.Dialer {
	if !cfg.TunnelEnabled {
		return nil
	}
	var keepAlive time.Duration
	if cfg.KeepAliveInterval > 0 {
		keepAlive = time.Duration(cfg.KeepAliveInterval) * time.Second
	}
	return transport.NewSSHDialer(&tunnel.SSHConfig{
		User:              cfg.TunnelUser,
		Host:              cfg.TunnelHost,
		Port:              cfg.TunnelPort,
		KeyPath:           cfg.SSHKeyPath,
		Password:          opts.SSHPassword,
		UseAgent:          cfg.UseSSHAgent,
		StrictHostKey:     cfg.StrictHostKey,
		KnownHosts:        cfg.KnownHostsPath,
		ConnTimeout:       cfg.DialTimeout,
		KeepAliveInterval: keepAlive,
	}, transport.SSHDialerOptions{
		Metrics: opts.Metrics,
		Logger:  opts.Logger,
	})
}

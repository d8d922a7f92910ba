// Package cmd wires up the CLI flags and runs the relay.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"fanrelay/config"
	"fanrelay/internal/core"
	"fanrelay/internal/destination"
	"fanrelay/internal/metrics"
	"fanrelay/internal/status"
	"fanrelay/internal/watch"
	"fanrelay/tunnel"
	"fanrelay/util"
)

// version is overridable at link time:
//
//	go build -ldflags "-X fanrelay/cmd.version=2.0.0"
var version = "1.0.0" //nolint:gochecknoglobals

const longHelp = `fanrelay – TCP/UDP fan-out relay

Accepts clients on one port and copies every byte (TCP) or datagram (UDP)
to each configured destination.  A slow or unreachable destination never
blocks the client or the other destinations: its link reconnects in the
background and units it cannot take are dropped.

Configuration precedence: flags > FANRELAY_* environment > file > defaults.`

const exampleUsage = `  fanrelay -p 9000 -d 10.0.0.5 -d collector.internal:9100
  fanrelay -p 514 -u -c /etc/fanrelay/syslog.conf --watch
  fanrelay -p 9000 -c relay.toml --metrics-addr :9090
  fanrelay -p 9000 -d db-internal:5432 --tunnel admin@bastion`

// Execute parses args and runs the relay until ctx is cancelled.
func Execute(ctx context.Context, args []string) error {
	return newRootCommand(os.Stdout).run(ctx, args)
}

type rootCommand struct {
	cmd *cobra.Command
	cfg *config.Config
	out io.Writer
}

func newRootCommand(out io.Writer) *rootCommand {
	rc := &rootCommand{cfg: config.Default(), out: out}
	cfg := rc.cfg

	rc.cmd = &cobra.Command{
		Use:           "fanrelay -p PORT [-u] [-d HOST[:PORT]]... [-c FILE]",
		Short:         "Relay one inbound stream to many destinations",
		Long:          longHelp,
		Example:       exampleUsage,
		Version:       version,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          rc.runE,
	}
	rc.cmd.SetOut(out)
	rc.cmd.SetVersionTemplate("fanrelay {{.Version}}\n")

	fs := rc.cmd.Flags()
	fs.SortFlags = false

	// ── listener ─────────────────────────────────────────────────
	fs.IntVarP(&cfg.Port, "port", "p", 0, "Listen port (required)")
	fs.BoolVarP(&cfg.UDP, "udp", "u", false, "UDP mode (datagrams instead of streams)")
	fs.StringArrayVarP(&cfg.Destinations, "destination", "d", nil, "Destination host[:port] (repeatable)")
	fs.StringVarP(&cfg.ConfigFile, "config", "c", "", "Destinations file (plain list or .toml)")
	fs.BoolVar(&cfg.Watch, "watch", false, "Reload the destinations file when it changes")

	// ── links ────────────────────────────────────────────────────
	fs.DurationVar(&cfg.DialTimeout, "dial-timeout", cfg.DialTimeout, "Destination connect timeout")
	fs.DurationVar(&cfg.WriteTimeout, "write-timeout", cfg.WriteTimeout, "Per-unit destination write timeout")
	fs.DurationVar(&cfg.IdleTimeout, "idle-timeout", 0, "Close clients idle this long (0 = never)")
	fs.DurationVar(&cfg.BackoffInitial, "backoff-initial", cfg.BackoffInitial, "First reconnect delay")
	fs.DurationVar(&cfg.BackoffMax, "backoff-max", cfg.BackoffMax, "Reconnect delay cap")
	fs.IntVar(&cfg.BufferSize, "buffer-size", cfg.BufferSize, "TCP read buffer size in bytes")
	fs.IntVar(&cfg.QueueDepth, "queue-depth", cfg.QueueDepth, "Units queued per TCP destination before dropping")
	fs.DurationVar(&cfg.GracePeriod, "grace-period", cfg.GracePeriod, "Shutdown wait for open sessions")

	// ── SSH tunnel ───────────────────────────────────────────────
	fs.StringVarP(&cfg.TunnelSpec, "tunnel", "T", "", "Reach TCP destinations via SSH gateway [user@]host[:port]")
	fs.StringVar(&cfg.SSHKeyPath, "ssh-key", "", "SSH private key file")
	fs.BoolVar(&cfg.SSHPassword, "ssh-password", false, "Prompt for SSH password")
	fs.BoolVar(&cfg.UseSSHAgent, "ssh-agent", false, "Use SSH agent")
	fs.BoolVar(&cfg.StrictHostKey, "strict-hostkey", false, "Verify SSH host keys")
	fs.StringVar(&cfg.KnownHostsPath, "known-hosts", "", "Custom known_hosts path")

	// ── output ───────────────────────────────────────────────────
	fs.StringVar(&cfg.MetricsAddr, "metrics-addr", "", "Serve /metrics and /stats on this address")
	fs.BoolVar(&cfg.Debug, "debug", false, "Log per-unit events (drops, send errors)")
	fs.CountVarP(&cfg.Verbose, "verbose", "v", "Increase verbosity (repeatable)")
	fs.BoolVar(&cfg.DryRun, "dry-run", false, "Validate, resolve and probe destinations, then exit")

	return rc
}

func (rc *rootCommand) run(ctx context.Context, args []string) error {
	if args == nil {
		args = []string{}
	}
	rc.cmd.SetArgs(args)
	return rc.cmd.ExecuteContext(ctx)
}

func (rc *rootCommand) runE(cmd *cobra.Command, _ []string) error {
	if cmd.Flags().NFlag() == 0 && !envConfigured() {
		return cmd.Help()
	}

	cfg, err := rc.resolve(cmd.Flags())
	if err != nil {
		return err
	}
	dests, err := cfg.LoadDestinations()
	if err != nil {
		return err
	}

	var password string
	if cfg.TunnelEnabled && cfg.SSHPassword {
		if password, err = tunnel.PromptPassword(); err != nil {
			return err
		}
	}

	if cfg.DryRun {
		return rc.dryRun(cmd.Context(), cfg, dests, password)
	}
	logger := util.NewLogger(cfg.Verbose, cfg.Debug)
	return serve(cmd.Context(), cfg, dests, logger, password)
}

// resolve layers file and environment under the flags that were set
// explicitly, then validates.
func (rc *rootCommand) resolve(fs *flag.FlagSet) (*config.Config, error) {
	cfg := rc.cfg
	changed := map[string]bool{}
	fs.Visit(func(f *flag.Flag) { changed[f.Name] = true })

	path := cfg.ConfigFile
	if path == "" {
		path = os.Getenv("FANRELAY_CONFIG")
	}
	if path == "" {
		path = cfg.FallbackConfigFile()
		cfg.ConfigFile = path
	}
	if path != "" {
		f, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		if err := config.ApplyFile(cfg, f, changed); err != nil {
			return nil, err
		}
	}
	if err := config.LoadFromEnv(cfg, changed); err != nil {
		return nil, err
	}
	if err := cfg.ResolveTunnel(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// serve runs the relay, and optionally the metrics endpoint and file
// watcher, until ctx is cancelled or one of them fails.
func serve(ctx context.Context, cfg *config.Config, dests *destination.Set, logger zerolog.Logger, password string) error {
	collector := metrics.New()
	reporter := status.Multi(
		status.NewLogReporter(logger),
		status.NewMetricsReporter(collector),
	)
	source := destination.NewSource(dests)

	relay, err := core.Build(cfg, source, core.Options{
		Logger:      logger,
		Reporter:    reporter,
		Metrics:     collector,
		SSHPassword: password,
	})
	if err != nil {
		return err
	}

	logger.Info().
		Str("relay", cfg.String()).
		Strs("destinations", dests.Keys()).
		Str("version", version).
		Msg("starting")

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return relay.Run(gctx) })

	if cfg.MetricsAddr != "" {
		srv := &metrics.Server{Addr: cfg.MetricsAddr, Collector: collector, Logger: logger}
		g.Go(func() error { return srv.Serve(gctx) })
	}

	if cfg.Watch {
		w := &watch.Watcher{
			Path:     cfg.ConfigFile,
			Load:     cfg.LoadDestinations,
			Source:   source,
			Reporter: reporter,
			Logger:   logger,
			Debounce: config.DefaultWatchDebounce,
		}
		g.Go(func() error { return w.Run(gctx) })
	}

	err = g.Wait()
	logger.Info().
		Int64("sessions", collector.TotalSessions()).
		Int64("bytes_in", collector.TotalBytesIn()).
		Int64("bytes_out", collector.TotalBytesOut()).
		Int64("drops", collector.Drops()).
		Msg("stopped")
	return err
}

// dryRun prints the resolved configuration and probes every
// destination once.
func (rc *rootCommand) dryRun(ctx context.Context, cfg *config.Config, dests *destination.Set, password string) error {
	fmt.Fprintf(rc.out, "relay:        %s\n", cfg)
	if cfg.ConfigFile != "" {
		fmt.Fprintf(rc.out, "config file:  %s (watch=%t)\n", cfg.ConfigFile, cfg.Watch)
	}
	if cfg.MetricsAddr != "" {
		fmt.Fprintf(rc.out, "metrics:      %s\n", cfg.MetricsAddr)
	}
	fmt.Fprintf(rc.out, "destinations: %d\n", dests.Len())

	dialer := core.NewDialer(cfg, core.Options{Logger: zerolog.Nop(), SSHPassword: password})
	if dialer != nil {
		defer dialer.Close()
	}
	for _, r := range core.Probe(ctx, dests, cfg.DialTimeout, dialer) {
		d := r.Destination
		addrs := "-"
		if !cfg.TunnelEnabled {
			if ips, err := util.LookupHost(ctx, d.Host, cfg.DialTimeout); err == nil {
				addrs = strings.Join(ips, ",")
			}
		}
		state := "reachable"
		if !r.Reachable {
			state = "unreachable: " + r.Err.Error()
		}
		fmt.Fprintf(rc.out, "  %-32s %-24s %s (%s)\n", d.Key(), addrs, state, r.Latency.Round(time.Millisecond))
	}
	return nil
}

// envConfigured reports whether the environment alone could configure
// a relay.
func envConfigured() bool {
	return os.Getenv("FANRELAY_PORT") != "" || os.Getenv("FANRELAY_CONFIG") != ""
}

package transport

import (
	"context"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	ferrors "fanrelay/internal/errors"
	"fanrelay/internal/metrics"
	"fanrelay/internal/retry"
	"fanrelay/tunnel"
)

// SSHDialer routes TCP connections through one shared SSH gateway.  The
// gateway is connected lazily on the first Dial and re-established on
// demand after it drops.  Re-dials pass through a circuit breaker so a
// dead gateway is not hammered by every destination link at once.
type SSHDialer struct {
	tunnel  *tunnel.SSHTunnel
	config  *tunnel.SSHConfig
	breaker *retry.CircuitBreaker
	connect *retry.Backoff
	metrics *metrics.Collector
	logger  zerolog.Logger

	// flight runs one gateway (re)connect at a time; every link that
	// finds the gateway down waits on it, each under its own ctx.
	flight   singleflight.Group
	connects int // only touched inside flight

	life context.Context // cancelled by Close
	stop context.CancelFunc
}

// SSHDialerOptions tunes an SSHDialer.
type SSHDialerOptions struct {
	Breaker *retry.CircuitBreakerConfig // nil = retry defaults
	// Connect retries a transient gateway dial failure within one
	// breaker call (nil = two attempts, 100ms apart).  Handshake, auth
	// and host key failures are never retried.
	Connect *retry.Backoff
	Metrics *metrics.Collector
	Logger  zerolog.Logger
}

// NewSSHDialer creates a dialer that forwards connections through an
// SSH gateway.  The gateway is not contacted until the first Dial.
func NewSSHDialer(cfg *tunnel.SSHConfig, opts SSHDialerOptions) *SSHDialer {
	logger := opts.Logger.With().Str("component", "ssh-dialer").Logger()
	bc := opts.Breaker
	if bc == nil {
		bc = retry.DefaultCircuitBreakerConfig()
	}
	bcCopy := *bc
	prev := bcCopy.OnStateChange
	bcCopy.OnStateChange = func(from, to retry.State) {
		logger.Info().Str("from", from.String()).Str("to", to.String()).Msg("gateway circuit changed")
		if prev != nil {
			prev(from, to)
		}
	}
	connect := opts.Connect
	if connect == nil {
		connect = &retry.Backoff{InitialDelay: 100 * time.Millisecond, MaxAttempts: 2}
	}
	life, stop := context.WithCancel(context.Background())
	return &SSHDialer{
		life:    life,
		stop:    stop,
		tunnel:  tunnel.NewSSHTunnel(cfg, opts.Logger),
		config:  cfg,
		breaker: retry.NewCircuitBreaker(&bcCopy),
		connect: connect,
		metrics: opts.Metrics,
		logger:  logger,
	}
}

// Breaker exposes the gateway circuit breaker for inspection.
func (d *SSHDialer) Breaker() *retry.CircuitBreaker { return d.breaker }

// ensure brings the gateway up if it is not already alive.  The connect
// itself runs under the dialer's lifetime, not the caller's ctx.
func (d *SSHDialer) ensure(ctx context.Context) error {
	if d.life.Err() != nil {
		return net.ErrClosed
	}
	if d.tunnel.IsAlive() {
		return nil
	}

	ch := d.flight.DoChan("gateway", func() (interface{}, error) {
		// Another link may have reconnected while we queued.
		if d.tunnel.IsAlive() {
			return nil, nil
		}
		return nil, d.reconnect(d.life)
	})
	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (d *SSHDialer) reconnect(ctx context.Context) error {
	return d.breaker.Execute(func() error {
		return d.connect.Do(ctx, func(attempt int) error {
			d.logger.Debug().Str("gateway", d.config.Addr()).Int("attempt", attempt).Msg("establishing ssh tunnel")
			if err := d.tunnel.Connect(ctx); err != nil {
				if ctx.Err() != nil {
					return retry.Permanent(net.ErrClosed)
				}
				err = fmt.Errorf("tunnel: %w", err)
				var sshErr *ferrors.SSHError
				if ferrors.As(err, &sshErr) || !ferrors.IsRetryable(err) {
					return retry.Permanent(err)
				}
				return err
			}
			// Close raced the handshake; do not leave a gateway behind.
			if ctx.Err() != nil {
				d.tunnel.Close() //nolint:errcheck
				return retry.Permanent(net.ErrClosed)
			}
			d.connects++
			if d.connects > 1 {
				d.metrics.TunnelReconnect()
			}
			return nil
		})
	})
}

// Dial connects to address through the gateway.  Only TCP can be
// tunnelled.
func (d *SSHDialer) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	if !strings.HasPrefix(network, "tcp") {
		return nil, fmt.Errorf("ssh tunnel cannot carry %s to %s", network, address)
	}
	if err := d.ensure(ctx); err != nil {
		return nil, err
	}
	conn, err := d.tunnel.Dial(ctx, network, address)
	if ferrors.Is(err, ferrors.ErrNotConnected) {
		// Gateway dropped between ensure and Dial; one more try.
		if err := d.ensure(ctx); err != nil {
			return nil, err
		}
		conn, err = d.tunnel.Dial(ctx, network, address)
	}
	return conn, err
}

// Close tears down the gateway connection and aborts a connect in
// progress.  Further Dials fail.
func (d *SSHDialer) Close() error {
	d.stop()
	return d.tunnel.Close()
}

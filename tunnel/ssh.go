package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/ssh"

	ferrors "fanrelay/internal/errors"
)

// SSHConfig holds everything needed to dial an SSH gateway.
type SSHConfig struct {
	User          string
	Host          string
	Port          int
	KeyPath       string
	Password      string // non-interactive password (e.g. from the environment)
	UseAgent      bool
	StrictHostKey bool
	KnownHosts    string
	ConnTimeout   time.Duration

	// KeepAliveInterval is how often a keepalive@openssh.com request
	// is sent.  A failed keepalive marks the tunnel dead so the next
	// Dial re-establishes it.  Zero disables keepalives.
	KeepAliveInterval time.Duration
}

// Addr returns host:port of the gateway.
func (c *SSHConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// SSHTunnel implements [Tunnel] by opening one SSH connection to the
// gateway and multiplexing forwarded TCP connections over it with
// direct-tcpip channels.
type SSHTunnel struct {
	config *SSHConfig
	logger zerolog.Logger

	mu     sync.RWMutex
	client *ssh.Client
	alive  bool
	auth   []ssh.AuthMethod // built once; key passphrases are not re-prompted
}

// NewSSHTunnel creates a tunnel that is ready to [Connect].
func NewSSHTunnel(cfg *SSHConfig, logger zerolog.Logger) *SSHTunnel {
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.ConnTimeout == 0 {
		cfg.ConnTimeout = 30 * time.Second
	}
	return &SSHTunnel{
		config: cfg,
		logger: logger.With().Str("gateway", cfg.Addr()).Logger(),
	}
}

// Connect dials the SSH gateway and completes the handshake.  Calling
// Connect on a live tunnel replaces the old connection.
func (t *SSHTunnel) Connect(ctx context.Context) error {
	authMethods, err := t.authMethods()
	if err != nil {
		return ferrors.WrapSSH("auth", t.config.Host, t.config.Port, err)
	}

	hkCallback, err := hostKeyCallback(t.config)
	if err != nil {
		return ferrors.WrapSSH("hostkey", t.config.Host, t.config.Port, err)
	}

	sshCfg := &ssh.ClientConfig{
		User:            t.config.User,
		Auth:            authMethods,
		HostKeyCallback: hkCallback,
		Timeout:         t.config.ConnTimeout,
	}

	addr := t.config.Addr()
	t.logger.Debug().Str("user", t.config.User).Msg("ssh: dialing gateway")

	dialCtx, cancel := context.WithTimeout(ctx, t.config.ConnTimeout)
	defer cancel()
	var dialer net.Dialer
	tcpConn, err := dialer.DialContext(dialCtx, "tcp", addr)
	if err != nil {
		return ferrors.Wrap(ferrors.OpDial, addr, err)
	}

	// ssh.NewClientConn has no context of its own: bound the handshake
	// by the same timeout and abort it when ctx ends.
	tcpConn.SetDeadline(time.Now().Add(t.config.ConnTimeout)) //nolint:errcheck
	abort := context.AfterFunc(ctx, func() { tcpConn.Close() })
	sshConn, chans, reqs, err := ssh.NewClientConn(tcpConn, addr, sshCfg)
	if !abort() {
		if err == nil {
			sshConn.Close()
		}
		return ferrors.Wrap(ferrors.OpDial, addr, ctx.Err())
	}
	if err != nil {
		tcpConn.Close()
		return ferrors.WrapSSH("handshake", t.config.Host, t.config.Port, err)
	}
	tcpConn.SetDeadline(time.Time{}) //nolint:errcheck

	client := ssh.NewClient(sshConn, chans, reqs)
	done := make(chan struct{})

	t.mu.Lock()
	old := t.client
	t.client = client
	t.alive = true
	t.mu.Unlock()

	if old != nil {
		old.Close()
	}

	go t.monitor(client, done)
	if t.config.KeepAliveInterval > 0 {
		go t.keepaliveLoop(client, done)
	}

	t.logger.Info().Msg("ssh tunnel established")
	return nil
}

func (t *SSHTunnel) authMethods() ([]ssh.AuthMethod, error) {
	t.mu.RLock()
	cached := t.auth
	t.mu.RUnlock()
	if cached != nil {
		return cached, nil
	}

	methods, err := BuildAuthMethods(t.config)
	if err != nil {
		return nil, err
	}
	t.mu.Lock()
	t.auth = methods
	t.mu.Unlock()
	return methods, nil
}

// Dial forwards a connection through the tunnel.
func (t *SSHTunnel) Dial(ctx context.Context, network, address string) (net.Conn, error) {
	t.mu.RLock()
	client := t.client
	alive := t.alive
	t.mu.RUnlock()

	if !alive || client == nil {
		return nil, ferrors.ErrNotConnected
	}

	conn, err := client.DialContext(ctx, network, address)
	if err != nil {
		return nil, fmt.Errorf("tunnel dial %s: %w", address, err)
	}
	return conn, nil
}

// Close shuts down the SSH connection.
func (t *SSHTunnel) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.alive = false
	if t.client != nil {
		err := t.client.Close()
		t.client = nil
		return err
	}
	return nil
}

// IsAlive reports whether the tunnel is still connected.
func (t *SSHTunnel) IsAlive() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.alive
}

// markDead flips alive off if client is still the current connection.
func (t *SSHTunnel) markDead(client *ssh.Client) {
	t.mu.Lock()
	if t.client == client {
		t.alive = false
	}
	t.mu.Unlock()
}

// monitor blocks until the SSH connection closes and flips the alive flag.
func (t *SSHTunnel) monitor(client *ssh.Client, done chan struct{}) {
	err := client.Wait()
	close(done)
	t.markDead(client)

	if err != nil {
		t.logger.Debug().Err(err).Msg("ssh tunnel closed")
	} else {
		t.logger.Debug().Msg("ssh tunnel closed")
	}
}

// keepaliveLoop probes the gateway and closes the client when a probe
// fails, which in turn ends monitor.
func (t *SSHTunnel) keepaliveLoop(client *ssh.Client, done <-chan struct{}) {
	ticker := time.NewTicker(t.config.KeepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
				t.logger.Warn().Err(err).Msg("ssh keepalive failed")
				t.markDead(client)
				client.Close()
				return
			}
			t.logger.Trace().Msg("ssh keepalive ok")
		}
	}
}

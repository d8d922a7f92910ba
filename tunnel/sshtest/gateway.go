// Package sshtest runs an in-process SSH gateway that accepts password
// logins and forwards direct-tcpip channels, so tunnelled dialing can be
// tested without an sshd.
package sshtest

import (
	"crypto/ed25519"
	"crypto/rand"
	"fmt"
	"io"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// Gateway is a minimal SSH server for tests.
type Gateway struct {
	User     string
	Password string

	ln       net.Listener
	cfg      *ssh.ServerConfig
	mu       sync.Mutex
	conns    []*ssh.ServerConn
	logins   atomic.Int32
	channels atomic.Int32
	wg       sync.WaitGroup
}

// Start listens on 127.0.0.1 and serves until the test ends.
func Start(t testing.TB, user, password string) *Gateway {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatalf("host key: %v", err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatalf("host signer: %v", err)
	}

	g := &Gateway{User: user, Password: password}
	g.cfg = &ssh.ServerConfig{
		PasswordCallback: func(c ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if c.User() == g.User && string(pass) == g.Password {
				return nil, nil
			}
			return nil, fmt.Errorf("password rejected for %q", c.User())
		},
	}
	g.cfg.AddHostKey(signer)

	g.ln, err = net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("gateway listen: %v", err)
	}

	g.wg.Add(1)
	go g.acceptLoop()
	t.Cleanup(g.Close)
	return g
}

// Host returns the gateway's IP.
func (g *Gateway) Host() string {
	return g.ln.Addr().(*net.TCPAddr).IP.String()
}

// Port returns the gateway's port.
func (g *Gateway) Port() int {
	return g.ln.Addr().(*net.TCPAddr).Port
}

// Logins returns how many SSH handshakes succeeded.
func (g *Gateway) Logins() int { return int(g.logins.Load()) }

// Channels returns how many direct-tcpip channels were forwarded.
func (g *Gateway) Channels() int { return int(g.channels.Load()) }

// DropClients closes every client connection while keeping the
// listener open, simulating a gateway restart.
func (g *Gateway) DropClients() {
	g.mu.Lock()
	conns := g.conns
	g.conns = nil
	g.mu.Unlock()
	for _, c := range conns {
		c.Close()
	}
}

// Close stops the listener and drops every client.
func (g *Gateway) Close() {
	g.ln.Close()
	g.DropClients()
	g.wg.Wait()
}

func (g *Gateway) acceptLoop() {
	defer g.wg.Done()
	for {
		c, err := g.ln.Accept()
		if err != nil {
			return
		}
		go g.serve(c)
	}
}

func (g *Gateway) serve(c net.Conn) {
	sconn, chans, reqs, err := ssh.NewServerConn(c, g.cfg)
	if err != nil {
		c.Close()
		return
	}
	g.logins.Add(1)
	g.mu.Lock()
	g.conns = append(g.conns, sconn)
	g.mu.Unlock()

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(req.Type == "keepalive@openssh.com", nil) //nolint:errcheck
			}
		}
	}()

	for nc := range chans {
		if nc.ChannelType() != "direct-tcpip" {
			nc.Reject(ssh.UnknownChannelType, "only direct-tcpip") //nolint:errcheck
			continue
		}
		go g.forward(nc)
	}
}

// directTCPIP is the RFC 4254 §7.2 channel-open payload.
type directTCPIP struct {
	Host     string
	Port     uint32
	OrigHost string
	OrigPort uint32
}

func (g *Gateway) forward(nc ssh.NewChannel) {
	var p directTCPIP
	if err := ssh.Unmarshal(nc.ExtraData(), &p); err != nil {
		nc.Reject(ssh.ConnectionFailed, "bad payload") //nolint:errcheck
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(p.Host, strconv.Itoa(int(p.Port))))
	if err != nil {
		nc.Reject(ssh.ConnectionFailed, err.Error()) //nolint:errcheck
		return
	}
	ch, reqs, err := nc.Accept()
	if err != nil {
		target.Close()
		return
	}
	g.channels.Add(1)
	go ssh.DiscardRequests(reqs)

	go func() {
		io.Copy(target, ch) //nolint:errcheck
		target.Close()
	}()
	go func() {
		io.Copy(ch, target) //nolint:errcheck
		ch.Close()
	}()
}

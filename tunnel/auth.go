package tunnel

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
	"golang.org/x/crypto/ssh/knownhosts"
	"golang.org/x/term"
)

// defaultKeyFiles are tried, in order, when no method is configured.
var defaultKeyFiles = []string{"id_ed25519", "id_ecdsa", "id_rsa"}

// BuildAuthMethods returns the gateway login methods in the order they
// are offered: key file, agent, password.  With none configured it
// falls back to the agent plus whichever default key files exist.
//
// The relay re-handshakes with the gateway every time it drops, so the
// result is built once per tunnel.  Anything that needs the terminal
// (an encrypted key) is asked for here and never again.
func BuildAuthMethods(cfg *SSHConfig) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod

	if cfg.KeyPath != "" {
		signer, err := loadSigner(cfg.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("key %s: %w", cfg.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}

	if cfg.UseAgent {
		sock, err := agentSocket()
		if err != nil {
			return nil, fmt.Errorf("ssh-agent: %w", err)
		}
		methods = append(methods, agentMethod(sock))
	}

	if cfg.Password != "" {
		methods = append(methods, ssh.Password(cfg.Password))
	}

	if len(methods) == 0 {
		methods = fallbackMethods()
	}
	if len(methods) == 0 {
		return nil, errors.New("no SSH authentication methods available – " +
			"use --ssh-key, --ssh-password, or --ssh-agent")
	}
	return methods, nil
}

// ── key files ────────────────────────────────────────────────────────

// loadSigner parses a private key, asking for the passphrase on the
// terminal if it is encrypted.
func loadSigner(path string) (ssh.Signer, error) {
	pem, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	signer, err := ssh.ParsePrivateKey(pem)
	var missing *ssh.PassphraseMissingError
	if !errors.As(err, &missing) {
		return signer, err
	}

	pass, err := promptSecret(fmt.Sprintf("Enter passphrase for %s: ", path))
	if err != nil {
		return nil, err
	}
	return ssh.ParsePrivateKeyWithPassphrase(pem, []byte(pass))
}

// fallbackMethods collects the agent, if reachable, and every default
// key that parses without a passphrase.  Encrypted defaults are
// skipped: nobody asked for them.
func fallbackMethods() []ssh.AuthMethod {
	var out []ssh.AuthMethod
	if sock, err := agentSocket(); err == nil {
		out = append(out, agentMethod(sock))
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return out
	}
	var signers []ssh.Signer
	for _, name := range defaultKeyFiles {
		data, err := os.ReadFile(filepath.Join(home, ".ssh", name))
		if err != nil {
			continue
		}
		if s, err := ssh.ParsePrivateKey(data); err == nil {
			signers = append(signers, s)
		}
	}
	if len(signers) > 0 {
		out = append(out, ssh.PublicKeys(signers...))
	}
	return out
}

// ── agent ────────────────────────────────────────────────────────────

func agentSocket() (string, error) {
	sock := os.Getenv("SSH_AUTH_SOCK")
	if sock == "" {
		return "", errors.New("SSH_AUTH_SOCK is not set")
	}
	return sock, nil
}

// agentMethod asks the agent for signers on every handshake, each time
// over a fresh socket connection, so an agent restart between gateway
// reconnects is picked up.
func agentMethod(sock string) ssh.AuthMethod {
	return ssh.PublicKeysCallback(func() ([]ssh.Signer, error) {
		conn, err := net.Dial("unix", sock)
		if err != nil {
			return nil, fmt.Errorf("connecting to agent at %s: %w", sock, err)
		}
		defer conn.Close()
		return agent.NewClient(conn).Signers()
	})
}

// ── terminal ─────────────────────────────────────────────────────────

// PromptPassword reads the gateway password from the terminal without
// echo.  Call it once at startup; the relay reuses the answer on every
// reconnect.
func PromptPassword() (string, error) {
	return promptSecret("SSH gateway password: ")
}

func promptSecret(label string) (string, error) {
	fmt.Fprint(os.Stderr, label)
	b, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("reading from terminal: %w", err)
	}
	return string(b), nil
}

// ── host keys ────────────────────────────────────────────────────────

// hostKeyCallback verifies the gateway against known_hosts in strict
// mode and accepts any key otherwise.
func hostKeyCallback(cfg *SSHConfig) (ssh.HostKeyCallback, error) {
	if !cfg.StrictHostKey {
		//nolint:gosec // host key checking is opt-in via --strict-hostkey
		return ssh.InsecureIgnoreHostKey(), nil
	}

	path := cfg.KnownHosts
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("locating home directory: %w", err)
		}
		path = filepath.Join(home, ".ssh", "known_hosts")
	}
	cb, err := knownhosts.New(path)
	if err != nil {
		return nil, fmt.Errorf("loading known_hosts from %s: %w", path, err)
	}
	return cb, nil
}

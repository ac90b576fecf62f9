package testutil

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"testing"

	"golang.org/x/crypto/ssh"
)

// SSHServer is an in-process bastion that supports TCP tunneling via
// direct-tcpip channels.
//
// This implements the server side of SSH dynamic port forwarding: clients
// open "direct-tcpip" channels and the server dials the requested
// destination and proxies data bidirectionally.
type SSHServer struct {
	config   *ssh.ServerConfig
	listener net.Listener
	hostKey  ssh.Signer

	channels atomic.Int64

	mu       sync.Mutex
	closed   bool
	conns    map[ssh.Conn]struct{}
	wg       sync.WaitGroup
	shutdown chan struct{}
}

// SSHServerConfig holds configuration for the test bastion.
type SSHServerConfig struct {
	// HostKey is the server's host key. A random Ed25519 key is generated if
	// nil.
	HostKey ssh.Signer

	// Username and Password enable password authentication when Password is
	// non-empty.
	Username string
	Password string

	// AuthorizedKey enables public key authentication for Username.
	AuthorizedKey ssh.PublicKey
}

// directTCPIPPayload is the payload for direct-tcpip channel requests.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// StartSSHServer starts a bastion on 127.0.0.1 and stops it when the test
// ends.
func StartSSHServer(t *testing.T, cfg SSHServerConfig) *SSHServer {
	t.Helper()

	if cfg.Password == "" && cfg.AuthorizedKey == nil {
		t.Fatal("ssh server: at least one auth method required")
	}
	if cfg.HostKey == nil {
		cfg.HostKey = GenerateSigner(t)
	}

	sshConfig := &ssh.ServerConfig{}
	if cfg.Password != "" {
		sshConfig.PasswordCallback = func(conn ssh.ConnMetadata, pass []byte) (*ssh.Permissions, error) {
			if conn.User() != cfg.Username || string(pass) != cfg.Password {
				return nil, errors.New("invalid credentials")
			}
			return &ssh.Permissions{}, nil
		}
	}
	if cfg.AuthorizedKey != nil {
		want := cfg.AuthorizedKey.Marshal()
		sshConfig.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			if conn.User() != cfg.Username || string(key.Marshal()) != string(want) {
				return nil, errors.New("unauthorized key")
			}
			return &ssh.Permissions{}, nil
		}
	}
	sshConfig.AddHostKey(cfg.HostKey)

	lc := net.ListenConfig{}
	ln, err := lc.Listen(context.Background(), "tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("ssh server listen: %v", err)
	}

	s := &SSHServer{
		config:   sshConfig,
		listener: ln,
		hostKey:  cfg.HostKey,
		conns:    make(map[ssh.Conn]struct{}),
		shutdown: make(chan struct{}),
	}

	go func() {
		_ = s.serve()
	}()
	t.Cleanup(s.Close)

	return s
}

// GenerateSigner returns a random Ed25519 signer.
func GenerateSigner(t *testing.T) ssh.Signer {
	t.Helper()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	signer, err := ssh.NewSignerFromKey(priv)
	if err != nil {
		t.Fatal(err)
	}
	return signer
}

// Addr returns the server's listen address.
func (s *SSHServer) Addr() *net.TCPAddr {
	return s.listener.Addr().(*net.TCPAddr)
}

// HostKey returns the server's public host key.
func (s *SSHServer) HostKey() ssh.PublicKey {
	return s.hostKey.PublicKey()
}

// Channels returns how many direct-tcpip channels were requested.
func (s *SSHServer) Channels() int64 {
	return s.channels.Load()
}

// ConnCount returns the number of SSH connections currently open.
func (s *SSHServer) ConnCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.conns)
}

// serve accepts and handles SSH connections until the server is closed.
func (s *SSHServer) serve() error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			return fmt.Errorf("ssh server accept: %w", err)
		}

		s.wg.Go(func() {
			s.handleConn(conn)
		})
	}
}

// Close stops accepting new connections and waits for existing connections
// to finish.
func (s *SSHServer) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	close(s.shutdown)
	for c := range s.conns {
		_ = c.Close()
	}
	s.mu.Unlock()

	_ = s.listener.Close()
	s.wg.Wait()
}

// handleConn handles a single SSH connection.
func (s *SSHServer) handleConn(conn net.Conn) {
	defer conn.Close()

	sshConn, chans, reqs, err := ssh.NewServerConn(conn, s.config)
	if err != nil {
		return
	}
	defer sshConn.Close()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.conns[sshConn] = struct{}{}
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		delete(s.conns, sshConn)
		s.mu.Unlock()
	}()

	// Discard global requests (we don't support any).
	go ssh.DiscardRequests(reqs)

	var wg sync.WaitGroup
	for newChan := range chans {
		if newChan.ChannelType() != "direct-tcpip" {
			_ = newChan.Reject(ssh.UnknownChannelType, "unsupported channel type")
			continue
		}
		s.channels.Add(1)

		wg.Go(func() {
			s.handleDirectTCPIP(newChan)
		})
	}
	wg.Wait()
}

// handleDirectTCPIP dials the requested destination and proxies the channel
// to it until either side finishes.
func (s *SSHServer) handleDirectTCPIP(newChan ssh.NewChannel) {
	var payload directTCPIPPayload
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		_ = newChan.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}

	addr := net.JoinHostPort(payload.Host, fmt.Sprint(payload.Port))
	d := net.Dialer{}
	dst, err := d.DialContext(context.Background(), "tcp", addr)
	if err != nil {
		_ = newChan.Reject(ssh.ConnectionFailed, fmt.Sprintf("dial %s: %v", addr, err))
		return
	}

	ch, reqs, err := newChan.Accept()
	if err != nil {
		_ = dst.Close()
		return
	}

	// Discard channel-specific requests.
	go ssh.DiscardRequests(reqs)

	defer ch.Close()
	defer dst.Close()

	done := make(chan struct{}, 2)

	go func() {
		_, _ = io.Copy(dst, ch)
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
		done <- struct{}{}
	}()

	go func() {
		_, _ = io.Copy(ch, dst)
		_ = ch.CloseWrite()
		done <- struct{}{}
	}()

	// Wait for one direction to finish or the server to stop, then close
	// both.
	select {
	case <-done:
	case <-s.shutdown:
	}
}

package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/ssh"

	"github.com/die-net/jumpsocks/internal/config"
	"github.com/die-net/jumpsocks/internal/hostkeys"
)

// Options tunes session establishment.
type Options struct {
	// DialTimeout bounds the TCP connect to the bastion.
	DialTimeout time.Duration
	// HandshakeTimeout bounds the SSH handshake and authentication.
	HandshakeTimeout time.Duration
	// KeepAlive is applied to the transport TCP connection.
	KeepAlive net.KeepAliveConfig
	// HostKeys is consulted when the config enables strict host key
	// checking. It is required in that case.
	HostKeys *hostkeys.Repository
	// Logger receives trust-on-first-use notices. Defaults to the logrus
	// standard logger.
	Logger logrus.FieldLogger
}

// Session is an authenticated SSH connection to a bastion that channels are
// opened on. It is not safe for concurrent use: one goroutine owns it for its
// whole life.
type Session struct {
	client  *ssh.Client
	conn    net.Conn
	closer  io.Closer
	hostKey ssh.PublicKey
	timeout time.Duration
}

// directTCPIPPayload is the payload for direct-tcpip channel requests.
type directTCPIPPayload struct {
	Host       string
	Port       uint32
	OriginHost string
	OriginPort uint32
}

// Establish dials the bastion described by cfg, performs the SSH handshake,
// verifies or learns its host key, and authenticates. cfg must already be
// valid. Every failure is returned as is; there is no retry.
func Establish(ctx context.Context, cfg config.Tunnel, opts Options) (*Session, error) {
	log := opts.Logger
	if log == nil {
		log = logrus.StandardLogger()
	}
	if cfg.StrictHostKeyChecking && opts.HostKeys == nil {
		return nil, errors.New("ssh: strict host key checking requires a host key store")
	}

	auth, closer, err := AuthMethods(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("ssh auth: %w", err)
	}

	s := &Session{closer: closer}

	// The callback runs inside the handshake; keep its error so the caller
	// gets the typed mismatch rather than the handshake's wrapping of it.
	var hostKeyErr error
	callback := func(_ string, _ net.Addr, key ssh.PublicKey) error {
		s.hostKey = key
		if !cfg.StrictHostKeyChecking {
			return nil
		}
		learned, err := opts.HostKeys.VerifyOrLearn(cfg.HostID(), key)
		if err != nil {
			hostKeyErr = err
			return err
		}
		if learned {
			log.WithFields(logrus.Fields{
				"host":        cfg.HostID(),
				"fingerprint": hostkeys.Fingerprint(key),
				"store":       opts.HostKeys.Path(),
			}).Info("ssh: trusted new host key")
		}
		return nil
	}

	conn, err := dialTCP(ctx, cfg.Addr(), opts.DialTimeout, opts.KeepAlive)
	if err != nil {
		s.closeCredentials()
		return nil, fmt.Errorf("ssh transport: %w", err)
	}

	// Close conn if ctx is canceled during handshake.
	stop := context.AfterFunc(ctx, func() {
		_ = conn.Close()
	})
	defer stop()

	client, err := handshake(conn, cfg.Addr(), cfg.Username, auth, callback, opts.HandshakeTimeout)
	if err != nil {
		s.closeCredentials()
		if hostKeyErr != nil {
			return nil, fmt.Errorf("ssh host key verification: %w", hostKeyErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fmt.Errorf("ssh transport: %w", ctxErr)
		}
		return nil, err
	}

	s.client = client
	s.conn = conn
	return s, nil
}

// HostKeyFingerprint returns the fingerprint of the key the bastion
// presented.
func (s *Session) HostKeyFingerprint() string {
	if s.hostKey == nil {
		return ""
	}
	return hostkeys.Fingerprint(s.hostKey)
}

// RemoteAddr returns the bastion's transport address.
func (s *Session) RemoteAddr() net.Addr {
	return s.conn.RemoteAddr()
}

// SetTimeout sets how long OpenChannel waits for the bastion to answer.
func (s *Session) SetTimeout(d time.Duration) {
	s.timeout = d
}

// Timeout returns the current timeout.
func (s *Session) Timeout() time.Duration {
	return s.timeout
}

// OpenChannel opens a "direct-tcpip" channel to host:port. The bastion
// resolves host, so names only resolvable behind it work.
//
// The call gives up after the session timeout. A channel the bastion accepts
// after that point is closed as soon as it arrives.
func (s *Session) OpenChannel(host string, port uint16) (ssh.Channel, error) {
	payload := ssh.Marshal(&directTCPIPPayload{
		Host:       host,
		Port:       uint32(port),
		OriginHost: "127.0.0.1",
		OriginPort: 0,
	})

	type result struct {
		ch  ssh.Channel
		err error
	}
	done := make(chan result)
	abandoned := make(chan struct{})

	go func() {
		ch, reqs, err := s.client.OpenChannel("direct-tcpip", payload)
		if err == nil {
			go ssh.DiscardRequests(reqs)
		}
		select {
		case done <- result{ch: ch, err: err}:
		case <-abandoned:
			if ch != nil {
				_ = ch.Close()
			}
		}
	}()

	var timer <-chan time.Time
	if s.timeout > 0 {
		t := time.NewTimer(s.timeout)
		defer t.Stop()
		timer = t.C
	}

	addr := net.JoinHostPort(host, strconv.Itoa(int(port)))
	select {
	case res := <-done:
		if res.err != nil {
			return nil, fmt.Errorf("ssh channel to %s: %w", addr, res.err)
		}
		return res.ch, nil
	case <-timer:
		close(abandoned)
		// The open may have completed while the timer fired.
		select {
		case res := <-done:
			if res.err == nil {
				return res.ch, nil
			}
		default:
		}
		return nil, fmt.Errorf("ssh channel to %s: timed out after %s", addr, s.timeout)
	}
}

// Close closes the SSH connection, its transport, and any agent connection.
func (s *Session) Close() error {
	err := s.client.Close()
	s.closeCredentials()
	return err
}

func (s *Session) closeCredentials() {
	if s.closer != nil {
		_ = s.closer.Close()
		s.closer = nil
	}
}

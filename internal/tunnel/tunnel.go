package tunnel

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"

	"github.com/sirupsen/logrus"

	"github.com/die-net/jumpsocks/internal/config"
	"github.com/die-net/jumpsocks/internal/hostkeys"
	"github.com/die-net/jumpsocks/internal/ssh"
)

// Handle is a running tunnel. Its owner must call Stop.
type Handle struct {
	// LocalHost and LocalPort are where the SOCKS5 endpoint listens.
	LocalHost string
	LocalPort uint16

	fingerprint string

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	err      error
}

// Start validates cfg, establishes the SSH session, binds an ephemeral port
// on cfg.LocalBindHost and starts serving SOCKS5 clients on it.
//
// ctx bounds session establishment only. Once Start returns, the tunnel runs
// until Stop is called or its listener fails. A failed Start leaves nothing
// running.
func Start(ctx context.Context, cfg config.Tunnel, opts Options) (*Handle, error) {
	opts = opts.withDefaults()
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("tunnel options: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.StrictHostKeyChecking && opts.HostKeys == nil {
		repo, err := hostkeys.Open()
		if err != nil {
			return nil, fmt.Errorf("host key store: %w", err)
		}
		opts.HostKeys = repo
	}

	session, err := ssh.Establish(ctx, cfg, ssh.Options{
		DialTimeout:      opts.DialTimeout,
		HandshakeTimeout: opts.HandshakeTimeout,
		KeepAlive:        opts.KeepAlive,
		HostKeys:         opts.HostKeys,
		Logger:           opts.Logger,
	})
	if err != nil {
		return nil, err
	}

	ln, err := listenLocal(ctx, cfg.LocalBindHost, opts.KeepAlive)
	if err != nil {
		_ = session.Close()
		return nil, err
	}
	addr := ln.Addr().(*net.TCPAddr)

	h := &Handle{
		LocalHost:   addr.IP.String(),
		LocalPort:   uint16(addr.Port),
		fingerprint: session.HostKeyFingerprint(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}

	log := opts.Logger.WithFields(logrus.Fields{
		"local":   h.LocalEndpoint(),
		"bastion": cfg.HostID(),
	})
	log.WithFields(logrus.Fields{
		"fingerprint": h.fingerprint,
		"remote":      session.RemoteAddr().String(),
	}).Info("tunnel: started")

	l := newLoop(session, ln, opts, h.stop)
	go func() {
		defer close(h.done)
		h.err = l.run()
		log.Info("tunnel: stopped")
	}()

	return h, nil
}

// LocalEndpoint returns the SOCKS5 endpoint as "host:port".
func (h *Handle) LocalEndpoint() string {
	return net.JoinHostPort(h.LocalHost, strconv.Itoa(int(h.LocalPort)))
}

// HostKeyFingerprint returns the fingerprint of the bastion's host key.
func (h *Handle) HostKeyFingerprint() string {
	return h.fingerprint
}

// Stop signals the loop and waits until it exited and every client socket,
// the listener and the SSH session are closed. It is safe to call more than
// once and from several goroutines.
func (h *Handle) Stop() {
	h.stopOnce.Do(func() {
		close(h.stop)
	})
	<-h.done
}

// Done is closed once the loop exits, after Stop or a listener failure.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Err returns the listener error that ended the loop. It is nil while the
// tunnel runs and after a Stop.
func (h *Handle) Err() error {
	select {
	case <-h.done:
		return h.err
	default:
		return nil
	}
}

func (h *Handle) running() bool {
	select {
	case <-h.done:
		return false
	default:
		return true
	}
}

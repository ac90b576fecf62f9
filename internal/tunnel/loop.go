package tunnel

import (
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/jumpsocks/internal/socks5"
	"github.com/die-net/jumpsocks/internal/ssh"
)

// loop multiplexes every local client over one SSH session. All of its
// fields, and the session, belong to the goroutine running run.
type loop struct {
	session *ssh.Session
	ln      *net.TCPListener
	opts    Options
	log     logrus.FieldLogger
	stop    <-chan struct{}

	pool    *bufferPool
	readBuf []byte

	negotiating []*negotiatingClient
	pending     []*pendingClient
	active      []*activeClient
	live        int
	nextID      uint64
	readers     sync.WaitGroup
}

func newLoop(session *ssh.Session, ln *net.TCPListener, opts Options, stop <-chan struct{}) *loop {
	return &loop{
		session: session,
		ln:      ln,
		opts:    opts,
		log:     opts.Logger,
		stop:    stop,
		pool:    newBufferPool(opts.BufferSize),
		readBuf: make([]byte, opts.BufferSize),
	}
}

// run serves clients until stop is closed or the listener fails. It returns
// the listener error, or nil after a stop. Everything the loop owns is closed
// before it returns.
func (l *loop) run() error {
	tunnelsRunning.Inc()
	defer tunnelsRunning.Dec()
	defer l.shutdown()

	l.session.SetTimeout(l.opts.PollTimeout)

	for {
		select {
		case <-l.stop:
			return nil
		default:
		}

		// Connected clients go first so new channel setup never starves them.
		progress := l.relayActive()

		if err := l.acceptPending(); err != nil {
			loopFailuresTotal.Inc()
			l.log.WithError(err).Error("tunnel: listener failed, no longer accepting clients")
			return err
		}
		l.negotiate()

		if !progress && len(l.pending) > 0 {
			l.promotePending()
		}

		if !progress && len(l.pending) == 0 {
			d := l.opts.BusySleep
			if len(l.active) == 0 && len(l.negotiating) == 0 {
				d = l.opts.IdleSleep
			}
			if !l.sleep(d) {
				return nil
			}
		}
	}
}

// sleep waits for d and reports false if stop was signaled meanwhile.
func (l *loop) sleep(d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()

	select {
	case <-l.stop:
		return false
	case <-t.C:
		return true
	}
}

// relayActive moves at most one chunk each way for every active client and
// drops the clients that finished, failed or went idle.
func (l *loop) relayActive() bool {
	progress := false
	kept := l.active[:0]

	for _, c := range l.active {
		moved, reason, err := l.relay(c)

		switch {
		case reason != "":
			l.closeClient(c, reason, err)
		case moved:
			c.lastActivity = time.Now()
			progress = true
			kept = append(kept, c)
		case time.Since(c.lastActivity) > l.opts.IdleTimeout:
			l.closeClient(c, reasonIdle, nil)
		default:
			kept = append(kept, c)
		}
	}

	clear(l.active[len(kept):])
	l.active = kept

	return progress
}

// relay does one round of I/O for c. A non-empty reason means c is done.
func (l *loop) relay(c *activeClient) (moved bool, reason string, err error) {
	// Local to remote.
	n, rerr := pollRead(c.conn, l.readBuf, l.opts.LocalPollTimeout)
	if n > 0 {
		if err := writeChannel(c.ch, l.readBuf[:n], l.opts.WriteTimeout); err != nil {
			return moved, reasonError, fmt.Errorf("write to channel: %w", err)
		}
		bytesUpstreamTotal.Add(float64(n))
		moved = true
		l.log.WithFields(logrus.Fields{"client": c.id, "bytes": n}).Debug("tunnel: local to remote")
	}
	if rerr != nil && !isTimeout(rerr) {
		if errors.Is(rerr, io.EOF) {
			// Tell the far end nothing more is coming before closing.
			_ = c.ch.CloseWrite()
			return moved, reasonLocalEOF, nil
		}
		return moved, reasonError, fmt.Errorf("read from client: %w", rerr)
	}

	// Remote to local.
	select {
	case ck := <-c.inbox:
		if ck.n > 0 {
			werr := writeAll(c.conn, ck.buf[:ck.n], l.opts.PollTimeout, l.opts.WriteTimeout, l.opts.WriteRetrySleep)
			l.pool.Put(ck.buf)
			if werr != nil {
				return moved, reasonError, fmt.Errorf("write to client: %w", werr)
			}
			bytesDownstreamTotal.Add(float64(ck.n))
			moved = true
			l.log.WithFields(logrus.Fields{"client": c.id, "bytes": ck.n}).Debug("tunnel: remote to local")
		} else {
			l.pool.Put(ck.buf)
		}

		if ck.err != nil {
			if errors.Is(ck.err, io.EOF) {
				return moved, reasonRemoteEOF, nil
			}
			return moved, reasonError, fmt.Errorf("read from channel: %w", ck.err)
		}
	default:
	}

	return moved, "", nil
}

func (l *loop) closeClient(c *activeClient, reason string, err error) {
	c.close(l.pool)
	l.live--
	clientsActive.Dec()
	clientClosesTotal.WithLabelValues(reason).Inc()

	log := l.log.WithFields(logrus.Fields{
		"client":    c.id,
		"target":    c.target,
		"reason":    reason,
		"remaining": l.live,
	})
	switch {
	case reason == reasonIdle:
		log.Warn("tunnel: client idle timeout reached, closing connection")
	case err != nil:
		log.WithError(err).Debug("tunnel: client closed")
	default:
		log.Debug("tunnel: client closed")
	}
}

// acceptPending accepts every connection already waiting on the listener and
// queues it for the SOCKS5 handshake. Only a listener failure is returned.
func (l *loop) acceptPending() error {
	for {
		conn, err := pollAccept(l.ln, l.opts.LocalPollTimeout)
		if err != nil {
			return fmt.Errorf("accept: %w", err)
		}
		if conn == nil {
			return nil
		}
		acceptsTotal.Inc()

		l.negotiating = append(l.negotiating, &negotiatingClient{
			conn:     conn,
			deadline: time.Now().Add(l.opts.NegotiationTimeout),
		})
	}
}

// negotiate moves every handshake forward by whatever its client has sent.
// A client that fails its handshake, or does not finish it within the
// negotiation timeout, is logged and dropped without affecting the others.
func (l *loop) negotiate() {
	kept := l.negotiating[:0]

	for _, n := range l.negotiating {
		p, err := n.advance(l.readBuf, l.opts.LocalPollTimeout, l.opts.PollTimeout)
		switch {
		case err != nil:
			handshakeFailures.Inc()
			l.log.WithError(err).WithField("client", n.conn.RemoteAddr().String()).Error("tunnel: SOCKS5 handshake failed")
			_ = n.conn.Close()
		case p != nil:
			l.pending = append(l.pending, p)
			clientsPending.Inc()
			l.log.WithField("target", p.target).Debug("tunnel: SOCKS5 handshake done, queued for channel open")
		default:
			kept = append(kept, n)
		}
	}

	clear(l.negotiating[len(kept):])
	l.negotiating = kept
}

// promotePending opens a channel for every queued client. Opening a channel
// is a round trip to the bastion, so the session gets the longer channel open
// timeout for the duration.
func (l *loop) promotePending() {
	prev := l.session.Timeout()
	l.session.SetTimeout(l.opts.ChannelOpenTimeout)
	defer l.session.SetTimeout(prev)

	queued := l.pending
	l.pending = nil

	for _, p := range queued {
		clientsPending.Dec()
		log := l.log.WithField("target", p.target)

		start := time.Now()
		ch, err := l.session.OpenChannel(p.host, p.port)
		channelOpenSeconds.Observe(time.Since(start).Seconds())
		if err != nil {
			channelOpensTotal.WithLabelValues("failed").Inc()
			log.WithError(err).Error("tunnel: SSH channel open failed")
			_ = p.conn.SetWriteDeadline(time.Now().Add(l.opts.PollTimeout))
			_ = socks5.WriteHostUnreachableReply(p.conn)
			_ = p.conn.Close()
			continue
		}
		channelOpensTotal.WithLabelValues("ok").Inc()

		_ = p.conn.SetWriteDeadline(time.Now().Add(l.opts.WriteTimeout))
		if err := socks5.WriteSuccessReply(p.conn); err != nil {
			log.WithError(err).Debug("tunnel: client went away before channel was ready")
			_ = ch.Close()
			_ = p.conn.Close()
			continue
		}
		_ = p.conn.SetWriteDeadline(time.Time{})

		if len(p.early) > 0 {
			if err := writeChannel(ch, p.early, l.opts.WriteTimeout); err != nil {
				log.WithError(err).Debug("tunnel: forwarding early client data failed")
				_ = ch.Close()
				_ = p.conn.Close()
				continue
			}
			bytesUpstreamTotal.Add(float64(len(p.early)))
		}

		l.nextID++
		c := newActiveClient(l.nextID, p, ch, time.Now())
		l.readers.Go(func() {
			c.readRemote(l.pool)
		})

		l.active = append(l.active, c)
		l.live++
		clientsActive.Inc()
		log.WithField("client", c.id).Debug("tunnel: SOCKS5 tunnel ready")
	}
}

// shutdown drops every client, closes the listener and the session, then
// waits for the channel readers. Closing the session ends their reads.
func (l *loop) shutdown() {
	for _, n := range l.negotiating {
		_ = n.conn.Close()
	}
	l.negotiating = nil

	for _, p := range l.pending {
		_ = p.conn.Close()
		clientsPending.Dec()
	}
	l.pending = nil

	for _, c := range l.active {
		c.close(l.pool)
		clientsActive.Dec()
		clientClosesTotal.WithLabelValues(reasonStop).Inc()
	}
	l.active = nil
	l.live = 0

	_ = l.ln.Close()
	_ = l.session.Close()
	l.readers.Wait()
}

package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"time"

	"github.com/die-net/jumpsocks/internal/socks5"
)

// maxHandshake bounds what a client may send before its CONNECT request
// parses: greeting with 255 methods plus a request with a 255 byte name.
const maxHandshake = 2 + 255 + 4 + 1 + 255 + 2

// negotiatingClient was accepted but has not sent a complete SOCKS5 request
// yet. Its bytes are kept so the handshake can be parsed again each time more
// arrive; the loop never waits on a client that has nothing to say.
type negotiatingClient struct {
	conn     net.Conn
	deadline time.Time
	in       []byte
	sent     int
}

// advance reads what the client has sent since the last call and parses the
// handshake from the start. Replies produced by the parse that were not sent
// yet are written to the client. p is nil until the request is complete.
func (n *negotiatingClient) advance(buf []byte, poll, writeTimeout time.Duration) (*pendingClient, error) {
	nr, rerr := pollRead(n.conn, buf, poll)
	n.in = append(n.in, buf[:nr]...)

	var out bytes.Buffer
	r := bytes.NewReader(n.in)
	host, port, err := socks5.ReadConnect(struct {
		io.Reader
		io.Writer
	}{r, &out})

	if out.Len() > n.sent {
		_ = n.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, werr := n.conn.Write(out.Bytes()[n.sent:])
		_ = n.conn.SetWriteDeadline(time.Time{})
		if werr != nil {
			return nil, fmt.Errorf("SOCKS5: writing reply: %w", werr)
		}
		n.sent = out.Len()
	}

	switch {
	case err == nil:
		p := &pendingClient{
			conn:   n.conn,
			target: socks5.Target(host, port),
			host:   host,
			port:   port,
		}
		if r.Len() > 0 {
			p.early = bytes.Clone(n.in[len(n.in)-r.Len():])
		}
		return p, nil
	case !incomplete(err):
		return nil, err
	case rerr != nil && !isTimeout(rerr):
		return nil, fmt.Errorf("SOCKS5: client went away mid-handshake: %w", rerr)
	case len(n.in) > maxHandshake:
		return nil, errors.New("SOCKS5: handshake too long")
	case time.Now().After(n.deadline):
		return nil, errors.New("SOCKS5: handshake timed out")
	}
	return nil, nil
}

// incomplete reports whether a parse failed only for lack of input.
func incomplete(err error) bool {
	return errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF)
}

package tunnel

import (
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// pendingClient finished the SOCKS5 handshake and waits for its channel.
// early holds anything the client sent after its request, before the reply.
type pendingClient struct {
	conn   net.Conn
	target string
	host   string
	port   uint16
	early  []byte
}

// chunk is one read from a channel. buf is owned by the receiver, which
// returns it to the pool.
type chunk struct {
	buf []byte
	n   int
	err error
}

// activeClient relays between a local connection and its SSH channel.
//
// Everything except the reader goroutine runs on the loop goroutine.
type activeClient struct {
	id     uint64
	conn   net.Conn
	target string
	ch     ssh.Channel

	inbox chan chunk
	quit  chan struct{}

	lastActivity time.Time
	closed       bool
}

func newActiveClient(id uint64, p *pendingClient, ch ssh.Channel, now time.Time) *activeClient {
	return &activeClient{
		id:           id,
		conn:         p.conn,
		target:       p.target,
		ch:           ch,
		inbox:        make(chan chunk, 1),
		quit:         make(chan struct{}),
		lastActivity: now,
	}
}

// readRemote copies channel reads into the inbox until the channel fails or
// the client is closed. The inbox holds a single chunk, so a client that
// cannot keep up stops this reader, and through the SSH window, the remote
// sender.
func (c *activeClient) readRemote(pool *bufferPool) {
	for {
		buf := pool.Get()
		n, err := c.ch.Read(buf)

		select {
		case c.inbox <- chunk{buf: buf, n: n, err: err}:
		case <-c.quit:
			pool.Put(buf)
			return
		}

		if err != nil {
			return
		}
	}
}

// close releases the client's channel and connection and stops its reader.
// Any chunk left in the inbox goes back to the pool.
func (c *activeClient) close(pool *bufferPool) {
	if c.closed {
		return
	}
	c.closed = true

	close(c.quit)
	_ = c.ch.Close()
	_ = c.conn.Close()

	select {
	case ck := <-c.inbox:
		pool.Put(ck.buf)
	default:
	}
}

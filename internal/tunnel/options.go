package tunnel

import (
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/die-net/jumpsocks/internal/hostkeys"
)

// Defaults for Options.
const (
	DefaultPollTimeout        = 50 * time.Millisecond
	DefaultChannelOpenTimeout = 10 * time.Second
	DefaultIdleTimeout        = 300 * time.Second
	DefaultWriteTimeout       = 30 * time.Second
	DefaultNegotiationTimeout = 10 * time.Second
	DefaultDialTimeout        = 10 * time.Second
	DefaultLocalPollTimeout   = time.Millisecond
	DefaultIdleSleep          = 50 * time.Millisecond
	DefaultBusySleep          = time.Millisecond
	DefaultWriteRetrySleep    = 2 * time.Millisecond
	DefaultBufferSize         = 8 << 10
)

// Options tunes a tunnel. Zero fields take the defaults above.
type Options struct {
	// PollTimeout bounds a single relay write attempt while the loop is
	// relaying, and is the session timeout outside channel setup.
	PollTimeout time.Duration
	// ChannelOpenTimeout is the session timeout while pending clients are
	// promoted. It must exceed PollTimeout.
	ChannelOpenTimeout time.Duration
	// IdleTimeout closes an active client that moved no bytes in either
	// direction for this long.
	IdleTimeout time.Duration
	// WriteTimeout is the overall deadline for relaying one chunk.
	WriteTimeout time.Duration
	// NegotiationTimeout bounds the SOCKS5 handshake of a newly accepted
	// client. Handshakes advance only as bytes arrive, so a slow client
	// holds nothing but its own slot until then.
	NegotiationTimeout time.Duration
	// LocalPollTimeout is how long a read from a local client or an accept
	// waits for data before the loop moves on.
	LocalPollTimeout time.Duration
	// IdleSleep and BusySleep are slept when an iteration made no progress,
	// with zero or some active clients respectively.
	IdleSleep time.Duration
	BusySleep time.Duration
	// WriteRetrySleep is slept between timed out write attempts.
	WriteRetrySleep time.Duration
	// BufferSize is the size of each relay read.
	BufferSize int

	// DialTimeout and HandshakeTimeout bound session establishment.
	// HandshakeTimeout defaults to DialTimeout.
	DialTimeout      time.Duration
	HandshakeTimeout time.Duration
	// KeepAlive applies to the bastion connection and accepted clients.
	KeepAlive net.KeepAliveConfig

	// HostKeys is the trust store used with strict host key checking. When
	// nil, the store at hostkeys.DefaultPath is used.
	HostKeys *hostkeys.Repository

	// Logger defaults to the logrus standard logger.
	Logger logrus.FieldLogger
}

func (o Options) withDefaults() Options {
	setDuration(&o.PollTimeout, DefaultPollTimeout)
	setDuration(&o.ChannelOpenTimeout, DefaultChannelOpenTimeout)
	setDuration(&o.IdleTimeout, DefaultIdleTimeout)
	setDuration(&o.WriteTimeout, DefaultWriteTimeout)
	setDuration(&o.NegotiationTimeout, DefaultNegotiationTimeout)
	setDuration(&o.LocalPollTimeout, DefaultLocalPollTimeout)
	setDuration(&o.IdleSleep, DefaultIdleSleep)
	setDuration(&o.BusySleep, DefaultBusySleep)
	setDuration(&o.WriteRetrySleep, DefaultWriteRetrySleep)
	setDuration(&o.DialTimeout, DefaultDialTimeout)
	setDuration(&o.HandshakeTimeout, o.DialTimeout)
	if o.BufferSize <= 0 {
		o.BufferSize = DefaultBufferSize
	}
	if o.Logger == nil {
		o.Logger = logrus.StandardLogger()
	}
	return o
}

func setDuration(d *time.Duration, def time.Duration) {
	if *d <= 0 {
		*d = def
	}
}

func (o Options) validate() error {
	if o.ChannelOpenTimeout <= o.PollTimeout {
		return fmt.Errorf("channel open timeout %s must exceed poll timeout %s", o.ChannelOpenTimeout, o.PollTimeout)
	}
	if o.WriteTimeout < o.PollTimeout {
		return fmt.Errorf("write timeout %s must not be shorter than poll timeout %s", o.WriteTimeout, o.PollTimeout)
	}
	if o.BufferSize < 512 {
		return errors.New("buffer size must be at least 512 bytes")
	}
	return nil
}

package socks5

import (
	"fmt"
	"io"

	txsocks5 "github.com/txthinking/socks5"
)

// WriteSuccessReply tells the client its CONNECT succeeded. The bound address
// is always reported as 0.0.0.0:0; the real endpoint is on the far side of
// the bastion.
func WriteSuccessReply(w io.Writer) error {
	return writeReply(w, txsocks5.RepSuccess)
}

// WriteHostUnreachableReply tells the client its CONNECT target could not be
// reached.
func WriteHostUnreachableReply(w io.Writer) error {
	return writeReply(w, txsocks5.RepHostUnreachable)
}

func writeReply(w io.Writer, rep byte) error {
	if _, err := newZeroAddrReply(rep).WriteTo(w); err != nil {
		return fmt.Errorf("SOCKS5: writing reply 0x%02x: %w", rep, err)
	}
	return nil
}

// writeZeroAddrReply is used on paths that are already failing.
func writeZeroAddrReply(w io.Writer, rep byte) {
	_, _ = newZeroAddrReply(rep).WriteTo(w)
}

func newZeroAddrReply(rep byte) *txsocks5.Reply {
	return txsocks5.NewReply(rep, txsocks5.ATYPIPv4, []byte{0x00, 0x00, 0x00, 0x00}, []byte{0x00, 0x00})
}

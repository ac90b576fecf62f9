package socks5

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"strconv"
	"unicode/utf8"

	txsocks5 "github.com/txthinking/socks5"
)

// ProtocolError reports a malformed or unsupported request from a SOCKS5
// client. Reply is the reply code already written to the client, or 0 if none
// was sent.
type ProtocolError struct {
	Msg   string
	Reply byte
}

func (e *ProtocolError) Error() string {
	return "SOCKS5: " + e.Msg
}

func protocolError(reply byte, format string, args ...any) error {
	return &ProtocolError{Msg: fmt.Sprintf(format, args...), Reply: reply}
}

// ReadConnect runs the server side of a no-authentication SOCKS5 handshake on
// rw and returns the CONNECT target. The method list is read and ignored; the
// reply always selects "no authentication required".
//
// No reply to the CONNECT request itself is written: the caller sends success
// or failure once it knows whether the destination is reachable. Unsupported
// commands and address types are answered before the error is returned.
//
// Deadlines are the caller's responsibility.
func ReadConnect(rw io.ReadWriter) (host string, port uint16, err error) {
	if err := negotiate(rw); err != nil {
		return "", 0, err
	}
	return readRequest(rw)
}

func negotiate(rw io.ReadWriter) error {
	var hdr [2]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return fmt.Errorf("SOCKS5: reading greeting: %w", err)
	}
	if hdr[0] != txsocks5.Ver {
		return protocolError(0, "unsupported version 0x%02x", hdr[0])
	}

	if n := int(hdr[1]); n > 0 {
		methods := make([]byte, n)
		if _, err := io.ReadFull(rw, methods); err != nil {
			return fmt.Errorf("SOCKS5: reading %d auth methods: %w", n, err)
		}
	}

	if _, err := txsocks5.NewNegotiationReply(txsocks5.MethodNone).WriteTo(rw); err != nil {
		return fmt.Errorf("SOCKS5: writing method selection: %w", err)
	}
	return nil
}

func readRequest(rw io.ReadWriter) (string, uint16, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(rw, hdr[:]); err != nil {
		return "", 0, fmt.Errorf("SOCKS5: reading request header: %w", err)
	}
	ver, cmd, atyp := hdr[0], hdr[1], hdr[3]

	if ver != txsocks5.Ver {
		return "", 0, protocolError(0, "unsupported request version 0x%02x", ver)
	}
	if cmd != txsocks5.CmdConnect {
		writeZeroAddrReply(rw, txsocks5.RepCommandNotSupported)
		return "", 0, protocolError(txsocks5.RepCommandNotSupported, "unsupported command 0x%02x", cmd)
	}

	var host string
	switch atyp {
	case txsocks5.ATYPIPv4:
		var ip [net.IPv4len]byte
		if _, err := io.ReadFull(rw, ip[:]); err != nil {
			return "", 0, fmt.Errorf("SOCKS5: reading IPv4 address: %w", err)
		}
		host = net.IP(ip[:]).String()
	case txsocks5.ATYPDomain:
		var n [1]byte
		if _, err := io.ReadFull(rw, n[:]); err != nil {
			return "", 0, fmt.Errorf("SOCKS5: reading domain length: %w", err)
		}
		if n[0] == 0 {
			return "", 0, protocolError(0, "empty domain name")
		}
		name := make([]byte, n[0])
		if _, err := io.ReadFull(rw, name); err != nil {
			return "", 0, fmt.Errorf("SOCKS5: reading domain name: %w", err)
		}
		if !utf8.Valid(name) {
			return "", 0, protocolError(0, "domain name is not valid UTF-8")
		}
		host = string(name)
	case txsocks5.ATYPIPv6:
		var ip [net.IPv6len]byte
		if _, err := io.ReadFull(rw, ip[:]); err != nil {
			return "", 0, fmt.Errorf("SOCKS5: reading IPv6 address: %w", err)
		}
		host = net.IP(ip[:]).String()
	default:
		writeZeroAddrReply(rw, txsocks5.RepAddressNotSupported)
		return "", 0, protocolError(txsocks5.RepAddressNotSupported, "unsupported address type 0x%02x", atyp)
	}

	var p [2]byte
	if _, err := io.ReadFull(rw, p[:]); err != nil {
		return "", 0, fmt.Errorf("SOCKS5: reading port: %w", err)
	}

	return host, binary.BigEndian.Uint16(p[:]), nil
}

// Target formats a CONNECT target for logs and errors.
func Target(host string, port uint16) string {
	return net.JoinHostPort(host, strconv.Itoa(int(port)))
}

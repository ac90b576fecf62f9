// Package socks5 implements the small part of RFC 1928 a tunnel endpoint
// needs: a no-authentication CONNECT handshake on the server side, the
// replies sent once the outcome is known, and a matching client.
//
// Wire types and reply codes come from github.com/txthinking/socks5. The
// server side reads requests by hand so that every short read names the field
// that failed and unsupported requests get the right reply code.
package socks5

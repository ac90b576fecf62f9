package ssh

import (
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
)

// handshake runs the SSH handshake and authentication for user over conn and
// returns the client. The whole exchange must finish within timeout, if
// non-zero. conn is closed on failure.
func handshake(conn net.Conn, addr, user string, auth []ssh.AuthMethod, verify ssh.HostKeyCallback, timeout time.Duration) (*ssh.Client, error) {
	if timeout > 0 {
		if err := conn.SetDeadline(time.Now().Add(timeout)); err != nil {
			_ = conn.Close()
			return nil, fmt.Errorf("ssh handshake: %w", err)
		}
	}

	cc, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            user,
		Auth:            auth,
		HostKeyCallback: verify,
		Timeout:         timeout,
	})
	if err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("ssh handshake: %w", err)
	}

	// Relaying must not inherit the handshake deadline.
	if timeout > 0 {
		_ = conn.SetDeadline(time.Time{})
	}

	return ssh.NewClient(cc, chans, reqs), nil
}

// Package ssh establishes the authenticated SSH session a tunnel forwards
// through.
//
// A [Session] wraps one SSH transport to a bastion host. Connections are
// carried over it as "direct-tcpip" channels, the same mechanism as SSH
// dynamic port forwarding (ssh -D). Unlike a general purpose client, a
// Session is owned by a single goroutine: the tunnel loop opens channels on
// it, switches its timeout between relaying and channel setup, and closes it.
//
// Features:
//   - Password (with keyboard-interactive fallback), private key file with
//     optional passphrase, and SSH agent authentication
//   - Host key verification against a [hostkeys.Repository] with
//     trust-on-first-use, or no verification when strict checking is off
//   - Bounded dial, handshake and channel-open times
//
// Example usage:
//
//	repo, _ := hostkeys.Open()
//	s, err := ssh.Establish(ctx, cfg, ssh.Options{
//	    DialTimeout:      10 * time.Second,
//	    HandshakeTimeout: 10 * time.Second,
//	    HostKeys:         repo,
//	})
//	s.SetTimeout(10 * time.Second)
//	ch, err := s.OpenChannel("10.0.0.5", 27017)
package ssh

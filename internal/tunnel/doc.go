// Package tunnel serves a local SOCKS5 endpoint whose connections are
// carried as channels over a single SSH session.
//
// One goroutine runs the whole tunnel: it relays data for connected clients,
// accepts and handshakes new ones, opens channels for them when relaying is
// idle, and owns the SSH session throughout. Each channel also has a reader
// goroutine that does nothing but read from the channel, because SSH channels
// cannot be polled with deadlines.
//
// Example usage:
//
//	h, err := tunnel.Start(ctx, cfg, tunnel.Options{})
//	if err != nil {
//	    return err
//	}
//	defer h.Stop()
//	fmt.Println("SOCKS5 proxy on", h.LocalEndpoint())
package tunnel

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// listenLocal binds an ephemeral TCP port on host. Accepted connections get
// keepAliveConfig applied.
func listenLocal(ctx context.Context, host string, keepAliveConfig net.KeepAliveConfig) (*net.TCPListener, error) {
	lc := net.ListenConfig{KeepAliveConfig: keepAliveConfig}

	addr := net.JoinHostPort(host, "0")
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	tl, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return nil, fmt.Errorf("listen %s: unexpected listener type %T", addr, ln)
	}

	return tl, nil
}

// pollAccept returns the next connection waiting on ln, or nil if none
// arrives within timeout.
func pollAccept(ln *net.TCPListener, timeout time.Duration) (net.Conn, error) {
	if err := ln.SetDeadline(time.Now().Add(timeout)); err != nil {
		return nil, fmt.Errorf("set accept deadline: %w", err)
	}

	conn, err := ln.Accept()
	if err != nil {
		if isTimeout(err) {
			return nil, nil
		}
		return nil, err
	}

	return conn, nil
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

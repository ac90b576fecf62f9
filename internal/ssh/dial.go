package ssh

import (
	"context"
	"fmt"
	"net"
	"time"
)

// dialTCP opens the transport connection to the bastion.
func dialTCP(ctx context.Context, addr string, timeout time.Duration, ka net.KeepAliveConfig) (net.Conn, error) {
	dd := net.Dialer{Timeout: timeout, KeepAliveConfig: ka}

	conn, err := dd.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	return conn, nil
}

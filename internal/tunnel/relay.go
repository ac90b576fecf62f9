package tunnel

import (
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"golang.org/x/crypto/ssh"
)

// pollRead reads whatever conn has available, waiting at most timeout.
func pollRead(conn net.Conn, buf []byte, timeout time.Duration) (int, error) {
	if err := conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return 0, err
	}
	return conn.Read(buf)
}

// writeAll writes p to conn. Each attempt waits at most attempt; attempts
// that time out are retried after retrySleep until overall has passed since
// the first one.
func writeAll(conn net.Conn, p []byte, attempt, overall, retrySleep time.Duration) error {
	deadline := time.Now().Add(overall)
	defer func() {
		_ = conn.SetWriteDeadline(time.Time{})
	}()

	for len(p) > 0 {
		now := time.Now()
		if !now.Before(deadline) {
			return fmt.Errorf("write timed out after %s with %d bytes left", overall, len(p))
		}

		dl := now.Add(attempt)
		if dl.After(deadline) {
			dl = deadline
		}
		if err := conn.SetWriteDeadline(dl); err != nil {
			return err
		}

		n, err := conn.Write(p)
		p = p[n:]
		if err != nil {
			if isTimeout(err) {
				time.Sleep(retrySleep)
				continue
			}
			return err
		}
	}

	return nil
}

// writeChannel writes p to ch. SSH channels have no deadlines, so a write
// still blocked on the remote window after timeout closes the channel. The
// bastion answers the close, which releases the write and ends the client.
func writeChannel(ch ssh.Channel, p []byte, timeout time.Duration) error {
	var expired atomic.Bool
	t := time.AfterFunc(timeout, func() {
		expired.Store(true)
		_ = ch.Close()
	})

	_, err := ch.Write(p)
	t.Stop()
	if expired.Load() {
		return fmt.Errorf("channel write timed out after %s", timeout)
	}
	return err
}

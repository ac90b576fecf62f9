package tunnel

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/die-net/jumpsocks/internal/config"
	"github.com/die-net/jumpsocks/internal/hostkeys"
	"github.com/die-net/jumpsocks/internal/socks5"
	"github.com/die-net/jumpsocks/internal/testutil"
)

var (
	successReply     = []byte{0x05, 0x00, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
	unreachableReply = []byte{0x05, 0x04, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
)

func startBastion(t *testing.T) *testutil.SSHServer {
	t.Helper()
	return testutil.StartSSHServer(t, testutil.SSHServerConfig{Username: "user", Password: "pass"})
}

func bastionConfig(srv *testutil.SSHServer) config.Tunnel {
	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = uint16(srv.Addr().Port)
	cfg.Username = "user"
	cfg.Auth.Password = "pass"
	return cfg
}

func testOptions(t *testing.T) Options {
	t.Helper()
	return Options{
		DialTimeout: 2 * time.Second,
		HostKeys:    hostkeys.NewRepository(filepath.Join(t.TempDir(), "known_hosts.json")),
		Logger:      testutil.QuietLogger(),
	}
}

func startTunnel(t *testing.T, srv *testutil.SSHServer, opts Options) *Handle {
	t.Helper()

	h, err := Start(context.Background(), bastionConfig(srv), opts)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(h.Stop)
	return h
}

// dialSOCKS connects to the tunnel and completes a CONNECT to target.
func dialSOCKS(t *testing.T, h *Handle, target string) net.Conn {
	t.Helper()

	conn := dialLocal(t, h)
	if err := socks5.ClientDial(conn, target); err != nil {
		t.Fatalf("SOCKS5 connect to %s: %v", target, err)
	}
	return conn
}

func dialLocal(t *testing.T, h *Handle) net.Conn {
	t.Helper()

	d := net.Dialer{Timeout: 2 * time.Second}
	conn, err := d.DialContext(context.Background(), "tcp", h.LocalEndpoint())
	if err != nil {
		t.Fatal(err)
	}
	_ = conn.SetDeadline(time.Now().Add(10 * time.Second))
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

// rawConnect sends a no-auth greeting and an IPv4 CONNECT for addr and
// returns the 10 byte reply.
func rawConnect(t *testing.T, conn net.Conn, addr *net.TCPAddr) []byte {
	t.Helper()

	req := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01}
	req = append(req, addr.IP.To4()...)
	req = append(req, byte(addr.Port>>8), byte(addr.Port))
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	resp := make([]byte, 12)
	if _, err := io.ReadFull(conn, resp); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(resp[:2], []byte{0x05, 0x00}) {
		t.Fatalf("method selection = % x", resp[:2])
	}
	return resp[2:]
}

// expectClosed reads from conn until the tunnel closes it.
func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()

	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, err := io.Copy(io.Discard, conn)
	if isTimeout(err) {
		t.Fatal("connection was not closed")
	}
}

func TestStartRelaysThroughBastion(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	srv := startBastion(t)
	h := startTunnel(t, srv, testOptions(t))

	if h.LocalHost != "127.0.0.1" {
		t.Errorf("LocalHost = %q, want 127.0.0.1", h.LocalHost)
	}
	if h.LocalPort == 0 {
		t.Error("LocalPort is 0")
	}
	if want := hostkeys.Fingerprint(srv.HostKey()); h.HostKeyFingerprint() != want {
		t.Errorf("HostKeyFingerprint() = %q, want %q", h.HostKeyFingerprint(), want)
	}

	conn := dialLocal(t, h)
	if got := rawConnect(t, conn, echoLn.Addr().(*net.TCPAddr)); !bytes.Equal(got, successReply) {
		t.Fatalf("reply = % x, want % x", got, successReply)
	}
	testutil.AssertEcho(t, conn, conn, []byte("hello"))
	testutil.AssertEcho(t, conn, conn, bytes.Repeat([]byte("x"), 32<<10))

	// A second client shares the same session.
	conn2 := dialSOCKS(t, h, echoLn.Addr().String())
	testutil.AssertEcho(t, conn2, conn2, []byte("hello2"))
	testutil.AssertEcho(t, conn, conn, []byte("still there"))

	if got := srv.ConnCount(); got != 1 {
		t.Errorf("bastion has %d SSH connections, want 1", got)
	}
}

func TestDomainTargetResolvedByBastion(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	h := startTunnel(t, startBastion(t), testOptions(t))

	port := echoLn.Addr().(*net.TCPAddr).Port
	conn := dialSOCKS(t, h, net.JoinHostPort("localhost", strconv.Itoa(port)))
	testutil.AssertEcho(t, conn, conn, []byte("by name"))
}

func TestHandshakeFailureIsolated(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	h := startTunnel(t, startBastion(t), testOptions(t))

	active := dialSOCKS(t, h, echoLn.Addr().String())

	bad := dialLocal(t, h)
	if _, err := bad.Write([]byte{0x04, 0x01, 0x00}); err != nil {
		t.Fatal(err)
	}
	expectClosed(t, bad)

	unsupported := dialLocal(t, h)
	if _, err := unsupported.Write([]byte{0x05, 0x01, 0x00, 0x05, 0x02, 0x00, 0x01, 127, 0, 0, 1, 0, 80}); err != nil {
		t.Fatal(err)
	}
	resp := make([]byte, 12)
	if _, err := io.ReadFull(unsupported, resp); err != nil {
		t.Fatal(err)
	}
	if resp[3] != 0x07 {
		t.Errorf("reply code = 0x%02x, want 0x07", resp[3])
	}
	expectClosed(t, unsupported)

	good := dialSOCKS(t, h, echoLn.Addr().String())
	testutil.AssertEcho(t, good, good, []byte("after bad client"))
	testutil.AssertEcho(t, active, active, []byte("unaffected"))
}

func TestUnreachableTarget(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	h := startTunnel(t, startBastion(t), testOptions(t))

	other := dialSOCKS(t, h, echoLn.Addr().String())

	conn := dialLocal(t, h)
	if got := rawConnect(t, conn, testutil.ClosedPort(t)); !bytes.Equal(got, unreachableReply) {
		t.Fatalf("reply = % x, want % x", got, unreachableReply)
	}
	expectClosed(t, conn)

	testutil.AssertEcho(t, other, other, []byte("unaffected"))

	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v", err)
	}
}

func TestIdleClientClosed(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	opts := testOptions(t)
	opts.IdleTimeout = 300 * time.Millisecond
	h := startTunnel(t, startBastion(t), opts)

	idle := dialSOCKS(t, h, echoLn.Addr().String())
	busy := dialSOCKS(t, h, echoLn.Addr().String())

	deadline := time.Now().Add(900 * time.Millisecond)
	for time.Now().Before(deadline) {
		testutil.AssertEcho(t, busy, busy, []byte("keepalive"))
		time.Sleep(50 * time.Millisecond)
	}

	expectClosed(t, idle)
	testutil.AssertEcho(t, busy, busy, []byte("still active"))
}

func TestLocalEOFClosesChannel(t *testing.T) {
	t.Parallel()

	got := make(chan []byte, 1)
	ln, wait := testutil.StartServer(t, context.Background(), func(c net.Conn) {
		b, _ := io.ReadAll(c)
		got <- b
	})
	t.Cleanup(wait)

	h := startTunnel(t, startBastion(t), testOptions(t))
	conn := dialSOCKS(t, h, ln.Addr().String())

	if _, err := conn.Write([]byte("ping")); err != nil {
		t.Fatal(err)
	}
	if err := conn.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatal(err)
	}

	select {
	case b := <-got:
		if string(b) != "ping" {
			t.Errorf("target read %q, want %q", b, "ping")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("target never saw EOF")
	}
	expectClosed(t, conn)
}

func TestRemoteEOFClosesClient(t *testing.T) {
	t.Parallel()

	ln, wait := testutil.StartServer(t, context.Background(), func(c net.Conn) {
		_, _ = c.Write([]byte("bye"))
	})
	t.Cleanup(wait)

	h := startTunnel(t, startBastion(t), testOptions(t))
	conn := dialSOCKS(t, h, ln.Addr().String())

	b, err := io.ReadAll(conn)
	if err != nil {
		t.Fatal(err)
	}
	if string(b) != "bye" {
		t.Errorf("read %q, want %q", b, "bye")
	}
}

func TestStopWhileRelaying(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	srv := startBastion(t)
	h := startTunnel(t, srv, testOptions(t))

	conns := []net.Conn{
		dialSOCKS(t, h, echoLn.Addr().String()),
		dialSOCKS(t, h, echoLn.Addr().String()),
	}
	for _, c := range conns {
		testutil.AssertEcho(t, c, c, []byte("before stop"))
		if _, err := c.Write(bytes.Repeat([]byte("y"), 16<<10)); err != nil {
			t.Fatal(err)
		}
	}

	stopped := make(chan struct{})
	go func() {
		h.Stop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(5 * time.Second):
		t.Fatal("Stop did not return")
	}

	select {
	case <-h.Done():
	default:
		t.Error("Done not closed after Stop")
	}
	if err := h.Err(); err != nil {
		t.Errorf("Err() = %v after Stop", err)
	}
	for _, c := range conns {
		expectClosed(t, c)
	}

	d := net.Dialer{Timeout: time.Second}
	if c, err := d.DialContext(context.Background(), "tcp", h.LocalEndpoint()); err == nil {
		_ = c.Close()
		t.Error("listener still accepting after Stop")
	}

	deadline := time.Now().Add(2 * time.Second)
	for srv.ConnCount() != 0 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if got := srv.ConnCount(); got != 0 {
		t.Errorf("bastion still has %d SSH connections", got)
	}

	// Stop is idempotent.
	h.Stop()
}

func TestStartHostKeyMismatch(t *testing.T) {
	t.Parallel()

	srv := startBastion(t)
	cfg := bastionConfig(srv)
	opts := testOptions(t)

	pinned := hostkeys.Fingerprint(testutil.GenerateSigner(t).PublicKey())
	if err := opts.HostKeys.Save(hostkeys.Store{cfg.HostID(): pinned}); err != nil {
		t.Fatal(err)
	}

	h, err := Start(context.Background(), cfg, opts)
	if err == nil {
		h.Stop()
		t.Fatal("expected host key mismatch")
	}
	if !strings.Contains(err.Error(), "host key mismatch") {
		t.Errorf("error = %q, want host key mismatch", err)
	}
	var mismatch *hostkeys.MismatchError
	if !errors.As(err, &mismatch) {
		t.Fatalf("error %v is not a *hostkeys.MismatchError", err)
	}
	if !strings.Contains(err.Error(), pinned) || !strings.Contains(err.Error(), hostkeys.Fingerprint(srv.HostKey())) {
		t.Errorf("error %q does not name both fingerprints", err)
	}

	store, err := opts.HostKeys.Load()
	if err != nil {
		t.Fatal(err)
	}
	if store[cfg.HostID()] != pinned {
		t.Error("pinned fingerprint was overwritten")
	}
}

func TestStartRejectsBeforeIO(t *testing.T) {
	t.Parallel()

	// Nothing listens here; reaching the network would fail differently.
	closed := testutil.ClosedPort(t)
	base := config.Default()
	base.Host = "127.0.0.1"
	base.Port = uint16(closed.Port)
	base.Username = "user"
	base.Auth.Password = "pass"

	tests := []struct {
		name    string
		modify  func(*config.Tunnel, *Options)
		wantErr string
	}{
		{
			name:    "empty host",
			modify:  func(c *config.Tunnel, _ *Options) { c.Host = "" },
			wantErr: "ssh host is required",
		},
		{
			name:    "empty username",
			modify:  func(c *config.Tunnel, _ *Options) { c.Username = "" },
			wantErr: "ssh username is required",
		},
		{
			name:    "zero port",
			modify:  func(c *config.Tunnel, _ *Options) { c.Port = 0 },
			wantErr: "port must be greater than 0",
		},
		{
			name: "missing identity file",
			modify: func(c *config.Tunnel, _ *Options) {
				c.Auth = config.Auth{Mode: config.AuthIdentityFile, IdentityFile: "/nonexistent/id_ed25519"}
			},
			wantErr: "does not exist",
		},
		{
			name: "channel open timeout not above poll timeout",
			modify: func(_ *config.Tunnel, o *Options) {
				o.PollTimeout = time.Second
				o.ChannelOpenTimeout = time.Second
			},
			wantErr: "must exceed poll timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			cfg := base
			opts := testOptions(t)
			tt.modify(&cfg, &opts)

			h, err := Start(context.Background(), cfg, opts)
			if err == nil {
				h.Stop()
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("error = %q, want it to contain %q", err, tt.wantErr)
			}
		})
	}
}

func TestStartUnreachableBastion(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Host = "127.0.0.1"
	cfg.Port = uint16(testutil.ClosedPort(t).Port)
	cfg.Username = "user"
	cfg.Auth.Password = "pass"

	if _, err := Start(context.Background(), cfg, testOptions(t)); err == nil {
		t.Fatal("expected error")
	}
}

func TestSilentClientDoesNotStallOthers(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	opts := testOptions(t)
	opts.NegotiationTimeout = 5 * time.Second
	h := startTunnel(t, startBastion(t), opts)

	active := dialSOCKS(t, h, echoLn.Addr().String())

	// Connects, then sends half a greeting and nothing else.
	silent := dialLocal(t, h)
	if _, err := silent.Write([]byte{0x05}); err != nil {
		t.Fatal(err)
	}
	time.Sleep(100 * time.Millisecond)

	start := time.Now()
	for i := range 5 {
		testutil.AssertEcho(t, active, active, []byte("round "+strconv.Itoa(i)))
	}
	if d := time.Since(start); d > time.Second {
		t.Errorf("echo took %s while a client was mid-handshake", d)
	}

	// New clients complete their handshake meanwhile, too.
	late := dialSOCKS(t, h, echoLn.Addr().String())
	testutil.AssertEcho(t, late, late, []byte("late"))
}

func TestSilentClientDropped(t *testing.T) {
	t.Parallel()

	opts := testOptions(t)
	opts.NegotiationTimeout = 300 * time.Millisecond
	h := startTunnel(t, startBastion(t), opts)

	silent := dialLocal(t, h)
	start := time.Now()
	expectClosed(t, silent)
	if d := time.Since(start); d < 250*time.Millisecond {
		t.Errorf("closed after %s, before the negotiation timeout", d)
	}
}

func TestPipelinedRequestAndData(t *testing.T) {
	t.Parallel()

	echoLn := testutil.StartEchoTCPServer(t, context.Background())
	h := startTunnel(t, startBastion(t), testOptions(t))

	addr := echoLn.Addr().(*net.TCPAddr)
	req := []byte{0x05, 0x01, 0x00, 0x05, 0x01, 0x00, 0x01}
	req = append(req, addr.IP.To4()...)
	req = append(req, byte(addr.Port>>8), byte(addr.Port))
	req = append(req, "sent before the reply"...)

	conn := dialLocal(t, h)
	if _, err := conn.Write(req); err != nil {
		t.Fatal(err)
	}

	want := append([]byte{0x05, 0x00}, successReply...)
	want = append(want, "sent before the reply"...)
	got := make([]byte, len(want))
	if _, err := io.ReadFull(conn, got); err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Errorf("got % x, want % x", got, want)
	}
}

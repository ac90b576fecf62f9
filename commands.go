package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/die-net/jumpsocks/internal/config"
	"github.com/die-net/jumpsocks/internal/hostkeys"
	"github.com/die-net/jumpsocks/internal/mongouri"
	"github.com/die-net/jumpsocks/internal/socks5"
	"github.com/die-net/jumpsocks/internal/tunnel"
)

// Version is set at build time.
var Version = "dev"

type rootFlags struct {
	verbose    bool
	logFormat  string
	knownHosts string
}

// repository returns the host key store named by --known-hosts, or the
// default store.
func (f *rootFlags) repository() (*hostkeys.Repository, error) {
	if f.knownHosts != "" {
		return hostkeys.NewRepository(f.knownHosts), nil
	}
	return hostkeys.Open()
}

func newRootCommand() *cobra.Command {
	rf := &rootFlags{}

	root := &cobra.Command{
		Use:           "jumpsocks",
		Short:         "Local SOCKS5 proxy over an SSH bastion",
		Long:          "jumpsocks exposes a local SOCKS5 endpoint whose connections are forwarded through a single SSH session to a bastion host.",
		Version:       Version,
		SilenceErrors: true,
		SilenceUsage:  true,
		PersistentPreRunE: func(_ *cobra.Command, _ []string) error {
			return configureLogging(rf.verbose, rf.logFormat)
		},
	}

	pf := root.PersistentFlags()
	pf.BoolVarP(&rf.verbose, "verbose", "v", false, "Log per-client and per-chunk detail")
	pf.StringVar(&rf.logFormat, "log-format", "text", "Log format: text or json")
	pf.StringVar(&rf.knownHosts, "known-hosts", "", "Host key trust store (default $"+hostkeys.EnvPath+" or the user config directory)")

	root.AddCommand(
		newUpCommand(rf),
		newCheckCommand(rf),
		newURICommand(),
		newHostKeysCommand(rf),
	)

	return root
}

// tunnelFlags are the flags shared by every command that starts a tunnel.
// Flags override values read from --config.
type tunnelFlags struct {
	configPaths []string

	host          string
	port          uint16
	user          string
	passwordEnv   string
	identityFile  string
	passphraseEnv string
	agent         bool
	bind          string
	strict        bool

	tcpKeepAlive       string
	dialTimeout        time.Duration
	negotiationTimeout time.Duration
	idleTimeout        time.Duration
}

func (f *tunnelFlags) register(fs *pflag.FlagSet) {
	fs.StringArrayVarP(&f.configPaths, "config", "c", nil, "YAML tunnel description; up accepts it repeatedly, one tunnel each")
	fs.StringVarP(&f.host, "host", "H", "", "Bastion host")
	fs.Uint16VarP(&f.port, "port", "p", config.DefaultPort, "Bastion SSH port")
	fs.StringVarP(&f.user, "user", "u", "", "Bastion username")
	fs.StringVar(&f.passwordEnv, "password-env", "", "Environment variable holding the bastion password")
	fs.StringVarP(&f.identityFile, "identity-file", "i", "", "Private key for public key authentication")
	fs.StringVar(&f.passphraseEnv, "passphrase-env", "", "Environment variable holding the identity file passphrase")
	fs.BoolVar(&f.agent, "agent", false, "Authenticate with the keys held by $SSH_AUTH_SOCK")
	fs.StringVar(&f.bind, "bind", config.DefaultLocalBindHost, "Local address for the SOCKS5 endpoint; the port is always ephemeral")
	fs.BoolVar(&f.strict, "strict-host-key-checking", true, "Pin the bastion host key on first use and refuse a changed one")

	fs.StringVar(&f.tcpKeepAlive, "tcp-keepalive", "on", "TCP keepalive for the bastion and local clients: on, off, or keepidle:keepintvl:keepcnt")
	fs.DurationVar(&f.dialTimeout, "dial-timeout", tunnel.DefaultDialTimeout, "Bastion connect and SSH handshake timeout")
	fs.DurationVar(&f.negotiationTimeout, "negotiation-timeout", tunnel.DefaultNegotiationTimeout, "SOCKS5 handshake timeout per client")
	fs.DurationVar(&f.idleTimeout, "idle-timeout", tunnel.DefaultIdleTimeout, "Close clients that moved no bytes for this long")
}

// tunnelConfigs builds one tunnel description per --config file, or a single
// one from the defaults when there is none. Flags set on the command line
// apply to every description.
func (f *tunnelFlags) tunnelConfigs(fs *pflag.FlagSet) ([]config.Tunnel, error) {
	if len(f.configPaths) == 0 {
		return []config.Tunnel{f.overlay(fs, config.Default())}, nil
	}

	cfgs := make([]config.Tunnel, 0, len(f.configPaths))
	for _, path := range f.configPaths {
		cfg, err := config.LoadFile(path)
		if err != nil {
			return nil, err
		}
		cfgs = append(cfgs, f.overlay(fs, cfg))
	}
	return cfgs, nil
}

// tunnelConfig is tunnelConfigs for commands that start a single tunnel.
func (f *tunnelFlags) tunnelConfig(fs *pflag.FlagSet) (config.Tunnel, error) {
	if len(f.configPaths) > 1 {
		return config.Tunnel{}, errors.New("--config may only be given once here")
	}
	cfgs, err := f.tunnelConfigs(fs)
	if err != nil {
		return config.Tunnel{}, err
	}
	return cfgs[0], nil
}

func (f *tunnelFlags) overlay(fs *pflag.FlagSet, cfg config.Tunnel) config.Tunnel {
	if fs.Changed("host") {
		cfg.Host = f.host
	}
	if fs.Changed("port") {
		cfg.Port = f.port
	}
	if fs.Changed("user") {
		cfg.Username = f.user
	}
	if fs.Changed("bind") {
		cfg.LocalBindHost = f.bind
	}
	if fs.Changed("strict-host-key-checking") {
		cfg.StrictHostKeyChecking = f.strict
	}

	switch {
	case f.agent:
		cfg.Auth = config.Auth{Mode: config.AuthAgent}
	case f.identityFile != "":
		cfg.Auth = config.Auth{Mode: config.AuthIdentityFile, IdentityFile: f.identityFile}
		if f.passphraseEnv != "" {
			cfg.Auth.PassphraseEnv = f.passphraseEnv
			cfg.Auth.Passphrase = os.Getenv(f.passphraseEnv)
		}
	case f.passwordEnv != "":
		cfg.Auth = config.Auth{
			Mode:        config.AuthPassword,
			PasswordEnv: f.passwordEnv,
			Password:    os.Getenv(f.passwordEnv),
		}
	}

	return cfg
}

func (f *tunnelFlags) options(rf *rootFlags) (tunnel.Options, error) {
	ka, err := parseTCPKeepAlive(f.tcpKeepAlive)
	if err != nil {
		return tunnel.Options{}, fmt.Errorf("invalid --tcp-keepalive: %w", err)
	}

	opts := tunnel.Options{
		DialTimeout:        f.dialTimeout,
		NegotiationTimeout: f.negotiationTimeout,
		IdleTimeout:        f.idleTimeout,
		KeepAlive:          ka,
		Logger:             log.StandardLogger(),
	}
	if rf.knownHosts != "" {
		opts.HostKeys = hostkeys.NewRepository(rf.knownHosts)
	}
	return opts, nil
}

func (f *tunnelFlags) load(rf *rootFlags, fs *pflag.FlagSet) (config.Tunnel, tunnel.Options, error) {
	cfg, err := f.tunnelConfig(fs)
	if err != nil {
		return config.Tunnel{}, tunnel.Options{}, err
	}
	opts, err := f.options(rf)
	if err != nil {
		return config.Tunnel{}, tunnel.Options{}, err
	}
	return cfg, opts, nil
}

// proxyFlags name an external SOCKS5 proxy for a MongoDB connection string.
type proxyFlags struct {
	addr        string
	user        string
	passwordEnv string
}

func (f *proxyFlags) register(fs *pflag.FlagSet) {
	fs.StringVar(&f.addr, "proxy", "", "External SOCKS5 proxy HOST:PORT to put in the connection string")
	fs.StringVar(&f.user, "proxy-user", "", "Username for --proxy")
	fs.StringVar(&f.passwordEnv, "proxy-password-env", "", "Environment variable holding the --proxy password")
}

// proxy returns the proxy named by the flags, or nil if --proxy is unset.
func (f *proxyFlags) proxy() (*mongouri.Proxy, error) {
	if f.addr == "" {
		if f.user != "" || f.passwordEnv != "" {
			return nil, errors.New("--proxy-user and --proxy-password-env require --proxy")
		}
		return nil, nil
	}

	host, port, err := splitHostPort(f.addr)
	if err != nil {
		return nil, fmt.Errorf("invalid --proxy: %w", err)
	}
	p := &mongouri.Proxy{Host: host, Port: port, Username: f.user}
	if f.passwordEnv != "" {
		p.Password = os.Getenv(f.passwordEnv)
	}
	if err := p.Validate(); err != nil {
		return nil, err
	}
	return p, nil
}

func splitHostPort(addr string) (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return "", 0, err
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, fmt.Errorf("port %q: %w", portStr, err)
	}
	return host, uint16(port), nil
}

// rewriteURI applies at most one transport to a MongoDB connection string and
// logs the result with its password masked.
func rewriteURI(uri string, endpoint *mongouri.Endpoint, proxy *mongouri.Proxy) (string, error) {
	u, err := mongouri.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("invalid connection string: %w", err)
	}
	rewritten, err := mongouri.Rewrite(uri, endpoint, proxy)
	if err != nil {
		return "", err
	}

	fields := log.Fields{
		"hosts": u.Hosts(),
		"uri":   mongouri.Redact(rewritten),
	}
	if rs, ok := u.Get(mongouri.KeyReplicaSet); ok && endpoint != nil {
		fields["dropped_replica_set"] = rs
	}
	log.WithFields(fields).Info("connection string rewritten")

	return rewritten, nil
}

type upParams struct {
	debugListen string
	uri         string
	proxy       *mongouri.Proxy
}

func newUpCommand(rf *rootFlags) *cobra.Command {
	tf := &tunnelFlags{}
	pf := &proxyFlags{}
	var p upParams

	cmd := &cobra.Command{
		Use:   "up",
		Short: "Start one tunnel per --config and serve SOCKS5 until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfgs, err := tf.tunnelConfigs(cmd.Flags())
			if err != nil {
				return err
			}
			opts, err := tf.options(rf)
			if err != nil {
				return err
			}
			if p.proxy, err = pf.proxy(); err != nil {
				return err
			}
			return runUp(cmd.Context(), cmd.OutOrStdout(), cfgs, opts, p)
		},
	}

	tf.register(cmd.Flags())
	pf.register(cmd.Flags())
	cmd.Flags().StringVar(&p.debugListen, "debug-listen", "", "Serve /debug/pprof and /metrics on this address")
	cmd.Flags().StringVar(&p.uri, "uri", "", "MongoDB connection string to print rewritten for the tunnel")

	return cmd
}

func runUp(ctx context.Context, out io.Writer, cfgs []config.Tunnel, opts tunnel.Options, p upParams) error {
	switch {
	case p.uri != "" && len(cfgs) != 1:
		return errors.New("--uri needs exactly one tunnel")
	case p.uri != "":
		// Rejects a bad string or a second transport before anything is
		// dialed. The real endpoint is only known once the tunnel is up.
		if _, err := mongouri.Rewrite(p.uri, &mongouri.Endpoint{Host: cfgs[0].LocalBindHost}, p.proxy); err != nil {
			return err
		}
	case p.proxy != nil:
		return errors.New("--proxy only applies to --uri")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)

	m := tunnel.NewManager(opts)
	defer m.Close()

	abort := func(err error) error {
		cancel()
		_ = g.Wait()
		return err
	}

	if p.debugListen != "" {
		if err := serveDebug(gctx, g, p.debugListen, opts.KeepAlive); err != nil {
			return abort(err)
		}
	}

	handles := make([]*tunnel.Handle, 0, len(cfgs))
	for _, cfg := range cfgs {
		id := uuid.New()
		h, err := m.Connect(gctx, id, cfg)
		if err != nil {
			return abort(fmt.Errorf("tunnel via %s: %w", cfg.HostID(), err))
		}
		log.WithFields(log.Fields{
			"id":      id.String(),
			"bastion": cfg.HostID(),
			"local":   h.LocalEndpoint(),
		}).Debug("tunnel registered")
		fmt.Fprintf(out, "SOCKS5 proxy for %s listening on %s\n", cfg.HostID(), h.LocalEndpoint())
		handles = append(handles, h)
	}

	if p.uri != "" {
		h := handles[0]
		rewritten, err := rewriteURI(p.uri, &mongouri.Endpoint{Host: h.LocalHost, Port: h.LocalPort}, p.proxy)
		if err != nil {
			return abort(err)
		}
		fmt.Fprintln(out, rewritten)
	}

	// Any tunnel failing ends them all.
	for _, h := range handles {
		g.Go(func() error {
			select {
			case <-gctx.Done():
				return nil
			case <-h.Done():
				return h.Err()
			}
		})
	}

	return g.Wait()
}

func newCheckCommand(rf *rootFlags) *cobra.Command {
	tf := &tunnelFlags{}
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check HOST:PORT",
		Short: "Start the tunnel, CONNECT once to HOST:PORT through it, then stop",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, opts, err := tf.load(rf, cmd.Flags())
			if err != nil {
				return err
			}
			return runCheck(cmd.Context(), cmd.OutOrStdout(), cfg, opts, args[0], timeout)
		},
	}

	tf.register(cmd.Flags())
	cmd.Flags().DurationVar(&timeout, "timeout", 15*time.Second, "Overall time allowed for the check")

	return cmd
}

func runCheck(ctx context.Context, out io.Writer, cfg config.Tunnel, opts tunnel.Options, target string, timeout time.Duration) error {
	if _, _, err := net.SplitHostPort(target); err != nil {
		return fmt.Errorf("invalid target %q: %w", target, err)
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	h, err := tunnel.Start(ctx, cfg, opts)
	if err != nil {
		return err
	}
	defer h.Stop()

	fmt.Fprintf(out, "bastion %s host key %s\n", cfg.HostID(), h.HostKeyFingerprint())

	d := net.Dialer{}
	conn, err := d.DialContext(ctx, "tcp", h.LocalEndpoint())
	if err != nil {
		return fmt.Errorf("dial local endpoint: %w", err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(deadline)
	}
	if err := socks5.ClientDial(conn, target); err != nil {
		return fmt.Errorf("connect %s via %s: %w", target, cfg.HostID(), err)
	}

	fmt.Fprintf(out, "reached %s via %s in %s\n", target, cfg.HostID(), time.Since(start).Round(time.Millisecond))
	return nil
}

func newURICommand() *cobra.Command {
	pf := &proxyFlags{}
	var tunnelAddr string

	cmd := &cobra.Command{
		Use:   "uri MONGODB_URI",
		Short: "Rewrite a MongoDB connection string for a tunnel endpoint or an external SOCKS5 proxy",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			proxy, err := pf.proxy()
			if err != nil {
				return err
			}
			return runURI(cmd.OutOrStdout(), args[0], tunnelAddr, proxy)
		},
	}

	cmd.Flags().StringVar(&tunnelAddr, "tunnel", "", "SOCKS5 endpoint HOST:PORT of a running tunnel")
	pf.register(cmd.Flags())

	return cmd
}

func runURI(out io.Writer, uri, tunnelAddr string, proxy *mongouri.Proxy) error {
	var endpoint *mongouri.Endpoint
	if tunnelAddr != "" {
		host, port, err := splitHostPort(tunnelAddr)
		if err != nil {
			return fmt.Errorf("invalid --tunnel: %w", err)
		}
		endpoint = &mongouri.Endpoint{Host: host, Port: port}
	}

	rewritten, err := rewriteURI(uri, endpoint, proxy)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, rewritten)
	return nil
}

func newHostKeysCommand(rf *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hostkeys",
		Short: "Inspect or edit the pinned bastion host keys",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Print every pinned host and its fingerprint",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			repo, err := rf.repository()
			if err != nil {
				return err
			}
			return listHostKeys(cmd.OutOrStdout(), repo)
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "forget HOST:PORT",
		Short: "Remove a pinned host key so the next connection learns it again",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, err := rf.repository()
			if err != nil {
				return err
			}
			return forgetHostKey(cmd.OutOrStdout(), repo, args[0])
		},
	})

	return cmd
}

func listHostKeys(out io.Writer, repo *hostkeys.Repository) error {
	store, err := repo.Load()
	if err != nil {
		return err
	}
	for _, id := range store.HostIDs() {
		fmt.Fprintf(out, "%s %s\n", id, store[id])
	}
	return nil
}

var errUnknownHost = errors.New("no pinned host key")

func forgetHostKey(out io.Writer, repo *hostkeys.Repository, hostID string) error {
	removed, err := repo.Forget(hostID)
	if err != nil {
		return err
	}
	if !removed {
		return fmt.Errorf("%w for %s", errUnknownHost, hostID)
	}
	fmt.Fprintf(out, "forgot %s\n", hostID)
	return nil
}

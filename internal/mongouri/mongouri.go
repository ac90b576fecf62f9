// Package mongouri rewrites MongoDB connection strings so a driver reaches
// its servers through a SOCKS5 endpoint.
//
// MongoDB URIs may list several hosts ("mongodb://a:1,b:2/db"), which
// net/url rejects, so the string is split by hand: scheme, authority, optional
// path and an ordered query. Existing values are kept byte for byte; only
// injected values are percent-encoded.
package mongouri

import (
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

// ErrTransportConflict is returned by Rewrite when both an SSH tunnel and an
// external SOCKS5 proxy are requested.
var ErrTransportConflict = errors.New("SSH tunnel and SOCKS5 proxy cannot be enabled together")

// Query keys understood by MongoDB drivers.
const (
	KeyProxyHost        = "proxyHost"
	KeyProxyPort        = "proxyPort"
	KeyProxyUsername    = "proxyUsername"
	KeyProxyPassword    = "proxyPassword"
	KeyDirectConnection = "directConnection"
	KeyReplicaSet       = "replicaSet"
)

// Param is one query parameter as it appears in the URI.
type Param struct {
	Key   string
	Value string
}

// URI is a connection string split into its parts.
type URI struct {
	Scheme    string
	Authority string
	Path      string
	HasPath   bool
	Query     []Param
}

// Parse splits s. It requires a scheme and a non-empty authority.
func Parse(s string) (*URI, error) {
	scheme, rest, ok := strings.Cut(strings.TrimSpace(s), "://")
	if !ok {
		return nil, errors.New("URI must include scheme")
	}

	base, rawQuery, _ := strings.Cut(rest, "?")
	authority, path, hasPath := strings.Cut(base, "/")
	if strings.TrimSpace(authority) == "" {
		return nil, errors.New("URI is missing host")
	}

	u := &URI{
		Scheme:    scheme,
		Authority: authority,
		Path:      path,
		HasPath:   hasPath,
	}

	if strings.TrimSpace(rawQuery) != "" {
		for pair := range strings.SplitSeq(rawQuery, "&") {
			if strings.TrimSpace(pair) == "" {
				continue
			}
			k, v, _ := strings.Cut(pair, "=")
			u.Query = append(u.Query, Param{Key: k, Value: v})
		}
	}

	return u, nil
}

// String reassembles the URI.
func (u *URI) String() string {
	var b strings.Builder
	b.WriteString(u.Scheme)
	b.WriteString("://")
	b.WriteString(u.Authority)
	if u.HasPath {
		b.WriteByte('/')
		b.WriteString(u.Path)
	}
	for i, p := range u.Query {
		if i == 0 {
			b.WriteByte('?')
		} else {
			b.WriteByte('&')
		}
		b.WriteString(p.Key)
		b.WriteByte('=')
		b.WriteString(p.Value)
	}
	return b.String()
}

// Set removes every parameter named key, ignoring case, and appends key with
// value percent-encoded. A blank value only removes.
func (u *URI) Set(key, value string) {
	u.Del(key)
	if strings.TrimSpace(value) == "" {
		return
	}
	u.Query = append(u.Query, Param{Key: key, Value: encodeValue(value)})
}

// Del removes every parameter named key, ignoring case.
func (u *URI) Del(key string) {
	kept := u.Query[:0]
	for _, p := range u.Query {
		if !strings.EqualFold(p.Key, key) {
			kept = append(kept, p)
		}
	}
	u.Query = kept
}

// Get returns the raw value of the first parameter named key, ignoring case.
func (u *URI) Get(key string) (string, bool) {
	for _, p := range u.Query {
		if strings.EqualFold(p.Key, key) {
			return p.Value, true
		}
	}
	return "", false
}

// Hosts returns the host list, without any userinfo.
func (u *URI) Hosts() string {
	if i := strings.LastIndexByte(u.Authority, '@'); i >= 0 {
		return u.Authority[i+1:]
	}
	return u.Authority
}

// Redacted returns the URI with the userinfo password replaced by "***".
func (u *URI) Redacted() string {
	r := *u
	if userinfo, hosts, ok := strings.Cut(u.Authority, "@"); ok {
		if user, _, ok := strings.Cut(userinfo, ":"); ok {
			r.Authority = user + ":***@" + hosts
		}
	}
	return r.String()
}

// encodeValue percent-encodes everything outside the RFC 3986 unreserved set.
func encodeValue(v string) string {
	return strings.ReplaceAll(url.QueryEscape(v), "+", "%20")
}

// ApplyTunnel points uri at the SOCKS5 endpoint host:port of an SSH tunnel.
// The driver is forced to a direct connection and replicaSet is dropped: only
// the listed host is reachable through the tunnel, so waiting for replica set
// discovery would never finish.
func ApplyTunnel(uri, host string, port uint16) (string, error) {
	u, err := Parse(uri)
	if err != nil {
		return "", err
	}
	u.Set(KeyProxyHost, host)
	u.Set(KeyProxyPort, strconv.Itoa(int(port)))
	u.Set(KeyDirectConnection, "true")
	u.Del(KeyReplicaSet)
	return u.String(), nil
}

// Proxy is an external SOCKS5 proxy.
type Proxy struct {
	Host     string
	Port     uint16
	Username string
	Password string
}

// Validate checks that p names a usable proxy.
func (p Proxy) Validate() error {
	if strings.TrimSpace(p.Host) == "" {
		return errors.New("SOCKS5 proxy host is required")
	}
	if p.Port == 0 {
		return errors.New("SOCKS5 proxy port must be greater than 0")
	}
	return nil
}

// ApplyProxy points uri at an external SOCKS5 proxy, with credentials when
// set.
func ApplyProxy(uri string, p Proxy) (string, error) {
	if err := p.Validate(); err != nil {
		return "", err
	}
	u, err := Parse(uri)
	if err != nil {
		return "", err
	}
	u.Set(KeyProxyHost, strings.TrimSpace(p.Host))
	u.Set(KeyProxyPort, strconv.Itoa(int(p.Port)))
	u.Set(KeyProxyUsername, p.Username)
	u.Set(KeyProxyPassword, p.Password)
	return u.String(), nil
}

// Endpoint is the local side of a running tunnel.
type Endpoint struct {
	Host string
	Port uint16
}

// Rewrite applies at most one transport to uri. tunnel and proxy may each be
// nil; both set is ErrTransportConflict.
func Rewrite(uri string, tunnel *Endpoint, proxy *Proxy) (string, error) {
	switch {
	case tunnel != nil && proxy != nil:
		return "", ErrTransportConflict
	case tunnel != nil:
		return ApplyTunnel(uri, tunnel.Host, tunnel.Port)
	case proxy != nil:
		return ApplyProxy(uri, *proxy)
	default:
		if _, err := Parse(uri); err != nil {
			return "", fmt.Errorf("invalid URI: %w", err)
		}
		return uri, nil
	}
}

// Redact masks the password in uri for logging. Unparseable input is
// replaced entirely.
func Redact(uri string) string {
	u, err := Parse(uri)
	if err != nil {
		return "***"
	}
	return u.Redacted()
}

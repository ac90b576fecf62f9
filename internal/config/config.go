// Package config describes an SSH bastion tunnel and validates it before any
// network activity takes place.
package config

import (
	"errors"
	"fmt"
	"net"
	"os"
	"strconv"

	"gopkg.in/yaml.v3"
)

// AuthMode selects how the tunnel authenticates to the bastion.
type AuthMode string

const (
	// AuthPassword authenticates with Auth.Password.
	AuthPassword AuthMode = "password"
	// AuthIdentityFile authenticates with the private key at Auth.IdentityFile,
	// decrypted with Auth.Passphrase if set.
	AuthIdentityFile AuthMode = "identity_file"
	// AuthAgent authenticates with the keys held by the running SSH agent.
	AuthAgent AuthMode = "agent"
)

// Defaults applied by Default and LoadFile.
const (
	DefaultPort          = 22
	DefaultLocalBindHost = "127.0.0.1"
)

// Auth holds credentials for one AuthMode.
type Auth struct {
	Mode         AuthMode `yaml:"mode"`
	Password     string   `yaml:"password,omitempty"`
	IdentityFile string   `yaml:"identity_file,omitempty"`
	Passphrase   string   `yaml:"identity_passphrase,omitempty"`

	// PasswordEnv and PassphraseEnv name environment variables consulted by
	// LoadFile when the literal value is empty.
	PasswordEnv   string `yaml:"password_env,omitempty"`
	PassphraseEnv string `yaml:"identity_passphrase_env,omitempty"`
}

// Tunnel describes the bastion to connect to and where to expose the local
// SOCKS5 endpoint. It is passed by value and never modified once a session is
// being established.
type Tunnel struct {
	Host                  string `yaml:"host"`
	Port                  uint16 `yaml:"port"`
	Username              string `yaml:"username"`
	Auth                  Auth   `yaml:"auth"`
	LocalBindHost         string `yaml:"local_bind_host"`
	StrictHostKeyChecking bool   `yaml:"strict_host_key_checking"`
}

// Default returns a Tunnel with the default port, loopback bind host, password
// auth and strict host key checking.
func Default() Tunnel {
	return Tunnel{
		Port:                  DefaultPort,
		Auth:                  Auth{Mode: AuthPassword},
		LocalBindHost:         DefaultLocalBindHost,
		StrictHostKeyChecking: true,
	}
}

// Addr returns the dialable bastion address.
func (t Tunnel) Addr() string {
	return net.JoinHostPort(t.Host, strconv.Itoa(int(t.Port)))
}

// HostID returns the "<host>:<port>" key used by the host key trust store.
func (t Tunnel) HostID() string {
	return fmt.Sprintf("%s:%d", t.Host, t.Port)
}

// LoadFile reads a YAML tunnel description. Fields missing from the file keep
// the values from Default.
func LoadFile(path string) (Tunnel, error) {
	data, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return Tunnel{}, fmt.Errorf("config file not found: %s", path)
		}
		return Tunnel{}, fmt.Errorf("reading config: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Tunnel{}, fmt.Errorf("parsing config %s: %w", path, err)
	}
	cfg.Auth.resolveEnv()

	return cfg, nil
}

func (a *Auth) resolveEnv() {
	if a.Password == "" && a.PasswordEnv != "" {
		a.Password = os.Getenv(a.PasswordEnv)
	}
	if a.Passphrase == "" && a.PassphraseEnv != "" {
		a.Passphrase = os.Getenv(a.PassphraseEnv)
	}
}

package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ValidationError reports a tunnel configuration that cannot be used. It is
// returned before any socket is opened and is never worth retrying.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return e.Reason
}

func invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// Validate checks the configuration for errors.
func (t Tunnel) Validate() error {
	if strings.TrimSpace(t.Host) == "" {
		return invalid("host", "ssh host is required")
	}
	if strings.TrimSpace(t.Username) == "" {
		return invalid("username", "ssh username is required")
	}
	if t.Port == 0 {
		return invalid("port", "ssh port must be greater than 0")
	}
	if strings.TrimSpace(t.LocalBindHost) == "" {
		return invalid("local_bind_host", "ssh local bind host is required")
	}

	return t.Auth.validate()
}

func (a Auth) validate() error {
	switch a.Mode {
	case AuthPassword:
		if strings.TrimSpace(a.Password) == "" {
			return invalid("auth.password", "ssh password is required for password authentication")
		}
	case AuthIdentityFile:
		if strings.TrimSpace(a.IdentityFile) == "" {
			return invalid("auth.identity_file", "ssh identity file path is required for identity-file authentication")
		}
		path := ResolveIdentityPath(a.IdentityFile)
		info, err := os.Stat(path)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				return invalid("auth.identity_file", "ssh identity file does not exist: %s", path)
			}
			return invalid("auth.identity_file", "ssh identity file: %v", err)
		}
		if !info.Mode().IsRegular() {
			return invalid("auth.identity_file", "ssh identity file path is not a file: %s", path)
		}
		if err := checkReadable(path); err != nil {
			return invalid("auth.identity_file", "ssh identity file is not readable: %s: %v", path, err)
		}
	case AuthAgent:
		if os.Getenv("SSH_AUTH_SOCK") == "" {
			return invalid("auth.mode", "ssh agent authentication requires SSH_AUTH_SOCK")
		}
	case "":
		return invalid("auth.mode", "ssh auth mode is required")
	default:
		return invalid("auth.mode", "unknown ssh auth mode %q", a.Mode)
	}
	return nil
}

// ResolveIdentityPath expands a leading "~" or "~/" to the user's home
// directory. Other paths are returned trimmed but otherwise unchanged.
func ResolveIdentityPath(raw string) string {
	trimmed := strings.TrimSpace(raw)
	if trimmed != "~" && !strings.HasPrefix(trimmed, "~/") {
		return trimmed
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return trimmed
	}
	if trimmed == "~" {
		return home
	}
	return filepath.Join(home, trimmed[2:])
}

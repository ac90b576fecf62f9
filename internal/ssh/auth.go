package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/die-net/jumpsocks/internal/config"
)

// AgentSigners connects to the SSH agent and returns all available signers.
// The returned closer releases the agent connection; the signers are unusable
// after it is closed.
func AgentSigners() ([]ssh.Signer, io.Closer, error) {
	socket := os.Getenv("SSH_AUTH_SOCK")
	if socket == "" {
		return nil, nil, errors.New("SSH_AUTH_SOCK not set")
	}

	var d net.Dialer
	conn, err := d.DialContext(context.Background(), "unix", socket)
	if err != nil {
		return nil, nil, fmt.Errorf("connecting to SSH agent: %w", err)
	}

	agentClient := agent.NewClient(conn)
	signers, err := agentClient.Signers()
	if err != nil {
		_ = conn.Close()
		return nil, nil, fmt.Errorf("getting signers from SSH agent: %w", err)
	}

	if len(signers) == 0 {
		_ = conn.Close()
		return nil, nil, errors.New("no keys available in SSH agent")
	}

	return signers, conn, nil
}

// LoadPrivateKey reads and parses an OpenSSH private key file, decrypting it
// with passphrase when one is given.
// Supports RSA, Ed25519, ECDSA, and DSA key types.
func LoadPrivateKey(path, passphrase string) (ssh.Signer, error) {
	keyData, err := os.ReadFile(path) //nolint:gosec // Path is from user config.
	if err != nil {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	var signer ssh.Signer
	if passphrase != "" {
		signer, err = ssh.ParsePrivateKeyWithPassphrase(keyData, []byte(passphrase))
	} else {
		signer, err = ssh.ParsePrivateKey(keyData)
	}
	if err != nil {
		var missing *ssh.PassphraseMissingError
		if errors.As(err, &missing) {
			return nil, fmt.Errorf("parsing key file %s: key is encrypted and no passphrase was given", path)
		}
		return nil, fmt.Errorf("parsing key file: %w", err)
	}

	return signer, nil
}

// AuthMethods returns the ssh.AuthMethod slice for auth. The closer, if
// non-nil, must be closed once the session no longer needs the credentials.
//
// Password mode also answers keyboard-interactive prompts with the password,
// since many bastions only enable that method.
func AuthMethods(auth config.Auth) ([]ssh.AuthMethod, io.Closer, error) {
	switch auth.Mode {
	case config.AuthPassword:
		password := auth.Password
		return []ssh.AuthMethod{
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range questions {
					answers[i] = password
				}
				return answers, nil
			}),
		}, nil, nil
	case config.AuthIdentityFile:
		signer, err := LoadPrivateKey(config.ResolveIdentityPath(auth.IdentityFile), auth.Passphrase)
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signer)}, nil, nil
	case config.AuthAgent:
		signers, closer, err := AgentSigners()
		if err != nil {
			return nil, nil, err
		}
		return []ssh.AuthMethod{ssh.PublicKeys(signers...)}, closer, nil
	default:
		return nil, nil, fmt.Errorf("unsupported auth mode %q", auth.Mode)
	}
}

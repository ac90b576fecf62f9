// Package hostkeys persists trusted SSH host key fingerprints and implements
// trust-on-first-use verification against them.
//
// The store is a JSON object mapping "<host>:<port>" to a fingerprint of the
// form "SHA256:<base64 without padding>":
//
//	{
//	  "bastion.example.com:22": "SHA256:n4Vd0Nf0Zt7Xl..."
//	}
//
// A recorded fingerprint is never replaced automatically. A host presenting a
// different key is rejected with a *MismatchError until the entry is removed
// explicitly with Repository.Forget.
package hostkeys

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"golang.org/x/crypto/ssh"
)

// EnvPath overrides the default store location when set.
const EnvPath = "JUMPSOCKS_KNOWN_HOSTS_PATH"

const (
	appName  = "jumpsocks"
	fileName = "known_hosts.json"
)

// Store maps "<host>:<port>" to a trusted fingerprint.
type Store map[string]string

type nestedStore struct {
	Fingerprints Store `json:"fingerprints"`
}

// HostIDs returns the hosts in the store, sorted.
func (s Store) HostIDs() []string {
	ids := make([]string, 0, len(s))
	for id := range s {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MismatchError is returned when a host presents a key whose fingerprint
// differs from the recorded one.
type MismatchError struct {
	HostID string
	Want   string
	Got    string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("host key mismatch for %s (possible MITM attack): expected %s, got %s", e.HostID, e.Want, e.Got)
}

// Fingerprint returns the SHA256 fingerprint of key's wire encoding.
func Fingerprint(key ssh.PublicKey) string {
	return ssh.FingerprintSHA256(key)
}

// DefaultPath resolves the store location: $JUMPSOCKS_KNOWN_HOSTS_PATH if set,
// otherwise known_hosts.json in the platform configuration directory.
func DefaultPath() (string, error) {
	if p := os.Getenv(EnvPath); p != "" {
		return p, nil
	}

	dir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("could not determine config directory: %w", err)
	}
	return filepath.Join(dir, appName, fileName), nil
}

// Repository loads and saves a Store at a fixed path. Its methods are safe
// for concurrent use within one process.
type Repository struct {
	path string
	mu   sync.Mutex
}

// NewRepository returns a Repository backed by the file at path. The file
// need not exist.
func NewRepository(path string) *Repository {
	return &Repository{path: path}
}

// Open returns a Repository at DefaultPath.
func Open() (*Repository, error) {
	path, err := DefaultPath()
	if err != nil {
		return nil, err
	}
	return NewRepository(path), nil
}

// Path returns the backing file path.
func (r *Repository) Path() string {
	return r.path
}

// Load reads the store. A missing file yields an empty store; unparsable
// content is an error rather than being discarded.
//
// Besides the flat map, Load accepts the older {"fingerprints": {...}}
// layout. Save always writes the flat map, so such a file is converted the
// first time a host is learned or forgotten.
func (r *Repository) Load() (Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load()
}

// Save writes the store, creating the parent directory if needed.
func (r *Repository) Save(s Store) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.save(s)
}

// VerifyOrLearn checks key against the fingerprint recorded for hostID. An
// unknown host is recorded and persisted, and learned is true. A known host
// with a different fingerprint yields a *MismatchError and leaves the store
// untouched.
func (r *Repository) VerifyOrLearn(hostID string, key ssh.PublicKey) (learned bool, err error) {
	fingerprint := Fingerprint(key)

	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.load()
	if err != nil {
		return false, err
	}

	existing, ok := store[hostID]
	switch {
	case ok && existing == fingerprint:
		return false, nil
	case ok:
		return false, &MismatchError{HostID: hostID, Want: existing, Got: fingerprint}
	}

	store[hostID] = fingerprint
	if err := r.save(store); err != nil {
		return false, err
	}
	return true, nil
}

// Forget removes the entry for hostID. It reports whether an entry existed.
func (r *Repository) Forget(hostID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	store, err := r.load()
	if err != nil {
		return false, err
	}
	if _, ok := store[hostID]; !ok {
		return false, nil
	}
	delete(store, hostID)
	return true, r.save(store)
}

func (r *Repository) load() (Store, error) {
	data, err := os.ReadFile(r.path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Store{}, nil
		}
		return nil, fmt.Errorf("reading host key store: %w", err)
	}

	var store Store
	if err := json.Unmarshal(data, &store); err != nil {
		var nested nestedStore
		if json.Unmarshal(data, &nested) != nil || nested.Fingerprints == nil {
			return nil, fmt.Errorf("parsing host key store %s: %w", r.path, err)
		}
		store = nested.Fingerprints
	}
	if store == nil {
		store = Store{}
	}
	return store, nil
}

// save writes through a temporary file in the same directory and renames it
// into place, so a crash never leaves a truncated store behind.
func (r *Repository) save(s Store) error {
	dir := filepath.Dir(r.path)
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("creating host key store directory: %w", err)
	}

	data, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("serializing host key store: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".known_hosts-*.tmp")
	if err != nil {
		return fmt.Errorf("writing host key store: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // Already renamed on success.

	if _, err := tmp.Write(append(data, '\n')); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing host key store: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("writing host key store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("writing host key store: %w", err)
	}
	if err := os.Chmod(tmp.Name(), 0o600); err != nil {
		return fmt.Errorf("writing host key store: %w", err)
	}
	if err := os.Rename(tmp.Name(), r.path); err != nil {
		return fmt.Errorf("writing host key store: %w", err)
	}
	return nil
}

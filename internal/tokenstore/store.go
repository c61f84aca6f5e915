// Package tokenstore persists opaque portal restore tokens. The value is
// single-use: the portal issues a fresh token on every successful start
// and the old one is overwritten. Backends are probed in confidentiality
// order; every save is mirrored to the encrypted file backend as a
// belt-and-braces copy.
package tokenstore

import (
	"errors"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
	"github.com/lamco-admin/lamco-rdp/internal/registry"
	"github.com/lamco-admin/lamco-rdp/internal/secmem"
)

var log = logging.L("tokenstore")

// ErrNotFound is returned by backends when no value is stored under a key.
var ErrNotFound = errors.New("tokenstore: not found")

// Backend is one persistence mechanism for restore tokens. Backends see
// the raw bytes only for the duration of a call; above this interface
// tokens travel as secmem.SecureString so they stay redacted in logs and
// zeroable on shutdown.
type Backend interface {
	Name() string
	Load(key string) ([]byte, error)
	Save(key string, value []byte) error
	Clear(key string) error
}

// Store multiplexes the probed backends. Save failures are logged, never
// fatal: the server keeps running with repeat permission dialogs.
type Store struct {
	backends []Backend
	file     *fileBackend
}

// New builds the store from the probed environment. The encrypted file
// backend is always present and always last in probe order.
func New(reg *registry.Registry, dataDir string) *Store {
	file := newFileBackend(dataDir)

	var backends []Backend
	if reg != nil && reg.Level(registry.CredentialStorage) == registry.Guaranteed {
		if hw := newHardwareBackend(dataDir); hw != nil {
			backends = append(backends, hw)
		}
	}
	if kr := newKeyringBackend(); kr != nil {
		backends = append(backends, kr)
	}
	if sp := newSecretPortalBackend(dataDir); sp != nil {
		backends = append(backends, sp)
	}
	backends = append(backends, file)

	names := make([]string, 0, len(backends))
	for _, b := range backends {
		names = append(names, b.Name())
	}
	log.Info("token store initialized", "backends", names)

	return &Store{backends: backends, file: file}
}

// newForBackends is the test seam.
func newForBackends(file *fileBackend, backends ...Backend) *Store {
	return &Store{backends: append(backends, file), file: file}
}

// Load returns the stored token for key, or nil when no backend has one.
// Backend load errors are treated as "no token present". The raw bytes
// the backend produced are zeroed once wrapped.
func (s *Store) Load(key string) *secmem.SecureString {
	for _, b := range s.backends {
		value, err := b.Load(key)
		if err != nil {
			if !errors.Is(err, ErrNotFound) {
				log.Debug("token load failed", "backend", b.Name(), "key", key, "error", err)
			}
			continue
		}
		if len(value) > 0 {
			log.Debug("token loaded", "backend", b.Name(), "key", key)
			token := secmem.NewSecureString(string(value))
			zeroBytes(value)
			return token
		}
	}
	return nil
}

// Save writes the token to the first working backend and mirrors it to
// the file backend. Returns the name of the backend that accepted the
// primary copy, or "" when every backend failed. The caller keeps
// ownership of token; the plaintext copy made for the backends is zeroed
// before returning.
func (s *Store) Save(key string, token *secmem.SecureString) string {
	value := []byte(token.Reveal())
	defer zeroBytes(value)

	saved := ""
	for _, b := range s.backends {
		if err := b.Save(key, value); err != nil {
			log.Warn("token save failed", "backend", b.Name(), "key", key, "error", err)
			continue
		}
		saved = b.Name()
		break
	}

	// Mirror to the file backend unless it already holds the primary copy.
	if saved != "" && saved != s.file.Name() {
		if err := s.file.Save(key, value); err != nil {
			log.Warn("token mirror save failed", "key", key, "error", err)
		}
	}

	if saved == "" {
		log.Warn("token not persisted; expect a permission dialog on next start", "key", key)
	}
	return saved
}

// Clear removes the token from every backend.
func (s *Store) Clear(key string) {
	for _, b := range s.backends {
		if err := b.Clear(key); err != nil && !errors.Is(err, ErrNotFound) {
			log.Debug("token clear failed", "backend", b.Name(), "key", key, "error", err)
		}
	}
}

func zeroBytes(b []byte) {
	for i := range b {
		b[i] = 0
	}
}

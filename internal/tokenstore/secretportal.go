package tokenstore

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/godbus/dbus/v5"
)

// secretPortalBackend serves sandboxed deployments that cannot reach the
// host keyring: the org.freedesktop.portal.Secret portal hands the app a
// stable master secret over a pipe, which keys an AES-256-GCM blob file
// inside the sandbox-writable data directory.
type secretPortalBackend struct {
	dir    string
	master []byte
}

func newSecretPortalBackend(dataDir string) *secretPortalBackend {
	// Only meaningful inside a sandbox; outside, the keyring or file
	// backend is strictly better.
	if _, err := os.Stat("/.flatpak-info"); err != nil {
		return nil
	}

	master, err := retrieveMasterSecret()
	if err != nil {
		log.Debug("secret portal unavailable", "error", err)
		return nil
	}
	return &secretPortalBackend{
		dir:    filepath.Join(dataDir, "sessions"),
		master: master,
	}
}

func (s *secretPortalBackend) Name() string { return "secret-portal" }

func (s *secretPortalBackend) path(key string) string {
	return filepath.Join(s.dir, key+".portal.tok")
}

func (s *secretPortalBackend) aead() (cipher.AEAD, error) {
	sum := sha256.Sum256(append([]byte("portal:"), s.master...))
	block, err := aes.NewCipher(sum[:])
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

func (s *secretPortalBackend) Load(key string) ([]byte, error) {
	blob, err := os.ReadFile(s.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	if len(blob) < nonceSize+tagSize {
		return nil, errors.New("portal token file too short")
	}
	aead, err := s.aead()
	if err != nil {
		return nil, err
	}
	return aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
}

func (s *secretPortalBackend) Save(key string, value []byte) error {
	if err := os.MkdirAll(s.dir, 0o700); err != nil {
		return err
	}
	aead, err := s.aead()
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	blob := append(nonce, aead.Seal(nil, nonce, value, nil)...)
	return os.WriteFile(s.path(key), blob, 0o600)
}

func (s *secretPortalBackend) Clear(key string) error {
	err := os.Remove(s.path(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

// retrieveMasterSecret calls org.freedesktop.portal.Secret.RetrieveSecret,
// which writes the application master secret to the write end of a pipe.
func retrieveMasterSecret() ([]byte, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	defer r.Close()

	portal := conn.Object("org.freedesktop.portal.Desktop", "/org/freedesktop/portal/desktop")
	call := portal.Call("org.freedesktop.portal.Secret.RetrieveSecret", 0,
		dbus.UnixFD(w.Fd()), map[string]dbus.Variant{})
	w.Close()
	if call.Err != nil {
		return nil, fmt.Errorf("RetrieveSecret: %w", call.Err)
	}

	secret := make([]byte, 128)
	n, err := r.Read(secret)
	if err != nil || n == 0 {
		return nil, fmt.Errorf("read master secret: %w", err)
	}
	return secret[:n], nil
}

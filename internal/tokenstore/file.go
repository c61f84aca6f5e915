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
	"strings"

	"golang.org/x/sys/unix"
)

// applicationSalt is mixed into the key derivation so a copied machine-id
// alone cannot decrypt a stolen token file.
const applicationSalt = "lamco-rdp.tokenstore.v1"

const (
	nonceSize = 12
	tagSize   = 16
)

// fileBackend stores tokens encrypted with AES-256-GCM under
// <dataDir>/sessions/<key>.tok. Key material is derived from the machine
// id (hostname if none) and the application salt. Single-writer,
// protected by an advisory flock on the token file.
type fileBackend struct {
	dir string
}

func newFileBackend(dataDir string) *fileBackend {
	return &fileBackend{dir: filepath.Join(dataDir, "sessions")}
}

func (f *fileBackend) Name() string { return "encrypted-file" }

func (f *fileBackend) path(key string) string {
	// Keys are internal identifiers ("default"); sanitize anyway.
	key = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, key)
	return filepath.Join(f.dir, key+".tok")
}

func (f *fileBackend) Load(key string) ([]byte, error) {
	path := f.path(key)
	file, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_SH); err != nil {
		return nil, fmt.Errorf("lock token file: %w", err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	blob, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if len(blob) < nonceSize+tagSize {
		return nil, errors.New("token file too short")
	}

	aead, err := newAEAD()
	if err != nil {
		return nil, err
	}
	plain, err := aead.Open(nil, blob[:nonceSize], blob[nonceSize:], nil)
	if err != nil {
		return nil, fmt.Errorf("decrypt token: %w", err)
	}
	return plain, nil
}

func (f *fileBackend) Save(key string, value []byte) error {
	if err := os.MkdirAll(f.dir, 0o700); err != nil {
		return fmt.Errorf("create token directory: %w", err)
	}

	aead, err := newAEAD()
	if err != nil {
		return err
	}
	nonce := make([]byte, nonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return fmt.Errorf("generate nonce: %w", err)
	}
	blob := append(nonce, aead.Seal(nil, nonce, value, nil)...)

	path := f.path(key)
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	defer file.Close()

	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("lock token file: %w", err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)

	if err := file.Truncate(0); err != nil {
		return err
	}
	if _, err := file.WriteAt(blob, 0); err != nil {
		return err
	}
	return file.Sync()
}

func (f *fileBackend) Clear(key string) error {
	err := os.Remove(f.path(key))
	if os.IsNotExist(err) {
		return ErrNotFound
	}
	return err
}

func newAEAD() (cipher.AEAD, error) {
	block, err := aes.NewCipher(deriveKey())
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(block)
}

// deriveKey returns SHA-256(machine-id || salt). Falls back to the
// hostname when no machine id is readable (containers, BSDs).
func deriveKey() []byte {
	id := machineID()
	sum := sha256.Sum256([]byte(id + applicationSalt))
	return sum[:]
}

func machineID() string {
	for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
		if b, err := os.ReadFile(path); err == nil {
			if id := strings.TrimSpace(string(b)); id != "" {
				return id
			}
		}
	}
	host, err := os.Hostname()
	if err != nil {
		return "localhost"
	}
	return host
}

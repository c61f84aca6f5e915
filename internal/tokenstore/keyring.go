package tokenstore

import (
	"encoding/base64"
	"errors"
	"fmt"

	"github.com/zalando/go-keyring"
)

// keyringService is the secret-service entry namespace.
const keyringService = "lamco-rdp"

// keyringBackend stores tokens in the desktop secret service
// (org.freedesktop.secrets). Requires an unlocked collection; a locked
// keyring surfaces as a save/load error and the next backend takes over.
type keyringBackend struct{}

func newKeyringBackend() *keyringBackend {
	// A cheap liveness probe: the secret service rejects empty lookups fast
	// when present and errors distinctly when the bus name is unclaimed.
	if _, err := keyring.Get(keyringService, "probe"); err != nil && !errors.Is(err, keyring.ErrNotFound) {
		return nil
	}
	return &keyringBackend{}
}

func (k *keyringBackend) Name() string { return "secret-service" }

func (k *keyringBackend) Load(key string) ([]byte, error) {
	encoded, err := keyring.Get(keyringService, key)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("keyring get: %w", err)
	}
	value, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("keyring entry corrupt: %w", err)
	}
	return value, nil
}

func (k *keyringBackend) Save(key string, value []byte) error {
	encoded := base64.StdEncoding.EncodeToString(value)
	if err := keyring.Set(keyringService, key, encoded); err != nil {
		return fmt.Errorf("keyring set: %w", err)
	}
	return nil
}

func (k *keyringBackend) Clear(key string) error {
	err := keyring.Delete(keyringService, key)
	if errors.Is(err, keyring.ErrNotFound) {
		return ErrNotFound
	}
	return err
}

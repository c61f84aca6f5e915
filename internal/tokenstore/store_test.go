package tokenstore

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/lamco-admin/lamco-rdp/internal/secmem"
)

func TestFileBackendRoundTrip(t *testing.T) {
	fb := newFileBackend(t.TempDir())

	token := []byte("portal-restore-token-opaque-bytes")
	if err := fb.Save("default", token); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := fb.Load("default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if !bytes.Equal(got, token) {
		t.Fatalf("load = %q, want %q", got, token)
	}
}

func TestFileBackendOverwriteIsSingleUse(t *testing.T) {
	fb := newFileBackend(t.TempDir())

	fb.Save("default", []byte("v1"))
	fb.Save("default", []byte("v2"))
	got, err := fb.Load("default")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if string(got) != "v2" {
		t.Fatalf("load = %q, want v2", got)
	}
}

func TestFileBackendClearThenLoadNotFound(t *testing.T) {
	fb := newFileBackend(t.TempDir())

	fb.Save("default", []byte("v"))
	if err := fb.Clear("default"); err != nil {
		t.Fatalf("clear: %v", err)
	}
	if _, err := fb.Load("default"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load after clear: %v, want ErrNotFound", err)
	}
}

func TestFileBackendPermissions(t *testing.T) {
	dir := t.TempDir()
	fb := newFileBackend(dir)
	fb.Save("default", []byte("v"))

	info, err := os.Stat(filepath.Join(dir, "sessions", "default.tok"))
	if err != nil {
		t.Fatalf("stat token: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("token file mode = %o, want 600", perm)
	}
	dirInfo, err := os.Stat(filepath.Join(dir, "sessions"))
	if err != nil {
		t.Fatalf("stat dir: %v", err)
	}
	if perm := dirInfo.Mode().Perm(); perm != 0o700 {
		t.Errorf("sessions dir mode = %o, want 700", perm)
	}
}

func TestFileBackendCiphertextFormat(t *testing.T) {
	dir := t.TempDir()
	fb := newFileBackend(dir)
	token := []byte("0123456789")
	fb.Save("default", token)

	blob, err := os.ReadFile(filepath.Join(dir, "sessions", "default.tok"))
	if err != nil {
		t.Fatalf("read blob: %v", err)
	}
	// nonce(12) || ciphertext || tag(16); ciphertext length == plaintext length.
	if want := nonceSize + len(token) + tagSize; len(blob) != want {
		t.Fatalf("blob size = %d, want %d", len(blob), want)
	}
	if bytes.Contains(blob, token) {
		t.Fatal("token stored in plaintext")
	}
}

func TestFileBackendRejectsTamperedBlob(t *testing.T) {
	dir := t.TempDir()
	fb := newFileBackend(dir)
	fb.Save("default", []byte("v"))

	path := filepath.Join(dir, "sessions", "default.tok")
	blob, _ := os.ReadFile(path)
	blob[len(blob)-1] ^= 0xFF
	os.WriteFile(path, blob, 0o600)

	if _, err := fb.Load("default"); err == nil {
		t.Fatal("expected authentication error for tampered blob")
	}
}

func TestFileBackendSanitizesKey(t *testing.T) {
	dir := t.TempDir()
	fb := newFileBackend(dir)
	if err := fb.Save("../escape", []byte("v")); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := os.Stat(filepath.Join(dir, "sessions", "___escape.tok")); err != nil {
		t.Fatalf("sanitized token file missing: %v", err)
	}
}

// fakeBackend scripts backend behavior for store-order tests.
type fakeBackend struct {
	name    string
	values  map[string][]byte
	failing bool
}

func newFakeBackend(name string) *fakeBackend {
	return &fakeBackend{name: name, values: map[string][]byte{}}
}

func (f *fakeBackend) Name() string { return f.name }

func (f *fakeBackend) Load(key string) ([]byte, error) {
	if f.failing {
		return nil, errors.New("backend offline")
	}
	v, ok := f.values[key]
	if !ok {
		return nil, ErrNotFound
	}
	return v, nil
}

func (f *fakeBackend) Save(key string, value []byte) error {
	if f.failing {
		return errors.New("backend offline")
	}
	f.values[key] = append([]byte(nil), value...)
	return nil
}

func (f *fakeBackend) Clear(key string) error {
	delete(f.values, key)
	return nil
}

func TestStoreSaveMirrorsToFile(t *testing.T) {
	fb := newFileBackend(t.TempDir())
	primary := newFakeBackend("primary")
	store := newForBackends(fb, primary)

	if saved := store.Save("default", secmem.NewSecureString("tok")); saved != "primary" {
		t.Fatalf("saved to %q, want primary", saved)
	}
	// Mirror copy must exist in the file backend.
	got, err := fb.Load("default")
	if err != nil {
		t.Fatalf("mirror load: %v", err)
	}
	if string(got) != "tok" {
		t.Fatalf("mirror = %q", got)
	}
}

func TestStoreLoadProbeOrder(t *testing.T) {
	fb := newFileBackend(t.TempDir())
	first := newFakeBackend("first")
	second := newFakeBackend("second")
	store := newForBackends(fb, first, second)

	second.values["default"] = []byte("from-second")
	if got := store.Load("default"); got.Reveal() != "from-second" {
		t.Fatalf("load = %q, want from-second", got.Reveal())
	}

	first.values["default"] = []byte("from-first")
	if got := store.Load("default"); got.Reveal() != "from-first" {
		t.Fatalf("load = %q, want from-first (probe order)", got.Reveal())
	}
}

func TestStoreFailingPrimaryFallsThrough(t *testing.T) {
	fb := newFileBackend(t.TempDir())
	broken := newFakeBackend("broken")
	broken.failing = true
	store := newForBackends(fb, broken)

	if saved := store.Save("default", secmem.NewSecureString("tok")); saved != "encrypted-file" {
		t.Fatalf("saved to %q, want encrypted-file", saved)
	}
	if got := store.Load("default"); got.Reveal() != "tok" {
		t.Fatalf("load = %q", got.Reveal())
	}
}

func TestStoreClearRemovesEverywhere(t *testing.T) {
	fb := newFileBackend(t.TempDir())
	primary := newFakeBackend("primary")
	store := newForBackends(fb, primary)

	store.Save("default", secmem.NewSecureString("tok"))
	store.Clear("default")
	if got := store.Load("default"); got != nil {
		t.Fatalf("load after clear = %q, want nil", got.Reveal())
	}
}

func TestStoreSaveDoesNotConsumeCallerToken(t *testing.T) {
	fb := newFileBackend(t.TempDir())
	store := newForBackends(fb)

	token := secmem.NewSecureString("still-mine")
	store.Save("default", token)
	// The caller keeps ownership: the session strategy reuses the token
	// across reconnects and zeroes it only once spent.
	if token.IsZeroed() {
		t.Fatal("Save zeroed the caller's token")
	}
	if token.Reveal() != "still-mine" {
		t.Fatalf("token = %q after save", token.Reveal())
	}
}

func TestStoreLoadedTokenRedactsInLogs(t *testing.T) {
	fb := newFileBackend(t.TempDir())
	store := newForBackends(fb)
	store.Save("default", secmem.NewSecureString("hunter2"))

	token := store.Load("default")
	if token == nil {
		t.Fatal("token missing")
	}
	if got := fmt.Sprintf("%v %s %#v", token, token, token); strings.Contains(got, "hunter2") {
		t.Fatalf("token leaked through formatting: %q", got)
	}
	token.Zero()
	if token.Reveal() != "" {
		t.Fatal("token survives Zero")
	}
}

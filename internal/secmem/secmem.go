// Package secmem holds portal restore tokens and other short secrets
// with best-effort memory hygiene and log-safe formatting.
package secmem

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/lamco-admin/lamco-rdp/internal/logging"
)

var log = logging.L("secmem")

// SecureString holds sensitive data with best-effort memory zeroing.
// Go's GC may copy the backing array, so this is defense-in-depth, not a
// guarantee. Call Zero() in shutdown paths to overwrite the value in place.
//
// All fmt verbs and JSON/text marshalling render "[REDACTED]" so a token
// can never leak through logging.
type SecureString struct {
	mu         sync.Mutex
	data       []byte
	warnedOnce atomic.Bool
}

// NewSecureString creates a SecureString from the given string.
func NewSecureString(s string) *SecureString {
	b := make([]byte, len(s))
	copy(b, s)
	return &SecureString{data: b}
}

// Reveal returns the plaintext value. Returns "" after Zero; a use-after-
// zero is logged once per instance since it usually means a lifecycle bug.
func (s *SecureString) Reveal() string {
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.data == nil {
		if s.warnedOnce.CompareAndSwap(false, true) {
			log.Warn("secure string revealed after zeroing")
		}
		return ""
	}
	return string(s.data)
}

// IsZeroed reports whether Zero has been called.
func (s *SecureString) IsZeroed() bool {
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.data == nil
}

// Zero overwrites the backing byte slice with zeros.
func (s *SecureString) Zero() {
	if s == nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.data {
		s.data[i] = 0
	}
	s.data = nil
}

// String implements fmt.Stringer with a redacted representation.
func (s *SecureString) String() string {
	return "[REDACTED]"
}

// GoString implements fmt.GoStringer with a redacted representation.
func (s *SecureString) GoString() string {
	return "[REDACTED]"
}

// Format implements fmt.Formatter so every verb, %q included, prints the
// bare "[REDACTED]" marker.
func (s *SecureString) Format(f fmt.State, verb rune) {
	_, _ = f.Write([]byte("[REDACTED]"))
}

// MarshalText implements encoding.TextMarshaler, redacted.
func (s *SecureString) MarshalText() ([]byte, error) {
	return []byte("[REDACTED]"), nil
}

// MarshalJSON implements json.Marshaler, redacted.
func (s *SecureString) MarshalJSON() ([]byte, error) {
	return []byte(`"[REDACTED]"`), nil
}

// UnmarshalJSON always fails: secrets must not arrive via JSON.
func (s *SecureString) UnmarshalJSON([]byte) error {
	return errors.New("secmem: secure strings cannot be unmarshalled")
}

package server

import (
	"errors"
	"fmt"

	"github.com/msteinert/pam/v2"

	"github.com/lamco-admin/lamco-rdp/internal/rdp"
)

// pamService is the PAM service name consulted for auth_method = "pam".
const pamService = "lamco-rdp"

var ErrAuthFailed = errors.New("server: authentication failed")

// Authenticator validates the identity negotiated by the RDP handshake
// and returns the credentials to hand the protocol library. Even the
// none authenticator returns a (empty) credential set: the library's
// security exchange requires credentials to be present, and omitting
// them surfaces as an opaque 0x904 negotiation error.
type Authenticator interface {
	Authenticate(username, password, domain string) (rdp.Credentials, error)
	Method() string
}

// NewAuthenticator builds the authenticator for the configured method.
func NewAuthenticator(method string) (Authenticator, error) {
	switch method {
	case "none", "":
		return noneAuthenticator{}, nil
	case "pam":
		return pamAuthenticator{}, nil
	default:
		return nil, fmt.Errorf("server: unknown auth method %q", method)
	}
}

// noneAuthenticator accepts everyone but still produces the required
// empty credential set.
type noneAuthenticator struct{}

func (noneAuthenticator) Method() string { return "none" }

func (noneAuthenticator) Authenticate(username, password, domain string) (rdp.Credentials, error) {
	return rdp.Credentials{}, nil
}

// pamAuthenticator validates against the local PAM stack.
type pamAuthenticator struct{}

func (pamAuthenticator) Method() string { return "pam" }

func (pamAuthenticator) Authenticate(username, password, domain string) (rdp.Credentials, error) {
	tx, err := pam.StartFunc(pamService, username, func(style pam.Style, msg string) (string, error) {
		switch style {
		case pam.PromptEchoOff, pam.PromptEchoOn:
			return password, nil
		case pam.ErrorMsg, pam.TextInfo:
			return "", nil
		default:
			return "", fmt.Errorf("unsupported PAM conversation style %d", style)
		}
	})
	if err != nil {
		return rdp.Credentials{}, fmt.Errorf("pam start: %w", err)
	}
	defer func() { _ = tx.End() }()

	if err := tx.Authenticate(0); err != nil {
		return rdp.Credentials{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	if err := tx.AcctMgmt(0); err != nil {
		return rdp.Credentials{}, fmt.Errorf("%w: account: %v", ErrAuthFailed, err)
	}

	return rdp.Credentials{Username: username, Password: password, Domain: domain}, nil
}

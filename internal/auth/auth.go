// Package auth checks relay credentials.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/p2pvoice/voicelink/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns nil when cfg disables auth.
func NewVerifier(cfg config.Config) (Verifier, error) {
	switch cfg.AuthMode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeAPIKey:
		return APIKeyVerifier{Expected: cfg.APIKey}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", cfg.AuthMode)
	}
}

// Authorizer gates relay connections. The zero value admits everyone.
type Authorizer struct {
	mode     config.AuthMode
	verifier Verifier
}

func NewAuthorizer(cfg config.Config) (Authorizer, error) {
	v, err := NewVerifier(cfg)
	if err != nil {
		return Authorizer{}, err
	}
	return Authorizer{mode: cfg.AuthMode, verifier: v}, nil
}

func (a Authorizer) Enabled() bool { return a.verifier != nil }

// Authorize checks credential, falling back to the request headers and query
// string when it is empty.
func (a Authorizer) Authorize(r *http.Request, credential string) error {
	if a.verifier == nil {
		return nil
	}
	cred := strings.TrimSpace(credential)
	if cred == "" {
		var err error
		cred, err = CredentialFromRequest(a.mode, r)
		if err != nil {
			return err
		}
	}
	return a.verifier.Verify(cred)
}

// CredentialFromRequest reads an API key from X-API-Key, an
// "Authorization: ApiKey|Bearer <key>" header, or the apiKey query parameter,
// in that order.
func CredentialFromRequest(mode config.AuthMode, r *http.Request) (string, error) {
	switch mode {
	case config.AuthModeNone:
		return "", nil
	case config.AuthModeAPIKey:
	default:
		return "", fmt.Errorf("unsupported auth mode %q", mode)
	}
	if r == nil {
		return "", ErrMissingCredentials
	}
	if v := strings.TrimSpace(r.Header.Get("X-API-Key")); v != "" {
		return v, nil
	}
	if scheme, value, ok := strings.Cut(strings.TrimSpace(r.Header.Get("Authorization")), " "); ok {
		switch strings.ToLower(scheme) {
		case "apikey", "bearer":
			if v := strings.TrimSpace(value); v != "" {
				return v, nil
			}
		}
	}
	if v := strings.TrimSpace(r.URL.Query().Get("apiKey")); v != "" {
		return v, nil
	}
	return "", ErrMissingCredentials
}

// IsUnauthorized reports whether err is a credential failure rather than a
// configuration problem.
func IsUnauthorized(err error) bool {
	return errors.Is(err, ErrMissingCredentials) || errors.Is(err, ErrInvalidCredentials)
}

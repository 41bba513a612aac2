// Package auth verifies the credential a peer presents when it opens a
// signaling connection to the rendezvous hub.
package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/wilsonzlin/aero/proxy/webrtc-mesh/internal/config"
)

var (
	ErrMissingCredentials = errors.New("missing credentials")
	ErrInvalidCredentials = errors.New("invalid credentials")
)

type Verifier interface {
	Verify(credential string) error
}

// NewVerifier returns nil for AuthModeNone; callers skip verification then.
func NewVerifier(mode config.AuthMode, token string) (Verifier, error) {
	switch mode {
	case config.AuthModeNone:
		return nil, nil
	case config.AuthModeToken:
		if token == "" {
			return nil, errors.New("token auth requires a non-empty token")
		}
		return TokenVerifier{Expected: token}, nil
	default:
		return nil, fmt.Errorf("unsupported auth mode %q", mode)
	}
}

// CredentialFromRequest extracts a bearer token from the Authorization header,
// falling back to the token query parameter for clients that cannot set
// headers on a WebSocket handshake.
func CredentialFromRequest(r *http.Request) (string, error) {
	if h := strings.TrimSpace(r.Header.Get("Authorization")); h != "" {
		scheme, cred, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "Bearer") || strings.TrimSpace(cred) == "" {
			return "", ErrInvalidCredentials
		}
		return strings.TrimSpace(cred), nil
	}
	if token := r.URL.Query().Get("token"); token != "" {
		return token, nil
	}
	return "", ErrMissingCredentials
}

// BearerHeader builds the handshake header a client sends to present token.
func BearerHeader(token string) http.Header {
	h := http.Header{}
	if token != "" {
		h.Set("Authorization", "Bearer "+token)
	}
	return h
}

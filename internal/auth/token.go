package auth

import "crypto/subtle"

// TokenVerifier accepts exactly one shared token.
type TokenVerifier struct {
	Expected string
}

func (v TokenVerifier) Verify(token string) error {
	if token == "" || v.Expected == "" {
		return ErrInvalidCredentials
	}
	if subtle.ConstantTimeCompare([]byte(token), []byte(v.Expected)) != 1 {
		return ErrInvalidCredentials
	}
	return nil
}

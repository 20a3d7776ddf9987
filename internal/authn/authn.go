// Package authn authenticates inbound API requests.
package authn

import (
	"errors"
	"net/http"
	"strings"
)

var (
	ErrUnauthenticated    = errors.New("unauthenticated")
	ErrMissingBearerToken = errors.New("missing bearer token")
)

type Authenticator interface {
	// Authenticate returns a nil error if the request is authenticated or a
	// non-nil error with an appropriate error cause otherwise.
	Authenticate(r *http.Request) error

	// Close releases any resource held by the authenticator.
	Close()
}

type NoopAuthenticator struct{}

var _ Authenticator = (*NoopAuthenticator)(nil)

func (n NoopAuthenticator) Authenticate(*http.Request) error { return nil }

func (n NoopAuthenticator) Close() {}

// BearerToken extracts the token of an "Authorization: Bearer <token>"
// header. The scheme is matched case-insensitively.
func BearerToken(r *http.Request) (string, error) {
	scheme, token, ok := strings.Cut(r.Header.Get("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", ErrMissingBearerToken
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", ErrMissingBearerToken
	}
	return token, nil
}

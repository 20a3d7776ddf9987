package presharedkey

import (
	"crypto/subtle"
	"errors"
	"net/http"

	"github.com/polyquery/polyquery/internal/authn"
)

type PresharedKeyAuthenticator struct {
	validKeys [][]byte
}

var _ authn.Authenticator = (*PresharedKeyAuthenticator)(nil)

func NewPresharedKeyAuthenticator(validKeys []string) (*PresharedKeyAuthenticator, error) {
	if len(validKeys) < 1 {
		return nil, errors.New("invalid auth configuration, please specify at least one key")
	}
	keys := make([][]byte, 0, len(validKeys))
	for _, k := range validKeys {
		if k == "" {
			return nil, errors.New("invalid auth configuration, preshared keys must not be empty")
		}
		keys = append(keys, []byte(k))
	}

	return &PresharedKeyAuthenticator{validKeys: keys}, nil
}

func (pka *PresharedKeyAuthenticator) Authenticate(r *http.Request) error {
	token, err := authn.BearerToken(r)
	if err != nil {
		return err
	}

	for _, k := range pka.validKeys {
		if subtle.ConstantTimeCompare(k, []byte(token)) == 1 {
			return nil
		}
	}
	return authn.ErrUnauthenticated
}

func (pka *PresharedKeyAuthenticator) Close() {}

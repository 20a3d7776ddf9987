// Package encrypter seals byte slices with a symmetric key.
package encrypter

import "github.com/go-errors/errors"

// ErrUnsealFailed is returned for payloads that were not sealed by the same
// key and associated data, or that were altered afterwards.
var ErrUnsealFailed = errors.New("sealed payload could not be authenticated")

// Encrypter seals and opens opaque payloads. Empty input passes through
// unchanged in both directions.
type Encrypter interface {
	Encrypt([]byte) ([]byte, error)
	Decrypt([]byte) ([]byte, error)
}

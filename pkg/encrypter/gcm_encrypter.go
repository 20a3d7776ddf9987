package encrypter

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"

	"github.com/go-errors/errors"
)

// GCMEncrypter seals with AES-256-GCM. The key is derived from a passphrase
// with SHA-256 and every payload carries its own random nonce.
type GCMEncrypter struct {
	aead       cipher.AEAD
	associated []byte
}

var _ Encrypter = (*GCMEncrypter)(nil)

type GCMOption func(*GCMEncrypter)

// WithAssociatedData binds sealed payloads to ad. Opening them with
// different associated data fails.
func WithAssociatedData(ad []byte) GCMOption {
	return func(e *GCMEncrypter) {
		e.associated = ad
	}
}

func NewGCMEncrypter(passphrase string, opts ...GCMOption) (*GCMEncrypter, error) {
	if passphrase == "" {
		return nil, errors.New("encryption passphrase is empty")
	}

	key := sha256.Sum256([]byte(passphrase))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.Wrap(err, 0)
	}

	e := &GCMEncrypter{aead: aead}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Encrypt returns nonce || ciphertext || tag.
func (e *GCMEncrypter) Encrypt(plain []byte) ([]byte, error) {
	if len(plain) == 0 {
		return plain, nil
	}

	size := e.aead.NonceSize()
	nonce := make([]byte, size, size+len(plain)+e.aead.Overhead())
	if _, err := rand.Read(nonce); err != nil {
		return nil, errors.Wrap(err, 0)
	}
	return e.aead.Seal(nonce, nonce, plain, e.associated), nil
}

func (e *GCMEncrypter) Decrypt(sealed []byte) ([]byte, error) {
	if len(sealed) == 0 {
		return sealed, nil
	}

	size := e.aead.NonceSize()
	if len(sealed) < size+e.aead.Overhead() {
		return nil, ErrUnsealFailed
	}
	plain, err := e.aead.Open(nil, sealed[:size], sealed[size:], e.associated)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plain, nil
}

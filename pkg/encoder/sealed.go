package encoder

import (
	"github.com/polyquery/polyquery/pkg/encrypter"
)

// SealedEncoder encrypts before encoding and decodes before decrypting.
type SealedEncoder struct {
	encrypter encrypter.Encrypter
	encoder   Encoder
}

var _ Encoder = (*SealedEncoder)(nil)

func NewSealedEncoder(e encrypter.Encrypter, inner Encoder) *SealedEncoder {
	return &SealedEncoder{encrypter: e, encoder: inner}
}

func (e *SealedEncoder) Encode(data []byte) (string, error) {
	sealed, err := e.encrypter.Encrypt(data)
	if err != nil {
		return "", err
	}
	return e.encoder.Encode(sealed)
}

func (e *SealedEncoder) Decode(s string) ([]byte, error) {
	sealed, err := e.encoder.Decode(s)
	if err != nil {
		return nil, err
	}
	return e.encrypter.Decrypt(sealed)
}

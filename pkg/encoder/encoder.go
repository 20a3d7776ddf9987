// Package encoder turns continuation tokens into opaque strings, optionally
// sealing them so clients cannot read or forge them.
package encoder

import (
	"github.com/polyquery/polyquery/pkg/encrypter"
)

type Encoder interface {
	Decode(string) ([]byte, error)
	Encode([]byte) (string, error)
}

var cursorAssociatedData = []byte("polyquery/continuation-token")

// NewTokenEncoderFromKey returns a plain base64 encoder when key is empty and
// an AES-GCM sealing encoder otherwise.
func NewTokenEncoderFromKey(key string) (Encoder, error) {
	if key == "" {
		return NewBase64Encoder(), nil
	}
	gcm, err := encrypter.NewGCMEncrypter(key, encrypter.WithAssociatedData(cursorAssociatedData))
	if err != nil {
		return nil, err
	}
	return NewSealedEncoder(gcm, NewBase64Encoder()), nil
}

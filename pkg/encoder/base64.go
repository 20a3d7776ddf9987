package encoder

import "encoding/base64"

// Base64Encoder writes URL-safe base64 without padding, so tokens can be
// placed in query strings as is. Decode also accepts padded input.
type Base64Encoder struct{}

var _ Encoder = (*Base64Encoder)(nil)

func NewBase64Encoder() *Base64Encoder {
	return &Base64Encoder{}
}

func (e *Base64Encoder) Encode(data []byte) (string, error) {
	return base64.RawURLEncoding.EncodeToString(data), nil
}

func (e *Base64Encoder) Decode(s string) ([]byte, error) {
	if len(s)%4 != 0 {
		return base64.RawURLEncoding.DecodeString(s)
	}
	return base64.URLEncoding.DecodeString(s)
}

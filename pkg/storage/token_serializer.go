package storage

import (
	"bytes"
	"encoding/json"
	"errors"

	"github.com/polyquery/polyquery/pkg/encoder"
)

var (
	errEmptyToken = errors.New("empty continuation token")

	plainTokens = encoder.NewBase64Encoder()
)

// EncodeToken serializes v as base64 URL-safe JSON. Adapters use it for
// their native continuation tokens.
func EncodeToken(v any) (string, error) {
	return EncodeTokenWith(plainTokens, v)
}

// DecodeToken reverses EncodeToken.
func DecodeToken(token string, v any) error {
	return DecodeTokenWith(plainTokens, token, v)
}

// EncodeTokenWith serializes v as JSON and hands it to enc.
func EncodeTokenWith(enc encoder.Encoder, v any) (string, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return enc.Encode(b)
}

// DecodeTokenWith reverses EncodeTokenWith. Numbers decode as json.Number
// so keys round-trip without float rounding.
func DecodeTokenWith(enc encoder.Encoder, token string, v any) error {
	if token == "" {
		return errEmptyToken
	}
	decoded, err := enc.Decode(token)
	if err != nil {
		return err
	}
	dec := json.NewDecoder(bytes.NewReader(decoded))
	dec.UseNumber()
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

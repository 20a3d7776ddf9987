package router

import (
	"fmt"
	"slices"

	"github.com/polyquery/polyquery/pkg/encoder"
	pqerrors "github.com/polyquery/polyquery/pkg/errors"
	"github.com/polyquery/polyquery/pkg/storage"
)

// cursor is the router's continuation token. Sources are read one after the
// other in registration order: Source indexes the one being read and Token
// is its native continuation token.
type cursor struct {
	Entity  string   `json:"e"`
	Sources []string `json:"s"`
	Source  int      `json:"i,omitempty"`
	Token   string   `json:"t,omitempty"`
}

func decodeCursor(tokens encoder.Encoder, token, entity string, sources []string) (*cursor, error) {
	if token == "" {
		return &cursor{Entity: entity, Sources: sources}, nil
	}

	var c cursor
	if err := storage.DecodeTokenWith(tokens, token, &c); err != nil {
		return nil, invalidCursor(entity, "malformed continuation token: %v", err)
	}
	if c.Entity != entity {
		return nil, invalidCursor(entity, "continuation token was issued for entity %q", c.Entity)
	}
	if !slices.Equal(c.Sources, sources) {
		return nil, invalidCursor(entity, "continuation token does not match the request's sources")
	}
	if c.Source < 0 || c.Source >= len(c.Sources) {
		return nil, invalidCursor(entity, "continuation token has no pending source")
	}
	return &c, nil
}

func invalidCursor(entity, format string, args ...any) error {
	return pqerrors.New(pqerrors.KindInvalidCursor, format, args...).WithEntity(entity)
}

func (c *cursor) backend() string {
	return c.Sources[c.Source]
}

func (c *cursor) done() bool {
	return c.Source >= len(c.Sources)
}

// next returns the cursor after a page of the current source whose native
// continuation token is token. An empty token moves on to the next source.
func (c *cursor) next(token string) *cursor {
	n := &cursor{Entity: c.Entity, Sources: c.Sources, Source: c.Source, Token: token}
	if token == "" {
		n.Source++
	}
	return n
}

// encode returns the empty token once every source is exhausted.
func (c *cursor) encode(tokens encoder.Encoder) (string, error) {
	if c.done() {
		return "", nil
	}
	token, err := storage.EncodeTokenWith(tokens, c)
	if err != nil {
		return "", fmt.Errorf("encode continuation token: %w", err)
	}
	return token, nil
}

// Package redis implements cache.Store on top of a Redis deployment so that
// lookup responses are shared between replicas.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/polyquery/polyquery/pkg/cache"
)

type options func(s *Handle)

type Handle struct {
	db             int
	ttl            time.Duration
	addrs          []string
	prefix         string
	userCredential string
	passCredential string
	client         redis.UniversalClient
}

var _ cache.Store = (*Handle)(nil)

var (
	ErrTTLMissing  = fmt.Errorf("TTL must be specified")
	ErrAddrMissing = fmt.Errorf("redis addresses must be specified")
)

// WithTTL Cached item Time To Live (TTL)
func WithTTL(ttl time.Duration) options {
	return func(h *Handle) {
		h.ttl = ttl
	}
}

// WithAddr takes a comma separated list of host:port pairs.
func WithAddr(addrs string) options {
	return func(h *Handle) {
		for _, a := range strings.Split(addrs, ",") {
			if a = strings.TrimSpace(a); a != "" {
				h.addrs = append(h.addrs, a)
			}
		}
	}
}

func WithUserCredential(credential string) options {
	return func(h *Handle) {
		h.userCredential = credential
	}
}

func WithPassCredential(credential string) options {
	return func(h *Handle) {
		h.passCredential = credential
	}
}

func WithDatabase(db int) options {
	return func(h *Handle) {
		h.db = db
	}
}

// WithKeyPrefix namespaces every key, so several deployments can share one
// Redis database.
func WithKeyPrefix(prefix string) options {
	return func(h *Handle) {
		h.prefix = prefix
	}
}

// New create new instance cache
func New(opts ...options) (*Handle, error) {
	h := &Handle{prefix: "polyquery:"}

	for _, opt := range opts {
		opt(h)
	}

	if err := h.validate(); err != nil {
		return nil, err
	}

	h.client = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    h.addrs,
		DB:       h.db,
		Username: h.userCredential,
		Password: h.passCredential,
	})

	return h, nil
}

func (h *Handle) validate() error {
	if len(h.addrs) == 0 {
		return ErrAddrMissing
	}

	if h.ttl <= 0 {
		return ErrTTLMissing
	}

	return nil
}

// Ping returns the Redis server liveliness response
func (h *Handle) Ping(ctx context.Context) error {
	return h.client.Ping(ctx).Err()
}

// Close closes the server connection
func (h *Handle) Close() error {
	return h.client.Close()
}

// Del Removes the specified keys. A key is ignored if it does not exist.
func (h *Handle) Del(ctx context.Context, keys ...string) error {
	return h.client.Del(ctx, h.keys(keys)...).Err()
}

// Exists returns true/false the specified key exist
func (h *Handle) Exists(ctx context.Context, keys ...string) (bool, error) {
	exists, err := h.client.Exists(ctx, h.keys(keys)...).Result()
	return exists != 0, err
}

// Get returns the value associated with the key, or cache.ErrKeyNotFound.
func (h *Handle) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := h.client.Get(ctx, h.prefix+key).Bytes()
	switch {
	case errors.Is(err, redis.Nil):
		return nil, cache.ErrKeyNotFound
	case err != nil:
		return nil, err
	default:
		return b, nil
	}
}

// Set key to hold the value for the configured TTL. If key already holds a
// value, it is overwritten.
func (h *Handle) Set(ctx context.Context, key string, value []byte) error {
	return h.client.Set(ctx, h.prefix+key, value, h.ttl).Err()
}

func (h *Handle) keys(keys []string) []string {
	out := make([]string, len(keys))
	for i, k := range keys {
		out[i] = h.prefix + k
	}
	return out
}

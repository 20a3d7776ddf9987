// Package cache provides the in-process LRU used for compiled formulas and
// the byte stores used for auxiliary lookup responses.
package cache

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/karlseguin/ccache/v3"
)

const defaultMaxCacheSize = 10000

// NoExpiration is a TTL long enough that entries only leave by eviction.
const NoExpiration = 100 * 365 * 24 * time.Hour

var ErrKeyNotFound = errors.New("key not found")

// InMemoryCache is a general purpose cache to store things in memory.
type InMemoryCache[T any] interface {
	// Get returns the value and true if the key exists and has not expired.
	Get(key string) (T, bool)
	Set(key string, value T, ttl time.Duration)
	Delete(key string)

	// Stop cleans resources.
	Stop()
}

type InMemoryLRUCache[T any] struct {
	ccache      *ccache.Cache[T]
	maxElements int64
	closeOnce   *sync.Once
}

type InMemoryLRUCacheOpt[T any] func(i *InMemoryLRUCache[T])

func WithMaxCacheSize[T any](maxElements int64) InMemoryLRUCacheOpt[T] {
	return func(i *InMemoryLRUCache[T]) {
		if maxElements > 0 {
			i.maxElements = maxElements
		}
	}
}

var _ InMemoryCache[any] = (*InMemoryLRUCache[any])(nil)

func NewInMemoryLRUCache[T any](opts ...InMemoryLRUCacheOpt[T]) *InMemoryLRUCache[T] {
	t := &InMemoryLRUCache[T]{
		maxElements: defaultMaxCacheSize,
		closeOnce:   &sync.Once{},
	}

	for _, opt := range opts {
		opt(t)
	}

	t.ccache = ccache.New(ccache.Configure[T]().MaxSize(t.maxElements))
	return t
}

func (i *InMemoryLRUCache[T]) Get(key string) (T, bool) {
	var zero T
	item := i.ccache.Get(key)
	if item == nil || item.Expired() {
		return zero, false
	}
	return item.Value(), true
}

func (i *InMemoryLRUCache[T]) Set(key string, value T, ttl time.Duration) {
	i.ccache.Set(key, value, ttl)
}

func (i *InMemoryLRUCache[T]) Delete(key string) {
	i.ccache.Delete(key)
}

// ItemCount is the number of entries currently held, expired or not.
func (i *InMemoryLRUCache[T]) ItemCount() int {
	return i.ccache.ItemCount()
}

func (i *InMemoryLRUCache[T]) Stop() {
	i.closeOnce.Do(func() {
		i.ccache.Stop()
	})
}

// Store is a byte cache keyed by string, shared by every request.
type Store interface {
	// Get returns ErrKeyNotFound when the key is absent or expired.
	Get(ctx context.Context, key string) ([]byte, error)
	// Set stores value under key for the store's configured TTL.
	Set(ctx context.Context, key string, value []byte) error
	Ping(ctx context.Context) error
	Close() error
}

// MemoryStore is a Store kept in an in-process LRU.
type MemoryStore struct {
	lru *InMemoryLRUCache[[]byte]
	ttl time.Duration
}

var _ Store = (*MemoryStore)(nil)

func NewMemoryStore(ttl time.Duration, maxElements int64) *MemoryStore {
	return &MemoryStore{
		lru: NewInMemoryLRUCache(WithMaxCacheSize[[]byte](maxElements)),
		ttl: ttl,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	v, ok := m.lru.Get(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return v, nil
}

func (m *MemoryStore) Set(_ context.Context, key string, value []byte) error {
	m.lru.Set(key, value, m.ttl)
	return nil
}

func (m *MemoryStore) Ping(context.Context) error {
	return nil
}

func (m *MemoryStore) Close() error {
	m.lru.Stop()
	return nil
}

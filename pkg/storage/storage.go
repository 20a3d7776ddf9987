// Package storage defines the contract every backend adapter fulfils and
// the helpers they share: cursor encoding, batched paging and error
// classification.
//
//go:generate mockgen -source storage.go -destination ../../internal/mocks/mock_storage.go -package mocks Adapter
package storage

import (
	"context"

	"github.com/polyquery/polyquery/pkg/filter"
	"github.com/polyquery/polyquery/pkg/record"
)

const (
	DefaultPageSize  = 50
	DefaultBatchSize = 100
)

// Kind is the family of native API an adapter speaks.
type Kind string

const (
	KindRelational    Kind = "relational"
	KindGraphDocument Kind = "graph-document"
	KindDocument      Kind = "document"
)

func (k Kind) Valid() bool {
	switch k {
	case KindRelational, KindGraphDocument, KindDocument:
		return true
	}
	return false
}

// RawRow is a native row or document keyed by native field names.
type RawRow = map[string]any

// FetchRequest asks an adapter for one page of an entity. Filter has been
// bound to the entity schema and refers to canonical field names.
type FetchRequest struct {
	Entity     string
	Filter     filter.Predicate
	Cursor     string
	PageSize   int
	Descending bool
}

// RawPage is a page of native rows. Next is the adapter's own
// continuation token and is empty once the collection is exhausted.
type RawPage struct {
	Rows []RawRow
	Next string
}

// Adapter is a backend-specific implementation of the fetch and normalize
// capabilities. Implementations are safe for concurrent use: every native
// call checks a session out of the adapter's pool for its duration.
type Adapter interface {
	// Name is the configured backend name, unique per process.
	Name() string

	Kind() Kind

	// Fetch returns one page of native rows matching the request. Adapters
	// never retry; a lost or refused connection is a BackendUnavailable
	// error, a cancelled context is a Cancelled error.
	Fetch(ctx context.Context, req FetchRequest) (*RawPage, error)

	// Normalize converts rows previously returned by Fetch for entity into
	// canonical records with the entity's full key set.
	Normalize(ctx context.Context, entity string, rows []RawRow) ([]*record.Record, error)

	// Insert writes canonical records of entity and returns how many were
	// written.
	Insert(ctx context.Context, entity string, records []*record.Record) (int, error)

	// IsReady reports whether the backend is ready to accept traffic.
	IsReady(ctx context.Context) (ReadinessStatus, error)

	// Close releases the adapter's connections.
	Close()
}

// ReadinessStatus represents the readiness status of the backend.
type ReadinessStatus struct {
	// Message is a human-friendly status message for the current backend status.
	Message string

	IsReady bool
}

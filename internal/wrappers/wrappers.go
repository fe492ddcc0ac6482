// Package wrappers composes the cross-cutting layers every storage or
// index handle is wrapped in: tracing, contract validation, retry with
// backoff, write-through caching, and metering.
//
// Each wrapper is generic over a capability set ([Storage], [PrimaryIndex],
// [FullTextIndex]) and invokes only the next inner layer's contract, never
// a peer's. Factories in pkg/kotadb apply them in the fixed order
// tracing → validation → retry → cache → metering (outermost first), so
// every call site receives the same guarantees. Test doubles replace only
// the innermost layer — a real engine in a temp directory, not a mock.
package wrappers

import (
	"context"

	"github.com/jayminwest/kotadb/internal/btree"
	"github.com/jayminwest/kotadb/internal/trigram"
	"github.com/jayminwest/kotadb/pkg/types"
)

// Storage is the capability set of the document storage engine.
// Implemented by pagestore.Store and by every storage wrapper.
type Storage interface {
	Insert(ctx context.Context, doc *types.Document) error
	Update(ctx context.Context, doc *types.Document) error
	Delete(ctx context.Context, id types.DocumentID) (bool, error)

	// Get returns (nil, nil) for an absent id; errors are reserved for
	// failures (corruption, I/O, cancelled).
	Get(ctx context.Context, id types.DocumentID) (*types.Document, error)

	List(ctx context.Context, offset, limit int) ([]*types.Document, error)
	Flush(ctx context.Context) error
}

// PrimaryIndex is the capability set of the path → id index.
type PrimaryIndex interface {
	Insert(path types.Path, id types.DocumentID) error
	Delete(path types.Path) (bool, error)
	Get(path types.Path) (types.DocumentID, bool)
	Scan(prefix string, limit int) []btree.Pair
	ListAll(limit int) []btree.Pair
}

// FullTextIndex is the capability set of the trigram index.
type FullTextIndex interface {
	InsertWithContent(id types.DocumentID, text string) error
	UpdateWithContent(id types.DocumentID, text string) error
	Delete(id types.DocumentID) bool
	Search(query string, limit int) []trigram.Hit
}

package wrappers

import (
	"context"
	"fmt"

	"github.com/jayminwest/kotadb/internal/btree"
	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/types"
)

// ValidatedStorage re-checks contract preconditions on inputs and
// postconditions on outputs, failing fast with a structured error instead
// of letting a violation propagate as silent bad state.
type ValidatedStorage struct {
	inner Storage
}

func NewValidatedStorage(inner Storage) *ValidatedStorage {
	return &ValidatedStorage{inner: inner}
}

func (v *ValidatedStorage) Insert(ctx context.Context, doc *types.Document) error {
	if err := doc.Validate(); err != nil {
		return kerr.Wrap("validated insert", err)
	}

	return v.inner.Insert(ctx, doc)
}

func (v *ValidatedStorage) Update(ctx context.Context, doc *types.Document) error {
	if err := doc.Validate(); err != nil {
		return kerr.Wrap("validated update", err)
	}

	return v.inner.Update(ctx, doc)
}

func (v *ValidatedStorage) Delete(ctx context.Context, id types.DocumentID) (bool, error) {
	if id.IsZero() {
		return false, kerr.Invalid("validated delete", "nil document id")
	}

	return v.inner.Delete(ctx, id)
}

// Get checks the postcondition that a returned document carries the
// requested id; a mismatch means index or storage corruption.
func (v *ValidatedStorage) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	if id.IsZero() {
		return nil, kerr.Invalid("validated get", "nil document id")
	}

	doc, err := v.inner.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	if doc != nil && doc.ID.Compare(id) != 0 {
		return nil, fmt.Errorf("validated get %s: %w: storage returned document %s",
			id, kerr.ErrCorruption, doc.ID)
	}

	return doc, nil
}

func (v *ValidatedStorage) List(ctx context.Context, offset, limit int) ([]*types.Document, error) {
	if offset < 0 || limit < 0 {
		return nil, kerr.Invalid("validated list", "negative offset or limit")
	}

	docs, err := v.inner.List(ctx, offset, limit)
	if err != nil {
		return nil, err
	}

	if limit > 0 && len(docs) > limit {
		return nil, fmt.Errorf("validated list: %w: %d documents exceed limit %d",
			kerr.ErrCorruption, len(docs), limit)
	}

	return docs, nil
}

func (v *ValidatedStorage) Flush(ctx context.Context) error {
	return v.inner.Flush(ctx)
}

// ValidatedPrimary guards the primary index contract.
type ValidatedPrimary struct {
	inner PrimaryIndex
}

func NewValidatedPrimary(inner PrimaryIndex) *ValidatedPrimary {
	return &ValidatedPrimary{inner: inner}
}

func (v *ValidatedPrimary) Insert(path types.Path, id types.DocumentID) error {
	if path.IsZero() {
		return kerr.Invalid("validated primary insert", "empty path")
	}

	if id.IsZero() {
		return kerr.Invalid("validated primary insert", "nil document id")
	}

	return v.inner.Insert(path, id)
}

func (v *ValidatedPrimary) Delete(path types.Path) (bool, error) {
	if path.IsZero() {
		return false, kerr.Invalid("validated primary delete", "empty path")
	}

	return v.inner.Delete(path)
}

func (v *ValidatedPrimary) Get(path types.Path) (types.DocumentID, bool) {
	return v.inner.Get(path)
}

func (v *ValidatedPrimary) Scan(prefix string, limit int) []btree.Pair {
	return v.inner.Scan(prefix, limit)
}

func (v *ValidatedPrimary) ListAll(limit int) []btree.Pair {
	return v.inner.ListAll(limit)
}

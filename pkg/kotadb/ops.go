package kotadb

import (
	"context"
	"fmt"
	"unicode/utf8"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/types"
)

// Create builds, validates, and persists a new document, returning its id.
// The path must be unused; a collision fails with [kerr.ErrAlreadyExists].
//
// Effects land in order: WAL + pages, then the primary index, then the
// trigram index (when the content is valid UTF-8), then the cache.
func (db *DB) Create(
	ctx context.Context,
	path, title string,
	content []byte,
	tags []string,
	metadata map[string]string,
) (types.DocumentID, error) {
	const op = "create"

	if err := db.checkOpen(); err != nil {
		return types.DocumentID{}, kerr.Wrap(op, err)
	}

	doc, err := new(types.DocumentBuilder).
		WithPath(path).
		WithTitle(title).
		WithContent(content).
		WithTags(tags...).
		WithMetadata(metadata).
		Build()
	if err != nil {
		return types.DocumentID{}, kerr.Wrap(op, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	// The path uniqueness check and the insert run under the same write
	// lock window in the engine; checking here first gives the caller a
	// clean AlreadyExists before any I/O.
	if existing, ok := db.primary.Get(doc.Path); ok {
		return types.DocumentID{}, fmt.Errorf("%s %s: %w: path held by %s",
			op, doc.Path, kerr.ErrAlreadyExists, existing)
	}

	err = db.storage.Insert(ctx, doc)
	if err != nil {
		return types.DocumentID{}, kerr.Wrap(op, err)
	}

	err = db.primary.Insert(doc.Path, doc.ID)
	if err != nil {
		// Compensate so storage and index stay consistent.
		_, _ = db.storage.Delete(ctx, doc.ID)

		return types.DocumentID{}, kerr.Wrap(op, err)
	}

	err = db.indexContent(doc, false)
	if err != nil {
		_, _ = db.primary.Delete(doc.Path)
		_, _ = db.storage.Delete(ctx, doc.ID)

		return types.DocumentID{}, kerr.Wrap(op, err)
	}

	return doc.ID, nil
}

// Get returns the document for id, failing with [kerr.ErrNotFound] when it
// does not exist.
func (db *DB) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	const op = "get"

	if err := db.checkOpen(); err != nil {
		return nil, kerr.Wrap(op, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	doc, err := db.storage.Get(ctx, id)
	if err != nil {
		return nil, kerr.Wrap(op, err)
	}

	if doc == nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, kerr.ErrNotFound)
	}

	return doc, nil
}

// Delta carries the fields an Update replaces. Nil fields keep the stored
// value; a non-nil Content replaces the blob wholesale.
type Delta struct {
	Path     *string
	Title    *string
	Content  []byte
	Tags     []string
	Metadata map[string]string
}

// Update applies delta to the stored document and returns the new version.
// CreatedAt is preserved; ModifiedAt is bumped monotonically by the engine.
func (db *DB) Update(ctx context.Context, id types.DocumentID, delta Delta) (*types.Document, error) {
	const op = "update"

	if err := db.checkOpen(); err != nil {
		return nil, kerr.Wrap(op, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	current, err := db.storage.Get(ctx, id)
	if err != nil {
		return nil, kerr.Wrap(op, err)
	}

	if current == nil {
		return nil, fmt.Errorf("%s %s: %w", op, id, kerr.ErrNotFound)
	}

	next, err := applyDelta(current, delta)
	if err != nil {
		return nil, kerr.Wrap(op, err)
	}

	pathChanged := next.Path.String() != current.Path.String()

	if pathChanged {
		if existing, ok := db.primary.Get(next.Path); ok && existing.Compare(id) != 0 {
			return nil, fmt.Errorf("%s %s: %w: path held by %s",
				op, next.Path, kerr.ErrAlreadyExists, existing)
		}
	}

	err = db.storage.Update(ctx, next)
	if err != nil {
		return nil, kerr.Wrap(op, err)
	}

	if pathChanged {
		_, _ = db.primary.Delete(current.Path)

		err = db.primary.Insert(next.Path, id)
		if err != nil {
			return nil, kerr.Wrap(op, err)
		}
	}

	err = db.indexContent(next, true)
	if err != nil {
		return nil, kerr.Wrap(op, err)
	}

	// Re-read so the caller sees the engine-stamped timestamps.
	stored, err := db.storage.Get(ctx, id)
	if err != nil {
		return nil, kerr.Wrap(op, err)
	}

	if stored == nil {
		return nil, fmt.Errorf("%s %s: %w: vanished after update", op, id, kerr.ErrConflict)
	}

	return stored, nil
}

// Delete removes the document and all index entries for id. Idempotent:
// the second delete returns false without error.
func (db *DB) Delete(ctx context.Context, id types.DocumentID) (bool, error) {
	const op = "delete"

	if err := db.checkOpen(); err != nil {
		return false, kerr.Wrap(op, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	doc, err := db.storage.Get(ctx, id)
	if err != nil {
		return false, kerr.Wrap(op, err)
	}

	if doc == nil {
		return false, nil
	}

	deleted, err := db.storage.Delete(ctx, id)
	if err != nil {
		return false, kerr.Wrap(op, err)
	}

	_, _ = db.primary.Delete(doc.Path)
	db.fulltext.Delete(id)

	return deleted, nil
}

// Flush forces the durability barrier: storage (WAL + dirty pages) first,
// then both index snapshots stamped with the resulting generation.
func (db *DB) Flush(ctx context.Context) error {
	const op = "flush"

	if err := db.checkOpen(); err != nil {
		return kerr.Wrap(op, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.storage.Flush(ctx)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	lsn := db.store.LSN()

	err = db.tree.Flush(lsn)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	err = db.index.Flush(db.fsys, db.trigramDir(), lsn)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	return nil
}

// Checkpoint flushes and establishes a durable restart point, truncating
// the WAL behind it.
func (db *DB) Checkpoint(ctx context.Context) error {
	const op = "checkpoint"

	if err := db.checkOpen(); err != nil {
		return kerr.Wrap(op, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	err := db.store.Checkpoint(ctx)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	lsn := db.store.LSN()

	err = db.tree.Flush(lsn)
	if err != nil {
		return kerr.Wrap(op, err)
	}

	return kerr.Wrap(op, db.index.Flush(db.fsys, db.trigramDir(), lsn))
}

// Stats summarizes the database for admin surfaces.
type Stats struct {
	DocCount   int    `json:"doc_count"`
	TotalBytes uint64 `json:"total_bytes"`
	IndexedFTS int    `json:"indexed_fts"`
	PathKeys   int    `json:"path_keys"`
}

// Stats returns document and index counts plus stored byte totals.
func (db *DB) Stats(ctx context.Context) (Stats, error) {
	const op = "stats"

	if err := db.checkOpen(); err != nil {
		return Stats{}, kerr.Wrap(op, err)
	}

	if err := kerr.FromContext(ctx); err != nil {
		return Stats{}, kerr.Wrap(op, err)
	}

	db.mu.RLock()
	defer db.mu.RUnlock()

	return Stats{
		DocCount:   db.store.Count(),
		TotalBytes: db.store.Bytes(),
		IndexedFTS: db.index.Count(),
		PathKeys:   db.tree.Count(),
	}, nil
}

// indexContent maintains the trigram index for doc. Binary (non-UTF-8)
// content is stored but not searchable, so the index entry is dropped
// rather than fed mojibake.
func (db *DB) indexContent(doc *types.Document, update bool) error {
	if !utf8.Valid(doc.Content) {
		db.fulltext.Delete(doc.ID)

		return nil
	}

	text := string(doc.Content)

	if !update {
		return db.fulltext.InsertWithContent(doc.ID, text)
	}

	err := db.fulltext.UpdateWithContent(doc.ID, text)
	if kerr.IsNotFound(err) {
		// First searchable version of a document created with binary content.
		return db.fulltext.InsertWithContent(doc.ID, text)
	}

	return err
}

func (db *DB) trigramDir() string {
	return db.cfg.DataDir + "/trigram"
}

func applyDelta(current *types.Document, delta Delta) (*types.Document, error) {
	b := new(types.DocumentBuilder).WithID(current.ID)

	if delta.Path != nil {
		b = b.WithPath(*delta.Path)
	} else {
		b = b.WithPath(current.Path.String())
	}

	if delta.Title != nil {
		b = b.WithTitle(*delta.Title)
	} else {
		b = b.WithTitle(current.Title.String())
	}

	if delta.Content != nil {
		b = b.WithContent(delta.Content)
	} else {
		b = b.WithContent(current.Content)
	}

	if delta.Tags != nil {
		b = b.WithTags(delta.Tags...)
	} else {
		tags := make([]string, 0, len(current.Tags))
		for _, t := range current.Tags {
			tags = append(tags, t.String())
		}

		b = b.WithTags(tags...)
	}

	if delta.Metadata != nil {
		b = b.WithMetadata(delta.Metadata)
	} else {
		b = b.WithMetadata(current.Metadata)
	}

	modified := types.NowTimestamp()
	if modified.Before(current.CreatedAt) {
		modified = current.CreatedAt
	}

	return b.WithTimestamps(current.CreatedAt, modified).Build()
}

package wrappers

import (
	"context"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/jayminwest/kotadb/internal/btree"
	"github.com/jayminwest/kotadb/internal/trigram"
	"github.com/jayminwest/kotadb/pkg/types"
)

// TracedStorage logs one span per call: a unique operation id, the
// operation kind, key arguments, latency, and outcome. Content is never
// logged, only identifiers and sizes.
type TracedStorage struct {
	inner Storage
	log   *zap.Logger
}

// NewTracedStorage wraps inner with span logging. The logger is injected;
// tests build a fresh one per case so nothing bleeds between stacks.
func NewTracedStorage(inner Storage, log *zap.Logger) *TracedStorage {
	return &TracedStorage{inner: inner, log: log}
}

// span emits the closing log line for one operation.
func span(log *zap.Logger, component, op string, start time.Time, err error, fields ...zap.Field) {
	fields = append(fields,
		zap.String("component", component),
		zap.String("op_id", uuid.NewString()),
		zap.Duration("latency", time.Since(start)),
	)

	if err != nil {
		log.Warn(op, append(fields, zap.Error(err))...)

		return
	}

	log.Debug(op, fields...)
}

func (t *TracedStorage) Insert(ctx context.Context, doc *types.Document) error {
	start := time.Now()
	err := t.inner.Insert(ctx, doc)
	span(t.log, "storage", "insert", start, err,
		zap.String("doc_id", doc.ID.String()),
		zap.Uint64("bytes", doc.Size.Bytes()))

	return err
}

func (t *TracedStorage) Update(ctx context.Context, doc *types.Document) error {
	start := time.Now()
	err := t.inner.Update(ctx, doc)
	span(t.log, "storage", "update", start, err,
		zap.String("doc_id", doc.ID.String()),
		zap.Uint64("bytes", doc.Size.Bytes()))

	return err
}

func (t *TracedStorage) Delete(ctx context.Context, id types.DocumentID) (bool, error) {
	start := time.Now()
	deleted, err := t.inner.Delete(ctx, id)
	span(t.log, "storage", "delete", start, err,
		zap.String("doc_id", id.String()),
		zap.Bool("deleted", deleted))

	return deleted, err
}

func (t *TracedStorage) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	start := time.Now()
	doc, err := t.inner.Get(ctx, id)
	span(t.log, "storage", "get", start, err,
		zap.String("doc_id", id.String()),
		zap.Bool("found", doc != nil))

	return doc, err
}

func (t *TracedStorage) List(ctx context.Context, offset, limit int) ([]*types.Document, error) {
	start := time.Now()
	docs, err := t.inner.List(ctx, offset, limit)
	span(t.log, "storage", "list", start, err,
		zap.Int("offset", offset),
		zap.Int("limit", limit),
		zap.Int("returned", len(docs)))

	return docs, err
}

func (t *TracedStorage) Flush(ctx context.Context) error {
	start := time.Now()
	err := t.inner.Flush(ctx)
	span(t.log, "storage", "flush", start, err)

	return err
}

// TracedPrimary adds span logging over a primary index.
type TracedPrimary struct {
	inner PrimaryIndex
	log   *zap.Logger
}

func NewTracedPrimary(inner PrimaryIndex, log *zap.Logger) *TracedPrimary {
	return &TracedPrimary{inner: inner, log: log}
}

func (t *TracedPrimary) Insert(path types.Path, id types.DocumentID) error {
	start := time.Now()
	err := t.inner.Insert(path, id)
	span(t.log, "primary", "insert", start, err, zap.String("path", path.String()))

	return err
}

func (t *TracedPrimary) Delete(path types.Path) (bool, error) {
	start := time.Now()
	deleted, err := t.inner.Delete(path)
	span(t.log, "primary", "delete", start, err,
		zap.String("path", path.String()), zap.Bool("deleted", deleted))

	return deleted, err
}

func (t *TracedPrimary) Get(path types.Path) (types.DocumentID, bool) {
	start := time.Now()
	id, ok := t.inner.Get(path)
	span(t.log, "primary", "get", start, nil,
		zap.String("path", path.String()), zap.Bool("found", ok))

	return id, ok
}

func (t *TracedPrimary) Scan(prefix string, limit int) []btree.Pair {
	start := time.Now()
	pairs := t.inner.Scan(prefix, limit)
	span(t.log, "primary", "scan", start, nil,
		zap.String("prefix", prefix), zap.Int("returned", len(pairs)))

	return pairs
}

func (t *TracedPrimary) ListAll(limit int) []btree.Pair {
	start := time.Now()
	pairs := t.inner.ListAll(limit)
	span(t.log, "primary", "list_all", start, nil, zap.Int("returned", len(pairs)))

	return pairs
}

// TracedFullText adds span logging over a full-text index. Queries are
// logged truncated; document content never is.
type TracedFullText struct {
	inner FullTextIndex
	log   *zap.Logger
}

func NewTracedFullText(inner FullTextIndex, log *zap.Logger) *TracedFullText {
	return &TracedFullText{inner: inner, log: log}
}

func (t *TracedFullText) InsertWithContent(id types.DocumentID, text string) error {
	start := time.Now()
	err := t.inner.InsertWithContent(id, text)
	span(t.log, "trigram", "insert", start, err,
		zap.String("doc_id", id.String()), zap.Int("bytes", len(text)))

	return err
}

func (t *TracedFullText) UpdateWithContent(id types.DocumentID, text string) error {
	start := time.Now()
	err := t.inner.UpdateWithContent(id, text)
	span(t.log, "trigram", "update", start, err,
		zap.String("doc_id", id.String()), zap.Int("bytes", len(text)))

	return err
}

func (t *TracedFullText) Delete(id types.DocumentID) bool {
	start := time.Now()
	deleted := t.inner.Delete(id)
	span(t.log, "trigram", "delete", start, nil,
		zap.String("doc_id", id.String()), zap.Bool("deleted", deleted))

	return deleted
}

func (t *TracedFullText) Search(query string, limit int) []trigram.Hit {
	start := time.Now()
	hits := t.inner.Search(query, limit)
	span(t.log, "trigram", "search", start, nil,
		zap.String("query", truncate(query, 64)), zap.Int("hits", len(hits)))

	return hits
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}

	return s[:n] + "…"
}

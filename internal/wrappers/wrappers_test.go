package wrappers_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/internal/pagestore"
	"github.com/jayminwest/kotadb/internal/trigram"
	"github.com/jayminwest/kotadb/internal/wrappers"
	"github.com/jayminwest/kotadb/pkg/fs"
	"github.com/jayminwest/kotadb/pkg/types"
)

// openInnerStorage builds the real innermost layer: a page store in a temp
// directory. Wrappers are tested over real storage, not mocks.
func openInnerStorage(t *testing.T) wrappers.Storage {
	t.Helper()

	store, err := pagestore.Open(fs.NewReal(), t.TempDir(), pagestore.Options{
		WALSegmentBytes: 1 << 20,
		FsyncOnCommit:   true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func buildDoc(t *testing.T, path, content string) *types.Document {
	t.Helper()

	doc, err := new(types.DocumentBuilder).
		WithPath(path).
		WithTitle("T").
		WithContent([]byte(content)).
		Build()
	require.NoError(t, err)

	return doc
}

// flakyStorage fails its first n calls with a transient error, then
// delegates. It sits where the page store would, exercising the retry
// wrapper's backoff loop.
type flakyStorage struct {
	wrappers.Storage

	mu        sync.Mutex
	remaining int
}

func (f *flakyStorage) trip() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.remaining > 0 {
		f.remaining--

		return fmt.Errorf("flaky: %w", kerr.ErrTransientIO)
	}

	return nil
}

func (f *flakyStorage) Insert(ctx context.Context, doc *types.Document) error {
	if err := f.trip(); err != nil {
		return err
	}

	return f.Storage.Insert(ctx, doc)
}

func (f *flakyStorage) Get(ctx context.Context, id types.DocumentID) (*types.Document, error) {
	if err := f.trip(); err != nil {
		return nil, err
	}

	return f.Storage.Get(ctx, id)
}

func TestValidatedStorageRejectsBadInputs(t *testing.T) {
	t.Parallel()

	v := wrappers.NewValidatedStorage(openInnerStorage(t))
	ctx := context.Background()

	err := v.Insert(ctx, &types.Document{})
	require.ErrorIs(t, err, kerr.ErrInvalidInput)

	_, err = v.Get(ctx, types.DocumentID{})
	require.ErrorIs(t, err, kerr.ErrInvalidInput)

	_, err = v.Delete(ctx, types.DocumentID{})
	require.ErrorIs(t, err, kerr.ErrInvalidInput)

	_, err = v.List(ctx, -1, 0)
	require.ErrorIs(t, err, kerr.ErrInvalidInput)
}

func TestValidatedStoragePassesGoodCalls(t *testing.T) {
	t.Parallel()

	v := wrappers.NewValidatedStorage(openInnerStorage(t))
	ctx := context.Background()

	doc := buildDoc(t, "/a", "content")
	require.NoError(t, v.Insert(ctx, doc))

	got, err := v.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, 0, doc.ID.Compare(got.ID))
}

func TestRetriedStorageRecoversFromTransientErrors(t *testing.T) {
	t.Parallel()

	flaky := &flakyStorage{Storage: openInnerStorage(t), remaining: 2}

	r := wrappers.NewRetriedStorage(flaky, wrappers.RetryPolicy{
		MaxAttempts:    5,
		InitialBackoff: 1,
		MaxBackoff:     10,
	})

	ctx := context.Background()
	doc := buildDoc(t, "/a", "content")

	require.NoError(t, r.Insert(ctx, doc))

	got, err := r.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
}

func TestRetriedStorageGivesUpAfterBudget(t *testing.T) {
	t.Parallel()

	flaky := &flakyStorage{Storage: openInnerStorage(t), remaining: 100}

	r := wrappers.NewRetriedStorage(flaky, wrappers.RetryPolicy{
		MaxAttempts:    3,
		InitialBackoff: 1,
		MaxBackoff:     10,
	})

	err := r.Insert(context.Background(), buildDoc(t, "/a", "content"))
	require.ErrorIs(t, err, kerr.ErrTransientIO)
}

func TestRetriedStorageDoesNotRetryTerminalErrors(t *testing.T) {
	t.Parallel()

	inner := openInnerStorage(t)

	r := wrappers.NewRetriedStorage(inner, wrappers.DefaultRetryPolicy())
	ctx := context.Background()

	doc := buildDoc(t, "/a", "content")
	require.NoError(t, r.Insert(ctx, doc))

	// AlreadyExists is terminal: exactly one inner failure, no retries.
	err := r.Insert(ctx, doc)
	require.ErrorIs(t, err, kerr.ErrAlreadyExists)
}

func TestCachedStorageServesFromCacheAndInvalidates(t *testing.T) {
	t.Parallel()

	inner := openInnerStorage(t)

	c, err := wrappers.NewCachedStorage(inner, 100)
	require.NoError(t, err)

	t.Cleanup(c.Close)

	ctx := context.Background()
	doc := buildDoc(t, "/a", "cached content")

	require.NoError(t, c.Insert(ctx, doc))

	got, err := c.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "cached content", string(got.Content))

	// Mutating the returned snapshot must not poison later reads.
	got.Content[0] = 'X'

	again, err := c.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Equal(t, "cached content", string(again.Content))

	deleted, err := c.Delete(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	gone, err := c.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Nil(t, gone, "delete must invalidate the cache entry")
}

func TestCachedFullTextInvalidatesOnWrite(t *testing.T) {
	t.Parallel()

	idx := trigram.NewIndex(trigram.Options{})

	c, err := wrappers.NewCachedFullText(idx, 100)
	require.NoError(t, err)

	t.Cleanup(c.Close)

	id, err := types.NewDocumentID()
	require.NoError(t, err)

	require.NoError(t, c.InsertWithContent(id, "hello world"))

	first := c.Search("hello", 10)
	require.Len(t, first, 1)

	// A repeated query may be served from cache; it must match exactly.
	require.Equal(t, first, c.Search("hello", 10))

	require.NoError(t, c.UpdateWithContent(id, "goodbye moon"))

	require.Empty(t, c.Search("hello", 10), "stale cached result after write")
	require.Len(t, c.Search("goodbye", 10), 1)
}

func TestMeteredStorageCountsOutcomes(t *testing.T) {
	t.Parallel()

	metrics := wrappers.NewMetrics()
	m := wrappers.NewMeteredStorage(openInnerStorage(t), metrics)

	ctx := context.Background()
	doc := buildDoc(t, "/a", "content")

	require.NoError(t, m.Insert(ctx, doc))

	err := m.Insert(ctx, doc) // duplicate
	require.Error(t, err)

	_, err = m.Get(ctx, doc.ID)
	require.NoError(t, err)

	require.Equal(t, uint64(1), metrics.OpCount("storage", "insert", "ok"))
	require.Equal(t, uint64(1), metrics.OpCount("storage", "insert", "error"))
	require.Equal(t, uint64(1), metrics.OpCount("storage", "get", "ok"))
}

func TestFreshMetricsPerStack(t *testing.T) {
	t.Parallel()

	a := wrappers.NewMetrics()
	b := wrappers.NewMetrics()

	ma := wrappers.NewMeteredStorage(openInnerStorage(t), a)

	require.NoError(t, ma.Insert(context.Background(), buildDoc(t, "/a", "x")))

	require.Equal(t, uint64(1), a.OpCount("storage", "insert", "ok"))
	require.Zero(t, b.OpCount("storage", "insert", "ok"), "metrics bled across stacks")
}

func TestTracedStorageIsTransparent(t *testing.T) {
	t.Parallel()

	traced := wrappers.NewTracedStorage(openInnerStorage(t), zap.NewNop())
	ctx := context.Background()

	doc := buildDoc(t, "/a", "traced content")
	require.NoError(t, traced.Insert(ctx, doc))

	got, err := traced.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	deleted, err := traced.Delete(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, deleted)
}

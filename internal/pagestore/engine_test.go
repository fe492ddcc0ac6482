package pagestore_test

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/internal/pagestore"
	"github.com/jayminwest/kotadb/pkg/fs"
	"github.com/jayminwest/kotadb/pkg/types"
)

func openTestStore(t *testing.T, dir string) *pagestore.Store {
	t.Helper()

	store, err := pagestore.Open(fs.NewReal(), dir, pagestore.Options{
		WALSegmentBytes: 1 << 20,
		FsyncOnCommit:   true,
	})
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = store.Close()
	})

	return store
}

func buildDoc(t *testing.T, path, title, content string) *types.Document {
	t.Helper()

	doc, err := new(types.DocumentBuilder).
		WithPath(path).
		WithTitle(title).
		WithContent([]byte(content)).
		WithTags("test").
		WithMetadata(map[string]string{"origin": "engine_test"}).
		Build()
	require.NoError(t, err)

	return doc
}

func docDiff(a, b *types.Document) string {
	return cmp.Diff(documentFields(a), documentFields(b))
}

// documentFields projects a document onto comparable plain values.
func documentFields(d *types.Document) map[string]any {
	tags := make([]string, 0, len(d.Tags))
	for _, tag := range d.Tags {
		tags = append(tags, tag.String())
	}

	return map[string]any{
		"id":       d.ID.String(),
		"path":     d.Path.String(),
		"title":    d.Title.String(),
		"content":  string(d.Content),
		"tags":     tags,
		"created":  d.CreatedAt.Unix(),
		"modified": d.ModifiedAt.Unix(),
		"size":     d.Size.Bytes(),
		"metadata": d.Metadata,
	}
}

func TestInsertGetRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	doc := buildDoc(t, "/notes/a.md", "A", "hello world")
	require.NoError(t, store.Insert(ctx, doc))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Empty(t, docDiff(doc, got))
}

func TestInsertDuplicateIDFails(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	doc := buildDoc(t, "/a", "A", "content")
	require.NoError(t, store.Insert(ctx, doc))

	dup := doc.Clone()
	dup.Path, _ = types.ParsePath("/b")

	err := store.Insert(ctx, dup)
	require.ErrorIs(t, err, kerr.ErrAlreadyExists)
}

func TestGetAbsentReturnsNil(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())

	id, err := types.NewDocumentID()
	require.NoError(t, err)

	doc, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.Nil(t, doc)
}

func TestUpdatePreservesCreatedAt(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	doc := buildDoc(t, "/a", "A", "v1")
	require.NoError(t, store.Insert(ctx, doc))

	next := buildDoc(t, "/a", "A", "v2 content")
	next = &types.Document{
		ID:         doc.ID,
		Path:       next.Path,
		Title:      next.Title,
		Content:    next.Content,
		Tags:       next.Tags,
		CreatedAt:  next.CreatedAt,
		ModifiedAt: next.ModifiedAt,
		Size:       next.Size,
		Metadata:   next.Metadata,
	}
	require.NoError(t, store.Update(ctx, next))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	require.Equal(t, doc.CreatedAt.Unix(), got.CreatedAt.Unix())
	require.False(t, got.ModifiedAt.Before(got.CreatedAt))
	require.Equal(t, "v2 content", string(got.Content))
}

func TestUpdateAbsentFails(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())

	doc := buildDoc(t, "/a", "A", "content")

	err := store.Update(context.Background(), doc)
	require.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestDeleteIsIdempotent(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	doc := buildDoc(t, "/a", "A", "content")
	require.NoError(t, store.Insert(ctx, doc))

	deleted, err := store.Delete(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	deleted, err = store.Delete(ctx, doc.ID)
	require.NoError(t, err)
	require.False(t, deleted)

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.Nil(t, got)
}

func TestListOrdersByCreatedAtThenID(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	// Same-second inserts tie on created_at and fall back to id order.
	var docs []*types.Document

	for _, path := range []string{"/c", "/a", "/b"} {
		doc := buildDoc(t, path, "T", "content of "+path)
		require.NoError(t, store.Insert(ctx, doc))
		docs = append(docs, doc)
	}

	listed, err := store.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, listed, 3)

	for i := 1; i < len(listed); i++ {
		prev, cur := listed[i-1], listed[i]

		if prev.CreatedAt.Unix() == cur.CreatedAt.Unix() {
			require.Negative(t, prev.ID.Compare(cur.ID))
		} else {
			require.Less(t, prev.CreatedAt.Unix(), cur.CreatedAt.Unix())
		}
	}

	// Paging.
	window, err := store.List(ctx, 1, 1)
	require.NoError(t, err)
	require.Len(t, window, 1)
	require.Empty(t, docDiff(listed[1], window[0]))
}

func TestMultiPageDocumentRoundTrip(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	// Spans several 4 KiB pages.
	big := strings.Repeat("0123456789abcdef", 2048) // 32 KiB

	doc := buildDoc(t, "/big", "Big", big)
	require.NoError(t, store.Insert(ctx, doc))

	got, err := store.Get(ctx, doc.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, big, string(got.Content))
}

func TestRecoveryAfterCrash(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := pagestore.Open(fs.NewReal(), dir, pagestore.Options{
		WALSegmentBytes: 1 << 20,
		FsyncOnCommit:   true,
	})
	require.NoError(t, err)

	var ids []types.DocumentID

	for i := 0; i < 100; i++ {
		doc := buildDoc(t, "/docs/"+strings.Repeat("x", i%7)+string(rune('a'+i%26))+"-"+itoa(i), "Doc", "content "+itoa(i))
		require.NoError(t, store.Insert(ctx, doc))
		ids = append(ids, doc.ID)
	}

	// Crash: the store is abandoned without Close, Flush, or Checkpoint.
	// The WAL was fsynced at each commit, so everything must come back.
	reopened := openTestStore(t, dir)

	require.Equal(t, 100, reopened.Count())

	for _, id := range ids {
		got, getErr := reopened.Get(ctx, id)
		require.NoError(t, getErr)
		require.NotNil(t, got, "document %s lost in recovery", id)
	}

	listed, err := reopened.List(ctx, 0, 0)
	require.NoError(t, err)
	require.Len(t, listed, 100, "no 101st document may appear")
}

func TestRecoveryDiscardsUncommittedTail(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := pagestore.Open(fs.NewReal(), dir, pagestore.Options{
		WALSegmentBytes: 1 << 20,
		FsyncOnCommit:   true,
	})
	require.NoError(t, err)

	committed := buildDoc(t, "/committed", "C", "safe content")
	require.NoError(t, store.Insert(ctx, committed))

	torn := buildDoc(t, "/torn", "T", "doomed content")
	require.NoError(t, store.Insert(ctx, torn))

	// Tear the WAL after the first transaction: chop bytes off the tail so
	// the second transaction's commit is incomplete.
	walDir := filepath.Join(dir, "wal")

	entries, err := os.ReadDir(walDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)

	segPath := filepath.Join(walDir, entries[0].Name())

	info, err := os.Stat(segPath)
	require.NoError(t, err)
	require.NoError(t, os.Truncate(segPath, info.Size()-6))

	reopened := openTestStore(t, dir)

	got, err := reopened.Get(ctx, committed.ID)
	require.NoError(t, err)
	require.NotNil(t, got)

	gone, err := reopened.Get(ctx, torn.ID)
	require.NoError(t, err)
	require.Nil(t, gone, "transaction behind the torn tail must vanish")
}

func TestCorruptPageIsQuarantined(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store := openTestStore(t, dir)

	victim := buildDoc(t, "/victim", "V", "victim content")
	bystander := buildDoc(t, "/bystander", "B", "bystander content")

	require.NoError(t, store.Insert(ctx, victim))
	require.NoError(t, store.Insert(ctx, bystander))

	// Flip payload bytes in the victim's page file.
	pagesDir := filepath.Join(dir, "pages")

	entries, err := os.ReadDir(pagesDir)
	require.NoError(t, err)
	require.NotEmpty(t, entries)

	victimPage := filepath.Join(pagesDir, entries[0].Name())

	data, err := os.ReadFile(victimPage)
	require.NoError(t, err)

	data[100] ^= 0xff
	data[101] ^= 0xff
	require.NoError(t, os.WriteFile(victimPage, data, 0o600))

	// One of the two documents now fails its checksum.
	var corrupted, intact int

	for _, doc := range []*types.Document{victim, bystander} {
		_, getErr := store.Get(ctx, doc.ID)
		if getErr != nil {
			require.ErrorIs(t, getErr, kerr.ErrCorruption)

			// Quarantined: the second read fails fast the same way.
			_, getErr = store.Get(ctx, doc.ID)
			require.ErrorIs(t, getErr, kerr.ErrCorruption)

			corrupted++
		} else {
			intact++
		}
	}

	require.Equal(t, 1, corrupted)
	require.Equal(t, 1, intact, "corruption must not spread to other documents")
}

func TestCheckpointSurvivesReopen(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	store, err := pagestore.Open(fs.NewReal(), dir, pagestore.Options{
		WALSegmentBytes: 1 << 20,
		FsyncOnCommit:   true,
	})
	require.NoError(t, err)

	keep := buildDoc(t, "/keep", "K", "kept content")
	drop := buildDoc(t, "/drop", "D", "dropped content")

	require.NoError(t, store.Insert(ctx, keep))
	require.NoError(t, store.Insert(ctx, drop))

	deleted, err := store.Delete(ctx, drop.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	require.NoError(t, store.Checkpoint(ctx))
	require.NoError(t, store.Close())

	reopened := openTestStore(t, dir)

	require.Equal(t, 1, reopened.Count())

	got, err := reopened.Get(ctx, keep.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Equal(t, "kept content", string(got.Content))

	gone, err := reopened.Get(ctx, drop.ID)
	require.NoError(t, err)
	require.Nil(t, gone)
}

func TestInsertThenDeleteRestoresInitialState(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	require.Zero(t, store.Count())
	require.Zero(t, store.Bytes())

	doc := buildDoc(t, "/a", "A", "transient")
	require.NoError(t, store.Insert(ctx, doc))

	deleted, err := store.Delete(ctx, doc.ID)
	require.NoError(t, err)
	require.True(t, deleted)

	require.Zero(t, store.Count())
	require.Zero(t, store.Bytes())
}

func TestFlushAfterInsert(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())
	ctx := context.Background()

	doc := buildDoc(t, "/a", "A", "durable")
	require.NoError(t, store.Insert(ctx, doc))
	require.NoError(t, store.Flush(ctx))
}

func TestCancelledContextIsRejected(t *testing.T) {
	t.Parallel()

	store := openTestStore(t, t.TempDir())

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	doc := buildDoc(t, "/a", "A", "content")

	err := store.Insert(ctx, doc)
	require.ErrorIs(t, err, kerr.ErrCancelled)
}

func itoa(n int) string {
	if n == 0 {
		return "0"
	}

	var digits []byte
	for n > 0 {
		digits = append([]byte{byte('0' + n%10)}, digits...)
		n /= 10
	}

	return string(digits)
}

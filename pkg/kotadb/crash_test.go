package kotadb

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

// crash abandons the DB the way a killed process would: the WAL has been
// fsynced at every commit, but no index snapshot, flush, or checkpoint
// happens and the directory lock is dropped. Test-only.
func (db *DB) crash() {
	db.mu.Lock()
	db.closed = true
	db.mu.Unlock()

	_ = db.store.Close()

	if db.cachedStorage != nil {
		db.cachedStorage.Close()
	}

	if db.cachedFullText != nil {
		db.cachedFullText.Close()
	}

	db.releaseLock()
}

func TestCrashRecoveryRebuildsEverything(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.CheckpointIntervalBytes = 0 // never checkpoint; recovery is pure WAL replay

	db, err := Open(cfg)
	require.NoError(t, err)

	const docs = 100

	ids := make(map[string]string, docs)

	for i := 0; i < docs; i++ {
		path := fmt.Sprintf("/crash/%03d.md", i)

		id, createErr := db.Create(ctx, path, "Crash Doc",
			[]byte(fmt.Sprintf("crash recovery content number %03d", i)), nil, nil)
		require.NoError(t, createErr)

		ids[path] = id.String()
	}

	// Kill the process after the 100th commit's WAL fsync, before any
	// checkpoint or index flush.
	db.crash()

	reopened, err := Open(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = reopened.Close()
	})

	stats, err := reopened.Stats(ctx)
	require.NoError(t, err)
	require.Equal(t, docs, stats.DocCount, "all 100 documents must survive")
	require.Equal(t, docs, stats.PathKeys)
	require.Equal(t, docs, stats.IndexedFTS)

	// Every document is reachable by path and by content.
	for path := range ids {
		byPath, searchErr := reopened.Search(ctx, path, 10, 0)
		require.NoError(t, searchErr)
		require.Len(t, byPath, 1, path)
		require.Equal(t, ids[path], byPath[0].Document.ID.String())
	}

	hits, err := reopened.Search(ctx, "recovery content", docs+10, 0)
	require.NoError(t, err)
	require.Len(t, hits, docs)
}

func TestCrashAfterDeleteStaysDeleted(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	ctx := context.Background()

	cfg := DefaultConfig(dir)
	cfg.CheckpointIntervalBytes = 0

	db, err := Open(cfg)
	require.NoError(t, err)

	keep, err := db.Create(ctx, "/keep.md", "K", []byte("kept through the crash"), nil, nil)
	require.NoError(t, err)

	drop, err := db.Create(ctx, "/drop.md", "D", []byte("deleted before the crash"), nil, nil)
	require.NoError(t, err)

	deleted, err := db.Delete(ctx, drop)
	require.NoError(t, err)
	require.True(t, deleted)

	db.crash()

	reopened, err := Open(cfg)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = reopened.Close()
	})

	_, err = reopened.Get(ctx, keep)
	require.NoError(t, err)

	_, err = reopened.Get(ctx, drop)
	require.Error(t, err, "deleted document resurrected by recovery")

	byPath, err := reopened.Search(ctx, "/drop.md", 10, 0)
	require.NoError(t, err)
	require.Empty(t, byPath)
}

func TestClassify(t *testing.T) {
	t.Parallel()

	tests := []struct {
		query string
		want  string
	}{
		{query: "", want: routeListAll},
		{query: "*", want: routeListAll},
		{query: "/a/*", want: routeGlob},
		{query: "doc?.md", want: routeGlob},
		{query: "/notes/a.md", want: routePath},
		{query: "hello world", want: routeFullText},
		{query: "rustacean", want: routeFullText},
	}

	for _, tt := range tests {
		t.Run(tt.query, func(t *testing.T) {
			t.Parallel()

			require.Equal(t, tt.want, classify(tt.query))
		})
	}
}

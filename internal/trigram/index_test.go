package trigram

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/fs"
	"github.com/jayminwest/kotadb/pkg/types"
)

func mustID(t *testing.T) types.DocumentID {
	t.Helper()

	id, err := types.NewDocumentID()
	require.NoError(t, err)

	return id
}

func TestTokenize(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		text string
		want []string
	}{
		{
			name: "single short token",
			text: "ab",
			want: []string{"\x02ab", "ab\x03"},
		},
		{
			name: "single char token",
			text: "a",
			want: []string{"\x02a\x03"},
		},
		{
			name: "case and punctuation fold",
			text: "Ab,ab!",
			want: []string{"\x02ab", "ab\x03"},
		},
		{
			name: "empty",
			text: "   ",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got := tokenize(tt.text)
			require.Len(t, got, len(tt.want))

			for _, gram := range tt.want {
				_, ok := got[gram]
				require.True(t, ok, "missing trigram %q", gram)
			}
		})
	}
}

func TestNormalizeFoldsUnicode(t *testing.T) {
	t.Parallel()

	require.Equal(t, "cafe", normalize("Cafe\u0301")) // combining acute dropped
	require.Equal(t, "a b 9 ", normalize("A/B(9)"))
}

func TestInsertRequiresContent(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})

	err := idx.InsertWithContent(mustID(t), "   ")
	require.ErrorIs(t, err, kerr.ErrConfig)

	err = idx.InsertWithContent(types.DocumentID{}, "text")
	require.ErrorIs(t, err, kerr.ErrInvalidInput)
}

func TestSearchExactishMatch(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	id := mustID(t)

	require.NoError(t, idx.InsertWithContent(id, "hello world"))

	hits := idx.Search("hello", 10)
	require.Len(t, hits, 1)
	require.Equal(t, 0, id.Compare(hits[0].ID))
	require.GreaterOrEqual(t, hits[0].Score, 0.8)
	require.Contains(t, hits[0].Preview, "hello")
}

func TestSearchPrecisionThresholds(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	id := mustID(t)

	require.NoError(t, idx.InsertWithContent(id, "rustacean"))

	// Unrelated short-query fuzz is rejected outright.
	require.Empty(t, idx.Search("xylophone", 10))

	// A strong prefix of the indexed token clears the short threshold.
	hits := idx.Search("rusta", 10)
	require.Len(t, hits, 1)
	require.GreaterOrEqual(t, hits[0].Score, 0.8)
}

func TestSearchEmptyQueryReturnsNothing(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	require.NoError(t, idx.InsertWithContent(mustID(t), "content here"))

	require.Empty(t, idx.Search("", 10))
	require.Empty(t, idx.Search("   ", 10))
}

func TestUpdateReplacesTrigrams(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	id := mustID(t)

	require.NoError(t, idx.InsertWithContent(id, "hello world"))
	require.NoError(t, idx.UpdateWithContent(id, "hello rust"))

	require.Empty(t, idx.Search("world", 10))

	hits := idx.Search("rust", 10)
	require.Len(t, hits, 1)

	// Reverse map matches a fresh tokenization of the new content.
	grams, ok := idx.Trigrams(id)
	require.True(t, ok)
	require.Equal(t, tokenize("hello rust"), grams)
}

func TestUpdateUnknownDocFails(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})

	err := idx.UpdateWithContent(mustID(t), "text")
	require.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestDeleteIsIdempotentAndSymmetric(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	id := mustID(t)

	require.NoError(t, idx.InsertWithContent(id, "ephemeral content"))
	require.Equal(t, 1, idx.Count())

	require.True(t, idx.Delete(id))
	require.False(t, idx.Delete(id))

	require.Zero(t, idx.Count())
	require.Empty(t, idx.Search("ephemeral", 10))

	_, ok := idx.Trigrams(id)
	require.False(t, ok)

	// Re-inserting after delete is a fresh insert, not a conflict.
	require.NoError(t, idx.InsertWithContent(id, "ephemeral content"))
	require.Len(t, idx.Search("ephemeral", 10), 1)
}

func TestDoubleInsertFails(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	id := mustID(t)

	require.NoError(t, idx.InsertWithContent(id, "first version"))

	err := idx.InsertWithContent(id, "second version")
	require.ErrorIs(t, err, kerr.ErrAlreadyExists)
}

func TestSearchRankingIsDeterministic(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})

	// Several documents with identical content tie on score; order must be
	// by id ascending.
	ids := make([]types.DocumentID, 5)
	for i := range ids {
		ids[i] = mustID(t)
		require.NoError(t, idx.InsertWithContent(ids[i], "identical searchable text"))
	}

	first := idx.Search("searchable", 10)
	second := idx.Search("searchable", 10)

	require.Len(t, first, len(ids))
	require.Equal(t, first, second)

	for i := 1; i < len(first); i++ {
		require.Equal(t, first[i-1].Score, first[i].Score)
		require.Negative(t, first[i-1].ID.Compare(first[i].ID))
	}
}

func TestSearchLimit(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})

	for i := 0; i < 10; i++ {
		require.NoError(t, idx.InsertWithContent(mustID(t), "matching content"))
	}

	require.Len(t, idx.Search("matching", 3), 3)
	require.Len(t, idx.Search("matching", 0), 10)
}

func TestShorterDocumentRanksFirst(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	short := mustID(t)
	long := mustID(t)

	require.NoError(t, idx.InsertWithContent(short, "target"))
	require.NoError(t, idx.InsertWithContent(long,
		"target surrounded by a great deal of additional prose that dilutes it"))

	hits := idx.Search("target", 10)
	require.NotEmpty(t, hits)
	require.Equal(t, 0, short.Compare(hits[0].ID))
}

func TestPreviewWindow(t *testing.T) {
	t.Parallel()

	idx := NewIndex(Options{})
	id := mustID(t)

	long := "padding before the needle appears "
	for len(long) < 600 {
		long += "more context around here "
	}

	long += " needle "

	for len(long) < 1200 {
		long += "trailing filler text "
	}

	require.NoError(t, idx.InsertWithContent(id, long))

	hits := idx.Search("needle", 10)
	require.NotEmpty(t, hits)
	require.LessOrEqual(t, len(hits[0].Preview), 160)
	require.Contains(t, hits[0].Preview, "needle")
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fs.NewReal()

	idx := NewIndex(Options{})
	keep := mustID(t)
	gone := mustID(t)

	require.NoError(t, idx.InsertWithContent(keep, "persistent content"))
	require.NoError(t, idx.InsertWithContent(gone, "removed content"))
	require.True(t, idx.Delete(gone))

	require.NoError(t, idx.Flush(fsys, dir, 42))

	reopened, err := Open(fsys, dir, Options{})
	require.NoError(t, err)
	require.Equal(t, uint64(42), reopened.Stamp())
	require.Equal(t, 1, reopened.Count())

	hits := reopened.Search("persistent", 10)
	require.Len(t, hits, 1)
	require.Equal(t, 0, keep.Compare(hits[0].ID))

	// Reverse-map symmetry survives the round trip.
	grams, ok := reopened.Trigrams(keep)
	require.True(t, ok)
	require.Equal(t, tokenize("persistent content"), grams)
}

func TestOpenMissingSnapshotGivesEmptyIndex(t *testing.T) {
	t.Parallel()

	idx, err := Open(fs.NewReal(), t.TempDir(), Options{})
	require.NoError(t, err)
	require.Zero(t, idx.Count())
}

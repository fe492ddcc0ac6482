package btree_test

import (
	"fmt"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/jayminwest/kotadb/internal/btree"
	"github.com/jayminwest/kotadb/internal/kerr"
	"github.com/jayminwest/kotadb/pkg/fs"
	"github.com/jayminwest/kotadb/pkg/types"
)

func newTestTree(t *testing.T, fanout int) *btree.Tree {
	t.Helper()

	tree, err := btree.New(fs.NewReal(), t.TempDir(), fanout)
	require.NoError(t, err)

	return tree
}

func mustPath(t *testing.T, s string) types.Path {
	t.Helper()

	p, err := types.ParsePath(s)
	require.NoError(t, err)

	return p
}

func mustID(t *testing.T) types.DocumentID {
	t.Helper()

	id, err := types.NewDocumentID()
	require.NoError(t, err)

	return id
}

// requireBalanced asserts every leaf sits at the same depth.
func requireBalanced(t *testing.T, tree *btree.Tree) {
	t.Helper()

	depths := tree.Depths()
	require.NotEmpty(t, depths)

	for _, d := range depths {
		require.Equal(t, depths[0], d, "leaves at unequal depths")
	}
}

func TestInsertGet(t *testing.T) {
	t.Parallel()

	tree := newTestTree(t, 4)

	path := mustPath(t, "/notes/a.md")
	id := mustID(t)

	require.NoError(t, tree.Insert(path, id))

	got, ok := tree.Get(path)
	require.True(t, ok)
	require.Equal(t, 0, id.Compare(got))

	_, ok = tree.Get(mustPath(t, "/notes/missing.md"))
	require.False(t, ok)
}

func TestInsertDuplicatePath(t *testing.T) {
	t.Parallel()

	tree := newTestTree(t, 4)

	path := mustPath(t, "/a")
	id := mustID(t)

	require.NoError(t, tree.Insert(path, id))

	// Same pair: no-op.
	require.NoError(t, tree.Insert(path, id))
	require.Equal(t, 1, tree.Count())

	// Same path, different id: collision.
	err := tree.Insert(path, mustID(t))
	require.ErrorIs(t, err, kerr.ErrAlreadyExists)
}

func TestDeleteIdempotentAndStrict(t *testing.T) {
	t.Parallel()

	tree := newTestTree(t, 4)

	path := mustPath(t, "/a")
	require.NoError(t, tree.Insert(path, mustID(t)))

	found, err := tree.Delete(path)
	require.NoError(t, err)
	require.True(t, found)

	found, err = tree.Delete(path)
	require.NoError(t, err)
	require.False(t, found)

	err = tree.DeleteStrict(path)
	require.ErrorIs(t, err, kerr.ErrNotFound)
}

func TestOrderedInsertStaysBalanced(t *testing.T) {
	t.Parallel()

	const n = 1000

	tree := newTestTree(t, 8)

	for i := 0; i < n; i++ {
		path := mustPath(t, fmt.Sprintf("/docs/%06d", i))
		require.NoError(t, tree.Insert(path, mustID(t)))
	}

	require.Equal(t, n, tree.Count())
	requireBalanced(t, tree)

	// Ordered scan returns every key in lexicographic order.
	pairs := tree.ListAll(0)
	require.Len(t, pairs, n)

	for i := 1; i < len(pairs); i++ {
		require.Less(t, pairs[i-1].Path, pairs[i].Path)
	}
}

func TestRandomInsertDeleteAgainstModel(t *testing.T) {
	t.Parallel()

	const rounds = 3000

	rng := rand.New(rand.NewSource(42))
	tree := newTestTree(t, 8)
	model := make(map[string]types.DocumentID)

	for i := 0; i < rounds; i++ {
		key := fmt.Sprintf("/k/%04d", rng.Intn(500))
		path := mustPath(t, key)

		if rng.Intn(2) == 0 {
			id := mustID(t)

			err := tree.Insert(path, id)
			if _, exists := model[key]; exists {
				require.ErrorIs(t, err, kerr.ErrAlreadyExists)
			} else {
				require.NoError(t, err)
				model[key] = id
			}
		} else {
			found, err := tree.Delete(path)
			require.NoError(t, err)

			_, exists := model[key]
			require.Equal(t, exists, found)
			delete(model, key)
		}
	}

	require.Equal(t, len(model), tree.Count())
	requireBalanced(t, tree)

	for key, id := range model {
		got, ok := tree.Get(mustPath(t, key))
		require.True(t, ok, key)
		require.Equal(t, 0, id.Compare(got), key)
	}

	// Drain completely; the tree must return to empty.
	for key := range model {
		found, err := tree.Delete(mustPath(t, key))
		require.NoError(t, err)
		require.True(t, found)
	}

	require.Zero(t, tree.Count())
	require.Empty(t, tree.ListAll(0))
	requireBalanced(t, tree)
}

func TestScanPrefix(t *testing.T) {
	t.Parallel()

	tree := newTestTree(t, 4)

	for _, p := range []string{"/a/1", "/a/2", "/b/1"} {
		require.NoError(t, tree.Insert(mustPath(t, p), mustID(t)))
	}

	pairs := tree.Scan("/a/", 0)
	require.Len(t, pairs, 2)
	require.Equal(t, "/a/1", pairs[0].Path)
	require.Equal(t, "/a/2", pairs[1].Path)

	all := tree.ListAll(0)
	require.Len(t, all, 3)

	limited := tree.Scan("/a/", 1)
	require.Len(t, limited, 1)

	none := tree.Scan("/zzz", 0)
	require.Empty(t, none)
}

func TestScanCrossesLeafBoundaries(t *testing.T) {
	t.Parallel()

	tree := newTestTree(t, 4)

	const n = 200

	for i := 0; i < n; i++ {
		require.NoError(t, tree.Insert(mustPath(t, fmt.Sprintf("/p/%03d", i)), mustID(t)))
	}

	pairs := tree.Scan("/p/", 0)
	require.Len(t, pairs, n)
}

func TestPersistenceRoundTrip(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	fsys := fs.NewReal()

	tree, err := btree.New(fsys, dir, 8)
	require.NoError(t, err)

	inserted := make(map[string]types.DocumentID)

	for i := 0; i < 300; i++ {
		key := fmt.Sprintf("/persist/%04d", i)
		id := mustID(t)

		require.NoError(t, tree.Insert(mustPath(t, key), id))
		inserted[key] = id
	}

	require.NoError(t, tree.Flush(77))

	reopened, err := btree.Open(fsys, dir, 8)
	require.NoError(t, err)
	require.Equal(t, uint64(77), reopened.Stamp())
	require.Equal(t, len(inserted), reopened.Count())
	requireBalanced(t, reopened)

	for key, id := range inserted {
		got, ok := reopened.Get(mustPath(t, key))
		require.True(t, ok, key)
		require.Equal(t, 0, id.Compare(got), key)
	}

	// Mutate and flush again; the second generation must also round-trip.
	found, err := reopened.Delete(mustPath(t, "/persist/0000"))
	require.NoError(t, err)
	require.True(t, found)

	require.NoError(t, reopened.Flush(78))

	third, err := btree.Open(fsys, dir, 8)
	require.NoError(t, err)
	require.Equal(t, len(inserted)-1, third.Count())

	_, ok := third.Get(mustPath(t, "/persist/0000"))
	require.False(t, ok)
}

func TestOpenEmptyDirectory(t *testing.T) {
	t.Parallel()

	tree, err := btree.Open(fs.NewReal(), t.TempDir(), 8)
	require.NoError(t, err)
	require.Zero(t, tree.Count())
}

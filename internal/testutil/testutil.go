// Package testutil provides shared fixtures for engine tests. Everything
// runs against real files in t.TempDir(); there are no mocks, only the
// fault-injecting filesystem from pkg/fs.
package testutil

import (
	"context"
	"testing"

	"github.com/jayminwest/kotadb/pkg/kotadb"
	"github.com/jayminwest/kotadb/pkg/types"
)

// OpenTestDB opens a DB in a fresh temp directory with small, test-friendly
// sizes and registers cleanup.
func OpenTestDB(t *testing.T) *kotadb.DB {
	t.Helper()

	cfg := kotadb.DefaultConfig(t.TempDir())
	cfg.WALSegmentBytes = 1 << 20
	cfg.CheckpointIntervalBytes = 0 // explicit checkpoints only

	db, err := kotadb.Open(cfg)
	if err != nil {
		t.Fatalf("open test db: %v", err)
	}

	t.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

// MustCreate inserts a document and returns its id.
func MustCreate(t *testing.T, db *kotadb.DB, path, title, content string, tags ...string) types.DocumentID {
	t.Helper()

	id, err := db.Create(context.Background(), path, title, []byte(content), tags, nil)
	if err != nil {
		t.Fatalf("create %s: %v", path, err)
	}

	return id
}

// MustBuildDocument constructs a valid document for engine-level tests.
func MustBuildDocument(t *testing.T, path, title, content string) *types.Document {
	t.Helper()

	doc, err := new(types.DocumentBuilder).
		WithPath(path).
		WithTitle(title).
		WithContent([]byte(content)).
		Build()
	if err != nil {
		t.Fatalf("build document %s: %v", path, err)
	}

	return doc
}

package kotadb_test

import (
	"context"
	"fmt"
	"testing"

	"github.com/jayminwest/kotadb/pkg/kotadb"
)

func openBenchDB(b *testing.B) *kotadb.DB {
	b.Helper()

	cfg := kotadb.DefaultConfig(b.TempDir())

	// Point-query latency is what the engine is sized for; fsync per commit
	// would benchmark the disk instead.
	fsync := false
	cfg.FsyncOnCommit = &fsync

	db, err := kotadb.Open(cfg)
	if err != nil {
		b.Fatalf("open bench db: %v", err)
	}

	b.Cleanup(func() {
		_ = db.Close()
	})

	return db
}

func BenchmarkCreate(b *testing.B) {
	db := openBenchDB(b)
	ctx := context.Background()

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := db.Create(ctx, fmt.Sprintf("/bench/create/%09d", i), "Bench",
			[]byte("benchmark document body with enough text to index"), nil, nil)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkGet(b *testing.B) {
	db := openBenchDB(b)
	ctx := context.Background()

	id, err := db.Create(ctx, "/bench/get", "Bench",
		[]byte("benchmark document body"), nil, nil)
	if err != nil {
		b.Fatal(err)
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err = db.Get(ctx, id)
		if err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkSearch(b *testing.B) {
	db := openBenchDB(b)
	ctx := context.Background()

	for i := 0; i < 1000; i++ {
		_, err := db.Create(ctx, fmt.Sprintf("/bench/search/%04d", i), "Bench",
			[]byte(fmt.Sprintf("searchable corpus entry number %04d with shared vocabulary", i)),
			nil, nil)
		if err != nil {
			b.Fatal(err)
		}
	}

	b.ResetTimer()

	for i := 0; i < b.N; i++ {
		_, err := db.Search(ctx, "shared vocabulary", 10, 0)
		if err != nil {
			b.Fatal(err)
		}
	}
}
